// ecrig drives an elastocaloric test rig: diagnostics, calibration, position
// tests, acquisition and scripted procedures, from the terminal or over HTTP
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nasa-jpl/ecrig/procedure"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is the procedure file used when --config is not given
	ConfigFileName = "ecrig.yml"

	flags struct {
		config     string
		timeout    float64
		sampleRate float64
		outfile    string
		unit       string
		mock       bool
		verbose    bool
	}

	logger *zap.SugaredLogger
	doc    *procedure.Document
)

// overrideFlags maps flags onto the configuration keys they override
var overrideFlags = map[string]string{
	"timeout":        "config.timeout",
	"sample_rate":    "config.sample_rate",
	"outfile":        "config.outfile",
	"unit":           "config.units",
	"mock":           "hal.mock",
	"lower_limit":    "config.lower_limit",
	"low_threshold":  "config.low_threshold",
	"high_threshold": "config.high_threshold",
	"upper_limit":    "config.upper_limit",
}

var rootCmd = &cobra.Command{
	Use:   "ecrig",
	Short: "ecrig controls an elastocaloric actuator rig",
	Long: `ecrig controls an elastocaloric actuator rig.

The rig is described by a procedure file (--config, default ecrig.yml) holding
the position limits, hardware settings and the routines run by "ecrig run".
Values in the file may be overridden by ECRIG_ environment variables, a .env
file in the working directory, and the flags below.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.config, "config", ConfigFileName, "procedure file")
	pf.Float64Var(&flags.timeout, "timeout", 5, "acquisition duration, seconds")
	pf.Float64Var(&flags.sampleRate, "sample_rate", 128, "ADC sample rate, Hz")
	pf.StringVar(&flags.outfile, "outfile", "", "output file")
	pf.StringVar(&flags.unit, "unit", "raw", "position unit: raw, in or mm")
	pf.BoolVar(&flags.mock, "mock", true, "use the simulated rig")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "debug logging")
}

// thresholdFlags adds the -L/-l/-h/-H limit overrides to cmd
func thresholdFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.IntP("lower_limit", "L", 0, "hard lower limit")
	f.IntP("low_threshold", "l", 0, "soft lower threshold")
	f.IntP("high_threshold", "h", 0, "soft upper threshold")
	f.IntP("upper_limit", "H", 0, "hard upper limit")
}

func newLogger(verbose bool) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return l.Sugar(), nil
}

func setup(cmd *cobra.Command, args []string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}
	var err error
	if logger, err = newLogger(flags.verbose); err != nil {
		return err
	}
	overrides := map[string]interface{}{}
	for name, key := range overrideFlags {
		f := cmd.Flags().Lookup(name)
		if f != nil && f.Changed {
			overrides[key] = f.Value.String()
		}
	}
	path := flags.config
	if !cmd.Flags().Changed("config") || cmd.Annotations["config"] == "optional" {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}
	doc, err = procedure.Load(path, overrides)
	if err != nil {
		return err
	}
	logger.Debugw("configuration loaded", "path", path, "overrides", overrides)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		atexit.Exit(1)
	}
	atexit.Exit(0)
}
