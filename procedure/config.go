// Package procedure loads experiment procedures and runs them.
//
// A procedure document is YAML with a config section holding the position
// limits and acquisition settings, hal and loadcell sections describing the
// hardware, and an ordered list of routines.  Values are layered: built-in
// defaults, the file, ECRIG_ environment variables, then explicit overrides.
package procedure

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	yml "gopkg.in/yaml.v2"

	"github.com/nasa-jpl/ecrig/datalog"
	"github.com/nasa-jpl/ecrig/hal"
	"github.com/nasa-jpl/ecrig/position"
)

// EnvPrefix is the prefix of environment overrides.  A double underscore
// separates levels, so ECRIG_CONFIG__TIMEOUT sets config.timeout.
const EnvPrefix = "ECRIG_"

// unset marks a soft threshold which is derived from the hard limits
const unset = -1

// SoftInset places an unset soft threshold this fraction of the hard span
// inside its hard limit, so monitoring reverses before the guard trips
const SoftInset = 0.05

// ConfigError is an invalid or unreadable configuration.  It is raised before
// any hardware is touched.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return "config: " + e.Err.Error()
	}
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Config is the global section shared by every routine
type Config struct {
	LowerLimit    int     `koanf:"lower_limit" yaml:"lower_limit"`
	UpperLimit    int     `koanf:"upper_limit" yaml:"upper_limit"`
	LowThreshold  int     `koanf:"low_threshold" yaml:"low_threshold"`
	HighThreshold int     `koanf:"high_threshold" yaml:"high_threshold"`
	SampleRate    float64 `koanf:"sample_rate" yaml:"sample_rate"`

	// Timeout is the default acquisition duration in seconds
	Timeout float64 `koanf:"timeout" yaml:"timeout"`

	Units   string  `koanf:"units" yaml:"units"`
	Stroke  float64 `koanf:"stroke" yaml:"stroke"`
	Outfile string  `koanf:"outfile" yaml:"outfile"`
}

// HALConfig describes the rig hardware
type HALConfig struct {
	// Mock uses the simulated rig
	Mock      bool `koanf:"mock" yaml:"mock"`
	AlertPin  int  `koanf:"alert_pin" yaml:"alert_pin"`
	Magnitude int  `koanf:"magnitude" yaml:"magnitude"`

	// SampleTimeout is seconds to wait for one conversion
	SampleTimeout float64 `koanf:"sample_timeout" yaml:"sample_timeout"`
}

// LoadCellConfig describes the OpenScale load cell.  An empty Addr means none
// is attached.
type LoadCellConfig struct {
	Addr      string `koanf:"addr" yaml:"addr"`
	Serial    bool   `koanf:"serial" yaml:"serial"`
	Baud      int    `koanf:"baud" yaml:"baud"`
	Timestamp bool   `koanf:"timestamp" yaml:"timestamp"`
	Units     string `koanf:"units" yaml:"units"`
}

// RoutineConfig is one routine as written in the document
type RoutineConfig struct {
	Name            string                       `koanf:"name" yaml:"name"`
	EntryAction     string                       `koanf:"entry_action" yaml:"entry_action"`
	AbortOn         string                       `koanf:"abort_on" yaml:"abort_on,omitempty"`
	Params          map[string]interface{}       `koanf:"params" yaml:"params,omitempty"`
	TransitionTable map[string]map[string]string `koanf:"transition_table" yaml:"transition_table"`
}

// Document is a whole procedure file
type Document struct {
	Config   Config          `koanf:"config" yaml:"config"`
	HAL      HALConfig       `koanf:"hal" yaml:"hal"`
	LoadCell LoadCellConfig  `koanf:"loadcell" yaml:"loadcell"`
	Addr     string          `koanf:"addr" yaml:"addr"`
	Routines []RoutineConfig `koanf:"routines" yaml:"routines"`
}

// Defaults is the document used when nothing else is given
func Defaults() Document {
	return Document{
		Config: Config{
			LowerLimit:    0,
			UpperLimit:    hal.MaxLevel,
			LowThreshold:  unset,
			HighThreshold: unset,
			SampleRate:    hal.DefaultSampleRate,
			Timeout:       5,
			Units:         string(datalog.Raw),
			Stroke:        6,
		},
		HAL: HALConfig{
			Mock:          true,
			AlertPin:      hal.DefaultAlertPin,
			Magnitude:     position.DefaultMagnitude,
			SampleTimeout: position.DefaultSampleTimeout.Seconds(),
		},
		LoadCell: LoadCellConfig{
			Serial:    true,
			Baud:      9600,
			Timestamp: true,
			Units:     "kg",
		},
		Addr: ":8000",
	}
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.Replace(s, "__", ".", -1)
}

// Load layers defaults, the file at path (skipped if path is empty), the
// environment and overrides, keyed like "config.timeout".  The result is
// normalized and validated.
func Load(path string, overrides map[string]interface{}) (*Document, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, &ConfigError{Err: err}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				err = fmt.Errorf("file not found: %w", err)
			}
			return nil, &ConfigError{Path: path, Err: err}
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return nil, &ConfigError{Path: path, Err: err}
		}
	}
	doc := &Document{}
	if err := k.Unmarshal("", doc); err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	doc.normalize()
	if err := doc.Validate(); err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	return doc, nil
}

func (d *Document) normalize() {
	lo, hi := d.Config.LowThreshold == unset, d.Config.HighThreshold == unset
	inset := int(float64(d.Config.UpperLimit-d.Config.LowerLimit) * SoftInset)
	if inset < 1 {
		inset = 1
	}
	if lo {
		d.Config.LowThreshold = d.Config.LowerLimit + inset
	}
	if hi {
		d.Config.HighThreshold = d.Config.UpperLimit - inset
	}
	// a derived threshold never crosses an explicit one
	switch {
	case lo && !hi && d.Config.LowThreshold > d.Config.HighThreshold:
		d.Config.LowThreshold = d.Config.HighThreshold
	case hi && !lo && d.Config.HighThreshold < d.Config.LowThreshold:
		d.Config.HighThreshold = d.Config.LowThreshold
	case lo && hi && d.Config.LowThreshold > d.Config.HighThreshold:
		d.Config.LowThreshold, d.Config.HighThreshold = d.Config.LowerLimit, d.Config.UpperLimit
	}
	if d.Config.SampleRate <= 0 {
		d.Config.SampleRate = hal.DefaultSampleRate
	}
	if d.HAL.AlertPin == 0 {
		d.HAL.AlertPin = hal.DefaultAlertPin
	}
	if d.HAL.Magnitude <= 0 {
		d.HAL.Magnitude = position.DefaultMagnitude
	}
}

// Validate checks the thresholds, units and routine names
func (d *Document) Validate() error {
	if err := d.Thresholds().Validate(); err != nil {
		return err
	}
	if _, err := datalog.ParseUnit(d.Config.Units); err != nil {
		return err
	}
	if d.Config.Stroke <= 0 {
		return fmt.Errorf("stroke must be positive, got %v", d.Config.Stroke)
	}
	if d.HAL.Magnitude > hal.MaxOutput {
		return fmt.Errorf("magnitude %d exceeds %d", d.HAL.Magnitude, hal.MaxOutput)
	}
	seen := make(map[string]bool)
	for i, r := range d.Routines {
		if r.Name == "" {
			return fmt.Errorf("routine %d has no name", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("routine %q defined twice", r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}

// Thresholds returns the position bounds of the config section
func (d *Document) Thresholds() position.Thresholds {
	return position.Thresholds{
		LowMin:        d.Config.LowerLimit,
		LowThreshold:  d.Config.LowThreshold,
		HighThreshold: d.Config.HighThreshold,
		HighMax:       d.Config.UpperLimit,
	}
}

// SetThresholds copies th into the config section
func (d *Document) SetThresholds(th position.Thresholds) {
	d.Config.LowerLimit = th.LowMin
	d.Config.LowThreshold = th.LowThreshold
	d.Config.HighThreshold = th.HighThreshold
	d.Config.UpperLimit = th.HighMax
}

// Units returns the unit conversion of the config section
func (d *Document) Units() datalog.Units {
	u, _ := datalog.ParseUnit(d.Config.Units)
	return datalog.Units{Unit: u, Stroke: d.Config.Stroke}
}

// Encode writes the document as YAML
func (d *Document) Encode(w io.Writer) error {
	enc := yml.NewEncoder(w)
	defer enc.Close()
	return enc.Encode(d)
}

// Save writes the document to path
func (d *Document) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := d.Encode(f); err != nil {
		return err
	}
	return f.Close()
}

// SaveThresholds writes a copy of d with th as its limits to path
func SaveThresholds(path string, d *Document, th position.Thresholds) error {
	if err := th.Validate(); err != nil {
		return err
	}
	cp := *d
	cp.SetThresholds(th)
	return cp.Save(path)
}
