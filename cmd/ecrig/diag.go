package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nasa-jpl/ecrig/action"
	"github.com/nasa-jpl/ecrig/hal"
)

// signalContext is cancelled on interrupt or termination
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

// withRig runs fn against an open rig and always closes it
func withRig(fn func(ctx context.Context, r *rig) error) error {
	ctx, stop := signalContext()
	defer stop()
	r, err := openRig(ctx, operator())
	if err != nil {
		return err
	}
	defer r.Close()
	return fn(ctx, r)
}

var testADCCmd = &cobra.Command{
	Use:   "test_adc",
	Short: "sample the position ADC for --timeout seconds and report timing",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRig(func(ctx context.Context, r *rig) error {
			s := hal.NewSampler(r.HAL, doc.HAL.AlertPin, hal.DefaultDepth, logger)
			if err := s.Start(); err != nil {
				return err
			}
			defer s.Stop()
			var (
				n          int
				first, prv time.Time
				lo, hi     = math.Inf(1), 0.
			)
			deadline := time.Now().Add(seconds(doc.Config.Timeout))
			for time.Now().Before(deadline) {
				smp, err := s.Next(ctx, seconds(doc.HAL.SampleTimeout))
				if err != nil {
					return err
				}
				if n == 0 {
					first = smp.Time
				} else {
					dt := smp.Time.Sub(prv).Seconds()
					lo, hi = math.Min(lo, dt), math.Max(hi, dt)
				}
				prv = smp.Time
				n++
				logger.Debugw("sample", "seq", smp.Seq, "level", smp.Level)
			}
			if n < 2 {
				return fmt.Errorf("only %d samples in %vs", n, doc.Config.Timeout)
			}
			mean := prv.Sub(first).Seconds() / float64(n-1)
			fmt.Printf("samples: %d\nmean interval: %.6fs (%.1f Hz)\nmin interval: %.6fs\nmax interval: %.6fs\nlast level: %d\n",
				n, mean, 1/mean, lo, hi, s.Last().Level)
			return nil
		})
	},
}

var testDACCmd = &cobra.Command{
	Use:   "test_dac",
	Short: "ramp the actuator output and read back the position",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		step, _ := cmd.Flags().GetInt("step")
		dwell, _ := cmd.Flags().GetDuration("dwell")
		if step <= 0 {
			return fmt.Errorf("step must be positive, got %d", step)
		}
		return withRig(func(ctx context.Context, r *rig) error {
			defer r.HAL.SetOutput(0)
			fmt.Println("output\tlevel")
			for v := 0; v <= hal.MaxOutput; v += step {
				if err := r.HAL.SetOutput(v); err != nil {
					return err
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(dwell):
				}
				lvl, err := r.HAL.ReadLevel()
				if err != nil {
					return err
				}
				fmt.Printf("%d\t%d\n", v, lvl)
			}
			return nil
		})
	},
}

var testCalCmd = &cobra.Command{
	Use:   "test_cal",
	Short: "interactively calibrate the position thresholds",
	Long: `test_cal walks through capturing the four position thresholds, verifies
them by driving to each, and on confirmation writes them to --outfile, or the
procedure file if no outfile is given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRig(func(ctx context.Context, r *rig) error {
			res, err := r.Env.Positioner.Calibrate(ctx, r.Env.Operator, 0)
			if err != nil {
				return err
			}
			if !res.Confirmed {
				fmt.Println("calibration discarded")
				return nil
			}
			if err := r.Env.Persist(res.Thresholds, flags.outfile); err != nil {
				return err
			}
			fmt.Println("calibration saved:", res.Thresholds)
			return nil
		})
	},
}

var testPosCmd = &cobra.Command{
	Use:   "test_pos",
	Short: "position tests: reset_min, reset_max, goto_pos <level>",
}

func resetCmd(use string, high bool) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: "drive to the hard limit and stop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mag, _ := cmd.Flags().GetInt("magnitude")
			return withRig(func(ctx context.Context, r *rig) error {
				reset := r.Env.Positioner.ResetMin
				if high {
					reset = r.Env.Positioner.ResetMax
				}
				lvl, err := reset(ctx, mag)
				if err != nil {
					return err
				}
				fmt.Println("stopped at", lvl)
				return nil
			})
		},
	}
}

var gotoPosCmd = &cobra.Command{
	Use:   "goto_pos <level>",
	Short: "seek to a position",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("level: %w", err)
		}
		return withRig(func(ctx context.Context, r *rig) error {
			res, err := r.Env.Positioner.Seek(ctx, target)
			if err != nil {
				return err
			}
			fmt.Printf("target %d reached %d from %d in %d steps (final step %d)\n",
				res.Target, res.Final, res.Start, res.Steps, res.FinalStep)
			return nil
		})
	},
}

var acquireCmd = &cobra.Command{
	Use:   "acquire",
	Short: "oscillate between the soft thresholds for --timeout seconds, logging position",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mag, _ := cmd.Flags().GetInt("magnitude")
		return withRig(func(ctx context.Context, r *rig) error {
			rt := &action.Routine{
				Name:  "acquire",
				Entry: action.Acquire,
				Params: action.Params{
					"timeout":   doc.Config.Timeout,
					"magnitude": mag,
				},
				Tables: map[action.ID]action.Table{
					action.Acquire: {action.Done: action.Terminal, action.Wildcard: action.Cleanup},
					action.Cleanup: {action.Wildcard: action.Terminal},
				},
			}
			eng := action.NewEngine(action.Builtins(), nil, logger)
			res, err := eng.RunRoutine(ctx, r.Env, rt)
			if err != nil {
				return err
			}
			if len(res.Steps) == 0 || res.Steps[0].Condition != action.Done {
				return fmt.Errorf("acquisition failed after %d steps", len(res.Steps))
			}
			return nil
		})
	},
}

func init() {
	testDACCmd.Flags().Int("step", 512, "output increment")
	testDACCmd.Flags().Duration("dwell", 50*time.Millisecond, "time at each output before reading")

	rmin, rmax := resetCmd("reset_min", false), resetCmd("reset_max", true)
	for _, c := range []*cobra.Command{rmin, rmax, acquireCmd} {
		c.Flags().Int("magnitude", 0, "actuator output; 0 uses hal.magnitude")
	}
	for _, c := range []*cobra.Command{rmin, rmax, gotoPosCmd, acquireCmd} {
		thresholdFlags(c)
	}
	testPosCmd.AddCommand(rmin, rmax, gotoPosCmd)
	rootCmd.AddCommand(testADCCmd, testDACCmd, testCalCmd, testPosCmd, acquireCmd)
}
