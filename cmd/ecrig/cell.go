package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nasa-jpl/ecrig/openscale"
)

var testCellCmd = &cobra.Command{
	Use:   "test_cell",
	Short: "show the load cell settings and take a few readings",
	Long: `test_cell reads the OpenScale menu and calibration factor, then prints
--count force readings.  --apply writes settings from a file saved by --save
before reading; --tare zeroes the scale first.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		lc := doc.LoadCell
		if lc.Addr == "" {
			return errors.New("loadcell.addr is not set")
		}
		f := cmd.Flags()
		sc := openscale.New(lc.Addr, lc.Serial, cellSettings(), logger)
		defer func() {
			sc.Lock()
			sc.Close()
			sc.Unlock()
		}()

		if _, err := sc.LoadSettings(); err != nil {
			return err
		}
		if path, _ := f.GetString("apply"); path != "" {
			want, err := openscale.ReadSettings(path)
			if err != nil {
				return err
			}
			if err := sc.Apply(want); err != nil {
				return err
			}
			if _, err := sc.LoadSettings(); err != nil {
				return err
			}
		}
		if tare, _ := f.GetBool("tare"); tare {
			p1, p2, err := sc.Tare()
			if err != nil {
				return err
			}
			fmt.Printf("tare points: %d %d\n", p1, p2)
		}
		info, err := sc.ReadCalibration()
		if err != nil {
			return err
		}
		set := sc.Settings
		fmt.Printf("units: %s\ntimestamp: %v\nreport rate: %d\ndecimals: %d\naverage: %d\ncalibration factor: %d (reading %v %s)\n",
			set.Units, set.Timestamp, set.ReportRate, set.Decimals, set.Average, info.Factor, info.Value, info.Units)

		n, _ := f.GetInt("count")
		for i := 0; i < n; i++ {
			r, err := sc.Read()
			if err != nil {
				return err
			}
			force, unit := r.Force()
			fmt.Printf("%d: %.4f %s\n", i, force, unit)
		}
		if path, _ := f.GetString("save"); path != "" {
			if err := openscale.SaveSettings(path, sc.Settings); err != nil {
				return err
			}
			fmt.Println("wrote", path)
		}
		return nil
	},
}

func init() {
	f := testCellCmd.Flags()
	f.Int("count", 5, "readings to take")
	f.Bool("tare", false, "zero the scale first")
	f.String("apply", "", "settings file to write to the scale")
	f.String("save", "", "write the scale settings to this file")
	rootCmd.AddCommand(testCellCmd)
}
