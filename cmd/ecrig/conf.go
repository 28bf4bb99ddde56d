package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
)

var mkconfCmd = &cobra.Command{
	Use:   "mkconf",
	Short: "write the current configuration to --config",
	Long: `mkconf writes the effective configuration, defaults included, to the
procedure file.  It refuses to replace an existing file unless --force is given.`,
	Args:        cobra.NoArgs,
	Annotations: map[string]string{"config": "optional"},
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		if _, err := os.Stat(flags.config); err == nil && !force {
			return fmt.Errorf("%s exists; pass --force to replace it", flags.config)
		} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if err := doc.Save(flags.config); err != nil {
			return err
		}
		fmt.Println("wrote", flags.config)
		return nil
	},
}

var confCmd = &cobra.Command{
	Use:   "conf",
	Short: "print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return doc.Encode(os.Stdout)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the version",
	Args:  cobra.NoArgs,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ecrig version %v\n", Version)
	},
}

func init() {
	mkconfCmd.Flags().Bool("force", false, "replace an existing file")
	rootCmd.AddCommand(mkconfCmd, confCmd, versionCmd)
}
