// Package cli defines the sketchd command tree.
package cli

import (
	"github.com/spf13/cobra"
)

func NewRoot(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "sketchd",
		Short:         "sketchd: live sketch session daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Version = version
	cmd.SetVersionTemplate("sketchd {{.Version}}\n")

	cmd.PersistentFlags().String("config", "", "path to config file (YAML)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}
