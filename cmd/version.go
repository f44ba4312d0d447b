package cmd

import (
	"github.com/spf13/cobra"

	"github.com/packetloom/streamcap/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.Println(version.CLIDisplayString())
		return nil
	},
}
