package cmd

import (
	"os"

	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/packetloom/streamcap/printer"
	"github.com/packetloom/streamcap/version"
)

var debugFlag bool

var rootCmd = &cobra.Command{
	Use:           "streamcap",
	Short:         "Reconstruct HTTP-over-TCP/TLS conversations from packet captures.",
	Long:          "streamcap reassembles TCP streams from a pcap/pcapng file or a live interface into request/response pairs, decrypting TLS given externally supplied master secrets.",
	Version:       version.CLIDisplayString(),
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command, printing any error to stderr and setting
// the process exit code.
func Execute() {
	if c, err := rootCmd.ExecuteC(); err != nil {
		c.Println(c.UsageString())
		printer.Stderr.Errorf("%s\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "If set, outputs detailed information for debugging.")
	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	rootCmd.PersistentFlags().Int("verbose-level", 0, "Verbosity level for progress output.")
	viper.BindPFlag("verbose-level", rootCmd.PersistentFlags().Lookup("verbose-level"))

	flag.CommandLine.MarkHidden("debug")

	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(captureCmd)
	rootCmd.AddCommand(versionCmd)
}
