package commands

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "collabsync",
	Short: "Real-time sync server and debug client for collaborative documents",
	Long: `collabsync relays CRDT updates, presence and document events between
editors sharing a room, and keeps an append-only version history per
document.

Run "collabsync serve" to start a server and "collabsync connect" to join a
room from the terminal.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// glog reads its settings from the go flag set
		return flag.CommandLine.Parse(nil)
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute runs the root command.
func Execute() error {
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	err := rootCmd.Execute()
	var done reported
	if err != nil && !errors.As(err, &done) {
		red.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return err
}

func SetVersionInfo(v, c string) {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s)", v, c)
}

func init() {
	// log to stderr unless told otherwise; -v and -vmodule still apply
	flag.Set("logtostderr", "true")
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	rootCmd.AddCommand(serveCmd, connectCmd)
}
