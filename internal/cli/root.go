// Package cli implements the rehearse command: local interview practice
// through the default microphone and speakers.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X".
var Version = "dev"

var flagLogLevel string

func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "rehearse",
		Short:         "Practice behavioral interview answers out loud",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	cmd.AddCommand(newPracticeCmd())
	cmd.AddCommand(newHistoryCmd())
	cmd.AddCommand(newDevicesCmd())
	cmd.AddCommand(newTokenCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "rehearse "+Version)
		},
	}
}
