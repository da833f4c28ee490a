package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lukasbauer/rehearsal/internal/audio"
)

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List microphones",
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := audio.CaptureDevices()
			if err != nil {
				return err
			}
			if len(names) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No capture devices found.")
				return nil
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	}
}
