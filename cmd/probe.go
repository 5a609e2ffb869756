package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// CreateProbeCmd creates the probe command.
func CreateProbeCmd() *cobra.Command {
	var mime string

	cmd := &cobra.Command{
		Use:   "probe <url>",
		Short: "Show which source filter opens a URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := NewRegistry()
			if err != nil {
				return err
			}
			d, score, err := reg.Probe(args[0], mime)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", args[0], d.Name, score)
			return nil
		},
		PersistentPreRun: skipServerSetup,
	}

	cmd.Flags().StringVar(&mime, "mime", "", "MIME type hint")
	return cmd
}
