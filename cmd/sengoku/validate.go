package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/masarabi/sengoku-map/internal/codec"
)

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check that a snapshot file can be imported",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			snap, err := codec.Decode(f)
			if err != nil {
				return err
			}
			bg := "none"
			if snap.BackgroundRef != nil {
				bg = *snap.BackgroundRef
			}
			fmt.Fprintf(c.OutOrStdout(), "ok: %d shapes, background %s\n", len(snap.Shapes), bg)
			return nil
		},
	}
}
