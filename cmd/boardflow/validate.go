package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <board.json>...",
		Short: "Check board files for structural problems",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var failed int
			for _, path := range args {
				if _, err := readBoard(path, cmd.InOrStdin()); err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", path)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d boards are invalid", failed, len(args))
			}
			a.logger.Debug("boards_valid", slog.Int("count", len(args)))
			return nil
		},
	}
}
