package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yairfalse/stackline/internal/history"
	"github.com/yairfalse/stackline/internal/journal"
	"github.com/yairfalse/stackline/manifest"
)

func newRecoverCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover <deployId>",
		Short: "Rebuild a lost manifest from the provision journal",
		Long: `Rebuild the manifest of a provision run from its journal. Use it when
the process died before the manifest was written; the recovered manifest
can then be passed to teardown --manifest.`,
		Example: `  stackline recover demo-1700000000`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts, false)
			if err != nil {
				return err
			}
			deployID := args[0]

			path := journal.Path(journalDir(cfg), deployID)
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				return &exitError{code: exitFailure, err: fmt.Errorf("no journal for %s in %s", deployID, journalDir(cfg))}
			}

			m, err := journal.Recover(path)
			if err != nil {
				return fmt.Errorf("recover %s: %w", deployID, err)
			}

			out := manifest.Path(manifestDir(cfg), deployID)
			if err := manifest.Write(out, m); err != nil {
				if errors.Is(err, manifest.ErrExists) {
					fmt.Fprintf(cmd.OutOrStdout(), "Manifest already present: %s\n", out)
					return nil
				}
				return err
			}
			recordHistory(cfg, func(s *history.Store) error {
				_, err := s.RecordManifest(m)
				return err
			})

			fmt.Fprintf(cmd.OutOrStdout(), "Recovered manifest: %s\n", out)
			return nil
		},
	}
}
