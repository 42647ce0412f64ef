package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/stackline/internal/history"
)

func newHistoryCmd(opts *globalOptions) *cobra.Command {
	var (
		project string
		output  string
	)

	cmd := &cobra.Command{
		Use:   "history [deployId]",
		Short: "List recorded deployments or show one deployment's teardown runs",
		Long: `History is kept locally in the state directory. It records what this
machine provisioned and tore down; it is never used to decide what to delete.`,
		Example: `  stackline history
  stackline history --project demo
  stackline history demo-1700000000`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "text" && output != "json" {
				return usageError("unknown output format %q", output)
			}
			cfg, err := loadConfig(cmd, opts, false)
			if err != nil {
				return err
			}

			store, err := history.Open(cfg.State.Dir)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				deployments := store.Deployments(project)
				if output == "json" {
					return writeJSON(out, deployments)
				}
				if len(deployments) == 0 {
					_, err := fmt.Fprintln(out, "No deployments recorded")
					return err
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "DEPLOY ID\tPROJECT\tREGION\tCREATED\tSTATUS\tTEARDOWNS")
				for _, d := range deployments {
					_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
						d.DeployID, d.Project, d.Region, d.CreatedAt.Format(time.RFC3339), d.Status, d.Teardowns)
				}
				return w.Flush()
			}

			deployID := args[0]
			state, err := store.Deployment(deployID)
			if errors.Is(err, history.ErrNotFound) {
				return &exitError{code: exitFailure, err: fmt.Errorf("%s: %w", deployID, err)}
			}
			if err != nil {
				return err
			}
			reports, err := store.Reports(deployID)
			if err != nil {
				return err
			}

			if output == "json" {
				return writeJSON(out, map[string]any{"deployment": state, "teardowns": reports})
			}
			fmt.Fprintf(out, "%s (%s, %s) status=%s\n", state.DeployID, state.Project, state.Region, state.Status)
			for _, r := range reports {
				fmt.Fprintf(out, "  %s  %s\n", r.StartedAt.Format(time.RFC3339), r.Summary())
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "Only list deployments of this project")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format: text or json")
	return cmd
}
