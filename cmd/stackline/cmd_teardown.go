package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yairfalse/stackline/discovery"
	"github.com/yairfalse/stackline/internal/history"
	"github.com/yairfalse/stackline/teardown"
	"github.com/yairfalse/stackline/types"
)

type teardownOptions struct {
	selector
	dryRun bool
	yes    bool
	output string
}

func newTeardownCmd(opts *globalOptions) *cobra.Command {
	to := &teardownOptions{}

	cmd := &cobra.Command{
		Use:   "teardown",
		Short: "Delete every resource of one deployment",
		Long: `Delete every resource of one deployment in reverse dependency order.

The deployment is named by its manifest, its DeployId, or its project. A
project with more than one live deployment is refused (exit code 3) and the
candidate DeployIds are listed.

Each resource's tags are re-read right before deletion; a resource whose
Project or DeployId tag does not match is skipped and reported. A failure on
one resource does not stop the others. Re-running is safe: resources that
are already gone are reported as not-found.`,
		Example: `  stackline teardown --manifest .stackline/manifests/demo-1700000000.json
  stackline teardown --deploy-id demo-1700000000 --region eu-west-1
  stackline teardown --project demo --region eu-west-1 --dry-run
  stackline teardown --deploy-id demo-1700000000 --region eu-west-1 -y`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTeardown(cmd, opts, to)
		},
	}

	to.register(cmd)
	cmd.Flags().BoolVar(&to.dryRun, "dry-run", false, "Print the plan without deleting anything")
	cmd.Flags().BoolVarP(&to.yes, "yes", "y", false, "Do not ask for confirmation")
	cmd.Flags().StringVarP(&to.output, "output", "o", "text", "Output format: text or json")

	return cmd
}

func runTeardown(cmd *cobra.Command, opts *globalOptions, to *teardownOptions) error {
	if to.output != "text" && to.output != "json" {
		return usageError("unknown output format %q", to.output)
	}
	cfg, mode, key, err := loadTarget(cmd, opts, &to.selector)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	defer startTelemetry(ctx, opts, cfg)()

	provider, err := newProvider(ctx, opts, cfg, "")
	if err != nil {
		return err
	}

	res, err := discovery.New(provider, cfg.RetryPolicy()).Discover(ctx, mode, key)
	if err != nil {
		return err
	}

	executor := teardown.NewExecutor(provider,
		teardown.WithRetry(cfg.RetryPolicy()),
		teardown.WithJournalDir(journalDir(cfg)),
		teardown.WithConfirmer(&teardown.PromptConfirmer{In: cmd.InOrStdin(), Out: cmd.ErrOrStderr()}),
	)

	var report *types.TeardownReport
	err = runInterruptible(ctx, func(ctx context.Context) error {
		var err error
		report, err = executor.Teardown(ctx, res, teardown.Options{DryRun: to.dryRun, AutoConfirm: to.yes})
		return err
	})
	if errors.Is(err, teardown.ErrNotConfirmed) {
		return &exitError{code: exitFailure, err: errors.New("aborted, nothing deleted")}
	}
	if report == nil {
		return err
	}

	if !report.DryRun && report.DeployID != "" {
		recordHistory(cfg, func(s *history.Store) error {
			_, err := s.RecordReport(report)
			return err
		})
	}

	if to.output == "json" {
		if werr := writeJSON(cmd.OutOrStdout(), report); werr != nil {
			return werr
		}
	} else {
		printReport(cmd.OutOrStdout(), report)
	}

	if err != nil {
		return err
	}
	if !report.Succeeded() {
		return &exitError{code: exitFailure, err: fmt.Errorf("%d resources of %s remain", report.Errors, report.DeployID)}
	}
	return nil
}

func printReport(w io.Writer, report *types.TeardownReport) {
	header := "Teardown"
	if report.DryRun {
		header = "Teardown plan (dry run)"
	}
	fmt.Fprintf(w, "%s of %s in %s (resolved by %s)\n\n", header, displayID(report.DeployID), report.Region, report.ResolvedBy)

	if len(report.Results) > 0 {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "TYPE\tID\tOUTCOME\tATTEMPTS\tERROR")
		for _, r := range report.Results {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", r.Type, displayID(r.ID), r.Outcome, r.Attempts, r.Error)
		}
		_ = tw.Flush()
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, report.Summary())

	remaining := report.Remaining()
	if len(remaining) == 0 {
		return
	}
	fmt.Fprintln(w, "\nManual cleanup:")
	for _, r := range remaining {
		if r.Remediation != "" {
			fmt.Fprintf(w, "  %s\n", r.Remediation)
		}
	}
	if report.Rerun != "" {
		fmt.Fprintf(w, "\nRetry with: %s\n", report.Rerun)
	}
}

func displayID(id string) string {
	if id == "" {
		return "-"
	}
	return id
}
