package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yairfalse/stackline/discovery"
	"github.com/yairfalse/stackline/graph"
	"github.com/yairfalse/stackline/types"
)

type discoverOptions struct {
	selector
	output string
}

func newDiscoverCmd(opts *globalOptions) *cobra.Command {
	do := &discoverOptions{}

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Show which resources belong to a deployment",
		Long: `Resolve a deployment the same way teardown does, without deleting
anything. Resources whose owner cannot be established are listed as
unresolved.`,
		Example: `  stackline discover --project demo --region eu-west-1
  stackline discover --deploy-id demo-1700000000 --region eu-west-1 -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if do.output != "text" && do.output != "json" {
				return usageError("unknown output format %q", do.output)
			}
			cfg, mode, key, err := loadTarget(cmd, opts, &do.selector)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			defer startTelemetry(ctx, opts, cfg)()

			var engine *discovery.Engine
			if mode == discovery.ByManifest {
				engine = discovery.New(nil, cfg.RetryPolicy())
			} else {
				provider, err := newProvider(ctx, opts, cfg, "")
				if err != nil {
					return err
				}
				engine = discovery.New(provider, cfg.RetryPolicy())
			}

			res, err := engine.Discover(ctx, mode, key)
			if err != nil {
				return err
			}
			if do.output == "json" {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			printDiscovery(cmd.OutOrStdout(), res)
			return nil
		},
	}

	do.register(cmd)
	cmd.Flags().StringVarP(&do.output, "output", "o", "text", "Output format: text or json")
	return cmd
}

func printDiscovery(w io.Writer, res *types.DiscoveryResult) {
	if res.IsEmpty() && len(res.Unresolved) == 0 {
		fmt.Fprintf(w, "No resources found (resolved by %s)\n", res.ResolvedBy)
		return
	}

	fmt.Fprintf(w, "Deployment %s of project %s in %s (resolved by %s)\n\n",
		displayID(res.DeployID), displayID(res.Project), res.Region, res.ResolvedBy)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TYPE\tID\tNOTE")
	for _, t := range graph.DependencyOrder() {
		switch {
		case t == types.NodeSecretParameter:
			for _, name := range res.Secrets {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t\n", t, name)
			}
		case res.Resources.Get(t) != "":
			_, _ = fmt.Fprintf(tw, "%s\t%s\t\n", t, res.Resources.Get(t))
		}
		for _, extra := range res.Extra {
			if extra.Type == t {
				_, _ = fmt.Fprintf(tw, "%s\t%s\tduplicate\n", t, extra.ID)
			}
		}
		if res.IsUnresolved(t) {
			_, _ = fmt.Fprintf(tw, "%s\t-\towner unknown\n", t)
		}
	}
	_ = tw.Flush()
}
