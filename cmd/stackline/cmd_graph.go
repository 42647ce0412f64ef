package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yairfalse/stackline/graph"
)

func newGraphCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Print the deployment topology",
		Example: `  stackline graph
  stackline graph --format dot | dot -Tsvg > topology.svg`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch format {
			case "dot":
				out, err := graph.RenderDOT()
				if err != nil {
					return err
				}
				_, err = fmt.Fprint(cmd.OutOrStdout(), out)
				return err
			case "text":
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "#\tNODE\tDEPENDS ON\tSCOPE")
				for i, t := range graph.DependencyOrder() {
					node, _ := graph.Lookup(t)
					deps := make([]string, 0, len(node.DependsOn))
					for _, d := range node.DependsOn {
						deps = append(deps, d.String())
					}
					scope := "region"
					if node.Global {
						scope = "global"
					}
					if node.Billable {
						scope += ", billable"
					}
					_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", i+1, t, strings.Join(deps, ","), scope)
				}
				return w.Flush()
			default:
				return usageError("unknown graph format %q (text or dot)", format)
			}
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "text", "Output format: text or dot")
	return cmd
}
