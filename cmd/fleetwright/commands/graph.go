package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fleetwright/fleetwright/pkg/engine"
)

func newGraphCommand() *cobra.Command {
	var (
		format string
		sync   bool
	)

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Build and export the resource dependency graph",
		Long: `Compute the dependency graph over the cached resources and print it.
Edges come from the persisted edge set; --sync re-runs edge detection over
resource properties first.`,
		Example: `  # Print the graph as Graphviz DOT
  fleetwright graph --format dot > fleet.dot

  # Re-detect edges, then print JSON
  fleetwright graph --sync --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			builder := engine.NewGraphBuilder(a.store, a.logger)
			if sync {
				if _, err := builder.Sync(ctx); err != nil {
					return err
				}
			}

			graph, err := builder.Build(ctx)
			if err != nil {
				return err
			}

			switch format {
			case "dot":
				fmt.Print(graph.ToDOT())
			case "json":
				data, err := graph.ToJSON()
				if err != nil {
					return err
				}
				_, err = os.Stdout.Write(append(data, '\n'))
				return err
			default:
				return fmt.Errorf("unknown format %q, expected dot or json", format)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "dot", "output format (dot or json)")
	cmd.Flags().BoolVar(&sync, "sync", false, "re-run edge detection before building")

	return cmd
}
