package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions and operations",
	}
	cmd.AddCommand(newListExecutionsCommand())
	cmd.AddCommand(newListOperationsCommand())
	return cmd
}

func newListExecutionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "executions",
		Short: "List workflow executions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			execs, err := a.orchestrator.ListExecutions()
			if err != nil {
				return err
			}
			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(execs)
			}
			if len(execs) == 0 {
				fmt.Println("no executions")
				return nil
			}
			for _, e := range execs {
				fmt.Printf("%s  %-20s %-10s started=%s completed=%d/%d\n",
					e.ExecutionID, e.WorkflowID, e.Status,
					e.StartedAt.Format(time.RFC3339),
					e.Summary.Completed, e.Summary.Total)
			}
			return nil
		},
	}
}

func newListOperationsCommand() *cobra.Command {
	var (
		capability string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "operations",
		Short: "List recorded operations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			ops, err := a.store.ListOperations(ctx, capability, limit, 0)
			if err != nil {
				return err
			}
			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(ops)
			}
			if len(ops) == 0 {
				fmt.Println("no operations")
				return nil
			}
			for _, op := range ops {
				completed := "-"
				if op.CompletedAt != nil {
					completed = op.CompletedAt.Format(time.RFC3339)
				}
				fmt.Printf("%s  %-25s %-10s started=%s completed=%s\n",
					op.ID, op.Name, op.Status,
					op.StartedAt.Format(time.RFC3339), completed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&capability, "capability", "", "filter by capability")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")

	return cmd
}
