package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show one execution or operation in detail",
	}
	cmd.AddCommand(newShowExecutionCommand())
	cmd.AddCommand(newShowOperationCommand())
	return cmd
}

func newShowExecutionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "execution <id>",
		Short: "Show a workflow execution record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			exec, err := a.orchestrator.GetExecution(args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(exec)
			}
			printExecution(exec)
			return nil
		},
	}
}

func newShowOperationCommand() *cobra.Command {
	var logLimit int

	cmd := &cobra.Command{
		Use:   "operation <id>",
		Short: "Show an operation record and its log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			op, err := a.store.GetOperation(ctx, args[0])
			if err != nil {
				return err
			}
			logs, err := a.store.GetLogs(ctx, args[0], logLimit)
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(map[string]any{
					"operation": op,
					"logs":      logs,
				})
			}

			fmt.Printf("operation %s (%s)\n", op.ID, op.Name)
			fmt.Printf("  status: %s\n", op.Status)
			fmt.Printf("  params: %s\n", op.Params)
			for _, entry := range logs {
				fmt.Printf("  %s [%s] %s\n",
					entry.Timestamp.Format("15:04:05"), entry.Level, entry.Message)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&logLimit, "log-limit", 200, "maximum log entries")

	return cmd
}
