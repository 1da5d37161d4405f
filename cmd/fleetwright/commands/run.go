package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/fleetwright/fleetwright/pkg/engine"
)

func newRunCommand() *cobra.Command {
	var (
		params []string
		steps  []string
	)

	cmd := &cobra.Command{
		Use:   "run <workflow>",
		Short: "Run a workflow",
		Long: `Execute a workflow document step by step.

Each step loads its operation definition, resolves parameters, renders the
command, and runs it under supervision. Execution state is saved after
every step, so an interrupted run can be resumed.`,
		Example: `  # Run a workflow document
  fleetwright run deploy-web-fleet.yaml

  # Run with parameters
  fleetwright run deploy-web-fleet.yaml --param fleet_size=5 --param region=eu-west

  # Run only selected steps
  fleetwright run deploy-web-fleet.yaml --steps create-network,create-instances`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd, args[0], engine.RunOptions{}, params, steps)
		},
	}

	cmd.Flags().StringSliceVarP(&params, "param", "p", nil, "workflow parameters (key=value)")
	cmd.Flags().StringSliceVar(&steps, "steps", nil, "run only the named steps")

	return cmd
}

func newResumeCommand() *cobra.Command {
	var (
		params []string
		steps  []string
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "resume <workflow>",
		Short: "Resume an interrupted workflow",
		Long: `Re-run a workflow, skipping operations whose checkpoint shows they
already completed. Failed and never-run operations execute again.`,
		Example: `  # Resume, skipping completed operations
  fleetwright resume deploy-web-fleet.yaml

  # Re-execute everything regardless of checkpoints
  fleetwright resume deploy-web-fleet.yaml --force`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.RunOptions{Resume: true, Force: force}
			return runWorkflow(cmd, args[0], opts, params, steps)
		},
	}

	cmd.Flags().StringSliceVarP(&params, "param", "p", nil, "workflow parameters (key=value)")
	cmd.Flags().StringSliceVar(&steps, "steps", nil, "run only the named steps")
	cmd.Flags().BoolVar(&force, "force", false, "re-execute completed operations")

	return cmd
}

func runWorkflow(cmd *cobra.Command, ref string, opts engine.RunOptions, params, steps []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	userParams, err := parseParams(params)
	if err != nil {
		return err
	}
	opts.Params = userParams
	opts.Steps = steps

	wf, err := a.loader.LoadWorkflow(ref)
	if err != nil {
		return err
	}

	exec, err := a.orchestrator.Run(ctx, wf, opts)
	if err != nil {
		return err
	}

	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(exec)
	}
	printExecution(exec)
	if exec.Status == engine.WorkflowFailed {
		return fmt.Errorf("workflow %s failed", wf.ID)
	}
	return nil
}

func printExecution(exec *engine.WorkflowExecution) {
	fmt.Printf("execution %s (%s): %s\n", exec.ExecutionID, exec.WorkflowID, exec.Status)

	steps := make([]engine.StepState, 0, len(exec.Steps))
	for _, st := range exec.Steps {
		steps = append(steps, st)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Index < steps[j].Index })

	for _, st := range steps {
		fmt.Printf("  [%d] %-30s %s\n", st.Index, st.Name, st.Status)
		if st.Output != "" && st.Status == engine.StatusFailed {
			fmt.Printf("      %s\n", st.Output)
		}
	}
	fmt.Printf("total=%d completed=%d failed=%d skipped=%d\n",
		exec.Summary.Total, exec.Summary.Completed, exec.Summary.Failed, exec.Summary.Skipped)
	if exec.Error != "" {
		fmt.Printf("error: %s\n", exec.Error)
	}
}
