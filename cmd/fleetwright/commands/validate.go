package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCommand() *cobra.Command {
	var asOperation bool

	cmd := &cobra.Command{
		Use:   "validate <document>",
		Short: "Validate a workflow or operation document",
		Long: `Statically check a document without executing anything: structure,
parameter declarations, template tokens, duration category, and the policy
gate. For workflows, every referenced operation is checked too.`,
		Example: `  # Validate a workflow and everything it references
  fleetwright validate deploy-web-fleet.yaml

  # Validate a single operation document
  fleetwright validate create-instance.yaml --operation`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if asOperation {
				def, err := a.loader.LoadDefinition(args[0])
				if err != nil {
					return err
				}
				if err := a.resolver.ValidateDefinition(def); err != nil {
					return err
				}
				if err := a.gate.Evaluate(ctx, def); err != nil {
					return err
				}
				fmt.Printf("operation %s is valid\n", def.ID)
				return nil
			}

			wf, err := a.loader.LoadWorkflow(args[0])
			if err != nil {
				return err
			}
			if err := a.orchestrator.ValidateWorkflow(ctx, wf); err != nil {
				return err
			}
			fmt.Printf("workflow %s is valid (%d steps)\n", wf.ID, len(wf.Steps))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asOperation, "operation", false, "treat the document as an operation definition")

	return cmd
}
