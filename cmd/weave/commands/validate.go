package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/planweave/planweave/pkg/compiler"
	"github.com/planweave/planweave/pkg/telemetry"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <template.yaml>",
		Short: "Validate a plan template",
		Long: `Parse a template file and run full DAG validation: step types, duplicate
ids, unknown references, and cycles. Nothing is executed.`,
		Example: `  # Validate a template file
  weave validate templates/inventory.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read template: %w", err)
			}

			tpl := &compiler.Template{}
			if err := yaml.Unmarshal(data, tpl); err != nil {
				return fmt.Errorf("failed to parse template: %w", err)
			}

			graph, err := compiler.ValidateGraph(tpl)
			if err != nil {
				return err
			}

			fmt.Printf("template %s is valid: %d steps, %d levels\n",
				tpl.ID, len(tpl.Steps), graph.Depth)
			for level, ids := range graph.Levels {
				fmt.Printf("  level %d: %s\n", level, strings.Join(ids, ", "))
			}
			return nil
		},
	}

	return cmd
}

func newTemplatesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "List built-in plan templates",
		RunE: func(_ *cobra.Command, _ []string) error {
			comp := compiler.New(telemetry.Nop())
			for _, id := range comp.Templates() {
				fmt.Println(id)
			}
			return nil
		},
	}

	return cmd
}
