package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/planweave/planweave/pkg/compiler"
	"github.com/planweave/planweave/pkg/config"
	"github.com/planweave/planweave/pkg/engine"
)

func newRunCommand() *cobra.Command {
	var (
		templateID string
		goal       string
		horizon    int
		series     []string
		seriesFile string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Create and execute a plan locally",
		Long: `Compile a plan from a template, execute it in-process, and print the
result. Input series are given as name=value pairs where the value is JSON,
or loaded as a JSON object from a file.`,
		Example: `  # Run the default template against a demand series
  weave run --series 'demand=[10,12,14,15]' --horizon 4

  # Run with a budget constraint and a goal annotation
  weave run --template demand-plan --goal "plan Q3 inventory" \
    --series 'demand=[100,120,90]' --series 'budget=250' --horizon 3

  # Load all series from a file
  weave run --series-file inputs.json --horizon 6`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			inputSeries, err := collectSeries(series, seriesFile)
			if err != nil {
				return err
			}

			rt, err := buildRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer rt.cleanup()

			plan, err := rt.engine.CreatePlan(cmd.Context(), engine.CreatePlanRequest{
				Goal:        goal,
				TemplateID:  templateID,
				Horizon:     horizon,
				InputSeries: inputSeries,
			})
			if err != nil {
				return err
			}

			if err := rt.engine.ExecutePlan(cmd.Context(), plan.ID); err != nil {
				return err
			}

			status, err := rt.engine.Wait(cmd.Context(), plan.ID, 25*time.Millisecond)
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(status)
			}
			printStatus(status)

			if status.State == engine.PlanStateFailed {
				return fmt.Errorf("plan %s failed", plan.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&templateID, "template", "t", compiler.DefaultTemplateID, "template to compile the plan from")
	cmd.Flags().StringVarP(&goal, "goal", "g", "", "natural-language goal annotation")
	cmd.Flags().IntVarP(&horizon, "horizon", "H", 1, "number of periods the plan covers")
	cmd.Flags().StringArrayVarP(&series, "series", "s", nil, "input series as name=JSON pairs")
	cmd.Flags().StringVar(&seriesFile, "series-file", "", "JSON file holding all input series")

	return cmd
}

// collectSeries merges --series pairs over the --series-file contents.
func collectSeries(pairs []string, file string) (map[string]interface{}, error) {
	out := make(map[string]interface{})

	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read series file: %w", err)
		}
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("series file is not a JSON object: %w", err)
		}
	}

	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid series %q, expected name=JSON", pair)
		}
		var value interface{}
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			return nil, fmt.Errorf("series %q is not valid JSON: %w", name, err)
		}
		out[name] = value
	}

	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// printStatus renders a human-readable plan summary.
func printStatus(status *engine.PlanStatus) {
	fmt.Printf("plan %s: %s (%d/%d steps succeeded)\n",
		status.PlanID, status.State, status.CompletedSteps, len(status.Steps))

	for _, step := range status.Steps {
		marker := " "
		if step.Required {
			marker = "*"
		}
		fmt.Printf("  %s %-20s %-10s %s\n", marker, step.ID, step.Type, step.Status)
	}

	if len(status.RiskNotes) > 0 {
		fmt.Println("risk notes:")
		for _, note := range status.RiskNotes {
			fmt.Printf("  - [%s] %s: %s\n", note.Reason, note.StepID, note.Detail)
		}
	}
}
