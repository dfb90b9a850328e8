package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/planweave/planweave/pkg/engine"
)

func newStatusCommand() *cobra.Command {
	var (
		serverURL string
		showTrace bool
	)

	cmd := &cobra.Command{
		Use:   "status <plan-id>",
		Short: "Show the status of a plan on a running server",
		Example: `  # Poll a plan's status
  weave status 6c9c0f6e-1b2a-4c3d-8e4f-5a6b7c8d9e0f

  # Include the execution trace
  weave status 6c9c0f6e-1b2a-4c3d-8e4f-5a6b7c8d9e0f --trace`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			planID := args[0]
			client := &http.Client{Timeout: 10 * time.Second}

			status := &engine.PlanStatus{}
			if err := getJSON(cmd, client, fmt.Sprintf("%s/v1/plans/%s", serverURL, planID), status); err != nil {
				return err
			}

			if jsonOutput {
				if err := json.NewEncoder(os.Stdout).Encode(status); err != nil {
					return err
				}
			} else {
				printStatus(status)
			}

			if !showTrace {
				return nil
			}

			trace := struct {
				Events []engine.TraceEvent `json:"events"`
			}{}
			if err := getJSON(cmd, client, fmt.Sprintf("%s/v1/plans/%s/trace", serverURL, planID), &trace); err != nil {
				return err
			}

			fmt.Println("trace:")
			for _, ev := range trace.Events {
				line := fmt.Sprintf("  %s %s", ev.Timestamp.Format(time.RFC3339), ev.Kind)
				if ev.StepID != "" {
					line += " " + ev.StepID
				}
				if ev.Error != "" {
					line += " (" + ev.Error + ")"
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "server base URL")
	cmd.Flags().BoolVar(&showTrace, "trace", false, "also print the execution trace")

	return cmd
}

// getJSON fetches a URL and decodes the JSON response into out.
func getJSON(cmd *cobra.Command, client *http.Client, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server returned %s: %s", resp.Status, string(body))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
