// SPDX-License-Identifier: AGPL-3.0-or-later
package cmd

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/taskd-org/taskd/internal/server/handlers"
)

// NewCompileCmd creates the compile command: send an intent to the daemon
// and print the compiled plan or the clarification it asked for.
func NewCompileCmd() *cobra.Command {
	var (
		addr     string
		title    string
		mode     string
		priority string
		execute  bool
		jsonOut  bool
	)

	cmd := &cobra.Command{
		Use:   "compile <intent text>",
		Short: "Compile an intent into an execution plan",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(addr)
			var out handlers.CompileResponse
			err := client.do(http.MethodPost, "/compile", handlers.CompileRequest{
				Intent:   strings.Join(args, " "),
				Title:    title,
				Mode:     mode,
				Priority: priority,
			}, &out)
			if err != nil {
				return err
			}

			if jsonOut {
				return printJSON(out)
			}
			fmt.Printf("task %s (%s)\n", out.Task.ID, out.Task.Status)
			switch {
			case out.Decision != nil:
				fmt.Printf("needs clarification: %s\n", out.Decision.Question)
				for _, opt := range out.Decision.Options {
					fmt.Printf("  %-28s %s\n", opt.ID, opt.Label)
				}
				fmt.Printf("answer with: taskd tasks decide %s --request %s --option <id>\n",
					out.Task.ID, out.Decision.ID)
			case out.Approval != nil:
				fmt.Printf("plan %s awaits approval %s: %s\n",
					out.Plan.ID, out.Approval.ID, out.Approval.Description)
			case out.Plan != nil:
				fmt.Printf("plan %s: %d steps, est $%.2f / %ds\n",
					out.Plan.ID, len(out.Plan.Steps),
					out.Plan.Estimate.EstimatedCostUSD, out.Plan.Estimate.EstimatedSeconds)
				for _, step := range out.Plan.Steps {
					flags := ""
					if step.RequiresApproval {
						flags = " [approval]"
					}
					fmt.Printf("  %d. %s (%s, %s)%s\n",
						step.Ordinal, step.Name, step.Action, step.Risk, flags)
				}
			}

			if execute && out.Plan != nil && out.Task.Status == "ready" {
				var started map[string]any
				if err := client.do(http.MethodPost, "/execute", handlers.ExecuteRequest{
					TaskID: out.Task.ID,
				}, &started); err != nil {
					return err
				}
				fmt.Printf("execution started; watch with: taskd tasks get %s\n", out.Task.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Daemon address (overrides TASKD_ADDR)")
	cmd.Flags().StringVar(&title, "title", "", "Task title (defaults to the intent text)")
	cmd.Flags().StringVar(&mode, "mode", "", "Execution mode (autonomous|supervised|manual)")
	cmd.Flags().StringVar(&priority, "priority", "", "Task priority (low|normal|high|urgent)")
	cmd.Flags().BoolVar(&execute, "execute", false, "Start execution immediately when the plan is ready")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output the raw JSON response")

	return cmd
}
