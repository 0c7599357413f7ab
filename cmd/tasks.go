// SPDX-License-Identifier: AGPL-3.0-or-later
package cmd

import (
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/taskd-org/taskd/internal/server/handlers"
	"github.com/taskd-org/taskd/internal/types"
)

// NewTasksCmd creates the tasks command group for inspecting and steering
// tasks on a running daemon.
func NewTasksCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and steer tasks on a running daemon",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "", "Daemon address (overrides TASKD_ADDR)")

	cmd.AddCommand(newTasksListCmd(&addr))
	cmd.AddCommand(newTasksStatsCmd(&addr))
	cmd.AddCommand(newTasksGetCmd(&addr))
	cmd.AddCommand(newTasksSignalCmd(&addr, "pause", "Pause a running task between steps"))
	cmd.AddCommand(newTasksSignalCmd(&addr, "resume", "Resume a paused task"))
	cmd.AddCommand(newTasksSignalCmd(&addr, "cancel", "Cancel a task"))
	cmd.AddCommand(newTasksApproveCmd(&addr))
	cmd.AddCommand(newTasksDecideCmd(&addr))
	cmd.AddCommand(newTasksAuditCmd(&addr))

	return cmd
}

func newTasksListCmd(addr *string) *cobra.Command {
	var status string
	var jsonOut bool
	c := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/list"
			if status != "" {
				path += "?status=" + status
			}
			var out struct {
				Tasks []*types.Task `json:"tasks"`
			}
			if err := newAPIClient(*addr).do(http.MethodGet, path, nil, &out); err != nil {
				return err
			}
			if jsonOut {
				return printJSON(out.Tasks)
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tPROGRESS\tTITLE")
			for _, task := range out.Tasks {
				fmt.Fprintf(tw, "%s\t%s\t%.0f%%\t%s\n",
					task.ID, task.Status, task.Progress*100, task.Title)
			}
			return tw.Flush()
		},
	}
	c.Flags().StringVar(&status, "status", "", "Filter by task status")
	c.Flags().BoolVar(&jsonOut, "json", false, "Output tasks as JSON")
	return c
}

func newTasksStatsCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show aggregate task counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out handlers.TaskStats
			if err := newAPIClient(*addr).do(http.MethodGet, "/stats", nil, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}

func newTasksGetCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show one task with its step results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var task types.Task
			if err := newAPIClient(*addr).do(http.MethodGet, "/tasks/"+args[0], nil, &task); err != nil {
				return err
			}
			return printJSON(task)
		},
	}
}

func newTasksSignalCmd(addr *string, verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var task types.Task
			if err := newAPIClient(*addr).do(http.MethodPost,
				"/tasks/"+args[0]+"/"+verb, nil, &task); err != nil {
				return err
			}
			fmt.Printf("task %s is now %s\n", task.ID, task.Status)
			return nil
		},
	}
}

func newTasksApproveCmd(addr *string) *cobra.Command {
	var requestID, comments string
	var reject bool
	c := &cobra.Command{
		Use:   "approve <task-id>",
		Short: "Resolve an approval request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(*addr)
			taskID := args[0]
			if requestID == "" {
				var pending struct {
					Requests []*types.ApprovalRequest `json:"requests"`
				}
				if err := client.do(http.MethodGet, "/tasks/"+taskID+"/approvals", nil, &pending); err != nil {
					return err
				}
				if len(pending.Requests) == 0 {
					return fmt.Errorf("task %s has no pending approvals", taskID)
				}
				requestID = pending.Requests[0].ID
			}
			var out handlers.ApproveResponse
			if err := client.do(http.MethodPost, "/tasks/"+taskID+"/approve", handlers.ApproveRequest{
				RequestID: requestID,
				Approve:   !reject,
				Comments:  comments,
			}, &out); err != nil {
				return err
			}
			fmt.Printf("request %s %s; task %s is %s\n",
				out.Request.ID, out.Request.Status, out.Task.ID, out.Task.Status)
			return nil
		},
	}
	c.Flags().StringVar(&requestID, "request", "", "Approval request id (defaults to the oldest pending)")
	c.Flags().StringVar(&comments, "comments", "", "Reviewer comments")
	c.Flags().BoolVar(&reject, "reject", false, "Reject instead of approve")
	return c
}

func newTasksDecideCmd(addr *string) *cobra.Command {
	var requestID, optionID string
	c := &cobra.Command{
		Use:   "decide <task-id>",
		Short: "Answer a decision request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if requestID == "" || optionID == "" {
				return fmt.Errorf("--request and --option are required")
			}
			var out handlers.DecideResponse
			if err := newAPIClient(*addr).do(http.MethodPost,
				"/tasks/"+args[0]+"/decide", handlers.DecideRequest{
					RequestID: requestID,
					OptionID:  optionID,
				}, &out); err != nil {
				return err
			}
			fmt.Printf("decision %s answered with %s; task %s is %s\n",
				out.Request.ID, out.Request.ChosenID, out.Task.ID, out.Task.Status)
			return nil
		},
	}
	c.Flags().StringVar(&requestID, "request", "", "Decision request id")
	c.Flags().StringVar(&optionID, "option", "", "Chosen option id")
	return c
}

func newTasksAuditCmd(addr *string) *cobra.Command {
	var jsonOut bool
	c := &cobra.Command{
		Use:   "audit <task-id>",
		Short: "Show the task's audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Entries []types.AuditEntry `json:"entries"`
			}
			if err := newAPIClient(*addr).do(http.MethodGet,
				"/tasks/"+args[0]+"/audit", nil, &out); err != nil {
				return err
			}
			if jsonOut {
				return printJSON(out.Entries)
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SEQ\tTIME\tACTOR\tACTION\tOUTCOME")
			for _, e := range out.Entries {
				fmt.Fprintf(tw, "%d\t%s\t%s:%s\t%s\t%s\n",
					e.Seq, e.Timestamp.Format("15:04:05"), e.Actor.Kind, e.Actor.ID, e.Action, e.Outcome)
			}
			return tw.Flush()
		},
	}
	c.Flags().BoolVar(&jsonOut, "json", false, "Output entries as JSON")
	return c
}
