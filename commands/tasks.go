package commands

import (
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/semflow/engine"
)

func newTasksCmd(opts *rootOptions) *cobra.Command {
	var (
		instance string
		status   string
		assignee string
	)

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List user tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if instance != "" {
				q.Set("instance", instance)
			}
			if status != "" {
				q.Set("status", status)
			}
			if assignee != "" {
				q.Set("assignee", assignee)
			}
			path := "/tasks"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			var tasks []engine.TaskView
			if err := opts.api().get(path, &tasks); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tINSTANCE\tSTATUS\tASSIGNEE\tCREATED")
			for _, task := range tasks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					task.ID, task.Name, task.Instance, task.Status, task.Assignee,
					task.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&instance, "instance", "", "Filter by instance id")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (CREATED, CLAIMED, COMPLETED, CANCELLED)")
	cmd.Flags().StringVar(&assignee, "assignee", "", "Filter by assignee")

	cmd.AddCommand(&cobra.Command{
		Use:   "claim <task>",
		Short: "Claim a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			assignee := opts.actor
			if assignee == "" {
				return fmt.Errorf("claiming requires --actor")
			}
			var task engine.TaskView
			err := opts.api().post("/tasks/"+args[0]+"/claim", map[string]string{"assignee": assignee}, &task)
			if err != nil {
				return err
			}
			fmt.Printf("Task %s claimed by %s\n", task.ID, task.Assignee)
			return nil
		},
	})

	return cmd
}

func newCompleteCmd(opts *rootOptions) *cobra.Command {
	var varFlags []string

	cmd := &cobra.Command{
		Use:   "complete <task>",
		Short: "Complete a user task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vars, err := parseVarFlags(varFlags)
			if err != nil {
				return err
			}
			var task engine.TaskView
			err = opts.api().post("/tasks/"+args[0]+"/complete", map[string]any{"variables": vars}, &task)
			if err != nil {
				return err
			}
			fmt.Printf("Task %s completed\n", task.ID)
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&varFlags, "var", nil, "Result variable as name=value (repeatable)")
	return cmd
}
