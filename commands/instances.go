package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/semflow/engine"
	"github.com/c360studio/semflow/variables"
)

func newInstancesCmd(opts *rootOptions) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "instances [id]",
		Short: "List instances or show one instance with its variables and events",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return showInstance(opts, args[0])
			}
			return listInstances(opts, status)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (RUNNING, WAITING, COMPLETED, ...)")
	return cmd
}

func listInstances(opts *rootOptions, status string) error {
	path := "/instances"
	if status != "" {
		path += "?status=" + status
	}
	var views []engine.InstanceView
	if err := opts.api().get(path, &views); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDEFINITION\tSTATUS\tCREATED")
	for _, v := range views {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", v.ID, v.Definition, v.Status, v.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func showInstance(opts *rootOptions, id string) error {
	api := opts.api()

	var view engine.InstanceView
	if err := api.get("/instances/"+id, &view); err != nil {
		return err
	}
	fmt.Printf("Instance:   %s\n", view.ID)
	fmt.Printf("Definition: %s\n", view.Definition)
	fmt.Printf("Status:     %s\n", view.Status)
	if view.ErrorCode != "" {
		fmt.Printf("Error:      %s: %s\n", view.ErrorCode, view.ErrorMessage)
	}

	var vars []variables.Value
	if err := api.get("/instances/"+id+"/variables", &vars); err != nil {
		return err
	}
	if len(vars) > 0 {
		fmt.Println("\nVariables:")
		for _, v := range vars {
			fmt.Printf("  %s = %s\n", v.Name, v.Value)
		}
	}

	var events []engine.Event
	if err := api.get("/instances/"+id+"/events", &events); err != nil {
		return err
	}
	if len(events) > 0 {
		fmt.Println("\nEvents:")
		for _, ev := range events {
			line := fmt.Sprintf("  %s %s", ev.At.Format(time.RFC3339), ev.Type)
			if ev.Node != "" {
				line += " " + ev.Node
			}
			if ev.Details != "" {
				line += " (" + ev.Details + ")"
			}
			fmt.Println(line)
		}
	}
	return nil
}
