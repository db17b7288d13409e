package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/c360studio/semflow/engine"
)

func newStartCmd(opts *rootOptions) *cobra.Command {
	var (
		varFlags   []string
		startEvent string
	)

	cmd := &cobra.Command{
		Use:   "start <definition>",
		Short: "Start a process instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vars, err := parseVarFlags(varFlags)
			if err != nil {
				return err
			}

			var view engine.InstanceView
			err = opts.api().post("/instances", map[string]any{
				"definition": args[0],
				"startEvent": startEvent,
				"variables":  vars,
			}, &view)
			if err != nil {
				return err
			}
			fmt.Printf("Started instance %s (%s)\n", view.ID, view.Status)
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&varFlags, "var", nil, "Initial variable as name=value (repeatable)")
	cmd.Flags().StringVar(&startEvent, "start-event", "", "Start event node id (default: the none start)")
	return cmd
}
