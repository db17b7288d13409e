package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/c360studio/semflow/engine"
)

func newStopCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <instance>",
		Short: "Cancel a running instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var view engine.InstanceView
			if err := opts.api().delete("/instances/"+args[0], &view); err != nil {
				return err
			}
			fmt.Printf("Instance %s is %s\n", view.ID, view.Status)
			return nil
		},
	}
}
