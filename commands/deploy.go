package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/c360studio/semflow/process"
)

func newDeployCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "deploy <definition.json>",
		Short: "Deploy a process definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var payload process.Payload
			if err := json.Unmarshal(data, &payload); err != nil {
				return fmt.Errorf("parse definition: %w", err)
			}

			var resp map[string]string
			if err := opts.api().post("/definitions", &payload, &resp); err != nil {
				return err
			}
			fmt.Printf("Deployed definition %s\n", resp["id"])
			return nil
		},
	}
}
