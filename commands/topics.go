package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/c360studio/semflow/topic"
)

func newTopicsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "List registered topic handlers",
		RunE: func(cmd *cobra.Command, args []string) error {
			var infos []topic.Info
			if err := opts.api().get("/topics", &infos); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TOPIC\tKIND")
			for _, info := range infos {
				fmt.Fprintf(w, "%s\t%s\n", info.Topic, info.Kind)
			}
			return w.Flush()
		},
	}

	var varFlags []string
	test := &cobra.Command{
		Use:   "test <topic>",
		Short: "Invoke a handler outside any instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vars, err := parseVarFlags(varFlags)
			if err != nil {
				return err
			}
			var result struct {
				Variables map[string]any `json:"variables"`
				Async     bool           `json:"async"`
			}
			err = opts.api().post("/topics/"+args[0]+"/test", map[string]any{"variables": vars}, &result)
			if err != nil {
				return err
			}
			if result.Async {
				fmt.Println("Handler went asynchronous")
				return nil
			}
			for name, value := range result.Variables {
				fmt.Printf("%s = %v\n", name, value)
			}
			return nil
		},
	}
	test.Flags().StringArrayVar(&varFlags, "var", nil, "Input variable as name=value (repeatable)")
	cmd.AddCommand(test)

	return cmd
}
