package commands

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newQueryCmd(opts *rootOptions) *cobra.Command {
	var graphName string

	cmd := &cobra.Command{
		Use:   "query <sparql>",
		Short: "Run a read-only SPARQL query against one named graph",
		Long: `Runs an ASK or SELECT query against a named graph (defs, inst, tasks,
log or timers). The prefixes var:, flow:, bpmn:, rdf: and xsd: are
predeclared.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result struct {
				Ask      *bool               `json:"ask"`
				Vars     []string            `json:"vars"`
				Bindings []map[string]string `json:"bindings"`
			}
			err := opts.api().post("/query", map[string]string{
				"graph": graphName,
				"query": args[0],
			}, &result)
			if err != nil {
				return err
			}

			if result.Ask != nil {
				fmt.Println(*result.Ask)
				return nil
			}

			vars := result.Vars
			if len(vars) == 0 && len(result.Bindings) > 0 {
				for name := range result.Bindings[0] {
					vars = append(vars, name)
				}
				sort.Strings(vars)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for i, name := range vars {
				if i > 0 {
					fmt.Fprint(w, "\t")
				}
				fmt.Fprint(w, name)
			}
			fmt.Fprintln(w)
			for _, row := range result.Bindings {
				for i, name := range vars {
					if i > 0 {
						fmt.Fprint(w, "\t")
					}
					fmt.Fprint(w, row[name])
				}
				fmt.Fprintln(w)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&graphName, "graph", "inst", "Named graph to query")
	return cmd
}
