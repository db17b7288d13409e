package commands

import (
	"fmt"
	"net/url"
	"os"

	"github.com/spf13/cobra"
)

func newExportCmd(opts *rootOptions) *cobra.Command {
	var (
		graphName string
		format    string
		outPath   string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Serialize a named graph as RDF",
		Long: `Exports a named graph (defs, inst, tasks, log or timers) in turtle,
ntriples or jsonld form, to stdout or a file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/graphs/" + url.PathEscape(graphName) + "?format=" + url.QueryEscape(format)
			body, err := opts.api().getRaw(path)
			if err != nil {
				return err
			}
			if outPath == "" {
				_, err = os.Stdout.Write(body)
				return err
			}
			if err := os.WriteFile(outPath, body, 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %d bytes to %s\n", len(body), outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&graphName, "graph", "inst", "Named graph to export")
	cmd.Flags().StringVar(&format, "format", "turtle", "Output format: turtle, ntriples or jsonld")
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "Write to a file instead of stdout")
	return cmd
}
