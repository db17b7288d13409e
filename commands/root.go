// Package commands implements the semflow CLI: the serve command runs the
// engine and API, the remaining commands are thin HTTP clients against a
// running server.
package commands

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	server     string
	configPath string
	logLevel   string
	actor      string
}

func (o *rootOptions) logger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(o.logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func (o *rootOptions) api() *apiClient {
	return newAPIClient(o.server, o.actor)
}

// NewRoot builds the semflow command tree.
func NewRoot(version string) *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "semflow",
		Short: "BPMN orchestration over an RDF knowledge graph",
		Long: `Semflow executes BPMN 2.0 process definitions against an RDF quadstore.
Routing conditions are SPARQL expressions evaluated over instance state,
service tasks dispatch to registered topic handlers, and every state change
lands in an append-only audit graph.

The serve command runs the engine with its HTTP API; the other commands talk
to a running server.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.server, "server", "http://localhost:8084", "API server base URL")
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.actor, "actor", "", "Actor recorded in the audit log")

	cmd.AddCommand(
		newServeCmd(opts),
		newDeployCmd(opts),
		newStartCmd(opts),
		newInstancesCmd(opts),
		newStopCmd(opts),
		newTasksCmd(opts),
		newCompleteCmd(opts),
		newTopicsCmd(opts),
		newQueryCmd(opts),
		newExportCmd(opts),
	)

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("semflow version %s\n", version)
		},
	})

	return cmd
}
