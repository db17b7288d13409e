// Package main provides the semflow binary entry point. Semflow is a BPMN
// 2.0 orchestration engine whose runtime state lives in an RDF knowledge
// graph, with SPARQL-evaluated routing conditions.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/c360studio/semflow/commands"
)

const Version = "0.1.0"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := commands.NewRoot(Version).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
