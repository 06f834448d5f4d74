package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/go-pipeserve/internal/pipeline"
)

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Build every pipeline in the definition file and print its nodes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			set, err := openSet(cmd.Context(), cfg, setDeps{opener: libraryOpener})
			if err != nil {
				return err
			}
			defer func() { _ = set.Close(context.Background()) }()

			out := cmd.OutOrStdout()
			for _, name := range set.Names() {
				printPipeline(out, set.Get(name))
			}
			return nil
		},
	}

	return cmd
}

// printPipeline writes one line per node in topological order, naming the
// upstream bindings it consumes and, after "=>", the nodes it feeds.
func printPipeline(w io.Writer, p *pipeline.Pipeline) {
	fmt.Fprintf(w, "pipeline %s\n", p.Name())
	for _, n := range p.Nodes() {
		line := fmt.Sprintf("  %s (%s)", n.Name(), n.Kind())

		var from []string
		for _, dep := range n.Upstream() {
			for _, b := range dep.Bindings {
				from = append(from, fmt.Sprintf("%s.%s->%s", dep.Node.Name(), b.Output, b.Input))
			}
		}
		if len(from) > 0 {
			line += " <- " + strings.Join(from, ", ")
		}

		var to []string
		for _, next := range n.Downstream() {
			to = append(to, next.Name())
		}
		if len(to) > 0 {
			line += " => " + strings.Join(to, ", ")
		}
		fmt.Fprintln(w, line)
	}
}
