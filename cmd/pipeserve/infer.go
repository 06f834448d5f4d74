package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/example/go-pipeserve/internal/pipeline"
	"github.com/example/go-pipeserve/internal/server"
	"github.com/example/go-pipeserve/internal/tensor"
)

func newInferCmd() *cobra.Command {
	var (
		inputPath string
		repeat    int
	)

	cmd := &cobra.Command{
		Use:   "infer <pipeline>",
		Short: "Run a JSON request through a pipeline and print the response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			if repeat < 1 {
				return fmt.Errorf("--repeat must be at least 1, got %d", repeat)
			}

			inputs, err := readRequest(cmd.InOrStdin(), inputPath)
			if err != nil {
				return err
			}

			set, err := openSet(cmd.Context(), cfg, setDeps{opener: libraryOpener})
			if err != nil {
				return err
			}
			defer func() { _ = set.Close(context.Background()) }()

			start := time.Now()
			responses, err := submitRepeated(cmd.Context(), set, args[0], inputs, repeat, cfg.Server.Workers)
			if err != nil {
				return err
			}
			slog.Info("infer complete",
				slog.String("pipeline", args[0]),
				slog.Int("requests", repeat),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			)

			return server.WriteResponse(cmd.OutOrStdout(), responses[0])
		},
	}

	cmd.Flags().StringVarP(&inputPath, "input", "i", "-", "Request JSON file (- reads stdin)")
	cmd.Flags().IntVar(&repeat, "repeat", 1, "Submit the request this many times concurrently")

	return cmd
}

func readRequest(stdin io.Reader, path string) (map[string]*tensor.Tensor, error) {
	if path == "-" {
		return server.DecodeRequest(stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open request: %w", err)
	}
	defer func() { _ = f.Close() }()

	inputs, err := server.DecodeRequest(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return inputs, nil
}

// submitRepeated runs n copies of the same request, at most limit at a
// time. Request tensors are only read by the pipeline, so all copies share
// them.
func submitRepeated(ctx context.Context, set *pipeline.Set, name string, inputs map[string]*tensor.Tensor, n, limit int) ([]*pipeline.Response, error) {
	if set.Get(name) == nil {
		return nil, fmt.Errorf("%w %q", pipeline.ErrUnknownPipeline, name)
	}

	responses := make([]*pipeline.Response, n)
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i := range n {
		g.Go(func() error {
			resp, err := set.Submit(gctx, name, inputs)
			if err != nil {
				return fmt.Errorf("request %d: %w", i, err)
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Join(err, releaseResponses(responses))
	}
	return responses, nil
}

func releaseResponses(responses []*pipeline.Response) error {
	var errs []error
	for _, resp := range responses {
		if resp == nil {
			continue
		}
		for _, t := range resp.Outputs {
			errs = append(errs, t.Release())
		}
	}
	return errors.Join(errs...)
}
