package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/example/go-pipeserve/internal/bench"
	"github.com/example/go-pipeserve/internal/pipeline"
	"github.com/example/go-pipeserve/internal/tensor"
)

func newBenchCmd() *cobra.Command {
	var (
		inputPath   string
		runs        int
		concurrency int
		format      string
		maxMeanMS   float64
	)

	cmd := &cobra.Command{
		Use:   "bench <pipeline>",
		Short: "Benchmark pipeline request latency",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if runs < 1 {
				return fmt.Errorf("--runs must be at least 1")
			}
			if concurrency < 1 {
				return fmt.Errorf("--concurrency must be at least 1")
			}
			if format != "table" && format != "json" {
				return fmt.Errorf("--format must be 'table' or 'json'")
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

			p := set.Get(args[0])
			if p == nil {
				return fmt.Errorf("%w %q", pipeline.ErrUnknownPipeline, args[0])
			}

			results := runBench(cmd.Context(), p, inputs, runs, concurrency)
			stats := bench.ComputeStats(bench.Durations(results))

			out := cmd.OutOrStdout()
			switch format {
			case "json":
				bench.FormatJSON(results, stats, out)
			default:
				bench.FormatTable(results, stats, out)
			}

			var failed int
			for _, r := range results {
				if r.Err != nil {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d runs failed", failed, runs)
			}

			threshold := time.Duration(maxMeanMS * float64(time.Millisecond))
			return bench.CheckLatencyThreshold(stats.Mean, threshold)
		},
	}

	cmd.Flags().StringVarP(&inputPath, "input", "i", "-", "Request JSON file (- reads stdin)")
	cmd.Flags().IntVar(&runs, "runs", 5, "Number of requests")
	cmd.Flags().IntVar(&concurrency, "concurrency", 1, "Requests in flight after the cold run")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table|json")
	cmd.Flags().Float64Var(&maxMeanMS, "max-mean-ms", 0, "Exit non-zero if mean latency exceeds this many ms (0 = disabled)")

	return cmd
}

// runBench times a cold request on its own, then the remaining runs with up
// to concurrency requests in flight. Failures are recorded per run.
func runBench(ctx context.Context, p *pipeline.Pipeline, inputs map[string]*tensor.Tensor, runs, concurrency int) []bench.RunResult {
	results := make([]bench.RunResult, runs)

	timed := func(i int) {
		start := time.Now()
		resp, err := p.Submit(ctx, inputs)
		results[i] = bench.RunResult{Index: i, Cold: i == 0, Duration: time.Since(start), Err: err}
		if err != nil {
			return
		}
		results[i].Outputs = len(resp.Outputs)
		var errs []error
		for _, t := range resp.Outputs {
			errs = append(errs, t.Release())
		}
		if err := errors.Join(errs...); err != nil {
			results[i].Err = err
		}
	}

	timed(0)

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i := 1; i < runs; i++ {
		g.Go(func() error {
			timed(i)
			return nil
		})
	}
	_ = g.Wait()

	return results
}
