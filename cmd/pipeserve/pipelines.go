package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/example/go-pipeserve/internal/config"
	"github.com/example/go-pipeserve/internal/customnode"
	"github.com/example/go-pipeserve/internal/definition"
	"github.com/example/go-pipeserve/internal/metrics"
	"github.com/example/go-pipeserve/internal/onnx"
	"github.com/example/go-pipeserve/internal/pipeline"
)

// libraryOpener loads custom node libraries; nil means the dynamic loader.
var libraryOpener customnode.Opener

// setDeps carries the pieces openSet wires together.
type setDeps struct {
	metrics *metrics.Metrics
	opener  customnode.Opener
}

// openSet loads the definition file and builds every pipeline in it. The
// ONNX Runtime is only bootstrapped when the document declares models.
func openSet(ctx context.Context, cfg config.Config, deps setDeps) (*pipeline.Set, error) {
	doc, err := definition.Load(cfg.Paths.Pipelines)
	if err != nil {
		return nil, err
	}

	logger := slog.Default()
	m := deps.metrics
	regOpts := []customnode.RegistryOption{
		customnode.WithRegistryLogger(logger),
		customnode.WithReleaseFailureHook(func(basePath string, _ error) {
			m.RecordReleaseFailure(filepath.Base(basePath))
		}),
	}
	if deps.opener != nil {
		regOpts = append(regOpts, customnode.WithOpener(deps.opener))
	}

	pdeps := pipeline.Dependencies{
		Registry: customnode.NewRegistry(regOpts...),
		Metrics:  m,
		Logger:   logger,
		Options: []pipeline.Option{
			pipeline.WithMaxConcurrentNodes(cfg.Executor.MaxConcurrentNodes),
			pipeline.WithRequestTimeout(cfg.Executor.RequestTimeout()),
		},
	}

	if len(doc.Models) > 0 {
		rt, info, err := onnx.Bootstrap(cfg.Runtime)
		if err != nil {
			return nil, fmt.Errorf("bootstrap onnx runtime: %w", err)
		}
		logger.Info("onnx runtime ready", "library", info.LibraryPath, "version", info.Version)
		pdeps.Runtime = rt
	}

	return pipeline.NewSet(ctx, doc, pdeps)
}
