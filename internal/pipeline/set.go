package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/example/go-pipeserve/internal/customnode"
	"github.com/example/go-pipeserve/internal/dagerr"
	"github.com/example/go-pipeserve/internal/definition"
	"github.com/example/go-pipeserve/internal/inference"
	"github.com/example/go-pipeserve/internal/metrics"
	"github.com/example/go-pipeserve/internal/tensor"
)

// ErrUnknownPipeline is returned by Set.Submit for a name the set does not
// contain.
var ErrUnknownPipeline = errors.New("unknown pipeline")

// Dependencies are the shared services a Set builds its pipelines with.
type Dependencies struct {
	// Runtime compiles models. It may be nil when no pipeline uses one.
	Runtime  inference.Runtime
	Registry *customnode.Registry
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Options  []Option
}

// Set is the group of pipelines declared by one definition document. Each
// model is compiled once and shared by every node that uses it.
type Set struct {
	pipelines map[string]*Pipeline
	names     []string
	models    map[string]inference.Executable

	closeOnce sync.Once
	closeErr  error
}

// NewSet compiles models, acquires custom node libraries and builds every
// pipeline of doc. On failure everything acquired so far is released.
func NewSet(ctx context.Context, doc *definition.Document, deps Dependencies) (*Set, error) {
	if deps.Registry == nil {
		deps.Registry = customnode.NewRegistry()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Set{
		pipelines: make(map[string]*Pipeline, len(doc.Pipelines)),
		models:    make(map[string]inference.Executable),
	}
	for _, def := range doc.Pipelines {
		p, err := s.build(ctx, doc, def, deps)
		if err != nil {
			if cerr := s.Close(context.Background()); cerr != nil {
				err = errors.Join(err, cerr)
			}
			return nil, fmt.Errorf("build pipeline %s: %w", def.Name, err)
		}
		s.pipelines[def.Name] = p
		s.names = append(s.names, def.Name)
		deps.Logger.Info("pipeline ready", "pipeline", def.Name, "nodes", len(p.order))
	}
	return s, nil
}

func (s *Set) compile(ctx context.Context, doc *definition.Document, name string, rt inference.Runtime) (inference.Executable, error) {
	if exe, ok := s.models[name]; ok {
		return exe, nil
	}
	if rt == nil {
		return nil, dagerr.Errorf(dagerr.GraphConfiguration, "model %q needs an inference runtime", name)
	}
	model, err := doc.Model(name)
	if err != nil {
		return nil, dagerr.Wrap(dagerr.GraphConfiguration, "", err)
	}
	exe, err := rt.Compile(ctx, model)
	if err != nil {
		return nil, dagerr.Wrap(dagerr.RuntimeInference, "", fmt.Errorf("compile model %s: %w", name, err))
	}
	s.models[name] = exe
	return exe, nil
}

func (s *Set) build(ctx context.Context, doc *definition.Document, def definition.Pipeline, deps Dependencies) (*Pipeline, error) {
	opts := append([]Option{WithMetrics(deps.Metrics), WithLogger(deps.Logger)}, deps.Options...)
	b := NewBuilder(def.Name, opts...)
	if len(def.Inputs) > 0 {
		b.Entry(def.Inputs...)
	}

	for _, n := range def.Nodes {
		switch n.Type {
		case definition.TypeInference:
			exe, err := s.compile(ctx, doc, n.Model, deps.Runtime)
			if err != nil {
				_ = b.Abort()
				return nil, dagerr.Wrap(dagerr.GraphConfiguration, n.Name, err)
			}
			b.Inference(n.Name, exe)
		case definition.TypeCustom:
			spec, ok := doc.Library(n.Library)
			if !ok {
				_ = b.Abort()
				return nil, dagerr.Errorf(dagerr.GraphConfiguration, "node %q: unknown custom node library %q", n.Name, n.Library)
			}
			lib, err := deps.Registry.Acquire(customnode.Spec{
				BasePath:  spec.BasePath,
				Params:    n.Params,
				Serialize: spec.Serialize,
			})
			if err != nil {
				_ = b.Abort()
				return nil, dagerr.Wrap(dagerr.CustomLibrary, n.Name, err)
			}
			b.Custom(n.Name, lib, deps.Registry)
		}
	}

	outputs := make([]string, 0, len(def.Outputs))
	for _, out := range def.Outputs {
		outputs = append(outputs, out.Name)
	}
	b.Exit(outputs...)

	for _, n := range def.Nodes {
		for _, g := range groupByUpstream(n.Inputs, inputBinding) {
			b.Connect(g.from, n.Name, g.bindings...)
		}
	}
	for _, g := range groupByUpstream(def.Outputs, outputBinding) {
		b.Connect(g.from, ExitName, g.bindings...)
	}
	return b.Build()
}

type group struct {
	from     string
	bindings []Binding
}

// groupByUpstream collects bindings per upstream node in first-seen order.
func groupByUpstream[T any](items []T, bind func(T) (string, Binding)) []group {
	var groups []group
	for _, item := range items {
		from, b := bind(item)
		i := slices.IndexFunc(groups, func(g group) bool { return g.from == from })
		if i < 0 {
			groups = append(groups, group{from: from})
			i = len(groups) - 1
		}
		groups[i].bindings = append(groups[i].bindings, b)
	}
	return groups
}

func inputBinding(in definition.Input) (string, Binding) {
	return in.From, Binding{Output: in.Output, Input: in.Input}
}

func outputBinding(out definition.Output) (string, Binding) {
	return out.From, Binding{Output: out.Output, Input: out.Name}
}

// Names lists the pipelines in definition order.
func (s *Set) Names() []string {
	return slices.Clone(s.names)
}

// Get returns the named pipeline, or nil.
func (s *Set) Get(name string) *Pipeline {
	return s.pipelines[name]
}

// Submit runs a request through the named pipeline.
func (s *Set) Submit(ctx context.Context, name string, inputs map[string]*tensor.Tensor) (*Response, error) {
	p, ok := s.pipelines[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownPipeline, name)
	}
	return p.Submit(ctx, inputs)
}

// Close closes every pipeline and then the compiled models. If ctx ends
// while requests are still running, the models stay open and Close may be
// retried. Library teardown failures do not keep the models open; they are
// joined into the returned error.
func (s *Set) Close(ctx context.Context) error {
	var errs []error
	busy := false
	for _, name := range s.names {
		if err := s.pipelines[name].Close(ctx); err != nil {
			if dagerr.KindOf(err) == dagerr.Timeout {
				busy = true
			}
			errs = append(errs, err)
		}
	}
	if busy {
		return errors.Join(errs...)
	}
	s.closeOnce.Do(func() {
		var cerrs []error
		for name, exe := range s.models {
			if err := exe.Close(); err != nil {
				cerrs = append(cerrs, fmt.Errorf("close model %s: %w", name, err))
			}
		}
		s.closeErr = errors.Join(cerrs...)
	})
	return errors.Join(append(errs, s.closeErr)...)
}
