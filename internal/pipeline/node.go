package pipeline

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/example/go-pipeserve/internal/dagerr"
	"github.com/example/go-pipeserve/internal/metrics"
	"github.com/example/go-pipeserve/internal/tensor"
)

// Binding routes one upstream output into one input of the dependant.
type Binding struct {
	Output string
	Input  string
}

// Dependency is an upstream node together with the bindings it feeds.
type Dependency struct {
	Node     *Node
	Bindings []Binding
}

// executor is the state a pipeline shares with all of its nodes.
type executor struct {
	pipeline string
	sem      *semaphore.Weighted
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
	running  sync.WaitGroup
}

// Node is one step of a pipeline graph. Nodes are immutable once the
// pipeline is built.
type Node struct {
	name       string
	kind       Kind
	ops        nodeOps
	upstream   []Dependency
	downstream []*Node
	required   []string
	built      bool
	exec       *executor
}

func newNode(name string, kind Kind, ops nodeOps) *Node {
	return &Node{name: name, kind: kind, ops: ops}
}

func (n *Node) Name() string { return n.name }
func (n *Node) Kind() Kind   { return n.kind }

// Inputs returns the input contract of the node.
func (n *Node) Inputs() []tensor.Info { return slices.Clone(n.ops.inputs()) }

// Outputs returns the output contract of the node.
func (n *Node) Outputs() []tensor.Info { return slices.Clone(n.ops.outputs()) }

// Upstream returns the dependencies of the node in the order they were added.
func (n *Node) Upstream() []Dependency { return slices.Clone(n.upstream) }

// Downstream returns the nodes that depend on n.
func (n *Node) Downstream() []*Node { return slices.Clone(n.downstream) }

// RequiredInputs lists the input names a session of this node waits for.
func (n *Node) RequiredInputs() []string { return slices.Clone(n.required) }

// AddDependency makes n consume outputs of upstream.
func (n *Node) AddDependency(upstream *Node, bindings []Binding) error {
	switch {
	case n.kind == KindEntry:
		return dagerr.Errorf(dagerr.GraphConfiguration, "entry node %q cannot have dependencies", n.name)
	case n.built:
		return dagerr.Errorf(dagerr.GraphConfiguration, "node %q is already built", n.name)
	case upstream == nil:
		return dagerr.Errorf(dagerr.GraphConfiguration, "node %q: nil dependency", n.name)
	case upstream == n:
		return dagerr.Errorf(dagerr.GraphConfiguration, "node %q cannot depend on itself", n.name)
	case upstream.kind == KindExit:
		return dagerr.Errorf(dagerr.GraphConfiguration, "node %q cannot depend on exit node %q", n.name, upstream.name)
	case len(bindings) == 0:
		return dagerr.Errorf(dagerr.GraphConfiguration, "node %q: dependency on %q binds nothing", n.name, upstream.name)
	}
	for _, dep := range n.upstream {
		if dep.Node == upstream {
			return dagerr.Errorf(dagerr.GraphConfiguration, "node %q already depends on %q", n.name, upstream.name)
		}
	}

	added := make([]string, 0, len(bindings))
	for _, b := range bindings {
		if slices.Contains(n.required, b.Input) || slices.Contains(added, b.Input) {
			return dagerr.Errorf(dagerr.GraphConfiguration, "node %q: input %q is bound twice", n.name, b.Input)
		}
		if entry, ok := upstream.ops.(*entryOps); ok {
			entry.provide(b.Output)
		}
		out, ok := findInfo(upstream.ops.outputs(), b.Output)
		if !ok {
			return dagerr.Errorf(dagerr.GraphConfiguration, "node %q: %q has no output %q", n.name, upstream.name, b.Output)
		}
		in, ok := findInfo(n.ops.inputs(), b.Input)
		if !ok {
			return dagerr.Errorf(dagerr.GraphConfiguration, "node %q has no input %q", n.name, b.Input)
		}
		if err := out.Compatible(in); err != nil {
			return dagerr.Wrap(dagerr.GraphConfiguration, n.name, err)
		}
		added = append(added, b.Input)
	}

	n.required = append(n.required, added...)
	n.upstream = append(n.upstream, Dependency{Node: upstream, Bindings: slices.Clone(bindings)})
	upstream.downstream = append(upstream.downstream, n)
	return nil
}

// bindingsFrom returns the bindings through which upstream feeds n.
func (n *Node) bindingsFrom(upstream *Node) []Binding {
	for _, dep := range n.upstream {
		if dep.Node == upstream {
			return dep.Bindings
		}
	}
	return nil
}

// Execute starts the work of n for session s. Exactly one event is pushed
// to q for every successful call; a returned error means nothing was
// started. Model and library work runs on its own goroutine.
func (n *Node) Execute(ctx context.Context, s *NodeSession, q *EventQueue) error {
	if s.Node() != n.name {
		return dagerr.Errorf(dagerr.GraphConfiguration, "node %q given a session of %q", n.name, s.Node())
	}
	if err := s.begin(); err != nil {
		return err
	}
	inputs := s.Inputs()
	key := s.Key()

	if !n.ops.async() {
		q.Push(n.invoke(ctx, key, inputs))
		return nil
	}

	if !q.dispatch() {
		return ErrQueueClosed
	}
	n.exec.running.Add(1)
	go func() {
		defer n.exec.running.Done()
		defer q.done()
		if err := n.exec.sem.Acquire(ctx, 1); err != nil {
			q.Push(Event{Node: n.name, Session: key, Err: dagerr.Wrap(dagerr.Timeout, n.name, err)})
			return
		}
		ev := n.invoke(ctx, key, inputs)
		n.exec.sem.Release(1)
		q.Push(ev)
	}()
	return nil
}

func (n *Node) invoke(ctx context.Context, key SessionKey, inputs map[string]*tensor.Tensor) Event {
	ctx, span := n.exec.tracer.Start(ctx, "pipeline.node", trace.WithAttributes(
		attribute.String("pipeline", n.exec.pipeline),
		attribute.String("node", n.name),
		attribute.String("kind", n.kind.String()),
	))
	defer span.End()

	start := time.Now()
	outputs, err := n.ops.run(ctx, inputs)
	outcome := metrics.OutcomeSuccess
	if err != nil {
		err = dagerr.Wrap(n.failureKind(), n.name, err)
		outcome = metrics.OutcomeError
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("error.kind", dagerr.KindOf(err).String()))
		n.exec.logger.Debug("node failed",
			"pipeline", n.exec.pipeline, "node", n.name, "session", string(key), "error", err)
	}
	n.exec.metrics.RecordNode(n.exec.pipeline, n.name, n.kind.String(), outcome, time.Since(start))
	return Event{Node: n.name, Session: key, Outputs: outputs, Err: err}
}

func (n *Node) failureKind() dagerr.Kind {
	switch n.kind {
	case KindInference:
		return dagerr.RuntimeInference
	case KindCustom:
		return dagerr.CustomLibrary
	default:
		return dagerr.Validation
	}
}

// FetchResults returns the outputs of a completed session.
func (n *Node) FetchResults(s *NodeSession) (map[string]*tensor.Tensor, error) {
	if s.Node() != n.name {
		return nil, dagerr.Errorf(dagerr.GraphConfiguration, "node %q given a session of %q", n.name, s.Node())
	}
	if s.State() != Completed {
		return nil, dagerr.Errorf(dagerr.GraphConfiguration, "node %q: results of %s session", n.name, s.State())
	}
	return s.outputs, nil
}

func findInfo(infos []tensor.Info, name string) (tensor.Info, bool) {
	for _, info := range infos {
		if info.Name == name {
			return info, true
		}
	}
	return tensor.Info{}, false
}
