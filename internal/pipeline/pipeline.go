// Package pipeline executes directed acyclic graphs of inference and custom
// nodes. A Pipeline is built once and then serves concurrent requests, each
// with its own session key, node sessions and completion queue.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/go-pipeserve/internal/dagerr"
	"github.com/example/go-pipeserve/internal/metrics"
	"github.com/example/go-pipeserve/internal/tensor"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("pipeline: closed")

// Response is the result of one request. Its tensors are engine-owned
// copies that stay valid after the request ends.
type Response struct {
	Key     SessionKey
	Outputs map[string]*tensor.Tensor
}

// Pipeline is an immutable graph plus the requests running through it.
type Pipeline struct {
	name    string
	nodes   map[string]*Node
	order   []*Node
	entry   *Node
	exit    *Node
	timeout time.Duration
	exec    *executor

	mu       sync.Mutex
	runs     map[SessionKey]*run
	closed   bool
	inflight sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

func (p *Pipeline) Name() string { return p.name }

// Nodes returns the nodes in topological order, entry first.
func (p *Pipeline) Nodes() []*Node {
	return append([]*Node(nil), p.order...)
}

// Node returns the named node, or nil.
func (p *Pipeline) Node(name string) *Node {
	return p.nodes[name]
}

// Inputs returns the request contract.
func (p *Pipeline) Inputs() []tensor.Info {
	return p.entry.Inputs()
}

// Outputs returns the names of the response tensors.
func (p *Pipeline) Outputs() []string {
	return p.exit.RequiredInputs()
}

// InFlight returns the number of requests currently running.
func (p *Pipeline) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.runs)
}

func (p *Pipeline) begin(r *run) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return dagerr.Wrap(dagerr.GraphConfiguration, "", fmt.Errorf("%s: %w", p.name, ErrClosed))
	}
	p.runs[r.key] = r
	p.inflight.Add(1)
	return nil
}

func (p *Pipeline) end(r *run) {
	p.mu.Lock()
	delete(p.runs, r.key)
	p.mu.Unlock()
	p.inflight.Done()
}

// Submit runs one request through the graph. It returns either every
// response tensor or the first failure, attributed to the node that caused
// it.
func (p *Pipeline) Submit(ctx context.Context, inputs map[string]*tensor.Tensor) (*Response, error) {
	r := newRun(p)
	if err := p.begin(r); err != nil {
		return nil, err
	}
	defer p.end(r)

	ctx, span := p.exec.tracer.Start(ctx, "pipeline.submit", trace.WithAttributes(
		attribute.String("pipeline", p.name),
		attribute.String("session", string(r.key)),
	))
	defer span.End()

	var cancel context.CancelFunc
	if p.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	start := time.Now()
	p.exec.metrics.SessionStarted(p.name)

	outputs, err := p.drive(ctx, r, inputs)
	r.close()

	p.exec.metrics.SessionFinished(p.name)
	if err != nil {
		p.exec.metrics.RecordRequest(p.name, metrics.OutcomeError, time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("error.kind", dagerr.KindOf(err).String()))
		p.exec.logger.Debug("request failed",
			"pipeline", p.name, "session", string(r.key), "node", dagerr.NodeOf(err), "error", err)
		return nil, err
	}
	p.exec.metrics.RecordRequest(p.name, metrics.OutcomeSuccess, time.Since(start))
	return &Response{Key: r.key, Outputs: outputs}, nil
}

func (p *Pipeline) drive(ctx context.Context, r *run, inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	if err := r.seed(ctx, inputs); err != nil {
		return nil, err
	}
	return r.loop(ctx)
}

// Close waits for running requests and node executions, then releases the
// nodes' resources. If ctx ends first nothing is released and a Timeout
// error is returned; Close may then be called again.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	idle := make(chan struct{})
	go func() {
		p.inflight.Wait()
		p.exec.running.Wait()
		close(idle)
	}()
	select {
	case <-idle:
	case <-ctx.Done():
		return dagerr.Wrap(dagerr.Timeout, "", fmt.Errorf("close pipeline %s: %w", p.name, ctx.Err()))
	}

	p.closeOnce.Do(func() {
		p.closeErr = closeNodes(p.order)
	})
	return p.closeErr
}

func closeNodes(nodes []*Node) error {
	var errs []error
	for _, n := range nodes {
		if err := n.ops.close(); err != nil {
			errs = append(errs, fmt.Errorf("close node %s: %w", n.name, err))
		}
	}
	return errors.Join(errs...)
}
