package pipeline

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/example/go-pipeserve/internal/dagerr"
	"github.com/example/go-pipeserve/internal/tensor"
)

// arena holds every tensor a request adopted so they can be released
// together once nothing can read them anymore.
type arena struct {
	mu      sync.Mutex
	tensors []*tensor.Tensor
	done    bool
}

func (a *arena) adopt(outputs map[string]*tensor.Tensor) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range outputs {
		if t == nil {
			continue
		}
		if a.done {
			_ = t.Release()
			continue
		}
		a.tensors = append(a.tensors, t)
	}
}

func (a *arena) release(logger *slog.Logger, key SessionKey) {
	a.mu.Lock()
	tensors := a.tensors
	a.tensors = nil
	a.done = true
	a.mu.Unlock()

	for _, t := range tensors {
		if err := t.Release(); err != nil {
			logger.Warn("release tensor", "session", string(key), "tensor", t.Name(), "error", err)
		}
	}
}

// run is the state of one request. Everything except the queue and the
// arena is touched only by the goroutine that called Submit.
type run struct {
	p           *Pipeline
	key         SessionKey
	queue       *EventQueue
	sessions    map[string]*NodeSession
	arena       arena
	outstanding int
}

func newRun(p *Pipeline) *run {
	return &run{
		p:        p,
		key:      NewSessionKey(),
		queue:    NewEventQueue(),
		sessions: make(map[string]*NodeSession, len(p.order)),
	}
}

// execute starts n for its session and counts the event it will produce.
func (r *run) execute(ctx context.Context, n *Node, s *NodeSession) error {
	if err := n.Execute(ctx, s, r.queue); err != nil {
		return err
	}
	r.outstanding++
	return nil
}

// seed delivers the request into a fresh entry session and starts it.
func (r *run) seed(ctx context.Context, inputs map[string]*tensor.Tensor) error {
	entry := r.p.entry
	s := NewNodeSession(entry.name, r.key, entry.required)
	r.sessions[entry.name] = s

	names := make([]string, 0, len(inputs))
	for name := range inputs {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		t := inputs[name]
		if t == nil {
			return dagerr.Errorf(dagerr.Validation, "request input %q is nil", name)
		}
		if !slices.Contains(entry.required, name) {
			return dagerr.Errorf(dagerr.Validation, "unexpected request input %q", name)
		}
		if _, err := s.SetInput(name, t); err != nil {
			return dagerr.Errorf(dagerr.Validation, "request input %q: %w", name, err)
		}
	}
	if s.State() != Ready {
		return dagerr.Errorf(dagerr.Validation, "request is missing inputs %v", s.Missing())
	}
	return r.execute(ctx, entry, s)
}

// loop consumes events until the exit node completes or something fails.
func (r *run) loop(ctx context.Context) (map[string]*tensor.Tensor, error) {
	for {
		if r.outstanding == 0 {
			return nil, dagerr.New(dagerr.GraphConfiguration, "no node can make progress before the exit node")
		}
		ev, err := r.queue.Pop(ctx)
		if err != nil {
			return nil, dagerr.Wrap(dagerr.Timeout, "", err)
		}
		r.outstanding--

		n := r.p.nodes[ev.Node]
		s := r.sessions[ev.Node]
		if n == nil || s == nil || ev.Session != r.key {
			releaseOutputs(ev.Outputs)
			return nil, dagerr.Errorf(dagerr.GraphConfiguration, "unexpected event from node %q", ev.Node)
		}
		if n != r.p.exit {
			r.arena.adopt(ev.Outputs)
		}
		if err := s.finish(ev.Outputs, ev.Err); err != nil {
			return nil, err
		}
		if ev.Err != nil {
			return nil, ev.Err
		}
		if n == r.p.exit {
			return ev.Outputs, nil
		}
		if err := r.advance(ctx, n, s); err != nil {
			return nil, err
		}
	}
}

// advance delivers the results of a completed session to every dependant
// and starts those that became ready.
func (r *run) advance(ctx context.Context, n *Node, s *NodeSession) error {
	results, err := n.FetchResults(s)
	if err != nil {
		return err
	}
	for _, dep := range n.downstream {
		ds, ok := r.sessions[dep.name]
		if !ok {
			ds = NewNodeSession(dep.name, r.key, dep.required)
			r.sessions[dep.name] = ds
		}
		ready := false
		for _, b := range dep.bindingsFrom(n) {
			t, ok := results[b.Output]
			if !ok {
				return dagerr.Errorf(dagerr.Validation, "node %q did not produce %q for %q", n.name, b.Output, dep.name)
			}
			became, err := ds.SetInput(b.Input, t.Rename(b.Input))
			if err != nil {
				return err
			}
			ready = ready || became
		}
		if ready {
			if err := r.execute(ctx, dep, ds); err != nil {
				return err
			}
		}
	}
	return nil
}

// close stops the run. Events that were never consumed are released now;
// adopted tensors are released once every dispatched execution reported.
func (r *run) close() {
	for _, ev := range r.queue.Close(func() { r.arena.release(r.p.exec.logger, r.key) }) {
		releaseOutputs(ev.Outputs)
	}
}
