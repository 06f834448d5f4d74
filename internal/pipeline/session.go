package pipeline

import (
	"maps"
	"slices"

	"github.com/google/uuid"

	"github.com/example/go-pipeserve/internal/dagerr"
	"github.com/example/go-pipeserve/internal/tensor"
)

// SessionKey identifies one in-flight request.
type SessionKey string

// NewSessionKey returns a fresh random key.
func NewSessionKey() SessionKey {
	return SessionKey(uuid.NewString())
}

// State is the lifecycle position of a NodeSession.
type State int

const (
	Pending State = iota
	Ready
	Executing
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Executing:
		return "executing"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// NodeSession is the execution state of one node for one request. It is
// owned by the scheduling goroutine of that request.
type NodeSession struct {
	node     string
	key      SessionKey
	required map[string]struct{}
	inputs   map[string]*tensor.Tensor
	state    State
	outputs  map[string]*tensor.Tensor
	err      error
}

// NewNodeSession creates a session waiting for the named inputs. A session
// with no required inputs starts Ready.
func NewNodeSession(node string, key SessionKey, required []string) *NodeSession {
	s := &NodeSession{
		node:     node,
		key:      key,
		required: make(map[string]struct{}, len(required)),
		inputs:   make(map[string]*tensor.Tensor, len(required)),
	}
	for _, name := range required {
		s.required[name] = struct{}{}
	}
	if len(s.required) == 0 {
		s.state = Ready
	}
	return s
}

func (s *NodeSession) Node() string    { return s.node }
func (s *NodeSession) Key() SessionKey { return s.key }
func (s *NodeSession) State() State    { return s.state }
func (s *NodeSession) Err() error      { return s.err }

// SetInput records one input. It reports ready exactly once: on the call
// that delivers the last missing input.
func (s *NodeSession) SetInput(name string, t *tensor.Tensor) (ready bool, err error) {
	if s.state != Pending {
		return false, dagerr.Errorf(dagerr.GraphConfiguration, "node %q: input %q delivered to %s session", s.node, name, s.state)
	}
	if _, ok := s.required[name]; !ok {
		return false, dagerr.Errorf(dagerr.GraphConfiguration, "node %q: undeclared input %q", s.node, name)
	}
	if _, dup := s.inputs[name]; dup {
		return false, dagerr.Errorf(dagerr.GraphConfiguration, "node %q: input %q delivered twice", s.node, name)
	}
	s.inputs[name] = t
	if len(s.inputs) == len(s.required) {
		s.state = Ready
		return true, nil
	}
	return false, nil
}

// Missing lists required inputs not yet delivered, sorted.
func (s *NodeSession) Missing() []string {
	var missing []string
	for name := range s.required {
		if _, ok := s.inputs[name]; !ok {
			missing = append(missing, name)
		}
	}
	slices.Sort(missing)
	return missing
}

// Inputs returns the delivered inputs. The map is a copy; the tensors are
// shared.
func (s *NodeSession) Inputs() map[string]*tensor.Tensor {
	return maps.Clone(s.inputs)
}

func (s *NodeSession) begin() error {
	if s.state != Ready {
		return dagerr.Errorf(dagerr.GraphConfiguration, "node %q: execute on %s session", s.node, s.state)
	}
	s.state = Executing
	return nil
}

func (s *NodeSession) finish(outputs map[string]*tensor.Tensor, err error) error {
	if s.state != Executing {
		return dagerr.Errorf(dagerr.GraphConfiguration, "node %q: completion for %s session", s.node, s.state)
	}
	if err != nil {
		s.state = Failed
		s.err = err
		return nil
	}
	s.state = Completed
	s.outputs = outputs
	return nil
}
