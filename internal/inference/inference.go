// Package inference defines the boundary between the DAG engine and a
// model runtime. The engine hands named tensors to an Executable and gets
// runtime-owned tensors back.
package inference

import (
	"context"
	"fmt"

	"github.com/example/go-pipeserve/internal/dagerr"
	"github.com/example/go-pipeserve/internal/tensor"
)

// Model describes one compiled graph: where it lives and the tensors it
// consumes and produces.
type Model struct {
	Name    string
	Path    string
	Inputs  []tensor.Info
	Outputs []tensor.Info
}

// Runtime compiles models into executables.
type Runtime interface {
	Compile(ctx context.Context, model Model) (Executable, error)
}

// Executable runs one compiled model. Infer must be safe for concurrent use.
// Returned tensors are owned by the runtime and must be released by the
// caller.
type Executable interface {
	Name() string
	Inputs() []tensor.Info
	Outputs() []tensor.Info
	Infer(ctx context.Context, inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error)
	Close() error
}

// CheckInputs validates a request against the declared inputs of an
// executable: every declared input present and conforming, nothing extra.
func CheckInputs(declared []tensor.Info, inputs map[string]*tensor.Tensor) error {
	index, err := tensor.IndexInfos(declared)
	if err != nil {
		return err
	}
	for _, info := range declared {
		t, ok := inputs[info.Name]
		if !ok {
			return dagerr.Errorf(dagerr.Validation, "missing input %q", info.Name)
		}
		if err := info.Check(t); err != nil {
			return err
		}
	}
	for name := range inputs {
		if _, ok := index[name]; !ok {
			return dagerr.Errorf(dagerr.Validation, "unexpected input %q", name)
		}
	}
	return nil
}

// ReleaseAll releases every tensor in m and returns the first failure.
func ReleaseAll(m map[string]*tensor.Tensor) error {
	var first error
	for name, t := range m {
		if t == nil {
			continue
		}
		if err := t.Release(); err != nil && first == nil {
			first = fmt.Errorf("release %q: %w", name, err)
		}
	}
	return first
}
