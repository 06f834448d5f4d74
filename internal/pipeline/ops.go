package pipeline

import (
	"context"
	"slices"

	"github.com/example/go-pipeserve/internal/customnode"
	"github.com/example/go-pipeserve/internal/dagerr"
	"github.com/example/go-pipeserve/internal/inference"
	"github.com/example/go-pipeserve/internal/tensor"
)

// nodeOps is the variant-specific half of a Node.
type nodeOps interface {
	run(ctx context.Context, inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error)
	// async reports whether run must leave the scheduler goroutine.
	async() bool
	inputs() []tensor.Info
	outputs() []tensor.Info
	close() error
}

// entryOps exposes request tensors to the graph. When no inputs were
// declared the contract is collected from the bindings that read from it.
type entryOps struct {
	infos    []tensor.Info
	declared bool
}

func (o *entryOps) async() bool            { return false }
func (o *entryOps) inputs() []tensor.Info  { return o.infos }
func (o *entryOps) outputs() []tensor.Info { return o.infos }
func (o *entryOps) close() error           { return nil }

func (o *entryOps) provide(name string) {
	if o.declared || slices.ContainsFunc(o.infos, func(i tensor.Info) bool { return i.Name == name }) {
		return
	}
	o.infos = append(o.infos, tensor.Info{Name: name})
}

func (o *entryOps) run(_ context.Context, inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	if err := inference.CheckInputs(o.infos, inputs); err != nil {
		return nil, err
	}
	out := make(map[string]*tensor.Tensor, len(inputs))
	for name, t := range inputs {
		out[name] = t.Borrow(name)
	}
	return out, nil
}

// exitOps copies its inputs into engine memory for the response.
type exitOps struct {
	infos []tensor.Info
}

func (o *exitOps) async() bool            { return false }
func (o *exitOps) inputs() []tensor.Info  { return o.infos }
func (o *exitOps) outputs() []tensor.Info { return o.infos }
func (o *exitOps) close() error           { return nil }

func (o *exitOps) run(_ context.Context, inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	out := make(map[string]*tensor.Tensor, len(inputs))
	for name, t := range inputs {
		out[name] = t.Clone(name)
	}
	return out, nil
}

// inferenceOps runs a compiled model. The executable belongs to whoever
// compiled it.
type inferenceOps struct {
	exe inference.Executable
}

func (o *inferenceOps) async() bool            { return true }
func (o *inferenceOps) inputs() []tensor.Info  { return o.exe.Inputs() }
func (o *inferenceOps) outputs() []tensor.Info { return o.exe.Outputs() }
func (o *inferenceOps) close() error           { return nil }

func (o *inferenceOps) run(ctx context.Context, inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	if err := inference.CheckInputs(o.exe.Inputs(), inputs); err != nil {
		return nil, err
	}
	out, err := o.exe.Infer(ctx, inputs)
	if err != nil {
		if ctx.Err() != nil {
			return nil, dagerr.Wrap(dagerr.Timeout, "", ctx.Err())
		}
		return nil, dagerr.Wrap(dagerr.RuntimeInference, "", err)
	}
	if err := checkOutputs(o.exe.Outputs(), out); err != nil {
		_ = inference.ReleaseAll(out)
		return nil, err
	}
	return out, nil
}

// customOps runs a custom node library instance. The contract reported by
// the library is captured once, when the node is created.
type customOps struct {
	lib     *customnode.Library
	reg     *customnode.Registry
	in, out []tensor.Info
}

func (o *customOps) interrogate() error {
	in, err := o.lib.InputsInfo()
	if err != nil {
		return err
	}
	out, err := o.lib.OutputsInfo()
	if err != nil {
		return err
	}
	o.in, o.out = in, out
	return nil
}

func (o *customOps) async() bool            { return true }
func (o *customOps) inputs() []tensor.Info  { return o.in }
func (o *customOps) outputs() []tensor.Info { return o.out }

func (o *customOps) close() error {
	if o.reg == nil {
		return o.lib.Close()
	}
	return o.reg.Release(o.lib)
}

func (o *customOps) run(ctx context.Context, inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, dagerr.Wrap(dagerr.Timeout, "", err)
	}
	if err := inference.CheckInputs(o.in, inputs); err != nil {
		return nil, err
	}
	ordered := make([]*tensor.Tensor, 0, len(o.in))
	for _, info := range o.in {
		ordered = append(ordered, inputs[info.Name])
	}
	produced, err := o.lib.Execute(ordered)
	if err != nil {
		return nil, dagerr.Wrap(dagerr.CustomLibrary, "", err)
	}
	out := make(map[string]*tensor.Tensor, len(produced))
	for _, t := range produced {
		out[t.Name()] = t
	}
	if err := checkOutputs(o.out, out); err != nil {
		_ = inference.ReleaseAll(out)
		return nil, err
	}
	return out, nil
}

// checkOutputs requires every declared output to be present and conforming.
// Undeclared extras are tolerated.
func checkOutputs(declared []tensor.Info, outputs map[string]*tensor.Tensor) error {
	for _, info := range declared {
		t, ok := outputs[info.Name]
		if !ok {
			return dagerr.Errorf(dagerr.Validation, "declared output %q was not produced", info.Name)
		}
		if err := info.Check(t); err != nil {
			return err
		}
	}
	return nil
}
