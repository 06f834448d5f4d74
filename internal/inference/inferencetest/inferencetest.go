// Package inferencetest provides an in-memory inference.Runtime whose
// outputs are runtime-owned buffers with tracked releases.
package inferencetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/example/go-pipeserve/internal/dagerr"
	"github.com/example/go-pipeserve/internal/inference"
	"github.com/example/go-pipeserve/internal/tensor"
)

// Func computes outputs from inputs. Returned tensors may be engine-owned;
// the runtime re-wraps them as runtime-owned.
type Func func(ctx context.Context, inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error)

// Runtime compiles models by name from Funcs.
type Runtime struct {
	Funcs map[string]Func

	handedOut atomic.Int64
	released  atomic.Int64
	compiled  atomic.Int64
	closed    atomic.Int64
	infers    atomic.Int64
}

func (r *Runtime) Compile(_ context.Context, model inference.Model) (inference.Executable, error) {
	fn, ok := r.Funcs[model.Name]
	if !ok {
		return nil, dagerr.Errorf(dagerr.RuntimeInference, "model %q not available", model.Name)
	}
	r.compiled.Add(1)
	return &executable{rt: r, model: model, fn: fn}, nil
}

// Outstanding is the number of output buffers not yet released.
func (r *Runtime) Outstanding() int64 { return r.handedOut.Load() - r.released.Load() }

func (r *Runtime) Released() int64 { return r.released.Load() }
func (r *Runtime) Compiled() int64 { return r.compiled.Load() }
func (r *Runtime) Closed() int64   { return r.closed.Load() }
func (r *Runtime) Infers() int64   { return r.infers.Load() }

type executable struct {
	rt    *Runtime
	model inference.Model
	fn    Func
}

func (e *executable) Name() string           { return e.model.Name }
func (e *executable) Inputs() []tensor.Info  { return e.model.Inputs }
func (e *executable) Outputs() []tensor.Info { return e.model.Outputs }
func (e *executable) Close() error           { e.rt.closed.Add(1); return nil }

func (e *executable) Infer(ctx context.Context, inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	e.rt.infers.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := e.fn(ctx, inputs)
	if err != nil {
		return nil, err
	}
	wrapped := make(map[string]*tensor.Tensor, len(out))
	for name, t := range out {
		raw := append([]byte(nil), t.Bytes()...)
		rt, err := tensor.New(name, t.Precision(), t.Shape(), tensor.NewRuntimeBuffer(raw, &release{rt: e.rt}))
		if err != nil {
			_ = inference.ReleaseAll(wrapped)
			return nil, err
		}
		e.rt.handedOut.Add(1)
		wrapped[name] = rt
	}
	return wrapped, nil
}

type release struct {
	rt   *Runtime
	once sync.Once
}

func (r *release) Deallocate() error {
	r.once.Do(func() { r.rt.released.Add(1) })
	return nil
}

// MapFP32 applies fn element-wise to fp32 input in and writes output out.
func MapFP32(in, out string, fn func(float32) float32) Func {
	return func(_ context.Context, inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
		t, ok := inputs[in]
		if !ok {
			return nil, fmt.Errorf("missing input %q", in)
		}
		values, err := tensor.View[float32](t)
		if err != nil {
			return nil, err
		}
		result := make([]float32, len(values))
		for i, v := range values {
			result[i] = fn(v)
		}
		o, err := tensor.FromSlice(out, result, t.Shape())
		if err != nil {
			return nil, err
		}
		return map[string]*tensor.Tensor{out: o}, nil
	}
}

// Fail returns err from every inference.
func Fail(err error) Func {
	return func(context.Context, map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
		return nil, err
	}
}
