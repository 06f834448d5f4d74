//go:build !windows && !(js && wasm)

package onnx

import (
	"context"
	"fmt"
	goruntime "runtime"
	"sync"
	"unsafe"

	ort "github.com/shota3506/onnxruntime-purego/onnxruntime"

	"github.com/example/go-pipeserve/internal/dagerr"
	"github.com/example/go-pipeserve/internal/inference"
	"github.com/example/go-pipeserve/internal/tensor"
)

// RunnerConfig holds ORT library settings for creating a runtime.
type RunnerConfig struct {
	LibraryPath string
	APIVersion  uint32
}

// Runtime owns one ORT runtime and environment and compiles models into
// sessions on them. It implements inference.Runtime.
type Runtime struct {
	mu      sync.Mutex
	ort     *ort.Runtime
	env     *ort.Env
	open    int
	closing bool
}

// NewRuntime loads the ONNX Runtime shared library.
func NewRuntime(cfg RunnerConfig) (*Runtime, error) {
	if cfg.APIVersion == 0 {
		cfg.APIVersion = 23
	}

	rt, err := ort.NewRuntime(cfg.LibraryPath, cfg.APIVersion)
	if err != nil {
		return nil, fmt.Errorf("ort runtime %s: %w", cfg.LibraryPath, err)
	}

	env, err := rt.NewEnv("pipeserve", ort.LoggingLevelWarning)
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("ort env: %w", err)
	}

	return &Runtime{ort: rt, env: env}, nil
}

// Compile opens an ORT session for the model file.
func (r *Runtime) Compile(_ context.Context, model inference.Model) (inference.Executable, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return nil, dagerr.Errorf(dagerr.RuntimeInference, "compile %q: runtime closed", model.Name)
	}
	if err := checkPrecisions(model); err != nil {
		return nil, err
	}

	session, err := r.ort.NewSession(r.env, model.Path, nil)
	if err != nil {
		return nil, dagerr.Errorf(dagerr.RuntimeInference, "ort session for %q (%s): %w", model.Name, model.Path, err)
	}
	r.open++

	return &Executable{rt: r, model: model, session: session}, nil
}

// Close releases the ORT environment and runtime. Sessions still open keep
// it alive until they are closed.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closing = true
	return r.shutdownLocked()
}

func (r *Runtime) sessionClosed() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open--
	return r.shutdownLocked()
}

func (r *Runtime) shutdownLocked() error {
	if !r.closing || r.open > 0 || r.ort == nil {
		return nil
	}
	r.env.Close()
	r.env = nil
	err := r.ort.Close()
	r.ort = nil
	return err
}

// Executable wraps an ORT session for a single model.
type Executable struct {
	rt      *Runtime
	model   inference.Model
	session *ort.Session

	closeOnce sync.Once
	closeErr  error
}

func (e *Executable) Name() string { return e.model.Name }

func (e *Executable) Inputs() []tensor.Info { return e.model.Inputs }

func (e *Executable) Outputs() []tensor.Info { return e.model.Outputs }

// Infer runs the model. Outputs keep their ORT value alive until released.
func (e *Executable) Infer(ctx context.Context, inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	ortInputs := make(map[string]*ort.Value, len(inputs))
	for name, t := range inputs {
		v, err := tensorToORT(e.rt.ort, t)
		if err != nil {
			closeORTValues(ortInputs)
			return nil, fmt.Errorf("input %q: %w", name, err)
		}

		ortInputs[name] = v
	}

	ortOutputs, err := e.session.Run(ctx, ortInputs)
	closeORTValues(ortInputs)
	goruntime.KeepAlive(inputs)
	if err != nil {
		return nil, dagerr.Errorf(dagerr.RuntimeInference, "run %q: %w", e.model.Name, err)
	}

	results := make(map[string]*tensor.Tensor, len(ortOutputs))
	for name, v := range ortOutputs {
		t, err := ortToTensor(name, v)
		if err != nil {
			delete(ortOutputs, name)
			v.Close()
			closeORTValues(ortOutputs)
			_ = inference.ReleaseAll(results)
			return nil, fmt.Errorf("output %q: %w", name, err)
		}

		delete(ortOutputs, name)
		results[name] = t
	}

	return results, nil
}

// Close releases the ORT session. Safe to call multiple times.
func (e *Executable) Close() error {
	e.closeOnce.Do(func() {
		e.session.Close()
		e.closeErr = e.rt.sessionClosed()
	})
	return e.closeErr
}

type ortValue struct {
	v *ort.Value
}

func (o ortValue) Deallocate() error {
	o.v.Close()
	return nil
}

func tensorToORT(rt *ort.Runtime, t *tensor.Tensor) (*ort.Value, error) {
	switch t.Precision() {
	case tensor.FP32:
		return newORTValue[float32](rt, t)
	case tensor.U8:
		return newORTValue[uint8](rt, t)
	case tensor.I8:
		return newORTValue[int8](rt, t)
	case tensor.I16:
		return newORTValue[int16](rt, t)
	case tensor.U16:
		return newORTValue[uint16](rt, t)
	case tensor.I32:
		return newORTValue[int32](rt, t)
	default:
		return nil, dagerr.Errorf(dagerr.Validation, "tensor %q: precision %s is not supported by the ONNX runtime", t.Name(), t.Precision())
	}
}

func newORTValue[T ortElement](rt *ort.Runtime, t *tensor.Tensor) (*ort.Value, error) {
	data, err := tensor.View[T](t)
	if err != nil {
		return nil, err
	}
	return ort.NewTensorValue(rt, data, t.Shape())
}

func ortToTensor(name string, v *ort.Value) (*tensor.Tensor, error) {
	elemType, err := v.GetTensorElementType()
	if err != nil {
		return nil, fmt.Errorf("get element type: %w", err)
	}

	switch elemType {
	case ort.ONNXTensorElementDataTypeFloat:
		return fromORT[float32](name, tensor.FP32, v)
	case ort.ONNXTensorElementDataTypeUint8:
		return fromORT[uint8](name, tensor.U8, v)
	case ort.ONNXTensorElementDataTypeInt8:
		return fromORT[int8](name, tensor.I8, v)
	case ort.ONNXTensorElementDataTypeInt16:
		return fromORT[int16](name, tensor.I16, v)
	case ort.ONNXTensorElementDataTypeUint16:
		return fromORT[uint16](name, tensor.U16, v)
	case ort.ONNXTensorElementDataTypeInt32:
		return fromORT[int32](name, tensor.I32, v)
	default:
		return nil, dagerr.Errorf(dagerr.Validation, "unsupported ORT element type %d", elemType)
	}
}

// ortElement lists the element types exchanged with ONNX Runtime.
type ortElement interface {
	float32 | uint8 | int8 | int16 | uint16 | int32
}

func fromORT[T ortElement](name string, precision tensor.Precision, v *ort.Value) (*tensor.Tensor, error) {
	data, shape, err := ort.GetTensorData[T](v)
	if err != nil {
		return nil, err
	}
	return tensor.New(name, precision, shape, tensor.NewRuntimeBuffer(rawBytes(data), ortValue{v}))
}

func rawBytes[T ortElement](data []T) []byte {
	if len(data) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(data))), len(data)*int(unsafe.Sizeof(zero)))
}

func closeORTValues(vals map[string]*ort.Value) {
	for _, v := range vals {
		if v != nil {
			v.Close()
		}
	}
}
