//go:build windows || (js && wasm)

package onnx

import (
	"context"
	"runtime"

	"github.com/example/go-pipeserve/internal/dagerr"
	"github.com/example/go-pipeserve/internal/inference"
)

// RunnerConfig holds ORT library settings for creating a runtime.
// Native ORT support is unavailable on this platform.
type RunnerConfig struct {
	LibraryPath string
	APIVersion  uint32
}

// Runtime is unavailable on this platform.
type Runtime struct{}

// NewRuntime always returns an error on this platform.
func NewRuntime(RunnerConfig) (*Runtime, error) {
	return nil, dagerr.Errorf(dagerr.RuntimeInference, "native onnx runtime is unavailable on %s/%s", runtime.GOOS, runtime.GOARCH)
}

// Compile always returns an error on this platform.
func (r *Runtime) Compile(_ context.Context, model inference.Model) (inference.Executable, error) {
	return nil, dagerr.Errorf(dagerr.RuntimeInference, "native onnx runtime is unavailable for model %q", model.Name)
}

// Close is a no-op on this platform.
func (r *Runtime) Close() error { return nil }
