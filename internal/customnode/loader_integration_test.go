//go:build integration

package customnode_test

import (
	"slices"
	"testing"

	"github.com/example/go-pipeserve/internal/customnode"
	"github.com/example/go-pipeserve/internal/tensor"
	"github.com/example/go-pipeserve/internal/testutil"
)

func TestSharedObjectExecute(t *testing.T) {
	path := testutil.RequireCustomNodeLibrary(t)

	reg := customnode.NewRegistry()
	lib, err := reg.Acquire(customnode.Spec{BasePath: path})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer func() {
		if err := reg.Release(lib); err != nil {
			t.Errorf("Release: %v", err)
		}
	}()

	if _, err := lib.InputsInfo(); err != nil {
		t.Fatalf("InputsInfo: %v", err)
	}
	if _, err := lib.OutputsInfo(); err != nil {
		t.Fatalf("OutputsInfo: %v", err)
	}

	in, err := tensor.FromSlice("in", []float32{1, 2, 3}, []int64{1, 3})
	if err != nil {
		t.Fatalf("FromSlice: %v", err)
	}
	outputs, err := lib.Execute([]*tensor.Tensor{in})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(outputs) != 1 {
		t.Fatalf("want 1 output, got %d", len(outputs))
	}
	defer func() { _ = outputs[0].Release() }()

	got, err := tensor.Values[float32](outputs[0])
	if err != nil {
		t.Fatalf("Values: %v", err)
	}
	if want := []float32{2, 4, 6}; !slices.Equal(got, want) {
		t.Fatalf("want %v, got %v", want, got)
	}
}
