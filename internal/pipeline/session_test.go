package pipeline_test

import (
	"fmt"
	"testing"

	"pgregory.net/rapid"

	"github.com/example/go-pipeserve/internal/dagerr"
	"github.com/example/go-pipeserve/internal/pipeline"
	"github.com/example/go-pipeserve/internal/tensor"
)

func scalar(t interface{ Fatalf(string, ...any) }, name string) *tensor.Tensor {
	out, err := tensor.FromSlice(name, []float32{1}, nil)
	if err != nil {
		t.Fatalf("FromSlice: %v", err)
	}
	return out
}

func TestSetInputReportsReadyOnceOnLastDelivery(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(rt, "inputs")
		names := make([]string, n)
		for i := range names {
			names[i] = fmt.Sprintf("in%d", i)
		}
		order := rapid.Permutation(names).Draw(rt, "order")

		s := pipeline.NewNodeSession("node", pipeline.NewSessionKey(), names)
		readies := 0
		for i, name := range order {
			ready, err := s.SetInput(name, scalar(rt, name))
			if err != nil {
				rt.Fatalf("SetInput(%s): %v", name, err)
			}
			if ready {
				readies++
				if i != len(order)-1 {
					rt.Fatalf("ready after delivery %d of %d", i+1, len(order))
				}
			}
		}
		if readies != 1 {
			rt.Fatalf("want exactly one ready report, got %d", readies)
		}
		if s.State() != pipeline.Ready {
			rt.Fatalf("want state ready, got %s", s.State())
		}
	})
}

func TestSetInputRejectsInvalidDeliveries(t *testing.T) {
	s := pipeline.NewNodeSession("node", pipeline.NewSessionKey(), []string{"a", "b"})

	if _, err := s.SetInput("a", scalar(t, "a")); err != nil {
		t.Fatalf("SetInput(a): %v", err)
	}

	tests := []struct {
		name  string
		input string
	}{
		{name: "twice", input: "a"},
		{name: "undeclared", input: "c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ready, err := s.SetInput(tt.input, scalar(t, tt.input))
			if ready {
				t.Fatal("want not ready")
			}
			if kind := dagerr.KindOf(err); kind != dagerr.GraphConfiguration {
				t.Fatalf("want graph configuration error, got %v (%v)", kind, err)
			}
			if s.State() != pipeline.Pending {
				t.Fatalf("want state pending, got %s", s.State())
			}
		})
	}

	if missing := s.Missing(); len(missing) != 1 || missing[0] != "b" {
		t.Fatalf("want missing [b], got %v", missing)
	}
	if ready, err := s.SetInput("b", scalar(t, "b")); err != nil || !ready {
		t.Fatalf("want ready, got %v, %v", ready, err)
	}
	if _, err := s.SetInput("b", scalar(t, "b")); err == nil {
		t.Fatal("want error delivering to a ready session")
	}
	if len(s.Inputs()) != 2 {
		t.Fatalf("want 2 inputs, got %d", len(s.Inputs()))
	}
}

func TestSessionWithoutInputsStartsReady(t *testing.T) {
	s := pipeline.NewNodeSession("node", pipeline.NewSessionKey(), nil)
	if s.State() != pipeline.Ready {
		t.Fatalf("want ready, got %s", s.State())
	}
}

func TestSessionKeysAreUnique(t *testing.T) {
	seen := make(map[pipeline.SessionKey]bool)
	for range 100 {
		key := pipeline.NewSessionKey()
		if seen[key] {
			t.Fatalf("duplicate key %s", key)
		}
		seen[key] = true
	}
}
