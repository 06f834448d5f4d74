package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/go-pipeserve/internal/tensor"
)

type countingDeallocator struct {
	calls int
}

func (d *countingDeallocator) Deallocate() error {
	d.calls++
	return nil
}

func ownedTensor(t *testing.T, name string, d *countingDeallocator) *tensor.Tensor {
	t.Helper()
	out, err := tensor.New(name, tensor.U8, []int64{2}, tensor.NewRuntimeBuffer([]byte{1, 2}, d))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return out
}

func TestEventQueueIsFIFO(t *testing.T) {
	q := NewEventQueue()
	for _, node := range []string{"a", "b", "c"} {
		if !q.Push(Event{Node: node}) {
			t.Fatalf("push %s refused", node)
		}
	}
	if q.Len() != 3 {
		t.Fatalf("want 3 queued, got %d", q.Len())
	}
	for _, want := range []string{"a", "b", "c"} {
		ev, err := q.Pop(context.Background())
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if ev.Node != want {
			t.Fatalf("want %s, got %s", want, ev.Node)
		}
	}
}

func TestEventQueuePopWaitsForPush(t *testing.T) {
	q := NewEventQueue()
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Push(Event{Node: "late"})
	}()
	ev, err := q.Pop(context.Background())
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if ev.Node != "late" {
		t.Fatalf("want late, got %s", ev.Node)
	}
}

func TestEventQueuePopHonoursContext(t *testing.T) {
	q := NewEventQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := q.Pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded, got %v", err)
	}
}

func TestEventQueueCloseReturnsLeftoversAndRefusesPushes(t *testing.T) {
	q := NewEventQueue()
	q.Push(Event{Node: "left"})

	left := q.Close(nil)
	if len(left) != 1 || left[0].Node != "left" {
		t.Fatalf("want one leftover event, got %v", left)
	}

	var d countingDeallocator
	if q.Push(Event{Node: "refused", Outputs: map[string]*tensor.Tensor{"x": ownedTensor(t, "x", &d)}}) {
		t.Fatal("want push after close refused")
	}
	if d.calls != 1 {
		t.Fatalf("want refused outputs released once, got %d", d.calls)
	}
	if _, err := q.Pop(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("want ErrQueueClosed, got %v", err)
	}
	if q.Close(nil) != nil {
		t.Fatal("want second close to return nothing")
	}
}

func TestEventQueueDrainWaitsForDispatched(t *testing.T) {
	q := NewEventQueue()
	if !q.dispatch() {
		t.Fatal("dispatch refused")
	}

	drained := 0
	q.Close(func() { drained++ })
	if drained != 0 {
		t.Fatal("want drain deferred while an execution is pending")
	}
	if q.dispatch() {
		t.Fatal("want dispatch refused after close")
	}

	q.done()
	if drained != 1 {
		t.Fatalf("want drained once, got %d", drained)
	}
	if q.Pending() != 0 {
		t.Fatalf("want no pending executions, got %d", q.Pending())
	}
}

func TestEventQueueDrainsImmediatelyWhenIdle(t *testing.T) {
	q := NewEventQueue()
	drained := 0
	q.Close(func() { drained++ })
	if drained != 1 {
		t.Fatalf("want drained once, got %d", drained)
	}
}
