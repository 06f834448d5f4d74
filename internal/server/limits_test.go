package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/go-pipeserve/internal/dagerr"
	"github.com/example/go-pipeserve/internal/pipeline"
	"github.com/example/go-pipeserve/internal/server"
	"github.com/example/go-pipeserve/internal/tensor"
)

const smallRequest = `{"inputs":[{"name":"x","precision":"fp32","shape":[1,3],"data":[1,2,3]}]}`

// ---------------------------------------------------------------------------
// request limits
// ---------------------------------------------------------------------------

func TestInfer_OversizedBodyRejectedAs413(t *testing.T) {
	h := server.NewHandler(doubling(), server.WithMaxBodyBytes(16))

	rec := postInfer(h, "double", smallRequest)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("want 413, got %d", rec.Code)
	}

	var errBody map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&errBody); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if errBody["error"] == "" {
		t.Error("want non-empty error field")
	}
}

func TestInfer_BodyAtExactLimitIsAccepted(t *testing.T) {
	h := server.NewHandler(doubling(), server.WithMaxBodyBytes(int64(len(smallRequest))))

	rec := postInfer(h, "double", smallRequest)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200 for exactly-limit body, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestInfer_RequestTimeoutReachesExecutor(t *testing.T) {
	exec := &stubExecutor{submit: func(ctx context.Context, _ string, _ map[string]*tensor.Tensor) (*pipeline.Response, error) {
		<-ctx.Done()
		return nil, dagerr.Wrap(dagerr.Timeout, "", ctx.Err())
	}}
	h := server.NewHandler(exec, server.WithRequestTimeout(20*time.Millisecond))

	rec := postInfer(h, "double", smallRequest)
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("want 504 on timeout, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// error kind mapping
// ---------------------------------------------------------------------------

func TestInfer_ErrorKindsMapToStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", dagerr.New(dagerr.Validation, "bad shape"), http.StatusBadRequest},
		{"unknown pipeline", fmt.Errorf("%w %q", pipeline.ErrUnknownPipeline, "nope"), http.StatusNotFound},
		{"timeout", dagerr.Wrap(dagerr.Timeout, "", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"bare deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"custom library", dagerr.Wrap(dagerr.CustomLibrary, "scale", errors.New("execute returned 1")), http.StatusBadGateway},
		{"runtime", dagerr.New(dagerr.RuntimeInference, "session run failed"), http.StatusBadGateway},
		{"graph", dagerr.New(dagerr.GraphConfiguration, "closed"), http.StatusInternalServerError},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &stubExecutor{submit: func(context.Context, string, map[string]*tensor.Tensor) (*pipeline.Response, error) {
				return nil, tt.err
			}}
			rec := postInfer(server.NewHandler(exec), "double", smallRequest)
			if rec.Code != tt.want {
				t.Fatalf("want %d, got %d", tt.want, rec.Code)
			}
			var errBody map[string]string
			if err := json.NewDecoder(rec.Body).Decode(&errBody); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if !strings.Contains(errBody["error"], tt.err.Error()) {
				t.Errorf("want error %q in body, got %q", tt.err.Error(), errBody["error"])
			}
		})
	}
}

// ---------------------------------------------------------------------------
// worker pool / concurrency throttling
// ---------------------------------------------------------------------------

func TestInfer_ConcurrencyThrottling(t *testing.T) {
	const workers = 2
	const totalRequests = 5

	var (
		mu         sync.Mutex
		peak       int
		current    int32
		releaseAll = make(chan struct{})
	)
	inner := doubling().submit
	exec := &stubExecutor{submit: func(ctx context.Context, name string, inputs map[string]*tensor.Tensor) (*pipeline.Response, error) {
		n := int(atomic.AddInt32(&current, 1))
		defer atomic.AddInt32(&current, -1)

		mu.Lock()
		if n > peak {
			peak = n
		}
		mu.Unlock()
		<-releaseAll
		return inner(ctx, name, inputs)
	}}

	h := server.NewHandler(exec, server.WithWorkers(workers))

	var wg sync.WaitGroup
	codes := make([]int, totalRequests)
	for i := range totalRequests {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			codes[idx] = postInfer(h, "double", smallRequest).Code
		}(i)
	}

	// Give goroutines time to reach the executor.
	time.Sleep(50 * time.Millisecond)
	close(releaseAll)
	wg.Wait()

	mu.Lock()
	got := peak
	mu.Unlock()

	if got > workers {
		t.Errorf("peak concurrency %d exceeded worker limit %d", got, workers)
	}
	for i, code := range codes {
		if code != http.StatusOK {
			t.Errorf("request %d: want 200, got %d", i, code)
		}
	}
}

func TestInfer_WaiterCancelledWhileThrottled(t *testing.T) {
	release := make(chan struct{})
	exec := &stubExecutor{submit: func(ctx context.Context, _ string, _ map[string]*tensor.Tensor) (*pipeline.Response, error) {
		select {
		case <-release:
			return &pipeline.Response{Key: "k"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	h := server.NewHandler(exec, server.WithWorkers(1))

	// First request occupies the single worker slot.
	done := make(chan struct{})
	go func() {
		defer close(done)
		postInfer(h, "double", smallRequest)
	}()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	rec := postInferContext(ctx, h, "double", smallRequest)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("want 503 when the waiter is cancelled, got %d", rec.Code)
	}

	close(release)
	<-done
}
