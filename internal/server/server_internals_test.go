package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/go-pipeserve/internal/config"
	"github.com/example/go-pipeserve/internal/tensor"
)

// --- New & WithShutdownTimeout ---

func TestNew_ShutdownTimeoutFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.ShutdownTimeout = 7

	s := New(cfg, nil)
	if s == nil {
		t.Fatal("New() returned nil")
	}

	if s.shutdownTimeout != 7*time.Second {
		t.Errorf("shutdownTimeout = %v; want 7s", s.shutdownTimeout)
	}
}

func TestNew_DefaultShutdownTimeout(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.ShutdownTimeout = 0

	if s := New(cfg, nil); s.shutdownTimeout != 30*time.Second {
		t.Errorf("shutdownTimeout = %v; want 30s", s.shutdownTimeout)
	}
}

func TestWithShutdownTimeout_Chaining(t *testing.T) {
	cfg := config.DefaultConfig()
	s := New(cfg, nil)
	returned := s.WithShutdownTimeout(10 * time.Second)
	// Must return the same *Server for chaining.
	if returned != s {
		t.Error("WithShutdownTimeout should return the same *Server")
	}
	if s.shutdownTimeout != 10*time.Second {
		t.Errorf("shutdownTimeout = %v; want 10s", s.shutdownTimeout)
	}
}

// --- codec ---

func TestDecodeRejectsShapeMismatch(t *testing.T) {
	w := wireTensor{Name: "x", Precision: tensor.FP32, Shape: []int64{2}, Data: []float64{1}}
	if _, err := w.decode(); err == nil {
		t.Error("decode() = nil; want error for shape mismatch")
	}
}

func TestDecodeFP16KeepsBitPatterns(t *testing.T) {
	w := wireTensor{Name: "h", Precision: tensor.FP16, Shape: []int64{2}, Data: []float64{0x3c00, 0xc000}}
	got, err := w.decode()
	if err != nil {
		t.Fatalf("decode() error = %v", err)
	}
	if got.Precision() != tensor.FP16 || len(got.Bytes()) != 4 {
		t.Fatalf("decode() = %s with %d bytes; want fp16 with 4 bytes", got.Precision(), len(got.Bytes()))
	}

	back, err := encode("h", got)
	if err != nil {
		t.Fatalf("encode() error = %v", err)
	}
	if back.Data[0] != 0x3c00 || back.Data[1] != 0xc000 {
		t.Errorf("encode() data = %v; want the original bit patterns", back.Data)
	}
}

// --- ProbeHTTP ---

func TestProbeHTTP_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	// ProbeHTTP uses "http://" prefix + addr, so strip the scheme.
	addr := srv.Listener.Addr().String()

	err := ProbeHTTP(addr)
	if err != nil {
		t.Errorf("ProbeHTTP(%q) = %v; want nil", addr, err)
	}
}

func TestProbeHTTP_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	addr := srv.Listener.Addr().String()

	err := ProbeHTTP(addr)
	if err == nil {
		t.Error("ProbeHTTP() = nil; want error for non-200 response")
	}
}

func TestProbeHTTP_ConnectionRefused(t *testing.T) {
	err := ProbeHTTP("127.0.0.1:1")
	if err == nil {
		t.Error("ProbeHTTP() = nil; want error for unreachable host")
	}
}

// --- Start without pipelines ---

func TestStart_NoExecutor(t *testing.T) {
	cfg := config.DefaultConfig()
	s := New(cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	err := s.Start(ctx)
	if err == nil {
		t.Error("Start() = nil; want error without pipelines")
	}
}

// --- Functional options ---

func TestOptions_WithMaxBodyBytes(t *testing.T) {
	opts := defaultOptions()
	WithMaxBodyBytes(1024)(&opts)

	if opts.maxBodyBytes != 1024 {
		t.Errorf("maxBodyBytes = %d; want 1024", opts.maxBodyBytes)
	}
}

func TestOptions_WithWorkers(t *testing.T) {
	opts := defaultOptions()
	WithWorkers(8)(&opts)

	if opts.workers != 8 {
		t.Errorf("workers = %d; want 8", opts.workers)
	}
}

func TestOptions_WithRequestTimeout(t *testing.T) {
	opts := defaultOptions()
	WithRequestTimeout(90 * time.Second)(&opts)

	if opts.requestTimeout != 90*time.Second {
		t.Errorf("requestTimeout = %v; want 90s", opts.requestTimeout)
	}
}

func TestOptions_WithLogger(t *testing.T) {
	// A nil logger falls back to the default when the handler is built.
	h := NewHandler(nil, WithLogger(nil))
	if h == nil {
		t.Fatal("NewHandler() returned nil")
	}
}
