package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/example/go-pipeserve/internal/config"
	"github.com/example/go-pipeserve/internal/dagerr"
	"github.com/example/go-pipeserve/internal/pipeline"
	"github.com/example/go-pipeserve/internal/tensor"
)

// ParseLogLevel converts a case-insensitive level string to slog.Level.
// An empty string returns slog.LevelInfo. Unknown strings return an error.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (want debug|info|warn|error)", s)
	}
}

// PipelineInfo describes one servable pipeline.
type PipelineInfo struct {
	Name    string        `json:"name"`
	Inputs  []tensor.Info `json:"inputs"`
	Outputs []string      `json:"outputs"`
}

// Executor runs requests through named pipelines.
type Executor interface {
	Pipelines() []PipelineInfo
	Submit(ctx context.Context, name string, inputs map[string]*tensor.Tensor) (*pipeline.Response, error)
}

// FromSet adapts a pipeline set to Executor.
func FromSet(set *pipeline.Set) Executor {
	return setExecutor{set}
}

type setExecutor struct {
	*pipeline.Set
}

func (s setExecutor) Pipelines() []PipelineInfo {
	names := s.Names()
	out := make([]PipelineInfo, 0, len(names))
	for _, name := range names {
		p := s.Get(name)
		out = append(out, PipelineInfo{Name: name, Inputs: p.Inputs(), Outputs: p.Outputs()})
	}
	return out
}

// ---------------------------------------------------------------------------
// Functional options
// ---------------------------------------------------------------------------

type options struct {
	maxBodyBytes   int64
	workers        int
	requestTimeout time.Duration
	logger         *slog.Logger
	metrics        http.Handler
}

func defaultOptions() options {
	return options{
		maxBodyBytes:   8 << 20,
		workers:        4,
		requestTimeout: 60 * time.Second,
		logger:         slog.Default(),
	}
}

// Option configures the HTTP handler.
type Option func(*options)

// WithMaxBodyBytes caps the size of an inference request body.
func WithMaxBodyBytes(n int64) Option {
	return func(o *options) { o.maxBodyBytes = n }
}

// WithWorkers sets the maximum number of concurrent inference requests.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithRequestTimeout sets the per-request deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithLogger sets the slog.Logger used for request logging.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(o *options) { o.metrics = h }
}

// ---------------------------------------------------------------------------
// handler
// ---------------------------------------------------------------------------

type handler struct {
	exec Executor
	opts options
	sem  chan struct{} // semaphore for worker pool
	log  *slog.Logger
}

// NewHandler returns an http.Handler that serves /health, /pipelines,
// POST /pipelines/{name}/infer and, when configured, /metrics.
func NewHandler(exec Executor, optFns ...Option) http.Handler {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.logger == nil {
		opts.logger = slog.Default()
	}

	h := &handler{
		exec: exec,
		opts: opts,
		log:  opts.logger,
	}
	if opts.workers > 0 {
		h.sem = make(chan struct{}, opts.workers)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /pipelines", h.handlePipelines)
	mux.HandleFunc("POST /pipelines/{name}/infer", h.handleInfer)
	if opts.metrics != nil {
		mux.Handle("GET /metrics", opts.metrics)
	}
	return mux
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": buildVersion(),
	})
}

func (h *handler) handlePipelines(w http.ResponseWriter, _ *http.Request) {
	pipelines := h.exec.Pipelines()
	if pipelines == nil {
		pipelines = []PipelineInfo{}
	}
	writeJSON(w, http.StatusOK, pipelines)
}

func (h *handler) handleInfer(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var req inferRequest
	body := http.MaxBytesReader(w, r.Body, h.opts.maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("request body exceeds maximum size of %d bytes", h.opts.maxBodyBytes))
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	inputs, err := req.tensors()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Acquire a worker slot, honouring cancellation while waiting.
	if h.sem != nil {
		select {
		case h.sem <- struct{}{}:
		case <-r.Context().Done():
			writeError(w, http.StatusServiceUnavailable, "request cancelled while waiting for worker")
			return
		}
		defer func() { <-h.sem }()
	}

	ctx := r.Context()
	if h.opts.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opts.requestTimeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := h.exec.Submit(ctx, name, inputs)
	durationMS := time.Since(start).Milliseconds()

	if err != nil {
		status := statusFor(err)
		level := slog.LevelError
		if status < http.StatusInternalServerError || status == http.StatusGatewayTimeout {
			level = slog.LevelWarn
		}
		h.log.Log(r.Context(), level, "inference failed",
			slog.String("pipeline", name),
			slog.String("node", dagerr.NodeOf(err)),
			slog.String("kind", dagerr.KindOf(err).String()),
			slog.Int64("duration_ms", durationMS),
			slog.String("error", err.Error()),
		)
		writeError(w, status, err.Error())
		return
	}

	out, err := encodeResponse(resp)
	if err != nil {
		h.log.ErrorContext(r.Context(), "encode response failed",
			slog.String("pipeline", name),
			slog.String("session", string(resp.Key)),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.log.InfoContext(r.Context(), "inference complete",
		slog.String("pipeline", name),
		slog.String("session", string(resp.Key)),
		slog.Int("inputs", len(inputs)),
		slog.Int("outputs", len(out.Outputs)),
		slog.Int64("duration_ms", durationMS),
	)
	writeJSON(w, http.StatusOK, out)
}

// statusFor maps a pipeline error onto an HTTP status.
func statusFor(err error) int {
	if errors.Is(err, pipeline.ErrUnknownPipeline) {
		return http.StatusNotFound
	}
	switch dagerr.KindOf(err) {
	case dagerr.Validation:
		return http.StatusBadRequest
	case dagerr.Timeout:
		return http.StatusGatewayTimeout
	case dagerr.CustomLibrary, dagerr.RuntimeInference:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON marshals v before committing the status, so an unencodable
// value becomes a 500 instead of an empty success.
func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body, _ = json.Marshal(map[string]string{"error": "encode response: " + err.Error()})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ---------------------------------------------------------------------------
// Server, wiring the handler into net/http.Server with graceful shutdown
// ---------------------------------------------------------------------------

// Server wires the HTTP handler into a net/http.Server with graceful shutdown.
type Server struct {
	cfg             config.Config
	exec            Executor
	opts            []Option
	shutdownTimeout time.Duration
}

// New creates a server for exec. Extra options are applied after the ones
// derived from cfg.
func New(cfg config.Config, exec Executor, opts ...Option) *Server {
	shutdown := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
	if shutdown <= 0 {
		shutdown = 30 * time.Second
	}
	return &Server{
		cfg:             cfg,
		exec:            exec,
		opts:            opts,
		shutdownTimeout: shutdown,
	}
}

// WithShutdownTimeout overrides the graceful-shutdown drain period.
func (s *Server) WithShutdownTimeout(d time.Duration) *Server {
	s.shutdownTimeout = d
	return s
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	if s.exec == nil {
		return errors.New("server: no pipelines to serve")
	}

	handlerOpts := append([]Option{
		WithWorkers(s.cfg.Server.Workers),
		WithMaxBodyBytes(s.cfg.Server.MaxBodyBytes),
		WithRequestTimeout(time.Duration(s.cfg.Server.RequestTimeout) * time.Second),
	}, s.opts...)

	h := NewHandler(s.exec, handlerOpts...)

	httpServer := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http listen: %w", err)
	}
}

func ProbeHTTP(addr string) error {
	resp, err := http.Get("http://" + addr + "/health") //nolint:noctx
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected health status: %s", resp.Status)
	}
	return nil
}
