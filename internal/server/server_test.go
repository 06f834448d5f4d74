package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/example/go-pipeserve/internal/pipeline"
	"github.com/example/go-pipeserve/internal/server"
	"github.com/example/go-pipeserve/internal/tensor"
)

// stubExecutor implements server.Executor for tests.
type stubExecutor struct {
	pipelines []server.PipelineInfo
	submit    func(ctx context.Context, name string, inputs map[string]*tensor.Tensor) (*pipeline.Response, error)
}

func (s *stubExecutor) Pipelines() []server.PipelineInfo {
	return s.pipelines
}

func (s *stubExecutor) Submit(ctx context.Context, name string, inputs map[string]*tensor.Tensor) (*pipeline.Response, error) {
	return s.submit(ctx, name, inputs)
}

// doubling returns an executor whose every pipeline doubles fp32 input x
// into output y.
func doubling() *stubExecutor {
	return &stubExecutor{
		submit: func(_ context.Context, _ string, inputs map[string]*tensor.Tensor) (*pipeline.Response, error) {
			values, err := tensor.Values[float32](inputs["x"])
			if err != nil {
				return nil, err
			}
			for i := range values {
				values[i] *= 2
			}
			y, err := tensor.FromSlice("y", values, inputs["x"].Shape())
			if err != nil {
				return nil, err
			}
			return &pipeline.Response{Key: "session-1", Outputs: map[string]*tensor.Tensor{"y": y}}, nil
		},
	}
}

func postInfer(h http.Handler, pipelineName, body string) *httptest.ResponseRecorder {
	return postInferContext(context.Background(), h, pipelineName, body)
}

func postInferContext(ctx context.Context, h http.Handler, pipelineName, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequestWithContext(ctx, http.MethodPost, "/pipelines/"+pipelineName+"/infer", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rec, req)
	return rec
}

// ---------------------------------------------------------------------------
// GET /health
// ---------------------------------------------------------------------------

func TestHealth_Returns200WithStatusOK(t *testing.T) {
	h := server.NewHandler(&stubExecutor{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}

	var body map[string]string
	err := json.NewDecoder(rec.Body).Decode(&body)
	if err != nil {
		t.Fatalf("decode body: %v", err)
	}

	if body["status"] != "ok" {
		t.Errorf("want status=ok, got %q", body["status"])
	}

	if _, ok := body["version"]; !ok {
		t.Error("want version field in response")
	}
}

// ---------------------------------------------------------------------------
// GET /pipelines
// ---------------------------------------------------------------------------

func TestPipelines_ReturnsJSONArray(t *testing.T) {
	exec := &stubExecutor{pipelines: []server.PipelineInfo{
		{Name: "double", Inputs: []tensor.Info{{Name: "x", Precision: tensor.FP32, Shape: []int64{1, 3}}}, Outputs: []string{"y"}},
		{Name: "chain", Outputs: []string{"y", "raw"}},
	}}
	h := server.NewHandler(exec)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/pipelines", nil)
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}

	var got []server.PipelineInfo
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 pipelines, got %d", len(got))
	}
	if got[0].Name != "double" || got[0].Inputs[0].Precision != tensor.FP32 {
		t.Errorf("unexpected first pipeline: %+v", got[0])
	}
}

func TestPipelines_ReturnsEmptyArrayWhenNone(t *testing.T) {
	h := server.NewHandler(&stubExecutor{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/pipelines", nil)
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}
	if body := rec.Body.String(); body != "[]\n" {
		t.Errorf("want empty array, got %q", body)
	}
}

// ---------------------------------------------------------------------------
// POST /pipelines/{name}/infer
// ---------------------------------------------------------------------------

func TestInfer_ReturnsOutputsOnSuccess(t *testing.T) {
	var gotName string
	exec := doubling()
	inner := exec.submit
	exec.submit = func(ctx context.Context, name string, inputs map[string]*tensor.Tensor) (*pipeline.Response, error) {
		gotName = name
		return inner(ctx, name, inputs)
	}
	h := server.NewHandler(exec)

	rec := postInfer(h, "double", `{"inputs":[{"name":"x","precision":"fp32","shape":[1,3],"data":[1,2,3]}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	if gotName != "double" {
		t.Errorf("want pipeline double, got %q", gotName)
	}

	var body struct {
		Session string `json:"session"`
		Outputs []struct {
			Name      string    `json:"name"`
			Precision string    `json:"precision"`
			Shape     []int64   `json:"shape"`
			Data      []float64 `json:"data"`
		} `json:"outputs"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Session != "session-1" {
		t.Errorf("want session-1, got %q", body.Session)
	}
	if len(body.Outputs) != 1 {
		t.Fatalf("want 1 output, got %d", len(body.Outputs))
	}
	out := body.Outputs[0]
	if out.Name != "y" || out.Precision != "fp32" {
		t.Errorf("want y fp32, got %s %s", out.Name, out.Precision)
	}
	want := []float64{2, 4, 6}
	for i := range want {
		if out.Data[i] != want[i] {
			t.Fatalf("want %v, got %v", want, out.Data)
		}
	}
}

func TestInfer_InvalidJSONReturns400(t *testing.T) {
	h := server.NewHandler(doubling())

	rec := postInfer(h, "double", `{"inputs":`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", rec.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body["error"] == "" {
		t.Error("want non-empty error field")
	}
}

func TestInfer_MalformedTensorsReturn400(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"shape mismatch", `{"inputs":[{"name":"x","precision":"fp32","shape":[2,2],"data":[1,2,3]}]}`},
		{"unknown precision", `{"inputs":[{"name":"x","precision":"complex","shape":[1],"data":[1]}]}`},
		{"missing precision", `{"inputs":[{"name":"x","shape":[1],"data":[1]}]}`},
		{"u8 out of range", `{"inputs":[{"name":"x","precision":"u8","shape":[1],"data":[300]}]}`},
		{"fractional integer", `{"inputs":[{"name":"x","precision":"i32","shape":[1],"data":[1.5]}]}`},
		{"duplicate name", `{"inputs":[{"name":"x","precision":"u8","shape":[1],"data":[1]},{"name":"x","precision":"u8","shape":[1],"data":[1]}]}`},
		{"unnamed", `{"inputs":[{"precision":"u8","shape":[1],"data":[1]}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			exec := &stubExecutor{submit: func(context.Context, string, map[string]*tensor.Tensor) (*pipeline.Response, error) {
				called = true
				return nil, nil
			}}
			rec := postInfer(server.NewHandler(exec), "double", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("want 400, got %d (body: %s)", rec.Code, rec.Body.String())
			}
			if called {
				t.Fatal("want executor not called")
			}
		})
	}
}

func TestInfer_NonFiniteOutputReturns500(t *testing.T) {
	exec := &stubExecutor{submit: func(context.Context, string, map[string]*tensor.Tensor) (*pipeline.Response, error) {
		y, err := tensor.FromSlice("y", []float32{float32(math.NaN()), float32(math.Inf(1))}, []int64{1, 2})
		if err != nil {
			return nil, err
		}
		return &pipeline.Response{Key: "session-1", Outputs: map[string]*tensor.Tensor{"y": y}}, nil
	}}
	h := server.NewHandler(exec)

	rec := postInfer(h, "p", `{"inputs":[]}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("want 500, got %d (body: %q)", rec.Code, rec.Body.String())
	}

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !strings.Contains(body["error"], `output "y"`) {
		t.Errorf("want error naming output y, got %q", body["error"])
	}
}

func TestInfer_GETNotAllowed(t *testing.T) {
	h := server.NewHandler(doubling())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/pipelines/double/infer", nil)
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("want 405, got %d", rec.Code)
	}
}

func TestInfer_RoundTripsEveryPrecision(t *testing.T) {
	exec := &stubExecutor{submit: func(_ context.Context, _ string, inputs map[string]*tensor.Tensor) (*pipeline.Response, error) {
		return &pipeline.Response{Key: "echo", Outputs: inputs}, nil
	}}
	h := server.NewHandler(exec)

	for _, precision := range []string{"fp32", "fp16", "u8", "i8", "i16", "u16", "i32"} {
		t.Run(precision, func(t *testing.T) {
			rec := postInfer(h, "echo", `{"inputs":[{"name":"v","precision":"`+precision+`","shape":[2],"data":[1,7]}]}`)
			if rec.Code != http.StatusOK {
				t.Fatalf("want 200, got %d (body: %s)", rec.Code, rec.Body.String())
			}
			var body struct {
				Outputs []struct {
					Precision string    `json:"precision"`
					Data      []float64 `json:"data"`
				} `json:"outputs"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			out := body.Outputs[0]
			if out.Precision != precision {
				t.Errorf("want precision %s, got %s", precision, out.Precision)
			}
			if len(out.Data) != 2 || out.Data[0] != 1 || out.Data[1] != 7 {
				t.Errorf("want [1 7], got %v", out.Data)
			}
		})
	}
}
