package server

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/example/go-pipeserve/internal/pipeline"
	"github.com/example/go-pipeserve/internal/tensor"
)

// wireTensor is the JSON form of a tensor. Data holds element values in
// row-major order; fp16 elements travel as their raw 16-bit patterns.
type wireTensor struct {
	Name      string           `json:"name"`
	Precision tensor.Precision `json:"precision"`
	Shape     []int64          `json:"shape"`
	Data      []float64        `json:"data"`
}

type inferRequest struct {
	Inputs []wireTensor `json:"inputs"`
}

type inferResponse struct {
	Session string       `json:"session"`
	Outputs []wireTensor `json:"outputs"`
}

// DecodeRequest reads an infer request body and returns its tensors by name.
func DecodeRequest(r io.Reader) (map[string]*tensor.Tensor, error) {
	var req inferRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return req.tensors()
}

// WriteResponse writes resp in the same form the infer endpoint returns.
func WriteResponse(w io.Writer, resp *pipeline.Response) error {
	out, err := encodeResponse(resp)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func (r inferRequest) tensors() (map[string]*tensor.Tensor, error) {
	out := make(map[string]*tensor.Tensor, len(r.Inputs))
	for _, in := range r.Inputs {
		if in.Name == "" {
			return nil, fmt.Errorf("input without a name")
		}
		if _, dup := out[in.Name]; dup {
			return nil, fmt.Errorf("input %q given twice", in.Name)
		}
		t, err := in.decode()
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", in.Name, err)
		}
		out[in.Name] = t
	}
	return out, nil
}

func (w wireTensor) decode() (*tensor.Tensor, error) {
	switch w.Precision {
	case tensor.FP32:
		return decodeAs[float32](w, -math.MaxFloat32, math.MaxFloat32, false)
	case tensor.U8:
		return decodeAs[uint8](w, 0, math.MaxUint8, true)
	case tensor.I8:
		return decodeAs[int8](w, math.MinInt8, math.MaxInt8, true)
	case tensor.I16:
		return decodeAs[int16](w, math.MinInt16, math.MaxInt16, true)
	case tensor.U16:
		return decodeAs[uint16](w, 0, math.MaxUint16, true)
	case tensor.I32:
		return decodeAs[int32](w, math.MinInt32, math.MaxInt32, true)
	case tensor.FP16:
		bits, err := convert[uint16](w.Data, 0, math.MaxUint16, true)
		if err != nil {
			return nil, err
		}
		raw := make([]byte, 2*len(bits))
		for i, b := range bits {
			binary.NativeEndian.PutUint16(raw[2*i:], b)
		}
		return tensor.New(w.Name, tensor.FP16, w.Shape, tensor.NewEngineBuffer(raw))
	default:
		return nil, fmt.Errorf("unsupported precision %s", w.Precision)
	}
}

func decodeAs[T tensor.Element](w wireTensor, lo, hi float64, integral bool) (*tensor.Tensor, error) {
	values, err := convert[T](w.Data, lo, hi, integral)
	if err != nil {
		return nil, err
	}
	return tensor.FromSlice(w.Name, values, w.Shape)
}

func convert[T tensor.Element](data []float64, lo, hi float64, integral bool) ([]T, error) {
	out := make([]T, len(data))
	for i, v := range data {
		if v < lo || v > hi || (integral && v != math.Trunc(v)) {
			return nil, fmt.Errorf("data[%d]=%v is out of range", i, v)
		}
		out[i] = T(v)
	}
	return out, nil
}

func encodeResponse(resp *pipeline.Response) (inferResponse, error) {
	names := make([]string, 0, len(resp.Outputs))
	for name := range resp.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)

	out := inferResponse{Session: string(resp.Key), Outputs: make([]wireTensor, 0, len(names))}
	for _, name := range names {
		w, err := encode(name, resp.Outputs[name])
		if err != nil {
			return inferResponse{}, fmt.Errorf("output %q: %w", name, err)
		}
		out.Outputs = append(out.Outputs, w)
	}
	return out, nil
}

func encode(name string, t *tensor.Tensor) (wireTensor, error) {
	w := wireTensor{Name: name, Precision: t.Precision(), Shape: t.Shape()}
	var err error
	switch t.Precision() {
	case tensor.FP32:
		w.Data, err = encodeAs[float32](t)
	case tensor.U8:
		w.Data, err = encodeAs[uint8](t)
	case tensor.I8:
		w.Data, err = encodeAs[int8](t)
	case tensor.I16:
		w.Data, err = encodeAs[int16](t)
	case tensor.U16:
		w.Data, err = encodeAs[uint16](t)
	case tensor.I32:
		w.Data, err = encodeAs[int32](t)
	case tensor.FP16:
		raw := t.Bytes()
		w.Data = make([]float64, len(raw)/2)
		for i := range w.Data {
			w.Data[i] = float64(binary.NativeEndian.Uint16(raw[2*i:]))
		}
	default:
		err = fmt.Errorf("unsupported precision %s", t.Precision())
	}
	return w, err
}

func encodeAs[T tensor.Element](t *tensor.Tensor) ([]float64, error) {
	values, err := tensor.View[T](t)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(values))
	for i, v := range values {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("data[%d]=%v has no JSON form", i, f)
		}
		out[i] = f
	}
	return out, nil
}
