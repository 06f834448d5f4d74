// Package tensor describes the tensors that flow between pipeline nodes:
// element precision, shape, declared contracts (Info) and the ownership of
// the bytes behind them (Buffer).
package tensor

import (
	"fmt"
	"math"
	"unsafe"

	"github.com/example/go-pipeserve/internal/dagerr"
)

// Element lists the Go types that map one-to-one onto a Precision.
type Element interface {
	float32 | uint8 | int8 | int16 | uint16 | int32
}

// Tensor is a named, shaped view over a Buffer.
type Tensor struct {
	name      string
	precision Precision
	shape     []int64
	buf       *Buffer
}

// New builds a tensor over buf, checking that the byte length matches the
// shape and precision.
func New(name string, precision Precision, shape []int64, buf *Buffer) (*Tensor, error) {
	if buf == nil {
		return nil, dagerr.Errorf(dagerr.Validation, "tensor %q: nil buffer", name)
	}
	if !precision.Valid() {
		return nil, dagerr.Errorf(dagerr.Validation, "tensor %q: unsupported precision %s", name, precision)
	}
	count, err := ElementCount(shape)
	if err != nil {
		return nil, dagerr.Errorf(dagerr.Validation, "tensor %q: %w", name, err)
	}
	if want := count * precision.Size(); want != buf.Len() {
		return nil, dagerr.Errorf(dagerr.Validation,
			"tensor %q: shape %v with precision %s expects %d bytes, got %d",
			name, shape, precision, want, buf.Len())
	}
	return &Tensor{
		name:      name,
		precision: precision,
		shape:     append([]int64(nil), shape...),
		buf:       buf,
	}, nil
}

// FromSlice copies data into a new engine-owned tensor.
func FromSlice[T Element](name string, data []T, shape []int64) (*Tensor, error) {
	precision := precisionOf[T]()
	raw := make([]byte, len(data)*precision.Size())
	copy(raw, asBytes(data))
	return New(name, precision, shape, NewEngineBuffer(raw))
}

// Values copies the tensor contents into a typed slice. T must match the
// tensor precision.
func Values[T Element](t *Tensor) ([]T, error) {
	want := precisionOf[T]()
	if t.precision != want {
		return nil, dagerr.Errorf(dagerr.Validation, "tensor %q: want %s data, tensor is %s", t.name, want, t.precision)
	}
	raw := t.buf.Bytes()
	out := make([]T, len(raw)/want.Size())
	copy(asBytes(out), raw)
	return out, nil
}

// View reinterprets the tensor buffer as []T without copying. The slice is
// only valid until the tensor is released.
func View[T Element](t *Tensor) ([]T, error) {
	want := precisionOf[T]()
	if t.precision != want {
		return nil, dagerr.Errorf(dagerr.Validation, "tensor %q: want %s data, tensor is %s", t.name, want, t.precision)
	}
	raw := t.buf.Bytes()
	if len(raw) == 0 {
		return nil, nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(raw))), len(raw)/want.Size()), nil
}

func (t *Tensor) Name() string {
	return t.name
}

func (t *Tensor) Precision() Precision {
	return t.precision
}

func (t *Tensor) Shape() []int64 {
	return append([]int64(nil), t.shape...)
}

// Bytes exposes the underlying buffer without copying.
func (t *Tensor) Bytes() []byte {
	return t.buf.Bytes()
}

func (t *Tensor) Buffer() *Buffer {
	return t.buf
}

func (t *Tensor) Owner() Owner {
	return t.buf.Owner()
}

// Info describes the tensor as a contract.
func (t *Tensor) Info() Info {
	return Info{Name: t.name, Precision: t.precision, Shape: t.Shape()}
}

// Rename returns a tensor sharing the same buffer under another name.
func (t *Tensor) Rename(name string) *Tensor {
	return &Tensor{name: name, precision: t.precision, shape: t.shape, buf: t.buf}
}

// Borrow returns an engine-owned view of the same bytes under another name.
// Releasing the view never touches the original buffer.
func (t *Tensor) Borrow(name string) *Tensor {
	return &Tensor{name: name, precision: t.precision, shape: t.shape, buf: NewEngineBuffer(t.buf.Bytes())}
}

// Clone copies the tensor into engine-owned memory.
func (t *Tensor) Clone(name string) *Tensor {
	raw := make([]byte, t.buf.Len())
	copy(raw, t.buf.Bytes())
	return &Tensor{
		name:      name,
		precision: t.precision,
		shape:     append([]int64(nil), t.shape...),
		buf:       NewEngineBuffer(raw),
	}
}

// Release returns the buffer to its owner. Safe to call more than once.
func (t *Tensor) Release() error {
	return t.buf.Release()
}

// ElementCount returns the product of shape. An empty shape is a scalar.
func ElementCount(shape []int64) (int, error) {
	count := int64(1)
	for i, dim := range shape {
		if dim < 1 {
			return 0, fmt.Errorf("shape[%d]=%d is not positive", i, dim)
		}
		if count > math.MaxInt64/dim {
			return 0, fmt.Errorf("shape %v overflows element count", shape)
		}
		count *= dim
	}
	if count > int64(math.MaxInt) {
		return 0, fmt.Errorf("shape %v exceeds platform int capacity", shape)
	}
	return int(count), nil
}

func precisionOf[T Element]() Precision {
	var zero T
	switch any(zero).(type) {
	case float32:
		return FP32
	case uint8:
		return U8
	case int8:
		return I8
	case int16:
		return I16
	case uint16:
		return U16
	case int32:
		return I32
	}
	return Unspecified
}

func asBytes[T Element](data []T) []byte {
	if len(data) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(&data[0])), len(data)*int(unsafe.Sizeof(zero)))
}
