// Package customnodetest implements the custom node calling contract in Go
// so the engine can be exercised without building shared objects. Memory
// handed to the engine is tracked so tests can assert that every buffer is
// released exactly once.
package customnodetest

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/example/go-pipeserve/internal/customnode"
	"github.com/example/go-pipeserve/internal/tensor"
)

// Tensor is the Go view of a tensor crossing the boundary.
type Tensor struct {
	Name      string
	Precision tensor.Precision
	Shape     []uint64
	Data      []byte
}

// ComputeFunc produces outputs from inputs and the instance params.
type ComputeFunc func(inputs []Tensor, params map[string]string) ([]Tensor, error)

// Library is a configurable fake. Zero status fields mean success.
type Library struct {
	Inputs  []tensor.Info
	Outputs []tensor.Info
	Compute ComputeFunc

	// NoInitialize leaves Initialize and Deinitialize unexported.
	NoInitialize bool
	// AliasOutputs makes every output point at the first output's buffer.
	AliasOutputs bool
	// Block, when set, is received from before every execute.
	Block chan struct{}

	InitializeStatus   int32
	DeinitializeStatus int32
	ExecuteStatus      int32
	InfoStatus         int32
	ReleaseStatus      int32

	mu            sync.Mutex
	live          map[uintptr]any
	released      map[uintptr]int
	doubleRelease int
	unknown       int
	managers      []unsafe.Pointer
	names         [][]byte
	token         [8]byte

	executions    atomic.Int64
	initialized   atomic.Int64
	deinitialized atomic.Int64
	opened        atomic.Int64
	closed        atomic.Int64
	active        atomic.Int64
	maxActive     atomic.Int64
}

// Entrypoints returns the function table backed by l.
func (l *Library) Entrypoints() customnode.Entrypoints {
	e := customnode.Entrypoints{
		Execute:        l.execute,
		GetInputsInfo:  l.infoFunc(func() []tensor.Info { return l.Inputs }),
		GetOutputsInfo: l.infoFunc(func() []tensor.Info { return l.Outputs }),
		Release:        l.release,
	}
	if !l.NoInitialize {
		e.Initialize = l.initialize
		e.Deinitialize = l.deinitialize
	}
	return e
}

// Opener returns a customnode.Opener serving l for any path.
func (l *Library) Opener() customnode.Opener {
	return func(string) (customnode.Entrypoints, io.Closer, error) {
		l.opened.Add(1)
		return l.Entrypoints(), closerFunc(func() error {
			l.closed.Add(1)
			return nil
		}), nil
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Manager is the handle initialize hands out.
func (l *Library) Manager() unsafe.Pointer {
	return unsafe.Pointer(&l.token)
}

func (l *Library) initialize(manager *unsafe.Pointer, params *customnode.CParam, count int32) int32 {
	if l.InitializeStatus != 0 {
		return l.InitializeStatus
	}
	l.initialized.Add(1)
	*manager = l.Manager()
	return 0
}

func (l *Library) deinitialize(manager unsafe.Pointer) int32 {
	l.deinitialized.Add(1)
	l.recordManager(manager)
	return l.DeinitializeStatus
}

func (l *Library) execute(inputs *customnode.CTensor, inputsCount int32, outputs **customnode.CTensor, outputsCount *int32,
	params *customnode.CParam, paramsCount int32, manager unsafe.Pointer) int32 {
	n := l.active.Add(1)
	defer l.active.Add(-1)
	for {
		cur := l.maxActive.Load()
		if n <= cur || l.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}
	l.executions.Add(1)
	l.recordManager(manager)
	if l.Block != nil {
		<-l.Block
	}
	if l.ExecuteStatus != 0 {
		return l.ExecuteStatus
	}

	in := readInputs(inputs, inputsCount)
	compute := l.Compute
	if compute == nil {
		compute = Identity
	}
	out, err := compute(in, readParams(params, paramsCount))
	if err != nil {
		return 1
	}

	*outputs, *outputsCount = l.export(out)
	return 0
}

func (l *Library) export(out []Tensor) (*customnode.CTensor, int32) {
	if len(out) == 0 {
		return nil, 0
	}
	arr := make([]customnode.CTensor, len(out))
	var shared *byte
	for i, t := range out {
		dims := make([]uint64, len(t.Shape))
		copy(dims, t.Shape)
		ct := customnode.CTensor{
			Name:      l.cstring(t.Name),
			DataBytes: uint64(len(t.Data)),
			DimsCount: uint64(len(dims)),
			Precision: int32(t.Precision),
		}
		if len(dims) > 0 {
			ct.Dims = &dims[0]
			l.track(unsafe.Pointer(ct.Dims), dims)
		}
		switch {
		case l.AliasOutputs && shared != nil:
			ct.Data = shared
		case len(t.Data) > 0:
			data := make([]byte, len(t.Data))
			copy(data, t.Data)
			ct.Data = &data[0]
			shared = ct.Data
			l.track(unsafe.Pointer(ct.Data), data)
		}
		arr[i] = ct
	}
	l.track(unsafe.Pointer(&arr[0]), arr)
	return &arr[0], int32(len(arr))
}

func (l *Library) infoFunc(infos func() []tensor.Info) customnode.InfoFunc {
	return func(info **customnode.CTensorInfo, count *int32, params *customnode.CParam, paramsCount int32, manager unsafe.Pointer) int32 {
		l.recordManager(manager)
		if l.InfoStatus != 0 {
			return l.InfoStatus
		}
		list := infos()
		if len(list) == 0 {
			*info, *count = nil, 0
			return 0
		}
		arr := make([]customnode.CTensorInfo, len(list))
		for i, in := range list {
			dims := make([]uint64, len(in.Shape))
			for j, d := range in.Shape {
				dims[j] = uint64(d)
			}
			ci := customnode.CTensorInfo{
				Name:      l.cstring(in.Name),
				DimsCount: uint64(len(dims)),
				Precision: int32(in.Precision),
			}
			if len(dims) > 0 {
				ci.Dims = &dims[0]
				l.track(unsafe.Pointer(ci.Dims), dims)
			}
			arr[i] = ci
		}
		l.track(unsafe.Pointer(&arr[0]), arr)
		*info, *count = &arr[0], int32(len(arr))
		return 0
	}
}

func (l *Library) release(ptr unsafe.Pointer, manager unsafe.Pointer) int32 {
	l.recordManager(manager)
	key := uintptr(ptr)

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.live[key]; !ok {
		if l.released[key] > 0 {
			l.doubleRelease++
		} else {
			l.unknown++
		}
		return 1
	}
	delete(l.live, key)
	if l.released == nil {
		l.released = make(map[uintptr]int)
	}
	l.released[key]++
	return l.ReleaseStatus
}

func (l *Library) track(ptr unsafe.Pointer, owner any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.live == nil {
		l.live = make(map[uintptr]any)
	}
	l.live[uintptr(ptr)] = owner
	delete(l.released, uintptr(ptr))
}

func (l *Library) cstring(s string) *byte {
	b := append([]byte(s), 0)
	l.mu.Lock()
	l.names = append(l.names, b)
	l.mu.Unlock()
	return &b[0]
}

func (l *Library) recordManager(m unsafe.Pointer) {
	l.mu.Lock()
	l.managers = append(l.managers, m)
	l.mu.Unlock()
}

// Outstanding is the number of buffers handed out and not yet released.
func (l *Library) Outstanding() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.live)
}

// Released is the number of successful releases.
func (l *Library) Released() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.released {
		n += c
	}
	return n
}

// DoubleReleases counts releases of pointers that were already released.
func (l *Library) DoubleReleases() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.doubleRelease
}

// UnknownReleases counts releases of pointers never handed out.
func (l *Library) UnknownReleases() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unknown
}

// Managers returns every manager handle seen by any entry point.
func (l *Library) Managers() []unsafe.Pointer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]unsafe.Pointer(nil), l.managers...)
}

func (l *Library) Executions() int64        { return l.executions.Load() }
func (l *Library) Initializations() int64   { return l.initialized.Load() }
func (l *Library) Deinitializations() int64 { return l.deinitialized.Load() }
func (l *Library) Opens() int64             { return l.opened.Load() }
func (l *Library) Closes() int64            { return l.closed.Load() }
func (l *Library) MaxActive() int64         { return l.maxActive.Load() }

func readInputs(p *customnode.CTensor, n int32) []Tensor {
	if p == nil || n <= 0 {
		return nil
	}
	raw := unsafe.Slice(p, int(n))
	out := make([]Tensor, len(raw))
	for i := range raw {
		ct := &raw[i]
		out[i] = Tensor{
			Name:      customnode.GoString(ct.Name),
			Precision: tensor.Precision(ct.Precision),
			Shape:     append([]uint64(nil), ct.DimsSlice()...),
			Data:      append([]byte(nil), ct.DataSlice()...),
		}
	}
	return out
}

func readParams(p *customnode.CParam, n int32) map[string]string {
	params := make(map[string]string, max(n, 0))
	if p == nil || n <= 0 {
		return params
	}
	for _, cp := range unsafe.Slice(p, int(n)) {
		params[customnode.GoString(cp.Key)] = customnode.GoString(cp.Value)
	}
	return params
}

// ErrCompute is returned by compute functions that fail on purpose.
var ErrCompute = errors.New("customnodetest: compute failed")

// Identity echoes every input under the same name.
func Identity(inputs []Tensor, _ map[string]string) ([]Tensor, error) {
	return inputs, nil
}

// Fail always fails.
func Fail([]Tensor, map[string]string) ([]Tensor, error) {
	return nil, ErrCompute
}

// Scale multiplies fp32 input "in" by the "factor" param (default 2) and
// writes output "out".
func Scale(inputs []Tensor, params map[string]string) ([]Tensor, error) {
	factor := float32(2)
	if raw, ok := params["factor"]; ok {
		if _, err := fmt.Sscan(raw, &factor); err != nil {
			return nil, err
		}
	}
	for _, in := range inputs {
		if in.Name != "in" {
			continue
		}
		if in.Precision != tensor.FP32 || len(in.Data)%4 != 0 {
			return nil, ErrCompute
		}
		values := unsafe.Slice((*float32)(unsafe.Pointer(unsafe.SliceData(in.Data))), len(in.Data)/4)
		out := make([]float32, len(values))
		for i, v := range values {
			out[i] = v * factor
		}
		data := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(out))), len(out)*4)
		return []Tensor{{Name: "out", Precision: tensor.FP32, Shape: in.Shape, Data: append([]byte(nil), data...)}}, nil
	}
	return nil, ErrCompute
}

// Scaler returns a fake library computing Scale with fp32 "in" -> "out".
func Scaler() *Library {
	return &Library{
		Inputs:  []tensor.Info{{Name: "in", Precision: tensor.FP32, Shape: []int64{tensor.AnyDim, tensor.AnyDim}}},
		Outputs: []tensor.Info{{Name: "out", Precision: tensor.FP32, Shape: []int64{tensor.AnyDim, tensor.AnyDim}}},
		Compute: Scale,
	}
}
