package customnode

import (
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"unsafe"

	"github.com/example/go-pipeserve/internal/dagerr"
	"github.com/example/go-pipeserve/internal/tensor"
)

// Library is one initialized instance of a custom node library: a bound
// function table, the fixed parameters and the opaque manager handle
// returned by initialize.
type Library struct {
	basePath  string
	params    []Param
	entry     Entrypoints
	serialize bool
	logger    *slog.Logger
	onRelease func(basePath string, err error)

	mu      sync.Mutex
	manager unsafe.Pointer
	cparams []CParam
	pinner  runtime.Pinner

	closeOnce sync.Once
	closeErr  error
}

// Option configures a Library.
type Option func(*Library)

// WithSerialize makes every call into the library mutually exclusive, for
// libraries that are not safe for concurrent use.
func WithSerialize(on bool) Option {
	return func(l *Library) { l.serialize = on }
}

// WithLogger sets the logger used for non-fatal release failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Library) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithReleaseHook installs a callback invoked after every failed release.
func WithReleaseHook(fn func(basePath string, err error)) Option {
	return func(l *Library) { l.onRelease = fn }
}

// NewLibrary marshals params and runs initialize (when the library exports
// it). The returned Library must be closed to run deinitialize.
func NewLibrary(basePath string, entry Entrypoints, params []Param, opts ...Option) (*Library, error) {
	if missing := entry.missing(); len(missing) > 0 {
		return nil, dagerr.Errorf(dagerr.CustomLibrary, "custom node library %s: missing entry points %v", basePath, missing)
	}

	l := &Library{
		basePath: basePath,
		params:   append([]Param(nil), params...),
		entry:    entry,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}

	if err := l.marshalParams(); err != nil {
		l.pinner.Unpin()
		return nil, err
	}

	if entry.Initialize != nil {
		var status int32
		l.call(func() {
			status = entry.Initialize(&l.manager, l.paramsPtr(), l.paramsCount())
		})
		if status != 0 {
			l.pinner.Unpin()
			return nil, dagerr.Errorf(dagerr.CustomLibrary, "custom node library %s: initialize returned %d", basePath, status)
		}
	}
	return l, nil
}

// BasePath returns the path the library was loaded from.
func (l *Library) BasePath() string { return l.basePath }

// Params returns a copy of the fixed parameters.
func (l *Library) Params() []Param { return append([]Param(nil), l.params...) }

// Manager returns the opaque handle produced by initialize, or nil.
func (l *Library) Manager() unsafe.Pointer { return l.manager }

func (l *Library) marshalParams() error {
	if len(l.params) == 0 {
		return nil
	}
	l.cparams = make([]CParam, len(l.params))
	for i, p := range l.params {
		key, err := CString(p.Key)
		if err != nil {
			return dagerr.Errorf(dagerr.Validation, "custom node param %q: %w", p.Key, err)
		}
		value, err := CString(p.Value)
		if err != nil {
			return dagerr.Errorf(dagerr.Validation, "custom node param %q value: %w", p.Key, err)
		}
		l.pinner.Pin(key)
		l.pinner.Pin(value)
		l.cparams[i] = CParam{Key: key, Value: value}
	}
	l.pinner.Pin(&l.cparams[0])
	return nil
}

func (l *Library) paramsPtr() *CParam {
	if len(l.cparams) == 0 {
		return nil
	}
	return &l.cparams[0]
}

func (l *Library) paramsCount() int32 { return int32(len(l.cparams)) }

// call runs fn under the instance mutex when the library is serialized.
// Calls never nest.
func (l *Library) call(fn func()) {
	if l.serialize {
		l.mu.Lock()
		defer l.mu.Unlock()
	}
	fn()
}

// Execute hands inputs to the library and converts what it returns into
// tensors whose buffers stay owned by the library until released. The dims
// and the outputs array are released before Execute returns.
func (l *Library) Execute(inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	var pinner runtime.Pinner
	defer pinner.Unpin()

	cin, err := marshalInputs(&pinner, inputs)
	if err != nil {
		return nil, err
	}
	var inPtr *CTensor
	if len(cin) > 0 {
		inPtr = &cin[0]
		pinner.Pin(inPtr)
	}

	var (
		outPtr   *CTensor
		outCount int32
		status   int32
	)
	pinner.Pin(&outPtr)
	pinner.Pin(&outCount)
	l.call(func() {
		status = l.entry.Execute(inPtr, int32(len(cin)), &outPtr, &outCount,
			l.paramsPtr(), l.paramsCount(), l.manager)
	})
	runtime.KeepAlive(cin)
	if status != 0 {
		return nil, dagerr.Errorf(dagerr.CustomLibrary, "custom node library %s: execute returned %d", l.basePath, status)
	}
	if outCount < 0 || (outCount > 0 && outPtr == nil) {
		return nil, dagerr.Errorf(dagerr.CustomLibrary, "custom node library %s: execute reported %d outputs at %p", l.basePath, outCount, outPtr)
	}
	if outCount == 0 {
		_ = l.release(unsafe.Pointer(outPtr), "outputs array")
		return nil, nil
	}

	raw := unsafe.Slice(outPtr, int(outCount))
	outputs, err := l.adoptOutputs(raw)
	_ = l.release(unsafe.Pointer(outPtr), "outputs array")
	if err != nil {
		return nil, err
	}
	return outputs, nil
}

// adoptOutputs wraps every returned buffer in an OutputAllocator. On any
// failure every distinct buffer is released before returning.
func (l *Library) adoptOutputs(raw []CTensor) ([]*tensor.Tensor, error) {
	allocators := make(map[*byte]*OutputAllocator, len(raw))
	order := make([]*OutputAllocator, 0, len(raw))
	shapes := make([][]int64, len(raw))
	var firstErr error
	fail := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	for i := range raw {
		ct := raw[i]
		name := GoString(ct.Name)
		if ct.Data != nil {
			if _, dup := allocators[ct.Data]; dup {
				fail(dagerr.Errorf(dagerr.CustomLibrary, "custom node library %s: output %q aliases another output buffer", l.basePath, name))
			} else {
				alloc := newOutputAllocator(l, ct, name)
				allocators[ct.Data] = alloc
				order = append(order, alloc)
			}
		}
		shape, err := copyDims(ct.DimsSlice())
		if err != nil {
			fail(dagerr.Errorf(dagerr.Validation, "custom node library %s: output %q: %w", l.basePath, name, err))
		}
		shapes[i] = shape
		_ = l.release(unsafe.Pointer(ct.Dims), "dims of "+name)
	}

	if firstErr != nil {
		return nil, l.releaseAll(order, firstErr)
	}

	names := make(map[string]struct{}, len(raw))
	outputs := make([]*tensor.Tensor, 0, len(raw))
	for i := range raw {
		ct := raw[i]
		name := GoString(ct.Name)
		if name == "" {
			return nil, l.releaseAll(order, dagerr.Errorf(dagerr.CustomLibrary, "custom node library %s: output %d has no name", l.basePath, i))
		}
		if _, dup := names[name]; dup {
			return nil, l.releaseAll(order, dagerr.Errorf(dagerr.CustomLibrary, "custom node library %s: duplicate output %q", l.basePath, name))
		}
		names[name] = struct{}{}
		if ct.Data == nil || ct.DataBytes > math.MaxInt {
			return nil, l.releaseAll(order, dagerr.Errorf(dagerr.Validation, "custom node library %s: output %q has no usable data", l.basePath, name))
		}
		buf := tensor.NewLibraryBuffer(ct.DataSlice(), allocators[ct.Data])
		t, err := tensor.New(name, tensor.Precision(ct.Precision), shapes[i], buf)
		if err != nil {
			return nil, l.releaseAll(order, fmt.Errorf("custom node library %s: %w", l.basePath, err))
		}
		outputs = append(outputs, t)
	}
	return outputs, nil
}

func (l *Library) releaseAll(allocs []*OutputAllocator, cause error) error {
	for _, a := range allocs {
		_ = a.Deallocate()
	}
	return cause
}

// InputsInfo asks the library which inputs it expects.
func (l *Library) InputsInfo() ([]tensor.Info, error) {
	return l.interrogate("getInputsInfo", l.entry.GetInputsInfo)
}

// OutputsInfo asks the library which outputs it produces.
func (l *Library) OutputsInfo() ([]tensor.Info, error) {
	return l.interrogate("getOutputsInfo", l.entry.GetOutputsInfo)
}

func (l *Library) interrogate(call string, fn InfoFunc) ([]tensor.Info, error) {
	var (
		infoPtr *CTensorInfo
		count   int32
		status  int32
	)
	var pinner runtime.Pinner
	defer pinner.Unpin()
	pinner.Pin(&infoPtr)
	pinner.Pin(&count)

	l.call(func() {
		status = fn(&infoPtr, &count, l.paramsPtr(), l.paramsCount(), l.manager)
	})
	if status != 0 {
		return nil, dagerr.Errorf(dagerr.CustomLibrary, "custom node library %s: %s returned %d", l.basePath, call, status)
	}
	if count < 0 || (count > 0 && infoPtr == nil) {
		return nil, dagerr.Errorf(dagerr.CustomLibrary, "custom node library %s: %s reported %d entries at %p", l.basePath, call, count, infoPtr)
	}
	defer func() { _ = l.release(unsafe.Pointer(infoPtr), call+" array") }()

	raw := unsafe.Slice(infoPtr, int(count))
	infos := make([]tensor.Info, 0, len(raw))
	var firstErr error
	for i := range raw {
		ci := raw[i]
		name := GoString(ci.Name)
		shape, err := copyDims(ci.DimsSlice())
		_ = l.release(unsafe.Pointer(ci.Dims), call+" dims of "+name)
		if firstErr != nil {
			continue
		}
		if err != nil {
			firstErr = dagerr.Errorf(dagerr.CustomLibrary, "custom node library %s: %s %q: %w", l.basePath, call, name, err)
			continue
		}
		infos = append(infos, tensor.Info{Name: name, Precision: tensor.Precision(ci.Precision), Shape: shape})
	}
	if firstErr != nil {
		return nil, firstErr
	}
	if _, err := tensor.IndexInfos(infos); err != nil {
		return nil, dagerr.Wrap(dagerr.CustomLibrary, "", fmt.Errorf("custom node library %s: %s: %w", l.basePath, call, err))
	}
	return infos, nil
}

// release hands ptr back to the library. Failures are logged and reported
// to the release hook but never abort the caller.
func (l *Library) release(ptr unsafe.Pointer, what string) error {
	if ptr == nil {
		return nil
	}
	var status int32
	l.call(func() {
		status = l.entry.Release(ptr, l.manager)
	})
	if status == 0 {
		return nil
	}
	err := dagerr.Errorf(dagerr.CustomLibrary, "custom node library %s: release of %s returned %d", l.basePath, what, status)
	l.logger.Error("custom node release failed",
		"library", l.basePath,
		"buffer", what,
		"status", status,
	)
	if l.onRelease != nil {
		l.onRelease(l.basePath, err)
	}
	return err
}

// Close runs deinitialize once. A failing deinitialize is reported but the
// instance is unusable afterwards either way.
func (l *Library) Close() error {
	l.closeOnce.Do(func() {
		if l.entry.Deinitialize != nil {
			var status int32
			l.call(func() {
				status = l.entry.Deinitialize(l.manager)
			})
			if status != 0 {
				l.closeErr = dagerr.Errorf(dagerr.CustomLibrary, "custom node library %s: deinitialize returned %d", l.basePath, status)
				l.logger.Error("custom node deinitialize failed", "library", l.basePath, "status", status)
			}
		}
		l.pinner.Unpin()
	})
	return l.closeErr
}

func marshalInputs(pinner *runtime.Pinner, inputs []*tensor.Tensor) ([]CTensor, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	out := make([]CTensor, len(inputs))
	for i, t := range inputs {
		name, err := CString(t.Name())
		if err != nil {
			return nil, dagerr.Errorf(dagerr.Validation, "input %q: %w", t.Name(), err)
		}
		pinner.Pin(name)

		shape := t.Shape()
		dims := make([]uint64, len(shape))
		for j, d := range shape {
			dims[j] = uint64(d)
		}
		ct := CTensor{
			Name:      name,
			DataBytes: uint64(len(t.Bytes())),
			DimsCount: uint64(len(dims)),
			Precision: int32(t.Precision()),
		}
		if len(dims) > 0 {
			ct.Dims = &dims[0]
			pinner.Pin(ct.Dims)
		}
		if data := t.Bytes(); len(data) > 0 {
			ct.Data = &data[0]
			pinner.Pin(ct.Data)
		}
		out[i] = ct
	}
	return out, nil
}

func copyDims(dims []uint64) ([]int64, error) {
	if len(dims) == 0 {
		return nil, fmt.Errorf("no dimensions")
	}
	shape := make([]int64, len(dims))
	for i, d := range dims {
		if d > math.MaxInt32 {
			return nil, fmt.Errorf("dimension %d out of range: %d", i, d)
		}
		shape[i] = int64(d)
	}
	return shape, nil
}
