// Package customnode loads and drives custom node libraries: shared objects
// that implement the fixed C calling contract
//
//	int initialize(void** manager, const struct CustomNodeParam* params, int paramsCount);
//	int deinitialize(void* manager);
//	int execute(const struct CustomNodeTensor* inputs, int inputsCount,
//	            struct CustomNodeTensor** outputs, int* outputsCount,
//	            const struct CustomNodeParam* params, int paramsCount, void* manager);
//	int getInputsInfo(struct CustomNodeTensorInfo** info, int* infoCount,
//	                  const struct CustomNodeParam* params, int paramsCount, void* manager);
//	int getOutputsInfo(struct CustomNodeTensorInfo** info, int* infoCount,
//	                   const struct CustomNodeParam* params, int paramsCount, void* manager);
//	int release(void* ptr, void* manager);
//
// A non-zero return is the only failure signal across the boundary.
// initialize and deinitialize are optional.
package customnode

import (
	"unsafe"
)

// CTensor mirrors struct CustomNodeTensor.
type CTensor struct {
	Name      *byte
	Data      *byte
	DataBytes uint64
	Dims      *uint64
	DimsCount uint64
	Precision int32
}

// CTensorInfo mirrors struct CustomNodeTensorInfo.
type CTensorInfo struct {
	Name      *byte
	Dims      *uint64
	DimsCount uint64
	Precision int32
}

// CParam mirrors struct CustomNodeParam.
type CParam struct {
	Key   *byte
	Value *byte
}

type (
	InitializeFunc   func(manager *unsafe.Pointer, params *CParam, paramsCount int32) int32
	DeinitializeFunc func(manager unsafe.Pointer) int32
	ExecuteFunc      func(inputs *CTensor, inputsCount int32, outputs **CTensor, outputsCount *int32, params *CParam, paramsCount int32, manager unsafe.Pointer) int32
	InfoFunc         func(info **CTensorInfo, infoCount *int32, params *CParam, paramsCount int32, manager unsafe.Pointer) int32
	ReleaseFunc      func(ptr unsafe.Pointer, manager unsafe.Pointer) int32
)

// Entrypoints is the function table of one loaded library. Initialize and
// Deinitialize may be nil.
type Entrypoints struct {
	Initialize     InitializeFunc
	Deinitialize   DeinitializeFunc
	Execute        ExecuteFunc
	GetInputsInfo  InfoFunc
	GetOutputsInfo InfoFunc
	Release        ReleaseFunc
}

func (e Entrypoints) missing() []string {
	var names []string
	if e.Execute == nil {
		names = append(names, "execute")
	}
	if e.GetInputsInfo == nil {
		names = append(names, "getInputsInfo")
	}
	if e.GetOutputsInfo == nil {
		names = append(names, "getOutputsInfo")
	}
	if e.Release == nil {
		names = append(names, "release")
	}
	return names
}

// Param is one fixed key/value pair handed to every library call.
type Param struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

// DimsSlice returns the dims array of t as a Go slice aliasing library memory.
func (t *CTensor) DimsSlice() []uint64 {
	if t.Dims == nil || t.DimsCount == 0 {
		return nil
	}
	return unsafe.Slice(t.Dims, t.DimsCount)
}

// DataSlice returns the data of t as a Go slice aliasing library memory.
func (t *CTensor) DataSlice() []byte {
	if t.Data == nil || t.DataBytes == 0 {
		return nil
	}
	return unsafe.Slice(t.Data, t.DataBytes)
}

func (t *CTensorInfo) DimsSlice() []uint64 {
	if t.Dims == nil || t.DimsCount == 0 {
		return nil
	}
	return unsafe.Slice(t.Dims, t.DimsCount)
}
