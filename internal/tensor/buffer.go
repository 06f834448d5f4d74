package tensor

import (
	"sync"
)

// Owner identifies the allocator domain a buffer belongs to. The set is
// closed: a buffer's owner and release strategy are fixed at construction.
type Owner uint8

const (
	// OwnerEngine buffers are ordinary Go memory; releasing them is a no-op.
	OwnerEngine Owner = iota
	// OwnerRuntime buffers belong to the inference runtime.
	OwnerRuntime
	// OwnerLibrary buffers belong to a custom node library and are returned
	// through its release entry point.
	OwnerLibrary
)

func (o Owner) String() string {
	switch o {
	case OwnerEngine:
		return "engine"
	case OwnerRuntime:
		return "runtime"
	case OwnerLibrary:
		return "library"
	default:
		return "unknown"
	}
}

// Deallocator returns foreign memory to its owner.
type Deallocator interface {
	Deallocate() error
}

// Buffer is a byte view over memory owned by one of the three allocator
// domains. Release hands the memory back to its owner at most once.
type Buffer struct {
	owner   Owner
	data    []byte
	dealloc Deallocator

	once sync.Once
	err  error
}

// NewEngineBuffer wraps Go-owned bytes without copying.
func NewEngineBuffer(data []byte) *Buffer {
	return &Buffer{owner: OwnerEngine, data: data}
}

// NewRuntimeBuffer wraps bytes owned by the inference runtime. d is invoked
// when the buffer is released.
func NewRuntimeBuffer(data []byte, d Deallocator) *Buffer {
	return &Buffer{owner: OwnerRuntime, data: data, dealloc: d}
}

// NewLibraryBuffer wraps bytes returned by a custom node library. d is
// invoked when the buffer is released.
func NewLibraryBuffer(data []byte, d Deallocator) *Buffer {
	return &Buffer{owner: OwnerLibrary, data: data, dealloc: d}
}

func (b *Buffer) Owner() Owner {
	return b.owner
}

// Bytes returns the underlying memory. The slice must not be used after
// Release.
func (b *Buffer) Bytes() []byte {
	return b.data
}

func (b *Buffer) Len() int {
	return len(b.data)
}

// Release returns the memory to its owner. Only the first call has an
// effect; later calls return the first call's result.
func (b *Buffer) Release() error {
	b.once.Do(func() {
		if b.dealloc != nil {
			b.err = b.dealloc.Deallocate()
		}
		b.data = nil
	})
	return b.err
}
