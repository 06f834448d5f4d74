package customnode

import (
	"sync"
	"unsafe"
)

// OutputAllocator owns one buffer returned by a library's execute call. The
// engine treats it as the deallocator of the tensor wrapping that buffer:
// Allocate hands back the existing pointer, Deallocate returns it to the
// library exactly once.
type OutputAllocator struct {
	lib     *Library
	manager unsafe.Pointer
	tensor  CTensor
	name    string

	once sync.Once
	err  error
}

func newOutputAllocator(lib *Library, t CTensor, name string) *OutputAllocator {
	return &OutputAllocator{lib: lib, manager: lib.manager, tensor: t, name: name}
}

// Allocate returns the library buffer. No memory is allocated.
func (a *OutputAllocator) Allocate() unsafe.Pointer {
	return unsafe.Pointer(a.tensor.Data)
}

// Deallocate calls the library's release on the buffer. Later calls return
// the first result without touching the library again.
func (a *OutputAllocator) Deallocate() error {
	a.once.Do(func() {
		a.err = a.lib.release(unsafe.Pointer(a.tensor.Data), "output "+a.name)
	})
	return a.err
}

// Equal reports whether both allocators wrap the same buffer descriptor of
// the same library instance.
func (a *OutputAllocator) Equal(other *OutputAllocator) bool {
	if a == nil || other == nil {
		return a == other
	}
	return a.lib == other.lib &&
		a.manager == other.manager &&
		a.tensor == other.tensor
}
