//go:build darwin || freebsd || linux || netbsd

package customnode

import (
	"io"

	"github.com/ebitengine/purego"

	"github.com/example/go-pipeserve/internal/dagerr"
)

type dlHandle uintptr

func (h dlHandle) Close() error {
	return purego.Dlclose(uintptr(h))
}

// Open loads the shared object at basePath and binds its entry points.
// The returned closer unloads the object; it must only be called once no
// Library built on the entry points is alive.
func Open(basePath string) (Entrypoints, io.Closer, error) {
	handle, err := purego.Dlopen(basePath, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return Entrypoints{}, nil, dagerr.Errorf(dagerr.CustomLibrary, "load custom node library %s: %w", basePath, err)
	}

	var entry Entrypoints
	required := []struct {
		name string
		fptr any
	}{
		{name: "execute", fptr: &entry.Execute},
		{name: "getInputsInfo", fptr: &entry.GetInputsInfo},
		{name: "getOutputsInfo", fptr: &entry.GetOutputsInfo},
		{name: "release", fptr: &entry.Release},
	}
	for _, sym := range required {
		addr, err := purego.Dlsym(handle, sym.name)
		if err != nil {
			_ = purego.Dlclose(handle)
			return Entrypoints{}, nil, dagerr.Errorf(dagerr.CustomLibrary,
				"custom node library %s: missing entry point %q: %w", basePath, sym.name, err)
		}
		purego.RegisterFunc(sym.fptr, addr)
	}

	// initialize/deinitialize are optional; absence means no internal manager.
	if addr, err := purego.Dlsym(handle, "initialize"); err == nil {
		purego.RegisterFunc(&entry.Initialize, addr)
	}
	if addr, err := purego.Dlsym(handle, "deinitialize"); err == nil {
		purego.RegisterFunc(&entry.Deinitialize, addr)
	}

	return entry, dlHandle(handle), nil
}
