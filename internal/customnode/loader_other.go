//go:build !(darwin || freebsd || linux || netbsd)

package customnode

import (
	"io"
	"runtime"

	"github.com/example/go-pipeserve/internal/dagerr"
)

// Open is unavailable on platforms without dlopen support.
func Open(basePath string) (Entrypoints, io.Closer, error) {
	return Entrypoints{}, nil, dagerr.Errorf(dagerr.CustomLibrary,
		"custom node library %s: dynamic loading is unavailable on %s", basePath, runtime.GOOS)
}
