package customnode

import (
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/example/go-pipeserve/internal/dagerr"
)

// Opener loads a library file and returns its entry points together with a
// closer that unloads it.
type Opener func(basePath string) (Entrypoints, io.Closer, error)

// Spec identifies a library instance. Instances are shared between every
// node whose Spec has the same base path and params.
type Spec struct {
	BasePath  string
	Params    []Param
	Serialize bool
}

func (s Spec) key() string {
	var b strings.Builder
	b.WriteString(s.BasePath)
	for _, p := range s.Params {
		b.WriteByte(0)
		b.WriteString(p.Key)
		b.WriteByte('=')
		b.WriteString(p.Value)
	}
	return b.String()
}

type loaded struct {
	entry  Entrypoints
	closer io.Closer
	refs   int
}

type instance struct {
	lib       *Library
	serialize bool
	refs      int
}

// Registry loads each library file once and shares initialized instances
// across nodes and pipelines, unloading them when the last user releases.
type Registry struct {
	open      Opener
	logger    *slog.Logger
	onRelease func(basePath string, err error)

	mu        sync.Mutex
	files     map[string]*loaded
	instances map[string]*instance
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithOpener replaces the dynamic loader.
func WithOpener(open Opener) RegistryOption {
	return func(r *Registry) { r.open = open }
}

// WithRegistryLogger sets the logger handed to every instance.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithReleaseFailureHook is installed on every instance; see WithReleaseHook.
func WithReleaseFailureHook(fn func(basePath string, err error)) RegistryOption {
	return func(r *Registry) { r.onRelease = fn }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		open:      Open,
		logger:    slog.Default(),
		files:     make(map[string]*loaded),
		instances: make(map[string]*instance),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Acquire returns the shared instance for spec, loading and initializing it
// on first use. Every successful Acquire must be paired with Release.
func (r *Registry) Acquire(spec Spec) (*Library, error) {
	if spec.BasePath == "" {
		return nil, dagerr.New(dagerr.Validation, "custom node library base path is empty")
	}
	key := spec.key()

	r.mu.Lock()
	defer r.mu.Unlock()

	if inst, ok := r.instances[key]; ok {
		if inst.serialize != spec.Serialize {
			return nil, dagerr.Errorf(dagerr.GraphConfiguration,
				"custom node library %s: conflicting serialize settings for the same params", spec.BasePath)
		}
		inst.refs++
		return inst.lib, nil
	}

	file, ok := r.files[spec.BasePath]
	if !ok {
		entry, closer, err := r.open(spec.BasePath)
		if err != nil {
			return nil, dagerr.Wrap(dagerr.CustomLibrary, "", err)
		}
		file = &loaded{entry: entry, closer: closer}
		r.files[spec.BasePath] = file
	}

	lib, err := NewLibrary(spec.BasePath, file.entry, spec.Params,
		WithSerialize(spec.Serialize),
		WithLogger(r.logger),
		WithReleaseHook(r.onRelease),
	)
	if err != nil {
		if file.refs == 0 {
			r.unload(spec.BasePath, file)
		}
		return nil, err
	}
	file.refs++
	r.instances[key] = &instance{lib: lib, serialize: spec.Serialize, refs: 1}
	r.logger.Debug("custom node library initialized", "library", spec.BasePath, "params", len(spec.Params))
	return lib, nil
}

// Release drops one reference to lib. The last reference deinitializes the
// instance, and the last instance of a file unloads it.
func (r *Registry) Release(lib *Library) error {
	if lib == nil {
		return nil
	}
	key := Spec{BasePath: lib.basePath, Params: lib.params}.key()

	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[key]
	if !ok || inst.lib != lib {
		return dagerr.Errorf(dagerr.GraphConfiguration, "custom node library %s: release of unknown instance", lib.basePath)
	}
	inst.refs--
	if inst.refs > 0 {
		return nil
	}
	delete(r.instances, key)
	err := lib.Close()

	if file, ok := r.files[lib.basePath]; ok {
		file.refs--
		if file.refs <= 0 {
			r.unload(lib.basePath, file)
		}
	}
	return err
}

func (r *Registry) unload(basePath string, file *loaded) {
	delete(r.files, basePath)
	if file.closer == nil {
		return
	}
	if err := file.closer.Close(); err != nil {
		r.logger.Warn("custom node library unload failed", "library", basePath, "error", err)
	}
}

// Loaded returns the base paths of every currently loaded file.
func (r *Registry) Loaded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	paths := make([]string, 0, len(r.files))
	for p := range r.files {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	return paths
}

// Instances returns the number of live initialized instances.
func (r *Registry) Instances() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}
