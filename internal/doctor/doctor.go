// Package doctor provides environment preflight checks for pipeserve.
package doctor

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/example/go-pipeserve/internal/definition"
)

// PassMark and FailMark are the prefix symbols printed for each check result.
const (
	PassMark = "✓"
	FailMark = "✗"
)

// VersionFunc returns a version string or an error if the component is unavailable.
type VersionFunc func() (string, error)

// Config holds injectable dependencies for each doctor check.
type Config struct {
	// RuntimeVersion returns the detected ONNX Runtime version (e.g. "1.23.0").
	RuntimeVersion VersionFunc
	// APIVersion is the C API version the runner is built against. The
	// runtime must be at least 1.<APIVersion>. Zero skips the range check.
	APIVersion uint32
	// SkipRuntime skips the ONNX Runtime check.
	SkipRuntime bool
	// Definitions is the pipeline definition file to load.
	Definitions string
	// OpenLibrary probes a custom node library. Nil skips the library checks.
	OpenLibrary func(basePath string) error
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

func (r *Result) fail(msg string) { r.failures = append(r.failures, msg) }

// Run executes all configured checks and writes human-readable output to w.
// Each check line is prefixed with PassMark or FailMark.
func Run(cfg Config, w io.Writer) Result {
	var res Result

	// ---- onnx runtime -----------------------------------------------------
	switch {
	case cfg.SkipRuntime:
		fmt.Fprintf(w, "%s onnx runtime: skipped\n", PassMark)
	case cfg.RuntimeVersion == nil:
		res.fail("onnx runtime: no detector configured")
		fmt.Fprintf(w, "%s onnx runtime: no detector configured\n", FailMark)
	default:
		ver, err := cfg.RuntimeVersion()
		if err != nil {
			res.fail(fmt.Sprintf("onnx runtime: %v", err))
			fmt.Fprintf(w, "%s onnx runtime: not found (%v)\n", FailMark, err)
		} else if verErr := checkRuntimeVersion(ver, cfg.APIVersion); verErr != nil {
			res.fail(fmt.Sprintf("onnx runtime: %v", verErr))
			fmt.Fprintf(w, "%s onnx runtime %s: %v\n", FailMark, ver, verErr)
		} else {
			fmt.Fprintf(w, "%s onnx runtime: %s\n", PassMark, ver)
		}
	}

	// ---- pipeline definitions ---------------------------------------------
	if cfg.Definitions == "" {
		res.fail("pipeline definitions: no file configured")
		fmt.Fprintf(w, "%s pipeline definitions: no file configured\n", FailMark)
		return res
	}
	doc, err := definition.Load(cfg.Definitions)
	if err != nil {
		res.fail(fmt.Sprintf("pipeline definitions: %v", err))
		fmt.Fprintf(w, "%s pipeline definitions: %v\n", FailMark, err)
		return res
	}
	fmt.Fprintf(w, "%s pipeline definitions: %s (%d pipelines)\n", PassMark, cfg.Definitions, len(doc.Pipelines))

	// ---- models -----------------------------------------------------------
	for _, m := range doc.Models {
		model, err := doc.Model(m.Name)
		if err != nil {
			res.fail(fmt.Sprintf("model %q: %v", m.Name, err))
			fmt.Fprintf(w, "%s model %s: %v\n", FailMark, m.Name, err)
			continue
		}
		if _, err := os.Stat(model.Path); err != nil {
			res.fail(fmt.Sprintf("model %q: %v", m.Name, err))
			fmt.Fprintf(w, "%s model %s: %s not found\n", FailMark, m.Name, model.Path)
			continue
		}
		fmt.Fprintf(w, "%s model %s: %s\n", PassMark, m.Name, model.Path)
	}

	// ---- custom node libraries --------------------------------------------
	for _, l := range doc.Libraries {
		lib, _ := doc.Library(l.Name)
		if cfg.OpenLibrary == nil {
			fmt.Fprintf(w, "%s custom node library %s: skipped\n", PassMark, lib.Name)
			continue
		}
		if err := cfg.OpenLibrary(lib.BasePath); err != nil {
			res.fail(fmt.Sprintf("custom node library %q: %v", lib.Name, err))
			fmt.Fprintf(w, "%s custom node library %s: %v\n", FailMark, lib.Name, err)
			continue
		}
		fmt.Fprintf(w, "%s custom node library %s: %s\n", PassMark, lib.Name, lib.BasePath)
	}

	return res
}

// checkRuntimeVersion returns an error if ver is not a 1.x release exposing
// C API version api. ONNX Runtime 1.N ships API version N.
func checkRuntimeVersion(ver string, api uint32) error {
	major, minor, err := parseMajorMinor(ver)
	if err != nil {
		return fmt.Errorf("cannot parse %q: %w", ver, err)
	}
	if major != 1 {
		return fmt.Errorf("requires ONNX Runtime 1.x, got %d", major)
	}
	if api > 0 && uint32(minor) < api {
		return fmt.Errorf("requires ONNX Runtime >=1.%d for API version %d, got 1.%d", api, api, minor)
	}
	return nil
}

func parseMajorMinor(ver string) (major, minor int, err error) {
	parts := strings.SplitN(ver, ".", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("unexpected version format %q", ver)
	}
	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad major in %q: %w", ver, err)
	}
	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("bad minor in %q: %w", ver, err)
	}
	if minor < 0 {
		return 0, 0, fmt.Errorf("bad minor in %q", ver)
	}
	return major, minor, nil
}
