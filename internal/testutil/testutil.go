// Package testutil provides shared skip helpers for integration tests.
//
// Each helper calls t.Skipf with a clear human-readable reason when the named
// prerequisite is absent, so integration tests remain runnable in partial
// environments without failing noisily.
//
// Typical usage:
//
//	func TestMyIntegration(t *testing.T) {
//	    lib := testutil.RequireCustomNodeLibrary(t)
//	    ...
//	}
package testutil

import (
	"os"
	"testing"
)

// RequireONNXRuntime skips the test if no ONNX Runtime shared library can be
// located. It checks (in order): the PIPESERVE_ORT_LIB env var, then the
// ORT_LIBRARY_PATH env var, then common system library paths.
func RequireONNXRuntime(tb testing.TB) {
	tb.Helper()

	for _, env := range []string{"PIPESERVE_ORT_LIB", "ORT_LIBRARY_PATH"} {
		if p := os.Getenv(env); p != "" {
			// #nosec G703 -- Integration tests intentionally accept explicit env-provided local library paths.
			_, err := os.Stat(p)
			if err == nil {
				return // found
			}

			tb.Skipf("ONNX Runtime library not found at %s=%q", env, p)
			return
		}
	}
	// Fall back to common system locations.
	candidates := []string{
		"/usr/lib/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.so",
		"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
	}
	for _, p := range candidates {
		_, err := os.Stat(p)
		if err == nil {
			return // found
		}
	}

	tb.Skipf("ONNX Runtime shared library not found; set PIPESERVE_ORT_LIB or ORT_LIBRARY_PATH")
}

// RequireIdentityModel returns the path of an fp32 identity ONNX model with
// input "input" and output "output" of shape [1,3], named by
// PIPESERVE_ONNX_IDENTITY_MODEL, or skips.
func RequireIdentityModel(tb testing.TB) string {
	tb.Helper()
	return requireFile(tb, "PIPESERVE_ONNX_IDENTITY_MODEL", "identity ONNX model")
}

// RequireCustomNodeLibrary returns the path of a compiled custom node
// library named by PIPESERVE_CUSTOM_NODE_LIB, or skips. The library must
// double fp32 input "in" into output "out".
func RequireCustomNodeLibrary(tb testing.TB) string {
	tb.Helper()
	return requireFile(tb, "PIPESERVE_CUSTOM_NODE_LIB", "custom node library")
}

func requireFile(tb testing.TB, env, what string) string {
	tb.Helper()

	p := os.Getenv(env)
	if p == "" {
		tb.Skipf("%s not configured; set %s", what, env)
		return ""
	}
	// #nosec G703 -- Integration tests intentionally accept explicit env-provided local paths.
	if _, err := os.Stat(p); err != nil {
		tb.Skipf("%s not found at %s=%q: %v", what, env, p, err)
		return ""
	}
	return p
}
