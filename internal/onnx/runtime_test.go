package onnx

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/example/go-pipeserve/internal/config"
)

func writeFakeLib(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("fake"), 0o644); err != nil {
		t.Fatalf("write fake lib: %v", err)
	}
	return p
}

func TestDetectRuntimePrefersPIPESERVEORTLIB(t *testing.T) {
	tmp := t.TempDir()
	lib := writeFakeLib(t, tmp, "libonnxruntime.so")

	t.Setenv("PIPESERVE_ORT_LIB", lib)
	t.Setenv("ORT_LIBRARY_PATH", filepath.Join(tmp, "does-not-exist"))

	info, err := DetectRuntime(config.RuntimeConfig{})
	if err != nil {
		t.Fatalf("DetectRuntime failed: %v", err)
	}
	if info.LibraryPath != lib {
		t.Fatalf("expected %q, got %q", lib, info.LibraryPath)
	}
}

func TestDetectRuntimeConfigWins(t *testing.T) {
	tmp := t.TempDir()
	lib := writeFakeLib(t, tmp, "libonnxruntime.so.1.22.0")
	t.Setenv("PIPESERVE_ORT_LIB", filepath.Join(tmp, "other.so"))
	t.Setenv("ORT_VERSION", "")

	info, err := DetectRuntime(config.RuntimeConfig{ORTLibraryPath: lib})
	if err != nil {
		t.Fatalf("DetectRuntime failed: %v", err)
	}
	if info.LibraryPath != lib {
		t.Fatalf("expected %q, got %q", lib, info.LibraryPath)
	}
	if info.Version != "1.22.0" {
		t.Fatalf("expected version inferred from file name, got %q", info.Version)
	}
}

func TestDetectRuntimeExplicitVersion(t *testing.T) {
	lib := writeFakeLib(t, t.TempDir(), "libonnxruntime.so")

	info, err := DetectRuntime(config.RuntimeConfig{ORTLibraryPath: lib, ORTVersion: "1.20.1"})
	if err != nil {
		t.Fatalf("DetectRuntime failed: %v", err)
	}
	if info.Version != "1.20.1" {
		t.Fatalf("expected configured version, got %q", info.Version)
	}
}

func TestDetectRuntimeMissingPath(t *testing.T) {
	_, err := DetectRuntime(config.RuntimeConfig{ORTLibraryPath: filepath.Join(t.TempDir(), "nope.so")})
	if err == nil {
		t.Fatal("expected error for missing library")
	}
}

func TestInferVersionFromPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/usr/lib/libonnxruntime.so.1.22.0", "1.22.0"},
		{"/opt/onnxruntime-linux-x64-1.19.2/lib/libonnxruntime.so", ""},
		{"libonnxruntime.1.17.3.dylib", "1.17.3"},
	}
	for _, tt := range tests {
		if got := inferVersionFromPath(tt.path); got != tt.want {
			t.Errorf("inferVersionFromPath(%q) = %q; want %q", tt.path, got, tt.want)
		}
	}
}

func TestShutdownWithoutBootstrap(t *testing.T) {
	if err := Shutdown(); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
}
