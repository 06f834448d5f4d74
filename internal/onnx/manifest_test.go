package onnx

import (
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/example/go-pipeserve/internal/tensor"
)

func writeManifest(t *testing.T, dir, manifest string, graphFiles ...string) string {
	t.Helper()

	for _, name := range graphFiles {
		err := os.WriteFile(filepath.Join(dir, name), []byte("fake"), 0o644)
		if err != nil {
			t.Fatalf("write fake onnx file: %v", err)
		}
	}

	manifestPath := filepath.Join(dir, "manifest.json")

	err := os.WriteFile(manifestPath, []byte(manifest), 0o644)
	if err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	return manifestPath
}

func TestLoadManifest(t *testing.T) {
	tmp := t.TempDir()
	manifestPath := writeManifest(t, tmp, `{
  "graphs": [
    {
      "name": "classifier",
      "filename": "classifier.onnx",
      "inputs": [{"name":"pixels","dtype":"float","shape":["batch",3,224,224]}],
      "outputs": [{"name":"logits","dtype":"float32","shape":["batch",1000]}]
    },
    {
      "name": "tokens",
      "filename": "tokens.onnx",
      "inputs": [{"name":"ids","dtype":"int32","shape":[1,"seq"]}],
      "outputs": [{"name":"mask","dtype":"uint8","shape":[1,"seq"]}]
    }
  ]
}`, "classifier.onnx", "tokens.onnx")

	m, err := LoadManifest(manifestPath)
	if err != nil {
		t.Fatalf("LoadManifest failed: %v", err)
	}

	all := m.Graphs()
	if len(all) != 2 || all[0].Name != "classifier" || all[1].Name != "tokens" {
		t.Fatalf("expected graphs in manifest order, got %+v", all)
	}

	g, ok := m.Graph("classifier")
	if !ok {
		t.Fatal("expected classifier graph")
	}

	if g.Path != filepath.Join(tmp, "classifier.onnx") {
		t.Fatalf("unexpected graph path: %s", g.Path)
	}

	model, err := g.Model()
	if err != nil {
		t.Fatalf("Model: %v", err)
	}
	if len(model.Inputs) != 1 || model.Inputs[0].Precision != tensor.FP32 {
		t.Fatalf("unexpected inputs: %+v", model.Inputs)
	}
	if want := []int64{tensor.AnyDim, 3, 224, 224}; !slices.Equal(model.Inputs[0].Shape, want) {
		t.Fatalf("expected symbolic dims as wildcards %v, got %v", want, model.Inputs[0].Shape)
	}
}

func TestLoadManifestRejects(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		files    []string
	}{
		{
			name:     "missing graph file",
			manifest: `{"graphs":[{"name":"missing","filename":"missing.onnx","inputs":[],"outputs":[]}]}`,
		},
		{
			name:     "no graphs",
			manifest: `{"graphs":[]}`,
		},
		{
			name:     "duplicate names",
			manifest: `{"graphs":[{"name":"a","filename":"a.onnx"},{"name":"a","filename":"a.onnx"}]}`,
			files:    []string{"a.onnx"},
		},
		{
			name:     "unsupported dtype",
			manifest: `{"graphs":[{"name":"a","filename":"a.onnx","inputs":[{"name":"x","dtype":"int64","shape":[1]}]}]}`,
			files:    []string{"a.onnx"},
		},
		{
			name:     "fractional dim",
			manifest: `{"graphs":[{"name":"a","filename":"a.onnx","inputs":[{"name":"x","dtype":"float","shape":[1.5]}]}]}`,
			files:    []string{"a.onnx"},
		},
		{
			name:     "malformed json",
			manifest: `{"graphs":`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manifestPath := writeManifest(t, t.TempDir(), tt.manifest, tt.files...)
			if _, err := LoadManifest(manifestPath); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
