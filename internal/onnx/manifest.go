package onnx

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/example/go-pipeserve/internal/inference"
	"github.com/example/go-pipeserve/internal/tensor"
)

// NodeInfo is one graph input or output as listed in a manifest. Shape
// entries are numbers or symbolic names; symbolic dims accept any extent.
type NodeInfo struct {
	Name  string `json:"name"`
	DType string `json:"dtype"`
	Shape []any  `json:"shape"`
}

// Info converts the manifest entry into a tensor contract.
func (n NodeInfo) Info() (tensor.Info, error) {
	precision, err := tensor.ParsePrecision(n.DType)
	if err != nil {
		return tensor.Info{}, fmt.Errorf("%s: %w", n.Name, err)
	}
	var shape []int64
	if n.Shape != nil {
		shape = make([]int64, len(n.Shape))
	}
	for i, dim := range n.Shape {
		switch d := dim.(type) {
		case float64:
			if d < 0 || d != float64(int64(d)) {
				return tensor.Info{}, fmt.Errorf("%s: invalid dim %v", n.Name, d)
			}
			shape[i] = int64(d)
		case string, nil:
			shape[i] = tensor.AnyDim
		default:
			return tensor.Info{}, fmt.Errorf("%s: unsupported dim %v (%T)", n.Name, dim, dim)
		}
	}
	return tensor.Info{Name: n.Name, Precision: precision, Shape: shape}, nil
}

type Graph struct {
	Name string
	Path string

	Inputs  []NodeInfo
	Outputs []NodeInfo
}

// Model converts the graph into the runtime-neutral description.
func (g Graph) Model() (inference.Model, error) {
	m := inference.Model{Name: g.Name, Path: g.Path}
	for _, n := range g.Inputs {
		info, err := n.Info()
		if err != nil {
			return inference.Model{}, fmt.Errorf("graph %q input %w", g.Name, err)
		}
		m.Inputs = append(m.Inputs, info)
	}
	for _, n := range g.Outputs {
		info, err := n.Info()
		if err != nil {
			return inference.Model{}, fmt.Errorf("graph %q output %w", g.Name, err)
		}
		m.Outputs = append(m.Outputs, info)
	}
	return m, nil
}

// Manifest indexes the graphs declared in a manifest.json file.
type Manifest struct {
	mu     sync.RWMutex
	graphs map[string]Graph
	order  []string
}

type onnxManifest struct {
	Graphs []onnxGraph `json:"graphs"`
}

type onnxGraph struct {
	Name     string     `json:"name"`
	Filename string     `json:"filename"`
	Inputs   []NodeInfo `json:"inputs"`
	Outputs  []NodeInfo `json:"outputs"`
}

func LoadManifest(manifestPath string) (*Manifest, error) {
	if manifestPath == "" {
		return nil, errors.New("manifest path is required")
	}

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("read ONNX manifest: %w", err)
	}

	var manifest onnxManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("decode ONNX manifest: %w", err)
	}

	if len(manifest.Graphs) == 0 {
		return nil, errors.New("ONNX manifest has no graphs")
	}

	baseDir := filepath.Dir(manifestPath)
	m := &Manifest{
		graphs: make(map[string]Graph, len(manifest.Graphs)),
		order:  make([]string, 0, len(manifest.Graphs)),
	}

	for _, g := range manifest.Graphs {
		if g.Name == "" {
			return nil, errors.New("manifest graph has empty name")
		}

		if g.Filename == "" {
			return nil, fmt.Errorf("manifest graph %q has empty filename", g.Name)
		}

		if _, exists := m.graphs[g.Name]; exists {
			return nil, fmt.Errorf("duplicate graph name %q in manifest", g.Name)
		}

		graphPath := g.Filename
		if !filepath.IsAbs(graphPath) {
			graphPath = filepath.Join(baseDir, g.Filename)
		}

		graphPath = filepath.Clean(graphPath)
		if _, err := os.Stat(graphPath); err != nil {
			return nil, fmt.Errorf("graph file for %q: %w", g.Name, err)
		}

		graph := Graph{
			Name:    g.Name,
			Path:    graphPath,
			Inputs:  append([]NodeInfo(nil), g.Inputs...),
			Outputs: append([]NodeInfo(nil), g.Outputs...),
		}
		if _, err := graph.Model(); err != nil {
			return nil, fmt.Errorf("manifest: %w", err)
		}
		m.graphs[g.Name] = graph
		m.order = append(m.order, g.Name)

		slog.Debug(
			"loaded ONNX graph",
			"name", g.Name,
			"path", graphPath,
			"inputs", nodeNames(g.Inputs),
			"outputs", nodeNames(g.Outputs),
		)
	}

	return m, nil
}

func (m *Manifest) Graph(name string) (Graph, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.graphs[name]

	return g, ok
}

func (m *Manifest) Graphs() []Graph {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Graph, 0, len(m.order))
	for _, name := range m.order {
		g := m.graphs[name]
		g.Inputs = append([]NodeInfo(nil), g.Inputs...)
		g.Outputs = append([]NodeInfo(nil), g.Outputs...)
		out = append(out, g)
	}

	return out
}

func nodeNames(nodes []NodeInfo) string {
	if len(nodes) == 0 {
		return ""
	}

	names := make([]string, 0, len(nodes))
	for _, n := range nodes {
		names = append(names, n.Name)
	}

	return strings.Join(names, ",")
}
