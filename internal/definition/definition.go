// Package definition reads pipeline definition files: the custom node
// libraries and models a deployment uses and the graphs built from them.
package definition

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/example/go-pipeserve/internal/customnode"
	"github.com/example/go-pipeserve/internal/dagerr"
	"github.com/example/go-pipeserve/internal/inference"
	"github.com/example/go-pipeserve/internal/onnx"
	"github.com/example/go-pipeserve/internal/tensor"
)

// Node types.
const (
	TypeCustom    = "custom"
	TypeInference = "inference"
)

// Request and Response are the reserved node names a definition refers to
// for the pipeline's entry and exit.
const (
	Request  = "request"
	Response = "response"
)

// Document is one parsed definition file.
type Document struct {
	Libraries []Library  `yaml:"custom_node_libraries" validate:"dive"`
	Models    []Model    `yaml:"models" validate:"dive"`
	Pipelines []Pipeline `yaml:"pipelines" validate:"required,min=1,dive"`

	dir string
}

// Library names a custom node shared object by base path.
type Library struct {
	Name      string `yaml:"name" validate:"required"`
	BasePath  string `yaml:"base_path" validate:"required"`
	Serialize bool   `yaml:"serialize"`
}

// Model is an inference graph, given either as a file with explicit
// contracts or as a graph in an ONNX manifest.
type Model struct {
	Name     string        `yaml:"name" validate:"required"`
	Path     string        `yaml:"path" validate:"required_without=Manifest"`
	Manifest string        `yaml:"manifest"`
	Graph    string        `yaml:"graph" validate:"required_with=Manifest"`
	Inputs   []tensor.Info `yaml:"inputs" validate:"dive"`
	Outputs  []tensor.Info `yaml:"outputs" validate:"dive"`
}

// Pipeline is one graph.
type Pipeline struct {
	Name    string        `yaml:"name" validate:"required"`
	Inputs  []tensor.Info `yaml:"inputs"`
	Nodes   []Node        `yaml:"nodes" validate:"dive"`
	Outputs []Output      `yaml:"outputs" validate:"required,min=1,dive"`
}

// Node is one inference or custom step.
type Node struct {
	Name    string  `yaml:"name" validate:"required"`
	Type    string  `yaml:"type" validate:"required,oneof=custom inference"`
	Library string  `yaml:"library" validate:"required_if=Type custom"`
	Model   string  `yaml:"model" validate:"required_if=Type inference"`
	Params  Params  `yaml:"params"`
	Inputs  []Input `yaml:"inputs" validate:"required,min=1,dive"`
}

// Input binds one node input to an output of request or another node.
type Input struct {
	Input  string `yaml:"input" validate:"required"`
	From   string `yaml:"from" validate:"required"`
	Output string `yaml:"output" validate:"required"`
}

// Output names one response tensor and where it comes from.
type Output struct {
	Name   string `yaml:"name" validate:"required"`
	From   string `yaml:"from" validate:"required"`
	Output string `yaml:"output" validate:"required"`
}

// Params are custom node parameters in the order they were written.
type Params []customnode.Param

// UnmarshalYAML accepts a mapping of scalars and keeps its order.
func (p *Params) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: params must be a mapping", node.Line)
	}
	out := make(Params, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		if value.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: param %q must be a scalar", value.Line, key.Value)
		}
		out = append(out, customnode.Param{Key: key.Value, Value: value.Value})
	}
	*p = out
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads and checks the definition file at path. Relative paths inside
// it are resolved against its directory.
func Load(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pipeline definitions: %w", err)
	}
	defer f.Close()
	return Parse(f, filepath.Dir(path))
}

// Parse decodes and checks a definition. dir anchors relative paths.
func Parse(r io.Reader, dir string) (*Document, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, dagerr.New(dagerr.GraphConfiguration, "pipeline definitions are empty")
		}
		return nil, dagerr.Errorf(dagerr.GraphConfiguration, "decode pipeline definitions: %w", err)
	}
	doc.dir = dir
	if err := validate.Struct(&doc); err != nil {
		return nil, dagerr.Errorf(dagerr.GraphConfiguration, "invalid pipeline definitions: %w", err)
	}
	if err := doc.check(); err != nil {
		return nil, dagerr.Wrap(dagerr.GraphConfiguration, "", err)
	}
	return &doc, nil
}

// check verifies the references validator tags cannot express.
func (d *Document) check() error {
	libraries := make(map[string]bool, len(d.Libraries))
	for _, lib := range d.Libraries {
		if libraries[lib.Name] {
			return fmt.Errorf("duplicate custom node library %q", lib.Name)
		}
		libraries[lib.Name] = true
	}
	models := make(map[string]bool, len(d.Models))
	for _, m := range d.Models {
		if models[m.Name] {
			return fmt.Errorf("duplicate model %q", m.Name)
		}
		models[m.Name] = true
	}

	pipelines := make(map[string]bool, len(d.Pipelines))
	for _, p := range d.Pipelines {
		if pipelines[p.Name] {
			return fmt.Errorf("duplicate pipeline %q", p.Name)
		}
		pipelines[p.Name] = true

		nodes := map[string]bool{Request: true}
		for _, n := range p.Nodes {
			if n.Name == Request || n.Name == Response {
				return fmt.Errorf("pipeline %q: node name %q is reserved", p.Name, n.Name)
			}
			if nodes[n.Name] {
				return fmt.Errorf("pipeline %q: duplicate node %q", p.Name, n.Name)
			}
			nodes[n.Name] = true
			switch n.Type {
			case TypeCustom:
				if !libraries[n.Library] {
					return fmt.Errorf("pipeline %q node %q: unknown custom node library %q", p.Name, n.Name, n.Library)
				}
			case TypeInference:
				if !models[n.Model] {
					return fmt.Errorf("pipeline %q node %q: unknown model %q", p.Name, n.Name, n.Model)
				}
			}
		}
		for _, n := range p.Nodes {
			for _, in := range n.Inputs {
				if !nodes[in.From] {
					return fmt.Errorf("pipeline %q node %q: input %q reads unknown node %q", p.Name, n.Name, in.Input, in.From)
				}
			}
		}
		for _, out := range p.Outputs {
			if !nodes[out.From] {
				return fmt.Errorf("pipeline %q: output %q reads unknown node %q", p.Name, out.Name, out.From)
			}
		}
	}
	return nil
}

// Library returns the named library.
func (d *Document) Library(name string) (Library, bool) {
	i := slices.IndexFunc(d.Libraries, func(l Library) bool { return l.Name == name })
	if i < 0 {
		return Library{}, false
	}
	lib := d.Libraries[i]
	lib.BasePath = d.resolve(lib.BasePath)
	return lib, true
}

// Model returns the named model with its contract resolved.
func (d *Document) Model(name string) (inference.Model, error) {
	i := slices.IndexFunc(d.Models, func(m Model) bool { return m.Name == name })
	if i < 0 {
		return inference.Model{}, fmt.Errorf("unknown model %q", name)
	}
	return d.Models[i].Resolve(d.dir)
}

// Dir is the directory relative paths resolve against.
func (d *Document) Dir() string { return d.dir }

func (d *Document) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || d.dir == "" {
		return path
	}
	return filepath.Join(d.dir, path)
}

// Resolve turns m into a runtime model. Contracts listed in the definition
// override the ones read from a manifest.
func (m Model) Resolve(dir string) (inference.Model, error) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) || dir == "" {
			return p
		}
		return filepath.Join(dir, p)
	}

	model := inference.Model{Name: m.Name, Path: abs(m.Path)}
	if m.Manifest != "" {
		manifest, err := onnx.LoadManifest(abs(m.Manifest))
		if err != nil {
			return inference.Model{}, fmt.Errorf("model %q: %w", m.Name, err)
		}
		graph, ok := manifest.Graph(m.Graph)
		if !ok {
			return inference.Model{}, fmt.Errorf("model %q: manifest has no graph %q", m.Name, m.Graph)
		}
		fromManifest, err := graph.Model()
		if err != nil {
			return inference.Model{}, fmt.Errorf("model %q: %w", m.Name, err)
		}
		fromManifest.Name = m.Name
		model = fromManifest
	}
	if len(m.Inputs) > 0 {
		model.Inputs = slices.Clone(m.Inputs)
	}
	if len(m.Outputs) > 0 {
		model.Outputs = slices.Clone(m.Outputs)
	}
	if len(model.Inputs) == 0 || len(model.Outputs) == 0 {
		return inference.Model{}, fmt.Errorf("model %q: inputs and outputs must be declared", m.Name)
	}
	return model, nil
}
