package pipeline

import (
	"errors"
	"log/slog"
	"runtime"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/example/go-pipeserve/internal/customnode"
	"github.com/example/go-pipeserve/internal/dagerr"
	"github.com/example/go-pipeserve/internal/inference"
	"github.com/example/go-pipeserve/internal/metrics"
	"github.com/example/go-pipeserve/internal/tensor"
)

// Option configures a Pipeline.
type Option func(*options)

type options struct {
	maxConcurrent int
	timeout       time.Duration
	metrics       *metrics.Metrics
	logger        *slog.Logger
	tracer        trace.Tracer
}

// minConcurrentNodes is the floor of the default execution limit, so
// independent branches still overlap on hosts with few CPUs.
const minConcurrentNodes = 4

// WithMaxConcurrentNodes bounds how many model or library executions run at
// once across all requests of the pipeline. The default is GOMAXPROCS, but
// never less than 4.
func WithMaxConcurrentNodes(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConcurrent = n
		}
	}
}

// WithRequestTimeout bounds each Submit. Zero disables the limit.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

type edge struct {
	from, to string
	bindings []Binding
}

// Builder assembles a Pipeline. The first error is kept and reported by
// Build. Resources handed to the builder are released by Build on failure.
type Builder struct {
	name  string
	opts  options
	nodes []*Node
	edges []edge
	err   error
	used  bool
}

// NewBuilder starts a pipeline with an entry node that accepts whatever its
// bindings read. Call Entry to declare the request contract instead.
func NewBuilder(name string, opts ...Option) *Builder {
	b := &Builder{
		name: name,
		opts: options{
			maxConcurrent: max(minConcurrentNodes, runtime.GOMAXPROCS(0)),
			logger:        slog.Default(),
			tracer:        otel.Tracer("pipeserve.pipeline"),
		},
	}
	for _, opt := range opts {
		opt(&b.opts)
	}
	b.nodes = append(b.nodes, newNode(EntryName, KindEntry, &entryOps{}))
	return b
}

func (b *Builder) fail(err error) *Builder {
	if b.err == nil {
		b.err = err
	}
	return b
}

func (b *Builder) has(name string) bool {
	return slices.ContainsFunc(b.nodes, func(n *Node) bool { return n.name == name })
}

func (b *Builder) add(n *Node) *Builder {
	if b.has(n.name) {
		return b.fail(dagerr.Errorf(dagerr.GraphConfiguration, "pipeline %q: duplicate node name %q", b.name, n.name))
	}
	b.nodes = append(b.nodes, n)
	return b
}

// Entry declares the tensors a request must carry.
func (b *Builder) Entry(inputs ...tensor.Info) *Builder {
	if _, err := tensor.IndexInfos(inputs); err != nil {
		return b.fail(dagerr.Wrap(dagerr.GraphConfiguration, EntryName, err))
	}
	b.nodes[0].ops = &entryOps{infos: slices.Clone(inputs), declared: true}
	return b
}

// Exit declares the tensors of the response.
func (b *Builder) Exit(outputs ...string) *Builder {
	infos := make([]tensor.Info, 0, len(outputs))
	for _, name := range outputs {
		infos = append(infos, tensor.Info{Name: name})
	}
	if _, err := tensor.IndexInfos(infos); err != nil {
		return b.fail(dagerr.Wrap(dagerr.GraphConfiguration, ExitName, err))
	}
	return b.add(newNode(ExitName, KindExit, &exitOps{infos: infos}))
}

// Inference adds a node running exe. The caller keeps ownership of exe.
func (b *Builder) Inference(name string, exe inference.Executable) *Builder {
	if exe == nil {
		return b.fail(dagerr.Errorf(dagerr.GraphConfiguration, "node %q: nil executable", name))
	}
	return b.add(newNode(name, KindInference, &inferenceOps{exe: exe}))
}

// Custom adds a node running lib. The node owns one reference to lib, which
// is returned to reg when the pipeline closes or fails to build. A nil reg
// closes lib directly.
func (b *Builder) Custom(name string, lib *customnode.Library, reg *customnode.Registry) *Builder {
	if lib == nil {
		return b.fail(dagerr.Errorf(dagerr.GraphConfiguration, "node %q: nil library", name))
	}
	ops := &customOps{lib: lib, reg: reg}
	if b.has(name) {
		_ = ops.close()
		return b.fail(dagerr.Errorf(dagerr.GraphConfiguration, "pipeline %q: duplicate node name %q", b.name, name))
	}
	b.nodes = append(b.nodes, newNode(name, KindCustom, ops))
	if err := ops.interrogate(); err != nil {
		return b.fail(dagerr.Wrap(dagerr.CustomLibrary, name, err))
	}
	return b
}

// Connect binds outputs of from to inputs of to.
func (b *Builder) Connect(from, to string, bindings ...Binding) *Builder {
	b.edges = append(b.edges, edge{from: from, to: to, bindings: bindings})
	return b
}

// Build validates the graph and returns the pipeline.
func (b *Builder) Build() (*Pipeline, error) {
	if b.used {
		return nil, dagerr.Errorf(dagerr.GraphConfiguration, "pipeline %q: builder already used", b.name)
	}
	b.used = true
	p, err := b.build()
	if err != nil {
		if cerr := closeNodes(b.nodes); cerr != nil {
			err = errors.Join(err, cerr)
		}
		return nil, err
	}
	return p, nil
}

// Abort releases everything handed to the builder without building.
func (b *Builder) Abort() error {
	if b.used {
		return nil
	}
	b.used = true
	return closeNodes(b.nodes)
}

func (b *Builder) build() (*Pipeline, error) {
	if b.err != nil {
		return nil, b.err
	}
	index := make(map[string]*Node, len(b.nodes))
	for _, n := range b.nodes {
		if n.name == "" {
			return nil, dagerr.Errorf(dagerr.GraphConfiguration, "pipeline %q: empty node name", b.name)
		}
		index[n.name] = n
	}
	entry := index[EntryName]
	exit, ok := index[ExitName]
	if !ok || exit.kind != KindExit {
		return nil, dagerr.Errorf(dagerr.GraphConfiguration, "pipeline %q has no exit node", b.name)
	}
	if entry.kind != KindEntry {
		return nil, dagerr.Errorf(dagerr.GraphConfiguration, "pipeline %q: %q is reserved for the entry node", b.name, EntryName)
	}

	for _, e := range b.edges {
		from, ok := index[e.from]
		if !ok {
			return nil, dagerr.Errorf(dagerr.GraphConfiguration, "pipeline %q: unknown node %q", b.name, e.from)
		}
		to, ok := index[e.to]
		if !ok {
			return nil, dagerr.Errorf(dagerr.GraphConfiguration, "pipeline %q: unknown node %q", b.name, e.to)
		}
		if err := to.AddDependency(from, e.bindings); err != nil {
			return nil, err
		}
	}

	entry.required = nil
	for _, info := range entry.ops.inputs() {
		entry.required = append(entry.required, info.Name)
	}
	for _, n := range b.nodes {
		for _, info := range n.ops.inputs() {
			if n.kind != KindEntry && !slices.Contains(n.required, info.Name) {
				return nil, dagerr.Errorf(dagerr.GraphConfiguration, "node %q: input %q is not bound", n.name, info.Name)
			}
		}
	}

	order, err := topoSort(b.name, b.nodes)
	if err != nil {
		return nil, err
	}
	if err := checkReachable(entry, b.nodes); err != nil {
		return nil, err
	}

	exec := &executor{
		pipeline: b.name,
		sem:      semaphore.NewWeighted(int64(b.opts.maxConcurrent)),
		metrics:  b.opts.metrics,
		tracer:   b.opts.tracer,
		logger:   b.opts.logger,
	}
	for _, n := range b.nodes {
		n.exec = exec
		n.built = true
	}
	return &Pipeline{
		name:    b.name,
		nodes:   index,
		order:   order,
		entry:   entry,
		exit:    exit,
		timeout: b.opts.timeout,
		exec:    exec,
		runs:    make(map[SessionKey]*run),
	}, nil
}

// topoSort orders nodes with Kahn's algorithm, keeping insertion order among
// nodes that become ready together.
func topoSort(pipeline string, nodes []*Node) ([]*Node, error) {
	indegree := make(map[*Node]int, len(nodes))
	var queue []*Node
	for _, n := range nodes {
		indegree[n] = len(n.upstream)
		if indegree[n] == 0 {
			queue = append(queue, n)
		}
	}
	order := make([]*Node, 0, len(nodes))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		for _, d := range n.downstream {
			indegree[d]--
			if indegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	if len(order) != len(nodes) {
		var cyclic []string
		for _, n := range nodes {
			if indegree[n] > 0 {
				cyclic = append(cyclic, n.name)
			}
		}
		return nil, dagerr.Errorf(dagerr.GraphConfiguration, "pipeline %q has a cycle through %v", pipeline, cyclic)
	}
	return order, nil
}

func checkReachable(entry *Node, nodes []*Node) error {
	seen := map[*Node]bool{entry: true}
	stack := []*Node{entry}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, d := range n.downstream {
			if !seen[d] {
				seen[d] = true
				stack = append(stack, d)
			}
		}
	}
	for _, n := range nodes {
		if !seen[n] {
			return dagerr.Errorf(dagerr.GraphConfiguration, "node %q is not reachable from %q", n.name, entry.name)
		}
	}
	return nil
}
