// Package graph is the in-process model representation that calibration,
// tracing, smoothing and quantisation operate on.  A Model is a DAG of named
// layers registered in topological order; names are the dotted module paths
// used in sidecar files and tuning configs.
package graph

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/samcharles93/lowbit/internal/errtypes"
	"github.com/samcharles93/lowbit/internal/tensor"
)

var (
	// ErrShape reports mismatched tensor dimensions during Forward.
	ErrShape = errors.New("shape mismatch")
	// ErrForward wraps a panic raised inside a layer.
	ErrForward = errors.New("forward failed")
)

// Node is a named layer and the names of the nodes feeding it.
type Node struct {
	Name   string
	Inputs []string
	Layer  Layer
}

// Hook observes a node after it runs.  in and out alias model buffers and
// must not be modified.
type Hook func(name string, in []tensor.Mat, out tensor.Mat)

type hookEntry struct {
	id int
	fn Hook
}

// Model is a named-layer registry plus the edges between layers.  Lookups by
// name go through the registry built at registration time.
type Model struct {
	nodes     []*Node
	index     map[string]int
	inputs    []string
	output    string
	consumers map[string][]string
	hooks     map[string][]hookEntry
	nextHook  int
}

// New returns an empty model.
func New() *Model {
	return &Model{
		index:     make(map[string]int),
		consumers: make(map[string][]string),
		hooks:     make(map[string][]hookEntry),
	}
}

// AddInput registers a model input.  Inputs are fed to Forward in the order
// they were added.
func (m *Model) AddInput(name string) error {
	if err := m.register(name, Input{}, nil); err != nil {
		return err
	}
	m.inputs = append(m.inputs, name)
	return nil
}

// Add registers layer under name, reading from inputs.  Every input must
// already exist, so registration order is a topological order.
func (m *Model) Add(name string, layer Layer, inputs ...string) error {
	if layer == nil {
		return errtypes.Config("graph.Add", name, "nil layer")
	}
	if len(inputs) == 0 {
		return errtypes.Config("graph.Add", name, "layer has no inputs")
	}
	for _, in := range inputs {
		if _, ok := m.index[in]; !ok {
			return errtypes.Config("graph.Add", name, "unknown input %q", in)
		}
	}
	return m.register(name, layer, inputs)
}

func (m *Model) register(name string, layer Layer, inputs []string) error {
	if name == "" {
		return errtypes.Config("graph.Add", name, "empty layer name")
	}
	if _, dup := m.index[name]; dup {
		return errtypes.Config("graph.Add", name, "layer registered twice")
	}
	m.index[name] = len(m.nodes)
	m.nodes = append(m.nodes, &Node{Name: name, Inputs: slices.Clone(inputs), Layer: layer})
	for _, in := range inputs {
		m.consumers[in] = append(m.consumers[in], name)
	}
	return nil
}

// SetOutput selects the node whose value Forward returns.  By default the
// last registered node is the output.
func (m *Model) SetOutput(name string) error {
	if _, ok := m.index[name]; !ok {
		return errtypes.Config("graph.SetOutput", name, "unknown layer")
	}
	m.output = name
	return nil
}

// Output names the output node.
func (m *Model) Output() string {
	if m.output != "" || len(m.nodes) == 0 {
		return m.output
	}
	return m.nodes[len(m.nodes)-1].Name
}

// Inputs names the model inputs in feed order.
func (m *Model) Inputs() []string { return slices.Clone(m.inputs) }

// Layer returns the layer registered under name.
func (m *Model) Layer(name string) (Layer, bool) {
	i, ok := m.index[name]
	if !ok {
		return nil, false
	}
	return m.nodes[i].Layer, true
}

// SetLayer replaces the layer registered under name, keeping its edges.
func (m *Model) SetLayer(name string, layer Layer) error {
	i, ok := m.index[name]
	if !ok {
		return errtypes.Config("graph.SetLayer", name, "unknown layer")
	}
	if layer == nil {
		return errtypes.Config("graph.SetLayer", name, "nil layer")
	}
	m.nodes[i].Layer = layer
	return nil
}

// Node returns a copy of the node registered under name.
func (m *Model) Node(name string) (Node, bool) {
	i, ok := m.index[name]
	if !ok {
		return Node{}, false
	}
	n := *m.nodes[i]
	n.Inputs = slices.Clone(n.Inputs)
	return n, true
}

// Names lists every node in registration order.
func (m *Model) Names() []string {
	out := make([]string, len(m.nodes))
	for i, n := range m.nodes {
		out[i] = n.Name
	}
	return out
}

// NamesOfKind lists nodes whose layer kind is one of kinds, in registration
// order.
func (m *Model) NamesOfKind(kinds ...Kind) []string {
	var out []string
	for _, n := range m.nodes {
		if slices.Contains(kinds, n.Layer.Kind()) {
			out = append(out, n.Name)
		}
	}
	return out
}

// Consumers names the nodes reading the output of name.
func (m *Model) Consumers(name string) []string {
	return slices.Clone(m.consumers[name])
}

// Len is the number of registered nodes, inputs included.
func (m *Model) Len() int { return len(m.nodes) }

// AddHook attaches h to the named nodes, or to every node when names is
// empty.  The returned function detaches it.
func (m *Model) AddHook(h Hook, names ...string) (remove func()) {
	if len(names) == 0 {
		names = m.Names()
	}
	id := m.nextHook
	m.nextHook++
	for _, name := range names {
		m.hooks[name] = append(m.hooks[name], hookEntry{id: id, fn: h})
	}
	return func() {
		for _, name := range names {
			m.hooks[name] = slices.DeleteFunc(m.hooks[name], func(e hookEntry) bool { return e.id == id })
		}
	}
}

// Forward evaluates the model.  inputs are matched to AddInput order.  A
// panic inside a layer is returned as ErrForward.
func (m *Model) Forward(ctx context.Context, inputs ...tensor.Mat) (out tensor.Mat, err error) {
	if len(inputs) != len(m.inputs) {
		return tensor.Mat{}, fmt.Errorf("%w: model takes %d inputs, got %d", ErrShape, len(m.inputs), len(inputs))
	}
	values := make(map[string]tensor.Mat, len(m.nodes))
	for i, name := range m.inputs {
		values[name] = inputs[i]
	}
	var current string
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: layer %q: %v", ErrForward, current, r)
		}
	}()
	args := make([]tensor.Mat, 0, 2)
	for _, n := range m.nodes {
		if err := ctx.Err(); err != nil {
			return tensor.Mat{}, err
		}
		current = n.Name
		if n.Layer.Kind() == KindInput {
			m.runHooks(n.Name, nil, values[n.Name])
			continue
		}
		args = args[:0]
		for _, in := range n.Inputs {
			args = append(args, values[in])
		}
		y, err := n.Layer.Forward(args)
		if err != nil {
			return tensor.Mat{}, fmt.Errorf("layer %q: %w", n.Name, err)
		}
		values[n.Name] = y
		m.runHooks(n.Name, args, y)
	}
	return values[m.Output()], nil
}

func (m *Model) runHooks(name string, in []tensor.Mat, out tensor.Mat) {
	for _, e := range m.hooks[name] {
		e.fn(name, in, out)
	}
}

// Clone deep-copies every layer.  Hooks are not copied.
func (m *Model) Clone() *Model {
	c := New()
	for _, n := range m.nodes {
		c.index[n.Name] = len(c.nodes)
		c.nodes = append(c.nodes, &Node{Name: n.Name, Inputs: slices.Clone(n.Inputs), Layer: n.Layer.Clone()})
	}
	c.inputs = slices.Clone(m.inputs)
	c.output = m.output
	for k, v := range m.consumers {
		c.consumers[k] = slices.Clone(v)
	}
	return c
}
