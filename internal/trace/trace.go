// Package trace records a forward pass of a model and finds, for each
// quantizable layer, the upstream layer able to absorb a smoothing scale.
package trace

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/samcharles93/lowbit/internal/graph"
	"github.com/samcharles93/lowbit/internal/tensor"
)

// ErrNoTrace means the model could not be traced.  Callers fall back to
// unsmoothed quantisation.
var ErrNoTrace = errors.New("no trace available")

// Kinds that commute with a positive per-channel scale.
var skipKinds = []graph.Kind{graph.KindCast, graph.KindReLU, graph.KindLeakyReLU, graph.KindHardTanh}

// Kinds whose output channels can absorb a scale.
var absorbKinds = []graph.Kind{graph.KindLayerNorm, graph.KindBatchNorm, graph.KindRMSNorm, graph.KindLinear, graph.KindMul}

// IsSkip reports whether k is scale invariant.
func IsSkip(k graph.Kind) bool { return slices.Contains(skipKinds, k) }

// IsAbsorbable reports whether k can absorb a scale.
func IsAbsorbable(k graph.Kind) bool { return slices.Contains(absorbKinds, k) }

// Graph is the executed structure of one forward pass.
type Graph struct {
	order     []string
	kinds     map[string]graph.Kind
	inputs    map[string][]string
	consumers map[string][]string
}

// Trace runs example through m and records every executed node.  A forward
// error, a panic or an opaque function all yield ErrNoTrace.
func Trace(ctx context.Context, m *graph.Model, example []tensor.Mat) (*Graph, error) {
	if len(example) == 0 {
		return nil, fmt.Errorf("%w: no example input", ErrNoTrace)
	}
	g := &Graph{
		kinds:     make(map[string]graph.Kind),
		inputs:    make(map[string][]string),
		consumers: make(map[string][]string),
	}
	var opaque string
	remove := m.AddHook(func(name string, _ []tensor.Mat, _ tensor.Mat) {
		l, _ := m.Layer(name)
		if f, ok := l.(*graph.Func); ok && f.Opaque && opaque == "" {
			opaque = name
		}
		n, _ := m.Node(name)
		g.order = append(g.order, name)
		g.kinds[name] = l.Kind()
		g.inputs[name] = n.Inputs
		for _, in := range n.Inputs {
			g.consumers[in] = append(g.consumers[in], name)
		}
	})
	defer remove()

	if _, err := m.Forward(ctx, example...); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrNoTrace, err)
	}
	if opaque != "" {
		return nil, fmt.Errorf("%w: layer %q is opaque", ErrNoTrace, opaque)
	}
	return g, nil
}

// Kind returns the kind of an executed node.
func (g *Graph) Kind(name string) graph.Kind { return g.kinds[name] }

// Consumers lists executed readers of name.
func (g *Graph) Consumers(name string) []string { return slices.Clone(g.consumers[name]) }

// Order lists executed nodes in execution order.
func (g *Graph) Order() []string { return slices.Clone(g.order) }

// NodesOfKind lists executed nodes of the given kinds.
func (g *Graph) NodesOfKind(kinds []graph.Kind) []string {
	var out []string
	for _, n := range g.order {
		if slices.Contains(kinds, g.kinds[n]) {
			out = append(out, n)
		}
	}
	return out
}

func (g *Graph) parent(name string) (string, bool) {
	in := g.inputs[name]
	if len(in) == 0 {
		return "", false
	}
	return in[0], true
}

// prevAbsorber walks up from node through scale-invariant ops and returns the
// first absorbable ancestor, provided every consumer of that ancestor is
// absorbable or reaches only absorbable ops through scale-invariant chains.
func (g *Graph) prevAbsorber(node string) (string, bool) {
	p, ok := g.parent(node)
	for ok && IsSkip(g.kinds[p]) {
		p, ok = g.parent(p)
	}
	if !ok || !IsAbsorbable(g.kinds[p]) {
		return "", false
	}
	allAbsorbable, anySkip := true, false
	for _, c := range g.consumers[p] {
		k := g.kinds[c]
		if !IsAbsorbable(k) {
			allAbsorbable = false
		}
		if IsSkip(k) {
			anySkip = true
		}
	}
	switch {
	case allAbsorbable:
		return p, true
	case anySkip && g.consumersReachAbsorbable(p):
		return p, true
	default:
		return "", false
	}
}

func (g *Graph) consumersReachAbsorbable(name string) bool {
	for _, c := range g.consumers[name] {
		k := g.kinds[c]
		switch {
		case IsAbsorbable(k):
		case IsSkip(k):
			if !g.consumersReachAbsorbable(c) {
				return false
			}
		default:
			return false
		}
	}
	return true
}
