package trace

import (
	"context"

	"github.com/samcharles93/lowbit/internal/graph"
	"github.com/samcharles93/lowbit/internal/orderedmap"
	"github.com/samcharles93/lowbit/internal/tensor"
)

// Result maps each absorbing layer to the quantizable layers it absorbs for,
// in discovery order.  NoAbsorb lists quantizable layers without a usable
// absorber.
type Result struct {
	AbsorbToLayer *orderedmap.Map[string, []string]
	NoAbsorb      []string
}

// Absorbed counts the layers covered by AbsorbToLayer.
func (r *Result) Absorbed() int {
	var n int
	for _, v := range r.AbsorbToLayer.All() {
		n += len(v)
	}
	return n
}

// AbsorbToLayer traces m and groups the layers of opTypes by absorber.  With
// skipUnsupported, groups whose absorber or members cannot be rewritten in
// place move to NoAbsorb.
func AbsorbToLayer(ctx context.Context, m *graph.Model, example []tensor.Mat, opTypes []graph.Kind, skipUnsupported bool) (*Result, error) {
	g, err := Trace(ctx, m, example)
	if err != nil {
		return nil, err
	}
	res := &Result{AbsorbToLayer: orderedmap.New[string, []string]()}
	for _, node := range g.NodesOfKind(opTypes) {
		absorber, ok := g.prevAbsorber(node)
		if !ok {
			res.NoAbsorb = append(res.NoAbsorb, node)
			continue
		}
		members, _ := res.AbsorbToLayer.Get(absorber)
		res.AbsorbToLayer.Set(absorber, append(members, node))
	}
	if skipUnsupported {
		removeUnsupported(m, res)
	}
	return res, nil
}

func removeUnsupported(m *graph.Model, res *Result) {
	kept := orderedmap.New[string, []string]()
	for absorber, members := range res.AbsorbToLayer.All() {
		l, _ := m.Layer(absorber)
		if !SupportedAbsorber(l) {
			res.NoAbsorb = append(res.NoAbsorb, members...)
			continue
		}
		supported := true
		for _, n := range members {
			ml, _ := m.Layer(n)
			if _, ok := ml.(*graph.Linear); !ok {
				supported = false
				break
			}
		}
		if !supported {
			res.NoAbsorb = append(res.NoAbsorb, members...)
			continue
		}
		kept.Set(absorber, members)
	}
	res.AbsorbToLayer = kept
}

// SupportedAbsorber reports whether the smoother knows how to rewrite the
// output channels of l.
func SupportedAbsorber(l graph.Layer) bool {
	switch l.(type) {
	case *graph.LayerNorm, *graph.BatchNorm, *graph.RMSNorm, *graph.Linear, *graph.Mul:
		return true
	}
	return false
}

// SharedInputGroups groups the executed *graph.Linear layers of opTypes by the
// node feeding them.  Each group is keyed by its first member, so layers such
// as q, k and v projections share one smoothing scale.
func SharedInputGroups(ctx context.Context, m *graph.Model, example []tensor.Mat, opTypes []graph.Kind) (*orderedmap.Map[string, []string], error) {
	g, err := Trace(ctx, m, example)
	if err != nil {
		return nil, err
	}
	byInput := orderedmap.New[string, []string]()
	for _, node := range g.NodesOfKind(opTypes) {
		l, _ := m.Layer(node)
		if _, ok := l.(*graph.Linear); !ok {
			continue
		}
		in, _ := g.parent(node)
		members, _ := byInput.Get(in)
		byInput.Set(in, append(members, node))
	}
	groups := orderedmap.New[string, []string]()
	for _, members := range byInput.All() {
		groups.Set(members[0], members)
	}
	return groups, nil
}
