package smooth

import (
	"github.com/samcharles93/lowbit/internal/errtypes"
	"github.com/samcharles93/lowbit/internal/graph"
)

// fold multiplies the absorber's output channels by 1/s and the members'
// input channels by s.
func (s *Smoother) fold(g *group) error {
	l, err := s.snapshot(g.key)
	if err != nil {
		return err
	}
	if err := absorbInto(l, reciprocal(g.scale)); err != nil {
		return err
	}
	for _, name := range g.members {
		l, err := s.snapshot(name)
		if err != nil {
			return err
		}
		lin, ok := l.(*graph.Linear)
		if !ok {
			return errtypes.Config("smooth.fold", name, "layer kind %s cannot be smoothed", l.Kind())
		}
		lin.W.ScaleCols(g.scale)
	}
	return nil
}

// insert replaces every member by a ScaledLinear that divides its input by s
// at runtime; the inner weights take s.
func (s *Smoother) insert(g *group) error {
	inputScale := reciprocal(g.scale)
	for _, name := range g.members {
		l, err := s.snapshot(name)
		if err != nil {
			return err
		}
		lin, ok := l.(*graph.Linear)
		if !ok {
			return errtypes.Config("smooth.insert", name, "layer kind %s cannot be smoothed", l.Kind())
		}
		inner := lin.Clone().(*graph.Linear)
		inner.W.ScaleCols(g.scale)
		if err := s.model.SetLayer(name, &graph.ScaledLinear{InputScale: inputScale, Inner: inner}); err != nil {
			return err
		}
	}
	return nil
}

// absorbInto scales the output channels of l in place.  Norm layers without
// affine parameters get them synthesised.
func absorbInto(l graph.Layer, scale []float32) error {
	switch v := l.(type) {
	case *graph.LayerNorm:
		v.Weight, v.Bias = scaleAffine(v.Weight, v.Bias, scale)
	case *graph.BatchNorm:
		v.Weight, v.Bias = scaleAffine(v.Weight, v.Bias, scale)
	case *graph.RMSNorm:
		mulInPlace(v.Weight, scale)
	case *graph.Mul:
		mulInPlace(v.Weight, scale)
	case *graph.Linear:
		if len(scale) != v.W.R {
			return errtypes.Config("smooth.absorb", "scale", "linear has %d outputs, scale has %d", v.W.R, len(scale))
		}
		v.W.ScaleRows(scale)
		if v.B != nil {
			mulInPlace(v.B, scale)
		}
	default:
		return errtypes.Config("smooth.absorb", string(l.Kind()), "layer cannot absorb a scale")
	}
	return nil
}

func scaleAffine(weight, bias, scale []float32) ([]float32, []float32) {
	if weight == nil {
		weight = make([]float32, len(scale))
		for i := range weight {
			weight[i] = 1
		}
		if bias == nil {
			bias = make([]float32, len(scale))
		}
	}
	mulInPlace(weight, scale)
	if bias != nil {
		mulInPlace(bias, scale)
	}
	return weight, bias
}

func mulInPlace(dst, scale []float32) {
	for i := range dst {
		dst[i] *= scale[i]
	}
}
