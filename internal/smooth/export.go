package smooth

import (
	"context"

	"github.com/samcharles93/lowbit/internal/graph"
	"github.com/samcharles93/lowbit/internal/orderedmap"
	"github.com/samcharles93/lowbit/internal/tensor"
)

// Info is the smoothing record of one layer, in the form a runtime that
// applies the multiply itself needs.
type Info struct {
	Absorber string  `json:"absorber"`
	Alpha    float64 `json:"alpha"`
	// InputScaleForMul is the per-channel factor the input is multiplied
	// by (1/s).
	InputScaleForMul []float32 `json:"input_scale_for_mul"`
	// InputScale and InputZeroPoint are the quint8 affine parameters of
	// the input after the multiply.
	InputScale     float32 `json:"input_scale_after_mul"`
	InputZeroPoint int32   `json:"input_zero_point_after_mul"`
	// WeightScaleAfterMul are the per-row symmetric int8 scales of the
	// weight once multiplied by s.
	WeightScaleAfterMul []float32 `json:"weight_scale_after_mul"`
}

// Export computes the smoothing record of every layer without changing the
// model.  Any earlier transform is reverted first.
func (s *Smoother) Export(ctx context.Context, opts TransformOptions) (*orderedmap.Map[string, Info], error) {
	p, err := s.prepare(ctx, opts)
	if err != nil {
		return nil, err
	}
	out := orderedmap.New[string, Info]()
	if p.skipped != "" {
		return out, nil
	}
	for _, g := range p.groups {
		inScale := reciprocal(g.scale)
		var lo, hi float32
		for j := range inScale {
			v0, v1 := g.stats.Min[j]*inScale[j], g.stats.Max[j]*inScale[j]
			if j == 0 {
				lo, hi = v0, v1
				continue
			}
			lo, hi = min(lo, v0), max(hi, v1)
		}
		qp := tensor.AffineQParams(lo, hi, 0, 255)
		for _, name := range g.members {
			l, _ := s.model.Layer(name)
			w := l.(*graph.Linear).W.Clone()
			w.ScaleCols(g.scale)
			out.Set(name, Info{
				Absorber:            g.key,
				Alpha:               g.alpha,
				InputScaleForMul:    inScale,
				InputScale:          qp.Scale,
				InputZeroPoint:      qp.ZeroPoint,
				WeightScaleAfterMul: tensor.PerRowSymmetricScales(&w),
			})
		}
	}
	return out, nil
}
