package smooth

import (
	"math"

	"github.com/samcharles93/lowbit/internal/errtypes"
	"github.com/samcharles93/lowbit/internal/tensor"
)

// MinScale is the lower clip of a smoothing scale.
const MinScale = 1e-5

// ScaleOptions tunes ComputeScale.
type ScaleOptions struct {
	// LegacyZeroWeightScale forces scale 0 where the weight power is 0
	// instead of the neutral 1.  Older sidecar files were produced that way.
	LegacyZeroWeightScale bool
}

// ComputeScale returns the per input channel smoothing scale
//
//	s = max(xmax^alpha / wmax^(1-alpha), MinScale)
//
// where wmax is the column-wise |w| maximum over all weights (they share the
// same input).  Channels with a zero activation power or a zero weight
// maximum get scale 1.
func ComputeScale(inputMax []float32, weights []*tensor.Mat, alpha float64, opts ScaleOptions) ([]float32, error) {
	if len(weights) == 0 {
		return nil, errtypes.Config("smooth.ComputeScale", "weights", "no weights")
	}
	wmax := make([]float32, len(inputMax))
	for _, w := range weights {
		if w.C != len(inputMax) {
			return nil, errtypes.Config("smooth.ComputeScale", "weights",
				"weight has %d input channels, activation statistics have %d", w.C, len(inputMax))
		}
		for j, v := range tensor.ColAbsMax(w) {
			wmax[j] = max(wmax[j], v)
		}
	}
	scale := make([]float32, len(inputMax))
	for j, xm := range inputMax {
		inPow := math.Pow(math.Abs(float64(xm)), alpha)
		wPow := math.Pow(float64(wmax[j]), 1-alpha)
		s := 1.0
		switch {
		case opts.LegacyZeroWeightScale && wPow == 0:
			s = 0
		case inPow == 0:
		case wmax[j] == 0 || wPow == 0:
		default:
			s = max(inPow/wPow, MinScale)
		}
		scale[j] = float32(s)
	}
	return scale, nil
}

// reciprocal returns 1/s per channel, 0 where s is 0.
func reciprocal(s []float32) []float32 {
	out := make([]float32, len(s))
	for i, v := range s {
		if v != 0 {
			out[i] = 1 / v
		}
	}
	return out
}
