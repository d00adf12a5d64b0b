package smooth

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/samcharles93/lowbit/internal/calib"
	"github.com/samcharles93/lowbit/internal/errtypes"
	"github.com/samcharles93/lowbit/internal/graph"
	"github.com/samcharles93/lowbit/internal/tensor"
)

// Criterion combines the losses of layers that share one absorber.
type Criterion string

const (
	CriterionMean Criterion = "mean"
	CriterionMin  Criterion = "min"
	CriterionMax  Criterion = "max"
)

// AutoAlphaOptions bounds the alpha search.
type AutoAlphaOptions struct {
	Init            float64
	Min             float64
	Max             float64
	Step            float64
	SharedCriterion Criterion
	// Samples is the number of batches the loss is measured on.
	Samples int
	// Global picks one alpha for every absorber instead of one each.
	Global bool
}

// DefaultAutoAlpha searches 0..1 in steps of 0.1 over 32 batches.
func DefaultAutoAlpha() AutoAlphaOptions {
	return AutoAlphaOptions{Init: 0.5, Min: 0, Max: 1, Step: 0.1, SharedCriterion: CriterionMean, Samples: 32}
}

func (a AutoAlphaOptions) withDefaults() AutoAlphaOptions {
	d := DefaultAutoAlpha()
	if a == (AutoAlphaOptions{}) {
		return d
	}
	if a.Min == 0 && a.Max == 0 {
		a.Max = d.Max
	}
	if a.Step == 0 {
		a.Step = d.Step
	}
	if a.SharedCriterion == "" {
		a.SharedCriterion = d.SharedCriterion
	}
	if a.Samples == 0 {
		a.Samples = d.Samples
	}
	return a
}

// Grid lists the candidate alphas, rounded to 1e-6.
func (a AutoAlphaOptions) Grid() ([]float64, error) {
	if a.Step <= 0 || a.Max < a.Min || a.Min < 0 {
		return nil, errtypes.Config("smooth.AutoAlpha", "alpha range",
			"need 0 <= min <= max and step > 0, got min=%g max=%g step=%g", a.Min, a.Max, a.Step)
	}
	n := int(math.Round((a.Max-a.Min)/a.Step)) + 1
	grid := make([]float64, 0, n)
	for i := range n {
		v := math.Round((a.Min+float64(i)*a.Step)*1e6) / 1e6
		if v > a.Max+1e-9 {
			break
		}
		grid = append(grid, v)
	}
	return grid, nil
}

func (a AutoAlphaOptions) combine(losses []float64) float64 {
	switch a.SharedCriterion {
	case CriterionMin:
		return floats.Min(losses)
	case CriterionMax:
		return floats.Max(losses)
	default:
		return stat.Mean(losses, nil)
	}
}

// autoAlpha picks the alpha of every group minimising the fake-quant output
// error of its members.  Activation ranges come from the calibrator so the
// search sees the same statistics as the final application.
func (s *Smoother) autoAlpha(ctx context.Context, groups []*group, o TransformOptions) error {
	a := o.AutoAlpha
	switch a.SharedCriterion {
	case CriterionMean, CriterionMin, CriterionMax:
	default:
		return errtypes.Config("smooth.AutoAlpha", "shared_criterion", "unknown criterion %q", a.SharedCriterion)
	}
	grid, err := a.Grid()
	if err != nil {
		return err
	}
	inputs, err := s.captureInputs(ctx, groups, a.Samples)
	if err != nil {
		return err
	}

	losses := make([][]float64, len(groups))
	for gi, g := range groups {
		weights, err := s.weights(g.members)
		if err != nil {
			return err
		}
		losses[gi] = make([]float64, len(grid))
		for ai, alpha := range grid {
			scale, err := ComputeScale(g.stats.AbsMax(), weights, alpha, o.Scale)
			if err != nil {
				return fmt.Errorf("group %q: %w", g.key, err)
			}
			member := make([]float64, len(g.members))
			for mi, name := range g.members {
				l, _ := s.model.Layer(name)
				member[mi] = qdqLoss(l.(*graph.Linear), inputs[name], g.stats, scale)
			}
			losses[gi][ai] = a.combine(member)
		}
	}

	if a.Global {
		total := make([]float64, len(grid))
		for _, l := range losses {
			floats.Add(total, l)
		}
		best := grid[pick(grid, total, a.Init)]
		for _, g := range groups {
			g.alpha = best
		}
		s.log.Info("auto alpha selected", "alpha", best)
		return nil
	}
	for gi, g := range groups {
		g.alpha = grid[pick(grid, losses[gi], a.Init)]
		s.log.Debug("auto alpha selected", "key", g.key, "alpha", g.alpha, "loss", floats.Min(losses[gi]))
	}
	return nil
}

// pick returns the index of the smallest loss; equal losses resolve to the
// alpha closest to init.
func pick(grid, losses []float64, init float64) int {
	best := floats.MinIdx(losses)
	for i, l := range losses {
		if l == losses[best] && math.Abs(grid[i]-init) < math.Abs(grid[best]-init) {
			best = i
		}
	}
	return best
}

func (s *Smoother) captureInputs(ctx context.Context, groups []*group, samples int) (map[string][]tensor.Mat, error) {
	var names []string
	for _, g := range groups {
		names = append(names, g.members...)
	}
	captured := make(map[string][]tensor.Mat, len(names))
	remove := s.model.AddHook(func(name string, in []tensor.Mat, _ tensor.Mat) {
		captured[name] = append(captured[name], in[0].Clone())
	}, names...)
	defer remove()

	var n int
	for sample := range s.src {
		if n >= samples {
			break
		}
		in, err := calib.Inputs(sample)
		if err != nil {
			return nil, err
		}
		if _, err := s.model.Forward(ctx, in...); err != nil {
			return nil, fmt.Errorf("auto alpha batch %d: %w", n, err)
		}
		n++
	}
	if n == 0 {
		return nil, fmt.Errorf("auto alpha: calibration source is empty")
	}
	return captured, nil
}

// qdqLoss is the summed MSE between the float output of lin and its output
// with int8 per-row weights and uint8 per-tensor activations, both smoothed
// by scale.
func qdqLoss(lin *graph.Linear, inputs []tensor.Mat, st *calib.Stats, scale []float32) float64 {
	w := lin.W.Clone()
	w.ScaleCols(scale)
	tensor.QDQWeightPerRow(&w, true, 8)

	inScale := reciprocal(scale)
	lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))
	for j := range inScale {
		lo = min(lo, st.Min[j]*inScale[j])
		hi = max(hi, st.Max[j]*inScale[j])
	}
	qp := activationGrid(lo, hi)

	var loss float64
	for _, x := range inputs {
		ref := tensor.NewMat(x.R, lin.W.R)
		tensor.MatMulT(&ref, &x, &lin.W, lin.B)
		xq := x.Clone()
		xq.ScaleCols(inScale)
		qp.QDQ(&xq)
		got := tensor.NewMat(x.R, lin.W.R)
		tensor.MatMulT(&got, &xq, &w, lin.B)
		loss += tensor.MSE(&ref, &got)
	}
	return loss
}

// activationGrid is the uint8 grid spanning [lo, hi] exactly.
func activationGrid(lo, hi float32) tensor.QParams {
	sc := max((hi-lo)/255, tensor.Float32Eps)
	zp := int32(math.Round(float64(-lo / sc)))
	return tensor.QParams{Scale: sc, ZeroPoint: zp, QMin: 0, QMax: 255}
}
