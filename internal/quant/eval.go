package quant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samcharles93/lowbit/internal/calib"
	"github.com/samcharles93/lowbit/internal/graph"
	"github.com/samcharles93/lowbit/internal/tensor"
)

// ErrNoSamples is returned when an evaluation source yields nothing.
var ErrNoSamples = errors.New("no evaluation samples")

// FidelityEvaluator scores a model by the share of rows whose arg max
// matches the label, or the reference model's arg max for unlabelled
// samples.
type FidelityEvaluator struct {
	Reference *graph.Model
	Data      calib.Source
	// Limit caps the number of samples; 0 uses all of them.
	Limit int
}

// Evaluate returns the fraction of matching rows in [0, 1].
func (e FidelityEvaluator) Evaluate(ctx context.Context, m *graph.Model) (float64, error) {
	var hit, total, n int
	for sample := range e.Data {
		if e.Limit > 0 && n >= e.Limit {
			break
		}
		n++
		inputs, err := calib.Inputs(sample)
		if err != nil {
			return 0, err
		}
		out, err := m.Forward(ctx, inputs...)
		if err != nil {
			return 0, fmt.Errorf("evaluate sample %d: %w", n-1, err)
		}
		want, err := e.targets(ctx, sample, inputs)
		if err != nil {
			return 0, err
		}
		if len(want) != out.R {
			return 0, fmt.Errorf("evaluate sample %d: %d targets for %d rows", n-1, len(want), out.R)
		}
		for i := 0; i < out.R; i++ {
			if tensor.ArgMax(out.Row(i)) == want[i] {
				hit++
			}
			total++
		}
	}
	if total == 0 {
		return 0, ErrNoSamples
	}
	return float64(hit) / float64(total), nil
}

func (e FidelityEvaluator) targets(ctx context.Context, sample any, inputs []tensor.Mat) ([]int, error) {
	if labels, ok := calib.Labels(sample); ok {
		return labels, nil
	}
	if e.Reference == nil {
		return nil, fmt.Errorf("evaluate: unlabelled sample and no reference model")
	}
	ref, err := e.Reference.Forward(ctx, inputs...)
	if err != nil {
		return nil, fmt.Errorf("reference forward: %w", err)
	}
	out := make([]int, ref.R)
	for i := range out {
		out[i] = tensor.ArgMax(ref.Row(i))
	}
	return out, nil
}

// Benchmark measures the mean forward latency over the first sample.
type Benchmark struct {
	Data   calib.Source
	Warmup int
	Iters  int
}

// Measure runs Warmup untimed and Iters timed forward passes.
func (b Benchmark) Measure(ctx context.Context, m *graph.Model) (time.Duration, error) {
	sample, ok := calib.First(b.Data)
	if !ok {
		return 0, ErrNoSamples
	}
	inputs, err := calib.Inputs(sample)
	if err != nil {
		return 0, err
	}
	iters := max(b.Iters, 1)
	for range b.Warmup {
		if _, err := m.Forward(ctx, inputs...); err != nil {
			return 0, err
		}
	}
	start := time.Now()
	for range iters {
		if _, err := m.Forward(ctx, inputs...); err != nil {
			return 0, err
		}
	}
	return time.Since(start) / time.Duration(iters), nil
}
