// Package calib collects per-channel activation statistics by running
// representative batches through a model.
package calib

import (
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/samcharles93/lowbit/internal/graph"
	"github.com/samcharles93/lowbit/internal/logger"
	"github.com/samcharles93/lowbit/internal/orderedmap"
	"github.com/samcharles93/lowbit/internal/tensor"
)

// AllBatches runs the whole source.
const AllBatches = -1

// Params selects what to observe.  Two calls with equal Params (see Valid)
// produce the same statistics, so the second one is served from cache.
type Params struct {
	// OpTypes are the layer kinds whose inputs are observed.
	OpTypes []graph.Kind
	// Iters caps the number of batches; AllBatches or 0 runs the source dry.
	Iters int
	// Percentile is carried for cache validity.  Only 100 changes nothing.
	Percentile float64
	// ScalesPerOp marks statistics used for per-op smoothing scales.
	ScalesPerOp bool
	// Histogram also records a |x| histogram per layer.
	Histogram bool
	// Tag identifies the model state being observed.  A smoothed or
	// otherwise rewritten model must use a different tag.
	Tag string
	// Func replaces the source loop with a caller supplied forward loop.
	Func func(ctx context.Context, m *graph.Model) error
}

func (p Params) sameAs(o Params) bool {
	a, b := slices.Clone(p.OpTypes), slices.Clone(o.OpTypes)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b) &&
		p.Iters == o.Iters &&
		p.Percentile == o.Percentile &&
		p.ScalesPerOp == o.ScalesPerOp &&
		p.Tag == o.Tag &&
		(p.Func == nil) == (o.Func == nil)
}

// Stats are the running per-channel extrema of one layer's input.
type Stats struct {
	Min  []float32
	Max  []float32
	Hist *Histogram
}

// AbsMax is max(|min|, |max|) per channel.
func (s *Stats) AbsMax() []float32 {
	out := make([]float32, len(s.Max))
	for i := range out {
		out[i] = max(float32(math.Abs(float64(s.Min[i]))), float32(math.Abs(float64(s.Max[i]))))
	}
	return out
}

// Clone deep-copies s.
func (s *Stats) Clone() *Stats {
	c := &Stats{Min: slices.Clone(s.Min), Max: slices.Clone(s.Max)}
	if s.Hist != nil {
		c.Hist = &Histogram{Counts: slices.Clone(s.Hist.Counts), Max: s.Hist.Max}
	}
	return c
}

func (s *Stats) merge(mins, maxs []float32) {
	if s.Min == nil {
		s.Min, s.Max = slices.Clone(mins), slices.Clone(maxs)
		return
	}
	for j := range mins {
		s.Min[j] = min(s.Min[j], mins[j])
		s.Max[j] = max(s.Max[j], maxs[j])
	}
}

// Calibrator runs calibration and caches the last result.
type Calibrator struct {
	log     logger.Logger
	params  *Params
	stats   *orderedmap.Map[string, *Stats]
	batches int
}

// New returns an empty calibrator.
func New(log logger.Logger) *Calibrator {
	if log == nil {
		log = logger.Discard()
	}
	return &Calibrator{log: log}
}

// Valid reports whether statistics for p are already cached.
func (c *Calibrator) Valid(p Params) bool {
	if c.params == nil || c.stats.Len() == 0 || !c.params.sameAs(p) {
		return false
	}
	return !p.Histogram || c.params.Histogram
}

// Invalidate drops the cached statistics.
func (c *Calibrator) Invalidate() {
	c.params = nil
	c.stats = nil
	c.batches = 0
}

// Stats returns the cached statistics of a layer.
func (c *Calibrator) Stats(name string) (*Stats, bool) {
	return c.stats.Get(name)
}

// Layers lists observed layers in model order.
func (c *Calibrator) Layers() []string {
	var out []string
	for k := range c.stats.Keys() {
		out = append(out, k)
	}
	return out
}

// Batches is the number of batches behind the cached statistics.
func (c *Calibrator) Batches() int { return c.batches }

// Calibrate observes the inputs of every layer of p.OpTypes over src.  When
// Valid(p) holds the cached result is kept and nothing runs.
func (c *Calibrator) Calibrate(ctx context.Context, m *graph.Model, src Source, p Params) error {
	if c.Valid(p) {
		c.log.Debug("calibration cache hit", "layers", c.stats.Len(), "batches", c.batches)
		return nil
	}
	names := m.NamesOfKind(p.OpTypes...)
	stats := orderedmap.New[string, *Stats]()
	for _, n := range names {
		s := &Stats{}
		if p.Histogram {
			s.Hist = NewHistogram()
		}
		stats.Set(n, s)
	}
	remove := m.AddHook(func(name string, in []tensor.Mat, _ tensor.Mat) {
		// an empty batch has no extrema to contribute
		if len(in) == 0 || in[0].R == 0 {
			return
		}
		s, _ := stats.Get(name)
		mins, maxs := tensor.ChannelMinMax(&in[0])
		s.merge(mins, maxs)
		if s.Hist != nil {
			for i := 0; i < in[0].R; i++ {
				s.Hist.Add(in[0].Row(i))
			}
		}
	}, names...)
	defer remove()

	c.log.Info("calibrating", "layers", len(names), "iters", p.Iters)
	batches, err := c.run(ctx, m, src, p)
	if err != nil {
		return err
	}
	var unused []string
	for name, s := range stats.All() {
		if s.Min == nil {
			unused = append(unused, name)
		}
	}
	// layers never reached during forward have nothing to scale against
	for _, name := range unused {
		stats.Delete(name)
	}
	c.params = &p
	c.stats = stats
	c.batches = batches
	return nil
}

func (c *Calibrator) run(ctx context.Context, m *graph.Model, src Source, p Params) (int, error) {
	if p.Func != nil {
		if err := p.Func(ctx, m); err != nil {
			return 0, fmt.Errorf("calibration function: %w", err)
		}
		return 1, nil
	}
	if src == nil {
		return 0, fmt.Errorf("calibrate: no data source")
	}
	var n int
	for sample := range src {
		if p.Iters > 0 && n >= p.Iters {
			break
		}
		inputs, err := Inputs(sample)
		if err != nil {
			return n, err
		}
		if _, err := m.Forward(ctx, inputs...); err != nil {
			return n, fmt.Errorf("calibration batch %d: %w", n, err)
		}
		n++
	}
	return n, nil
}
