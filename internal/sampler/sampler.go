// Package sampler enumerates candidate tune configs from a tuning space.
package sampler

import (
	"iter"
	"math"
	"math/rand"

	"github.com/samcharles93/lowbit/internal/space"
)

// Sampler yields candidate configs.
type Sampler interface {
	All() iter.Seq[space.TuneConfig]
}

// OpWise changes one operator at a time, away from Current.
type OpWise struct {
	Space   *space.TuningSpace
	Order   []space.OpKey
	Current space.TuneConfig
}

func (s OpWise) All() iter.Seq[space.TuneConfig] {
	return func(yield func(space.TuneConfig) bool) {
		for _, key := range order(s.Space, s.Order) {
			it, err := s.Space.ItemByKey(key)
			if err != nil {
				continue
			}
			cur, _ := s.Current.Op(key)
			for _, ch := range it.Choices() {
				if ch.Mode == cur.Mode() && ch.Option == cur.Option() {
					continue
				}
				op, err := space.NewOpTuningConfig(s.Space, key, ch.Mode, ch.Option)
				if err != nil {
					continue
				}
				if !yield(s.Current.With(op)) {
					return
				}
			}
		}
	}
}

// Fallback moves operators to fp32 one at a time.  With Accumulate the i-th
// candidate has Order[0..i] fallen back; otherwise each candidate falls
// back a single operator.  Operators already at fp32 are skipped.
type Fallback struct {
	Space      *space.TuningSpace
	Start      space.TuneConfig
	Order      []space.OpKey
	Accumulate bool
}

func (s Fallback) All() iter.Seq[space.TuneConfig] {
	return func(yield func(space.TuneConfig) bool) {
		acc := s.Start
		for _, key := range order(s.Space, s.Order) {
			op, ok := s.Start.Op(key)
			if !ok || op.Mode() == space.FP32 {
				continue
			}
			var next space.TuneConfig
			if s.Accumulate {
				acc = acc.WithFallback(key)
				next = acc
			} else {
				next = s.Start.WithFallback(key)
			}
			if !yield(next) {
				return
			}
		}
	}
}

// Random draws, independently per operator, one option of the operator's
// assigned mode, plus a calibration size and, when the space has any, a
// smooth quant alpha.  It never ends.
type Random struct {
	Space      *space.TuningSpace
	Assignment map[space.OpKey]space.Mode
	Rand       *rand.Rand
}

func (s Random) All() iter.Seq[space.TuneConfig] {
	return func(yield func(space.TuneConfig) bool) {
		rng := s.Rand
		if rng == nil {
			rng = rand.New(rand.NewSource(1))
		}
		for {
			if !yield(s.Draw(rng)) {
				return
			}
		}
	}
}

// Draw returns one sample.
func (s Random) Draw(rng *rand.Rand) space.TuneConfig {
	sizes := s.Space.CalibSamplingSizes()
	cfg := s.Space.InitialConfig(space.FP32).WithCalibSamplingSize(sizes[rng.Intn(len(sizes))])
	if alphas := s.Space.SmoothQuantAlphas(); len(alphas) > 0 {
		cfg = cfg.WithSmoothQuantAlpha(alphas[rng.Intn(len(alphas))])
	}
	for _, it := range s.Space.Items() {
		mode := assigned(it, s.Assignment)
		opts := it.Options(mode)
		op, err := space.NewOpTuningConfig(s.Space, it.Key(), mode, opts[rng.Intn(len(opts))])
		if err != nil {
			continue
		}
		cfg = cfg.With(op)
	}
	return cfg
}

// Product enumerates the space Random draws from: calibration size
// outermost, then alpha, with the last operator varying fastest.
type Product struct {
	Space      *space.TuningSpace
	Assignment map[space.OpKey]space.Mode
}

func (s Product) All() iter.Seq[space.TuneConfig] {
	return func(yield func(space.TuneConfig) bool) {
		items := s.Space.Items()
		choices := make([][]space.OpTuningConfig, len(items))
		for i, it := range items {
			mode := assigned(it, s.Assignment)
			for _, o := range it.Options(mode) {
				op, err := space.NewOpTuningConfig(s.Space, it.Key(), mode, o)
				if err == nil {
					choices[i] = append(choices[i], op)
				}
			}
		}
		base := s.Space.InitialConfig(space.FP32).WithoutSmoothQuant()
		for _, n := range s.Space.CalibSamplingSizes() {
			for _, cfg := range withAlphas(base.WithCalibSamplingSize(n), s.Space.SmoothQuantAlphas()) {
				if !product(cfg, choices, 0, yield) {
					return
				}
			}
		}
	}
}

// Size is the number of configs Product yields, saturating at
// math.MaxInt.
func (s Product) Size() int {
	n := len(s.Space.CalibSamplingSizes()) * max(len(s.Space.SmoothQuantAlphas()), 1)
	for _, it := range s.Space.Items() {
		k := len(it.Options(assigned(it, s.Assignment)))
		if k > 0 && n > math.MaxInt/k {
			return math.MaxInt
		}
		n *= k
	}
	return n
}

func withAlphas(cfg space.TuneConfig, alphas []float64) []space.TuneConfig {
	if len(alphas) == 0 {
		return []space.TuneConfig{cfg}
	}
	out := make([]space.TuneConfig, len(alphas))
	for i, a := range alphas {
		out[i] = cfg.WithSmoothQuantAlpha(a)
	}
	return out
}

func product(cfg space.TuneConfig, choices [][]space.OpTuningConfig, i int, yield func(space.TuneConfig) bool) bool {
	if i == len(choices) {
		return yield(cfg)
	}
	for _, op := range choices[i] {
		if !product(cfg.With(op), choices, i+1, yield) {
			return false
		}
	}
	return true
}

func assigned(it *space.OpItem, assignment map[space.OpKey]space.Mode) space.Mode {
	if m, ok := assignment[it.Key()]; ok && it.Supports(m) {
		return m
	}
	return it.TopMode()
}

func order(s *space.TuningSpace, keys []space.OpKey) []space.OpKey {
	if keys != nil {
		return keys
	}
	items := s.Items()
	out := make([]space.OpKey, len(items))
	for i, it := range items {
		out[i] = it.Key()
	}
	return out
}
