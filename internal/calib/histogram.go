package calib

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// HistogramBins is the resolution of activation histograms.
const HistogramBins = 2048

// Histogram counts |x| over [0, Max] in HistogramBins equal bins.  The range
// grows as larger values arrive; existing counts are re-binned into the wider
// range.
type Histogram struct {
	Counts []float64
	Max    float32
}

// NewHistogram returns an empty histogram.
func NewHistogram() *Histogram {
	return &Histogram{Counts: make([]float64, HistogramBins)}
}

// Add records the absolute values of vals.
func (h *Histogram) Add(vals []float32) {
	var amax float32
	for _, v := range vals {
		amax = max(amax, float32(math.Abs(float64(v))))
	}
	if amax > h.Max {
		h.grow(amax)
	}
	if h.Max == 0 {
		h.Counts[0] += float64(len(vals))
		return
	}
	width := float64(h.Max) / HistogramBins
	for _, v := range vals {
		h.Counts[binOf(math.Abs(float64(v)), width)]++
	}
}

func (h *Histogram) grow(newMax float32) {
	if h.Max == 0 {
		total := floats.Sum(h.Counts)
		clear(h.Counts)
		h.Counts[0] = total
		h.Max = newMax
		return
	}
	oldWidth := float64(h.Max) / HistogramBins
	newWidth := float64(newMax) / HistogramBins
	counts := make([]float64, HistogramBins)
	for i, c := range h.Counts {
		if c == 0 {
			continue
		}
		counts[binOf((float64(i)+0.5)*oldWidth, newWidth)] += c
	}
	h.Counts = counts
	h.Max = newMax
}

func binOf(v, width float64) int {
	b := int(v / width)
	return min(max(b, 0), HistogramBins-1)
}

// Merge adds the counts of o into h.
func (h *Histogram) Merge(o *Histogram) {
	if o == nil || o.Max == 0 && floats.Sum(o.Counts) == 0 {
		return
	}
	if o.Max > h.Max {
		h.grow(o.Max)
	}
	if h.Max == 0 {
		h.Counts[0] += floats.Sum(o.Counts)
		return
	}
	width := float64(h.Max) / HistogramBins
	oWidth := float64(o.Max) / HistogramBins
	for i, c := range o.Counts {
		if c != 0 {
			h.Counts[binOf((float64(i)+0.5)*oWidth, width)] += c
		}
	}
}

// Total is the number of recorded values.
func (h *Histogram) Total() float64 { return floats.Sum(h.Counts) }

// KLThreshold picks the clipping threshold that minimises the KL divergence
// between the reference distribution and its quantisation to levels bins.
// levels is 128 for signed int8.
func (h *Histogram) KLThreshold(levels int) float32 {
	if h.Max == 0 || h.Total() == 0 {
		return 0
	}
	width := float64(h.Max) / HistogramBins
	best, bestDiv := HistogramBins, math.Inf(1)
	for end := levels; end <= HistogramBins; end++ {
		ref := make([]float64, end)
		copy(ref, h.Counts[:end])
		var outliers float64
		for _, c := range h.Counts[end:] {
			outliers += c
		}
		ref[end-1] += outliers

		cand := quantizeBins(h.Counts[:end], levels)
		div := klDivergence(ref, cand)
		if div < bestDiv {
			bestDiv, best = div, end
		}
	}
	return float32((float64(best) + 0.5) * width)
}

// quantizeBins merges src into levels groups and expands them back, spreading
// each group's mass over its non-empty source bins.
func quantizeBins(src []float64, levels int) []float64 {
	out := make([]float64, len(src))
	step := float64(len(src)) / float64(levels)
	for q := 0; q < levels; q++ {
		lo := int(math.Floor(float64(q) * step))
		hi := int(math.Floor(float64(q+1) * step))
		if q == levels-1 {
			hi = len(src)
		}
		var mass float64
		var nonzero int
		for i := lo; i < hi; i++ {
			mass += src[i]
			if src[i] != 0 {
				nonzero++
			}
		}
		if nonzero == 0 {
			continue
		}
		share := mass / float64(nonzero)
		for i := lo; i < hi; i++ {
			if src[i] != 0 {
				out[i] = share
			}
		}
	}
	return out
}

// klFloor stands in for empty candidate bins so clipped outliers cost a
// finite amount.
const klFloor = 1e-4

func klDivergence(p, q []float64) float64 {
	ps, qs := floats.Sum(p), floats.Sum(q)
	if ps == 0 || qs == 0 {
		return math.Inf(1)
	}
	var div float64
	for i := range p {
		if p[i] == 0 {
			continue
		}
		pi, qi := p[i]/ps, q[i]/qs
		if qi == 0 {
			qi = klFloor
		}
		div += pi * math.Log(pi/qi)
	}
	return div
}
