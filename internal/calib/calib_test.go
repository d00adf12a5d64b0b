package calib

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/samcharles93/lowbit/internal/errtypes"
	"github.com/samcharles93/lowbit/internal/graph"
	"github.com/samcharles93/lowbit/internal/tensor"
)

func twoLinear(t *testing.T) *graph.Model {
	t.Helper()
	m := graph.New()
	if err := m.AddInput("x"); err != nil {
		t.Fatal(err)
	}
	fc1 := &graph.Linear{W: tensor.NewMatFromRows([][]float32{{1, 0}, {0, 1}, {1, -1}})}
	fc2 := &graph.Linear{W: tensor.NewMatFromRows([][]float32{{1, 1, 1}})}
	if err := m.Add("fc1", fc1, "x"); err != nil {
		t.Fatal(err)
	}
	if err := m.Add("act", graph.ReLU(), "fc1"); err != nil {
		t.Fatal(err)
	}
	if err := m.Add("fc2", fc2, "act"); err != nil {
		t.Fatal(err)
	}
	return m
}

func batches() []tensor.Mat {
	return []tensor.Mat{
		tensor.NewMatFromRows([][]float32{{1, -2}, {0.5, 3}}),
		tensor.NewMatFromRows([][]float32{{-4, 1}}),
		tensor.NewMatFromRows([][]float32{{2, 2}, {3, -1}, {0, 0}}),
	}
}

func linearParams() Params {
	return Params{OpTypes: []graph.Kind{graph.KindLinear}, Iters: AllBatches, Percentile: 100}
}

func TestCalibrationIsOrderIndependent(t *testing.T) {
	t.Parallel()
	perms := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 2, 0}, {0, 2, 1}}
	var first map[string]*Stats
	for _, perm := range perms {
		b := batches()
		ordered := make([]tensor.Mat, 0, len(b))
		for _, i := range perm {
			ordered = append(ordered, b[i])
		}
		c := New(nil)
		if err := c.Calibrate(context.Background(), twoLinear(t), FromSlice(ordered), linearParams()); err != nil {
			t.Fatalf("Calibrate %v: %v", perm, err)
		}
		got := map[string]*Stats{}
		for _, name := range c.Layers() {
			s, _ := c.Stats(name)
			got[name] = s
		}
		if first == nil {
			first = got
			continue
		}
		if diff := cmp.Diff(first, got); diff != "" {
			t.Fatalf("permutation %v changed statistics (-first +got):\n%s", perm, diff)
		}
	}
	s := first["fc1"]
	if diff := cmp.Diff([]float32{-4, -2}, s.Min); diff != "" {
		t.Fatalf("fc1 min mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{4, 3}, s.AbsMax()); diff != "" {
		t.Fatalf("fc1 absmax mismatch (-want +got):\n%s", diff)
	}
}

func TestIterationCap(t *testing.T) {
	t.Parallel()
	c := New(nil)
	p := linearParams()
	p.Iters = 1
	if err := c.Calibrate(context.Background(), twoLinear(t), FromSlice(batches()), p); err != nil {
		t.Fatal(err)
	}
	if c.Batches() != 1 {
		t.Fatalf("expected 1 batch, got %d", c.Batches())
	}
	s, _ := c.Stats("fc1")
	if diff := cmp.Diff([]float32{1, 3}, s.Max); diff != "" {
		t.Fatalf("first batch max mismatch (-want +got):\n%s", diff)
	}
}

func TestCacheValidity(t *testing.T) {
	t.Parallel()
	c := New(nil)
	p := linearParams()
	if c.Valid(p) {
		t.Fatal("empty calibrator reported a valid cache")
	}
	if err := c.Calibrate(context.Background(), twoLinear(t), FromSlice(batches()), p); err != nil {
		t.Fatal(err)
	}
	if !c.Valid(p) {
		t.Fatal("identical params should reuse the cache")
	}

	changed := []func(*Params){
		func(p *Params) { p.Iters = 2 },
		func(p *Params) { p.Percentile = 99.9 },
		func(p *Params) { p.ScalesPerOp = true },
		func(p *Params) { p.Tag = "smoothed" },
		func(p *Params) { p.OpTypes = append(p.OpTypes, graph.KindScaledLinear) },
		func(p *Params) { p.Histogram = true },
	}
	for i, mutate := range changed {
		q := linearParams()
		mutate(&q)
		if c.Valid(q) {
			t.Fatalf("case %d: changed params reused the cache", i)
		}
	}

	// a cache hit must not run the source
	calls := 0
	counting := func(yield func(any) bool) { calls++ }
	if err := c.Calibrate(context.Background(), twoLinear(t), counting, p); err != nil {
		t.Fatal(err)
	}
	if calls != 0 {
		t.Fatal("cache hit consumed the source")
	}
	c.Invalidate()
	if c.Valid(p) {
		t.Fatal("Invalidate kept the cache")
	}
}

type multi struct{ x tensor.Mat }

func (m multi) ModelInputs() []tensor.Mat { return []tensor.Mat{m.x} }

func TestSampleShapes(t *testing.T) {
	t.Parallel()
	x := tensor.NewMatFromRows([][]float32{{1, 2}})
	samples := []any{x, &x, []tensor.Mat{x}, Labeled{Input: x, Labels: []int{0}}, multi{x}}
	for _, s := range samples {
		in, err := Inputs(s)
		if err != nil || len(in) != 1 || in[0].At(0, 1) != 2 {
			t.Fatalf("Inputs(%T) = %v, %v", s, in, err)
		}
	}
	if _, err := Inputs(42); !errtypes.IsConfig(err) {
		t.Fatalf("expected config error for int sample, got %v", err)
	}
	if labels, ok := Labels(Labeled{Input: x, Labels: []int{3}}); !ok || labels[0] != 3 {
		t.Fatalf("Labels lost the label: %v %v", labels, ok)
	}
	if _, ok := Labels(x); ok {
		t.Fatal("bare input reported labels")
	}
}

func TestCustomCalibrationFunc(t *testing.T) {
	t.Parallel()
	c := New(nil)
	p := linearParams()
	p.Func = func(ctx context.Context, m *graph.Model) error {
		_, err := m.Forward(ctx, tensor.NewMatFromRows([][]float32{{5, -5}}))
		return err
	}
	if err := c.Calibrate(context.Background(), twoLinear(t), nil, p); err != nil {
		t.Fatal(err)
	}
	s, ok := c.Stats("fc1")
	if !ok || s.Max[0] != 5 {
		t.Fatalf("custom function stats missing: %+v", s)
	}
}

func TestHistogramKLThreshold(t *testing.T) {
	t.Parallel()
	h := NewHistogram()
	vals := make([]float32, 0, 10001)
	for i := range 10000 {
		vals = append(vals, float32(i%100)/100)
	}
	vals = append(vals, 50) // one outlier
	h.Add(vals)
	if h.Total() != float64(len(vals)) {
		t.Fatalf("expected %d counts, got %v", len(vals), h.Total())
	}
	th := h.KLThreshold(128)
	if th <= 0 || th >= 50 {
		t.Fatalf("expected threshold clipping the outlier, got %v", th)
	}

	g := NewHistogram()
	g.Add([]float32{1})
	g.Merge(h)
	if g.Max != 50 || g.Total() != h.Total()+1 {
		t.Fatalf("merge lost counts: max %v total %v", g.Max, g.Total())
	}
}

func TestEmptyBatchLeavesStatsAlone(t *testing.T) {
	t.Parallel()
	samples := []tensor.Mat{
		tensor.NewMatFromRows([][]float32{{2, 3}, {4, 5}}),
		tensor.NewMat(0, 2),
	}
	c := New(nil)
	if err := c.Calibrate(context.Background(), twoLinear(t), FromSlice(samples), linearParams()); err != nil {
		t.Fatal(err)
	}
	s, ok := c.Stats("fc1")
	if !ok {
		t.Fatal("fc1 not calibrated")
	}
	if diff := cmp.Diff([]float32{2, 3}, s.Min); diff != "" {
		t.Fatalf("fc1 min mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{4, 5}, s.Max); diff != "" {
		t.Fatalf("fc1 max mismatch (-want +got):\n%s", diff)
	}

	only := New(nil)
	if err := only.Calibrate(context.Background(), twoLinear(t), FromSlice(samples[1:]), linearParams()); err != nil {
		t.Fatal(err)
	}
	if _, ok := only.Stats("fc1"); ok {
		t.Fatal("empty batches produced statistics")
	}
}

func TestNilLabeledSample(t *testing.T) {
	t.Parallel()
	var nilSample *Labeled
	if _, err := Inputs(nilSample); !errtypes.IsConfig(err) {
		t.Fatalf("Inputs(nil *Labeled) = %v, want config error", err)
	}
	if labels, ok := Labels(nilSample); ok || labels != nil {
		t.Fatalf("Labels(nil *Labeled) = %v, %v", labels, ok)
	}
	x := tensor.NewMatFromRows([][]float32{{1}})
	if labels, ok := Labels(&Labeled{Input: x, Labels: []int{2}}); !ok || labels[0] != 2 {
		t.Fatalf("Labels(*Labeled) = %v, %v", labels, ok)
	}
}
