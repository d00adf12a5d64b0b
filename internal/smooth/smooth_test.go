package smooth

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/samcharles93/lowbit/internal/calib"
	"github.com/samcharles93/lowbit/internal/errtypes"
	"github.com/samcharles93/lowbit/internal/graph"
	"github.com/samcharles93/lowbit/internal/host"
	"github.com/samcharles93/lowbit/internal/logger"
	"github.com/samcharles93/lowbit/internal/tensor"
)

func mat(rows ...[]float32) *tensor.Mat {
	m := tensor.NewMatFromRows(rows)
	return &m
}

func TestComputeScale(t *testing.T) {
	t.Parallel()
	w := mat([]float32{1, 0, 2, 0.5}, []float32{-1, 0, 1, 0.25})
	tests := []struct {
		name     string
		inputMax []float32
		opts     ScaleOptions
		want     []float32
	}{
		{
			name:     "balanced",
			inputMax: []float32{4, 3, 8, 0},
			want:     []float32{2, 1, float32(math.Sqrt(8) / math.Sqrt(2)), 1},
		},
		{
			name:     "legacy zero weight",
			inputMax: []float32{4, 3, 8, 0},
			opts:     ScaleOptions{LegacyZeroWeightScale: true},
			want:     []float32{2, 0, float32(math.Sqrt(8) / math.Sqrt(2)), 1},
		},
	}
	for _, tc := range tests {
		got, err := ComputeScale(tc.inputMax, []*tensor.Mat{w}, 0.5, tc.opts)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		for i := range got {
			if math.Abs(float64(got[i]-tc.want[i])) > 1e-6 {
				t.Fatalf("%s: channel %d got %v want %v", tc.name, i, got[i], tc.want[i])
			}
		}
	}
}

func TestComputeScaleZeroWeightIsNeutral(t *testing.T) {
	t.Parallel()
	w := mat([]float32{0, 1}, []float32{0, -1})
	for _, alpha := range []float64{0, 0.25, 0.5, 0.75, 1} {
		got, err := ComputeScale([]float32{5, 5}, []*tensor.Mat{w}, alpha, ScaleOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if got[0] != 1 {
			t.Fatalf("alpha %v: zero weight channel scale = %v, want exactly 1", alpha, got[0])
		}
		if math.IsNaN(float64(got[1])) || math.IsInf(float64(got[1]), 0) {
			t.Fatalf("alpha %v: non-finite scale %v", alpha, got[1])
		}
	}
}

func TestComputeScaleClipAndErrors(t *testing.T) {
	t.Parallel()
	w := mat([]float32{1e6})
	got, err := ComputeScale([]float32{1e-12}, []*tensor.Mat{w}, 0.5, ScaleOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if got[0] != MinScale {
		t.Fatalf("expected clip to %v, got %v", MinScale, got[0])
	}
	if _, err := ComputeScale([]float32{1, 2, 3}, []*tensor.Mat{w}, 0.5, ScaleOptions{}); !errtypes.IsConfig(err) {
		t.Fatalf("expected config error for channel mismatch, got %v", err)
	}
	if _, err := ComputeScale([]float32{1}, nil, 0.5, ScaleOptions{}); !errtypes.IsConfig(err) {
		t.Fatalf("expected config error without weights, got %v", err)
	}
}

// normLinear is LayerNorm(weight [2,4]) followed by a Linear whose columns
// have |w| max [1,1].  Rows [0,1] and [1,0] normalise to [-1,1] and [1,-1],
// so the Linear input has per-channel |max| [2,4].
func normLinear(t *testing.T) (*graph.Model, calib.Source) {
	t.Helper()
	m := graph.New()
	if err := m.AddInput("x"); err != nil {
		t.Fatal(err)
	}
	if err := m.Add("ln", &graph.LayerNorm{Weight: []float32{2, 4}, Bias: []float32{0, 0}}, "x"); err != nil {
		t.Fatal(err)
	}
	fc := &graph.Linear{W: *mat([]float32{1, -1}, []float32{0.5, 1}), B: []float32{0.1, -0.2}}
	if err := m.Add("fc", fc, "ln"); err != nil {
		t.Fatal(err)
	}
	data := []tensor.Mat{*mat([]float32{0, 1}, []float32{1, 0})}
	return m, calib.FromSlice(data)
}

func TestFoldLayerNormLinearScenario(t *testing.T) {
	t.Parallel()
	m, src := normLinear(t)
	x := *mat([]float32{0, 1}, []float32{1, 0})
	before, err := m.Forward(context.Background(), x)
	if err != nil {
		t.Fatal(err)
	}

	s := New(m, src)
	applied, err := s.Transform(context.Background(), TransformOptions{Alpha: 0.5, Folding: true})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	scale := applied.WeightScales["fc"]
	want := []float32{float32(math.Sqrt2), 2}
	for i := range want {
		if math.Abs(float64(scale[i]-want[i])) > 1e-6 {
			t.Fatalf("scale[%d] = %v, want %v", i, scale[i], want[i])
		}
	}

	l, _ := m.Layer("ln")
	norm := l.(*graph.LayerNorm)
	for i, orig := range []float32{2, 4} {
		if got := norm.Weight[i]; math.Abs(float64(got-orig/scale[i])) > 1e-6 {
			t.Fatalf("ln weight[%d] = %v, want %v", i, got, orig/scale[i])
		}
		if norm.Bias[i] != 0 {
			t.Fatalf("ln bias[%d] = %v, want 0", i, norm.Bias[i])
		}
	}
	l, _ = m.Layer("fc")
	fc := l.(*graph.Linear)
	orig := [][]float32{{1, -1}, {0.5, 1}}
	for r := range orig {
		for c := range orig[r] {
			if got := fc.W.At(r, c); math.Abs(float64(got-orig[r][c]*scale[c])) > 1e-6 {
				t.Fatalf("fc weight[%d,%d] = %v, want %v", r, c, got, orig[r][c]*scale[c])
			}
		}
	}

	after, err := m.Forward(context.Background(), x)
	if err != nil {
		t.Fatal(err)
	}
	if !tensor.AllClose(&after, &before, 1e-5, 1e-5) {
		t.Fatalf("output changed: before %v after %v", before.Data, after.Data)
	}
	if !applied.Checked || !applied.Equivalent {
		t.Fatalf("expected a passing equivalence check, got %+v", applied)
	}
	if got, _ := applied.Alpha.Get("ln"); got != 0.5 {
		t.Fatalf("recorded alpha %v, want 0.5", got)
	}
}

// blockModel is ln -> {q, k} -> add -> fc1 -> relu -> fc2 with random weights.
func blockModel(t *testing.T) (*graph.Model, calib.Source) {
	t.Helper()
	m := graph.New()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	lin := func(out, in int, seed int64) *graph.Linear {
		w := tensor.NewMat(out, in)
		tensor.FillRandRange(&w, seed, -1, 1)
		b := make([]float32, out)
		for i := range b {
			b[i] = float32(i) * 0.01
		}
		return &graph.Linear{W: w, B: b}
	}
	must(m.AddInput("x"))
	must(m.Add("ln", &graph.LayerNorm{Weight: []float32{1, 0.5, 2, 1.5, 1, 1, 0.25, 3}, Bias: make([]float32, 8), Eps: 1e-5}, "x"))
	must(m.Add("q", lin(8, 8, 1), "ln"))
	must(m.Add("k", lin(8, 8, 2), "ln"))
	must(m.Add("mix", graph.Add{}, "q", "k"))
	must(m.Add("fc1", lin(6, 8, 3), "mix"))
	must(m.Add("act", graph.ReLU(), "fc1"))
	must(m.Add("fc2", lin(3, 6, 4), "act"))

	var batches []tensor.Mat
	for i := range 6 {
		b := tensor.NewMat(4, 8)
		tensor.FillRandRange(&b, int64(100+i), -3, 3)
		for r := 0; r < b.R; r++ {
			b.Row(r)[5] *= 20 // outlier channel
		}
		batches = append(batches, b)
	}
	return m, calib.FromSlice(batches)
}

func layersOf(m *graph.Model) map[string]graph.Layer {
	out := map[string]graph.Layer{}
	for _, n := range m.Names() {
		l, _ := m.Layer(n)
		out[n] = l
	}
	return out
}

func TestFoldRevertIsExact(t *testing.T) {
	t.Parallel()
	m, src := blockModel(t)
	orig := layersOf(m.Clone())

	s := New(m, src)
	applied, err := s.Transform(context.Background(), TransformOptions{Alpha: 0.5, Folding: true})
	if err != nil {
		t.Fatal(err)
	}
	if applied.Skipped {
		t.Fatalf("transform skipped: %s", applied.Reason)
	}
	if diff := cmp.Diff([]string{"q", "k"}, mustGroup(t, applied, "ln")); diff != "" {
		t.Fatalf("ln group mismatch (-want +got):\n%s", diff)
	}
	if cmp.Equal(orig, layersOf(m)) {
		t.Fatal("transform did not change any weight")
	}
	s.Revert()
	if diff := cmp.Diff(orig, layersOf(m)); diff != "" {
		t.Fatalf("revert is not exact (-orig +got):\n%s", diff)
	}
	if s.Applied() != nil {
		t.Fatal("Applied should be cleared by Revert")
	}
}

func mustGroup(t *testing.T, a *Applied, key string) []string {
	t.Helper()
	g, ok := a.Groups.Get(key)
	if !ok {
		t.Fatalf("no group %q", key)
	}
	return g
}

func TestTransformIsIdempotent(t *testing.T) {
	t.Parallel()
	m, src := blockModel(t)
	s := New(m, src)
	opts := TransformOptions{Alpha: 0.6, Folding: true}
	if _, err := s.Transform(context.Background(), opts); err != nil {
		t.Fatal(err)
	}
	first := layersOf(m.Clone())
	if _, err := s.Transform(context.Background(), opts); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(first, layersOf(m)); diff != "" {
		t.Fatalf("second transform differs from the first (-first +second):\n%s", diff)
	}
}

func TestInsertModeWrapsAndReverts(t *testing.T) {
	t.Parallel()
	m, src := blockModel(t)
	orig := layersOf(m.Clone())
	s := New(m, src)
	applied, err := s.Transform(context.Background(), TransformOptions{Alpha: 0.5, ScaleSharing: true})
	if err != nil {
		t.Fatal(err)
	}
	if applied.Mode != ModeInsert || !applied.Equivalent {
		t.Fatalf("expected an equivalent insert transform, got %+v", applied)
	}
	if diff := cmp.Diff([]string{"q", "k"}, mustGroup(t, applied, "q")); diff != "" {
		t.Fatalf("shared group mismatch (-want +got):\n%s", diff)
	}
	for _, name := range []string{"q", "k", "fc1", "fc2"} {
		l, _ := m.Layer(name)
		if l.Kind() != graph.KindScaledLinear {
			t.Fatalf("%s is %s, want scaled_linear", name, l.Kind())
		}
	}
	q, _ := m.Layer("q")
	k, _ := m.Layer("k")
	if diff := cmp.Diff(q.(*graph.ScaledLinear).InputScale, k.(*graph.ScaledLinear).InputScale); diff != "" {
		t.Fatalf("q and k do not share an input scale:\n%s", diff)
	}
	s.Revert()
	if diff := cmp.Diff(orig, layersOf(m)); diff != "" {
		t.Fatalf("revert is not exact (-orig +got):\n%s", diff)
	}
}

func TestTraceFailureSkipsSmoothing(t *testing.T) {
	t.Parallel()
	m := graph.New()
	_ = m.AddInput("x")
	_ = m.Add("ln", &graph.LayerNorm{Weight: []float32{1, 1}, Bias: []float32{0, 0}}, "x")
	_ = m.Add("dyn", &graph.Func{Name: "dyn", Opaque: true, Fn: func(in []tensor.Mat) (tensor.Mat, error) { return in[0], nil }}, "ln")
	_ = m.Add("fc", &graph.Linear{W: *mat([]float32{1, 1})}, "dyn")
	orig, _ := m.Layer("ln")
	origW := append([]float32(nil), orig.(*graph.LayerNorm).Weight...)

	s := New(m, calib.FromSlice([]tensor.Mat{*mat([]float32{1, 2})}))
	applied, err := s.Transform(context.Background(), TransformOptions{Alpha: 0.5, Folding: true})
	if err != nil {
		t.Fatalf("trace failure must not be an error: %v", err)
	}
	if !applied.Skipped {
		t.Fatal("expected smoothing to be skipped")
	}
	l, _ := m.Layer("ln")
	if diff := cmp.Diff(origW, l.(*graph.LayerNorm).Weight); diff != "" {
		t.Fatalf("skipped transform changed weights:\n%s", diff)
	}
}

func TestInsufficientMemoryLeavesModelUntouched(t *testing.T) {
	t.Parallel()
	m, src := blockModel(t)
	orig := layersOf(m.Clone())
	s := New(m, src, WithMemoryFunc(host.FixedMemory(16)))
	_, err := s.Transform(context.Background(), TransformOptions{Alpha: 0.5, Folding: true})
	if !errors.Is(err, host.ErrInsufficientMemory) {
		t.Fatalf("expected ErrInsufficientMemory, got %v", err)
	}
	if diff := cmp.Diff(orig, layersOf(m)); diff != "" {
		t.Fatalf("failed transform changed the model:\n%s", diff)
	}
}

func TestEquivalenceMismatchOnlyWarns(t *testing.T) {
	t.Parallel()
	m := graph.New()
	_ = m.AddInput("x")
	_ = m.Add("ln", &graph.LayerNorm{Weight: []float32{2, 4}, Bias: []float32{0, 0}}, "x")
	_ = m.Add("clip", graph.HardTanh(-1, 1), "ln")
	_ = m.Add("fc", &graph.Linear{W: *mat([]float32{0.25, 4})}, "clip")

	var buf bytes.Buffer
	s := New(m, calib.FromSlice([]tensor.Mat{*mat([]float32{0, 1}, []float32{1, 0})}),
		WithLogger(logger.JSON(&buf, slog.LevelWarn)))
	applied, err := s.Transform(context.Background(), TransformOptions{Alpha: 0.5, Folding: true})
	if err != nil {
		t.Fatalf("mismatch must not be an error: %v", err)
	}
	if !applied.Checked || applied.Equivalent {
		t.Fatalf("expected a failed equivalence check, got %+v", applied)
	}
	if !strings.Contains(buf.String(), "differs") {
		t.Fatalf("expected a warning, log was %q", buf.String())
	}
}

func TestAutoAlphaReusesCalibration(t *testing.T) {
	t.Parallel()
	m, src := blockModel(t)
	s := New(m, src)
	ctx := context.Background()
	if _, err := s.Transform(ctx, TransformOptions{Alpha: 0.5, Folding: true}); err != nil {
		t.Fatal(err)
	}
	before, _ := s.Calibrator().Stats("q")

	auto := TransformOptions{Auto: true, Folding: true, AutoAlpha: AutoAlphaOptions{Min: 0.3, Max: 0.7, Step: 0.1, Samples: 2}}
	applied, err := s.Transform(ctx, auto)
	if err != nil {
		t.Fatal(err)
	}
	after, _ := s.Calibrator().Stats("q")
	if before != after {
		t.Fatal("auto alpha recalibrated instead of reusing statistics")
	}
	grid := []float64{0.3, 0.4, 0.5, 0.6, 0.7}
	for key, alpha := range applied.Alpha.All() {
		found := false
		for _, g := range grid {
			found = found || g == alpha
		}
		if !found {
			t.Fatalf("%s: alpha %v outside grid", key, alpha)
		}
	}
	if !applied.Equivalent {
		t.Fatal("auto alpha transform is not equivalent")
	}

	auto.AdapterWrapped = true
	if _, err := s.Transform(ctx, auto); err != nil {
		t.Fatal(err)
	}
	wrapped, _ := s.Calibrator().Stats("q")
	if wrapped == after {
		t.Fatal("adapter-wrapped auto alpha must recalibrate")
	}
}

func TestAutoAlphaGlobalAndErrors(t *testing.T) {
	t.Parallel()
	m, src := blockModel(t)
	s := New(m, src)
	applied, err := s.Transform(context.Background(), TransformOptions{
		Auto: true, Folding: true,
		AutoAlpha: AutoAlphaOptions{Max: 1, Step: 0.25, Samples: 2, Global: true, SharedCriterion: CriterionMax},
	})
	if err != nil {
		t.Fatal(err)
	}
	var alphas []float64
	for _, a := range applied.Alpha.All() {
		alphas = append(alphas, a)
	}
	for _, a := range alphas[1:] {
		if a != alphas[0] {
			t.Fatalf("global auto alpha produced different alphas %v", alphas)
		}
	}

	_, err = s.Transform(context.Background(), TransformOptions{Auto: true, AutoAlpha: AutoAlphaOptions{Max: 1, Step: 0.1, SharedCriterion: "median"}})
	if !errtypes.IsConfig(err) {
		t.Fatalf("expected config error for unknown criterion, got %v", err)
	}
	if _, err := (AutoAlphaOptions{Min: 0.8, Max: 0.2, Step: 0.1}).Grid(); !errtypes.IsConfig(err) {
		t.Fatalf("expected config error for inverted range, got %v", err)
	}
}

func TestAlphaGrid(t *testing.T) {
	t.Parallel()
	got, err := DefaultAutoAlpha().Grid()
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("grid mismatch (-want +got):\n%s", diff)
	}
}

func TestExportDoesNotMutate(t *testing.T) {
	t.Parallel()
	m, src := normLinear(t)
	orig := layersOf(m.Clone())
	s := New(m, src)
	infos, err := s.Export(context.Background(), TransformOptions{Alpha: 0.5, Folding: true})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(orig, layersOf(m)); diff != "" {
		t.Fatalf("export changed the model:\n%s", diff)
	}
	info, ok := infos.Get("fc")
	if !ok {
		t.Fatal("no export record for fc")
	}
	if info.Absorber != "ln" || len(info.WeightScaleAfterMul) != 2 {
		t.Fatalf("unexpected record %+v", info)
	}
	if math.Abs(float64(info.InputScaleForMul[1])-0.5) > 1e-6 {
		t.Fatalf("input scale for mul = %v, want 0.5 on channel 1", info.InputScaleForMul)
	}
	// after the multiply the input spans [-sqrt2, sqrt2] and [-2, 2]
	if want := float32(4.0 / 255); math.Abs(float64(info.InputScale-want)) > 1e-6 {
		t.Fatalf("input scale after mul = %v, want %v", info.InputScale, want)
	}
}

func TestCalibFuncDrivesStatistics(t *testing.T) {
	t.Parallel()
	m, src := blockModel(t)
	calls := 0
	forward := func(ctx context.Context, fm *graph.Model) error {
		calls++
		for sample := range src {
			if _, err := fm.Forward(ctx, sample.(tensor.Mat)); err != nil {
				return err
			}
		}
		return nil
	}
	applied, err := New(m, src).Transform(context.Background(), TransformOptions{Alpha: 0.5, Folding: true, CalibFunc: forward})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("calibration function ran %d times, want 1", calls)
	}
	if applied.Skipped || !applied.Equivalent {
		t.Fatalf("expected an equivalent transform, got %+v", applied)
	}

	m2, src2 := blockModel(t)
	orig := layersOf(m2.Clone())
	boom := errors.New("forward loop failed")
	_, err = New(m2, src2).Transform(context.Background(), TransformOptions{
		Alpha:     0.5,
		Folding:   true,
		CalibFunc: func(context.Context, *graph.Model) error { return boom },
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the calibration error, got %v", err)
	}
	if diff := cmp.Diff(orig, layersOf(m2)); diff != "" {
		t.Fatalf("failed calibration changed the model:\n%s", diff)
	}
}
