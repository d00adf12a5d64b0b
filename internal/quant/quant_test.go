package quant

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/lowbit/internal/calib"
	"github.com/samcharles93/lowbit/internal/errtypes"
	"github.com/samcharles93/lowbit/internal/graph"
	"github.com/samcharles93/lowbit/internal/host"
	"github.com/samcharles93/lowbit/internal/sidecar"
	"github.com/samcharles93/lowbit/internal/space"
	"github.com/samcharles93/lowbit/internal/tensor"
)

func testModel(t *testing.T) (*graph.Model, []tensor.Mat) {
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
		return &graph.Linear{W: w, B: make([]float32, out)}
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
			b.Row(r)[5] *= 20
		}
		batches = append(batches, b)
	}
	return m, batches
}

func buildSpace(t *testing.T, a *Adaptor, opts ...space.BuildOption) *space.TuningSpace {
	t.Helper()
	caps, err := a.Capability(context.Background())
	if err != nil {
		t.Fatalf("Capability: %v", err)
	}
	s, err := space.New(caps, opts...)
	if err != nil {
		t.Fatalf("space.New: %v", err)
	}
	return s
}

func opNames(caps []space.OpCapability) []string {
	var out []string
	for _, c := range caps {
		out = append(out, c.Key.Name)
	}
	return out
}

func TestCapability(t *testing.T) {
	t.Parallel()
	m, batches := testModel(t)
	ctx := context.Background()

	caps, err := New(m, calib.FromSlice(batches)).Capability(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"q", "k", "fc1", "fc2"}, opNames(caps)); diff != "" {
		t.Fatalf("int8 ops (-want +got):\n%s", diff)
	}
	if n := len(caps[0].Modes[0].Options); n != 8 {
		t.Fatalf("static options = %d, want 8", n)
	}

	path := filepath.Join(t.TempDir(), "qconf.json")
	a := New(m, calib.FromSlice(batches), WithFloatModes(space.BF16), WithSidecar(path))
	caps, err = a.Capability(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"ln", "q", "k", "mix", "fc1", "act", "fc2"}, opNames(caps)); diff != "" {
		t.Fatalf("bf16 ops (-want +got):\n%s", diff)
	}
	doc, err := sidecar.Load(path)
	if err != nil {
		t.Fatalf("sidecar not written: %v", err)
	}
	info, ok, err := doc.Op("fc1")
	if err != nil || !ok || !info.OpTypeIsModule || len(info.Weights) != 1 {
		t.Fatalf("fc1 entry %+v ok=%v err=%v", info, ok, err)
	}
	if info, _, _ := doc.Op("act"); info.OpTypeIsModule {
		t.Fatal("activation recorded as module op")
	}
}

func TestApplyFP32IsIdentity(t *testing.T) {
	t.Parallel()
	m, batches := testModel(t)
	a := New(m, calib.FromSlice(batches))
	s := buildSpace(t, a)
	work, err := a.Apply(context.Background(), s.InitialConfig(space.FP32))
	if err != nil {
		t.Fatal(err)
	}
	if work == m {
		t.Fatal("Apply returned the reference model")
	}
	want, _ := m.Forward(context.Background(), batches[0])
	got, _ := work.Forward(context.Background(), batches[0])
	if diff := cmp.Diff(want.Data, got.Data); diff != "" {
		t.Fatalf("fp32 output differs (-want +got):\n%s", diff)
	}
}

func TestApplyStatic(t *testing.T) {
	t.Parallel()
	m, batches := testModel(t)
	orig := m.Clone()
	a := New(m, calib.FromSlice(batches), WithCPU(host.CPUInfo{VNNI: true}))
	s := buildSpace(t, a)
	work, err := a.Apply(context.Background(), s.InitialConfig(space.Static))
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"q", "k", "fc1", "fc2"} {
		l, _ := work.Layer(name)
		q, ok := l.(*QLinear)
		if !ok {
			t.Fatalf("%s is %T, want *QLinear", name, l)
		}
		if q.Dynamic() || q.ReduceRange || q.Act.QMax != 255 {
			t.Fatalf("%s grid %+v reduce=%v", name, q.Act, q.ReduceRange)
		}
	}

	ctx := context.Background()
	for _, b := range batches {
		ref, _ := orig.Forward(ctx, b)
		got, err := work.Forward(ctx, b)
		if err != nil {
			t.Fatal(err)
		}
		zero := tensor.NewMat(ref.R, ref.C)
		if e, energy := tensor.MSE(&got, &ref), tensor.MSE(&ref, &zero); e > 0.05*energy {
			t.Fatalf("quantisation error %g against signal %g", e, energy)
		}
	}
	for _, name := range m.Names() {
		l, _ := m.Layer(name)
		if l.Kind() == KindQLinear {
			t.Fatalf("reference model layer %s was replaced", name)
		}
	}
}

func TestApplyModes(t *testing.T) {
	t.Parallel()
	m, batches := testModel(t)
	a := New(m, calib.FromSlice(batches), WithFloatModes(space.BF16), WithCPU(host.CPUInfo{}))
	s := buildSpace(t, a)
	ctx := context.Background()

	dyn, err := space.NewOpTuningConfig(s, space.OpKey{Name: "q", Type: "linear"}, space.Dynamic, DynamicOptions()[2])
	if err != nil {
		t.Fatal(err)
	}
	bf, err := space.NewOpTuningConfig(s, space.OpKey{Name: "fc2", Type: "linear"}, space.BF16, space.FloatOption(space.BF16))
	if err != nil {
		t.Fatal(err)
	}
	kl, err := space.NewOpTuningConfig(s, space.OpKey{Name: "k", Type: "linear"}, space.Static, StaticOptions()[2])
	if err != nil {
		t.Fatal(err)
	}
	cfg := s.InitialConfig(space.FP32).With(dyn).With(bf).With(kl)
	work, err := a.Apply(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}

	l, _ := work.Layer("q")
	if q, ok := l.(*QLinear); !ok || !q.Dynamic() || !q.Symmetric || !q.ReduceRange {
		t.Fatalf("q = %#v", l)
	}
	l, _ = work.Layer("k")
	if q, ok := l.(*QLinear); !ok || q.Act == nil || q.Act.QMax != 127 {
		t.Fatalf("k = %#v, want reduced-range static grid", l)
	}
	l, _ = work.Layer("fc2")
	r, ok := l.(*Rounded)
	if !ok || r.DType != graph.BF16 {
		t.Fatalf("fc2 = %T", l)
	}
	w := r.Inner.(*graph.Linear).W
	rounded := w.Clone()
	tensor.RoundBF16(&rounded)
	if diff := cmp.Diff(rounded.Data, w.Data); diff != "" {
		t.Fatalf("bf16 weights not rounded (-want +got):\n%s", diff)
	}
	if _, err := work.Forward(ctx, batches[0]); err != nil {
		t.Fatalf("forward: %v", err)
	}
}

func TestApplyRejectsStaticNonLinear(t *testing.T) {
	t.Parallel()
	m, batches := testModel(t)
	a := New(m, calib.FromSlice(batches))
	s, err := space.New([]space.OpCapability{{
		Key:   space.OpKey{Name: "ln", Type: "layer_norm"},
		Modes: []space.ModeOptions{{Mode: space.Dynamic, Options: DynamicOptions()}},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Apply(context.Background(), s.InitialConfig(space.Dynamic)); !errtypes.IsConfig(err) {
		t.Fatalf("got %v, want config error", err)
	}
}

func TestApplyInsufficientMemory(t *testing.T) {
	t.Parallel()
	m, batches := testModel(t)
	a := New(m, calib.FromSlice(batches), WithMemoryFunc(host.FixedMemory(64)))
	s := buildSpace(t, a)
	_, err := a.Apply(context.Background(), s.InitialConfig(space.Static))
	if !errors.Is(err, host.ErrInsufficientMemory) {
		t.Fatalf("got %v, want ErrInsufficientMemory", err)
	}
}

func TestApplySmoothQuantUpdatesSidecar(t *testing.T) {
	t.Parallel()
	m, batches := testModel(t)
	path := filepath.Join(t.TempDir(), "qconf.json")
	a := New(m, calib.FromSlice(batches), WithSidecar(path), WithExample(batches[0]))
	s := buildSpace(t, a, space.WithSmoothQuantAlphas(0.5))
	cfg := s.InitialConfig(space.Static)
	if alpha, ok := cfg.SmoothQuantAlpha(); !ok || alpha != 0.5 {
		t.Fatalf("alpha %v %v", alpha, ok)
	}
	work, err := a.Apply(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := work.Forward(context.Background(), batches[1]); err != nil {
		t.Fatal(err)
	}

	doc, err := sidecar.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	data, err := doc.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	var root map[string]struct {
		Ops map[string]struct {
			Weights []struct {
				Factor []float32 `json:"smooth_quant_scaling_factor"`
			} `json:"weight_tensor_infos"`
		} `json:"q_op_infos"`
	}
	if err := json.Unmarshal(data, &root); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"q", "k", "fc2"} {
		f := root[name].Ops["0"].Weights[0].Factor
		if len(f) == 0 {
			t.Fatalf("%s has no smooth quant factor", name)
		}
		for _, v := range f {
			if v <= 0 || math.IsInf(float64(v), 0) {
				t.Fatalf("%s factor %v", name, f)
			}
		}
	}
	if f := root["fc1"].Ops["0"].Weights[0].Factor; len(f) != 0 {
		t.Fatalf("fc1 has no absorber but got factor %v", f)
	}
}

func TestFidelityEvaluator(t *testing.T) {
	t.Parallel()
	m, batches := testModel(t)
	ctx := context.Background()
	e := FidelityEvaluator{Reference: m, Data: calib.FromSlice(batches)}
	acc, err := e.Evaluate(ctx, m)
	if err != nil || acc != 1 {
		t.Fatalf("self agreement = %v, %v", acc, err)
	}

	out, _ := m.Forward(ctx, batches[0])
	labels := make([]int, out.R)
	for i := range labels {
		labels[i] = tensor.ArgMax(out.Row(i))
	}
	labels[0] = (labels[0] + 1) % out.C
	lab := FidelityEvaluator{Data: calib.FromSlice([]calib.Labeled{{Input: batches[0], Labels: labels}})}
	acc, err = lab.Evaluate(ctx, m)
	if err != nil || acc != 0.75 {
		t.Fatalf("label accuracy = %v, %v; want 0.75", acc, err)
	}

	if _, err := (FidelityEvaluator{Data: calib.FromSlice([]tensor.Mat{})}).Evaluate(ctx, m); !errors.Is(err, ErrNoSamples) {
		t.Fatalf("empty source: %v", err)
	}
}

func TestBenchmark(t *testing.T) {
	t.Parallel()
	m, batches := testModel(t)
	d, err := Benchmark{Data: calib.FromSlice(batches), Warmup: 1, Iters: 3}.Measure(context.Background(), m)
	if err != nil || d <= 0 || d > time.Second {
		t.Fatalf("latency %v, %v", d, err)
	}
}

func TestApplyWithCalibFunc(t *testing.T) {
	t.Parallel()
	m, batches := testModel(t)
	calls := 0
	forward := func(ctx context.Context, fm *graph.Model) error {
		calls++
		for _, b := range batches[:2] {
			if _, err := fm.Forward(ctx, b); err != nil {
				return err
			}
		}
		return nil
	}
	a := New(m, calib.FromSlice(batches), WithCalibFunc(forward), WithExample(batches[0]))
	s := buildSpace(t, a, space.WithSmoothQuantAlphas(0.5))
	work, err := a.Apply(context.Background(), s.InitialConfig(space.Static))
	if err != nil {
		t.Fatal(err)
	}
	// one pass for smoothing statistics, one for activation ranges
	if calls != 2 {
		t.Fatalf("calibration function ran %d times, want 2", calls)
	}
	l, _ := work.Layer("fc2")
	if _, ok := l.(*QLinear); !ok {
		t.Fatalf("fc2 is %T, want *QLinear", l)
	}
}
