package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/samcharles93/lowbit/internal/errtypes"
	"github.com/samcharles93/lowbit/internal/tensor"
)

func buildNormLinear(t *testing.T) *Model {
	t.Helper()
	m := New()
	if err := m.AddInput("x"); err != nil {
		t.Fatal(err)
	}
	ln := &LayerNorm{Weight: []float32{1, 2}, Bias: []float32{0.5, -0.5}, Eps: 1e-5}
	fc := &Linear{W: tensor.NewMatFromRows([][]float32{{1, 0}, {0, 1}, {1, 1}}), B: []float32{0, 0, 1}}
	if err := m.Add("ln", ln, "x"); err != nil {
		t.Fatal(err)
	}
	if err := m.Add("fc", fc, "ln"); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestForwardNormLinear(t *testing.T) {
	t.Parallel()
	m := buildNormLinear(t)
	x := tensor.NewMatFromRows([][]float32{{1, 3}})
	out, err := m.Forward(context.Background(), x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	// normalised row is [-1, 1] (up to eps), affine gives [-0.5, 1.5]
	want := tensor.NewMatFromRows([][]float32{{-0.5, 1.5, 2}})
	if !tensor.AllClose(&out, &want, 0, 1e-4) {
		t.Fatalf("unexpected output %v", out.Data)
	}
}

func TestRegistryRejectsBadGraphs(t *testing.T) {
	t.Parallel()
	m := buildNormLinear(t)
	tests := []struct {
		name string
		err  error
	}{
		{"duplicate", m.Add("fc", &Mul{Weight: []float32{1}}, "ln")},
		{"unknown input", m.Add("fc2", &Mul{Weight: []float32{1}}, "nope")},
		{"no inputs", m.Add("fc3", &Mul{Weight: []float32{1}})},
		{"unknown set", m.SetLayer("missing", &Mul{})},
		{"unknown output", m.SetOutput("missing")},
	}
	for _, tc := range tests {
		if !errtypes.IsConfig(tc.err) {
			t.Fatalf("%s: expected config error, got %v", tc.name, tc.err)
		}
	}
}

func TestLookupAndConsumers(t *testing.T) {
	t.Parallel()
	m := buildNormLinear(t)
	l, ok := m.Layer("fc")
	if !ok || l.Kind() != KindLinear {
		t.Fatalf("expected linear under fc, got %v %v", l, ok)
	}
	if diff := cmp.Diff([]string{"fc"}, m.Consumers("ln")); diff != "" {
		t.Fatalf("consumers mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"ln"}, m.NamesOfKind(KindLayerNorm, KindBatchNorm)); diff != "" {
		t.Fatalf("NamesOfKind mismatch (-want +got):\n%s", diff)
	}
	if m.Output() != "fc" {
		t.Fatalf("expected default output fc, got %q", m.Output())
	}
}

func TestHooksSeeInputsAndDetach(t *testing.T) {
	t.Parallel()
	m := buildNormLinear(t)
	var seen []string
	remove := m.AddHook(func(name string, in []tensor.Mat, out tensor.Mat) {
		seen = append(seen, name)
		if name == "fc" && (len(in) != 1 || in[0].C != 2 || out.C != 3) {
			t.Errorf("fc hook saw %d inputs, out %dx%d", len(in), out.R, out.C)
		}
	}, "ln", "fc")
	x := tensor.NewMatFromRows([][]float32{{1, 2}})
	if _, err := m.Forward(context.Background(), x); err != nil {
		t.Fatal(err)
	}
	remove()
	if _, err := m.Forward(context.Background(), x); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"ln", "fc"}, seen); diff != "" {
		t.Fatalf("hook calls mismatch (-want +got):\n%s", diff)
	}
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()
	m := buildNormLinear(t)
	c := m.Clone()
	l, _ := c.Layer("ln")
	l.(*LayerNorm).Weight[0] = 42
	orig, _ := m.Layer("ln")
	if orig.(*LayerNorm).Weight[0] != 1 {
		t.Fatal("clone shares layer parameters with the original")
	}
}

func TestForwardErrors(t *testing.T) {
	t.Parallel()
	m := buildNormLinear(t)
	if _, err := m.Forward(context.Background(), tensor.NewMat(1, 3)); !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape, got %v", err)
	}
	if _, err := m.Forward(context.Background()); !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape for missing input, got %v", err)
	}

	p := New()
	_ = p.AddInput("x")
	_ = p.Add("boom", &Func{Name: "boom", Fn: func([]tensor.Mat) (tensor.Mat, error) { panic("bad") }}, "x")
	if _, err := p.Forward(context.Background(), tensor.NewMat(1, 1)); !errors.Is(err, ErrForward) {
		t.Fatalf("expected ErrForward, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Forward(ctx, tensor.NewMat(1, 2)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestScaledLinearMatchesFoldedLinear(t *testing.T) {
	t.Parallel()
	inner := &Linear{W: tensor.NewMatFromRows([][]float32{{2, 4}})}
	sl := &ScaledLinear{InputScale: []float32{0.5, 0.25}, Inner: inner}
	x := tensor.NewMatFromRows([][]float32{{1, 1}})
	out, err := sl.Forward([]tensor.Mat{x})
	if err != nil {
		t.Fatal(err)
	}
	if out.At(0, 0) != 2 {
		t.Fatalf("expected 1*0.5*2 + 1*0.25*4 = 2, got %v", out.At(0, 0))
	}
	if x.At(0, 0) != 1 {
		t.Fatal("ScaledLinear modified its input")
	}
}

func TestElementwiseAndBatchNorm(t *testing.T) {
	t.Parallel()
	x := tensor.NewMatFromRows([][]float32{{-2, 0.5, 3}})
	tests := []struct {
		layer Layer
		want  []float32
	}{
		{ReLU(), []float32{0, 0.5, 3}},
		{LeakyReLU(0.1), []float32{-0.2, 0.5, 3}},
		{HardTanh(-1, 1), []float32{-1, 0.5, 1}},
		{&Mul{Weight: []float32{2, 2, 0}}, []float32{-4, 1, 0}},
		{&BatchNorm{Mean: []float32{0, 0.5, 1}, Var: []float32{1, 1, 4}, Weight: []float32{1, 1, 2}, Bias: []float32{0, 1, 0}}, []float32{-2, 1, 2}},
	}
	for _, tc := range tests {
		out, err := tc.layer.Forward([]tensor.Mat{x})
		if err != nil {
			t.Fatalf("%s: %v", tc.layer.Kind(), err)
		}
		want := tensor.NewMatFromRows([][]float32{tc.want})
		if !tensor.AllClose(&out, &want, 0, 1e-6) {
			t.Fatalf("%s: got %v want %v", tc.layer.Kind(), out.Data, tc.want)
		}
	}
}
