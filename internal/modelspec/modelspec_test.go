package modelspec

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/lowbit/internal/calib"
	"github.com/samcharles93/lowbit/internal/errtypes"
	"github.com/samcharles93/lowbit/internal/graph"
	"github.com/samcharles93/lowbit/internal/safetensors"
	"github.com/samcharles93/lowbit/internal/tensor"
)

const toyYAML = `
name: toy
seed: 7
inputs:
  - {name: x, channels: 4}
layers:
  - {name: ln, type: layer_norm, inputs: [x]}
  - {name: q, type: linear, inputs: [ln], out: 6}
  - {name: k, type: linear, inputs: [ln], out: 6, bias: false}
  - {name: mix, type: add, inputs: [q, k]}
  - {name: act, type: relu, inputs: [mix]}
  - {name: fc, type: linear, inputs: [act], out: 3}
`

func TestBuildInfersChannels(t *testing.T) {
	t.Parallel()
	s, err := Parse([]byte(toyYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	m, err := Build(s, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := []string{"x", "ln", "q", "k", "mix", "act", "fc"}
	if diff := cmp.Diff(want, m.Names()); diff != "" {
		t.Fatalf("names mismatch (-want +got):\n%s", diff)
	}
	l, _ := m.Layer("fc")
	fc := l.(*graph.Linear)
	if fc.W.R != 3 || fc.W.C != 6 {
		t.Fatalf("fc weight is %dx%d, want 3x6", fc.W.R, fc.W.C)
	}
	l, _ = m.Layer("k")
	if l.(*graph.Linear).B != nil {
		t.Fatal("k was declared without bias")
	}
	out, err := m.Forward(context.Background(), s.Example(5, 1)...)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if out.R != 5 || out.C != 3 {
		t.Fatalf("output is %dx%d, want 5x3", out.R, out.C)
	}
}

func TestBuildIsSeeded(t *testing.T) {
	t.Parallel()
	s, err := Parse([]byte(toyYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	a, _ := Build(s, nil)
	b, _ := Build(s, nil)
	if diff := cmp.Diff(Params(a)["q.weight"], Params(b)["q.weight"]); diff != "" {
		t.Fatalf("same seed gave different weights:\n%s", diff)
	}
}

func TestBuildRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
	}{
		{"no inputs", "layers: [{name: a, type: relu, inputs: [x]}]"},
		{"no layers", "inputs: [{name: x, channels: 2}]"},
		{"unknown input", "inputs: [{name: x, channels: 2}]\nlayers: [{name: a, type: relu, inputs: [y]}]"},
		{"linear without out", "inputs: [{name: x, channels: 2}]\nlayers: [{name: a, type: linear, inputs: [x]}]"},
		{"unknown type", "inputs: [{name: x, channels: 2}]\nlayers: [{name: a, type: conv2d, inputs: [x]}]"},
		{"duplicate", "inputs: [{name: x, channels: 2}]\nlayers: [{name: a, type: relu, inputs: [x]}, {name: a, type: relu, inputs: [x]}]"},
		{"malformed", "inputs: [oops"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, err := Parse([]byte(tt.yaml))
			if err == nil {
				_, err = Build(s, nil)
			}
			if !errtypes.IsConfig(err) {
				t.Fatalf("err = %v, want configuration error", err)
			}
		})
	}
}

func TestSaveAndLoadWeights(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := Parse([]byte(toyYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	m, err := Build(s, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	// make the round trip observable
	l, _ := m.Layer("ln")
	l.(*graph.LayerNorm).Weight[2] = 3

	if err := SaveWeights(filepath.Join(dir, "toy.safetensors"), m, safetensors.F32); err != nil {
		t.Fatalf("SaveWeights: %v", err)
	}
	desc := "weights: toy.safetensors\nseed: 99\n" + toyYAML[len("\nname: toy\nseed: 7\n"):]
	if err := os.WriteFile(filepath.Join(dir, "toy.yaml"), []byte(desc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, _, err := Load(filepath.Join(dir, "toy.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(Params(m), Params(got)); diff != "" {
		t.Fatalf("parameters mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadMissingWeight(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "w.safetensors")
	if err := safetensors.Write(path, map[string]safetensors.Tensor{
		"other": safetensors.Vec([]float32{1}),
	}, safetensors.F32, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	st, err := safetensors.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s, _ := Parse([]byte("inputs: [{name: x, channels: 2}]\nlayers: [{name: fc, type: linear, inputs: [x], out: 2}]"))
	if _, err := Build(s, st); err == nil {
		t.Fatal("expected missing tensor error")
	}
}

func TestScaledLinearRoundTrip(t *testing.T) {
	t.Parallel()
	m := graph.New()
	_ = m.AddInput("x")
	inner := &graph.Linear{W: tensor.NewMatFromRows([][]float32{{1, 2}, {3, 4}}), B: []float32{0.5, -0.5}}
	_ = m.Add("fc", &graph.ScaledLinear{InputScale: []float32{2, 0.5}, Inner: inner}, "x")

	path := filepath.Join(t.TempDir(), "w.safetensors")
	if err := SaveWeights(path, m, safetensors.F32); err != nil {
		t.Fatalf("SaveWeights: %v", err)
	}
	st, err := safetensors.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s, _ := Parse([]byte("inputs: [{name: x, channels: 2}]\nlayers: [{name: fc, type: scaled_linear, inputs: [x], out: 2}]"))
	got, err := Build(s, st)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if diff := cmp.Diff(Params(m), Params(got)); diff != "" {
		t.Fatalf("parameters mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadDataBatches(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "data.safetensors")
	x := tensor.NewMatFromRows([][]float32{{1, 2}, {3, 4}, {5, 6}, {7, 8}, {9, 10}})
	if err := SaveData(path, x, []int{0, 1, 1, 0, 1}); err != nil {
		t.Fatalf("SaveData: %v", err)
	}
	samples, err := LoadData(path, 2)
	if err != nil {
		t.Fatalf("LoadData: %v", err)
	}
	if len(samples) != 3 {
		t.Fatalf("got %d batches, want 3", len(samples))
	}
	last := samples[2].(calib.Labeled)
	if last.Input.R != 1 || last.Input.At(0, 1) != 10 {
		t.Fatalf("last batch = %+v", last.Input)
	}
	labels, ok := calib.Labels(samples[1])
	if !ok {
		t.Fatal("labels missing")
	}
	if diff := cmp.Diff([]int{1, 0}, labels); diff != "" {
		t.Fatalf("labels mismatch (-want +got):\n%s", diff)
	}

	if err := SaveData(path, x, nil); err != nil {
		t.Fatalf("SaveData: %v", err)
	}
	samples, err = LoadData(path, 4)
	if err != nil {
		t.Fatalf("LoadData: %v", err)
	}
	if _, ok := samples[0].(tensor.Mat); !ok {
		t.Fatalf("unlabelled sample is %T", samples[0])
	}
	if _, err := LoadData(path, 0); !errtypes.IsConfig(err) {
		t.Fatalf("batch 0: err = %v", err)
	}
}
