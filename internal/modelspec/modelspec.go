// Package modelspec loads a graph.Model from a YAML description plus an
// optional safetensors weight file, and saves model parameters back.
//
// A description lists layers in topological order:
//
//	name: toy
//	seed: 7
//	weights: toy.safetensors
//	inputs:
//	  - {name: x, channels: 8}
//	layers:
//	  - {name: ln, type: layer_norm, inputs: [x]}
//	  - {name: fc1, type: linear, inputs: [ln], out: 16}
//	  - {name: act, type: relu, inputs: [fc1]}
//
// Parameters are named "<layer>.<param>" in the weight file.  Without a
// weight file every parameter is initialised from seed.
package modelspec

import (
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/lowbit/internal/errtypes"
	"github.com/samcharles93/lowbit/internal/graph"
	"github.com/samcharles93/lowbit/internal/safetensors"
	"github.com/samcharles93/lowbit/internal/tensor"
)

const defaultEps = 1e-5

type Spec struct {
	Name    string  `yaml:"name"`
	Seed    int64   `yaml:"seed"`
	Weights string  `yaml:"weights"`
	Inputs  []Input `yaml:"inputs"`
	Output  string  `yaml:"output"`
	Layers  []Layer `yaml:"layers"`
}

type Input struct {
	Name     string `yaml:"name"`
	Channels int    `yaml:"channels"`
}

// Layer describes one node.  Channel counts are inferred from the inputs;
// only linear layers state their output width.
type Layer struct {
	Name   string      `yaml:"name"`
	Type   graph.Kind  `yaml:"type"`
	Inputs []string    `yaml:"inputs"`
	Out    int         `yaml:"out,omitempty"`
	Bias   *bool       `yaml:"bias,omitempty"`
	Affine *bool       `yaml:"affine,omitempty"`
	Eps    *float32    `yaml:"eps,omitempty"`
	DType  graph.DType `yaml:"dtype,omitempty"`
	Slope  float32     `yaml:"slope,omitempty"`
	Min    float32     `yaml:"min,omitempty"`
	Max    float32     `yaml:"max,omitempty"`
}

// Parse decodes a YAML description.
func Parse(data []byte) (*Spec, error) {
	var s Spec
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, errtypes.Config("modelspec.Parse", "", "malformed model description: %v", err)
	}
	if len(s.Inputs) == 0 {
		return nil, errtypes.Config("modelspec.Parse", "inputs", "model has no inputs")
	}
	if len(s.Layers) == 0 {
		return nil, errtypes.Config("modelspec.Parse", "layers", "model has no layers")
	}
	return &s, nil
}

// Load reads the description at path and builds the model.  A relative
// weights path is resolved against the description's directory.
func Load(path string) (*graph.Model, *Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	s, err := Parse(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	var st *safetensors.File
	if s.Weights != "" {
		wp := s.Weights
		if !filepath.IsAbs(wp) {
			wp = filepath.Join(filepath.Dir(path), wp)
		}
		st, err = safetensors.Open(wp)
		if err != nil {
			return nil, nil, fmt.Errorf("open weights: %w", err)
		}
	}
	m, err := Build(s, st)
	if err != nil {
		return nil, nil, err
	}
	return m, s, nil
}

// Build constructs the model.  weights may be nil.
func Build(s *Spec, weights *safetensors.File) (*graph.Model, error) {
	m := graph.New()
	channels := make(map[string]int, len(s.Inputs)+len(s.Layers))
	for _, in := range s.Inputs {
		if in.Channels <= 0 {
			return nil, errtypes.Config("modelspec.Build", in.Name, "input needs a positive channel count")
		}
		if err := m.AddInput(in.Name); err != nil {
			return nil, err
		}
		channels[in.Name] = in.Channels
	}
	p := params{weights: weights, seed: s.Seed}
	for i, ls := range s.Layers {
		if len(ls.Inputs) == 0 {
			return nil, errtypes.Config("modelspec.Build", ls.Name, "layer has no inputs")
		}
		c, ok := channels[ls.Inputs[0]]
		if !ok {
			return nil, errtypes.Config("modelspec.Build", ls.Name, "unknown input %q", ls.Inputs[0])
		}
		p.index = i
		layer, out, err := p.layer(ls, c)
		if err != nil {
			return nil, err
		}
		if err := m.Add(ls.Name, layer, ls.Inputs...); err != nil {
			return nil, err
		}
		channels[ls.Name] = out
	}
	if s.Output != "" {
		if err := m.SetOutput(s.Output); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Channels returns the width of every model input, in feed order.
func (s *Spec) Channels() []int {
	out := make([]int, len(s.Inputs))
	for i, in := range s.Inputs {
		out[i] = in.Channels
	}
	return out
}

// Example draws one random batch per input, deterministic in seed.
func (s *Spec) Example(rows int, seed int64) []tensor.Mat {
	out := make([]tensor.Mat, len(s.Inputs))
	for i, in := range s.Inputs {
		out[i] = tensor.NewMat(rows, in.Channels)
		tensor.FillRand(&out[i], seed+int64(i))
	}
	return out
}

type params struct {
	weights *safetensors.File
	seed    int64
	index   int
}

func (p params) layer(ls Layer, in int) (graph.Layer, int, error) {
	eps := float32(defaultEps)
	if ls.Eps != nil {
		eps = *ls.Eps
	}
	switch ls.Type {
	case graph.KindLinear, graph.KindScaledLinear:
		if ls.Out <= 0 {
			return nil, 0, errtypes.Config("modelspec.Build", ls.Name, "linear layer needs out > 0")
		}
		lin, err := p.linear(ls, in)
		if err != nil {
			return nil, 0, err
		}
		if ls.Type == graph.KindLinear {
			return lin, ls.Out, nil
		}
		scale, err := p.vec(ls.Name+".input_scale", in, 1)
		if err != nil {
			return nil, 0, err
		}
		return &graph.ScaledLinear{InputScale: scale, Inner: lin}, ls.Out, nil
	case graph.KindLayerNorm:
		l := &graph.LayerNorm{Eps: eps}
		if enabled(ls.Affine) {
			var err error
			if l.Weight, err = p.vec(ls.Name+".weight", in, 1); err != nil {
				return nil, 0, err
			}
			if l.Bias, err = p.vec(ls.Name+".bias", in, 0); err != nil {
				return nil, 0, err
			}
		}
		return l, in, nil
	case graph.KindBatchNorm:
		l := &graph.BatchNorm{Eps: eps}
		var err error
		if l.Mean, err = p.vec(ls.Name+".running_mean", in, 0); err != nil {
			return nil, 0, err
		}
		if l.Var, err = p.vec(ls.Name+".running_var", in, 1); err != nil {
			return nil, 0, err
		}
		if enabled(ls.Affine) {
			if l.Weight, err = p.vec(ls.Name+".weight", in, 1); err != nil {
				return nil, 0, err
			}
			if l.Bias, err = p.vec(ls.Name+".bias", in, 0); err != nil {
				return nil, 0, err
			}
		}
		return l, in, nil
	case graph.KindRMSNorm:
		w, err := p.vec(ls.Name+".weight", in, 1)
		if err != nil {
			return nil, 0, err
		}
		return &graph.RMSNorm{Weight: w, Eps: eps}, in, nil
	case graph.KindMul:
		w, err := p.vec(ls.Name+".weight", in, 1)
		if err != nil {
			return nil, 0, err
		}
		return &graph.Mul{Weight: w}, in, nil
	case graph.KindCast:
		return &graph.Cast{To: ls.DType}, in, nil
	case graph.KindReLU:
		return graph.ReLU(), in, nil
	case graph.KindLeakyReLU:
		return graph.LeakyReLU(ls.Slope), in, nil
	case graph.KindHardTanh:
		lo, hi := ls.Min, ls.Max
		if lo == 0 && hi == 0 {
			lo, hi = -1, 1
		}
		return graph.HardTanh(lo, hi), in, nil
	case graph.KindGELU:
		return graph.GELU(), in, nil
	case graph.KindAdd:
		return graph.Add{}, in, nil
	default:
		return nil, 0, errtypes.Config("modelspec.Build", ls.Name, "unsupported layer type %q", ls.Type)
	}
}

func (p params) linear(ls Layer, in int) (*graph.Linear, error) {
	lin := &graph.Linear{}
	name := ls.Name + ".weight"
	if p.weights != nil {
		w, err := p.weights.ReadMat(name)
		if err != nil {
			return nil, err
		}
		if w.R != ls.Out || w.C != in {
			return nil, errtypes.Config("modelspec.Build", ls.Name, "weight is %dx%d, want %dx%d", w.R, w.C, ls.Out, in)
		}
		lin.W = w
	} else {
		lin.W = tensor.NewMat(ls.Out, in)
		bound := float32(1 / math.Sqrt(float64(in)))
		tensor.FillRandRange(&lin.W, p.seed+int64(p.index), -bound, bound)
	}
	if !enabled(ls.Bias) {
		return lin, nil
	}
	if p.weights != nil {
		b, err := p.vec(ls.Name+".bias", ls.Out, 0)
		if err != nil {
			return nil, err
		}
		lin.B = b
		return lin, nil
	}
	rng := rand.New(rand.NewPCG(uint64(p.seed), uint64(p.index)))
	lin.B = make([]float32, ls.Out)
	for i := range lin.B {
		lin.B[i] = float32(rng.Float64()*0.2 - 0.1)
	}
	return lin, nil
}

// vec reads a 1-D parameter or fills it with init when no weight file was
// given.
func (p params) vec(name string, n int, init float32) ([]float32, error) {
	if p.weights == nil {
		v := make([]float32, n)
		for i := range v {
			v[i] = init
		}
		return v, nil
	}
	v, err := p.weights.ReadVec(name)
	if err != nil {
		return nil, err
	}
	if len(v) != n {
		return nil, errtypes.Config("modelspec.Build", name, "parameter has %d channels, want %d", len(v), n)
	}
	return v, nil
}

func enabled(b *bool) bool { return b == nil || *b }
