package modelspec

import (
	"github.com/samcharles93/lowbit/internal/graph"
	"github.com/samcharles93/lowbit/internal/safetensors"
)

// Params collects every parameter of m under the names Build reads.
// Layers without parameters are skipped.
func Params(m *graph.Model) map[string]safetensors.Tensor {
	out := make(map[string]safetensors.Tensor)
	put := func(name string, v []float32) {
		if v != nil {
			out[name] = safetensors.Vec(v)
		}
	}
	for _, name := range m.Names() {
		l, _ := m.Layer(name)
		switch l := l.(type) {
		case *graph.Linear:
			out[name+".weight"] = safetensors.Mat(l.W)
			put(name+".bias", l.B)
		case *graph.ScaledLinear:
			out[name+".weight"] = safetensors.Mat(l.Inner.W)
			put(name+".bias", l.Inner.B)
			put(name+".input_scale", l.InputScale)
		case *graph.LayerNorm:
			put(name+".weight", l.Weight)
			put(name+".bias", l.Bias)
		case *graph.BatchNorm:
			put(name+".weight", l.Weight)
			put(name+".bias", l.Bias)
			put(name+".running_mean", l.Mean)
			put(name+".running_var", l.Var)
		case *graph.RMSNorm:
			put(name+".weight", l.Weight)
		case *graph.Mul:
			put(name+".weight", l.Weight)
		}
	}
	return out
}

// SaveWeights writes the parameters of m to path in dtype dt.
func SaveWeights(path string, m *graph.Model, dt safetensors.DType) error {
	return safetensors.Write(path, Params(m), dt, map[string]string{"format": "lowbit"})
}
