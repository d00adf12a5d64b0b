package quant

import (
	"fmt"

	"github.com/samcharles93/lowbit/internal/graph"
	"github.com/samcharles93/lowbit/internal/tensor"
)

// KindQLinear is the kind of a fake-quantised linear layer.
const KindQLinear graph.Kind = "quantized_linear"

// QLinear simulates an int8 linear layer in float32.  Inner holds weights
// already rounded onto their grid; inputs are rounded onto Act, or onto a
// grid derived from each batch when Act is nil.
type QLinear struct {
	Inner       *graph.Linear
	Act         *tensor.QParams
	Symmetric   bool
	ReduceRange bool
}

func (l *QLinear) Kind() graph.Kind    { return KindQLinear }
func (l *QLinear) Weight() *tensor.Mat { return &l.Inner.W }
func (l *QLinear) Dynamic() bool       { return l.Act == nil }

func (l *QLinear) Forward(in []tensor.Mat) (tensor.Mat, error) {
	if len(in) != 1 {
		return tensor.Mat{}, fmt.Errorf("%w: %s takes 1 input, got %d", graph.ErrShape, KindQLinear, len(in))
	}
	x := in[0].Clone()
	qp := l.grid(&x)
	qp.QDQ(&x)
	return l.Inner.Forward([]tensor.Mat{x})
}

func (l *QLinear) grid(x *tensor.Mat) tensor.QParams {
	if l.Act != nil {
		return *l.Act
	}
	lo, hi := tensor.MinMax(x)
	return activationGrid(lo, hi, l.Symmetric, l.ReduceRange)
}

func (l *QLinear) Clone() graph.Layer {
	out := &QLinear{
		Inner:       l.Inner.Clone().(*graph.Linear),
		Symmetric:   l.Symmetric,
		ReduceRange: l.ReduceRange,
	}
	if l.Act != nil {
		act := *l.Act
		out.Act = &act
	}
	return out
}

// Rounded runs Inner with inputs and outputs rounded through a narrower
// float type.
type Rounded struct {
	Inner graph.Layer
	DType graph.DType
}

func (l *Rounded) Kind() graph.Kind { return l.Inner.Kind() }

func (l *Rounded) Forward(in []tensor.Mat) (tensor.Mat, error) {
	xs := make([]tensor.Mat, len(in))
	for i, x := range in {
		xs[i] = x.Clone()
		round(&xs[i], l.DType)
	}
	out, err := l.Inner.Forward(xs)
	if err != nil {
		return out, err
	}
	round(&out, l.DType)
	return out, nil
}

func (l *Rounded) Clone() graph.Layer {
	return &Rounded{Inner: l.Inner.Clone(), DType: l.DType}
}

func round(m *tensor.Mat, dt graph.DType) {
	switch dt {
	case graph.BF16:
		tensor.RoundBF16(m)
	case graph.FP16:
		tensor.RoundFP16(m)
	}
}

func activationGrid(lo, hi float32, symmetric, reduceRange bool) tensor.QParams {
	qmin, qmax := tensor.Int8Range(symmetric, reduceRange)
	if symmetric {
		return tensor.SymmetricQParams(max(-lo, hi), qmin, qmax)
	}
	return tensor.AffineQParams(lo, hi, qmin, qmax)
}
