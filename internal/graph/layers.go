package graph

import (
	"fmt"
	"math"

	"github.com/samcharles93/lowbit/internal/tensor"
)

// Kind names an operator type.  The strings match the sidecar "op_type"
// values.
type Kind string

const (
	KindInput        Kind = "input"
	KindLinear       Kind = "linear"
	KindScaledLinear Kind = "scaled_linear"
	KindLayerNorm    Kind = "layer_norm"
	KindBatchNorm    Kind = "batch_norm"
	KindRMSNorm      Kind = "rms_norm"
	KindMul          Kind = "mul"
	KindCast         Kind = "cast"
	KindReLU         Kind = "relu"
	KindLeakyReLU    Kind = "leaky_relu"
	KindHardTanh     Kind = "hardtanh"
	KindGELU         Kind = "gelu"
	KindAdd          Kind = "add"
	KindFunc         Kind = "func"
)

// Layer is one operator.  Inputs and outputs are [rows x channels].
// Forward must not modify its inputs.
type Layer interface {
	Kind() Kind
	Forward(in []tensor.Mat) (tensor.Mat, error)
	Clone() Layer
}

// Weighted is implemented by layers carrying a 2-D [out x in] weight.
type Weighted interface {
	Layer
	Weight() *tensor.Mat
}

func one(kind Kind, in []tensor.Mat) (tensor.Mat, error) {
	if len(in) != 1 {
		return tensor.Mat{}, fmt.Errorf("%w: %s takes 1 input, got %d", ErrShape, kind, len(in))
	}
	return in[0], nil
}

func checkChannels(kind Kind, x tensor.Mat, vecs ...[]float32) error {
	for _, v := range vecs {
		if v != nil && len(v) != x.C {
			return fmt.Errorf("%w: %s parameter has %d channels, input has %d", ErrShape, kind, len(v), x.C)
		}
	}
	return nil
}

func cloneVec(v []float32) []float32 {
	if v == nil {
		return nil
	}
	return append([]float32(nil), v...)
}

// Input marks a model input.  It is never executed.
type Input struct{}

func (Input) Kind() Kind { return KindInput }
func (Input) Forward(in []tensor.Mat) (tensor.Mat, error) {
	return one(KindInput, in)
}
func (Input) Clone() Layer { return Input{} }

// Linear computes x·Wᵀ + B with W stored [out x in].
type Linear struct {
	W tensor.Mat
	B []float32
}

func (l *Linear) Kind() Kind          { return KindLinear }
func (l *Linear) Weight() *tensor.Mat { return &l.W }

func (l *Linear) Forward(in []tensor.Mat) (tensor.Mat, error) {
	x, err := one(KindLinear, in)
	if err != nil {
		return x, err
	}
	if x.C != l.W.C {
		return tensor.Mat{}, fmt.Errorf("%w: linear expects %d input channels, got %d", ErrShape, l.W.C, x.C)
	}
	out := tensor.NewMat(x.R, l.W.R)
	tensor.MatMulT(&out, &x, &l.W, l.B)
	return out, nil
}

func (l *Linear) Clone() Layer {
	return &Linear{W: l.W.Clone(), B: cloneVec(l.B)}
}

// ScaledLinear multiplies its input by InputScale per channel before Inner.
// It is the runtime form of an inserted smoothing multiply.
type ScaledLinear struct {
	InputScale []float32
	Inner      *Linear
}

func (l *ScaledLinear) Kind() Kind          { return KindScaledLinear }
func (l *ScaledLinear) Weight() *tensor.Mat { return &l.Inner.W }

func (l *ScaledLinear) Forward(in []tensor.Mat) (tensor.Mat, error) {
	x, err := one(KindScaledLinear, in)
	if err != nil {
		return x, err
	}
	if err := checkChannels(KindScaledLinear, x, l.InputScale); err != nil {
		return tensor.Mat{}, err
	}
	scaled := x.Clone()
	scaled.ScaleCols(l.InputScale)
	return l.Inner.Forward([]tensor.Mat{scaled})
}

func (l *ScaledLinear) Clone() Layer {
	return &ScaledLinear{InputScale: cloneVec(l.InputScale), Inner: l.Inner.Clone().(*Linear)}
}

// LayerNorm normalises each row.  Nil Weight and Bias mean the layer has no
// affine parameters.
type LayerNorm struct {
	Weight []float32
	Bias   []float32
	Eps    float32
}

func (l *LayerNorm) Kind() Kind   { return KindLayerNorm }
func (l *LayerNorm) Affine() bool { return l.Weight != nil }

func (l *LayerNorm) Forward(in []tensor.Mat) (tensor.Mat, error) {
	x, err := one(KindLayerNorm, in)
	if err != nil {
		return x, err
	}
	if err := checkChannels(KindLayerNorm, x, l.Weight, l.Bias); err != nil {
		return tensor.Mat{}, err
	}
	out := tensor.NewMat(x.R, x.C)
	for i := 0; i < x.R; i++ {
		tensor.LayerNorm(out.Row(i), x.Row(i), l.Weight, l.Bias, l.Eps)
	}
	return out, nil
}

func (l *LayerNorm) Clone() Layer {
	return &LayerNorm{Weight: cloneVec(l.Weight), Bias: cloneVec(l.Bias), Eps: l.Eps}
}

// BatchNorm applies inference-mode batch normalisation with frozen running
// statistics.  Nil Weight and Bias mean no affine parameters.
type BatchNorm struct {
	Weight []float32
	Bias   []float32
	Mean   []float32
	Var    []float32
	Eps    float32
}

func (l *BatchNorm) Kind() Kind   { return KindBatchNorm }
func (l *BatchNorm) Affine() bool { return l.Weight != nil }

func (l *BatchNorm) Forward(in []tensor.Mat) (tensor.Mat, error) {
	x, err := one(KindBatchNorm, in)
	if err != nil {
		return x, err
	}
	if len(l.Mean) != x.C || len(l.Var) != x.C {
		return tensor.Mat{}, fmt.Errorf("%w: batch_norm statistics do not match %d channels", ErrShape, x.C)
	}
	if err := checkChannels(KindBatchNorm, x, l.Weight, l.Bias); err != nil {
		return tensor.Mat{}, err
	}
	out := tensor.NewMat(x.R, x.C)
	for i := 0; i < x.R; i++ {
		src, dst := x.Row(i), out.Row(i)
		for j, v := range src {
			y := (v - l.Mean[j]) / float32(math.Sqrt(float64(l.Var[j]+l.Eps)))
			if l.Weight != nil {
				y *= l.Weight[j]
			}
			if l.Bias != nil {
				y += l.Bias[j]
			}
			dst[j] = y
		}
	}
	return out, nil
}

func (l *BatchNorm) Clone() Layer {
	return &BatchNorm{
		Weight: cloneVec(l.Weight),
		Bias:   cloneVec(l.Bias),
		Mean:   cloneVec(l.Mean),
		Var:    cloneVec(l.Var),
		Eps:    l.Eps,
	}
}

// RMSNorm scales each row by its reciprocal root mean square and Weight.
type RMSNorm struct {
	Weight []float32
	Eps    float32
}

func (l *RMSNorm) Kind() Kind { return KindRMSNorm }

func (l *RMSNorm) Forward(in []tensor.Mat) (tensor.Mat, error) {
	x, err := one(KindRMSNorm, in)
	if err != nil {
		return x, err
	}
	if len(l.Weight) != x.C {
		return tensor.Mat{}, fmt.Errorf("%w: rms_norm weight has %d channels, input has %d", ErrShape, len(l.Weight), x.C)
	}
	out := tensor.NewMat(x.R, x.C)
	for i := 0; i < x.R; i++ {
		tensor.RMSNorm(out.Row(i), x.Row(i), l.Weight, l.Eps)
	}
	return out, nil
}

func (l *RMSNorm) Clone() Layer {
	return &RMSNorm{Weight: cloneVec(l.Weight), Eps: l.Eps}
}

// Mul multiplies each channel by a learned factor.
type Mul struct {
	Weight []float32
}

func (l *Mul) Kind() Kind { return KindMul }

func (l *Mul) Forward(in []tensor.Mat) (tensor.Mat, error) {
	x, err := one(KindMul, in)
	if err != nil {
		return x, err
	}
	if len(l.Weight) != x.C {
		return tensor.Mat{}, fmt.Errorf("%w: mul weight has %d channels, input has %d", ErrShape, len(l.Weight), x.C)
	}
	out := x.Clone()
	out.ScaleCols(l.Weight)
	return out, nil
}

func (l *Mul) Clone() Layer { return &Mul{Weight: cloneVec(l.Weight)} }

// DType names a floating point storage type.
type DType string

const (
	FP32 DType = "fp32"
	BF16 DType = "bf16"
	FP16 DType = "fp16"
)

// Cast rounds activations through a narrower float type.
type Cast struct {
	To DType
}

func (l *Cast) Kind() Kind { return KindCast }

func (l *Cast) Forward(in []tensor.Mat) (tensor.Mat, error) {
	x, err := one(KindCast, in)
	if err != nil {
		return x, err
	}
	out := x.Clone()
	switch l.To {
	case BF16:
		tensor.RoundBF16(&out)
	case FP16:
		tensor.RoundFP16(&out)
	case FP32, "":
	default:
		return tensor.Mat{}, fmt.Errorf("cast: unknown dtype %q", l.To)
	}
	return out, nil
}

func (l *Cast) Clone() Layer { return &Cast{To: l.To} }

// Elementwise applies a pointwise activation.
type Elementwise struct {
	Op Kind
	// Slope is the negative slope of leaky_relu.
	Slope float32
	// Min and Max bound hardtanh.
	Min, Max float32
}

func (l *Elementwise) Kind() Kind { return l.Op }

func (l *Elementwise) Forward(in []tensor.Mat) (tensor.Mat, error) {
	x, err := one(l.Op, in)
	if err != nil {
		return x, err
	}
	var f func(float32) float32
	switch l.Op {
	case KindReLU:
		f = tensor.Relu
	case KindLeakyReLU:
		f = func(v float32) float32 { return tensor.LeakyRelu(v, l.Slope) }
	case KindHardTanh:
		f = func(v float32) float32 { return tensor.HardTanh(v, l.Min, l.Max) }
	case KindGELU:
		f = tensor.Gelu
	default:
		return tensor.Mat{}, fmt.Errorf("unsupported elementwise op %q", l.Op)
	}
	out := tensor.NewMat(x.R, x.C)
	for i := 0; i < x.R; i++ {
		src, dst := x.Row(i), out.Row(i)
		for j, v := range src {
			dst[j] = f(v)
		}
	}
	return out, nil
}

func (l *Elementwise) Clone() Layer {
	c := *l
	return &c
}

// ReLU, LeakyReLU, HardTanh and GELU build the matching Elementwise layer.
func ReLU() *Elementwise                   { return &Elementwise{Op: KindReLU} }
func LeakyReLU(slope float32) *Elementwise { return &Elementwise{Op: KindLeakyReLU, Slope: slope} }
func HardTanh(lo, hi float32) *Elementwise { return &Elementwise{Op: KindHardTanh, Min: lo, Max: hi} }
func GELU() *Elementwise                   { return &Elementwise{Op: KindGELU} }

// Add sums its inputs.
type Add struct{}

func (Add) Kind() Kind { return KindAdd }

func (Add) Forward(in []tensor.Mat) (tensor.Mat, error) {
	if len(in) < 2 {
		return tensor.Mat{}, fmt.Errorf("%w: add takes at least 2 inputs, got %d", ErrShape, len(in))
	}
	out := in[0].Clone()
	for _, m := range in[1:] {
		if m.R != out.R || m.C != out.C {
			return tensor.Mat{}, fmt.Errorf("%w: add %dx%d + %dx%d", ErrShape, out.R, out.C, m.R, m.C)
		}
		for i := 0; i < out.R; i++ {
			tensor.Add(out.Row(i), m.Row(i))
		}
	}
	return out, nil
}

func (Add) Clone() Layer { return Add{} }

// Func wraps arbitrary Go code.  Opaque functions cannot be traced, which
// stands in for dynamic control flow in imported models.
type Func struct {
	Name   string
	Fn     func(in []tensor.Mat) (tensor.Mat, error)
	Opaque bool
}

func (l *Func) Kind() Kind { return KindFunc }

func (l *Func) Forward(in []tensor.Mat) (tensor.Mat, error) {
	if l.Fn == nil {
		return tensor.Mat{}, fmt.Errorf("func %q has no body", l.Name)
	}
	return l.Fn(in)
}

func (l *Func) Clone() Layer {
	c := *l
	return &c
}
