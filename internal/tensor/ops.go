package tensor

import (
	"math"
)

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// RMSNorm performs Root Mean Square Normalization.
func RMSNorm(dst, src, weight []float32, eps float32) {
	var sum float32
	for _, v := range src {
		sum += v * v
	}
	mean := sum / float32(len(src))
	scale := float32(1.0) / float32(math.Sqrt(float64(mean+eps)))
	for i := range src {
		dst[i] = src[i] * scale * weight[i]
	}
}

// LayerNorm normalises src to zero mean and unit variance, then applies the
// optional affine weight and bias.  nil weight/bias mean identity.
func LayerNorm(dst, src, weight, bias []float32, eps float32) {
	var mean float64
	for _, v := range src {
		mean += float64(v)
	}
	mean /= float64(len(src))
	var variance float64
	for _, v := range src {
		d := float64(v) - mean
		variance += d * d
	}
	variance /= float64(len(src))
	inv := 1.0 / math.Sqrt(variance+float64(eps))
	for i, v := range src {
		y := float32((float64(v) - mean) * inv)
		if weight != nil {
			y *= weight[i]
		}
		if bias != nil {
			y += bias[i]
		}
		dst[i] = y
	}
}

// Softmax applies the softmax function to x.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// Sigmoid computes the logistic sigmoid activation.
func Sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(float64(-x))))
}

// Silu computes the Sigmoid Linear Unit (SiLU) activation.
func Silu(x float32) float32 {
	return x * Sigmoid(x)
}

// Gelu computes the tanh approximation of GELU.
func Gelu(x float32) float32 {
	const c = 0.7978845608028654 // sqrt(2/pi)
	xf := float64(x)
	return float32(0.5 * xf * (1 + math.Tanh(c*(xf+0.044715*xf*xf*xf))))
}

// Relu clamps negative values to zero.
func Relu(x float32) float32 {
	if x < 0 {
		return 0
	}
	return x
}

// LeakyRelu scales negative values by slope.
func LeakyRelu(x, slope float32) float32 {
	if x < 0 {
		return x * slope
	}
	return x
}

// HardTanh clamps x into [lo, hi].
func HardTanh(x, lo, hi float32) float32 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// ChannelMinMax returns the per-column minimum and maximum of m.
func ChannelMinMax(m *Mat) (mins, maxs []float32) {
	mins = make([]float32, m.C)
	maxs = make([]float32, m.C)
	if m.R == 0 {
		return mins, maxs
	}
	copy(mins, m.Row(0))
	copy(maxs, m.Row(0))
	for i := 1; i < m.R; i++ {
		row := m.Row(i)
		for j, v := range row {
			if v < mins[j] {
				mins[j] = v
			}
			if v > maxs[j] {
				maxs[j] = v
			}
		}
	}
	return mins, maxs
}

// ColAbsMax returns max |m[:, j]| for every column j.
func ColAbsMax(m *Mat) []float32 {
	out := make([]float32, m.C)
	for i := 0; i < m.R; i++ {
		for j, v := range m.Row(i) {
			if a := abs32(v); a > out[j] {
				out[j] = a
			}
		}
	}
	return out
}

// RowAbsMax returns max |m[i, :]| for every row i.
func RowAbsMax(m *Mat) []float32 {
	out := make([]float32, m.R)
	for i := 0; i < m.R; i++ {
		for _, v := range m.Row(i) {
			if a := abs32(v); a > out[i] {
				out[i] = a
			}
		}
	}
	return out
}

// MinMax returns the global minimum and maximum of m.
func MinMax(m *Mat) (lo, hi float32) {
	if m.Empty() {
		return 0, 0
	}
	lo, hi = m.At(0, 0), m.At(0, 0)
	for i := 0; i < m.R; i++ {
		for _, v := range m.Row(i) {
			lo = min(lo, v)
			hi = max(hi, v)
		}
	}
	return lo, hi
}

// MSE returns the mean squared error between a and b.
func MSE(a, b *Mat) float64 {
	if a.R != b.R || a.C != b.C {
		panic("mse shape mismatch")
	}
	if a.Empty() {
		return 0
	}
	var sum float64
	for i := 0; i < a.R; i++ {
		ra, rb := a.Row(i), b.Row(i)
		for j := range ra {
			d := float64(ra[j] - rb[j])
			sum += d * d
		}
	}
	return sum / float64(a.R*a.C)
}

// AllClose reports whether every element satisfies
// |a-b| <= atol + rtol*|b|.  Shapes must match.
func AllClose(a, b *Mat, rtol, atol float64) bool {
	if a.R != b.R || a.C != b.C {
		return false
	}
	for i := 0; i < a.R; i++ {
		ra, rb := a.Row(i), b.Row(i)
		for j := range ra {
			x, y := float64(ra[j]), float64(rb[j])
			if math.IsNaN(x) || math.IsNaN(y) {
				return false
			}
			if math.Abs(x-y) > atol+rtol*math.Abs(y) {
				return false
			}
		}
	}
	return true
}

// ArgMax returns the index of the largest element of x.
func ArgMax(x []float32) int {
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
