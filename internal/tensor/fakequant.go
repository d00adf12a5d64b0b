package tensor

import (
	"math"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// Float32Eps is the machine epsilon of float32, the lower bound for scales.
const Float32Eps = 1.1920929e-07

// QParams describes an affine integer grid: q = round(x/Scale) + ZeroPoint,
// clamped to [QMin, QMax].
type QParams struct {
	Scale     float32
	ZeroPoint int32
	QMin      int32
	QMax      int32
}

// Int8Range returns the integer range for an 8-bit grid.  Symmetric grids are
// signed, asymmetric grids unsigned.  reduceRange drops one bit, which hosts
// without VNNI need to avoid accumulator saturation.
func Int8Range(symmetric, reduceRange bool) (qmin, qmax int32) {
	switch {
	case symmetric && reduceRange:
		return -64, 63
	case symmetric:
		return -128, 127
	case reduceRange:
		return 0, 127
	default:
		return 0, 255
	}
}

// AffineQParams derives an asymmetric grid that always contains zero.
func AffineQParams(minVal, maxVal float32, qmin, qmax int32) QParams {
	minNeg := min(minVal, 0)
	maxPos := max(maxVal, 0)
	scale := (maxPos - minNeg) / float32(qmax-qmin)
	scale = max(scale, Float32Eps)
	zp := qmin - int32(math.Round(float64(minNeg/scale)))
	zp = min(max(zp, qmin), qmax)
	return QParams{Scale: scale, ZeroPoint: zp, QMin: qmin, QMax: qmax}
}

// SymmetricQParams derives a zero-centred grid covering [-absMax, absMax].
func SymmetricQParams(absMax float32, qmin, qmax int32) QParams {
	scale := absMax / (float32(qmax-qmin) / 2)
	scale = max(scale, Float32Eps)
	var zp int32
	if qmin >= 0 {
		zp = (qmin + qmax + 1) / 2
	}
	return QParams{Scale: scale, ZeroPoint: zp, QMin: qmin, QMax: qmax}
}

// QuantDequant rounds v onto the grid and maps it back to float32.
func (qp QParams) QuantDequant(v float32) float32 {
	q := math.Round(float64(v/qp.Scale)) + float64(qp.ZeroPoint)
	q = math.Min(math.Max(q, float64(qp.QMin)), float64(qp.QMax))
	return float32(q-float64(qp.ZeroPoint)) * qp.Scale
}

// QDQ applies QuantDequant to every element of m in place.
func (qp QParams) QDQ(m *Mat) {
	for i := 0; i < m.R; i++ {
		row := m.Row(i)
		for j, v := range row {
			row[j] = qp.QuantDequant(v)
		}
	}
}

// QDQWeightPerRow fake-quantises w with one grid per output row.
func QDQWeightPerRow(w *Mat, symmetric bool, bits int) {
	qmin, qmax := bitRange(symmetric, bits)
	for i := 0; i < w.R; i++ {
		row := w.Row(i)
		qp := weightGrid(row, symmetric, qmin, qmax)
		for j, v := range row {
			row[j] = qp.QuantDequant(v)
		}
	}
}

// QDQWeightPerTensor fake-quantises w with a single grid.
func QDQWeightPerTensor(w *Mat, symmetric bool, bits int) {
	qmin, qmax := bitRange(symmetric, bits)
	qp := weightGrid(w.Data[:w.R*w.Stride], symmetric, qmin, qmax)
	qp.QDQ(w)
}

// PerRowSymmetricScales returns the int8 symmetric scale of every row of w.
func PerRowSymmetricScales(w *Mat) []float32 {
	qmin, qmax := Int8Range(true, false)
	out := make([]float32, w.R)
	for i, a := range RowAbsMax(w) {
		out[i] = SymmetricQParams(a, qmin, qmax).Scale
	}
	return out
}

func weightGrid(vals []float32, symmetric bool, qmin, qmax int32) QParams {
	if symmetric {
		var amax float32
		for _, v := range vals {
			amax = max(amax, abs32(v))
		}
		return SymmetricQParams(amax, qmin, qmax)
	}
	var lo, hi float32
	for _, v := range vals {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	return AffineQParams(lo, hi, qmin, qmax)
}

func bitRange(symmetric bool, bits int) (int32, int32) {
	if symmetric {
		return -(1 << (bits - 1)), 1<<(bits-1) - 1
	}
	return 0, 1<<bits - 1
}

// RoundBF16 rounds every element of m through bfloat16 in place.
func RoundBF16(m *Mat) {
	for i := 0; i < m.R; i++ {
		row := m.Row(i)
		copy(row, bfloat16.DecodeFloat32(bfloat16.EncodeFloat32(row)))
	}
}

// RoundFP16 rounds every element of m through IEEE half precision in place.
func RoundFP16(m *Mat) {
	for i := 0; i < m.R; i++ {
		row := m.Row(i)
		for j, v := range row {
			row[j] = float16.Fromfloat32(v).Float32()
		}
	}
}

// RoundVecBF16 rounds v through bfloat16 in place.
func RoundVecBF16(v []float32) {
	copy(v, bfloat16.DecodeFloat32(bfloat16.EncodeFloat32(v)))
}

// RoundVecFP16 rounds v through half precision in place.
func RoundVecFP16(v []float32) {
	for i, x := range v {
		v[i] = float16.Fromfloat32(x).Float32()
	}
}
