package tensor

import (
	"math/rand"
)

// Mat represents a dense row‑major matrix of float32 values.
//
// R and C represent the number of rows and columns respectively.  Stride is the
// number of elements between the starts of two consecutive rows (for row‑major
// matrices this is equal to C).  Data holds the flattened matrix values.
//
// Activations flowing through a model are always [rows x channels], so the
// channel dimension is the last one.  Linear weights are stored as
// [out x in] the way checkpoints store them.
type Mat struct {
	R, C   int
	Stride int
	Data   []float32
}

// NewMat allocates a new matrix with the given number of rows and columns.
// The underlying slice is zero initialised.  The stride is set to the
// number of columns.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   make([]float32, r*c),
	}
}

// NewMatFromData creates a matrix from existing data.
// It checks that the data length matches r*c.
func NewMatFromData(r, c int, data []float32) Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   data,
	}
}

// NewMatFromRows builds a matrix by copying the given rows.  All rows must
// have the same length.
func NewMatFromRows(rows [][]float32) Mat {
	if len(rows) == 0 {
		return Mat{}
	}
	m := NewMat(len(rows), len(rows[0]))
	for i, row := range rows {
		if len(row) != m.C {
			panic("ragged rows")
		}
		copy(m.Row(i), row)
	}
	return m
}

// Row returns a view of the i‑th row of the matrix as a slice.  The slice
// has length equal to the number of columns.  Modifications to the returned
// slice update the underlying matrix values.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

// At returns the element at row i, column j.
func (m *Mat) At(i, j int) float32 {
	return m.Data[i*m.Stride+j]
}

// Set stores v at row i, column j.
func (m *Mat) Set(i, j int, v float32) {
	m.Data[i*m.Stride+j] = v
}

// Clone returns a deep copy with a compact stride.
func (m Mat) Clone() Mat {
	out := NewMat(m.R, m.C)
	for i := 0; i < m.R; i++ {
		copy(out.Row(i), m.Row(i))
	}
	return out
}

// Empty reports whether the matrix holds no elements.
func (m Mat) Empty() bool {
	return m.R == 0 || m.C == 0
}

// ScaleCols multiplies column j by scale[j] in place.
func (m *Mat) ScaleCols(scale []float32) {
	if len(scale) != m.C {
		panic("column scale length mismatch")
	}
	for i := 0; i < m.R; i++ {
		row := m.Row(i)
		for j := range row {
			row[j] *= scale[j]
		}
	}
}

// ScaleRows multiplies row i by scale[i] in place.
func (m *Mat) ScaleRows(scale []float32) {
	if len(scale) != m.R {
		panic("row scale length mismatch")
	}
	for i := 0; i < m.R; i++ {
		row := m.Row(i)
		s := scale[i]
		for j := range row {
			row[j] *= s
		}
	}
}

// FillRand fills the matrix with reproducible pseudo‑random values.  A small
// range around zero is used to avoid overflow in accumulations.  The seed
// controls the random sequence; multiple calls with the same seed produce
// identical matrices.
func FillRand(m *Mat, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = (rng.Float32() - 0.5) * 0.02 // roughly in (-0.01,0.01)
	}
}

// FillRandRange fills the matrix with values uniformly drawn from [lo, hi).
func FillRandRange(m *Mat, seed int64, lo, hi float32) {
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = lo + rng.Float32()*(hi-lo)
	}
}
