package modelspec

import (
	"fmt"
	"math"

	"github.com/samcharles93/lowbit/internal/calib"
	"github.com/samcharles93/lowbit/internal/errtypes"
	"github.com/samcharles93/lowbit/internal/safetensors"
	"github.com/samcharles93/lowbit/internal/tensor"
)

// Data tensor names.  Labels are stored as floats holding class indices.
const (
	DataInputs = "inputs"
	DataLabels = "labels"
)

// LoadData reads a [N x C] "inputs" tensor, plus an optional [N] "labels"
// tensor, and splits it into batches of batch rows.  Samples are tensor.Mat
// or calib.Labeled when labels exist.
func LoadData(path string, batch int) ([]any, error) {
	if batch <= 0 {
		return nil, errtypes.Config("modelspec.LoadData", "batch", "batch size must be positive, got %d", batch)
	}
	st, err := safetensors.Open(path)
	if err != nil {
		return nil, err
	}
	x, err := st.ReadMat(DataInputs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	var labels []float32
	if _, ok := st.Tensor(DataLabels); ok {
		if labels, err = st.ReadVec(DataLabels); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if len(labels) != x.R {
			return nil, errtypes.Config("modelspec.LoadData", DataLabels, "%d labels for %d rows", len(labels), x.R)
		}
	}
	var out []any
	for start := 0; start < x.R; start += batch {
		end := min(start+batch, x.R)
		b := tensor.NewMatFromData(end-start, x.C, x.Data[start*x.Stride:end*x.Stride])
		if labels == nil {
			out = append(out, b.Clone())
			continue
		}
		ls := make([]int, end-start)
		for i := range ls {
			ls[i] = int(math.Round(float64(labels[start+i])))
		}
		out = append(out, calib.Labeled{Input: b.Clone(), Labels: ls})
	}
	return out, nil
}

// SaveData writes samples in the layout LoadData reads.
func SaveData(path string, inputs tensor.Mat, labels []int) error {
	tensors := map[string]safetensors.Tensor{DataInputs: safetensors.Mat(inputs)}
	if labels != nil {
		v := make([]float32, len(labels))
		for i, l := range labels {
			v[i] = float32(l)
		}
		tensors[DataLabels] = safetensors.Vec(v)
	}
	return safetensors.Write(path, tensors, safetensors.F32, nil)
}
