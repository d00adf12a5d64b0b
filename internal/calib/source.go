package calib

import (
	"fmt"
	"iter"

	"github.com/samcharles93/lowbit/internal/errtypes"
	"github.com/samcharles93/lowbit/internal/tensor"
)

// Source yields calibration samples.  Each element is a tensor.Mat, a
// *tensor.Mat, a []tensor.Mat for multi-input models, a Labeled pair or an
// Inputer.
type Source = iter.Seq[any]

// Labeled pairs a batch with one class label per row.
type Labeled struct {
	Input  tensor.Mat
	Labels []int
}

// Inputer is implemented by custom sample types.
type Inputer interface {
	ModelInputs() []tensor.Mat
}

// Inputs extracts the model inputs from a sample.
func Inputs(sample any) ([]tensor.Mat, error) {
	switch v := sample.(type) {
	case tensor.Mat:
		return []tensor.Mat{v}, nil
	case *tensor.Mat:
		if v == nil {
			return nil, errtypes.Config("calib.Inputs", "sample", "nil matrix")
		}
		return []tensor.Mat{*v}, nil
	case []tensor.Mat:
		return v, nil
	case Labeled:
		return []tensor.Mat{v.Input}, nil
	case *Labeled:
		if v == nil {
			return nil, errtypes.Config("calib.Inputs", "sample", "nil labelled sample")
		}
		return []tensor.Mat{v.Input}, nil
	case Inputer:
		return v.ModelInputs(), nil
	default:
		return nil, errtypes.Config("calib.Inputs", "sample", "unsupported sample type %s", fmt.Sprintf("%T", sample))
	}
}

// Labels returns the labels carried by a sample, if any.
func Labels(sample any) ([]int, bool) {
	switch v := sample.(type) {
	case Labeled:
		return v.Labels, v.Labels != nil
	case *Labeled:
		if v == nil {
			return nil, false
		}
		return v.Labels, v.Labels != nil
	}
	return nil, false
}

// FromSlice yields the given samples in order.
func FromSlice[T any](samples []T) Source {
	return func(yield func(any) bool) {
		for _, s := range samples {
			if !yield(s) {
				return
			}
		}
	}
}

// First returns the first sample of src.
func First(src Source) (any, bool) {
	if src == nil {
		return nil, false
	}
	for s := range src {
		return s, true
	}
	return nil, false
}
