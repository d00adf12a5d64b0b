package main

import (
	"fmt"

	"github.com/samcharles93/lowbit/internal/calib"
	"github.com/samcharles93/lowbit/internal/graph"
	"github.com/samcharles93/lowbit/internal/logger"
	"github.com/samcharles93/lowbit/internal/modelspec"
	"github.com/samcharles93/lowbit/internal/tensor"
)

// syntheticBatches is the number of random batches drawn when no data file
// is given.
const syntheticBatches = 8

// workload is a loaded model together with its samples.
type workload struct {
	model   *graph.Model
	spec    *modelspec.Spec
	samples []any
	example []tensor.Mat
}

func (w *workload) source() calib.Source { return calib.FromSlice(w.samples) }

func loadWorkload(log logger.Logger) (*workload, error) {
	m, spec, err := modelspec.Load(modelPath)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	w := &workload{model: m, spec: spec}
	if dataPath != "" {
		w.samples, err = modelspec.LoadData(dataPath, int(batchSize))
		if err != nil {
			return nil, fmt.Errorf("load data: %w", err)
		}
	} else {
		log.Warn("no --data given, using synthetic samples", "batches", syntheticBatches, "seed", seed)
		for i := range syntheticBatches {
			in := spec.Example(int(batchSize), seed+int64(i)*int64(len(spec.Inputs)))
			if len(in) == 1 {
				w.samples = append(w.samples, in[0])
			} else {
				w.samples = append(w.samples, in)
			}
		}
	}
	if len(w.samples) == 0 {
		return nil, fmt.Errorf("load data: no samples")
	}
	w.example, err = calib.Inputs(w.samples[0])
	if err != nil {
		return nil, err
	}
	log.Info("model loaded", "path", modelPath, "layers", m.Len(), "samples", len(w.samples))
	return w, nil
}
