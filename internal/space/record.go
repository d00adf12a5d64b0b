package space

import (
	"github.com/samcharles93/lowbit/internal/errtypes"
)

// OpDecision is the serialised choice for one operator.
type OpDecision struct {
	Name   string `json:"name" yaml:"name"`
	Type   string `json:"type" yaml:"type"`
	Mode   Mode   `json:"mode" yaml:"mode"`
	Option Option `json:"option" yaml:"option"`
}

// ConfigRecord is the serialised form of a TuneConfig.
type ConfigRecord struct {
	CalibSamplingSize int          `json:"calib_sampling_size" yaml:"calib_sampling_size"`
	SmoothQuantAlpha  *float64     `json:"smooth_quant_alpha,omitempty" yaml:"smooth_quant_alpha,omitempty"`
	Ops               []OpDecision `json:"ops" yaml:"ops"`
}

// Record converts c into its serialised form.
func (c TuneConfig) Record() ConfigRecord {
	r := ConfigRecord{CalibSamplingSize: c.calibSize, Ops: make([]OpDecision, len(c.ops))}
	if c.smooth {
		a := c.alpha
		r.SmoothQuantAlpha = &a
	}
	for i, op := range c.ops {
		r.Ops[i] = OpDecision{Name: op.key.Name, Type: op.key.Type, Mode: op.mode, Option: op.option}
	}
	return r
}

// FromRecord rebuilds a TuneConfig.  Operators missing from r fall back to
// fp32; operators unknown to s are a configuration error.
func (s *TuningSpace) FromRecord(r ConfigRecord) (TuneConfig, error) {
	cfg := s.InitialConfig(FP32).WithoutSmoothQuant()
	if r.CalibSamplingSize != 0 {
		cfg.calibSize = r.CalibSamplingSize
	}
	if r.SmoothQuantAlpha != nil {
		cfg = cfg.WithSmoothQuantAlpha(*r.SmoothQuantAlpha)
	}
	for _, d := range r.Ops {
		op, err := NewOpTuningConfig(s, OpKey{Name: d.Name, Type: d.Type}, d.Mode, d.Option)
		if err != nil {
			return TuneConfig{}, err
		}
		cfg = cfg.With(op)
	}
	if cfg.calibSize <= 0 && cfg.calibSize != -1 {
		return TuneConfig{}, errtypes.Config("space.FromRecord", "calib_sampling_size", "invalid size %d", cfg.calibSize)
	}
	return cfg, nil
}
