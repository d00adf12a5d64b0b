package space

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"iter"
	"slices"
	"strconv"
	"strings"

	"github.com/samcharles93/lowbit/internal/errtypes"
)

// OpTuningConfig is the choice made for one operator.
type OpTuningConfig struct {
	key    OpKey
	mode   Mode
	option Option
	space  *TuningSpace
}

// NewOpTuningConfig validates (mode, option) against the operator's item.
func NewOpTuningConfig(s *TuningSpace, key OpKey, mode Mode, option Option) (OpTuningConfig, error) {
	it, err := s.ItemByKey(key)
	if err != nil {
		return OpTuningConfig{}, err
	}
	if !it.Supports(mode) {
		return OpTuningConfig{}, errtypes.Config("space.NewOpTuningConfig", key.String(), "mode %s is not supported", mode)
	}
	if !slices.Contains(it.Options(mode), option) {
		return OpTuningConfig{}, errtypes.Config("space.NewOpTuningConfig", key.String(), "option %s is not supported in mode %s", option, mode)
	}
	return OpTuningConfig{key: key, mode: mode, option: option, space: s}, nil
}

func (c OpTuningConfig) Key() OpKey          { return c.key }
func (c OpTuningConfig) Name() string        { return c.key.Name }
func (c OpTuningConfig) Type() string        { return c.key.Type }
func (c OpTuningConfig) Mode() Mode          { return c.mode }
func (c OpTuningConfig) Option() Option      { return c.option }
func (c OpTuningConfig) Space() *TuningSpace { return c.space }

func (c OpTuningConfig) String() string {
	return fmt.Sprintf("%s=%s[%s]", c.key, c.mode, c.option)
}

// TuneConfig is a full candidate: one OpTuningConfig per operator in
// discovery order, the calibration sampling size and an optional smooth
// quant alpha.  The zero value is empty.  TuneConfig is a value; With*
// methods return modified copies.
type TuneConfig struct {
	space     *TuningSpace
	ops       []OpTuningConfig
	calibSize int
	smooth    bool
	alpha     float64
}

// Space returns the space the config was built from.
func (c TuneConfig) Space() *TuningSpace { return c.space }

// Len is the number of operators.
func (c TuneConfig) Len() int { return len(c.ops) }

// Ops yields every operator choice in discovery order.
func (c TuneConfig) Ops() iter.Seq2[OpKey, OpTuningConfig] {
	return func(yield func(OpKey, OpTuningConfig) bool) {
		for _, op := range c.ops {
			if !yield(op.key, op) {
				return
			}
		}
	}
}

// Op returns the choice for key.
func (c TuneConfig) Op(key OpKey) (OpTuningConfig, bool) {
	if c.space == nil {
		return OpTuningConfig{}, false
	}
	i, ok := c.space.index[key]
	if !ok || i >= len(c.ops) {
		return OpTuningConfig{}, false
	}
	return c.ops[i], true
}

// OpByName returns the choice for the operator called name.
func (c TuneConfig) OpByName(name string) (OpTuningConfig, bool) {
	if c.space == nil {
		return OpTuningConfig{}, false
	}
	i, ok := c.space.byName[name]
	if !ok || i >= len(c.ops) {
		return OpTuningConfig{}, false
	}
	return c.ops[i], true
}

// With returns a copy with op replaced.  op must come from the same space.
func (c TuneConfig) With(op OpTuningConfig) TuneConfig {
	i, ok := c.space.index[op.key]
	if !ok || op.space != c.space {
		panic("space: op " + op.key.String() + " does not belong to this space")
	}
	out := c
	out.ops = slices.Clone(c.ops)
	out.ops[i] = op
	return out
}

// WithFallback returns a copy with the operator at key set to fp32.
func (c TuneConfig) WithFallback(key OpKey) TuneConfig {
	return c.With(OpTuningConfig{key: key, mode: FP32, option: FloatOption(FP32), space: c.space})
}

// CalibSamplingSize is the number of calibration samples to use.
func (c TuneConfig) CalibSamplingSize() int { return c.calibSize }

// WithCalibSamplingSize returns a copy with the calibration size set.
func (c TuneConfig) WithCalibSamplingSize(n int) TuneConfig {
	c.calibSize = n
	return c
}

// SmoothQuantAlpha returns the smooth quant alpha, if smoothing is enabled.
func (c TuneConfig) SmoothQuantAlpha() (float64, bool) { return c.alpha, c.smooth }

// WithSmoothQuantAlpha returns a copy with smoothing enabled at alpha.
func (c TuneConfig) WithSmoothQuantAlpha(alpha float64) TuneConfig {
	c.smooth, c.alpha = true, alpha
	return c
}

// WithoutSmoothQuant returns a copy with smoothing disabled.
func (c TuneConfig) WithoutSmoothQuant() TuneConfig {
	c.smooth, c.alpha = false, 0
	return c
}

// Count returns how many operators use mode.
func (c TuneConfig) Count(mode Mode) int {
	n := 0
	for _, op := range c.ops {
		if op.mode == mode {
			n++
		}
	}
	return n
}

// HasStatic reports whether any operator needs calibration.
func (c TuneConfig) HasStatic() bool { return c.Count(Static) > 0 }

// Diff lists operators whose choice differs between c and other.
func (c TuneConfig) Diff(other TuneConfig) []OpKey {
	var out []OpKey
	for _, op := range c.ops {
		o, ok := other.Op(op.key)
		if !ok || o.mode != op.mode || o.option != op.option {
			out = append(out, op.key)
		}
	}
	return out
}

// Fingerprint is a stable digest of the canonical encoding.  Two configs
// with equal choices have equal fingerprints.
func (c TuneConfig) Fingerprint() string {
	var b strings.Builder
	for _, op := range c.ops {
		b.WriteString(op.key.Name)
		b.WriteByte('|')
		b.WriteString(op.key.Type)
		b.WriteByte('|')
		b.WriteString(string(op.mode))
		b.WriteByte('|')
		b.WriteString(op.option.String())
		b.WriteByte('\n')
	}
	b.WriteString("calib=")
	b.WriteString(strconv.Itoa(c.calibSize))
	if c.smooth {
		b.WriteString(";alpha=")
		b.WriteString(strconv.FormatFloat(c.alpha, 'g', -1, 64))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func (c TuneConfig) String() string {
	counts := make([]string, 0, len(ModePriority))
	for _, m := range ModePriority {
		if n := c.Count(m); n > 0 {
			counts = append(counts, fmt.Sprintf("%s:%d", m, n))
		}
	}
	s := "TuneConfig{" + strings.Join(counts, " ") + " calib=" + strconv.Itoa(c.calibSize)
	if c.smooth {
		s += " alpha=" + strconv.FormatFloat(c.alpha, 'g', -1, 64)
	}
	return s + "}"
}
