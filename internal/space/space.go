// Package space models the per-operator quantisation choices a tuning run
// searches over.
package space

import (
	"fmt"
	"slices"

	"github.com/samcharles93/lowbit/internal/errtypes"
)

// Mode is a quantisation mode of one operator.
type Mode string

const (
	Static  Mode = "static"
	Dynamic Mode = "dynamic"
	BF16    Mode = "bf16"
	FP16    Mode = "fp16"
	FP32    Mode = "fp32"
)

// ModePriority orders modes from most to least aggressive.
var ModePriority = []Mode{Static, Dynamic, BF16, FP16, FP32}

// Quantized reports whether m uses an integer grid.
func (m Mode) Quantized() bool { return m == Static || m == Dynamic }

// Option is one concrete setting inside a mode.  Float modes only use
// DType.
type Option struct {
	DType       string `json:"dtype" yaml:"dtype"`
	Scheme      string `json:"scheme,omitempty" yaml:"scheme,omitempty"`
	Algorithm   string `json:"algorithm,omitempty" yaml:"algorithm,omitempty"`
	Granularity string `json:"granularity,omitempty" yaml:"granularity,omitempty"`
}

func (o Option) String() string {
	s := o.DType
	for _, p := range []string{o.Scheme, o.Algorithm, o.Granularity} {
		if p != "" {
			s += "/" + p
		}
	}
	return s
}

// Option field values.
const (
	SchemeSym        = "sym"
	SchemeAsym       = "asym"
	AlgoMinMax       = "minmax"
	AlgoKL           = "kl"
	PerChannel       = "per_channel"
	PerTensor        = "per_tensor"
	DTypeInt8        = "int8"
	DTypeBF16        = "bf16"
	DTypeFP16        = "fp16"
	DTypeFP32        = "fp32"
	DefaultCalibSize = 100
)

// FloatOption is the single option of a float mode.
func FloatOption(m Mode) Option {
	switch m {
	case BF16:
		return Option{DType: DTypeBF16}
	case FP16:
		return Option{DType: DTypeFP16}
	default:
		return Option{DType: DTypeFP32}
	}
}

// OpKey identifies an operator by name and type.
type OpKey struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

func (k OpKey) String() string { return k.Name + "(" + k.Type + ")" }

// ModeOptions lists the options an operator supports in one mode.
type ModeOptions struct {
	Mode    Mode
	Options []Option
}

// OpCapability is what the backend reports for one operator.
type OpCapability struct {
	Key   OpKey
	Modes []ModeOptions
}

// OpItem is one operator of the space.  It is read-only after New.
type OpItem struct {
	key   OpKey
	modes []ModeOptions
}

func (i *OpItem) Key() OpKey { return i.key }

// Modes lists the supported modes in priority order.
func (i *OpItem) Modes() []Mode {
	out := make([]Mode, len(i.modes))
	for j, m := range i.modes {
		out[j] = m.Mode
	}
	return out
}

func (i *OpItem) Supports(m Mode) bool {
	return slices.ContainsFunc(i.modes, func(mo ModeOptions) bool { return mo.Mode == m })
}

// Options lists the options of mode m; nil when m is unsupported.
func (i *OpItem) Options(m Mode) []Option {
	for _, mo := range i.modes {
		if mo.Mode == m {
			return slices.Clone(mo.Options)
		}
	}
	return nil
}

// Choice is a (mode, option) pair.
type Choice struct {
	Mode   Mode
	Option Option
}

// Choices lists every legal (mode, option) pair in priority order.
func (i *OpItem) Choices() []Choice {
	var out []Choice
	for _, mo := range i.modes {
		for _, o := range mo.Options {
			out = append(out, Choice{Mode: mo.Mode, Option: o})
		}
	}
	return out
}

// TopMode is the most aggressive supported mode.
func (i *OpItem) TopMode() Mode { return i.modes[0].Mode }

// TuningSpace is the set of operators and their legal configurations.
type TuningSpace struct {
	items      []*OpItem
	index      map[OpKey]int
	byName     map[string]int
	calibSizes []int
	sqAlphas   []float64
}

// BuildOption configures New.
type BuildOption func(*TuningSpace) error

// WithCalibSizes sets the calibration sampling sizes to search.
func WithCalibSizes(sizes ...int) BuildOption {
	return func(s *TuningSpace) error {
		for _, n := range sizes {
			if n <= 0 && n != -1 {
				return errtypes.Config("space.New", "calib_sampling_size", "invalid size %d", n)
			}
		}
		if len(sizes) > 0 {
			s.calibSizes = slices.Clone(sizes)
		}
		return nil
	}
}

// WithSmoothQuantAlphas adds smooth quant alphas to the search.
func WithSmoothQuantAlphas(alphas ...float64) BuildOption {
	return func(s *TuningSpace) error {
		for _, a := range alphas {
			if a < 0 || a > 1 {
				return errtypes.Config("space.New", "smooth_quant_alpha", "alpha %g outside [0, 1]", a)
			}
		}
		s.sqAlphas = slices.Clone(alphas)
		return nil
	}
}

// New builds a space from backend capabilities.  Operators keep discovery
// order.  Every operator also supports fp32.
func New(caps []OpCapability, opts ...BuildOption) (*TuningSpace, error) {
	s := &TuningSpace{
		index:      make(map[OpKey]int, len(caps)),
		byName:     make(map[string]int, len(caps)),
		calibSizes: []int{DefaultCalibSize},
	}
	for _, o := range opts {
		if err := o(s); err != nil {
			return nil, err
		}
	}
	for _, c := range caps {
		if c.Key.Name == "" {
			return nil, errtypes.Config("space.New", "op", "operator without a name")
		}
		if _, dup := s.byName[c.Key.Name]; dup {
			return nil, errtypes.Config("space.New", c.Key.String(), "operator registered twice")
		}
		item, err := newItem(c)
		if err != nil {
			return nil, err
		}
		s.index[c.Key] = len(s.items)
		s.byName[c.Key.Name] = len(s.items)
		s.items = append(s.items, item)
	}
	return s, nil
}

func newItem(c OpCapability) (*OpItem, error) {
	byMode := make(map[Mode][]Option)
	for _, mo := range c.Modes {
		if !slices.Contains(ModePriority, mo.Mode) {
			return nil, errtypes.Config("space.New", c.Key.String(), "unknown mode %q", mo.Mode)
		}
		if _, dup := byMode[mo.Mode]; dup {
			return nil, errtypes.Config("space.New", c.Key.String(), "mode %s listed twice", mo.Mode)
		}
		opts := slices.Clone(mo.Options)
		if len(opts) == 0 {
			if mo.Mode.Quantized() {
				return nil, errtypes.Config("space.New", c.Key.String(), "mode %s has no options", mo.Mode)
			}
			opts = []Option{FloatOption(mo.Mode)}
		}
		for i, o := range opts {
			if slices.Contains(opts[:i], o) {
				return nil, errtypes.Config("space.New", c.Key.String(), "option %s listed twice", o)
			}
		}
		byMode[mo.Mode] = opts
	}
	if _, ok := byMode[FP32]; !ok {
		byMode[FP32] = []Option{FloatOption(FP32)}
	}
	item := &OpItem{key: c.Key}
	for _, m := range ModePriority {
		if opts, ok := byMode[m]; ok {
			item.modes = append(item.modes, ModeOptions{Mode: m, Options: opts})
		}
	}
	return item, nil
}

// Items lists every operator in discovery order.
func (s *TuningSpace) Items() []*OpItem { return slices.Clone(s.items) }

// Len is the number of operators.
func (s *TuningSpace) Len() int { return len(s.items) }

// QueryItemsByQuantMode lists operators supporting mode in discovery order.
func (s *TuningSpace) QueryItemsByQuantMode(mode Mode) []*OpItem {
	var out []*OpItem
	for _, it := range s.items {
		if it.Supports(mode) {
			out = append(out, it)
		}
	}
	return out
}

// Item looks an operator up by name.
func (s *TuningSpace) Item(name string) (*OpItem, error) {
	i, ok := s.byName[name]
	if !ok {
		return nil, errtypes.Config("space.Item", name, "operator was not discovered")
	}
	return s.items[i], nil
}

// ItemByKey looks an operator up by name and type.
func (s *TuningSpace) ItemByKey(key OpKey) (*OpItem, error) {
	i, ok := s.index[key]
	if !ok {
		return nil, errtypes.Config("space.Item", key.String(), "operator was not discovered")
	}
	return s.items[i], nil
}

// CalibSamplingSizes lists the calibration sizes to search.
func (s *TuningSpace) CalibSamplingSizes() []int { return slices.Clone(s.calibSizes) }

// SmoothQuantAlphas lists the smooth quant alphas to search; empty disables
// smoothing.
func (s *TuningSpace) SmoothQuantAlphas() []float64 { return slices.Clone(s.sqAlphas) }

// ModeWiseAssignment assigns every operator its most aggressive mode.
func (s *TuningSpace) ModeWiseAssignment() map[OpKey]Mode {
	out := make(map[OpKey]Mode, len(s.items))
	for _, it := range s.items {
		out[it.key] = it.TopMode()
	}
	return out
}

// InitialConfig sets every operator to the first option of mode, or fp32
// where mode is unsupported.
func (s *TuningSpace) InitialConfig(mode Mode) TuneConfig {
	cfg := TuneConfig{space: s, ops: make([]OpTuningConfig, len(s.items)), calibSize: s.calibSizes[0]}
	for i, it := range s.items {
		m := mode
		if !it.Supports(m) {
			m = FP32
		}
		cfg.ops[i] = OpTuningConfig{key: it.key, mode: m, option: it.Options(m)[0], space: s}
	}
	if len(s.sqAlphas) > 0 {
		cfg.smooth, cfg.alpha = true, s.sqAlphas[0]
	}
	return cfg
}

// AssignedConfig sets every operator to the first option of its assigned
// mode; operators missing from assignment use their most aggressive mode.
func (s *TuningSpace) AssignedConfig(assignment map[OpKey]Mode) TuneConfig {
	cfg := s.InitialConfig(FP32)
	for i, it := range s.items {
		m, ok := assignment[it.key]
		if !ok || !it.Supports(m) {
			m = it.TopMode()
		}
		cfg.ops[i] = OpTuningConfig{key: it.key, mode: m, option: it.Options(m)[0], space: s}
	}
	return cfg
}

// Summary counts operators per supported mode.
func (s *TuningSpace) Summary() map[Mode]int {
	out := make(map[Mode]int)
	for _, it := range s.items {
		for _, m := range it.Modes() {
			out[m]++
		}
	}
	return out
}

func (s *TuningSpace) String() string {
	return fmt.Sprintf("TuningSpace(%d ops)", len(s.items))
}
