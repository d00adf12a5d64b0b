// Package smooth implements smooth quantisation: per input channel scales
// move quantisation difficulty from activations into weights while keeping
// the model output unchanged in full precision.
package smooth

import (
	"context"
	"errors"
	"fmt"

	"github.com/samcharles93/lowbit/internal/calib"
	"github.com/samcharles93/lowbit/internal/errtypes"
	"github.com/samcharles93/lowbit/internal/graph"
	"github.com/samcharles93/lowbit/internal/host"
	"github.com/samcharles93/lowbit/internal/logger"
	"github.com/samcharles93/lowbit/internal/orderedmap"
	"github.com/samcharles93/lowbit/internal/tensor"
	"github.com/samcharles93/lowbit/internal/trace"
)

// Mode selects how a scale is applied.
type Mode string

const (
	// ModeFold multiplies 1/s into the absorbing layer and s into the
	// downstream weights.  No runtime cost; needs an absorber.
	ModeFold Mode = "fold"
	// ModeInsert wraps the downstream layer in a graph.ScaledLinear.
	ModeInsert Mode = "insert"
)

// CalibTag is the calibration tag of an unmodified model.
const CalibTag = "fp32"

// Equivalence tolerances of the post-transform output check.
const (
	equivRTol = 1e-5
	equivATol = 1e-4
)

// TransformOptions configures one Transform call.
type TransformOptions struct {
	// Alpha balances activation against weight difficulty.  Ignored when
	// Auto is set.
	Alpha float64
	// Auto searches alpha per absorbing layer.
	Auto      bool
	AutoAlpha AutoAlphaOptions
	// Folding selects ModeFold; otherwise ModeInsert.
	Folding bool
	// OpTypes are the layer kinds to smooth.  Defaults to linear.
	OpTypes []graph.Kind
	// CalibIters caps calibration batches.  Defaults to 100.
	CalibIters  int
	Percentile  float64
	ScalesPerOp bool
	// ScaleSharing lets layers reading the same tensor share one scale in
	// insert mode.
	ScaleSharing bool
	// AdapterWrapped marks models wrapped by low-rank adapters.  Auto alpha
	// then always recalibrates instead of trusting cached statistics.
	AdapterWrapped bool
	// CalibFunc replaces the calibration source loop with a caller supplied
	// forward loop.
	CalibFunc func(ctx context.Context, m *graph.Model) error
	Scale     ScaleOptions
}

func (o TransformOptions) withDefaults() TransformOptions {
	if len(o.OpTypes) == 0 {
		o.OpTypes = []graph.Kind{graph.KindLinear}
	}
	if o.CalibIters == 0 {
		o.CalibIters = 100
	}
	if o.Percentile == 0 {
		o.Percentile = 100
	}
	if o.Auto {
		o.AutoAlpha = o.AutoAlpha.withDefaults()
	}
	return o
}

func (o TransformOptions) mode() Mode {
	if o.Folding {
		return ModeFold
	}
	return ModeInsert
}

// Applied describes the scales a Transform applied.
type Applied struct {
	Mode Mode
	// Groups maps each absorbing key to the layers smoothed through it.
	Groups *orderedmap.Map[string, []string]
	// Alpha per absorbing key.
	Alpha *orderedmap.Map[string, float64]
	// WeightScales per smoothed layer, multiplied into its input channels.
	WeightScales map[string][]float32
	// AbsorbScales per absorbing key: the reciprocal of the weight scale,
	// 0 where the weight scale is 0.
	AbsorbScales map[string][]float32
	NoAbsorb     []string
	// Checked reports whether an equivalence check ran; Equivalent its
	// outcome.
	Checked    bool
	Equivalent bool
	// Skipped is set when nothing was applied; Reason says why.
	Skipped bool
	Reason  string
}

type undoEntry struct {
	name  string
	layer graph.Layer
}

// Smoother owns the smoothing state of one model.
type Smoother struct {
	model   *graph.Model
	src     calib.Source
	example []tensor.Mat
	calib   *calib.Calibrator
	log     logger.Logger
	mem     host.MemoryFunc
	undo    []undoEntry
	applied *Applied
}

// Option configures a Smoother.
type Option func(*Smoother)

// WithCalibrator shares a calibrator, and so its cached statistics, with
// other smoothers of clones of the same model.
func WithCalibrator(c *calib.Calibrator) Option {
	return func(s *Smoother) { s.calib = c }
}

// WithExample sets the input used for tracing and the equivalence check.
// By default the first calibration sample is used.
func WithExample(in ...tensor.Mat) Option {
	return func(s *Smoother) { s.example = in }
}

func WithLogger(l logger.Logger) Option {
	return func(s *Smoother) { s.log = l }
}

// WithMemoryFunc overrides the free memory query made before allocating
// scale buffers.
func WithMemoryFunc(p host.MemoryFunc) Option {
	return func(s *Smoother) { s.mem = p }
}

// New returns a Smoother for m calibrated from src.
func New(m *graph.Model, src calib.Source, opts ...Option) *Smoother {
	s := &Smoother{model: m, src: src, log: logger.Discard()}
	for _, o := range opts {
		o(s)
	}
	if s.calib == nil {
		s.calib = calib.New(s.log)
	}
	return s
}

// Model returns the model being smoothed.
func (s *Smoother) Model() *graph.Model { return s.model }

// Calibrator returns the calibrator holding the activation statistics.
func (s *Smoother) Calibrator() *calib.Calibrator { return s.calib }

// Applied returns the active transform, or nil.
func (s *Smoother) Applied() *Applied { return s.applied }

type group struct {
	key     string
	members []string
	alpha   float64
	stats   *calib.Stats
	scale   []float32
}

type plan struct {
	mode     Mode
	groups   []*group
	noAbsorb []string
	example  []tensor.Mat
	skipped  string
}

// Transform reverts any earlier transform and applies a fresh one.  Trace
// failures and empty absorb maps skip smoothing and are reported through
// Applied.Skipped.  An output mismatch after applying is logged, not
// returned.
func (s *Smoother) Transform(ctx context.Context, opts TransformOptions) (*Applied, error) {
	p, err := s.prepare(ctx, opts)
	if err != nil {
		return nil, err
	}
	if p.skipped != "" {
		return &Applied{Mode: p.mode, Skipped: true, Reason: p.skipped, NoAbsorb: p.noAbsorb}, nil
	}
	if err := host.Reserve(s.mem, s.bufferBytes(p)); err != nil {
		return nil, fmt.Errorf("smooth scale buffers: %w", err)
	}

	var before tensor.Mat
	haveRef := false
	if p.example != nil {
		if out, err := s.model.Forward(ctx, p.example...); err == nil {
			before, haveRef = out, true
		} else {
			s.log.Warn("reference forward failed, equivalence check skipped", "error", err)
		}
	} else {
		s.log.Warn("no example input, equivalence check skipped")
	}

	applied := &Applied{
		Mode:         p.mode,
		Groups:       orderedmap.New[string, []string](),
		Alpha:        orderedmap.New[string, float64](),
		WeightScales: make(map[string][]float32),
		AbsorbScales: make(map[string][]float32),
		NoAbsorb:     p.noAbsorb,
	}
	for _, g := range p.groups {
		var err error
		if p.mode == ModeFold {
			err = s.fold(g)
		} else {
			err = s.insert(g)
		}
		if err != nil {
			s.Revert()
			return nil, err
		}
		applied.Groups.Set(g.key, g.members)
		applied.Alpha.Set(g.key, g.alpha)
		applied.AbsorbScales[g.key] = reciprocal(g.scale)
		for _, m := range g.members {
			applied.WeightScales[m] = g.scale
		}
	}
	s.applied = applied

	if haveRef {
		after, err := s.model.Forward(ctx, p.example...)
		applied.Checked = true
		applied.Equivalent = err == nil && tensor.AllClose(&after, &before, equivRTol, equivATol)
		if !applied.Equivalent {
			s.log.Warn("smoothed model output differs from the original; check the absorb map", "mode", p.mode)
		}
	}
	s.log.Info("smooth quant applied", "mode", p.mode, "groups", len(p.groups), "no_absorb", len(p.noAbsorb))
	return applied, nil
}

// Revert restores every layer touched by the last Transform exactly.
func (s *Smoother) Revert() {
	for i := len(s.undo) - 1; i >= 0; i-- {
		e := s.undo[i]
		// names come from the same model, SetLayer cannot fail
		_ = s.model.SetLayer(e.name, e.layer)
	}
	s.undo = nil
	s.applied = nil
}

func (s *Smoother) snapshot(name string) (graph.Layer, error) {
	l, ok := s.model.Layer(name)
	if !ok {
		return nil, errtypes.Config("smooth", name, "unknown layer")
	}
	s.undo = append(s.undo, undoEntry{name: name, layer: l.Clone()})
	return l, nil
}

func (s *Smoother) prepare(ctx context.Context, opts TransformOptions) (*plan, error) {
	s.Revert()
	o := opts.withDefaults()
	if o.Alpha < 0 {
		s.log.Warn("negative alpha reset to 0", "alpha", o.Alpha)
		o.Alpha = 0
	}
	p := &plan{mode: o.mode(), example: s.exampleInput()}

	groups, err := s.groups(ctx, o, p)
	if err != nil || p.skipped != "" {
		return p, err
	}

	params := calib.Params{
		OpTypes:     o.OpTypes,
		Iters:       o.CalibIters,
		Percentile:  o.Percentile,
		ScalesPerOp: o.ScalesPerOp,
		Func:        o.CalibFunc,
		Tag:         CalibTag,
	}
	if o.Auto && o.AdapterWrapped {
		s.calib.Invalidate()
	}
	if err := s.calib.Calibrate(ctx, s.model, s.src, params); err != nil {
		return nil, fmt.Errorf("smooth calibration: %w", err)
	}

	for key, members := range groups.All() {
		st, ok := s.calib.Stats(members[0])
		if !ok {
			s.log.Debug("layer not reached during calibration", "layer", members[0])
			continue
		}
		p.groups = append(p.groups, &group{key: key, members: members, alpha: o.Alpha, stats: st})
	}
	if len(p.groups) == 0 {
		p.skipped = "no calibrated layer to smooth"
		s.log.Warn("smooth quant skipped", "reason", p.skipped)
		return p, nil
	}

	if o.Auto {
		if err := s.autoAlpha(ctx, p.groups, o); err != nil {
			return nil, err
		}
	}
	for _, g := range p.groups {
		weights, err := s.weights(g.members)
		if err != nil {
			return nil, err
		}
		g.scale, err = ComputeScale(g.stats.AbsMax(), weights, g.alpha, o.Scale)
		if err != nil {
			return nil, fmt.Errorf("group %q: %w", g.key, err)
		}
	}
	return p, nil
}

func (s *Smoother) groups(ctx context.Context, o TransformOptions, p *plan) (*orderedmap.Map[string, []string], error) {
	if p.mode == ModeFold {
		if p.example == nil {
			p.skipped = "no example input to trace"
			s.log.Warn("smooth quant skipped", "reason", p.skipped)
			return nil, nil
		}
		res, err := trace.AbsorbToLayer(ctx, s.model, p.example, o.OpTypes, true)
		if errors.Is(err, trace.ErrNoTrace) {
			p.skipped = "model could not be traced"
			s.log.Warn("smooth quant skipped", "reason", p.skipped, "error", err)
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		p.noAbsorb = res.NoAbsorb
		if res.AbsorbToLayer.Len() == 0 {
			p.skipped = "no layer can be absorbed"
			s.log.Warn("smooth quant skipped", "reason", p.skipped)
			return nil, nil
		}
		n := res.Absorbed()
		s.log.Info("absorb map built", "absorbed", n, "total", n+len(res.NoAbsorb))
		return res.AbsorbToLayer, nil
	}

	self := orderedmap.New[string, []string]()
	for _, name := range s.model.NamesOfKind(o.OpTypes...) {
		if l, _ := s.model.Layer(name); isLinear(l) {
			self.Set(name, []string{name})
		}
	}
	if o.ScaleSharing && p.example != nil {
		shared, err := trace.SharedInputGroups(ctx, s.model, p.example, o.OpTypes)
		switch {
		case errors.Is(err, trace.ErrNoTrace):
			s.log.Warn("scale sharing disabled, model could not be traced", "error", err)
		case err != nil:
			return nil, err
		default:
			for key, members := range shared.All() {
				for _, m := range members {
					self.Delete(m)
				}
				self.Set(key, members)
			}
		}
	}
	if self.Len() == 0 {
		p.skipped = "no linear layer to smooth"
		s.log.Warn("smooth quant skipped", "reason", p.skipped)
		return nil, nil
	}
	return self, nil
}

func isLinear(l graph.Layer) bool {
	_, ok := l.(*graph.Linear)
	return ok
}

func (s *Smoother) weights(members []string) ([]*tensor.Mat, error) {
	out := make([]*tensor.Mat, 0, len(members))
	for _, name := range members {
		l, _ := s.model.Layer(name)
		lin, ok := l.(*graph.Linear)
		if !ok {
			return nil, errtypes.Config("smooth", name, "layer kind %s cannot be smoothed", l.Kind())
		}
		out = append(out, &lin.W)
	}
	return out, nil
}

func (s *Smoother) exampleInput() []tensor.Mat {
	if s.example != nil {
		return s.example
	}
	sample, ok := calib.First(s.src)
	if !ok {
		return nil
	}
	in, err := calib.Inputs(sample)
	if err != nil {
		return nil
	}
	s.example = in
	return in
}

// bufferBytes estimates the memory held by scales and undo snapshots.
func (s *Smoother) bufferBytes(p *plan) uint64 {
	var floats int
	for _, g := range p.groups {
		floats += 2 * len(g.scale)
		if p.mode == ModeFold {
			l, _ := s.model.Layer(g.key)
			floats += paramCount(l)
		}
		for _, m := range g.members {
			l, _ := s.model.Layer(m)
			floats += paramCount(l)
		}
	}
	return uint64(floats) * 4
}

func paramCount(l graph.Layer) int {
	switch v := l.(type) {
	case *graph.Linear:
		return len(v.W.Data) + len(v.B)
	case *graph.LayerNorm:
		return len(v.Weight) + len(v.Bias)
	case *graph.BatchNorm:
		return len(v.Weight) + len(v.Bias) + len(v.Mean) + len(v.Var)
	case *graph.RMSNorm:
		return len(v.Weight)
	case *graph.Mul:
		return len(v.Weight)
	}
	return 0
}
