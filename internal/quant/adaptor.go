// Package quant turns tune configs into fake-quantised copies of a float32
// model and scores them.
package quant

import (
	"context"
	"fmt"
	"slices"
	"strconv"

	"github.com/samcharles93/lowbit/internal/calib"
	"github.com/samcharles93/lowbit/internal/errtypes"
	"github.com/samcharles93/lowbit/internal/graph"
	"github.com/samcharles93/lowbit/internal/host"
	"github.com/samcharles93/lowbit/internal/logger"
	"github.com/samcharles93/lowbit/internal/orderedmap"
	"github.com/samcharles93/lowbit/internal/sidecar"
	"github.com/samcharles93/lowbit/internal/smooth"
	"github.com/samcharles93/lowbit/internal/space"
	"github.com/samcharles93/lowbit/internal/tensor"
)

// klLevels is the number of positive levels of a signed int8 grid.
const klLevels = 128

// floatKinds may run in bf16 or fp16 besides linear layers.
var floatKinds = []graph.Kind{
	graph.KindLayerNorm, graph.KindRMSNorm, graph.KindMul,
	graph.KindGELU, graph.KindReLU, graph.KindAdd,
}

// Adaptor materialises tune configs on clones of an fp32 model.  The model
// passed to New is never modified.
type Adaptor struct {
	model      *graph.Model
	src        calib.Source
	example    []tensor.Mat
	cpu        host.CPUInfo
	log        logger.Logger
	mem        host.MemoryFunc
	sidecar    string
	floatModes []space.Mode
	sqIters    int
	calibFunc  func(ctx context.Context, m *graph.Model) error
	sqCalib    *calib.Calibrator
	actCalib   *calib.Calibrator
}

// Option configures an Adaptor.
type Option func(*Adaptor)

// WithCPU sets the host the quantised model targets.  Hosts without VNNI
// get reduced-range activation grids.
func WithCPU(info host.CPUInfo) Option {
	return func(a *Adaptor) { a.cpu = info }
}

func WithLogger(l logger.Logger) Option {
	return func(a *Adaptor) { a.log = l }
}

// WithExample sets the input used to trace the model for smoothing.
func WithExample(in ...tensor.Mat) Option {
	return func(a *Adaptor) { a.example = in }
}

// WithMemoryFunc overrides the free memory query made before each clone.
func WithMemoryFunc(p host.MemoryFunc) Option {
	return func(a *Adaptor) { a.mem = p }
}

// WithSidecar keeps the per-op config file at path up to date.
func WithSidecar(path string) Option {
	return func(a *Adaptor) { a.sidecar = path }
}

// WithFloatModes lists the reduced float modes offered for every op.  By
// default bf16 is offered when the host supports it.
func WithFloatModes(modes ...space.Mode) Option {
	return func(a *Adaptor) { a.floatModes = modes }
}

// WithSmoothCalibIters caps the batches used for smoothing statistics.
func WithSmoothCalibIters(n int) Option {
	return func(a *Adaptor) { a.sqIters = n }
}

// WithCalibFunc drives every calibration pass through fn instead of the
// calibration source.
func WithCalibFunc(fn func(ctx context.Context, m *graph.Model) error) Option {
	return func(a *Adaptor) { a.calibFunc = fn }
}

// New returns an Adaptor for model calibrated from src.
func New(model *graph.Model, src calib.Source, opts ...Option) *Adaptor {
	a := &Adaptor{model: model, src: src, log: logger.Discard()}
	for _, o := range opts {
		o(a)
	}
	if a.floatModes == nil && a.cpu.BF16 {
		a.floatModes = []space.Mode{space.BF16}
	}
	a.sqCalib = calib.New(a.log)
	a.actCalib = calib.New(a.log)
	return a
}

// Model returns the fp32 reference model.
func (a *Adaptor) Model() *graph.Model { return a.model }

// Capability lists the quantisable ops of the model in graph order and
// refreshes the sidecar file when one is configured.
func (a *Adaptor) Capability(ctx context.Context) ([]space.OpCapability, error) {
	var caps []space.OpCapability
	var infos []sidecar.OpInfo
	for _, name := range a.model.Names() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		l, _ := a.model.Layer(name)
		key := space.OpKey{Name: name, Type: string(l.Kind())}
		var modes []space.ModeOptions
		switch {
		case l.Kind() == graph.KindLinear:
			modes = append(modes,
				space.ModeOptions{Mode: space.Static, Options: StaticOptions()},
				space.ModeOptions{Mode: space.Dynamic, Options: DynamicOptions()},
			)
		case slices.Contains(floatKinds, l.Kind()):
		default:
			continue
		}
		for _, m := range a.floatModes {
			modes = append(modes, space.ModeOptions{Mode: m})
		}
		if len(modes) == 0 {
			continue
		}
		caps = append(caps, space.OpCapability{Key: key, Modes: modes})
		infos = append(infos, opInfo(key, len(infos)))
	}
	if a.sidecar != "" {
		changed, err := sidecar.Refresh(a.sidecar, infos)
		if err != nil {
			return nil, err
		}
		if changed {
			a.log.Info("sidecar refreshed", "path", a.sidecar, "ops", len(infos))
		}
	}
	return caps, nil
}

// StaticOptions lists the static int8 options, default first.
func StaticOptions() []space.Option {
	var out []space.Option
	for _, scheme := range []string{space.SchemeAsym, space.SchemeSym} {
		for _, algo := range []string{space.AlgoMinMax, space.AlgoKL} {
			for _, gran := range []string{space.PerChannel, space.PerTensor} {
				out = append(out, space.Option{DType: space.DTypeInt8, Scheme: scheme, Algorithm: algo, Granularity: gran})
			}
		}
	}
	return out
}

// DynamicOptions lists the dynamic int8 options, default first.
func DynamicOptions() []space.Option {
	var out []space.Option
	for _, scheme := range []string{space.SchemeAsym, space.SchemeSym} {
		for _, gran := range []string{space.PerChannel, space.PerTensor} {
			out = append(out, space.Option{DType: space.DTypeInt8, Scheme: scheme, Algorithm: space.AlgoMinMax, Granularity: gran})
		}
	}
	return out
}

func opInfo(key space.OpKey, i int) sidecar.OpInfo {
	id := 3 * i
	info := sidecar.OpInfo{
		OpType:         key.Type,
		OpTypeIsModule: key.Type == string(graph.KindLinear),
		FQN:            key.Name,
		Inputs:         []sidecar.TensorInfo{{ID: id, OrigDType: "fp32", InfDType: "fp32"}},
		Outputs:        []sidecar.TensorInfo{{ID: id + 2, OrigDType: "fp32", InfDType: "fp32"}},
	}
	if info.OpTypeIsModule {
		info.Inputs[0].InfDType = "uint8"
		info.Weights = []sidecar.TensorInfo{{ID: id + 1, OrigDType: "fp32", InfDType: "int8"}}
	}
	return info
}

// Apply returns a clone of the model with cfg applied: smoothing first when
// cfg carries an alpha, then calibration when any op is static, then each
// op's fake quantisation.
func (a *Adaptor) Apply(ctx context.Context, cfg space.TuneConfig) (*graph.Model, error) {
	if err := host.Reserve(a.mem, modelBytes(a.model)); err != nil {
		return nil, fmt.Errorf("clone model: %w", err)
	}
	work := a.model.Clone()
	tag := smooth.CalibTag
	if alpha, ok := cfg.SmoothQuantAlpha(); ok {
		applied, err := a.smooth(ctx, work, alpha)
		if err != nil {
			return nil, err
		}
		if !applied.Skipped {
			tag = "sq:" + strconv.FormatFloat(alpha, 'g', -1, 64)
		}
	}
	if cfg.HasStatic() {
		p := calib.Params{
			OpTypes:    []graph.Kind{graph.KindLinear},
			Iters:      cfg.CalibSamplingSize(),
			Percentile: 100,
			Histogram:  usesKL(cfg),
			Func:       a.calibFunc,
			Tag:        tag,
		}
		if err := a.actCalib.Calibrate(ctx, work, a.src, p); err != nil {
			return nil, fmt.Errorf("calibrate: %w", err)
		}
	}
	for _, op := range cfg.Ops() {
		if err := a.applyOp(work, op); err != nil {
			return nil, err
		}
	}
	return work, nil
}

func (a *Adaptor) smooth(ctx context.Context, work *graph.Model, alpha float64) (*smooth.Applied, error) {
	sm := smooth.New(work, a.src,
		smooth.WithCalibrator(a.sqCalib),
		smooth.WithExample(a.example...),
		smooth.WithLogger(a.log),
		smooth.WithMemoryFunc(a.mem),
	)
	opts := smooth.TransformOptions{Alpha: alpha, Folding: true, CalibIters: a.sqIters, CalibFunc: a.calibFunc}
	if a.sidecar != "" {
		if err := a.exportSmoothing(ctx, sm, opts); err != nil {
			return nil, err
		}
	}
	applied, err := sm.Transform(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("smooth quant alpha %g: %w", alpha, err)
	}
	if applied.Skipped {
		a.log.Warn("smooth quant skipped", "reason", applied.Reason)
	}
	return applied, nil
}

func (a *Adaptor) exportSmoothing(ctx context.Context, sm *smooth.Smoother, opts smooth.TransformOptions) error {
	info, err := sm.Export(ctx, opts)
	if err != nil {
		return fmt.Errorf("export smooth quant: %w", err)
	}
	n, err := sidecar.UpdateFile(a.sidecar, SQScales(info))
	if err != nil {
		return err
	}
	a.log.Debug("sidecar smooth quant updated", "ops", n)
	return nil
}

func (a *Adaptor) applyOp(work *graph.Model, op space.OpTuningConfig) error {
	name := op.Name()
	l, ok := work.Layer(name)
	if !ok {
		return errtypes.Config("quant.Apply", name, "layer not in model")
	}
	var next graph.Layer
	switch op.Mode() {
	case space.FP32:
		return nil
	case space.BF16, space.FP16:
		next = roundedLayer(l, graph.DType(op.Option().DType))
	case space.Static, space.Dynamic:
		lin, ok := l.(*graph.Linear)
		if !ok {
			return errtypes.Config("quant.Apply", name, "%s cannot run in %s mode", l.Kind(), op.Mode())
		}
		q, err := a.quantizeLinear(name, lin, op)
		if err != nil {
			return err
		}
		if q == nil {
			return nil
		}
		next = q
	default:
		return errtypes.Config("quant.Apply", name, "unknown mode %q", op.Mode())
	}
	return work.SetLayer(name, next)
}

func roundedLayer(l graph.Layer, dt graph.DType) graph.Layer {
	inner := l.Clone()
	if w, ok := inner.(graph.Weighted); ok {
		round(w.Weight(), dt)
	}
	return &Rounded{Inner: inner, DType: dt}
}

func (a *Adaptor) quantizeLinear(name string, lin *graph.Linear, op space.OpTuningConfig) (*QLinear, error) {
	opt := op.Option()
	inner := lin.Clone().(*graph.Linear)
	switch opt.Granularity {
	case space.PerTensor:
		tensor.QDQWeightPerTensor(&inner.W, true, 8)
	default:
		tensor.QDQWeightPerRow(&inner.W, true, 8)
	}
	q := &QLinear{
		Inner:       inner,
		Symmetric:   opt.Scheme == space.SchemeSym,
		ReduceRange: a.cpu.ReduceRange(),
	}
	if op.Mode() == space.Dynamic {
		return q, nil
	}
	st, ok := a.actCalib.Stats(name)
	if !ok {
		a.log.Warn("no calibration statistics, keeping fp32", "op", name)
		return nil, nil
	}
	lo, hi := extent(st)
	if opt.Algorithm == space.AlgoKL && st.Hist != nil {
		if th := st.Hist.KLThreshold(klLevels); th > 0 {
			lo, hi = max(lo, -th), min(hi, th)
		}
	}
	act := activationGrid(lo, hi, q.Symmetric, q.ReduceRange)
	q.Act = &act
	return q, nil
}

func extent(st *calib.Stats) (lo, hi float32) {
	for j := range st.Min {
		lo, hi = min(lo, st.Min[j]), max(hi, st.Max[j])
	}
	return lo, hi
}

func usesKL(cfg space.TuneConfig) bool {
	for _, op := range cfg.Ops() {
		if op.Mode() == space.Static && op.Option().Algorithm == space.AlgoKL {
			return true
		}
	}
	return false
}

func modelBytes(m *graph.Model) uint64 {
	var n uint64
	for _, name := range m.Names() {
		l, _ := m.Layer(name)
		if w, ok := l.(graph.Weighted); ok {
			n += uint64(len(w.Weight().Data)) * 4
		}
	}
	return n
}

// SQScales converts smoothing records into sidecar updates.
func SQScales(info *orderedmap.Map[string, smooth.Info]) map[string]sidecar.SQScale {
	scales := make(map[string]sidecar.SQScale, info.Len())
	for name, in := range info.All() {
		scales[name] = sidecar.SQScale{
			InputScaleForMul:    in.InputScaleForMul,
			InputScale:          in.InputScale,
			InputZeroPoint:      in.InputZeroPoint,
			WeightScaleAfterMul: in.WeightScaleAfterMul,
		}
	}
	return scales
}
