// Package strategy drives the search for a quantisation config that keeps
// accuracy within a tolerance of the fp32 baseline.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/lowbit/internal/errtypes"
	"github.com/samcharles93/lowbit/internal/graph"
	"github.com/samcharles93/lowbit/internal/history"
	"github.com/samcharles93/lowbit/internal/logger"
	"github.com/samcharles93/lowbit/internal/space"
)

// State is a step of the tuning state machine.
type State string

const (
	StateInit         State = "init"
	StateBaselineEval State = "baseline_eval"
	StatePropose      State = "propose"
	StateApply        State = "apply"
	StateEval         State = "eval"
	StateRecord       State = "record"
	StateAccepted     State = "accepted"
	StateTimeout      State = "timeout"
	StateExhausted    State = "exhausted"
	StateDone         State = "done"
)

// Adaptor materialises candidates.  quant.Adaptor implements it.
type Adaptor interface {
	Model() *graph.Model
	Capability(ctx context.Context) ([]space.OpCapability, error)
	Apply(ctx context.Context, cfg space.TuneConfig) (*graph.Model, error)
}

// EvalFunc scores a model; higher is better.
type EvalFunc func(ctx context.Context, m *graph.Model) (float64, error)

// PerfFunc measures a model's latency; lower is better.
type PerfFunc func(ctx context.Context, m *graph.Model) (time.Duration, error)

// Config is a tuning recipe.
type Config struct {
	Kind Kind
	// Tolerance is the accepted accuracy loss, absolute or relative to
	// the baseline.
	Tolerance float64
	Relative  bool
	// Timeout bounds the search.  Zero stops at the first accepted
	// candidate; otherwise the search keeps looking for lower latency.
	Timeout   time.Duration
	MaxTrials int
	Seed      int64
	// CalibSizes and SmoothQuantAlphas extend the tuning space.
	CalibSizes        []int
	SmoothQuantAlphas []float64
}

// DefaultRandomTrials bounds a random search configured without a trial
// budget or timeout.
const DefaultRandomTrials = 100

// Accept reports whether acc is within tol of base.
func Accept(acc, base, tol float64, relative bool) bool {
	const slack = 1e-12
	if relative {
		return acc >= base*(1-tol)-slack
	}
	return acc >= base-tol-slack
}

// Tuner runs one tuning session.
type Tuner struct {
	adaptor Adaptor
	eval    EvalFunc
	perf    PerfFunc
	cfg     Config
	log     logger.Logger
	store   *history.Store
	now     func() time.Time
	runID   string
	state   State
}

// Option configures a Tuner.
type Option func(*Tuner)

// WithPerf enables latency measurement of accepted candidates.
func WithPerf(p PerfFunc) Option {
	return func(t *Tuner) { t.perf = p }
}

func WithLogger(l logger.Logger) Option {
	return func(t *Tuner) { t.log = l }
}

// WithStore records trials into s, which observers may read concurrently.
func WithStore(s *history.Store) Option {
	return func(t *Tuner) { t.store = s }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tuner) { t.now = now }
}

// WithRunID fixes the run id instead of generating one.
func WithRunID(id string) Option {
	return func(t *Tuner) { t.runID = id }
}

// New returns a Tuner.  eval is required.
func New(adaptor Adaptor, eval EvalFunc, cfg Config, opts ...Option) *Tuner {
	t := &Tuner{adaptor: adaptor, eval: eval, cfg: cfg, log: logger.Discard(), now: time.Now}
	for _, o := range opts {
		o(t)
	}
	if t.cfg.Kind == "" {
		t.cfg.Kind = Basic
	}
	if t.cfg.Kind == Random && t.cfg.MaxTrials == 0 && t.cfg.Timeout == 0 {
		t.cfg.MaxTrials = DefaultRandomTrials
	}
	if t.runID == "" {
		t.runID = uuid.NewString()
	}
	if t.store == nil {
		t.store = history.New(t.runID, string(t.cfg.Kind))
	}
	return t
}

// Store returns the trial history.
func (t *Tuner) Store() *history.Store { return t.store }

// State returns the current state.
func (t *Tuner) State() State { return t.state }

func (t *Tuner) setState(s State) {
	t.state = s
	t.store.SetState(string(s))
}

// Run executes the state machine.  Exhaustion without an accepted candidate
// is reported through Result.Status with a nil error.  Configuration errors
// abort the run; other per-trial failures are recorded and skipped.
func (t *Tuner) Run(ctx context.Context) (*Result, error) {
	if t.eval == nil {
		return nil, errtypes.Config("strategy", "eval", "no evaluation function")
	}
	t.setState(StateInit)
	caps, err := t.adaptor.Capability(ctx)
	if err != nil {
		return nil, fmt.Errorf("capability query: %w", err)
	}
	sp, err := space.New(caps,
		space.WithCalibSizes(t.cfg.CalibSizes...),
		space.WithSmoothQuantAlphas(t.cfg.SmoothQuantAlphas...),
	)
	if err != nil {
		return nil, err
	}
	search, err := NewSearch(t.cfg.Kind, sp, t.cfg.Seed)
	if err != nil {
		return nil, err
	}
	t.log.Info("tuning space built", "run", t.runID, "strategy", string(t.cfg.Kind), "ops", sp.Len())

	t.setState(StateBaselineEval)
	base, err := t.eval(ctx, t.adaptor.Model())
	if err != nil {
		return nil, fmt.Errorf("baseline evaluation: %w", err)
	}
	t.store.SetBaseline(base)
	t.log.Info("baseline", "accuracy", base)

	r := &runState{start: t.now()}
	status, err := t.loop(ctx, search, base, r)
	if err != nil && !isCancel(err) {
		t.setState(StateDone)
		return nil, err
	}
	res := t.result(sp, status, base, r)
	t.setState(StateDone)
	return res, err
}

type runState struct {
	start     time.Time
	bestModel *graph.Model
	best      history.Trial
	hasBest   bool
}

func (t *Tuner) loop(ctx context.Context, search Search, base float64, r *runState) (State, error) {
	for {
		if err := ctx.Err(); err != nil {
			return StateTimeout, err
		}
		if t.cfg.Timeout > 0 && t.now().Sub(r.start) >= t.cfg.Timeout {
			t.log.Info("tuning timeout", "trials", t.store.Len())
			return StateTimeout, nil
		}
		if t.cfg.MaxTrials > 0 && t.store.Len() >= t.cfg.MaxTrials {
			t.log.Info("trial budget reached", "trials", t.store.Len())
			return StateTimeout, nil
		}
		t.setState(StatePropose)
		if search.Exhausted() {
			return StateExhausted, nil
		}
		cand, ok := search.Propose()
		if !ok {
			return StateExhausted, nil
		}
		tr, model, err := t.trial(ctx, cand, base)
		if err != nil {
			return "", err
		}
		search.Record(tr)
		if tr.Outcome != history.Accepted || tr.Reused {
			continue
		}
		if !r.hasBest || better(tr, r.best) {
			r.best, r.bestModel, r.hasBest = tr, model, true
		}
		if t.cfg.Timeout == 0 {
			return StateAccepted, nil
		}
	}
}

func better(a, b history.Trial) bool {
	if a.Latency != b.Latency {
		return a.Latency < b.Latency
	}
	return a.Index < b.Index
}

// trial runs PROPOSE's candidate through APPLY, EVAL and RECORD.
func (t *Tuner) trial(ctx context.Context, cand space.TuneConfig, base float64) (history.Trial, *graph.Model, error) {
	fp := cand.Fingerprint()
	started := t.now()
	if prev, ok := t.store.Lookup(fp); ok {
		prev.ID = uuid.NewString()
		prev.Reused = true
		prev.Started = started
		prev.Elapsed = 0
		tr := t.store.Add(prev)
		t.log.Debug("duplicate candidate", "trial", tr.Index, "of", prev.Index)
		return tr, nil, nil
	}
	tr := history.Trial{ID: uuid.NewString(), Fingerprint: fp, Config: cand, Started: started}

	t.setState(StateApply)
	model, err := t.adaptor.Apply(ctx, cand)
	if err == nil {
		t.setState(StateEval)
		tr.Accuracy, err = t.eval(ctx, model)
	}
	if err == nil {
		tr.Outcome = history.Rejected
		if Accept(tr.Accuracy, base, t.cfg.Tolerance, t.cfg.Relative) {
			tr.Outcome = history.Accepted
			if t.perf != nil {
				tr.Latency, err = t.perf(ctx, model)
			}
		}
	}
	if err != nil {
		if errtypes.IsConfig(err) {
			return tr, nil, err
		}
		tr.Outcome = history.Failed
		tr.Error = err.Error()
		model = nil
	}

	t.setState(StateRecord)
	tr.Elapsed = t.now().Sub(started)
	tr = t.store.Add(tr)
	if tr.Outcome == history.Failed {
		t.log.Warn("trial failed", "trial", tr.Index, "error", tr.Error)
	} else {
		t.log.Info("trial",
			"trial", tr.Index,
			"accuracy", tr.Accuracy,
			"outcome", string(tr.Outcome),
			"fp32_ops", cand.Count(space.FP32),
			"latency", tr.Latency,
		)
	}
	return tr, model, nil
}

func (t *Tuner) result(sp *space.TuningSpace, status State, base float64, r *runState) *Result {
	res := &Result{
		RunID:    t.runID,
		Strategy: t.cfg.Kind,
		Baseline: base,
		Trials:   t.store.Trials(),
		Space:    sp,
	}
	switch {
	case r.hasBest:
		res.Status = StateAccepted
		res.Model = r.bestModel
		res.Config = r.best.Config
		res.Accuracy = r.best.Accuracy
		res.Latency = r.best.Latency
		res.Best = r.best.Index
	case status == StateExhausted:
		res.Status = StateExhausted
		res.Best = -1
	default:
		res.Status = StateTimeout
		res.Model = t.adaptor.Model()
		res.Config = sp.InitialConfig(space.FP32).WithoutSmoothQuant()
		res.Accuracy = base
		res.Best = -1
	}
	t.setState(res.Status)
	t.log.Info("tuning finished", "status", string(res.Status), "trials", len(res.Trials), "accuracy", res.Accuracy)
	res.Record = res.record(t.cfg)
	return res
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
