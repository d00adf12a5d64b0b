package strategy

import (
	"cmp"
	"math"
	"math/rand"
	"slices"

	"github.com/samcharles93/lowbit/internal/errtypes"
	"github.com/samcharles93/lowbit/internal/history"
	"github.com/samcharles93/lowbit/internal/sampler"
	"github.com/samcharles93/lowbit/internal/space"
)

// Kind selects a search policy.
type Kind string

const (
	// Basic tries the fully quantised model, measures how much accuracy
	// each single fallback recovers, then falls back ops cumulatively in
	// order of decreasing recovery.
	Basic Kind = "basic"
	// Exhaustive sweeps every choice of every op, one op at a time, from
	// the fp32 config, then enumerates the quantised product space when it
	// is small.
	Exhaustive Kind = "exhaustive"
	// Random draws configs from the fully quantised product space.
	Random Kind = "random"
	// Fallback falls back ops cumulatively in graph order.
	Fallback Kind = "fallback"
)

// Kinds lists every search policy.
func Kinds() []Kind { return []Kind{Basic, Exhaustive, Random, Fallback} }

// ParseKind resolves a policy name.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if s == "" {
		return Basic, nil
	}
	if !slices.Contains(Kinds(), k) {
		return "", errtypes.Config("strategy", "kind", "unknown strategy %q, want one of %v", s, Kinds())
	}
	return k, nil
}

// Search proposes candidates and learns from their outcome.
type Search interface {
	// Propose returns the next candidate, or false when there is none.
	Propose() (space.TuneConfig, bool)
	// Record reports the outcome of the last proposed candidate.
	Record(history.Trial)
	Exhausted() bool
}

// productLimit caps the product space the exhaustive search enumerates
// after its op-wise sweep.
const productLimit = 1024

// NewSearch builds the search for kind over s.
func NewSearch(kind Kind, s *space.TuningSpace, seed int64) (Search, error) {
	switch kind {
	case Basic:
		return newBasic(s), nil
	case Exhaustive:
		start := s.InitialConfig(space.FP32)
		q := collect(sampler.OpWise{Space: s, Current: start})
		if p := (sampler.Product{Space: s, Assignment: s.ModeWiseAssignment()}); p.Size() <= productLimit {
			q = append(q, collect(p)...)
		}
		return newQueue(q), nil
	case Random:
		assignment := s.ModeWiseAssignment()
		return &randomSearch{
			sampler: sampler.Random{Space: s, Assignment: assignment},
			size:    sampler.Product{Space: s, Assignment: assignment}.Size(),
			seen:    make(map[string]struct{}),
			rng:     rand.New(rand.NewSource(seed)),
		}, nil
	case Fallback:
		full := s.AssignedConfig(s.ModeWiseAssignment())
		q := []space.TuneConfig{full}
		q = append(q, collect(sampler.Fallback{Space: s, Start: full, Accumulate: true})...)
		return newQueue(q), nil
	default:
		return nil, errtypes.Config("strategy", "kind", "unknown strategy %q", kind)
	}
}

func collect(s sampler.Sampler) []space.TuneConfig {
	var out []space.TuneConfig
	for cfg := range s.All() {
		out = append(out, cfg)
	}
	return out
}

// queueSearch proposes a fixed list in order.
type queueSearch struct {
	queue []space.TuneConfig
}

func newQueue(q []space.TuneConfig) *queueSearch { return &queueSearch{queue: q} }

func (q *queueSearch) Propose() (space.TuneConfig, bool) {
	if len(q.queue) == 0 {
		return space.TuneConfig{}, false
	}
	next := q.queue[0]
	q.queue = q.queue[1:]
	return next, true
}

func (q *queueSearch) Record(history.Trial) {}
func (q *queueSearch) Exhausted() bool      { return len(q.queue) == 0 }

// randomSearch draws forever but reports exhaustion once every config of
// the product space has been tried.
type randomSearch struct {
	sampler sampler.Random
	size    int
	seen    map[string]struct{}
	rng     *rand.Rand
}

func (r *randomSearch) Propose() (space.TuneConfig, bool) { return r.sampler.Draw(r.rng), true }
func (r *randomSearch) Record(t history.Trial)            { r.seen[t.Fingerprint] = struct{}{} }
func (r *randomSearch) Exhausted() bool                   { return len(r.seen) >= r.size }

const (
	phaseFull = iota
	phaseSensitivity
	phaseAccumulate
	phaseDone
)

type basicSearch struct {
	space   *space.TuningSpace
	phase   int
	queue   []space.TuneConfig
	full    space.TuneConfig
	fullAcc float64
	single  map[string]space.OpKey
	gain    map[space.OpKey]float64
}

func newBasic(s *space.TuningSpace) *basicSearch {
	full := s.AssignedConfig(s.ModeWiseAssignment())
	b := &basicSearch{space: s, full: full, fullAcc: math.Inf(-1)}
	alphas := s.SmoothQuantAlphas()
	if len(alphas) == 0 {
		b.queue = []space.TuneConfig{full}
	}
	for _, a := range alphas {
		b.queue = append(b.queue, full.WithSmoothQuantAlpha(a))
	}
	return b
}

func (b *basicSearch) Propose() (space.TuneConfig, bool) {
	for len(b.queue) == 0 {
		if !b.advance() {
			return space.TuneConfig{}, false
		}
	}
	next := b.queue[0]
	b.queue = b.queue[1:]
	return next, true
}

func (b *basicSearch) advance() bool {
	switch b.phase {
	case phaseFull:
		b.phase = phaseSensitivity
		b.single = make(map[string]space.OpKey)
		b.gain = make(map[space.OpKey]float64)
		for key, op := range b.full.Ops() {
			if op.Mode() == space.FP32 {
				continue
			}
			cfg := b.full.WithFallback(key)
			b.single[cfg.Fingerprint()] = key
			b.queue = append(b.queue, cfg)
		}
	case phaseSensitivity:
		b.phase = phaseAccumulate
		b.queue = collect(sampler.Fallback{Space: b.space, Start: b.full, Order: b.sensitivityOrder(), Accumulate: true})
	default:
		b.phase = phaseDone
		return false
	}
	return true
}

// sensitivityOrder lists quantised ops by decreasing accuracy recovered
// when they alone fall back.  Ties keep graph order.
func (b *basicSearch) sensitivityOrder() []space.OpKey {
	var keys []space.OpKey
	for key, op := range b.full.Ops() {
		if op.Mode() != space.FP32 {
			keys = append(keys, key)
		}
	}
	gain := func(k space.OpKey) float64 {
		if g, ok := b.gain[k]; ok {
			return g
		}
		return math.Inf(-1)
	}
	slices.SortStableFunc(keys, func(x, y space.OpKey) int {
		return cmp.Compare(gain(y), gain(x))
	})
	return keys
}

func (b *basicSearch) Record(t history.Trial) {
	if t.Outcome == history.Failed {
		return
	}
	switch b.phase {
	case phaseFull:
		if t.Accuracy > b.fullAcc {
			b.full, b.fullAcc = t.Config, t.Accuracy
		}
	case phaseSensitivity:
		if key, ok := b.single[t.Fingerprint]; ok {
			b.gain[key] = t.Accuracy - b.fullAcc
		}
	}
}

func (b *basicSearch) Exhausted() bool {
	return b.phase == phaseDone || (b.phase == phaseAccumulate && len(b.queue) == 0)
}
