// Package history records tuning trials and ranks accepted candidates.  A
// Store is safe for concurrent use; the status server reads it while the
// tuner writes.
package history

import (
	"io"
	"slices"
	"sync"
	"time"

	pq "github.com/emirpasic/gods/v2/queues/priorityqueue"
	"github.com/goccy/go-json"

	"github.com/samcharles93/lowbit/internal/errtypes"
	"github.com/samcharles93/lowbit/internal/space"
)

// Outcome classifies a finished trial.
type Outcome string

const (
	Accepted Outcome = "accepted"
	Rejected Outcome = "rejected"
	Failed   Outcome = "failed"
)

// Trial is one evaluated candidate.
type Trial struct {
	ID          string             `json:"id"`
	Index       int                `json:"index"`
	Fingerprint string             `json:"fingerprint"`
	Config      space.TuneConfig   `json:"-"`
	Record      space.ConfigRecord `json:"config"`
	Outcome     Outcome            `json:"outcome"`
	Accuracy    float64            `json:"accuracy"`
	Latency     time.Duration      `json:"latency_ns"`
	Error       string             `json:"error,omitempty"`
	Reused      bool               `json:"reused,omitempty"`
	Started     time.Time          `json:"started"`
	Elapsed     time.Duration      `json:"elapsed_ns"`
}

// Snapshot is a consistent copy of the store.
type Snapshot struct {
	RunID    string  `json:"run_id"`
	Strategy string  `json:"strategy"`
	State    string  `json:"state"`
	Baseline float64 `json:"baseline"`
	Trials   []Trial `json:"trials"`
	Best     *Trial  `json:"best,omitempty"`
}

// Store holds the trials of one run.
type Store struct {
	mu       sync.RWMutex
	runID    string
	strategy string
	state    string
	baseline float64
	trials   []Trial
	byFP     map[string]int
	accepted *pq.Queue[*Trial]
}

// New creates an empty store for run.
func New(runID, strategy string) *Store {
	return &Store{
		runID:    runID,
		strategy: strategy,
		byFP:     make(map[string]int),
		accepted: pq.NewWith(func(a, b *Trial) int { return byLatency(*a, *b) }),
	}
}

// byLatency ranks lower latency first, then earlier trials.
func byLatency(a, b Trial) int {
	switch {
	case a.Latency < b.Latency:
		return -1
	case a.Latency > b.Latency:
		return 1
	default:
		return a.Index - b.Index
	}
}

// Add appends t, assigning its index, and returns the stored copy.  Reused
// trials are listed but not ranked again.
func (s *Store) Add(t Trial) Trial {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.Index = len(s.trials)
	if t.Fingerprint == "" {
		t.Fingerprint = t.Config.Fingerprint()
	}
	if t.Config.Space() != nil {
		t.Record = t.Config.Record()
	}
	s.trials = append(s.trials, t)
	if _, ok := s.byFP[t.Fingerprint]; !ok {
		s.byFP[t.Fingerprint] = t.Index
	}
	if t.Outcome == Accepted && !t.Reused {
		ranked := t
		s.accepted.Enqueue(&ranked)
	}
	return t
}

// Lookup returns the first trial with fingerprint fp.
func (s *Store) Lookup(fp string) (Trial, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byFP[fp]
	if !ok {
		return Trial{}, false
	}
	return s.trials[i], true
}

// Best returns the best accepted trial.
func (s *Store) Best() (Trial, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	best, ok := s.accepted.Peek()
	if !ok {
		return Trial{}, false
	}
	return *best, true
}

// Ranked lists accepted trials best first.
func (s *Store) Ranked() []Trial {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ranked := s.accepted.Values()
	out := make([]Trial, len(ranked))
	for i, t := range ranked {
		out[i] = *t
	}
	slices.SortFunc(out, byLatency)
	return out
}

// Trials lists every trial in run order.
func (s *Store) Trials() []Trial {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.trials)
}

// Trial returns the trial at index i.
func (s *Store) Trial(i int) (Trial, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i < 0 || i >= len(s.trials) {
		return Trial{}, false
	}
	return s.trials[i], true
}

// Len is the number of trials recorded.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.trials)
}

// SetBaseline records the fp32 accuracy.
func (s *Store) SetBaseline(acc float64) {
	s.mu.Lock()
	s.baseline = acc
	s.mu.Unlock()
}

// SetState records the tuner state for observers.
func (s *Store) SetState(state string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Snapshot copies the store.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		RunID:    s.runID,
		Strategy: s.strategy,
		State:    s.state,
		Baseline: s.baseline,
		Trials:   slices.Clone(s.trials),
	}
	if best, ok := s.accepted.Peek(); ok {
		b := *best
		snap.Best = &b
	}
	return snap
}

// WriteJSON writes the snapshot as indented JSON.
func (s *Store) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s.Snapshot())
}

// ReadJSON rebuilds a store from a snapshot written by WriteJSON.  Trials
// keep their recorded configs; the in-memory TuneConfig is not restored.
func ReadJSON(r io.Reader) (*Store, error) {
	var snap Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return nil, errtypes.Config("history.ReadJSON", "", "malformed history: %v", err)
	}
	s := New(snap.RunID, snap.Strategy)
	s.state = snap.State
	s.baseline = snap.Baseline
	for _, t := range snap.Trials {
		s.Add(t)
	}
	return s, nil
}
