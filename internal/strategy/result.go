package strategy

import (
	"io"
	"time"

	"github.com/goccy/go-json"

	"github.com/samcharles93/lowbit/internal/errtypes"
	"github.com/samcharles93/lowbit/internal/graph"
	"github.com/samcharles93/lowbit/internal/history"
	"github.com/samcharles93/lowbit/internal/space"
)

// Result is the outcome of a tuning run.
type Result struct {
	RunID    string
	Strategy Kind
	// Status is StateAccepted, StateTimeout or StateExhausted.
	Status State
	// Model is the chosen model: the best accepted candidate, the fp32
	// baseline on timeout, nil on exhaustion.
	Model    *graph.Model
	Config   space.TuneConfig
	Space    *space.TuningSpace
	Baseline float64
	Accuracy float64
	Latency  time.Duration
	// Best indexes Trials; -1 when nothing was accepted.
	Best   int
	Trials []history.Trial
	Record Record
}

// Record is everything needed to reproduce a result from the same model and
// calibration data.
type Record struct {
	RunID     string              `json:"run_id"`
	Strategy  Kind                `json:"strategy"`
	Status    State               `json:"status"`
	Seed      int64               `json:"seed"`
	Tolerance float64             `json:"tolerance"`
	Relative  bool                `json:"relative"`
	Baseline  float64             `json:"baseline"`
	Accuracy  float64             `json:"accuracy"`
	LatencyNS int64               `json:"latency_ns,omitempty"`
	Trials    int                 `json:"trials"`
	Config    *space.ConfigRecord `json:"config,omitempty"`
}

func (r *Result) record(cfg Config) Record {
	rec := Record{
		RunID:     r.RunID,
		Strategy:  r.Strategy,
		Status:    r.Status,
		Seed:      cfg.Seed,
		Tolerance: cfg.Tolerance,
		Relative:  cfg.Relative,
		Baseline:  r.Baseline,
		Accuracy:  r.Accuracy,
		LatencyNS: r.Latency.Nanoseconds(),
		Trials:    len(r.Trials),
	}
	if r.Status != StateExhausted {
		c := r.Config.Record()
		rec.Config = &c
	}
	return rec
}

// WriteRecord writes rec as indented JSON.
func WriteRecord(w io.Writer, rec Record) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}

// ReadRecord decodes a record written by WriteRecord.
func ReadRecord(r io.Reader) (Record, error) {
	var rec Record
	if err := json.NewDecoder(r).Decode(&rec); err != nil {
		return Record{}, errtypes.Config("strategy", "record", "malformed record: %v", err)
	}
	return rec, nil
}
