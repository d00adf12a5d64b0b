// Package api serves a read-only HTTP view of a tuning run.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/lowbit/internal/history"
)

const defaultPageSize = 50

// RunSummary is the /v1/run payload: the run without its trial list.
type RunSummary struct {
	RunID    string         `json:"run_id"`
	Strategy string         `json:"strategy"`
	State    string         `json:"state"`
	Baseline float64        `json:"baseline"`
	Trials   int            `json:"trials"`
	Outcomes map[string]int `json:"outcomes"`
	Best     *history.Trial `json:"best,omitempty"`
	Uptime   string         `json:"uptime"`
}

// TrialPage is one page of the trial list.
type TrialPage struct {
	Object string          `json:"object"`
	Data   []history.Trial `json:"data"`
	Total  int             `json:"total"`
	Offset int             `json:"offset"`
	Limit  int             `json:"limit"`
}

type Server struct {
	store   *history.Store
	clock   func() time.Time
	started time.Time
}

func NewServer(store *history.Store) *Server {
	if store == nil {
		store = history.New("", "")
	}
	return &Server{
		store:   store,
		clock:   time.Now,
		started: time.Now(),
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/run", s.handleRun)
	e.GET("/v1/trials", s.handleTrials)
	e.GET("/v1/trials/:index", s.handleTrial)
	e.GET("/v1/best", s.handleBest)
	e.GET("/v1/ranked", s.handleRanked)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRun(c *echo.Context) error {
	snap := s.store.Snapshot()
	outcomes := make(map[string]int)
	for _, t := range snap.Trials {
		outcomes[string(t.Outcome)]++
	}
	return c.JSON(http.StatusOK, RunSummary{
		RunID:    snap.RunID,
		Strategy: snap.Strategy,
		State:    snap.State,
		Baseline: snap.Baseline,
		Trials:   len(snap.Trials),
		Outcomes: outcomes,
		Best:     snap.Best,
		Uptime:   s.clock().Sub(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleTrials(c *echo.Context) error {
	offset, err := intQuery(c, "offset", 0)
	if err != nil {
		return requestError(c, err, "offset")
	}
	limit, err := intQuery(c, "limit", defaultPageSize)
	if err != nil {
		return requestError(c, err, "limit")
	}
	outcome := history.Outcome(c.QueryParam("outcome"))
	switch outcome {
	case "", history.Accepted, history.Rejected, history.Failed:
	default:
		return writeBadRequest(c, "unknown outcome "+strconv.Quote(string(outcome)), "outcome")
	}

	all := s.store.Trials()
	filtered := all[:0:0]
	for _, t := range all {
		if outcome == "" || t.Outcome == outcome {
			filtered = append(filtered, t)
		}
	}
	page := TrialPage{Object: "list", Data: []history.Trial{}, Total: len(filtered), Offset: offset, Limit: limit}
	if offset < len(filtered) {
		end := min(offset+limit, len(filtered))
		page.Data = filtered[offset:end]
	}
	return c.JSON(http.StatusOK, page)
}

func (s *Server) handleTrial(c *echo.Context) error {
	i, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return writeBadRequest(c, "trial index must be an integer", "index")
	}
	t, ok := s.store.Trial(i)
	if !ok {
		return writeNotFound(c, "trial "+strconv.Itoa(i)+" not found")
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) handleBest(c *echo.Context) error {
	t, ok := s.store.Best()
	if !ok {
		return writeNotFound(c, "no accepted trial yet")
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) handleRanked(c *echo.Context) error {
	ranked := s.store.Ranked()
	if ranked == nil {
		ranked = []history.Trial{}
	}
	return c.JSON(http.StatusOK, TrialPage{
		Object: "list",
		Data:   ranked,
		Total:  len(ranked),
		Limit:  len(ranked),
	})
}
