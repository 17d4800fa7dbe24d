package server

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/poiscout/internal/agent/core"
	"github.com/mohammad-safakhou/poiscout/internal/runtime"
	"github.com/mohammad-safakhou/poiscout/internal/store"
)

// ErrTopicRequired is returned when a search is submitted without a topic.
var ErrTopicRequired = errors.New("topic required")

// maxFinishedJobs bounds how many finished sessions stay in memory.
const maxFinishedJobs = 256

// Runner runs one search session to completion.
type Runner interface {
	Search(ctx context.Context, opts runtime.SearchOptions) (*core.Session, error)
}

// job tracks one session run by this process. It receives round snapshots
// from the optimizer goroutine and is read by HTTP handlers.
type job struct {
	mu     sync.RWMutex
	status SearchStatus
}

func newJob(id, topic string, now time.Time) *job {
	return &job{status: SearchStatus{
		ID:        id,
		Topic:     topic,
		Status:    store.StatusRunning,
		Rounds:    []core.RoundSummary{},
		Records:   []core.Record{},
		StartedAt: now,
	}}
}

func (j *job) RecordRound(_ context.Context, snap core.RoundSnapshot) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status.Rounds = append(j.status.Rounds, snap.Summary)
	j.status.Records = snap.Records
	j.status.Sources = snap.Sources
	return nil
}

func (j *job) finish(err error, now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status.Status = store.StatusDone
	if err != nil {
		j.status.Status = store.StatusFailed
		j.status.Error = err.Error()
	}
	j.status.FinishedAt = &now
}

func (j *job) snapshot() SearchStatus {
	j.mu.RLock()
	defer j.mu.RUnlock()
	s := j.status
	s.Rounds = append([]core.RoundSummary(nil), s.Rounds...)
	s.Records = append([]core.Record(nil), s.Records...)
	s.Sources = append([]string(nil), s.Sources...)
	return s
}

// SearchesHandler serves the searches API and runs submitted sessions in the
// background on the server's base context.
type SearchesHandler struct {
	Runner Runner
	Store  *store.Store   // optional, serves sessions this process did not run
	Steps  *store.StepLog // optional
	Logger *zap.Logger

	base context.Context
	wg   sync.WaitGroup
	mu   sync.RWMutex
	jobs map[string]*job
	now  func() time.Time
}

func NewSearchesHandler(base context.Context, runner Runner, st *store.Store, steps *store.StepLog, logger *zap.Logger) *SearchesHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SearchesHandler{
		Runner: runner,
		Store:  st,
		Steps:  steps,
		Logger: logger.Named("searches"),
		base:   base,
		jobs:   make(map[string]*job),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (h *SearchesHandler) Register(g *echo.Group, secret []byte) {
	write := []echo.MiddlewareFunc{}
	read := []echo.MiddlewareFunc{}
	if len(secret) > 0 {
		g.Use(AuthMiddleware(secret))
		write = append(write, RequireScopes(ScopeSearchWrite))
		read = append(read, RequireScopes(ScopeSearchRead))
	}
	g.POST("", h.create, write...)
	g.GET("", h.list, read...)
	g.GET("/:id", h.get, read...)
	g.GET("/:id/steps", h.steps, read...)
}

// Submit starts a session in the background and returns its id.
func (h *SearchesHandler) Submit(req SearchRequest) (string, error) {
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		return "", ErrTopicRequired
	}
	online := true
	if req.OnlineOpt != nil {
		online = *req.OnlineOpt
	}
	id := uuid.NewString()
	j := newJob(id, topic, h.now())

	h.mu.Lock()
	h.jobs[id] = j
	h.pruneLocked()
	h.mu.Unlock()

	opts := runtime.SearchOptions{
		SessionID:     id,
		Request:       core.Request{Topic: topic, History: req.History},
		OnlineOpt:     online,
		Rounds:        req.Rounds,
		StepsPerRound: req.StepsPerRound,
		UseSkills:     req.UseSkills,
		CreateSkills:  req.CreateSkills,
		Recorder:      j,
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		_, err := h.Runner.Search(h.base, opts)
		if err != nil {
			h.Logger.Warn("search failed", zap.String("session_id", id), zap.Error(err))
		}
		j.finish(err, h.now())
	}()
	return id, nil
}

// Wait blocks until every submitted session has returned.
func (h *SearchesHandler) Wait() { h.wg.Wait() }

func (h *SearchesHandler) pruneLocked() {
	var finished []SearchStatus
	for _, j := range h.jobs {
		if s := j.snapshot(); s.FinishedAt != nil {
			finished = append(finished, s)
		}
	}
	if len(finished) <= maxFinishedJobs {
		return
	}
	sort.Slice(finished, func(a, b int) bool { return finished[a].FinishedAt.Before(*finished[b].FinishedAt) })
	for _, s := range finished[:len(finished)-maxFinishedJobs] {
		delete(h.jobs, s.ID)
	}
}

func (h *SearchesHandler) job(id string) (*job, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	j, ok := h.jobs[id]
	return j, ok
}

func (h *SearchesHandler) create(c echo.Context) error {
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Rounds < 0 || req.StepsPerRound < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "rounds and steps_per_round cannot be negative")
	}
	id, err := h.Submit(req)
	if errors.Is(err, ErrTopicRequired) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, IDResponse{ID: id})
}

func (h *SearchesHandler) get(c echo.Context) error {
	id := c.Param("id")
	if j, ok := h.job(id); ok {
		return c.JSON(http.StatusOK, j.snapshot())
	}
	if h.Store == nil {
		return echo.NewHTTPError(http.StatusNotFound, "search not found")
	}
	ctx := c.Request().Context()
	rec, ok, err := h.Store.GetSession(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "search not found")
	}
	rounds, err := h.Store.ListRounds(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	records, err := h.Store.ListRecords(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if rounds == nil {
		rounds = []core.RoundSummary{}
	}
	if records == nil {
		records = []core.Record{}
	}
	return c.JSON(http.StatusOK, SearchStatus{
		ID:         rec.ID,
		Topic:      rec.Topic,
		Status:     rec.Status,
		Error:      rec.Error,
		Rounds:     rounds,
		Records:    records,
		StartedAt:  rec.StartedAt,
		FinishedAt: rec.FinishedAt,
	})
}

func (h *SearchesHandler) list(c echo.Context) error {
	h.mu.RLock()
	items := make([]SearchListItem, 0, len(h.jobs))
	seen := make(map[string]bool, len(h.jobs))
	for id, j := range h.jobs {
		s := j.snapshot()
		items = append(items, SearchListItem{ID: id, Topic: s.Topic, Status: s.Status, StartedAt: s.StartedAt, FinishedAt: s.FinishedAt})
		seen[id] = true
	}
	h.mu.RUnlock()

	if h.Store != nil {
		stored, err := h.Store.ListSessions(c.Request().Context(), 50)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		for _, rec := range stored {
			if seen[rec.ID] {
				continue
			}
			items = append(items, SearchListItem{ID: rec.ID, Topic: rec.Topic, Status: rec.Status, StartedAt: rec.StartedAt, FinishedAt: rec.FinishedAt})
		}
	}
	sort.Slice(items, func(a, b int) bool { return items[a].StartedAt.After(items[b].StartedAt) })
	return c.JSON(http.StatusOK, items)
}

func (h *SearchesHandler) steps(c echo.Context) error {
	if h.Steps == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "step log not configured")
	}
	steps, err := h.Steps.Steps(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if len(steps) == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "no steps recorded")
	}
	return c.JSON(http.StatusOK, steps)
}
