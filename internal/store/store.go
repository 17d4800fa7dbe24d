// Package store persists search sessions, their round snapshots and the
// accepted records in Postgres.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mohammad-safakhou/poiscout/internal/agent/core"
)

var tracer trace.Tracer = otel.Tracer("poiscout/internal/store")

// Session statuses.
const (
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

type Store struct {
	DB *sql.DB
}

var _ core.Recorder = (*Store)(nil)

// SessionRecord is the persisted header of a search session.
type SessionRecord struct {
	ID         string
	Topic      string
	Request    core.Request
	Status     string
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}

func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

// CreateSession inserts the session header in the running state.
func (s *Store) CreateSession(ctx context.Context, id string, req core.Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO search_sessions (id, topic, request, status, started_at)
VALUES ($1,$2,$3,$4,NOW())
ON CONFLICT (id) DO NOTHING`, id, req.Topic, payload, StatusRunning)
	return err
}

// FinishSession marks a session done or failed.
func (s *Store) FinishSession(ctx context.Context, id, status, errMsg string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE search_sessions SET status=$2, error=$3, finished_at=NOW() WHERE id=$1`, id, status, errMsg)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// RecordRound writes one round snapshot in a single transaction. The session
// header is created on first sight so a recorder can be attached mid-flight.
func (s *Store) RecordRound(ctx context.Context, snap core.RoundSnapshot) (err error) {
	ctx, span := tracer.Start(ctx, "store.record_round", trace.WithAttributes(
		attribute.String("session_id", snap.SessionID),
		attribute.Int("round", snap.Summary.Round),
	))
	defer span.End()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
INSERT INTO search_sessions (id, topic, status, started_at)
VALUES ($1,$2,$3,NOW())
ON CONFLICT (id) DO NOTHING`, snap.SessionID, snap.Topic, StatusRunning); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	sum := snap.Summary
	flagged := sum.Flagged
	if flagged == nil {
		flagged = []string{}
	}
	if _, err = tx.ExecContext(ctx, `
INSERT INTO search_rounds (session_id, round, step_count, total_records, total_comments, flagged, outcome_status, outcome_reason, completed_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		snap.SessionID, sum.Round, sum.StepCount, sum.TotalRecords, sum.TotalComments,
		pq.Array(flagged), string(sum.Outcome.Status), sum.Outcome.Reason, sum.CompletedAt); err != nil {
		return fmt.Errorf("insert round: %w", err)
	}

	for _, st := range snap.Steps {
		sources := st.SourcesUsed
		if sources == nil {
			sources = []string{}
		}
		if _, err = tx.ExecContext(ctx, `
INSERT INTO search_steps (session_id, round, step_id, action_plan, search_request, executed, summary, sources, revisions)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			snap.SessionID, sum.Round, st.StepID, st.ActionPlan, st.SearchRequest, st.Executed,
			st.Summary, pq.Array(sources), len(st.History)); err != nil {
			return fmt.Errorf("insert step %s: %w", st.StepID, err)
		}
	}

	for i, rec := range snap.Records {
		pos, neg, mErr := commentsJSON(rec)
		if mErr != nil {
			err = mErr
			return err
		}
		if _, err = tx.ExecContext(ctx, `
INSERT INTO search_records (session_id, round, position, name, description, positive_comments, negative_comments, match_status, match_reason)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			snap.SessionID, sum.Round, i, rec.Name, rec.Description, pos, neg,
			string(rec.MatchStatus), rec.MatchReason); err != nil {
			return fmt.Errorf("insert record %q: %w", rec.Name, err)
		}
	}

	err = tx.Commit()
	return err
}

func commentsJSON(rec core.Record) ([]byte, []byte, error) {
	pos := rec.PositiveComments
	if pos == nil {
		pos = []string{}
	}
	neg := rec.NegativeComments
	if neg == nil {
		neg = []string{}
	}
	p, err := json.Marshal(pos)
	if err != nil {
		return nil, nil, err
	}
	n, err := json.Marshal(neg)
	if err != nil {
		return nil, nil, err
	}
	return p, n, nil
}

// GetSession loads a session header. The bool is false when it does not exist.
func (s *Store) GetSession(ctx context.Context, id string) (SessionRecord, bool, error) {
	var (
		rec      SessionRecord
		request  []byte
		finished sql.NullTime
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT id, topic, request, status, error, started_at, finished_at
FROM search_sessions WHERE id=$1`, id).Scan(&rec.ID, &rec.Topic, &request, &rec.Status, &rec.Error, &rec.StartedAt, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, false, nil
	}
	if err != nil {
		return SessionRecord{}, false, err
	}
	if len(request) > 0 {
		if err := json.Unmarshal(request, &rec.Request); err != nil {
			return SessionRecord{}, false, fmt.Errorf("decode request: %w", err)
		}
	}
	if rec.Request.Topic == "" {
		rec.Request.Topic = rec.Topic
	}
	if finished.Valid {
		t := finished.Time
		rec.FinishedAt = &t
	}
	return rec, true, nil
}

// ListSessions returns the most recent sessions first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, topic, status, error, started_at, finished_at
FROM search_sessions ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var finished sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Topic, &rec.Status, &rec.Error, &rec.StartedAt, &finished); err != nil {
			return nil, err
		}
		if finished.Valid {
			t := finished.Time
			rec.FinishedAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListRounds returns the round summaries of a session in round order.
func (s *Store) ListRounds(ctx context.Context, sessionID string) ([]core.RoundSummary, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT round, step_count, total_records, total_comments, flagged, outcome_status, outcome_reason, completed_at
FROM search_rounds WHERE session_id=$1 ORDER BY round ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.RoundSummary
	for rows.Next() {
		var (
			sum     core.RoundSummary
			flagged []string
			status  string
		)
		if err := rows.Scan(&sum.Round, &sum.StepCount, &sum.TotalRecords, &sum.TotalComments,
			pq.Array(&flagged), &status, &sum.Outcome.Reason, &sum.CompletedAt); err != nil {
			return nil, err
		}
		sum.Outcome.Status = core.OutcomeStatus(status)
		if len(flagged) > 0 {
			sum.Flagged = flagged
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// ListRecords returns the accepted records of the latest recorded round.
func (s *Store) ListRecords(ctx context.Context, sessionID string) ([]core.Record, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT name, description, positive_comments, negative_comments, match_status, match_reason
FROM search_records
WHERE session_id=$1 AND round = (SELECT MAX(round) FROM search_rounds WHERE session_id=$1)
ORDER BY position ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.Record
	for rows.Next() {
		var (
			rec      core.Record
			pos, neg []byte
			status   string
		)
		if err := rows.Scan(&rec.Name, &rec.Description, &pos, &neg, &status, &rec.MatchReason); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(pos, &rec.PositiveComments); err != nil {
			return nil, fmt.Errorf("decode positive comments: %w", err)
		}
		if err := json.Unmarshal(neg, &rec.NegativeComments); err != nil {
			return nil, fmt.Errorf("decode negative comments: %w", err)
		}
		rec.MatchStatus = core.MatchStatus(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}
