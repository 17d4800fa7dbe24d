package store

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/mohammad-safakhou/poiscout/internal/agent/core"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{DB: db}, mock
}

func sampleSnapshot() core.RoundSnapshot {
	done := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	return core.RoundSnapshot{
		SessionID: "7d9c1f0e-2a4b-4c3d-9e8f-1a2b3c4d5e6f",
		Topic:     "quiet cafes in Lisbon",
		Summary: core.RoundSummary{
			Round: 1, StepCount: 2, TotalRecords: 1, TotalComments: 2,
			Flagged: []string{"2"}, Outcome: core.OK(1), CompletedAt: done,
		},
		Steps: []*core.Step{
			{StepID: "1", ActionPlan: "baixa", SearchRequest: "cafes baixa", Executed: true, SourcesUsed: []string{"https://a.example/"}},
			{StepID: "2", ActionPlan: "alfama", SearchRequest: "cafes alfama", Executed: true},
		},
		Records: []core.Record{{
			Name: "Fabrica Coffee Roasters", Description: "specialty coffee",
			PositiveComments: []string{"great beans"}, NegativeComments: []string{"crowded"},
			MatchStatus: core.MatchYes, MatchReason: "quiet enough",
		}},
	}
}

func TestRecordRoundWritesEverything(t *testing.T) {
	st, mock := newMock(t)
	snap := sampleSnapshot()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO search_sessions`).
		WithArgs(snap.SessionID, snap.Topic, StatusRunning).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO search_rounds`).
		WithArgs(snap.SessionID, 1, 2, 1, 2, sqlmock.AnyArg(), "ok", "", snap.Summary.CompletedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO search_steps`).
		WithArgs(snap.SessionID, 1, "1", "baixa", "cafes baixa", true, "", sqlmock.AnyArg(), 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO search_steps`).
		WithArgs(snap.SessionID, 1, "2", "alfama", "cafes alfama", true, "", sqlmock.AnyArg(), 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO search_records`).
		WithArgs(snap.SessionID, 1, 0, "Fabrica Coffee Roasters", "specialty coffee",
			[]byte(`["great beans"]`), []byte(`["crowded"]`), "yes", "quiet enough").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := st.RecordRound(context.Background(), snap); err != nil {
		t.Fatalf("RecordRound: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRecordRoundRollsBackOnFailure(t *testing.T) {
	st, mock := newMock(t)
	snap := sampleSnapshot()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO search_sessions`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO search_rounds`).WillReturnError(errors.New("duplicate key"))
	mock.ExpectRollback()

	if err := st.RecordRound(context.Background(), snap); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetSession(t *testing.T) {
	st, mock := newMock(t)
	started := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"id", "topic", "request", "status", "error", "started_at", "finished_at"}).
		AddRow("s1", "parks", []byte(`{"topic":"parks","history":[{"question":"kids?","answer":"yes"}]}`), StatusDone, "", started, started.Add(time.Minute))
	mock.ExpectQuery(`SELECT id, topic, request, status, error, started_at, finished_at\s+FROM search_sessions WHERE id=\$1`).
		WithArgs("s1").WillReturnRows(rows)

	rec, ok, err := st.GetSession(context.Background(), "s1")
	if err != nil || !ok {
		t.Fatalf("GetSession: ok=%v err=%v", ok, err)
	}
	if rec.Status != StatusDone || rec.FinishedAt == nil {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if len(rec.Request.History) != 1 || rec.Request.History[0].Answer != "yes" {
		t.Fatalf("history not decoded: %+v", rec.Request)
	}

	mock.ExpectQuery(`FROM search_sessions WHERE id=\$1`).WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, ok, err = st.GetSession(context.Background(), "missing")
	if err != nil || ok {
		t.Fatalf("expected not found, got ok=%v err=%v", ok, err)
	}
}

func TestListRoundsAndRecords(t *testing.T) {
	st, mock := newMock(t)
	done := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM search_rounds WHERE session_id=\$1 ORDER BY round ASC`).WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"round", "step_count", "total_records", "total_comments", "flagged", "outcome_status", "outcome_reason", "completed_at"}).
			AddRow(0, 2, 3, 4, "{}", "ok", "", done).
			AddRow(1, 2, 5, 9, "{2}", "degraded", "diagnosis failed", done))

	rounds, err := st.ListRounds(context.Background(), "s1")
	if err != nil {
		t.Fatalf("ListRounds: %v", err)
	}
	if len(rounds) != 2 || rounds[1].Outcome.Status != core.StatusDegraded || len(rounds[1].Flagged) != 1 || rounds[0].Flagged != nil {
		t.Fatalf("unexpected rounds: %+v", rounds)
	}

	mock.ExpectQuery(`FROM search_records`).WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"name", "description", "positive_comments", "negative_comments", "match_status", "match_reason"}).
			AddRow("Jardim da Estrela", "park", []byte(`["shade"]`), []byte(`[]`), "yes", ""))

	records, err := st.ListRecords(context.Background(), "s1")
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if len(records) != 1 || records[0].PositiveComments[0] != "shade" || records[0].MatchStatus != core.MatchYes {
		t.Fatalf("unexpected records: %+v", records)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestFinishSessionMissing(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectExec(`UPDATE search_sessions SET status`).WithArgs("nope", StatusFailed, "boom").
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := st.FinishSession(context.Background(), "nope", StatusFailed, "boom"); err == nil {
		t.Fatal("expected error for missing session")
	}
}

type countingRecorder struct {
	calls int
	err   error
}

func (c *countingRecorder) RecordRound(context.Context, core.RoundSnapshot) error {
	c.calls++
	return c.err
}

func TestMultiRecorderJoinsErrors(t *testing.T) {
	a := &countingRecorder{}
	b := &countingRecorder{err: errors.New("redis down")}
	m := MultiRecorder{a, nil, b}
	err := m.RecordRound(context.Background(), sampleSnapshot())
	if err == nil || a.calls != 1 || b.calls != 1 {
		t.Fatalf("calls a=%d b=%d err=%v", a.calls, b.calls, err)
	}
}
