package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const twoStepPlan = `[
 {"step_id": 1, "action_plan": "cafes downtown", "search_request": "cafes baixa"},
 {"step_id": 2, "action_plan": "cafes in the old town", "search_request": "cafes alfama"}
]`

type captureRecorder struct {
	mu    sync.Mutex
	snaps []RoundSnapshot
	err   error
}

func (r *captureRecorder) RecordRound(_ context.Context, snap RoundSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
	return r.err
}

func newOptimizerFixture(t *testing.T, cfg OptimizerConfig, opts ...OptimizerOption) (*Optimizer, *routerLLM, *fakeTool) {
	t.Helper()
	llm := newRouterLLM()
	llm.plan = func(float64) (string, error) { return twoStepPlan, nil }
	llm.diagnose = func(float64) (string, error) { return `[]`, nil }

	tool := newFakeTool()
	tool.set("cafes baixa", SearchResult{
		Records: []RawRecord{poi("Fabrica Coffee Roasters", "great beans"), poi("Hello Kristof", "tiny and calm")},
		Sources: []string{"https://example.com/baixa"},
		Trace:   "searched baixa",
	})
	tool.set("cafes alfama", SearchResult{
		Records: []RawRecord{poi("Copenhagen Coffee Lab", "big tables")},
		Sources: []string{"https://example.com/alfama"},
		Trace:   "searched alfama",
	})

	logger := zap.NewNop()
	o := NewOptimizer(cfg,
		NewPlanBuilder(llm, 3, logger),
		NewStepExecutor(tool, logger),
		newTestConsolidator(t, llm),
		llm, llm, logger, opts...)
	return o, llm, tool
}

func startSession(t *testing.T, o *Optimizer) *Session {
	t.Helper()
	sess := o.NewSession(req)
	require.NoError(t, o.Start(context.Background(), sess))
	return sess
}

func TestStartExecutesBaseline(t *testing.T) {
	o, _, tool := newOptimizerFixture(t, DefaultOptimizerConfig())
	sess := startSession(t, o)

	assert.Equal(t, []string{"Fabrica Coffee Roasters", "Hello Kristof", "Copenhagen Coffee Lab"}, names(sess.State))
	require.Len(t, sess.Rounds, 1)
	base, ok := sess.Baseline()
	require.True(t, ok)
	assert.Equal(t, 0, base.Round)
	assert.Equal(t, 2, base.StepCount)
	assert.Equal(t, 3, base.TotalRecords)
	assert.Equal(t, 3, base.TotalComments)
	assert.True(t, base.Outcome.IsOK())
	assert.Equal(t, 1, tool.callCount("cafes baixa"))

	step, _ := sess.Plan.StepByID("1")
	assert.True(t, step.Executed)
	assert.Len(t, step.ExecutionResult, 2)
	assert.NotEmpty(t, step.Summary)
	assert.Same(t, step, sess.State.StepLog["1"])
}

func TestRunReturnsPlanFailure(t *testing.T) {
	o, llm, _ := newOptimizerFixture(t, DefaultOptimizerConfig())
	llm.plan = func(float64) (string, error) { return "", errors.New("model offline") }

	sess, err := o.Run(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPlanFailed))
	assert.Empty(t, sess.Rounds)
	assert.Nil(t, sess.Plan)
}

func TestRunRecordsEveryRound(t *testing.T) {
	cfg := DefaultOptimizerConfig()
	cfg.MaxRounds = 2
	rec := &captureRecorder{}
	o, _, _ := newOptimizerFixture(t, cfg, WithRecorder(rec))

	sess, err := o.Run(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, sess.Rounds, 3)
	require.Len(t, rec.snaps, 3)
	for i, snap := range rec.snaps {
		assert.Equal(t, sess.ID, snap.SessionID)
		assert.Equal(t, i, snap.Summary.Round)
		assert.Len(t, snap.Records, 3)
		assert.Equal(t, []string{"https://example.com/baixa", "https://example.com/alfama"}, snap.Sources)
	}
}

func TestRecorderErrorDoesNotStopSession(t *testing.T) {
	cfg := DefaultOptimizerConfig()
	cfg.MaxRounds = 1
	rec := &captureRecorder{err: errors.New("database unavailable")}
	o, _, _ := newOptimizerFixture(t, cfg, WithRecorder(rec))

	sess, err := o.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, sess.Rounds, 2)
}

func TestRoundScenarioDOnlyFlaggedStepReruns(t *testing.T) {
	o, llm, tool := newOptimizerFixture(t, DefaultOptimizerConfig())
	llm.diagnose = func(float64) (string, error) {
		return `[{"step_id": "2", "problem": "only one cafe found"}]`, nil
	}
	llm.suggest = func() (string, error) { return `{"suggestion": "include Graca"}`, nil }
	llm.rewrite = func() (string, error) {
		return `{"action_plan": "old town and Graca", "search_request": "cafes alfama graca"}`, nil
	}
	tool.set("cafes alfama graca", SearchResult{
		Records: []RawRecord{poi("Dear Breakfast", "all day brunch")},
		Sources: []string{"https://example.com/graca"},
	})
	sess := startSession(t, o)

	summary := o.RunRound(context.Background(), sess)

	assert.True(t, summary.Outcome.IsOK(), summary.Outcome.String())
	assert.Equal(t, []string{"2"}, summary.Flagged)
	assert.Equal(t, 1, tool.callCount("cafes baixa"), "unflagged step is served from its cache")
	assert.Equal(t, 1, tool.callCount("cafes alfama graca"))
	assert.Equal(t, []string{"Fabrica Coffee Roasters", "Hello Kristof", "Dear Breakfast"}, names(sess.State))
	assert.Equal(t, 1, sess.Ledger.Count("2"))
	assert.False(t, sess.Ledger.Has("1"))

	step, _ := sess.Plan.StepByID("2")
	assert.Equal(t, "cafes alfama graca", step.SearchRequest)
	require.Len(t, step.History, 1)
	assert.Equal(t, RevisionRefine, step.History[0].Kind)
	assert.Equal(t, "cafes alfama", step.History[0].SearchRequest)
	assert.Equal(t, "include Graca", step.History[0].Suggestion)
	assert.Equal(t, "Copenhagen Coffee Lab", step.History[0].Result[0].Name)
}

func TestRoundScenarioCResamplesAtCap(t *testing.T) {
	cfg := DefaultOptimizerConfig()
	cfg.RefinementCap = 1
	o, llm, tool := newOptimizerFixture(t, cfg)
	llm.diagnose = func(float64) (string, error) { return `[{"step_id": 2, "problem": "weak"}]`, nil }
	llm.suggest = func() (string, error) { return `{"suggestion": "be broader"}`, nil }
	llm.rewrite = func() (string, error) {
		return `{"action_plan": "broader", "search_request": "cafes alfama broader"}`, nil
	}
	llm.resample = func(float64) (string, error) {
		return `{"action_plan": "a new angle", "search_request": "cafes with a river view"}`, nil
	}
	sess := startSession(t, o)

	o.RunRound(context.Background(), sess)
	require.Equal(t, 1, sess.Ledger.Count("2"))

	summary := o.RunRound(context.Background(), sess)
	assert.True(t, summary.Outcome.IsOK(), summary.Outcome.String())
	assert.False(t, sess.Ledger.Has("2"), "resampling clears the ledger entry")
	assert.Equal(t, 1, llm.count("resample"))
	assert.InDeltaSlice(t, []float64{0.6}, llm.temperatures("resample"), 1e-9)

	step, _ := sess.Plan.StepByID("2")
	assert.Equal(t, "cafes with a river view", step.SearchRequest)
	assert.Equal(t, 1, tool.callCount("cafes with a river view"))
	require.Len(t, step.History, 2)
	assert.Equal(t, RevisionRefine, step.History[0].Kind)
	assert.Equal(t, RevisionResample, step.History[1].Kind)
	assert.Equal(t, "cafes alfama broader", step.History[1].SearchRequest)
}

func TestRoundRefinementCountNeverExceedsCap(t *testing.T) {
	cfg := DefaultOptimizerConfig()
	cfg.RefinementCap = 2
	o, llm, _ := newOptimizerFixture(t, cfg)
	llm.diagnose = func(float64) (string, error) { return `[{"step_id": "1", "problem": "p"}, {"step_id": "2", "problem": "p"}]`, nil }
	llm.suggest = func() (string, error) { return `{"suggestion": "s"}`, nil }
	rewrites := 0
	llm.rewrite = func() (string, error) {
		rewrites++
		return fmt.Sprintf(`{"action_plan": "a", "search_request": "rewrite %d"}`, rewrites), nil
	}
	resamples := 0
	llm.resample = func(float64) (string, error) {
		resamples++
		return fmt.Sprintf(`{"action_plan": "a", "search_request": "resample %d"}`, resamples), nil
	}
	sess := startSession(t, o)

	for round := 1; round <= 7; round++ {
		summary := o.RunRound(context.Background(), sess)
		assert.Equal(t, round, summary.Round)
		for id, n := range sess.Ledger.Snapshot() {
			assert.LessOrEqual(t, n, cfg.RefinementCap, "step %s after round %d", id, round)
		}
	}
	assert.Equal(t, 4, resamples, "each step is resampled once per cap+1 rounds")
}

func TestRoundWithNoFlaggedStepsPreservesOrder(t *testing.T) {
	o, llm, tool := newOptimizerFixture(t, DefaultOptimizerConfig())
	sess := startSession(t, o)
	before := sess.Records()
	evaluations := llm.count("evaluate")

	summary := o.RunRound(context.Background(), sess)

	assert.True(t, summary.Outcome.IsOK())
	assert.Empty(t, summary.Flagged)
	if diff := cmp.Diff(before, sess.Records()); diff != "" {
		t.Fatalf("records changed (-before +after):\n%s", diff)
	}
	assert.Equal(t, 1, tool.callCount("cafes alfama"))
	assert.Equal(t, evaluations, llm.count("evaluate"), "verdicts come from the session cache")
}

func TestAbandonedRoundKeepsState(t *testing.T) {
	o, llm, _ := newOptimizerFixture(t, DefaultOptimizerConfig())
	sess := startSession(t, o)
	llm.diagnose = func(float64) (string, error) { return "I am not sure what to change.", nil }
	state := sess.State

	summary := o.RunRound(context.Background(), sess)

	assert.Equal(t, StatusFailed, summary.Outcome.Status)
	assert.Equal(t, 3, summary.Outcome.Attempts)
	assert.Contains(t, summary.Outcome.Reason, ErrDiagnosisFailed.Error())
	assert.Same(t, state, sess.State)
	assert.Equal(t, 3, summary.TotalRecords)
	assert.Len(t, sess.Rounds, 2)
	assert.InDeltaSlice(t, []float64{0, 0.2, 0.4}, llm.temperatures("diagnose"), 1e-9)
}

func TestDiagnosisDropsUnknownAndDuplicateSteps(t *testing.T) {
	o, llm, _ := newOptimizerFixture(t, DefaultOptimizerConfig())
	llm.diagnose = func(float64) (string, error) {
		return `[{"step_id": "9", "problem": "x"}, {"step_id": "1", "problem": "a"}, {"step_id": "1", "problem": "b"}]`, nil
	}
	sess := startSession(t, o)

	ds, attempts, err := o.diagnose(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, []Diagnosis{{StepID: "1", Problem: "a"}}, ds)
}

func TestRefinementFailureKeepsCachedStep(t *testing.T) {
	o, llm, tool := newOptimizerFixture(t, DefaultOptimizerConfig())
	llm.diagnose = func(float64) (string, error) { return `[{"step_id": "2", "problem": "weak"}]`, nil }
	llm.suggest = func() (string, error) { return "", errors.New("rate limited") }
	sess := startSession(t, o)

	summary := o.RunRound(context.Background(), sess)

	assert.Equal(t, StatusDegraded, summary.Outcome.Status)
	assert.False(t, sess.Ledger.Has("2"))
	step, _ := sess.Plan.StepByID("2")
	assert.Equal(t, "cafes alfama", step.SearchRequest)
	assert.True(t, step.Executed)
	assert.Empty(t, step.History)
	assert.Equal(t, 1, tool.callCount("cafes alfama"))
	assert.Equal(t, 3, summary.TotalRecords)
}

func TestFailedBaselineStepRunsNextRound(t *testing.T) {
	o, _, tool := newOptimizerFixture(t, DefaultOptimizerConfig())
	tool.fail("cafes alfama", errors.New("search backend timeout"))
	sess := startSession(t, o)

	base, _ := sess.Baseline()
	assert.Equal(t, StatusDegraded, base.Outcome.Status)
	assert.Equal(t, 2, tool.callCount("cafes alfama"), "two attempts per round")
	step, _ := sess.Plan.StepByID("2")
	assert.False(t, step.Executed)
	assert.Equal(t, []string{"Fabrica Coffee Roasters", "Hello Kristof"}, names(sess.State))

	tool.set("cafes alfama", SearchResult{Records: []RawRecord{poi("Copenhagen Coffee Lab", "big tables")}})
	summary := o.RunRound(context.Background(), sess)

	assert.True(t, summary.Outcome.IsOK(), summary.Outcome.String())
	assert.True(t, step.Executed)
	assert.Equal(t, 3, tool.callCount("cafes alfama"))
	assert.Equal(t, 1, tool.callCount("cafes baixa"))
	assert.Equal(t, []string{"Fabrica Coffee Roasters", "Hello Kristof", "Copenhagen Coffee Lab"}, names(sess.State))
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	o, _, _ := newOptimizerFixture(t, DefaultOptimizerConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.Run(ctx, req)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDigestMarksUnexecutedSteps(t *testing.T) {
	plan := &Plan{Steps: []*Step{
		{StepID: "1", SearchRequest: "a", Executed: true, Summary: "ok", ExecutionResult: []Record{{Name: "X", MatchStatus: MatchYes}}},
		{StepID: "2", SearchRequest: "b"},
	}}
	out, err := Digest(plan, NewConsolidatedState())
	require.NoError(t, err)
	assert.Contains(t, out, "execution_log:")
	assert.Contains(t, out, "X, description: , match: yes")
	assert.Contains(t, out, "not executed")
	assert.Contains(t, out, "task_summary: This task executed 0 steps")
}
