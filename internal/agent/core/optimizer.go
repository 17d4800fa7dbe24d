package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var optimizerTracer trace.Tracer = otel.Tracer("poiscout/internal/agent/optimizer")

// OptimizerConfig bounds the optimization loop.
type OptimizerConfig struct {
	MaxRounds           int
	StepsPerRound       int
	RefinementCap       int
	ParseAttempts       int
	PlanTemperature     float64
	ResampleTemperature float64
	CacheEvaluations    bool
}

// DefaultOptimizerConfig mirrors the configuration defaults.
func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		MaxRounds:           5,
		StepsPerRound:       2,
		RefinementCap:       DefaultRefinementCap,
		ParseAttempts:       3,
		PlanTemperature:     0,
		ResampleTemperature: 0.6,
		CacheEvaluations:    true,
	}
}

func (c OptimizerConfig) normalize() OptimizerConfig {
	d := DefaultOptimizerConfig()
	if c.MaxRounds < 0 {
		c.MaxRounds = 0
	}
	if c.StepsPerRound <= 0 {
		c.StepsPerRound = d.StepsPerRound
	}
	if c.RefinementCap <= 0 {
		c.RefinementCap = d.RefinementCap
	}
	if c.ParseAttempts <= 0 {
		c.ParseAttempts = d.ParseAttempts
	}
	if c.ResampleTemperature <= 0 {
		c.ResampleTemperature = d.ResampleTemperature
	}
	return c
}

// Diagnosis names one under-performing step.
type Diagnosis struct {
	StepID  string `json:"step_id" yaml:"step_id"`
	Problem string `json:"problem" yaml:"problem"`
}

// Optimizer drives plan, baseline execution and the improvement rounds.
type Optimizer struct {
	cfg          OptimizerConfig
	planner      *PlanBuilder
	executor     *StepExecutor
	consolidator *Consolidator
	reasoner     LanguageModel
	writer       LanguageModel
	recorder     Recorder
	metrics      Metrics
	logger       *zap.Logger
}

// OptimizerOption configures an Optimizer.
type OptimizerOption func(*Optimizer)

// WithRecorder receives a snapshot after every round.
func WithRecorder(r Recorder) OptimizerOption {
	return func(o *Optimizer) { o.recorder = r }
}

// WithOptimizerMetrics attaches a metrics sink.
func WithOptimizerMetrics(m Metrics) OptimizerOption {
	return func(o *Optimizer) {
		if m != nil {
			o.metrics = m
		}
	}
}

// NewOptimizer wires the loop. reasoner answers diagnosis and refinement
// questions, writer rewrites and resamples steps.
func NewOptimizer(cfg OptimizerConfig, planner *PlanBuilder, executor *StepExecutor, consolidator *Consolidator,
	reasoner, writer LanguageModel, logger *zap.Logger, opts ...OptimizerOption) *Optimizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Optimizer{
		cfg:          cfg.normalize(),
		planner:      planner,
		executor:     executor,
		consolidator: consolidator,
		reasoner:     reasoner,
		writer:       writer,
		metrics:      nopMetrics{},
		logger:       logger.Named("optimizer"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// NewSession creates a session bound to this optimizer's consolidator.
func (o *Optimizer) NewSession(req Request) *Session {
	sess := NewSession(req, o.cfg.RefinementCap)
	o.bind(sess)
	return sess
}

func (o *Optimizer) bind(sess *Session) {
	if sess.consolidator != nil {
		return
	}
	var cache *EvaluationCache
	if o.cfg.CacheEvaluations {
		cache = sess.cache
	}
	sess.consolidator = o.consolidator.withCache(cache)
}

// Run plans, executes the baseline and then runs up to MaxRounds rounds.
// Only a failed plan ends the session early. The session is returned even
// when an error is, holding the state of the last completed round.
func (o *Optimizer) Run(ctx context.Context, req Request) (*Session, error) {
	sess := o.NewSession(req)
	return sess, o.RunSession(ctx, sess)
}

// RunSession is Run for a session the caller created, e.g. to choose its id.
func (o *Optimizer) RunSession(ctx context.Context, sess *Session) error {
	if err := o.Start(ctx, sess); err != nil {
		return err
	}
	for round := 1; round <= o.cfg.MaxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		o.RunRound(ctx, sess)
	}
	if s, ok := sess.Latest(); ok {
		o.logger.Info("session finished",
			zap.String("session_id", sess.ID),
			zap.Int("rounds", len(sess.Rounds)),
			zap.Int("records", s.TotalRecords),
			zap.Int("comments", s.TotalComments))
	}
	return ctx.Err()
}

// Start builds the plan unless the session already has one, then executes
// every step and records round 0.
func (o *Optimizer) Start(ctx context.Context, sess *Session) error {
	o.bind(sess)
	ctx, span := optimizerTracer.Start(ctx, "optimizer.baseline",
		trace.WithAttributes(attribute.String("session_id", sess.ID)))
	defer span.End()

	if sess.Plan == nil {
		temp := o.cfg.PlanTemperature
		if sess.Request.Advice != "" {
			temp += 0.1
		}
		plan, err := o.planner.BuildWithRetry(ctx, sess.Request, sess.Request.Advice, temp)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "plan failed")
			return err
		}
		sess.Plan = plan
	}

	runs := o.executor.ExecuteAll(ctx, jobsFor(sess.Plan.Steps))
	failed := applyRuns(sess.Plan, runs)

	outcome := OK(1)
	if failed > 0 {
		outcome = Degraded(1, fmt.Sprintf("%d of %d steps returned no result", failed, len(sess.Plan.Steps)))
	}
	if err := o.reconsolidate(ctx, sess); err != nil {
		return err
	}
	o.finishRound(ctx, sess, outcome, nil)
	return nil
}

// RunRound performs one diagnose, revise, re-execute and re-consolidate
// cycle. It never fails; an abandoned round is recorded with a failed outcome
// and leaves the state untouched.
func (o *Optimizer) RunRound(ctx context.Context, sess *Session) RoundSummary {
	o.bind(sess)
	round := len(sess.Rounds)
	ctx, span := optimizerTracer.Start(ctx, "optimizer.round",
		trace.WithAttributes(attribute.String("session_id", sess.ID), attribute.Int("round", round)))
	defer span.End()

	diagnoses, attempts, err := o.diagnose(ctx, sess)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "round abandoned")
		o.logger.Error("round abandoned", zap.Int("round", round), zap.Int("attempts", attempts), zap.Error(err))
		return o.finishRound(ctx, sess, Failed(attempts, err.Error()), nil)
	}

	var problems []string
	revised := map[string]bool{}
	var flagged []string
	for _, d := range diagnoses {
		flagged = append(flagged, d.StepID)
		if err := o.revise(ctx, sess, round, d); err != nil {
			problems = append(problems, fmt.Sprintf("step %s: %v", d.StepID, err))
			o.logger.Warn("step revision degraded, keeping cached result",
				zap.String("step_id", d.StepID), zap.Error(err))
			continue
		}
		revised[d.StepID] = true
	}

	var jobs []StepJob
	for _, s := range sess.Plan.Steps {
		if revised[s.StepID] || !s.Executed {
			jobs = append(jobs, StepJob{StepID: s.StepID, SearchRequest: s.SearchRequest})
		}
	}
	span.SetAttributes(attribute.Int("flagged", len(diagnoses)), attribute.Int("reexecuted", len(jobs)))
	if failed := applyRuns(sess.Plan, o.executor.ExecuteAll(ctx, jobs)); failed > 0 {
		problems = append(problems, fmt.Sprintf("%d steps returned no result", failed))
	}

	if err := o.reconsolidate(ctx, sess); err != nil {
		span.RecordError(err)
		return o.finishRound(ctx, sess, Failed(attempts, err.Error()), flagged)
	}
	outcome := OK(attempts)
	if len(problems) > 0 {
		outcome = Degraded(attempts, strings.Join(problems, "; "))
	}
	return o.finishRound(ctx, sess, outcome, flagged)
}

// revise refines or resamples one flagged step in place.
func (o *Optimizer) revise(ctx context.Context, sess *Session, round int, d Diagnosis) error {
	step, ok := sess.Plan.StepByID(d.StepID)
	if !ok {
		return fmt.Errorf("unknown step %q", d.StepID)
	}
	if sess.Ledger.CanRefine(step.StepID) {
		suggestion, next, err := o.refine(ctx, sess, step, d.Problem)
		if err != nil {
			return err
		}
		if err := sess.Ledger.Increment(step.StepID); err != nil {
			return err
		}
		step.archive(round, RevisionRefine, d.Problem, suggestion)
		o.replaceStep(step, next)
		o.logger.Info("step refined",
			zap.String("step_id", step.StepID),
			zap.Int("refinements", sess.Ledger.Count(step.StepID)),
			zap.String("search_request", step.SearchRequest))
		return nil
	}

	next, err := o.resample(ctx, sess, step)
	if err != nil {
		return err
	}
	step.archive(round, RevisionResample, d.Problem, "")
	o.replaceStep(step, next)
	sess.Ledger.Remove(step.StepID)
	o.logger.Info("step resampled",
		zap.String("step_id", step.StepID),
		zap.String("search_request", step.SearchRequest))
	return nil
}

func (o *Optimizer) replaceStep(step *Step, next stepPayload) {
	step.ActionPlan = strings.TrimSpace(next.ActionPlan)
	step.SearchRequest = strings.TrimSpace(next.SearchRequest)
	step.clearExecution()
}

func (o *Optimizer) diagnose(ctx context.Context, sess *Session) ([]Diagnosis, int, error) {
	digest, err := Digest(sess.Plan, sess.State)
	if err != nil {
		return nil, 0, err
	}
	prompt := diagnosisPrompt(sess.Request.Topic, digest, DiagnosisRubric, o.cfg.StepsPerRound)

	var out []Diagnosis
	attempts, err := o.ask(ctx, o.reasoner, prompt, func(attempt int) float64 { return float64(attempt) * 0.2 },
		func(text string) error {
			ds, err := parseDiagnoses(text, sess.Plan, o.cfg.StepsPerRound, o.logger)
			out = ds
			return err
		})
	if err != nil {
		return nil, attempts, fmt.Errorf("%w: %w", ErrDiagnosisFailed, err)
	}
	return out, attempts, nil
}

func (o *Optimizer) refine(ctx context.Context, sess *Session, step *Step, problem string) (string, stepPayload, error) {
	var suggestion string
	_, err := o.ask(ctx, o.reasoner, refinePrompt(step.TraceWithVerdicts(), problem, step), fixedTemperature(0),
		func(text string) error {
			var payload struct {
				Suggestion string `json:"suggestion"`
			}
			if err := decodeJSON(text, '{', &payload); err != nil {
				return err
			}
			if strings.TrimSpace(payload.Suggestion) == "" {
				return fmt.Errorf("%w: empty suggestion", ErrMalformedResponse)
			}
			suggestion = strings.TrimSpace(payload.Suggestion)
			return nil
		})
	if err != nil {
		return "", stepPayload{}, fmt.Errorf("refinement suggestion: %w", err)
	}

	var next stepPayload
	_, err = o.ask(ctx, o.writer, rewritePrompt(sess.Request.Topic, step, problem, suggestion), fixedTemperature(0),
		func(text string) error { return decodeStep(text, &next) })
	if err != nil {
		return "", stepPayload{}, fmt.Errorf("step rewrite: %w", err)
	}
	return suggestion, next, nil
}

func (o *Optimizer) resample(ctx context.Context, sess *Session, step *Step) (stepPayload, error) {
	var next stepPayload
	_, err := o.ask(ctx, o.writer, resamplePrompt(sess.Request.Topic, sess.Plan), fixedTemperature(o.cfg.ResampleTemperature),
		func(text string) error {
			if err := decodeStep(text, &next); err != nil {
				return err
			}
			if strings.EqualFold(strings.TrimSpace(next.SearchRequest), step.SearchRequest) {
				return fmt.Errorf("%w: resampled step repeats the previous request", ErrMalformedResponse)
			}
			return nil
		})
	if err != nil {
		return stepPayload{}, fmt.Errorf("resample: %w", err)
	}
	return next, nil
}

// ask calls llm until accept returns nil or the attempts run out.
func (o *Optimizer) ask(ctx context.Context, llm LanguageModel, prompt string, temperature func(int) float64, accept func(string) error) (int, error) {
	var lastErr error
	for attempt := 0; attempt < o.cfg.ParseAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt, err
		}
		text, err := llm.Complete(ctx, prompt, temperature(attempt))
		if err == nil {
			if err = accept(text); err == nil {
				return attempt + 1, nil
			}
		}
		lastErr = err
		o.logger.Debug("model answer rejected", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return o.cfg.ParseAttempts, lastErr
}

func fixedTemperature(t float64) func(int) float64 {
	return func(int) float64 { return t }
}

func decodeStep(text string, out *stepPayload) error {
	if err := decodeJSON(text, '{', out); err != nil {
		return err
	}
	if strings.TrimSpace(out.SearchRequest) == "" {
		return fmt.Errorf("%w: step has no search_request", ErrMalformedResponse)
	}
	return nil
}

func parseDiagnoses(text string, plan *Plan, limit int, logger *zap.Logger) ([]Diagnosis, error) {
	var raw []struct {
		StepID  flexString `json:"step_id"`
		Problem string     `json:"problem"`
	}
	if err := decodeJSON(text, '[', &raw); err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	out := make([]Diagnosis, 0, len(raw))
	for _, d := range raw {
		id := string(d.StepID)
		if _, ok := plan.StepByID(id); !ok {
			logger.Warn("diagnosis names unknown step", zap.String("step_id", id))
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, Diagnosis{StepID: id, Problem: strings.TrimSpace(d.Problem)})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// reconsolidate replays every executed step in plan order into a fresh
// state and swaps it in only when the replay completed.
func (o *Optimizer) reconsolidate(ctx context.Context, sess *Session) error {
	state := NewConsolidatedState()
	state.StepLog = sess.State.StepLog
	results := make(map[string]MergeResult, len(sess.Plan.Steps))
	for _, step := range sess.Plan.Steps {
		if !step.Executed {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		results[step.StepID] = sess.consolidator.Merge(ctx, state, sess.Request, Batch{
			Records: step.RawBatch,
			Sources: step.SourcesUsed,
			Trace:   step.RawTrace,
		})
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, step := range sess.Plan.Steps {
		res, ok := results[step.StepID]
		if !ok {
			continue
		}
		step.Summary = res.Summary
		step.ExecutionResult = res.Records
		state.StepLog[step.StepID] = step
	}
	sess.State = state
	return nil
}

func (o *Optimizer) finishRound(ctx context.Context, sess *Session, outcome Outcome, flagged []string) RoundSummary {
	summary := summarize(len(sess.Rounds), sess.State)
	summary.Outcome = outcome
	summary.Flagged = flagged
	summary.CompletedAt = time.Now().UTC()
	sess.Rounds = append(sess.Rounds, summary)
	o.metrics.Round(outcome.Status, summary.TotalRecords)
	o.logger.Info("round finished",
		zap.String("session_id", sess.ID),
		zap.Int("round", summary.Round),
		zap.String("outcome", outcome.String()),
		zap.Strings("flagged", flagged),
		zap.Int("records", summary.TotalRecords),
		zap.Int("comments", summary.TotalComments))

	if o.recorder != nil {
		snap := RoundSnapshot{
			SessionID: sess.ID,
			Topic:     sess.Request.Topic,
			Summary:   summary,
			Steps:     sess.steps(),
			Records:   sess.Records(),
			Sources:   sess.State.Sources(),
		}
		if err := o.recorder.RecordRound(context.WithoutCancel(ctx), snap); err != nil {
			o.logger.Warn("failed to record round", zap.Int("round", summary.Round), zap.Error(err))
		}
	}
	return summary
}

func jobsFor(steps []*Step) []StepJob {
	jobs := make([]StepJob, 0, len(steps))
	for _, s := range steps {
		jobs = append(jobs, StepJob{StepID: s.StepID, SearchRequest: s.SearchRequest})
	}
	return jobs
}

// applyRuns stores successful batches on their steps and returns how many
// runs failed.
func applyRuns(plan *Plan, runs []StepRun) int {
	failed := 0
	for _, run := range runs {
		step, ok := plan.StepByID(run.StepID)
		if !ok {
			continue
		}
		if !run.Outcome.IsOK() {
			step.clearExecution()
			failed++
			continue
		}
		step.Executed = true
		step.RawBatch = run.Batch.Records
		step.SourcesUsed = run.Batch.Sources
		step.RawTrace = run.Batch.Trace
		step.Summary = ""
		step.ExecutionResult = nil
	}
	return failed
}
