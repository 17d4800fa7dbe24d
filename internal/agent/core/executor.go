package core

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var executorTracer trace.Tracer = otel.Tracer("poiscout/internal/agent/executor")

// StepJob is the value a pool worker needs to run one step.
type StepJob struct {
	StepID        string
	SearchRequest string
}

// StepRun is the pure result of running one step.
type StepRun struct {
	StepID   string
	Batch    Batch
	Outcome  Outcome
	Duration time.Duration
}

// StepExecutor runs plan steps through the search tool.
type StepExecutor struct {
	tool     SearchTool
	logger   *zap.Logger
	metrics  Metrics
	rubric   string
	workers  int
	attempts int
}

// ExecutorOption configures a StepExecutor.
type ExecutorOption func(*StepExecutor)

// WithExecutorWorkers bounds the number of concurrent tool calls.
func WithExecutorWorkers(n int) ExecutorOption {
	return func(e *StepExecutor) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithExecutorAttempts sets how many times a failed step is tried per round.
func WithExecutorAttempts(n int) ExecutorOption {
	return func(e *StepExecutor) {
		if n > 0 {
			e.attempts = n
		}
	}
}

// WithExecutorMetrics attaches a metrics sink.
func WithExecutorMetrics(m Metrics) ExecutorOption {
	return func(e *StepExecutor) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithRubric replaces the advice passed to the search tool.
func WithRubric(rubric string) ExecutorOption {
	return func(e *StepExecutor) { e.rubric = rubric }
}

func NewStepExecutor(tool SearchTool, logger *zap.Logger, opts ...ExecutorOption) *StepExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &StepExecutor{
		tool:     tool,
		logger:   logger.Named("executor"),
		metrics:  nopMetrics{},
		rubric:   ExecutionRubric,
		workers:  5,
		attempts: 2,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute makes exactly one search tool call. It does not retry.
func (e *StepExecutor) Execute(ctx context.Context, searchRequest, rubric string) (Batch, error) {
	ctx, span := executorTracer.Start(ctx, "executor.step",
		trace.WithAttributes(attribute.String("search_request", searchRequest)))
	defer span.End()

	res, err := e.tool.Run(ctx, searchRequest, rubric)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Batch{}, fmt.Errorf("%w: %w", ErrStepFailed, err)
	}
	span.SetAttributes(
		attribute.Int("records", len(res.Records)),
		attribute.Int("sources", len(res.Sources)),
	)
	return Batch{Records: res.Records, Sources: res.Sources, Trace: res.Trace}, nil
}

// ExecuteAll runs the jobs on a bounded pool and returns one run per job in
// job order. Failures are reported in the run's Outcome, never returned.
func (e *StepExecutor) ExecuteAll(ctx context.Context, jobs []StepJob) []StepRun {
	runs := make([]StepRun, len(jobs))
	var g errgroup.Group
	g.SetLimit(e.workers)
	for i, job := range jobs {
		g.Go(func() error {
			runs[i] = e.run(ctx, job)
			return nil
		})
	}
	_ = g.Wait()
	return runs
}

func (e *StepExecutor) run(ctx context.Context, job StepJob) StepRun {
	start := time.Now()
	run := StepRun{StepID: job.StepID}
	var lastErr error
	for attempt := 1; attempt <= e.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			run.Outcome = Failed(attempt-1, err.Error())
			break
		}
		batch, err := e.Execute(ctx, job.SearchRequest, e.rubric)
		if err == nil {
			run.Batch = batch
			run.Outcome = OK(attempt)
			lastErr = nil
			break
		}
		lastErr = err
		run.Outcome = Failed(attempt, err.Error())
		e.logger.Warn("step attempt failed",
			zap.String("step_id", job.StepID),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	run.Duration = time.Since(start)
	if lastErr != nil {
		e.logger.Error("step produced no result", zap.String("step_id", job.StepID), zap.Error(lastErr))
	}
	e.metrics.StepRun(run.Outcome.Status, run.Duration)
	return run
}
