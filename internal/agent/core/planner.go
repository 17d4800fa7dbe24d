package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var plannerTracer trace.Tracer = otel.Tracer("poiscout/internal/agent/planner")

// PlanBuilder turns a request into an ordered plan of search steps.
type PlanBuilder struct {
	llm      LanguageModel
	logger   *zap.Logger
	attempts int
}

func NewPlanBuilder(llm LanguageModel, attempts int, logger *zap.Logger) *PlanBuilder {
	if attempts <= 0 {
		attempts = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PlanBuilder{llm: llm, attempts: attempts, logger: logger.Named("planner")}
}

// Build makes a single attempt. Step ids come from the model response.
func (p *PlanBuilder) Build(ctx context.Context, req Request, advice string, temperature float64) (*Plan, error) {
	ctx, span := plannerTracer.Start(ctx, "planner.build",
		trace.WithAttributes(
			attribute.Bool("advice", advice != ""),
			attribute.Float64("temperature", temperature),
		))
	defer span.End()

	text, err := p.llm.Complete(ctx, planPrompt(req, advice), temperature)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		return nil, fmt.Errorf("failed to generate plan: %w", err)
	}
	plan, err := ParsePlan(text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "parse failed")
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}
	span.SetAttributes(attribute.Int("steps", len(plan.Steps)))
	return plan, nil
}

// BuildWithRetry retries Build with a slightly warmer temperature each time
// and wraps the last cause in ErrPlanFailed.
func (p *PlanBuilder) BuildWithRetry(ctx context.Context, req Request, advice string, temperature float64) (*Plan, error) {
	var lastErr error
	for attempt := 0; attempt < p.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		plan, err := p.Build(ctx, req, advice, temperature+0.1*float64(attempt))
		if err == nil {
			p.logger.Info("plan built", zap.Int("steps", len(plan.Steps)), zap.Int("attempt", attempt+1))
			return plan, nil
		}
		lastErr = err
		p.logger.Warn("plan attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrPlanFailed, p.attempts, lastErr)
}

type stepPayload struct {
	StepID        flexString `json:"step_id"`
	ActionPlan    string     `json:"action_plan"`
	SearchRequest string     `json:"search_request"`
}

// ParsePlan reads a plan from model output. Both a bare array and an object
// with a "steps" array are accepted.
func ParsePlan(text string) (*Plan, error) {
	var steps []stepPayload
	err := decodeJSON(text, '[', &steps)
	if err != nil {
		var wrapped struct {
			Steps []stepPayload `json:"steps"`
		}
		if werr := decodeJSON(text, '{', &wrapped); werr != nil || len(wrapped.Steps) == 0 {
			return nil, err
		}
		steps = wrapped.Steps
	}
	plan := &Plan{Steps: make([]*Step, 0, len(steps))}
	for _, s := range steps {
		plan.Steps = append(plan.Steps, &Step{
			StepID:        string(s.StepID),
			ActionPlan:    strings.TrimSpace(s.ActionPlan),
			SearchRequest: strings.TrimSpace(s.SearchRequest),
		})
	}
	if err := ValidatePlan(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// ValidatePlan checks that the plan is non-empty, ids are unique and every
// step has a search request.
func ValidatePlan(plan *Plan) error {
	if plan == nil || len(plan.Steps) == 0 {
		return fmt.Errorf("%w: plan has no steps", ErrMalformedResponse)
	}
	seen := make(map[string]struct{}, len(plan.Steps))
	var errs []error
	for i, s := range plan.Steps {
		if s.StepID == "" {
			errs = append(errs, fmt.Errorf("step %d has no step_id", i))
			continue
		}
		if _, dup := seen[s.StepID]; dup {
			errs = append(errs, fmt.Errorf("duplicate step_id %q", s.StepID))
		}
		seen[s.StepID] = struct{}{}
		if s.SearchRequest == "" {
			errs = append(errs, fmt.Errorf("step %q has no search_request", s.StepID))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrMalformedResponse, errors.Join(errs...))
	}
	return nil
}
