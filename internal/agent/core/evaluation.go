package core

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// EvaluationFailedReason is the reason recorded when no usable verdict could be obtained.
const EvaluationFailedReason = "evaluation failed: the language model returned no usable answer, treated as uncertain"

// Evaluation is the verdict for one candidate.
type Evaluation struct {
	Status  MatchStatus `json:"match"`
	Reason  string      `json:"reason"`
	Outcome Outcome     `json:"-"`
}

// Evaluator asks the language model whether a record matches the request.
type Evaluator struct {
	llm      LanguageModel
	attempts int
	logger   *zap.Logger
}

func NewEvaluator(llm LanguageModel, attempts int, logger *zap.Logger) *Evaluator {
	if attempts <= 0 {
		attempts = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{llm: llm, attempts: attempts, logger: logger}
}

// Evaluate never fails: after the bounded retries it degrades to uncertain.
func (e *Evaluator) Evaluate(ctx context.Context, req Request, rec Record) Evaluation {
	prompt := evaluationPrompt(req, rec)
	var lastErr error
	for attempt := 1; attempt <= e.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		text, err := e.llm.Complete(ctx, prompt, 0)
		if err == nil {
			var ev Evaluation
			if ev, err = parseEvaluation(text); err == nil {
				ev.Outcome = OK(attempt)
				return ev
			}
		}
		lastErr = err
		e.logger.Debug("evaluation attempt failed",
			zap.String("poi", rec.Name), zap.Int("attempt", attempt), zap.Error(err))
	}
	e.logger.Warn("evaluation degraded to uncertain", zap.String("poi", rec.Name), zap.Error(lastErr))
	return Evaluation{
		Status:  MatchUncertain,
		Reason:  EvaluationFailedReason,
		Outcome: Degraded(e.attempts, fmt.Sprint(lastErr)),
	}
}

func parseEvaluation(text string) (Evaluation, error) {
	var payload struct {
		Match  any    `json:"match"`
		Reason string `json:"reason"`
	}
	if err := decodeJSON(text, '{', &payload); err != nil {
		return Evaluation{}, err
	}
	status, ok := parseMatch(payload.Match)
	if !ok {
		return Evaluation{}, fmt.Errorf("%w: match value %v", ErrMalformedResponse, payload.Match)
	}
	return Evaluation{Status: status, Reason: strings.TrimSpace(payload.Reason)}, nil
}

func parseMatch(v any) (MatchStatus, bool) {
	switch t := v.(type) {
	case bool:
		if t {
			return MatchYes, true
		}
		return MatchNo, true
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "yes", "true", "match":
			return MatchYes, true
		case "no", "false":
			return MatchNo, true
		case "uncertain", "unsure", "unknown", "maybe":
			return MatchUncertain, true
		}
	}
	return "", false
}

// EvaluationCache remembers verdicts for the lifetime of a session, keyed by
// everything the evaluation prompt shows of a record. It is not safe for
// concurrent use; only the goroutine running the merge touches it.
type EvaluationCache struct {
	entries map[string]Evaluation
}

func NewEvaluationCache() *EvaluationCache {
	return &EvaluationCache{entries: map[string]Evaluation{}}
}

func (c *EvaluationCache) get(key string) (Evaluation, bool) {
	if c == nil {
		return Evaluation{}, false
	}
	ev, ok := c.entries[key]
	return ev, ok
}

func (c *EvaluationCache) put(key string, ev Evaluation) {
	if c == nil || !ev.Outcome.IsOK() {
		return
	}
	c.entries[key] = ev
}

// Len reports the number of cached verdicts.
func (c *EvaluationCache) Len() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}

func evaluationKey(policy NamePolicy, rec Record) string {
	parts := []string{policy.Fold(rec.Name), strings.TrimSpace(rec.Description)}
	for _, comments := range [][]string{rec.PositiveComments, rec.NegativeComments} {
		if len(comments) > maxPromptComments {
			comments = comments[:maxPromptComments]
		}
		parts = append(parts, strings.Join(comments, "\x1f"))
	}
	return strings.Join(parts, "\x00")
}
