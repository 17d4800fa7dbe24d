package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Session is the single owner of all mutable search state. It is only ever
// touched by the goroutine driving the Optimizer.
type Session struct {
	ID        string
	Request   Request
	Plan      *Plan
	State     *ConsolidatedState
	Ledger    *RefinementLedger
	Rounds    []RoundSummary
	StartedAt time.Time

	cache        *EvaluationCache
	consolidator *Consolidator
}

// NewSession starts an empty session for req.
func NewSession(req Request, refinementCap int) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Request:   req,
		State:     NewConsolidatedState(),
		Ledger:    NewRefinementLedger(refinementCap),
		StartedAt: time.Now().UTC(),
		cache:     NewEvaluationCache(),
	}
}

// Records returns copies of the accepted records.
func (s *Session) Records() []Record { return s.State.Records() }

// Baseline returns the round 0 summary.
func (s *Session) Baseline() (RoundSummary, bool) {
	if len(s.Rounds) == 0 {
		return RoundSummary{}, false
	}
	return s.Rounds[0], true
}

// Latest returns the most recent round summary.
func (s *Session) Latest() (RoundSummary, bool) {
	if len(s.Rounds) == 0 {
		return RoundSummary{}, false
	}
	return s.Rounds[len(s.Rounds)-1], true
}

func (s *Session) steps() []*Step {
	if s.Plan == nil {
		return nil
	}
	out := make([]*Step, 0, len(s.Plan.Steps))
	for _, st := range s.Plan.Steps {
		out = append(out, st.Clone())
	}
	return out
}

// TraceWithVerdicts is the step's search trace followed by the verdicts the
// consolidator reached for its records.
func (s *Step) TraceWithVerdicts() string {
	var b strings.Builder
	b.WriteString(s.RawTrace)
	b.WriteString("\nPOI match results:\n")
	for _, r := range s.ExecutionResult {
		fmt.Fprintf(&b, "- %s, match: %s", r.Name, r.MatchStatus)
		if r.MatchReason != "" {
			fmt.Fprintf(&b, ", reason: %s", r.MatchReason)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
