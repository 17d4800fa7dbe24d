package core

import "time"

// Metrics receives engine counters. The telemetry package provides the
// Prometheus implementation.
type Metrics interface {
	StepRun(status OutcomeStatus, d time.Duration)
	Evaluation(status MatchStatus, outcome OutcomeStatus)
	Round(status OutcomeStatus, records int)
}

type nopMetrics struct{}

func (nopMetrics) StepRun(OutcomeStatus, time.Duration)  {}
func (nopMetrics) Evaluation(MatchStatus, OutcomeStatus) {}
func (nopMetrics) Round(OutcomeStatus, int)              {}
