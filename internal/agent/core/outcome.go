package core

import "fmt"

var (
	ErrPlanFailed        = fmt.Errorf("plan construction failed")
	ErrMalformedResponse = fmt.Errorf("malformed model response")
	ErrStepFailed        = fmt.Errorf("step execution failed")
	ErrDiagnosisFailed   = fmt.Errorf("diagnosis failed")
)

// OutcomeStatus classifies how an operation ended.
type OutcomeStatus string

const (
	StatusOK       OutcomeStatus = "ok"
	StatusDegraded OutcomeStatus = "degraded"
	StatusFailed   OutcomeStatus = "failed"
)

// Outcome makes retries and degradations visible to callers instead of
// hiding them behind a recovered error.
type Outcome struct {
	Status   OutcomeStatus `json:"status" yaml:"status"`
	Reason   string        `json:"reason,omitempty" yaml:"reason,omitempty"`
	Attempts int           `json:"attempts,omitempty" yaml:"attempts,omitempty"`
}

func OK(attempts int) Outcome { return Outcome{Status: StatusOK, Attempts: attempts} }

func Degraded(attempts int, reason string) Outcome {
	return Outcome{Status: StatusDegraded, Reason: reason, Attempts: attempts}
}

func Failed(attempts int, reason string) Outcome {
	return Outcome{Status: StatusFailed, Reason: reason, Attempts: attempts}
}

func (o Outcome) IsOK() bool { return o.Status == StatusOK }

func (o Outcome) String() string {
	if o.Reason == "" {
		return string(o.Status)
	}
	return fmt.Sprintf("%s(%s)", o.Status, o.Reason)
}
