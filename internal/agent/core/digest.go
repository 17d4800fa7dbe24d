package core

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

type digestStep struct {
	StepID        string   `yaml:"step_id"`
	ActionPlan    string   `yaml:"action_plan"`
	SearchRequest string   `yaml:"search_request"`
	POIs          []string `yaml:"pois,omitempty"`
	Summary       string   `yaml:"summary"`
}

type digest struct {
	ExecutionLog []digestStep `yaml:"execution_log"`
	TaskSummary  string       `yaml:"task_summary"`
}

// Digest renders the execution log the diagnosis prompt reads.
func Digest(plan *Plan, state *ConsolidatedState) (string, error) {
	d := digest{}
	for _, s := range plan.Steps {
		ds := digestStep{
			StepID:        s.StepID,
			ActionPlan:    s.ActionPlan,
			SearchRequest: s.SearchRequest,
			Summary:       s.Summary,
		}
		if !s.Executed {
			ds.Summary = "not executed: the search tool returned no result"
		}
		for _, r := range s.ExecutionResult {
			ds.POIs = append(ds.POIs, fmt.Sprintf("%s, description: %s, match: %s", r.Name, r.Description, r.MatchStatus))
		}
		d.ExecutionLog = append(d.ExecutionLog, ds)
	}
	d.TaskSummary = summarize(0, state).Sentence()
	out, err := yaml.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to render digest: %w", err)
	}
	return string(out), nil
}

func summarize(round int, state *ConsolidatedState) RoundSummary {
	return RoundSummary{
		Round:         round,
		StepCount:     len(state.StepLog),
		TotalRecords:  len(state.FinalRecords),
		TotalComments: state.TotalComments(),
	}
}
