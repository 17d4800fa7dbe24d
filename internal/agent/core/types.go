package core

import (
	"context"
	"fmt"
	"slices"
	"time"
)

// LanguageModel is the text completion port shared by every component.
type LanguageModel interface {
	Complete(ctx context.Context, prompt string, temperature float64) (string, error)
}

// SearchTool turns one search request into raw records, source ids and a trace.
type SearchTool interface {
	Run(ctx context.Context, query, advice string) (SearchResult, error)
}

// Recorder receives a snapshot after every completed or abandoned round.
type Recorder interface {
	RecordRound(ctx context.Context, snap RoundSnapshot) error
}

// SearchResult is what the search tool hands back for one query.
type SearchResult struct {
	Records []RawRecord `json:"records"`
	Sources []string    `json:"sources"`
	Trace   string      `json:"trace"`
}

// RawRecord is a loosely typed record as produced by the search tool.
type RawRecord map[string]any

// MatchStatus is the relevance verdict of a record.
type MatchStatus string

const (
	MatchYes       MatchStatus = "yes"
	MatchNo        MatchStatus = "no"
	MatchUncertain MatchStatus = "uncertain"
)

// Record is a consolidated point of interest.
type Record struct {
	Name             string      `json:"name" yaml:"name"`
	Description      string      `json:"description" yaml:"description"`
	PositiveComments []string    `json:"positive_comments" yaml:"positive_comments"`
	NegativeComments []string    `json:"negative_comments" yaml:"negative_comments"`
	MatchStatus      MatchStatus `json:"match_status,omitempty" yaml:"match_status,omitempty"`
	MatchReason      string      `json:"match_reason,omitempty" yaml:"match_reason,omitempty"`
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	r.PositiveComments = slices.Clone(r.PositiveComments)
	r.NegativeComments = slices.Clone(r.NegativeComments)
	return r
}

// Equal reports value equality of all fields.
func (r Record) Equal(o Record) bool {
	return r.Name == o.Name &&
		r.Description == o.Description &&
		r.MatchStatus == o.MatchStatus &&
		r.MatchReason == o.MatchReason &&
		slices.Equal(r.PositiveComments, o.PositiveComments) &&
		slices.Equal(r.NegativeComments, o.NegativeComments)
}

// CommentCount is the number of positive and negative comments.
func (r Record) CommentCount() int {
	return len(r.PositiveComments) + len(r.NegativeComments)
}

// Step is one search sub-task of a plan. The executed fields are the
// cache entry for the step and survive across rounds until the step changes.
type Step struct {
	StepID        string `json:"step_id" yaml:"step_id"`
	ActionPlan    string `json:"action_plan" yaml:"action_plan"`
	SearchRequest string `json:"search_request" yaml:"search_request"`

	Executed        bool        `json:"executed" yaml:"executed"`
	Summary         string      `json:"summary,omitempty" yaml:"summary,omitempty"`
	ExecutionResult []Record    `json:"execution_result,omitempty" yaml:"execution_result,omitempty"`
	RawTrace        string      `json:"raw_trace,omitempty" yaml:"raw_trace,omitempty"`
	SourcesUsed     []string    `json:"sources_used,omitempty" yaml:"sources_used,omitempty"`
	RawBatch        []RawRecord `json:"raw_batch,omitempty" yaml:"-"`

	History []StepRevision `json:"history,omitempty" yaml:"history,omitempty"`
}

// StepRevision is a prior version of a step kept for audit after a refine or resample.
type StepRevision struct {
	Round         int      `json:"round" yaml:"round"`
	Kind          string   `json:"kind" yaml:"kind"`
	Problem       string   `json:"problem,omitempty" yaml:"problem,omitempty"`
	Suggestion    string   `json:"suggestion,omitempty" yaml:"suggestion,omitempty"`
	ActionPlan    string   `json:"action_plan" yaml:"action_plan"`
	SearchRequest string   `json:"search_request" yaml:"search_request"`
	Summary       string   `json:"summary,omitempty" yaml:"summary,omitempty"`
	RawTrace      string   `json:"raw_trace,omitempty" yaml:"-"`
	Result        []Record `json:"execution_result,omitempty" yaml:"execution_result,omitempty"`
}

const (
	RevisionRefine   = "refine"
	RevisionResample = "resample"
)

// Clone returns a deep copy of the step.
func (s *Step) Clone() *Step {
	if s == nil {
		return nil
	}
	c := *s
	c.ExecutionResult = cloneRecords(s.ExecutionResult)
	c.SourcesUsed = slices.Clone(s.SourcesUsed)
	c.RawBatch = slices.Clone(s.RawBatch)
	c.History = slices.Clone(s.History)
	return &c
}

func (s *Step) archive(round int, kind, problem, suggestion string) {
	s.History = append(s.History, StepRevision{
		Round:         round,
		Kind:          kind,
		Problem:       problem,
		Suggestion:    suggestion,
		ActionPlan:    s.ActionPlan,
		SearchRequest: s.SearchRequest,
		Summary:       s.Summary,
		RawTrace:      s.RawTrace,
		Result:        cloneRecords(s.ExecutionResult),
	})
}

func (s *Step) clearExecution() {
	s.Executed = false
	s.Summary = ""
	s.ExecutionResult = nil
	s.RawTrace = ""
	s.SourcesUsed = nil
	s.RawBatch = nil
}

// Plan is the ordered list of steps for one topic.
type Plan struct {
	Steps []*Step `json:"steps" yaml:"steps"`
}

// StepByID returns the step with the given id.
func (p *Plan) StepByID(id string) (*Step, bool) {
	for _, s := range p.Steps {
		if s.StepID == id {
			return s, true
		}
	}
	return nil, false
}

// IDs returns the step ids in plan order.
func (p *Plan) IDs() []string {
	out := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		out = append(out, s.StepID)
	}
	return out
}

// Batch is the unconsolidated output of one step execution.
type Batch struct {
	Records []RawRecord
	Sources []string
	Trace   string
}

// ConsolidatedState is the running deduplicated set of accepted records.
type ConsolidatedState struct {
	FinalRecords []*Record        `json:"final_records"`
	SeenSources  map[string]bool  `json:"-"`
	StepLog      map[string]*Step `json:"step_log"`
	sourceOrder  []string
}

// NewConsolidatedState returns an empty state.
func NewConsolidatedState() *ConsolidatedState {
	return &ConsolidatedState{
		SeenSources: map[string]bool{},
		StepLog:     map[string]*Step{},
	}
}

// Reset clears the records and sources. The step log is kept.
func (s *ConsolidatedState) Reset() {
	s.FinalRecords = nil
	s.SeenSources = map[string]bool{}
	s.sourceOrder = nil
}

// Sources returns the seen sources in first-seen order.
func (s *ConsolidatedState) Sources() []string {
	return slices.Clone(s.sourceOrder)
}

func (s *ConsolidatedState) addSource(src string) bool {
	if s.SeenSources[src] {
		return false
	}
	s.SeenSources[src] = true
	s.sourceOrder = append(s.sourceOrder, src)
	return true
}

// Records returns value copies of the accepted records.
func (s *ConsolidatedState) Records() []Record {
	out := make([]Record, 0, len(s.FinalRecords))
	for _, r := range s.FinalRecords {
		out = append(out, r.Clone())
	}
	return out
}

// TotalComments sums the comments of all accepted records.
func (s *ConsolidatedState) TotalComments() int {
	n := 0
	for _, r := range s.FinalRecords {
		n += r.CommentCount()
	}
	return n
}

// RoundSummary is the immutable snapshot of one optimization round.
type RoundSummary struct {
	Round         int       `json:"round" yaml:"round"`
	StepCount     int       `json:"step_count" yaml:"step_count"`
	TotalRecords  int       `json:"total_records" yaml:"total_records"`
	TotalComments int       `json:"total_comments" yaml:"total_comments"`
	Flagged       []string  `json:"flagged,omitempty" yaml:"flagged,omitempty"`
	Outcome       Outcome   `json:"outcome" yaml:"outcome"`
	CompletedAt   time.Time `json:"completed_at" yaml:"completed_at"`
}

// Sentence renders the summary the way the diagnosis prompt consumes it.
func (r RoundSummary) Sentence() string {
	return fmt.Sprintf("This task executed %d steps, found %d candidate POIs and %d related comments.",
		r.StepCount, r.TotalRecords, r.TotalComments)
}

// RoundSnapshot is handed to a Recorder after each round.
type RoundSnapshot struct {
	SessionID string
	Topic     string
	Summary   RoundSummary
	Steps     []*Step
	Records   []Record
	Sources   []string
}

// Exchange is one question and answer the user gave while describing the request.
type Exchange struct {
	Question string `json:"question" yaml:"question"`
	Answer   string `json:"answer" yaml:"answer"`
}

// Request is the user's search request.
type Request struct {
	Topic   string     `json:"topic" yaml:"topic"`
	History []Exchange `json:"history,omitempty" yaml:"history,omitempty"`
	Advice  string     `json:"-" yaml:"-"`
}

func cloneRecords(in []Record) []Record {
	if in == nil {
		return nil
	}
	out := make([]Record, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}
