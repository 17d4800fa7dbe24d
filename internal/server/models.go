package server

import (
	"time"

	"github.com/mohammad-safakhou/poiscout/internal/agent/core"
)

// HTTPError is a generic error envelope returned by the server.
type HTTPError struct {
	Error string `json:"error"`
}

// IDResponse is a generic id response wrapper.
type IDResponse struct {
	ID string `json:"id"`
}

// SearchRequest starts a search session.
type SearchRequest struct {
	Topic         string          `json:"topic"`
	History       []core.Exchange `json:"history,omitempty"`
	OnlineOpt     *bool           `json:"online_opt,omitempty"` // defaults to true
	Rounds        int             `json:"rounds,omitempty"`
	StepsPerRound int             `json:"steps_per_round,omitempty"`
	UseSkills     bool            `json:"use_skills,omitempty"`
	CreateSkills  bool            `json:"create_skills,omitempty"`
}

// SearchStatus is the view of a session returned by the API.
type SearchStatus struct {
	ID         string              `json:"id"`
	Topic      string              `json:"topic"`
	Status     string              `json:"status"`
	Error      string              `json:"error,omitempty"`
	Rounds     []core.RoundSummary `json:"rounds"`
	Records    []core.Record       `json:"records"`
	Sources    []string            `json:"sources,omitempty"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
}

// SearchListItem is one row of the session listing.
type SearchListItem struct {
	ID         string     `json:"id"`
	Topic      string     `json:"topic"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
