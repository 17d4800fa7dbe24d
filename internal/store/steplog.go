package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/poiscout/internal/agent/core"
)

const defaultStepLogTTL = 72 * time.Hour

// StepLog mirrors the latest version of every step into a Redis hash so a
// running session can be inspected without touching Postgres.
type StepLog struct {
	client redis.Cmdable
	ttl    time.Duration
}

var _ core.Recorder = (*StepLog)(nil)

func NewStepLog(client redis.Cmdable, ttl time.Duration) *StepLog {
	if ttl <= 0 {
		ttl = defaultStepLogTTL
	}
	return &StepLog{client: client, ttl: ttl}
}

func stepLogKey(sessionID string) string {
	return fmt.Sprintf("poiscout:session:%s:steps", sessionID)
}

// StepEntry is the value stored per step id.
type StepEntry struct {
	Round         int      `json:"round"`
	ActionPlan    string   `json:"action_plan"`
	SearchRequest string   `json:"search_request"`
	Executed      bool     `json:"executed"`
	Summary       string   `json:"summary,omitempty"`
	Records       int      `json:"records"`
	Sources       []string `json:"sources,omitempty"`
	Revisions     int      `json:"revisions"`
}

func (l *StepLog) RecordRound(ctx context.Context, snap core.RoundSnapshot) error {
	if len(snap.Steps) == 0 {
		return nil
	}
	fields := make(map[string]any, len(snap.Steps))
	for _, st := range snap.Steps {
		raw, err := json.Marshal(StepEntry{
			Round:         snap.Summary.Round,
			ActionPlan:    st.ActionPlan,
			SearchRequest: st.SearchRequest,
			Executed:      st.Executed,
			Summary:       st.Summary,
			Records:       len(st.ExecutionResult),
			Sources:       st.SourcesUsed,
			Revisions:     len(st.History),
		})
		if err != nil {
			return err
		}
		fields[st.StepID] = raw
	}
	key := stepLogKey(snap.SessionID)
	_, err := l.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, fields)
		p.Expire(ctx, key, l.ttl)
		return nil
	})
	return err
}

// Steps returns the mirrored steps of a session keyed by step id.
func (l *StepLog) Steps(ctx context.Context, sessionID string) (map[string]StepEntry, error) {
	raw, err := l.client.HGetAll(ctx, stepLogKey(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]StepEntry, len(raw))
	for id, v := range raw {
		var e StepEntry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, fmt.Errorf("decode step %s: %w", id, err)
		}
		out[id] = e
	}
	return out, nil
}
