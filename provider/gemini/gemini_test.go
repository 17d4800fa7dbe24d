package gemini_provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewClientRequiresKey(t *testing.T) {
	_, err := NewClient(context.Background(), Config{Model: "gemini-2.5-flash"}, nil)
	require.Error(t, err)
}

func TestCompleteRetriesEmptyCandidates(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, ":generateContent"), r.URL.Path)
		text := ""
		if calls.Add(1) > 1 {
			text = "<think>hmm</think>Pasteis de Belem"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []any{map[string]any{
				"content": map[string]any{
					"role":  "model",
					"parts": []any{map[string]any{"text": text}},
				},
			}},
		})
	}))
	defer srv.Close()

	c, err := NewClient(context.Background(), Config{
		APIKey:   "key",
		BaseURL:  srv.URL,
		Model:    "gemini-2.5-flash",
		Attempts: 3,
		Backoff:  time.Millisecond,
		Timeout:  time.Second,
	}, zap.NewNop())
	require.NoError(t, err)

	got, err := c.Complete(context.Background(), "best custard tarts", 0)
	require.NoError(t, err)
	assert.Equal(t, "Pasteis de Belem", got)
	assert.EqualValues(t, 2, calls.Load())
}
