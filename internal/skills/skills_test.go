package skills

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/poiscout/internal/agent/core"
)

const seedFile = `[
  {"title": "cafes_20250101_120000", "content": [
    "If searching cafes: include the neighbourhood name in every query",
    "If searching cafes: look for laptop friendly lists on blogs"]},
  {"title": "museums_20250102_120000", "content": [
    "If searching museums: search opening hours pages for free entry days"]}
]`

func writeSeed(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "skills.json")
	require.NoError(t, os.WriteFile(path, []byte(seedFile), 0o644))
	return path
}

func TestLibraryAdviceRespectsLimit(t *testing.T) {
	lib, err := Open(writeSeed(t), 2)
	require.NoError(t, err)
	defer lib.Close()

	assert.Equal(t,
		"If searching cafes: include the neighbourhood name in every query\nIf searching cafes: look for laptop friendly lists on blogs",
		lib.Advice())
	assert.Len(t, lib.Entries(), 2)
}

func TestLibraryRelevantRanksByTopic(t *testing.T) {
	lib, err := Open(writeSeed(t), 100)
	require.NoError(t, err)
	defer lib.Close()

	got, err := lib.Relevant("free museums in Porto", 1)
	require.NoError(t, err)
	assert.Equal(t, "If searching museums: search opening hours pages for free entry days", got)

	got, err = lib.Relevant("zzzz", 1)
	require.NoError(t, err)
	assert.Equal(t, lib.Advice(), got, "no hits falls back to plain advice")
}

func TestLibraryAppendPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "skills.json")
	lib, err := Open(path, 100)
	require.NoError(t, err)
	assert.Empty(t, lib.Advice())

	require.NoError(t, lib.Append(Entry{Title: "bars_x", Content: []string{"If searching bars: check rooftop guides"}}))
	assert.Error(t, lib.Append(Entry{Title: "empty"}))
	require.NoError(t, lib.Close())

	reopened, err := Open(path, 100)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, "If searching bars: check rooftop guides", reopened.Advice())
	got, err := reopened.Relevant("rooftop bars", 5)
	require.NoError(t, err)
	assert.Equal(t, "If searching bars: check rooftop guides", got)
}

func TestLibraryRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skills.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err := Open(path, 10)
	assert.Error(t, err)
}

type sampleLLM struct {
	mu      sync.Mutex
	outputs []string
	temps   []float64
}

func (s *sampleLLM) Complete(_ context.Context, _ string, temp float64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.temps = append(s.temps, temp)
	if len(s.outputs) == 0 {
		return "", errors.New("exhausted")
	}
	out := s.outputs[0]
	s.outputs = s.outputs[1:]
	return out, nil
}

// keywordEmbedder maps a text onto axes by keyword so similarity is predictable.
type keywordEmbedder struct{ fail bool }

func (k keywordEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if k.fail {
		return nil, errors.New("embedding down")
	}
	axes := []string{"neighbourhood", "blog", "map", "review"}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, len(axes))
		for j, a := range axes {
			if strings.Contains(t, a) {
				v[j] = 1
			}
		}
		out[i] = v
	}
	return out, nil
}

var (
	baseline = core.RoundSummary{Round: 0, StepCount: 2, TotalRecords: 4}
	improved = core.RoundSummary{Round: 3, StepCount: 2, TotalRecords: 10}
)

func TestDistillerWorthwhile(t *testing.T) {
	d := NewDistiller(DistillerConfig{}, &sampleLLM{}, keywordEmbedder{}, zap.NewNop())
	assert.True(t, d.Worthwhile(baseline, improved))
	assert.False(t, d.Worthwhile(baseline, core.RoundSummary{TotalRecords: 6}))
}

func TestDistillerDeduplicates(t *testing.T) {
	llm := &sampleLLM{outputs: []string{
		`[{"category":"cafes","summary":"add the neighbourhood to the query"},{"category":"cafes","summary":"read blog lists"}]`,
		`[{"category":"cafes","summary":"always name the neighbourhood"},{"category":"cafes","summary":"scan map listings"}]`,
		`no json at all`,
	}}
	d := NewDistiller(DistillerConfig{Samples: 3, Workers: 1}, llm, keywordEmbedder{}, zap.NewNop())

	lessons, err := d.Distill(context.Background(), "quiet cafes", baseline, improved, "digest")
	require.NoError(t, err)
	var summaries []string
	for _, l := range lessons {
		summaries = append(summaries, l.Summary)
	}
	assert.Equal(t, []string{"add the neighbourhood to the query", "read blog lists", "scan map listings"}, summaries)
	assert.Equal(t, []float64{1, 1, 1}, llm.temps)
}

func TestDistillerDiversity(t *testing.T) {
	llm := &sampleLLM{outputs: []string{
		`[{"category":"a","summary":"neighbourhood"},{"category":"b","summary":"neighbourhood blog"},{"category":"c","summary":"review"}]`,
	}}
	d := NewDistiller(DistillerConfig{Samples: 1, DedupThreshold: 0.99, DiversityCount: 2}, llm, keywordEmbedder{}, zap.NewNop())

	lessons, err := d.Distill(context.Background(), "t", baseline, improved, "")
	require.NoError(t, err)
	require.Len(t, lessons, 2)
	assert.Equal(t, "a", lessons[0].Category)
	assert.Equal(t, "c", lessons[1].Category)
}

func TestDistillerNoLessons(t *testing.T) {
	d := NewDistiller(DistillerConfig{Samples: 2}, &sampleLLM{outputs: []string{"[]", "[]"}}, keywordEmbedder{}, zap.NewNop())
	_, err := d.Distill(context.Background(), "t", baseline, improved, "")
	assert.ErrorIs(t, err, ErrNoLessons)

	d = NewDistiller(DistillerConfig{Samples: 1}, &sampleLLM{outputs: []string{`[{"category":"a","summary":"x"}]`}}, keywordEmbedder{fail: true}, zap.NewNop())
	_, err = d.Distill(context.Background(), "t", baseline, improved, "")
	assert.ErrorIs(t, err, ErrNoLessons)
}

func TestDistillerEntry(t *testing.T) {
	d := NewDistiller(DistillerConfig{}, nil, nil, nil)
	d.now = func() time.Time { return time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC) }
	e := d.Entry("rooftop bars", []Lesson{{Category: "bars", Summary: "check hotel rooftops"}})
	assert.Equal(t, "rooftop bars_20250304_050607", e.Title)
	assert.Equal(t, []string{"If searching bars: check hotel rooftops"}, e.Content)
}
