// Package skills keeps the experience notes that are fed back into planning.
package skills

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/blevesearch/bleve"
)

// Entry is one distilled set of lessons.
type Entry struct {
	Title   string   `json:"title" yaml:"title"`
	Content []string `json:"content" yaml:"content"`
}

// Library is the skills file plus an in-memory full-text index over its lines.
type Library struct {
	path      string
	maxAdvice int

	mu      sync.RWMutex
	entries []Entry
	lines   map[string]string
	index   bleve.Index
}

// Open loads the library at path. A missing file yields an empty library
// that is created on the first Append.
func Open(path string, maxAdvice int) (*Library, error) {
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create skills index: %w", err)
	}
	l := &Library{path: path, maxAdvice: maxAdvice, lines: map[string]string{}, index: index}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return l, nil
	case err != nil:
		_ = index.Close()
		return nil, fmt.Errorf("read skills file: %w", err)
	}
	var entries []Entry
	if len(strings.TrimSpace(string(raw))) > 0 {
		if err := json.Unmarshal(raw, &entries); err != nil {
			_ = index.Close()
			return nil, fmt.Errorf("parse skills file %s: %w", path, err)
		}
	}
	for _, e := range entries {
		if err := l.add(e); err != nil {
			_ = index.Close()
			return nil, err
		}
	}
	return l, nil
}

func (l *Library) add(e Entry) error {
	pos := len(l.entries)
	l.entries = append(l.entries, e)
	batch := l.index.NewBatch()
	for i, text := range e.Content {
		id := strconv.Itoa(pos) + ":" + strconv.Itoa(i)
		l.lines[id] = text
		if err := batch.Index(id, map[string]any{"title": e.Title, "text": text}); err != nil {
			return fmt.Errorf("index skill %q: %w", e.Title, err)
		}
	}
	return l.index.Batch(batch)
}

// Entries returns a copy of all entries in file order.
func (l *Library) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	for i, e := range l.entries {
		out[i] = Entry{Title: e.Title, Content: append([]string(nil), e.Content...)}
	}
	return out
}

// Advice concatenates the first maxAdvice lines in file order.
func (l *Library) Advice() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.advice()
}

func (l *Library) advice() string {
	var out []string
	for _, e := range l.entries {
		for _, text := range e.Content {
			if l.maxAdvice > 0 && len(out) >= l.maxAdvice {
				return strings.Join(out, "\n")
			}
			out = append(out, text)
		}
	}
	return strings.Join(out, "\n")
}

// Relevant returns up to limit lines ranked by full-text relevance to topic.
// It falls back to Advice when nothing matches.
func (l *Library) Relevant(topic string, limit int) (string, error) {
	if limit <= 0 {
		limit = l.maxAdvice
	}
	if limit <= 0 {
		limit = 10
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if strings.TrimSpace(topic) == "" || len(l.lines) == 0 {
		return l.advice(), nil
	}

	query := bleve.NewMatchQuery(topic)
	query.SetField("text")
	req := bleve.NewSearchRequestOptions(query, limit, 0, false)
	res, err := l.index.Search(req)
	if err != nil {
		return "", fmt.Errorf("search skills: %w", err)
	}
	if len(res.Hits) == 0 {
		return l.advice(), nil
	}
	out := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		if text, ok := l.lines[hit.ID]; ok {
			out = append(out, text)
		}
	}
	return strings.Join(out, "\n"), nil
}

// Append adds an entry and rewrites the file.
func (l *Library) Append(e Entry) error {
	if strings.TrimSpace(e.Title) == "" || len(e.Content) == 0 {
		return errors.New("skill entry needs a title and content")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.add(e); err != nil {
		return err
	}
	return l.save()
}

func (l *Library) save() error {
	raw, err := json.MarshalIndent(l.entries, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(l.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create skills dir: %w", err)
		}
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write skills file: %w", err)
	}
	return os.Rename(tmp, l.path)
}

func (l *Library) Close() error {
	return l.index.Close()
}
