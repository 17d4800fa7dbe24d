package core

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"

	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var candidateName = regexp.MustCompile(`(?m)^name: (.*)$`)

// routerLLM answers each prompt family with its own function and counts calls.
type routerLLM struct {
	mu sync.Mutex

	plan      func(temp float64) (string, error)
	evaluate  func(name string) (string, error)
	diagnose  func(temp float64) (string, error)
	suggest   func() (string, error)
	rewrite   func() (string, error)
	resample  func(temp float64) (string, error)
	evalCalls map[string]int
	calls     map[string]int
	temps     map[string][]float64
}

func newRouterLLM() *routerLLM {
	return &routerLLM{
		evaluate:  func(string) (string, error) { return `{"match":"yes","reason":"fits"}`, nil },
		evalCalls: map[string]int{},
		calls:     map[string]int{},
		temps:     map[string][]float64{},
	}
}

func (r *routerLLM) Complete(_ context.Context, prompt string, temp float64) (string, error) {
	kind := promptKind(prompt)
	r.mu.Lock()
	r.calls[kind]++
	r.temps[kind] = append(r.temps[kind], temp)
	var name string
	if kind == "evaluate" {
		if m := candidateName.FindStringSubmatch(prompt); m != nil {
			name = m[1]
		}
		r.evalCalls[name]++
	}
	r.mu.Unlock()

	switch kind {
	case "plan":
		return call(r.plan, temp)
	case "evaluate":
		return r.evaluate(name)
	case "diagnose":
		return call(r.diagnose, temp)
	case "suggest":
		return call0(r.suggest)
	case "rewrite":
		return call0(r.rewrite)
	case "resample":
		return call(r.resample, temp)
	}
	return "", fmt.Errorf("unexpected prompt: %.40s", prompt)
}

func (r *routerLLM) count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[kind]
}

func (r *routerLLM) evaluations(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evalCalls[name]
}

func (r *routerLLM) temperatures(kind string) []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.temps[kind]...)
}

func call(fn func(float64) (string, error), temp float64) (string, error) {
	if fn == nil {
		return "", errors.New("no answer configured")
	}
	return fn(temp)
}

func call0(fn func() (string, error)) (string, error) {
	if fn == nil {
		return "", errors.New("no answer configured")
	}
	return fn()
}

func promptKind(prompt string) string {
	switch {
	case strings.HasPrefix(prompt, "You are planning"):
		return "plan"
	case strings.HasPrefix(prompt, "Decide whether the candidate"):
		return "evaluate"
	case strings.HasPrefix(prompt, "You are reviewing the execution log"):
		return "diagnose"
	case strings.HasPrefix(prompt, "A step of a POI search under-performed"):
		return "suggest"
	case strings.HasPrefix(prompt, "Rewrite one step"):
		return "rewrite"
	case strings.HasPrefix(prompt, "Propose one new search step"):
		return "resample"
	}
	return "unknown"
}

// fakeTool returns canned results per query and counts calls.
type fakeTool struct {
	mu      sync.Mutex
	results map[string]SearchResult
	errs    map[string]error
	calls   map[string]int
}

func newFakeTool() *fakeTool {
	return &fakeTool{results: map[string]SearchResult{}, errs: map[string]error{}, calls: map[string]int{}}
}

func (f *fakeTool) Run(_ context.Context, query, _ string) (SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[query]++
	if err, ok := f.errs[query]; ok {
		return SearchResult{}, err
	}
	res, ok := f.results[query]
	if !ok {
		return SearchResult{Trace: "nothing found for " + query}, nil
	}
	return res, nil
}

func (f *fakeTool) set(query string, res SearchResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[query] = res
	delete(f.errs, query)
}

func (f *fakeTool) fail(query string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[query] = err
}

func (f *fakeTool) callCount(query string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[query]
}

func poi(name string, pos ...string) RawRecord {
	comments := make([]any, 0, len(pos))
	for _, p := range pos {
		comments = append(comments, p)
	}
	return RawRecord{
		KeyName:             name,
		KeyDescription:      name + " description",
		KeyPositiveComments: comments,
		KeyNegativeComments: []any{},
	}
}

func names(state *ConsolidatedState) []string {
	out := make([]string, 0, len(state.FinalRecords))
	for _, r := range state.FinalRecords {
		out = append(out, r.Name)
	}
	return out
}

func newTestConsolidator(t *testing.T, llm LanguageModel, opts ...ConsolidatorOption) *Consolidator {
	t.Helper()
	logger := zap.NewNop()
	return NewConsolidator(NewEvaluator(llm, 2, logger), logger, opts...)
}
