// Package search implements the reasoning loop that turns one search request
// into raw POI records.
package search

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/poiscout/internal/agent/core"
)

var tracer trace.Tracer = otel.Tracer("poiscout/internal/agent/search")

// ErrSummaryFailed is returned when the transcript could not be turned into records.
var ErrSummaryFailed = errors.New("search summary failed")

const (
	defaultMaxIterations   = 5
	defaultSummaryAttempts = 3
)

var (
	finalPattern  = regexp.MustCompile(`(?s)Final Answer:(.*)$`)
	actionPattern = regexp.MustCompile(`(?s)Action:(.*?)(?:Action Input:|$)`)
	inputPattern  = regexp.MustCompile(`(?s)Action Input:(.*)$`)
)

type Option func(*Agent)

func WithMaxIterations(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxIterations = n
		}
	}
}

func WithSummaryAttempts(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.summaryAttempts = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

// Agent is a Thought/Action/Observation loop over a fixed tool set.
type Agent struct {
	llm             core.LanguageModel
	tools           []Tool
	byName          map[string]Tool
	maxIterations   int
	summaryAttempts int
	now             func() time.Time
	logger          *zap.Logger
}

var _ core.SearchTool = (*Agent)(nil)

func NewAgent(llm core.LanguageModel, tools []Tool, logger *zap.Logger, opts ...Option) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Agent{
		llm:             llm,
		tools:           tools,
		byName:          make(map[string]Tool, len(tools)),
		maxIterations:   defaultMaxIterations,
		summaryAttempts: defaultSummaryAttempts,
		now:             time.Now,
		logger:          logger.Named("search_agent"),
	}
	for _, t := range tools {
		a.byName[t.Name] = t
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type turn struct {
	final       string
	action      string
	actionInput string
	hasFinal    bool
	hasAction   bool
	hasInput    bool
}

func parseTurn(text string) turn {
	var t turn
	if m := finalPattern.FindStringSubmatch(text); m != nil {
		t.final, t.hasFinal = strings.TrimSpace(m[1]), true
	}
	if m := actionPattern.FindStringSubmatch(text); m != nil {
		t.action, t.hasAction = strings.TrimSpace(m[1]), true
	}
	if m := inputPattern.FindStringSubmatch(text); m != nil {
		t.actionInput, t.hasInput = cleanInput(m[1]), true
	}
	return t
}

func cleanInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.TrimSpace(strings.Trim(s, "\"'`"))
}

// Run executes the loop for one query and summarises the transcript into records.
func (a *Agent) Run(ctx context.Context, query, advice string) (core.SearchResult, error) {
	ctx, span := tracer.Start(ctx, "search.run", trace.WithAttributes(attribute.String("query", query)))
	defer span.End()

	system := systemPrompt(a.tools, a.now())
	request := requestBlock(query, advice)
	var history []string
	var sources []string
	seen := map[string]bool{}

	for i := 0; i < a.maxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return core.SearchResult{}, err
		}
		remaining := a.maxIterations - i - 1

		response, err := a.llm.Complete(ctx, turnPrompt(system, request, history), 0)
		if err != nil {
			return core.SearchResult{}, fmt.Errorf("search iteration %d: %w", i+1, err)
		}
		// the model sometimes invents its own observation
		if idx := strings.Index(response, "Observation"); idx >= 0 {
			response = response[:idx]
		}
		response = strings.TrimSpace(response)
		parsed := parseTurn(response)

		if parsed.hasFinal && !parsed.hasAction {
			a.logger.Debug("final answer reached", zap.Int("iteration", i+1))
			history = append(history, response)
			break
		}
		if !parsed.hasAction || !parsed.hasInput {
			history = append(history, response, formatReminder)
			continue
		}

		observation := a.execute(ctx, parsed.action, parsed.actionInput)
		for _, src := range observation.Sources {
			if src != "" && !seen[src] {
				seen[src] = true
				sources = append(sources, src)
			}
		}
		history = append(history, response,
			fmt.Sprintf("Observation: %s\nRemaining iterations: %d", observation.Content, remaining))
	}

	record := strings.Join(history, "\n")
	records, err := a.summarise(ctx, request, record)
	if err != nil {
		return core.SearchResult{}, err
	}
	span.SetAttributes(attribute.Int("records", len(records)), attribute.Int("sources", len(sources)))
	return core.SearchResult{Records: records, Sources: sources, Trace: record}, nil
}

func (a *Agent) execute(ctx context.Context, name, input string) Observation {
	tool, ok := a.byName[name]
	if !ok {
		names := make([]string, 0, len(a.tools))
		for _, t := range a.tools {
			names = append(names, t.Name)
		}
		return Observation{Content: fmt.Sprintf("Error: tool %q does not exist. Available tools: %s", name, strings.Join(names, ", "))}
	}
	obs, err := tool.Run(ctx, input)
	if err != nil {
		a.logger.Warn("tool failed", zap.String("tool", name), zap.Error(err))
		return Observation{Content: fmt.Sprintf("Tool error: %v", err)}
	}
	return obs
}

func (a *Agent) summarise(ctx context.Context, request, record string) ([]core.RawRecord, error) {
	prompt := summaryPrompt(request, record)
	var lastErr error
	for attempt := 0; attempt < a.summaryAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, err := a.llm.Complete(ctx, prompt, 0)
		if err != nil {
			lastErr = err
			continue
		}
		var items []any
		if err := core.DecodeJSONArray(text, &items); err != nil {
			lastErr = err
			a.logger.Debug("summary not parseable, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		records := make([]core.RawRecord, 0, len(items))
		for i, it := range items {
			m, ok := it.(map[string]any)
			if !ok {
				a.logger.Warn("summary element is not an object, skipped", zap.Int("index", i), zap.String("type", fmt.Sprintf("%T", it)))
				continue
			}
			records = append(records, core.RawRecord(m))
		}
		return records, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrSummaryFailed, lastErr)
}
