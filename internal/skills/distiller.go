package skills

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mohammad-safakhou/poiscout/internal/agent/core"
)

// ErrNoLessons is returned when no sample produced a usable lesson.
var ErrNoLessons = errors.New("no lessons distilled")

const sampleTemperature = 1.0

// Embedder turns texts into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type DistillerConfig struct {
	ImprovementFactor float64
	Samples           int
	DedupThreshold    float64
	DiversityCount    int
	Workers           int
}

// Lesson is one piece of search experience.
type Lesson struct {
	Category  string    `json:"category"`
	Summary   string    `json:"summary"`
	embedding []float32
}

// Distiller samples experience analyses from a finished session and keeps a
// deduplicated, optionally diversity-pruned set of lessons.
type Distiller struct {
	cfg      DistillerConfig
	llm      core.LanguageModel
	embedder Embedder
	logger   *zap.Logger
	now      func() time.Time
}

func NewDistiller(cfg DistillerConfig, llm core.LanguageModel, embedder Embedder, logger *zap.Logger) *Distiller {
	if cfg.Samples <= 0 {
		cfg.Samples = 10
	}
	if cfg.DedupThreshold <= 0 {
		cfg.DedupThreshold = 0.87
	}
	if cfg.ImprovementFactor <= 0 {
		cfg.ImprovementFactor = 1.5
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Distiller{cfg: cfg, llm: llm, embedder: embedder, logger: logger.Named("distiller"), now: time.Now}
}

// Worthwhile reports whether the optimized run improved enough on the baseline.
func (d *Distiller) Worthwhile(baseline, final core.RoundSummary) bool {
	return float64(final.TotalRecords) > float64(baseline.TotalRecords)*d.cfg.ImprovementFactor
}

// Distill asks for cfg.Samples analyses and keeps lessons whose summaries are
// not near-duplicates of an already kept one.
func (d *Distiller) Distill(ctx context.Context, topic string, baseline, final core.RoundSummary, digest string) ([]Lesson, error) {
	prompt := experiencePrompt(topic, baseline, final, digest)
	samples := make([][]Lesson, d.cfg.Samples)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Workers)
	for i := range samples {
		g.Go(func() error {
			text, err := d.llm.Complete(gctx, prompt, sampleTemperature)
			if err != nil {
				d.logger.Warn("experience sample failed", zap.Int("sample", i), zap.Error(err))
				return nil
			}
			var lessons []Lesson
			if err := core.DecodeJSONArray(text, &lessons); err != nil {
				d.logger.Warn("experience sample unparseable", zap.Int("sample", i), zap.Error(err))
				return nil
			}
			samples[i] = usable(lessons)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var kept []Lesson
	for i, lessons := range samples {
		if len(lessons) == 0 {
			continue
		}
		texts := make([]string, len(lessons))
		for j, l := range lessons {
			texts[j] = l.Summary
		}
		vecs, err := d.embedder.Embed(ctx, texts)
		if err != nil || len(vecs) != len(lessons) {
			d.logger.Warn("embedding lessons failed", zap.Int("sample", i), zap.Error(err))
			continue
		}
		for j, l := range lessons {
			l.embedding = vecs[j]
			if !d.duplicate(l, kept) {
				kept = append(kept, l)
			}
		}
	}
	if len(kept) == 0 {
		return nil, ErrNoLessons
	}
	if d.cfg.DiversityCount > 0 && d.cfg.DiversityCount < len(kept) {
		kept = selectDiverse(kept, d.cfg.DiversityCount)
	}
	return kept, nil
}

func (d *Distiller) duplicate(l Lesson, kept []Lesson) bool {
	for _, k := range kept {
		if cosine(l.embedding, k.embedding) >= d.cfg.DedupThreshold {
			return true
		}
	}
	return false
}

// Entry formats lessons for the library.
func (d *Distiller) Entry(topic string, lessons []Lesson) Entry {
	e := Entry{Title: fmt.Sprintf("%s_%s", topic, d.now().Format("20060102_150405"))}
	for _, l := range lessons {
		e.Content = append(e.Content, fmt.Sprintf("If searching %s: %s", l.Category, l.Summary))
	}
	return e
}

func usable(in []Lesson) []Lesson {
	out := in[:0]
	for _, l := range in {
		l.Category = strings.TrimSpace(l.Category)
		l.Summary = strings.TrimSpace(l.Summary)
		if l.Summary != "" {
			out = append(out, l)
		}
	}
	return out
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// selectDiverse greedily picks k lessons, each time taking the one whose
// highest similarity to the picked set is lowest. The first lesson seeds the set.
func selectDiverse(items []Lesson, k int) []Lesson {
	if len(items) <= k {
		return items
	}
	picked := []int{0}
	remaining := make(map[int]bool, len(items)-1)
	for i := 1; i < len(items); i++ {
		remaining[i] = true
	}
	for len(picked) < k {
		best, bestScore := -1, math.Inf(1)
		for i := 1; i < len(items); i++ {
			if !remaining[i] {
				continue
			}
			worst := math.Inf(-1)
			for _, p := range picked {
				worst = math.Max(worst, cosine(items[i].embedding, items[p].embedding))
			}
			if worst < bestScore {
				best, bestScore = i, worst
			}
		}
		if best < 0 {
			break
		}
		picked = append(picked, best)
		delete(remaining, best)
	}
	out := make([]Lesson, len(picked))
	for i, p := range picked {
		out[i] = items[p]
	}
	return out
}

func experiencePrompt(topic string, baseline, final core.RoundSummary, digest string) string {
	var b strings.Builder
	b.WriteString("A POI search was run twice for the same request: once as a plain baseline and once with iterative optimization.\n")
	fmt.Fprintf(&b, "User request:\n%s\n\n", topic)
	fmt.Fprintf(&b, "Baseline: %s\n", baseline.Sentence())
	fmt.Fprintf(&b, "Optimized: %s\n\n", final.Sentence())
	fmt.Fprintf(&b, "Optimized execution log:\n%s\n\n", digest)
	b.WriteString("Summarise what made the optimized search find more candidates, as reusable advice for future searches of similar POI categories. ")
	b.WriteString("Each lesson names the POI category it applies to and one concrete search tactic.\n")
	b.WriteString(`Respond with a JSON array only: [{"category": "rooftop bars", "summary": "one sentence of advice"}]`)
	return b.String()
}
