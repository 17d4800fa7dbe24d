package core

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var consolidatorTracer trace.Tracer = otel.Tracer("poiscout/internal/agent/consolidator")

const unnamedReason = "record has no name"

// BatchStats counts what one merge did.
type BatchStats struct {
	Sources      int `json:"sources" yaml:"sources"`
	KnownSources int `json:"known_sources" yaml:"known_sources"`
	RawRecords   int `json:"raw_records" yaml:"raw_records"`
	Merged       int `json:"merged" yaml:"merged"`
	Accepted     int `json:"accepted" yaml:"accepted"`
	Rejected     int `json:"rejected" yaml:"rejected"`
	Removed      int `json:"removed" yaml:"removed"`
	Collapsed    int `json:"collapsed" yaml:"collapsed"`
	Comments     int `json:"comments" yaml:"comments"`
	Evaluated    int `json:"evaluated" yaml:"evaluated"`
	Degraded     int `json:"degraded" yaml:"degraded"`
}

// Sentence renders the one-line step summary.
func (s BatchStats) Sentence() string {
	return fmt.Sprintf("Searched %d sources (%d already seen) and found %d candidate POIs: "+
		"%d merged into known POIs, %d new relevant POIs, %d rejected as unrelated, %d comments absorbed.",
		s.Sources, s.KnownSources, s.RawRecords, s.Merged, s.Accepted, s.Rejected, s.Comments)
}

// MergeResult is what a merge hands back to the caller for storage on the step.
type MergeResult struct {
	Summary  string
	Records  []Record
	Stats    BatchStats
	Warnings []Warning
}

// Consolidator merges batches into a ConsolidatedState.
type Consolidator struct {
	evaluator *Evaluator
	policy    NamePolicy
	workers   int
	cache     *EvaluationCache
	logger    *zap.Logger
	metrics   Metrics
}

// ConsolidatorOption configures a Consolidator.
type ConsolidatorOption func(*Consolidator)

// WithNamePolicy sets the identity policy.
func WithNamePolicy(p NamePolicy) ConsolidatorOption {
	return func(c *Consolidator) { c.policy = p }
}

// WithEvaluationWorkers bounds concurrent relevance evaluations.
func WithEvaluationWorkers(n int) ConsolidatorOption {
	return func(c *Consolidator) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithEvaluationCache reuses verdicts across merges.
func WithEvaluationCache(cache *EvaluationCache) ConsolidatorOption {
	return func(c *Consolidator) { c.cache = cache }
}

// WithConsolidatorMetrics attaches a metrics sink.
func WithConsolidatorMetrics(m Metrics) ConsolidatorOption {
	return func(c *Consolidator) {
		if m != nil {
			c.metrics = m
		}
	}
}

func NewConsolidator(evaluator *Evaluator, logger *zap.Logger, opts ...ConsolidatorOption) *Consolidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Consolidator{
		evaluator: evaluator,
		policy:    DefaultNamePolicy(),
		workers:   10,
		logger:    logger.Named("consolidator"),
		metrics:   nopMetrics{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Consolidator) withCache(cache *EvaluationCache) *Consolidator {
	cp := *c
	cp.cache = cache
	return &cp
}

// Policy returns the identity policy in use.
func (c *Consolidator) Policy() NamePolicy { return c.policy }

// candidate is a record queued for evaluation together with the batch
// entries whose verdict follows from it.
type candidate struct {
	rec      *Record
	existing bool
	members  []int
	key      string
}

// Merge folds one batch into state. It never fails: repairs become
// warnings and failed evaluations become uncertain verdicts.
func (c *Consolidator) Merge(ctx context.Context, state *ConsolidatedState, req Request, batch Batch) MergeResult {
	ctx, span := consolidatorTracer.Start(ctx, "consolidator.merge",
		trace.WithAttributes(attribute.Int("raw_records", len(batch.Records))))
	defer span.End()

	var stats BatchStats
	records, warnings := CleanRecords(batch.Records)
	for _, w := range warnings {
		c.logger.Warn("record repaired", zap.Int("index", w.Index), zap.String("poi", w.Name), zap.String("detail", w.Message))
	}
	stats.RawRecords = len(records)

	for _, src := range uniqueSources(batch.Sources) {
		stats.Sources++
		if !state.addSource(src) {
			stats.KnownSources++
		}
	}

	queue := c.resolve(state, records, &stats)
	evals := c.evaluate(ctx, req, queue)
	c.fold(state, records, queue, evals, &stats)
	stats.Collapsed = c.collapse(state)

	span.SetAttributes(
		attribute.Int("accepted", stats.Accepted),
		attribute.Int("rejected", stats.Rejected),
		attribute.Int("final_records", len(state.FinalRecords)),
	)
	return MergeResult{
		Summary:  stats.Sentence(),
		Records:  records,
		Stats:    stats,
		Warnings: warnings,
	}
}

// resolve pairs each incoming record with at most one known record, scanning
// the accepted records in order and then the candidates queued earlier in
// this batch. It runs on the caller's goroutine only.
func (c *Consolidator) resolve(state *ConsolidatedState, records []Record, stats *BatchStats) []*candidate {
	var queue []*candidate
	pending := map[*Record]*candidate{}

	for i := range records {
		in := &records[i]
		if strings.TrimSpace(c.policy.Fold(in.Name)) == "" {
			in.MatchStatus = MatchNo
			in.MatchReason = unnamedReason
			stats.Rejected++
			continue
		}

		matched := false
		for _, ex := range state.FinalRecords {
			act := c.policy.action(c.policy.relate(ex.Name, in.Name))
			if act == actionNone {
				continue
			}
			matched = true
			stats.Merged++
			before := ex.CommentCount()
			ex.PositiveComments = unionComments(ex.PositiveComments, in.PositiveComments)
			ex.NegativeComments = unionComments(ex.NegativeComments, in.NegativeComments)
			stats.Comments += ex.CommentCount() - before

			cand, queued := pending[ex]
			if act == actionRename {
				ex.Name = in.Name
				ex.Description = in.Description
				if !queued {
					cand = &candidate{rec: ex, existing: true}
					pending[ex] = cand
					queue = append(queue, cand)
					queued = true
				}
			}
			if queued {
				cand.members = append(cand.members, i)
			} else {
				in.MatchStatus = ex.MatchStatus
				in.MatchReason = ex.MatchReason
			}
			break
		}
		if matched {
			continue
		}

		for _, cand := range queue {
			if cand.existing {
				continue
			}
			act := c.policy.action(c.policy.relate(cand.rec.Name, in.Name))
			if act == actionNone {
				continue
			}
			matched = true
			stats.Merged++
			cand.rec.PositiveComments = unionComments(cand.rec.PositiveComments, in.PositiveComments)
			cand.rec.NegativeComments = unionComments(cand.rec.NegativeComments, in.NegativeComments)
			if act == actionRename {
				cand.rec.Name = in.Name
				cand.rec.Description = in.Description
			}
			cand.members = append(cand.members, i)
			break
		}
		if matched {
			continue
		}

		rec := in.Clone()
		rec.MatchStatus, rec.MatchReason = "", ""
		queue = append(queue, &candidate{rec: &rec, members: []int{i}})
	}
	return queue
}

// evaluate runs the relevance checks on a bounded pool. Workers only see
// value copies and write into their own slot.
func (c *Consolidator) evaluate(ctx context.Context, req Request, queue []*candidate) []Evaluation {
	evals := make([]Evaluation, len(queue))
	var g errgroup.Group
	g.SetLimit(c.workers)
	for i, cand := range queue {
		cand.key = evaluationKey(c.policy, *cand.rec)
		if ev, ok := c.cache.get(cand.key); ok {
			evals[i] = ev
			continue
		}
		snap := cand.rec.Clone()
		g.Go(func() error {
			evals[i] = c.evaluator.Evaluate(ctx, req, snap)
			return nil
		})
	}
	_ = g.Wait()
	return evals
}

// fold applies the verdicts in queue order.
func (c *Consolidator) fold(state *ConsolidatedState, records []Record, queue []*candidate, evals []Evaluation, stats *BatchStats) {
	for i, cand := range queue {
		ev := evals[i]
		stats.Evaluated++
		if !ev.Outcome.IsOK() {
			stats.Degraded++
		}
		c.cache.put(cand.key, ev)
		c.metrics.Evaluation(ev.Status, ev.Outcome.Status)

		cand.rec.MatchStatus = ev.Status
		cand.rec.MatchReason = ev.Reason
		for _, m := range cand.members {
			records[m].MatchStatus = ev.Status
			records[m].MatchReason = ev.Reason
		}

		idx := indexOfRecord(state.FinalRecords, cand.rec)
		if ev.Status == MatchYes {
			if idx < 0 {
				state.FinalRecords = append(state.FinalRecords, cand.rec)
				stats.Accepted++
				stats.Comments += cand.rec.CommentCount()
			}
			continue
		}
		if idx >= 0 {
			state.FinalRecords = append(state.FinalRecords[:idx], state.FinalRecords[idx+1:]...)
			stats.Removed++
			c.logger.Info("record dropped after re-evaluation",
				zap.String("poi", cand.rec.Name), zap.String("status", string(ev.Status)))
			continue
		}
		stats.Rejected++
	}
}

// collapse merges accepted records whose names became related during this
// merge. The earlier record keeps its position; name and description come
// from whichever side the policy prefers.
func (c *Consolidator) collapse(state *ConsolidatedState) int {
	collapsed := 0
	for i := 0; i < len(state.FinalRecords); i++ {
		keep := state.FinalRecords[i]
		for j := i + 1; j < len(state.FinalRecords); {
			other := state.FinalRecords[j]
			rel := c.policy.relate(keep.Name, other.Name)
			if rel == relationNone {
				j++
				continue
			}
			renamed := c.policy.action(rel) == actionRename
			if renamed {
				keep.Name = other.Name
				keep.Description = other.Description
				keep.MatchReason = other.MatchReason
			}
			keep.PositiveComments = unionComments(keep.PositiveComments, other.PositiveComments)
			keep.NegativeComments = unionComments(keep.NegativeComments, other.NegativeComments)
			state.FinalRecords = append(state.FinalRecords[:j], state.FinalRecords[j+1:]...)
			collapsed++
			c.logger.Debug("collapsed related records", zap.String("kept", keep.Name), zap.String("dropped", other.Name))
			if renamed {
				j = i + 1
			}
		}
	}
	return collapsed
}

func indexOfRecord(list []*Record, r *Record) int {
	for i, x := range list {
		if x == r {
			return i
		}
	}
	for i, x := range list {
		if x.Equal(*r) {
			return i
		}
	}
	return -1
}

func uniqueSources(sources []string) []string {
	seen := make(map[string]struct{}, len(sources))
	out := make([]string, 0, len(sources))
	for _, s := range sources {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
