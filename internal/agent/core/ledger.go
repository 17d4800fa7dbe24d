package core

import (
	"fmt"
	"maps"
)

// DefaultRefinementCap is how many refinements a step gets before it is resampled.
const DefaultRefinementCap = 3

// RefinementLedger counts refinements per step id for one session.
type RefinementLedger struct {
	cap    int
	counts map[string]int
}

func NewRefinementLedger(limit int) *RefinementLedger {
	if limit <= 0 {
		limit = DefaultRefinementCap
	}
	return &RefinementLedger{cap: limit, counts: map[string]int{}}
}

// Cap returns the configured cap.
func (l *RefinementLedger) Cap() int { return l.cap }

// Count returns the refinements recorded for id; absent ids count zero.
func (l *RefinementLedger) Count(id string) int { return l.counts[id] }

// CanRefine reports whether id is still below the cap.
func (l *RefinementLedger) CanRefine(id string) bool { return l.counts[id] < l.cap }

// Increment records one refinement. It refuses to go past the cap.
func (l *RefinementLedger) Increment(id string) error {
	if l.counts[id] >= l.cap {
		return fmt.Errorf("step %q already refined %d times", id, l.counts[id])
	}
	l.counts[id]++
	return nil
}

// Remove clears the entry for id. Called when the step is resampled.
func (l *RefinementLedger) Remove(id string) { delete(l.counts, id) }

// Has reports whether id has an entry.
func (l *RefinementLedger) Has(id string) bool {
	_, ok := l.counts[id]
	return ok
}

// Snapshot returns a copy of the counts.
func (l *RefinementLedger) Snapshot() map[string]int { return maps.Clone(l.counts) }
