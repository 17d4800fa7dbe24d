package core

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NameFolding selects how names are canonicalised before containment checks.
type NameFolding string

const (
	// FoldSimple lower-cases the raw name and nothing else.
	FoldSimple NameFolding = "simple"
	// FoldUnicode applies NFKC, full case folding, and drops punctuation.
	FoldUnicode NameFolding = "unicode"
)

// MergePreference decides which side's name survives when two names are
// related by containment.
type MergePreference string

const (
	// PreferSpecific keeps the longer, more specific name and re-evaluates.
	PreferSpecific MergePreference = "prefer_specific"
	// PreferGeneral keeps the shorter, more general name and re-evaluates.
	PreferGeneral MergePreference = "prefer_general"
)

// NamePolicy decides when two records name the same place.
type NamePolicy struct {
	Folding    NameFolding
	Preference MergePreference
}

// DefaultNamePolicy returns the policy used when none is configured.
func DefaultNamePolicy() NamePolicy {
	return NamePolicy{Folding: FoldUnicode, Preference: PreferSpecific}
}

// Validate checks the policy values.
func (p NamePolicy) Validate() error {
	switch p.Folding {
	case FoldSimple, FoldUnicode:
	default:
		return fmt.Errorf("unknown name folding %q", p.Folding)
	}
	switch p.Preference {
	case PreferSpecific, PreferGeneral:
	default:
		return fmt.Errorf("unknown merge preference %q", p.Preference)
	}
	return nil
}

// Fold canonicalises a name for comparison.
func (p NamePolicy) Fold(name string) string {
	if p.Folding == FoldSimple {
		return strings.ToLower(name)
	}
	s := cases.Fold().String(norm.NFKC.String(name))
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
			continue
		}
		space = true
	}
	return b.String()
}

// Related reports whether either folded name contains the other.
func (p NamePolicy) Related(a, b string) bool {
	return p.relate(a, b) != relationNone
}

type nameRelation int

const (
	relationNone nameRelation = iota
	relationEqual
	// incoming name contains the existing one
	relationIncomingContains
	// existing name contains the incoming one
	relationExistingContains
)

func (p NamePolicy) relate(existing, incoming string) nameRelation {
	e, i := strings.TrimSpace(p.Fold(existing)), strings.TrimSpace(p.Fold(incoming))
	switch {
	case e == "" || i == "":
		return relationNone
	case e == i:
		return relationEqual
	case strings.Contains(i, e):
		return relationIncomingContains
	case strings.Contains(e, i):
		return relationExistingContains
	}
	return relationNone
}

type mergeAction int

const (
	actionNone mergeAction = iota
	// keep the existing fields, union comments, copy the verdict
	actionAbsorb
	// take the incoming name and description, union comments, re-evaluate
	actionRename
)

func (p NamePolicy) action(rel nameRelation) mergeAction {
	switch rel {
	case relationEqual:
		return actionAbsorb
	case relationIncomingContains:
		if p.Preference == PreferGeneral {
			return actionAbsorb
		}
		return actionRename
	case relationExistingContains:
		if p.Preference == PreferGeneral {
			return actionRename
		}
		return actionAbsorb
	}
	return actionNone
}
