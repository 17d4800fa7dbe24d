package core

import (
	"fmt"
	"sort"
	"strings"
)

// Raw record keys understood by the consolidator.
const (
	KeyName             = "name"
	KeyDescription      = "description"
	KeyPositiveComments = "positive_comments"
	KeyNegativeComments = "negative_comments"
)

var requiredKeys = []string{KeyName, KeyDescription, KeyPositiveComments, KeyNegativeComments}

// Warning reports a repair made while cleaning a raw record.
type Warning struct {
	Index   int    `json:"index"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

func (w Warning) String() string {
	return fmt.Sprintf("record %d (%q): %s", w.Index, w.Name, w.Message)
}

// CleanRecords coerces raw records to exactly the four record fields.
// Unknown keys are dropped and missing ones defaulted; both are reported as
// warnings and never fail.
func CleanRecords(raw []RawRecord) ([]Record, []Warning) {
	out := make([]Record, 0, len(raw))
	var warnings []Warning
	for i, r := range raw {
		rec, ws := cleanRecord(i, r)
		out = append(out, rec)
		warnings = append(warnings, ws...)
	}
	return out, warnings
}

func cleanRecord(idx int, raw RawRecord) (Record, []Warning) {
	var rec Record
	var warnings []Warning
	name, _ := raw[KeyName].(string)

	var unknown []string
	for k := range raw {
		switch k {
		case KeyName, KeyDescription, KeyPositiveComments, KeyNegativeComments:
		default:
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		warnings = append(warnings, Warning{Index: idx, Name: name, Message: "dropped unknown keys " + strings.Join(unknown, ", ")})
	}

	var missing []string
	for _, k := range requiredKeys {
		if v, ok := raw[k]; !ok || v == nil {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		warnings = append(warnings, Warning{Index: idx, Name: name, Message: "defaulted missing keys " + strings.Join(missing, ", ")})
	}

	rec.Name = strings.TrimSpace(asText(raw[KeyName]))
	rec.Description = strings.TrimSpace(asText(raw[KeyDescription]))
	rec.PositiveComments = asComments(raw[KeyPositiveComments])
	rec.NegativeComments = asComments(raw[KeyNegativeComments])
	return rec, warnings
}

func asText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			if s := asText(p); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "; ")
	default:
		return fmt.Sprint(t)
	}
}

func asComments(v any) []string {
	var items []string
	switch t := v.(type) {
	case nil:
	case string:
		items = []string{t}
	case []string:
		items = t
	case []any:
		for _, p := range t {
			items = append(items, asText(p))
		}
	default:
		items = []string{fmt.Sprint(t)}
	}
	return unionComments(nil, items)
}

// unionComments appends the comments of add that dst does not hold yet,
// keeping first-seen order. Blank comments are skipped.
func unionComments(dst []string, add []string) []string {
	if dst == nil {
		dst = []string{}
	}
	seen := make(map[string]struct{}, len(dst)+len(add))
	for _, c := range dst {
		seen[c] = struct{}{}
	}
	for _, c := range add {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		dst = append(dst, c)
	}
	return dst
}
