package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanRecordsCoercesLooseValues(t *testing.T) {
	tests := []struct {
		name string
		raw  RawRecord
		want Record
		warn int
	}{
		{
			name: "complete",
			raw:  RawRecord{KeyName: " Pasteis de Belem ", KeyDescription: "bakery", KeyPositiveComments: []any{"custard tarts"}, KeyNegativeComments: []any{"queues"}},
			want: Record{Name: "Pasteis de Belem", Description: "bakery", PositiveComments: []string{"custard tarts"}, NegativeComments: []string{"queues"}},
		},
		{
			name: "single string comment and duplicates",
			raw:  RawRecord{KeyName: "A", KeyDescription: "", KeyPositiveComments: "nice", KeyNegativeComments: []any{"loud", " loud ", ""}},
			want: Record{Name: "A", PositiveComments: []string{"nice"}, NegativeComments: []string{"loud"}},
		},
		{
			name: "null and numeric values",
			raw:  RawRecord{KeyName: 42, KeyDescription: nil, KeyPositiveComments: nil, KeyNegativeComments: []any{3.5}},
			want: Record{Name: "42", PositiveComments: []string{}, NegativeComments: []string{"3.5"}},
			warn: 1,
		},
		{
			name: "everything missing",
			raw:  RawRecord{"address": "Rua Augusta"},
			want: Record{PositiveComments: []string{}, NegativeComments: []string{}},
			warn: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, warnings := CleanRecords([]RawRecord{tt.raw})
			require.Len(t, got, 1)
			assert.Equal(t, tt.want, got[0])
			assert.Len(t, warnings, tt.warn)
		})
	}
}

func TestCleanRecordsDoesNotMutateInput(t *testing.T) {
	raw := RawRecord{KeyName: "A", "extra": true}
	CleanRecords([]RawRecord{raw})
	assert.Contains(t, raw, "extra")
}

func TestUnionComments(t *testing.T) {
	got := unionComments([]string{"a", "b"}, []string{"b", "c", "", "a", "d"})
	assert.Equal(t, []string{"a", "b", "c", "d"}, got)
	assert.Equal(t, []string{}, unionComments(nil, nil))
}
