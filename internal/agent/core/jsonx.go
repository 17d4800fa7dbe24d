package core

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StripReasoning drops a leading reasoning block closed by </think>.
func StripReasoning(text string) string {
	if i := strings.LastIndex(text, "</think>"); i >= 0 {
		text = text[i+len("</think>"):]
	}
	return strings.TrimSpace(text)
}

// extractJSON finds the first balanced JSON value that starts with open
// ('{' or '['), looking inside a fenced code block first.
func extractJSON(text string, open byte) (string, error) {
	text = StripReasoning(text)
	if fenced, ok := fencedBlock(text); ok && strings.IndexByte(fenced, open) >= 0 {
		text = fenced
	}
	closer := byte('}')
	if open == '[' {
		closer = ']'
	}
	start := strings.IndexByte(text, open)
	if start < 0 {
		return "", fmt.Errorf("%w: no %q found", ErrMalformedResponse, open)
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("%w: unbalanced %q", ErrMalformedResponse, open)
}

func fencedBlock(text string) (string, bool) {
	start := strings.Index(text, "```")
	if start < 0 {
		return "", false
	}
	rest := text[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}

// DecodeJSONArray extracts the first JSON array from model output into out.
func DecodeJSONArray(text string, out any) error {
	return decodeJSON(text, '[', out)
}

// decodeJSON extracts and unmarshals a JSON value from model output.
func decodeJSON(text string, open byte, out any) error {
	raw, err := extractJSON(text, open)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

// flexString accepts a JSON string or number, since models emit step ids
// either way.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", string(b))
	}
	*f = flexString(n.String())
	return nil
}
