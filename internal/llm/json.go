package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoJSON is returned when no balanced JSON value is found in the text.
var ErrNoJSON = errors.New("no JSON found in model output")

// ExtractObject returns the first balanced {...} value in s, skipping
// markdown fences and surrounding prose.
func ExtractObject(s string) (string, bool) {
	return extractBalanced(s, '{', '}')
}

// ExtractArray returns the first balanced [...] value in s.
func ExtractArray(s string) (string, bool) {
	return extractBalanced(s, '[', ']')
}

// DecodeObject extracts and decodes the first JSON object in text.
func DecodeObject[T any](text string) (*T, error) {
	raw, ok := ExtractObject(text)
	if !ok {
		return nil, ErrNoJSON
	}
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("decode model JSON: %w", err)
	}
	return &v, nil
}

// DecodeArray extracts and decodes the first JSON array in text.
func DecodeArray[T any](text string) ([]T, error) {
	raw, ok := ExtractArray(text)
	if !ok {
		return nil, ErrNoJSON
	}
	var v []T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("decode model JSON: %w", err)
	}
	return v, nil
}

func extractBalanced(s string, open, close byte) (string, bool) {
	s = stripFences(s)
	for start := strings.IndexByte(s, open); start >= 0; {
		if end, ok := matchClose(s, start, open, close); ok {
			candidate := s[start : end+1]
			if json.Valid([]byte(candidate)) {
				return candidate, true
			}
		}
		next := strings.IndexByte(s[start+1:], open)
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

// matchClose finds the bracket closing s[start], ignoring brackets in strings.
func matchClose(s string, start int, open, close byte) (int, bool) {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
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
		case close:
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if j := strings.Index(rest, "```"); j >= 0 {
			return rest[:j]
		}
		return rest
	}
	return s
}
