package cache

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxQueryLength caps sanitized input, in runes.
const MaxQueryLength = 500

// EntryType selects the lifetime of a cache entry.
type EntryType string

const (
	TypeText      EntryType = "text"
	TypeURL       EntryType = "url"
	TypeVisual    EntryType = "visual"
	TypeCompare   EntryType = "compare"
	TypeCanonical EntryType = "canonical"
	TypeAlias     EntryType = "alias"
)

const day = 24 * time.Hour

// TTLFor returns the fixed lifetime of an entry type. Content-addressed
// visual entries live longest; raw text queries the shortest.
func TTLFor(t EntryType) time.Duration {
	switch t {
	case TypeVisual:
		return 30 * day
	case TypeCanonical, TypeAlias:
		return 7 * day
	case TypeCompare:
		return 3 * day
	default:
		return day
	}
}

// Sanitize strips ASCII control characters and caps the length.
func Sanitize(q string) string {
	var b strings.Builder
	b.Grow(len(q))
	n := 0
	for _, r := range q {
		if r < 0x20 || r == 0x7f || r == utf8.RuneError {
			continue
		}
		if n == MaxQueryLength {
			break
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

// Normalize is the one key function used by both reads and writes.
func Normalize(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(Sanitize(q))), " ")
}

// ComparisonKey is the order- and case-independent key of a comparison set.
func ComparisonKey(items []string) string {
	keys := make([]string, len(items))
	for i, it := range items {
		keys[i] = Normalize(it)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

// VisualKey is the key of an image identification by content hash.
func VisualKey(sha256Hex string) string {
	return "visual:" + sha256Hex
}
