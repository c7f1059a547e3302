// Package intent decides whether a query asks for one product or a comparison.
package intent

import (
	"regexp"
	"strings"
)

// MaxItems caps a comparison set.
const MaxItems = 4

// Intent is the classification of one query.
type Intent struct {
	Comparison bool
	Items      []string
}

// Classifier classifies queries. Alternative implementations (for example
// model-based ones) can replace DelimiterClassifier.
type Classifier interface {
	Classify(query string) Intent
}

// DelimiterClassifier splits on comparison markers.
type DelimiterClassifier struct{}

var markers = regexp.MustCompile(`(?i)\s(?:vs|versus|or|compare)\s`)

// Classify returns up to MaxItems distinct items in first-seen order. Items
// are compared case- and whitespace-insensitively; the first spelling wins.
// Fewer than two items is not a comparison.
func (DelimiterClassifier) Classify(query string) Intent {
	if !markers.MatchString(query) {
		return Intent{}
	}

	seen := make(map[string]bool)
	var items []string
	for _, part := range markers.Split(query, -1) {
		part = strings.TrimSpace(part)
		key := foldKey(part)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		items = append(items, part)
		if len(items) == MaxItems {
			break
		}
	}
	if len(items) < 2 {
		return Intent{}
	}
	return Intent{Comparison: true, Items: items}
}

func foldKey(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// IsURL reports whether q is an http(s) URL rather than a product name.
func IsURL(q string) bool {
	return strings.HasPrefix(q, "http://") || strings.HasPrefix(q, "https://")
}
