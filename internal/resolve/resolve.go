// Package resolve provides fuzzy title-to-id matching for conversations, so
// CLI users can say "canopy dm follow alice" instead of pasting an id.
package resolve

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sahilm/fuzzy"
)

// Named is any resource with an id and a display title.
type Named struct {
	ID    string
	Title string
}

// Match is a fuzzy match result with score.
type Match struct {
	ID    string
	Title string
	Score int
}

var (
	ErrEmptyQuery = errors.New("empty search query")
	ErrEmptyItems = errors.New("no conversations to match against")
	ErrNoMatch    = errors.New("no matching conversation")
)

// AmbiguousError indicates multiple candidates matched equally well.
// Matches are sorted best-first.
type AmbiguousError struct {
	Query   string
	Matches []Match
}

func (e *AmbiguousError) Error() string {
	var b strings.Builder
	_, _ = fmt.Fprintf(&b, "ambiguous match for %q", e.Query)
	if len(e.Matches) > 0 {
		b.WriteString(", candidates:")
		for _, m := range e.Matches {
			_, _ = fmt.Fprintf(&b, "\n  %s: %s", m.ID, m.Title)
		}
	}
	return b.String()
}

type namedSource []Named

func (s namedSource) String(i int) string { return strings.ToLower(s[i].Title) }
func (s namedSource) Len() int            { return len(s) }

// FuzzyMatch finds the best matching item by title and returns its id.
//
// Behavior:
//   - Empty query or empty items are errors.
//   - An exact case-insensitive title match wins over fuzzy matches.
//   - If the top two fuzzy results tie on score, returns *AmbiguousError.
func FuzzyMatch(query string, items []Named) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", ErrEmptyQuery
	}
	if len(items) == 0 {
		return "", ErrEmptyItems
	}

	lower := strings.ToLower(query)
	for _, item := range items {
		if strings.ToLower(item.Title) == lower {
			return item.ID, nil
		}
	}

	results := fuzzy.FindFrom(lower, namedSource(items))
	if len(results) == 0 {
		return "", fmt.Errorf("%w for %q", ErrNoMatch, query)
	}
	if len(results) > 1 && results[0].Score == results[1].Score {
		matches := make([]Match, 0, len(results))
		for _, r := range results {
			if r.Score != results[0].Score {
				break
			}
			matches = append(matches, Match{
				ID:    items[r.Index].ID,
				Title: items[r.Index].Title,
				Score: r.Score,
			})
		}
		return "", &AmbiguousError{Query: query, Matches: matches}
	}
	return items[results[0].Index].ID, nil
}
