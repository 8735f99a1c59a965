// Package parse extracts flashcard markers from typst source documents.
//
// A card is a `#card(...)` or `#custom-card(...)` call; the scanner walks
// the document tracking parenthesis balance, so nested calls inside a
// card body do not terminate it early. Extraction yields the raw card
// text plus the id and target deck named in its arguments.
package parse

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

var cardMarkers = []string{"#card(", "#custom-card("}

var (
	idRE   = regexp.MustCompile(`id:\s*"([^"]+)"`)
	deckRE = regexp.MustCompile(`target-deck:\s*"([^"]+)"`)
	qRE    = regexp.MustCompile(`(?s)q:\s*(\[.*?\]|"[^"]*")\s*,`)
	aRE    = regexp.MustCompile(`(?s)a:\s*(\[.*?\]|"[^"]*")\s*,?`)
)

// RawCard is one extracted card marker.
type RawCard struct {
	// ID and Deck come from the id: and target-deck: arguments. Deck
	// falls back to "Default" when absent.
	ID   string
	Deck string

	// Body is the full marker text, including the call itself.
	Body string
}

// IsEmpty reports whether the card has no question and no answer content.
// Empty cards are skipped and counted, never compiled or cached.
func (r *RawCard) IsEmpty() bool {
	return emptyArg(qRE, r.Body) && emptyArg(aRE, r.Body)
}

func emptyArg(re *regexp.Regexp, body string) bool {
	m := re.FindStringSubmatch(body)
	if m == nil {
		return true
	}
	val := strings.TrimSpace(m[1])
	val = strings.Trim(val, `[]"`)
	return strings.TrimSpace(val) == ""
}

// ParseFile reads one document and returns its card markers in source
// order. One pass per file; markers without an id are returned with an
// empty ID for the caller to count and skip.
func ParseFile(path string) ([]RawCard, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return ParseString(string(data)), nil
}

// ParseString scans document text for card markers.
func ParseString(content string) []RawCard {
	var cards []RawCard
	for _, body := range scanMarkers(content) {
		cards = append(cards, fromBody(body))
	}
	return cards
}

func fromBody(body string) RawCard {
	c := RawCard{Body: body, Deck: "Default"}
	if m := idRE.FindStringSubmatch(body); m != nil {
		c.ID = m[1]
	}
	if m := deckRE.FindStringSubmatch(body); m != nil {
		c.Deck = m[1]
	}
	return c
}

// scanMarkers walks the content finding balanced card calls.
func scanMarkers(content string) []string {
	var (
		results []string
		sb      strings.Builder
		inside  bool
		balance int
	)

	for i := 0; i < len(content); {
		if !inside {
			marker := markerAt(content[i:])
			if marker == "" {
				i++
				continue
			}
			inside = true
			balance = 1
			sb.Reset()
			sb.WriteString(marker)
			i += len(marker)
			continue
		}

		ch := content[i]
		sb.WriteByte(ch)
		switch ch {
		case '(':
			balance++
		case ')':
			balance--
		}
		i++

		if balance == 0 {
			results = append(results, strings.TrimSpace(sb.String()))
			inside = false
		}
	}

	return results
}

func markerAt(s string) string {
	for _, m := range cardMarkers {
		if strings.HasPrefix(s, m) {
			return m
		}
	}
	return ""
}
