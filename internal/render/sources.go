package render

import (
	"net/url"
	"strings"

	"github.com/lexassist/lexchat-web/internal/models"
)

// VisibleSources is the number of source cards shown before the rest are collapsed.
const VisibleSources = 4

// SourceCard is a citation as shown under an answer.
type SourceCard struct {
	Title  string
	URL    string
	Domain string
	Hidden bool
}

// Sources builds the cards of a message's citations in order. Cards past VisibleSources are hidden.
func Sources(sources []models.Source) []SourceCard {
	cards := make([]SourceCard, len(sources))
	for i, s := range sources {
		cards[i] = SourceCard{
			Title:  s.Title,
			URL:    s.URL,
			Domain: Domain(s.URL),
			Hidden: i >= VisibleSources,
		}
	}
	return cards
}

// Domain returns the host of rawURL without a leading "www.", or "source" when there is none.
func Domain(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Hostname() == "" {
		return "source"
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}
