package render

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/lexassist/lexchat-web/internal/models"
)

var (
	questionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7C3AED")).
			Bold(true)

	headingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280")).
			Bold(true).
			MarginTop(1)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280"))
)

// Terminal renders messages for a terminal.
type Terminal struct {
	renderer *glamour.TermRenderer
}

// NewTerminal creates a terminal renderer wrapping at width columns. With plain set, no colors or
// styles are emitted.
func NewTerminal(width int, plain bool) (Terminal, error) {
	opts := []glamour.TermRendererOption{glamour.WithWordWrap(width)}
	if plain {
		opts = append(opts, glamour.WithStylePath("notty"))
	} else {
		opts = append(opts, glamour.WithAutoStyle())
	}

	r, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return Terminal{}, fmt.Errorf("failed to create terminal renderer: %w", err)
	}
	return Terminal{renderer: r}, nil
}

// Message renders one message. User messages are a single styled line; bot messages are the answer as
// markdown followed by their sources and suggested questions.
func (t Terminal) Message(m models.Message) (string, error) {
	if m.Role == models.RoleUser {
		return questionStyle.Render("> "+m.Question) + "\n", nil
	}

	var sb strings.Builder
	answer, err := t.renderer.Render(m.Answer)
	if err != nil {
		return "", fmt.Errorf("failed to render answer: %w", err)
	}
	sb.WriteString(answer)

	if m.Detail != "" {
		detail, err := t.renderer.Render(m.Detail)
		if err != nil {
			return "", fmt.Errorf("failed to render detail: %w", err)
		}
		sb.WriteString(headingStyle.Render("Explanation"))
		sb.WriteString("\n")
		sb.WriteString(detail)
	}

	if len(m.Sources) > 0 {
		sb.WriteString(headingStyle.Render("Sources"))
		sb.WriteString("\n")
		for i, c := range Sources(m.Sources) {
			fmt.Fprintf(&sb, "  [%d] %s %s\n", i+1, c.Title, dimStyle.Render("("+c.Domain+")"))
		}
	}

	if len(m.SuggestionQuestions) > 0 {
		sb.WriteString(headingStyle.Render("Related questions"))
		sb.WriteString("\n")
		for _, q := range m.SuggestionQuestions {
			sb.WriteString("  • " + q + "\n")
		}
	}

	return sb.String(), nil
}
