package services

import (
	"strings"
	"unicode"

	"github.com/lexassist/lexchat-web/internal/models"
)

const maxSuggestions = 3

// suggestionPrompt is sent as the system prompt of the follow-up question call.
const suggestionPrompt = `You suggest follow-up questions for a legal research assistant.
Given a question and its answer, reply with at most three short follow-up questions the user is
likely to ask next, one per line, without numbering or any other text.`

// chatTurn is a provider-neutral conversation turn.
type chatTurn struct {
	role    string
	content string
}

// chatTurns converts a transcript into alternating user and assistant turns. User messages carry the
// question, bot messages the answer; bot messages without an answer are skipped.
func chatTurns(messages []models.Message) []chatTurn {
	turns := make([]chatTurn, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleUser:
			turns = append(turns, chatTurn{role: "user", content: msg.Question})
		case models.RoleBot:
			if msg.Answer == "" {
				continue
			}
			turns = append(turns, chatTurn{role: "assistant", content: msg.Answer})
		}
	}
	return turns
}

func suggestionRequest(question, answer string) string {
	var sb strings.Builder
	sb.WriteString("Question:\n")
	sb.WriteString(question)
	sb.WriteString("\n\nAnswer:\n")
	sb.WriteString(answer)
	return sb.String()
}

// parseSuggestions extracts questions from a model reply, dropping list markers and blank lines.
func parseSuggestions(reply string) []string {
	var out []string
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimLeftFunc(line, func(r rune) bool {
			return unicode.IsSpace(r) || unicode.IsDigit(r) || strings.ContainsRune("-*•.)", r)
		})
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) == maxSuggestions {
			break
		}
	}
	return out
}
