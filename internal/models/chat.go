package models

import (
	"bytes"
	"encoding/json"
	"time"
)

// Chat represents a conversation container on the legal API. A chat owns an ordered list of
// exchanges, each one a user query together with the assistant's answer.
type Chat struct {
	ID     string
	UserID int64
	Title  string
}

// ChatRequest is the body of a streamed chat-response request.
type ChatRequest struct {
	Question     string `json:"question"`
	UserID       int64  `json:"user_id"`
	ChatID       string `json:"chat_id"`
	DocumentText string `json:"document_text,omitempty"`
}

// HistoryChat is one element of the chat-history response.
type HistoryChat struct {
	ChatID   string            `json:"chat_id"`
	UserID   int64             `json:"user_id"`
	Messages []HistoryExchange `json:"messages"`
}

// HistoryExchange is a stored question together with the answer the assistant gave.
type HistoryExchange struct {
	MessageID           string        `json:"message_id"`
	Query               string        `json:"query"`
	Answer              HistoryAnswer `json:"answer"`
	CreatedAt           Timestamp     `json:"created_at"`
	UpdatedAt           Timestamp     `json:"updated_at"`
	SuggestionQuestions []string      `json:"suggestion_questions,omitempty"`
	Sources             []Source      `json:"sources,omitempty"`
}

// HistoryAnswer is the stored answer body. Educational is the long-form explanation shown below the
// answer when present.
type HistoryAnswer struct {
	Answer      string `json:"answer"`
	Educational string `json:"educational,omitempty"`
}

// Chat summarizes the history entry for navigation. The title is the earliest valid query of the chat.
func (h HistoryChat) Chat() Chat {
	c := Chat{ID: h.ChatID, UserID: h.UserID}
	var first *HistoryExchange
	for i := range h.Messages {
		if h.Messages[i].Query == "" || h.Messages[i].MessageID == "" {
			continue
		}
		if first == nil || h.Messages[i].CreatedAt.earlier(first.CreatedAt) {
			first = &h.Messages[i]
		}
	}
	if first != nil {
		c.Title = first.Query
	}
	return c
}

// Transcript flattens the stored exchanges into the render model, a user message followed by a bot
// message per exchange. Exchanges without a query or a message id are skipped and returned
// separately so the caller can report them.
func (h HistoryChat) Transcript(fallbackChatID string, fallbackUserID int64) ([]Message, []HistoryExchange) {
	chatID := h.ChatID
	if chatID == "" {
		chatID = fallbackChatID
	}
	userID := h.UserID
	if userID == 0 {
		userID = fallbackUserID
	}

	var msgs []Message
	var skipped []HistoryExchange
	for _, ex := range h.Messages {
		if ex.Query == "" || ex.MessageID == "" {
			skipped = append(skipped, ex)
			continue
		}
		msgs = append(msgs,
			Message{
				ResponseID: ex.MessageID + "_q",
				Role:       RoleUser,
				Question:   ex.Query,
				ChatID:     chatID,
				UserID:     userID,
			},
			Message{
				ResponseID:          ex.MessageID,
				Role:                RoleBot,
				Question:            ex.Query,
				Answer:              ex.Answer.Answer,
				Detail:              ex.Answer.Educational,
				ChatID:              chatID,
				UserID:              userID,
				Sources:             ex.Sources,
				SuggestionQuestions: ex.SuggestionQuestions,
			},
		)
	}
	return msgs, skipped
}

// naiveLayouts are the zone-less timestamp forms some backends emit. They are read as UTC.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02",
}

// Timestamp is a history time. It accepts RFC 3339 and the naive ISO forms; a value it cannot read
// decodes to the zero time instead of failing the history.
type Timestamp struct {
	time.Time
}

// NewTimestamp wraps t.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	t.Time = time.Time{}

	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return nil
	}

	if v, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t.Time = v
		return nil
	}
	for _, layout := range naiveLayouts {
		if v, err := time.Parse(layout, s); err == nil {
			t.Time = v
			return nil
		}
	}
	return nil
}

// earlier orders known times. An unknown time never moves ahead of another, so stored order decides.
func (t Timestamp) earlier(u Timestamp) bool {
	if t.IsZero() || u.IsZero() {
		return false
	}
	return t.Before(u.Time)
}
