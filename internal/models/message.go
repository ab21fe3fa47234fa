package models

import (
	"fmt"
	"slices"
)

// Role is the author of a rendered message.
type Role string

const (
	// RoleUser is a question typed by the user.
	RoleUser Role = "user"
	// RoleBot is an answer produced by the legal assistant.
	RoleBot Role = "bot"
)

// Message is the render model of one side of an exchange. Bot messages are built from an answer
// frame and filled in by later frames while the stream is running.
type Message struct {
	ResponseID string
	Role       Role
	Question   string
	Answer     string
	Detail     string
	ChatID     string
	UserID     int64

	Sources             []Source
	SuggestionQuestions []string
	ImageBase64         string
}

// MessageFromFrame builds the bot message opened by an answer frame.
func MessageFromFrame(f Frame) Message {
	m := Message{
		Role:                RoleBot,
		Question:            f.Question,
		ChatID:              f.ChatID,
		UserID:              f.UserID,
		Sources:             slices.Clone(f.Sources),
		SuggestionQuestions: slices.Clone(f.SuggestionQuestions),
	}
	if id, ok := f.ID(); ok {
		m.ResponseID = id
	}
	if f.Answer != nil {
		m.Answer = *f.Answer
	}
	if f.Detail != nil {
		m.Detail = *f.Detail
	}
	if f.ImageBase64 != nil {
		m.ImageBase64 = *f.ImageBase64
	}
	return m
}

// Merge overwrites the additive fields f carries (sources and suggested questions) and leaves every
// other field untouched. It reports whether the frame carried anything to merge.
func (m *Message) Merge(f Frame) bool {
	merged := false
	if f.Sources != nil {
		m.Sources = slices.Clone(f.Sources)
		merged = true
	}
	if f.SuggestionQuestions != nil {
		m.SuggestionQuestions = slices.Clone(f.SuggestionQuestions)
		merged = true
	}
	return merged
}

// Key returns a stable render key: the response id, or the position when the message has none.
func (m Message) Key(i int) string {
	if m.ResponseID != "" {
		return m.ResponseID
	}
	return fmt.Sprintf("pos-%d", i)
}

// Visible reports whether the message has anything to show. Bot messages without answer text are
// kept in the list but not rendered.
func (m Message) Visible() bool {
	return m.Role == RoleUser || m.Answer != ""
}

// Clone returns a copy of m that shares no slices with it.
func (m Message) Clone() Message {
	m.Sources = slices.Clone(m.Sources)
	m.SuggestionQuestions = slices.Clone(m.SuggestionQuestions)
	return m
}
