package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Mode is the value of a frame's response_mode field. The set is open: the backend may introduce new
// modes at any time, and consumers must treat anything they don't recognize as a merge frame.
type Mode string

// FrameKind is the variant of the Frame union, derived from its Mode.
type FrameKind int

const (
	// ModeUser echoes the question that started the exchange.
	ModeUser Mode = "user"
	// ModeAnswer opens a new bot message.
	ModeAnswer Mode = "answer"
	// ModeSources carries the citations of the current answer.
	ModeSources Mode = "sources"
	// ModeSuggestions carries follow-up questions for the current answer.
	ModeSuggestions Mode = "suggestions"
)

const (
	KindUnknown FrameKind = iota
	KindUser
	KindAnswer
	KindSources
	KindSuggestions
)

// Source is a single citation attached to an answer. The backend uses capitalized keys.
type Source struct {
	Title string `json:"Title"`
	URL   string `json:"URL"`
}

// Frame is one newline-delimited JSON record of a streamed chat response.
//
// Optional fields are pointers or nil slices so that an absent field can be told apart from an empty
// one. Raw always holds the original payload, which is the only representation that carries the fields
// of modes this package doesn't know about.
type Frame struct {
	Mode       Mode
	Question   string
	Answer     *string
	ResponseID *string
	ChatID     string
	UserID     int64
	Detail     *string

	Sources             []Source
	SuggestionQuestions []string
	ImageBase64         *string

	Raw json.RawMessage
}

type wireFrame struct {
	Mode       Mode    `json:"response_mode"`
	Question   string  `json:"question"`
	Answer     *string `json:"answer"`
	ResponseID *string `json:"response_id"`
	// The production backend misspells the identifier key.
	LegacyResponseID *string `json:"resposne_id"`
	ChatID           looseString `json:"chat_id"`
	UserID           looseInt    `json:"user_id"`
	Detail           *string     `json:"detail"`

	Sources             []Source `json:"sources"`
	SuggestionQuestions []string `json:"suggestion_questions"`
	ImageBase64         *string  `json:"image_base64"`
}

// ParseFrame decodes a single stream line into a Frame.
func ParseFrame(line []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *Frame) UnmarshalJSON(data []byte) error {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("failed to decode frame: %w", err)
	}

	id := w.ResponseID
	if id == nil {
		id = w.LegacyResponseID
	}

	*f = Frame{
		Mode:                w.Mode,
		Question:            w.Question,
		Answer:              w.Answer,
		ResponseID:          id,
		ChatID:              string(w.ChatID),
		UserID:              int64(w.UserID),
		Detail:              w.Detail,
		Sources:             w.Sources,
		SuggestionQuestions: w.SuggestionQuestions,
		ImageBase64:         w.ImageBase64,
		Raw:                 append(json.RawMessage(nil), data...),
	}
	return nil
}

// MarshalJSON implements json.Marshaler. The identifier is written under both spellings so that
// clients of either generation can read it.
func (f Frame) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireFrame{
		Mode:                f.Mode,
		Question:            f.Question,
		Answer:              f.Answer,
		ResponseID:          f.ResponseID,
		LegacyResponseID:    f.ResponseID,
		ChatID:              looseString(f.ChatID),
		UserID:              looseInt(f.UserID),
		Detail:              f.Detail,
		Sources:             f.Sources,
		SuggestionQuestions: f.SuggestionQuestions,
		ImageBase64:         f.ImageBase64,
	})
}

// Kind reports the union variant of the frame.
func (f Frame) Kind() FrameKind {
	switch f.Mode {
	case ModeUser:
		return KindUser
	case ModeAnswer:
		return KindAnswer
	case ModeSources:
		return KindSources
	case ModeSuggestions:
		return KindSuggestions
	default:
		return KindUnknown
	}
}

// ID returns the response id and whether the frame carried one.
func (f Frame) ID() (string, bool) {
	if f.ResponseID == nil {
		return "", false
	}
	return *f.ResponseID, true
}

// StringPtr returns a pointer to s. It exists for building frames in producers and tests.
func StringPtr(s string) *string {
	return &s
}

// looseString decodes a JSON string or number as its text. Any other value decodes to "" instead of
// failing the frame.
type looseString string

func (s *looseString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0:
		*s = ""
	case data[0] == '"':
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			*s = ""
			return nil
		}
		*s = looseString(v)
	case data[0] == '-' || (data[0] >= '0' && data[0] <= '9'):
		*s = looseString(data)
	default:
		*s = ""
	}
	return nil
}

// looseInt decodes a JSON number or a numeric string. Anything else, including fractions, decodes
// to 0 instead of failing the frame.
type looseInt int64

func (n *looseInt) UnmarshalJSON(data []byte) error {
	*n = 0

	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return nil
		}
		data = []byte(v)
	}

	if v, err := strconv.ParseInt(string(data), 10, 64); err == nil {
		*n = looseInt(v)
		return nil
	}
	if f, err := strconv.ParseFloat(string(data), 64); err == nil && f == math.Trunc(f) &&
		math.Abs(f) < math.MaxInt64 {
		*n = looseInt(f)
	}
	return nil
}
