package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/lexassist/lexchat-web/internal/models"
)

// API is the client of the remote legal-assistant API. It is the transport of the answer stream and
// the source of chat history. Authentication is the bearer token of the session each call acts for.
type API struct {
	baseURL string
	client  *http.Client

	logger *slog.Logger
}

// StatusError is returned when the API answers with a non-success status.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

var (
	// ErrNoBody is returned when a streamed response arrives without a body.
	ErrNoBody = errors.New("response body is empty")
	// ErrChatNotFound is returned when the history doesn't contain the requested chat.
	ErrChatNotFound = errors.New("chat not found")
)

const maxErrorBody = 1024

// NewAPI creates a client for the API rooted at baseURL. The client should not have a global timeout
// shorter than a complete answer stream; use context deadlines instead.
func NewAPI(baseURL string, client *http.Client, logger *slog.Logger) API {
	if client == nil {
		client = &http.Client{}
	}
	return API{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  logger.With(slog.String("module", "api")),
	}
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Code)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// StreamResponse posts req to the chat-response endpoint and returns the newline-delimited frame
// stream. The caller closes the body.
func (a API) StreamResponse(ctx context.Context, session models.Session, req models.ChatRequest) (io.ReadCloser, error) {
	resp, err := a.do(ctx, session, http.MethodPost, "/chat/response", req)
	if err != nil {
		return nil, err
	}
	// A declared empty body can never carry a frame. Streamed bodies have an unknown length (-1).
	if resp.ContentLength == 0 {
		_ = resp.Body.Close()
		return nil, ErrNoBody
	}
	return resp.Body, nil
}

// CreateChat creates an empty chat for the session's user and returns its id.
func (a API) CreateChat(ctx context.Context, session models.Session) (string, error) {
	resp, err := a.do(ctx, session, http.MethodPost, "/chat/create-chat", map[string]int64{
		"user_id": session.UserID,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var res struct {
		ChatID string `json:"chat_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("failed to decode create-chat response: %w", err)
	}
	if res.ChatID == "" {
		return "", errors.New("create-chat response has no chat_id")
	}
	return res.ChatID, nil
}

// Chats returns every chat of the session's user together with its exchanges.
func (a API) Chats(ctx context.Context, session models.Session) ([]models.HistoryChat, error) {
	return a.history(ctx, session, "")
}

// History returns the chat chatID of the session's user.
func (a API) History(ctx context.Context, session models.Session, chatID string) (models.HistoryChat, error) {
	chats, err := a.history(ctx, session, chatID)
	if err != nil {
		return models.HistoryChat{}, err
	}
	for _, ch := range chats {
		if ch.ChatID == chatID {
			return ch, nil
		}
	}
	return models.HistoryChat{}, fmt.Errorf("%w: %s", ErrChatNotFound, chatID)
}

func (a API) history(ctx context.Context, session models.Session, chatID string) ([]models.HistoryChat, error) {
	q := url.Values{}
	q.Set("user_id", strconv.FormatInt(session.UserID, 10))
	if chatID != "" {
		q.Set("chat_id", chatID)
	}

	resp, err := a.do(ctx, session, http.MethodGet, "/chat/chat/history?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var chats []models.HistoryChat
	if err := json.NewDecoder(resp.Body).Decode(&chats); err != nil {
		return nil, fmt.Errorf("invalid history response: %w", err)
	}
	return chats, nil
}

// DeleteChat removes the chat and its history.
func (a API) DeleteChat(ctx context.Context, session models.Session, chatID string) error {
	resp, err := a.do(ctx, session, http.MethodDelete, "/chat/delete_chat_history/"+url.PathEscape(chatID), nil)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// do sends a request and returns the response when its status is 200. On any other status the body
// is drained into a StatusError.
func (a API) do(ctx context.Context, session models.Session, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("error marshaling request: %w", err)
		}
		reader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if session.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+session.AuthToken)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		statusErr := &StatusError{
			Method: method,
			Path:   strings.SplitN(path, "?", 2)[0],
			Code:   resp.StatusCode,
			Body:   strings.TrimSpace(string(b)),
		}
		a.logger.Warn("API returned an error",
			slog.String("method", method),
			slog.String("path", statusErr.Path),
			slog.Int("status", resp.StatusCode))
		return nil, statusErr
	}

	return resp, nil
}
