// Package upstream serves the legal chat API for local development. Answers come from an LLM provider;
// chats and their exchanges are kept in the local store.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lexassist/lexchat-web/internal/models"
)

// LLM answers the last question of a transcript, streaming the answer text.
type LLM interface {
	Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error]
}

// SuggestionGenerator proposes follow-up questions for an answered question.
type SuggestionGenerator interface {
	SuggestQuestions(ctx context.Context, question, answer string) ([]string, error)
}

// Store persists chats and their exchanges.
type Store interface {
	Chats(ctx context.Context, userID int64) ([]models.HistoryChat, error)
	AddChat(ctx context.Context, chat models.Chat) (string, error)
	Chat(ctx context.Context, chatID string) (models.Chat, bool, error)
	DeleteChat(ctx context.Context, chatID string) error

	Exchanges(ctx context.Context, chatID string) ([]models.HistoryExchange, error)
	AddExchange(ctx context.Context, chatID string, ex models.HistoryExchange) (string, error)
	UpdateExchange(ctx context.Context, chatID string, ex models.HistoryExchange) error
}

// Handler implements the chat endpoints of the legal API.
type Handler struct {
	llm       LLM
	suggester SuggestionGenerator
	store     Store
	tokens    *TokenVerifier

	logger *slog.Logger
}

const (
	errLoggerKey = "err"

	answerUnavailable = "Sorry, I couldn't produce an answer to that question. Please try again."
)

// NewHandler creates a Handler. With a nil verifier every bearer token is accepted.
func NewHandler(llm LLM, suggester SuggestionGenerator, store Store, tokens *TokenVerifier, logger *slog.Logger) Handler {
	return Handler{
		llm:       llm,
		suggester: suggester,
		store:     store,
		tokens:    tokens,
		logger:    logger.With(slog.String("module", "upstream")),
	}
}

// Register adds the API routes to mux.
func (h Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /chat/create-chat", h.authorize(h.HandleCreateChat))
	mux.HandleFunc("POST /chat/response", h.authorize(h.HandleResponse))
	mux.HandleFunc("GET /chat/chat/history", h.authorize(h.HandleHistory))
	mux.HandleFunc("DELETE /chat/delete_chat_history/{chat_id}", h.authorize(h.HandleDeleteChat))
}

// HandleCreateChat creates an empty chat for the user of the request body.
func (h Handler) HandleCreateChat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID int64 `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == 0 {
		writeDetail(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if !h.allowed(r, body.UserID) {
		writeDetail(w, http.StatusForbidden, "user_id does not match the token")
		return
	}

	chatID, err := h.store.AddChat(r.Context(), models.Chat{ID: uuid.New().String(), UserID: body.UserID})
	if err != nil {
		h.logger.Error("Failed to add chat", slog.String(errLoggerKey, err.Error()))
		writeDetail(w, http.StatusInternalServerError, "failed to create chat")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"chat_id": chatID})
}

// HandleHistory lists the chats of the user given by the user_id query parameter with their exchanges.
func (h Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || userID == 0 {
		writeDetail(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if !h.allowed(r, userID) {
		writeDetail(w, http.StatusForbidden, "user_id does not match the token")
		return
	}

	chats, err := h.store.Chats(r.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to get chats", slog.String(errLoggerKey, err.Error()))
		writeDetail(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if chats == nil {
		chats = []models.HistoryChat{}
	}

	writeJSON(w, http.StatusOK, chats)
}

// HandleDeleteChat deletes a chat with all of its exchanges.
func (h Handler) HandleDeleteChat(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chat_id")

	chat, found, err := h.store.Chat(r.Context(), chatID)
	if err != nil {
		h.logger.Error("Failed to get chat", slog.String(errLoggerKey, err.Error()))
		writeDetail(w, http.StatusInternalServerError, "failed to load chat")
		return
	}
	if !found {
		writeDetail(w, http.StatusNotFound, "chat not found")
		return
	}
	if !h.allowed(r, chat.UserID) {
		writeDetail(w, http.StatusForbidden, "chat belongs to another user")
		return
	}

	if err := h.store.DeleteChat(r.Context(), chatID); err != nil {
		h.logger.Error("Failed to delete chat", slog.String(errLoggerKey, err.Error()))
		writeDetail(w, http.StatusInternalServerError, "failed to delete chat")
		return
	}

	writeDetail(w, http.StatusOK, "chat deleted")
}

// HandleResponse answers a question as a stream of newline-delimited frames: the echoed question, the
// answer, the sources cited by the answer when there are any, and the suggested follow-up questions.
// Every frame is flushed as soon as it is written. The exchange is stored before the answer is
// produced and completed afterwards.
func (h Handler) HandleResponse(w http.ResponseWriter, r *http.Request) {
	var req models.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" || req.ChatID == "" {
		writeDetail(w, http.StatusBadRequest, "question and chat_id are required")
		return
	}

	ctx := r.Context()

	chat, found, err := h.store.Chat(ctx, req.ChatID)
	if err != nil {
		h.logger.Error("Failed to get chat", slog.String(errLoggerKey, err.Error()))
		writeDetail(w, http.StatusInternalServerError, "failed to load chat")
		return
	}
	if !found {
		writeDetail(w, http.StatusNotFound, "chat not found")
		return
	}
	if req.UserID == 0 {
		req.UserID = chat.UserID
	}
	if req.UserID != chat.UserID || !h.allowed(r, chat.UserID) {
		writeDetail(w, http.StatusForbidden, "chat belongs to another user")
		return
	}

	previous, err := h.store.Exchanges(ctx, req.ChatID)
	if err != nil {
		h.logger.Error("Failed to get exchanges", slog.String(errLoggerKey, err.Error()))
		writeDetail(w, http.StatusInternalServerError, "failed to load chat")
		return
	}

	now := models.NewTimestamp(time.Now())
	ex := models.HistoryExchange{
		MessageID: uuid.New().String(),
		Query:     req.Question,
		CreatedAt: now,
		UpdatedAt: now,
	}
	ex.MessageID, err = h.store.AddExchange(ctx, req.ChatID, ex)
	if err != nil {
		h.logger.Error("Failed to add exchange", slog.String(errLoggerKey, err.Error()))
		writeDetail(w, http.StatusInternalServerError, "failed to store question")
		return
	}

	fw := newFrameWriter(w)
	base := models.Frame{
		Question: req.Question,
		ChatID:   req.ChatID,
		UserID:   req.UserID,
	}

	user := base
	user.Mode = models.ModeUser
	if err := fw.write(user); err != nil {
		h.logger.Warn("Client went away", slog.String(errLoggerKey, err.Error()))
		return
	}

	transcript, _ := models.HistoryChat{ChatID: req.ChatID, UserID: req.UserID, Messages: previous}.
		Transcript(req.ChatID, req.UserID)
	transcript = append(transcript, models.Message{
		Role:     models.RoleUser,
		Question: prompt(req),
	})

	text, err := h.answer(ctx, transcript)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		h.logger.Error("Failed to produce answer",
			slog.String("chatID", req.ChatID),
			slog.String(errLoggerKey, err.Error()))
		text = answerUnavailable
	}

	answer := base
	answer.Mode = models.ModeAnswer
	answer.ResponseID = models.StringPtr(ex.MessageID)
	answer.Answer = models.StringPtr(text)
	if err := fw.write(answer); err != nil {
		h.logger.Warn("Client went away", slog.String(errLoggerKey, err.Error()))
		return
	}
	ex.Answer = models.HistoryAnswer{Answer: text}

	if sources := linkSources(text); len(sources) > 0 {
		f := base
		f.Mode = models.ModeSources
		f.ResponseID = models.StringPtr(ex.MessageID)
		f.Sources = sources
		if err := fw.write(f); err != nil {
			h.logger.Warn("Client went away", slog.String(errLoggerKey, err.Error()))
		}
		ex.Sources = sources
	}

	if text != answerUnavailable && ctx.Err() == nil {
		questions, err := h.suggester.SuggestQuestions(ctx, req.Question, text)
		if err != nil {
			h.logger.Warn("Failed to suggest questions", slog.String(errLoggerKey, err.Error()))
		} else {
			f := base
			f.Mode = models.ModeSuggestions
			f.ResponseID = models.StringPtr(ex.MessageID)
			f.SuggestionQuestions = questions
			if err := fw.write(f); err != nil {
				h.logger.Warn("Client went away", slog.String(errLoggerKey, err.Error()))
			}
			ex.SuggestionQuestions = questions
		}
	}

	ex.UpdatedAt = models.NewTimestamp(time.Now())
	// The request context may be gone already; the answer is stored regardless.
	if err := h.store.UpdateExchange(context.WithoutCancel(ctx), req.ChatID, ex); err != nil {
		h.logger.Error("Failed to update exchange", slog.String(errLoggerKey, err.Error()))
	}
}

func (h Handler) answer(ctx context.Context, transcript []models.Message) (string, error) {
	var sb strings.Builder
	for chunk, err := range h.llm.Chat(ctx, transcript) {
		if err != nil {
			return "", err
		}
		sb.WriteString(chunk)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", errors.New("empty answer")
	}
	return text, nil
}

// prompt is the user turn sent to the model. An attached document precedes the question.
func prompt(req models.ChatRequest) string {
	if strings.TrimSpace(req.DocumentText) == "" {
		return req.Question
	}
	return fmt.Sprintf("Document:\n%s\n\nQuestion:\n%s", req.DocumentText, req.Question)
}

type frameWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	enc     *json.Encoder
	started bool
}

func newFrameWriter(w http.ResponseWriter) *frameWriter {
	f, _ := w.(http.Flusher)
	return &frameWriter{w: w, flusher: f, enc: json.NewEncoder(w)}
}

// write sends f as one line and flushes it.
func (fw *frameWriter) write(f models.Frame) error {
	if !fw.started {
		fw.w.Header().Set("Content-Type", "application/x-ndjson")
		fw.w.Header().Set("Cache-Control", "no-cache")
		fw.w.WriteHeader(http.StatusOK)
		fw.started = true
	}
	if err := fw.enc.Encode(f); err != nil {
		return err
	}
	if fw.flusher != nil {
		fw.flusher.Flush()
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
