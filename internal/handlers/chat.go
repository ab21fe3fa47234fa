package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strings"

	"github.com/lexassist/lexchat-web/internal/models"
	"github.com/lexassist/lexchat-web/internal/render"
	"github.com/lexassist/lexchat-web/internal/services"
	"github.com/lexassist/lexchat-web/internal/stream"
	"github.com/tmaxmax/go-sse"
)

type messageView struct {
	Key      string
	Role     string
	Question string
	Answer   template.HTML
	Detail   template.HTML
	Image    template.URL

	Sources             []render.SourceCard
	HiddenSources       int
	SuggestionQuestions []string
}

type chatPageData struct {
	Title     string
	Error     string
	ChatID    string
	Chats     []chatItem
	Messages  []messageView
	Streaming bool
}

// SSE event types for real-time updates.
var (
	messagesSSEType  = sse.Type("messages")
	toastSSEType     = sse.Type("toast")
	streamEndSSEType = sse.Type("streamEnd")
)

const streamFailedToast = "We couldn't get an answer right now. Please try again."

// Register adds the front-end routes to mux.
func (m Main) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /session", m.HandleCreateSession)
	mux.HandleFunc("DELETE /session", m.HandleDeleteSession)

	mux.HandleFunc("GET /{$}", m.withSession(true, m.HandleHome))
	mux.HandleFunc("POST /chats", m.withSession(false, m.HandleCreateChat))
	mux.HandleFunc("GET /chat/{chat_id}", m.withSession(true, m.HandleChat))
	mux.HandleFunc("POST /chat/{chat_id}/messages", m.withSession(false, m.HandleSendMessage))
	mux.HandleFunc("POST /chat/{chat_id}/cancel", m.withSession(false, m.HandleCancel))
	mux.HandleFunc("DELETE /chat/{chat_id}", m.withSession(false, m.HandleDeleteChat))
	mux.HandleFunc("GET /sse", m.withSession(false, m.HandleSSE))
}

// HandleChat opens a conversation view, replacing the session's previous one after its stream has been
// cancelled.
//
// A chat created from the dashboard still has its initial query pending: the question is shown right
// away and its answer streamed in the background. Any other chat is seeded with its stored history.
func (m Main) HandleChat(w http.ResponseWriter, r *http.Request, s models.Session) {
	chatID := r.PathValue(chatIDParam)

	if prev := m.views.remove(s.ID, ""); prev != nil {
		prev.ctrl.Close()
	}

	data := chatPageData{Title: "Conversation", ChatID: chatID}

	question, pending, err := m.store.TakeInitialQuery(r.Context(), s.UserID, chatID)
	if err != nil {
		m.logger.Error("Failed to take initial query",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Failed to open chat", http.StatusInternalServerError)
		return
	}

	var seed []models.Message
	if !pending {
		seed, err = m.transcript(r.Context(), s, chatID)
		if err != nil {
			m.logger.Error("Failed to get chat history",
				slog.String("chatID", chatID),
				slog.String(errLoggerKey, err.Error()))
			data.Error = "This conversation could not be loaded."
		}
	}

	v := &view{chatID: chatID}
	acc := stream.NewAccumulator(seed, m.publisher(chatID), m.logger)
	v.ctrl = stream.NewController(m.api, s, chatID, acc, m.logger)
	if prev := m.views.open(s.ID, v); prev != nil {
		prev.ctrl.Close()
	}

	if pending {
		v.busy.Store(true)
		done, err := v.ctrl.Ask(context.Background(), models.ChatRequest{Question: question},
			func(acc *stream.Accumulator) {
				acc.AppendUnique(models.Message{
					Role:     models.RoleUser,
					Question: question,
					ChatID:   chatID,
					UserID:   s.UserID,
				})
			})
		if err != nil {
			v.busy.Store(false)
			m.logger.Error("Failed to start stream",
				slog.String("chatID", chatID),
				slog.String(errLoggerKey, err.Error()))
		} else {
			data.Streaming = true
			go m.awaitStream(v, done)
		}
	}

	chats, err := m.chatItems(r.Context(), s, chatID)
	if err != nil {
		m.logger.Warn("Failed to get chats",
			slog.Int64("userID", s.UserID),
			slog.String(errLoggerKey, err.Error()))
	}
	data.Chats = chats
	data.Messages = m.messageViews(acc.Messages())

	if err := m.templates.ExecuteTemplate(w, "chat.html", data); err != nil {
		m.logger.Error("Failed to render chat page", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// transcript loads the stored exchanges of the chat. A chat the history doesn't list yet has none.
func (m Main) transcript(ctx context.Context, s models.Session, chatID string) ([]models.Message, error) {
	h, err := m.api.History(ctx, s, chatID)
	if errors.Is(err, services.ErrChatNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	msgs, skipped := h.Transcript(chatID, s.UserID)
	if len(skipped) > 0 {
		m.logger.Warn("Skipped invalid history entries",
			slog.String("chatID", chatID),
			slog.Int("count", len(skipped)))
	}
	return msgs, nil
}

// HandleSendMessage asks a question in the open conversation. The answer is streamed in the
// background; the request returns 202 once the question has been placed, or 409 while another answer
// is still streaming.
func (m Main) HandleSendMessage(w http.ResponseWriter, r *http.Request, s models.Session) {
	chatID := r.PathValue(chatIDParam)

	question := strings.TrimSpace(r.FormValue("question"))
	if question == "" {
		m.logger.Error("Question is required")
		http.Error(w, "Question is required", http.StatusBadRequest)
		return
	}

	v := m.views.get(s.ID)
	if v == nil || v.chatID != chatID {
		http.Error(w, "Conversation is not open", http.StatusNotFound)
		return
	}

	if !v.busy.CompareAndSwap(false, true) {
		m.logger.Warn("Rejected question while streaming", slog.String("chatID", chatID))
		http.Error(w, stream.ErrStreamActive.Error(), http.StatusConflict)
		return
	}

	done, err := v.ctrl.Ask(context.Background(), models.ChatRequest{Question: question},
		func(acc *stream.Accumulator) {
			acc.Append(models.Message{
				Role:     models.RoleUser,
				Question: question,
				ChatID:   chatID,
				UserID:   s.UserID,
			})
		})
	if err != nil {
		v.busy.Store(false)
		m.logger.Warn("Failed to start stream",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		status := http.StatusConflict
		if errors.Is(err, stream.ErrClosed) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	go m.awaitStream(v, done)

	w.WriteHeader(http.StatusAccepted)
}

// HandleCancel stops the answer being streamed into the open conversation, if any.
func (m Main) HandleCancel(w http.ResponseWriter, r *http.Request, s models.Session) {
	if v := m.views.get(s.ID); v != nil && v.chatID == r.PathValue(chatIDParam) {
		v.ctrl.Cancel()
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleDeleteChat deletes the chat and its pending initial query, closing its view first when it is
// open.
func (m Main) HandleDeleteChat(w http.ResponseWriter, r *http.Request, s models.Session) {
	chatID := r.PathValue(chatIDParam)

	if v := m.views.remove(s.ID, chatID); v != nil {
		v.ctrl.Close()
	}

	if err := m.api.DeleteChat(r.Context(), s, chatID); err != nil {
		m.logger.Error("Failed to delete chat",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Failed to delete chat", http.StatusBadGateway)
		return
	}

	if err := m.store.DeleteInitialQuery(r.Context(), s.UserID, chatID); err != nil {
		m.logger.Warn("Failed to delete initial query",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleSSE subscribes the browser to the updates of the chat given by the chat_id query parameter.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request, _ models.Session) {
	if r.URL.Query().Get(chatIDParam) == "" {
		http.Error(w, "chat_id is required", http.StatusBadRequest)
		return
	}
	m.sseSrv.ServeHTTP(w, r)
}

// awaitStream waits for the stream of v to finish and releases the view for the next question. A failed
// stream is reported to the browser as a single toast; every stream ends with a streamEnd event.
func (m Main) awaitStream(v *view, done <-chan error) {
	err := <-done
	v.busy.Store(false)

	if err != nil {
		m.logger.Error("Stream failed",
			slog.String("chatID", v.chatID),
			slog.String(errLoggerKey, err.Error()))
		m.publish(v.chatID, toastSSEType, streamFailedToast)
	}

	m.publish(v.chatID, streamEndSSEType, "end")
}

// publisher renders every notification of the chat's accumulator and pushes it to the chat's topic.
func (m Main) publisher(chatID string) stream.Observer {
	return stream.ObserverFunc(func(msgs []models.Message) {
		var sb strings.Builder
		if err := m.templates.ExecuteTemplate(&sb, "messages", m.messageViews(msgs)); err != nil {
			m.logger.Error("Failed to render messages",
				slog.String("chatID", chatID),
				slog.String(errLoggerKey, err.Error()))
			return
		}
		m.publish(chatID, messagesSSEType, sb.String())
	})
}

func (m Main) publish(chatID string, typ sse.EventType, data string) {
	msg := sse.Message{
		Type: typ,
	}
	msg.AppendData(data)
	if err := m.sseSrv.Publish(&msg, chatTopic(chatID)); err != nil {
		m.logger.Error("Failed to publish event",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
	}
}

// messageViews prepares the visible messages for the templates: user messages, and bot messages that
// have an answer. An image attached to the question is shown in the user's bubble.
func (m Main) messageViews(msgs []models.Message) []messageView {
	views := make([]messageView, 0, len(msgs))
	for i, msg := range msgs {
		if !msg.Visible() {
			continue
		}

		mv := messageView{
			Key:                 msg.Key(i),
			Role:                string(msg.Role),
			Question:            msg.Question,
			SuggestionQuestions: msg.SuggestionQuestions,
		}
		switch msg.Role {
		case models.RoleUser:
			mv.Image = imageURL(msg.ImageBase64)
		case models.RoleBot:
			mv.Answer = m.renderAnswer(msg.Answer)
			mv.Detail = m.renderAnswer(msg.Detail)
			mv.Sources = render.Sources(msg.Sources)
			if n := len(mv.Sources) - render.VisibleSources; n > 0 {
				mv.HiddenSources = n
			}
		}
		views = append(views, mv)
	}
	return views
}

func (m Main) renderAnswer(text string) template.HTML {
	out, err := render.Answer(text)
	if err != nil {
		m.logger.Warn("Failed to render answer, showing it as text", slog.String(errLoggerKey, err.Error()))
		return template.HTML("<p>" + template.HTMLEscapeString(text) + "</p>")
	}
	return out
}

func imageURL(b64 string) template.URL {
	if b64 == "" {
		return ""
	}
	if _, err := base64.StdEncoding.DecodeString(b64); err != nil {
		return ""
	}
	return template.URL("data:image/jpeg;base64," + b64)
}
