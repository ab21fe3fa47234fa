package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/lexassist/lexchat-web/internal/models"
)

type chatItem struct {
	ID    string
	Title string

	Active bool
}

type homePageData struct {
	Title string
	Error string
	Chats []chatItem
}

// HandleHome renders the dashboard: the user's conversations and the form that starts a new one.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request, s models.Session) {
	data := homePageData{}

	chats, err := m.chatItems(r.Context(), s, "")
	if err != nil {
		m.logger.Error("Failed to get chats",
			slog.Int64("userID", s.UserID),
			slog.String(errLoggerKey, err.Error()))
		data.Error = "Your conversations could not be loaded."
	}
	data.Chats = chats

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to render home page", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleCreateChat creates a chat for the question of the dashboard form and redirects to it. The
// question is kept as the chat's pending initial query and asked when the chat view opens.
func (m Main) HandleCreateChat(w http.ResponseWriter, r *http.Request, s models.Session) {
	question := strings.TrimSpace(r.FormValue("question"))
	if question == "" {
		m.logger.Error("Question is required")
		http.Error(w, "Question is required", http.StatusBadRequest)
		return
	}

	chatID, err := m.api.CreateChat(r.Context(), s)
	if err != nil {
		m.logger.Error("Failed to create chat",
			slog.Int64("userID", s.UserID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Failed to create chat", http.StatusBadGateway)
		return
	}

	if err := m.store.SetInitialQuery(r.Context(), s.UserID, chatID, question); err != nil {
		m.logger.Error("Failed to store initial query",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Failed to store question", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, "/chat/"+chatID, http.StatusSeeOther)
}

// chatItems lists the user's chats for the sidebar, most recent first, marking activeID.
func (m Main) chatItems(ctx context.Context, s models.Session, activeID string) ([]chatItem, error) {
	history, err := m.api.Chats(ctx, s)
	if err != nil {
		return nil, err
	}

	items := make([]chatItem, 0, len(history))
	for _, h := range history {
		c := h.Chat()
		items = append(items, chatItem{
			ID:     c.ID,
			Title:  c.Title,
			Active: c.ID == activeID,
		})
	}
	return items, nil
}
