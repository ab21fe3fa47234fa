package handlers

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lexchat "github.com/lexassist/lexchat-web"
	"github.com/lexassist/lexchat-web/internal/models"
	"github.com/lexassist/lexchat-web/internal/stream"
	"github.com/tmaxmax/go-sse"
)

// API is the remote legal API the front-end acts on for the signed-in user.
type API interface {
	stream.Transport

	CreateChat(ctx context.Context, session models.Session) (string, error)
	Chats(ctx context.Context, session models.Session) ([]models.HistoryChat, error)
	History(ctx context.Context, session models.Session, chatID string) (models.HistoryChat, error)
	DeleteChat(ctx context.Context, session models.Session, chatID string) error
}

// Store keeps the front-end's own state: sessions and the question a freshly created chat is opened
// with.
type Store interface {
	SaveSession(ctx context.Context, s models.Session) error
	Session(ctx context.Context, id string) (models.Session, bool, error)
	DeleteSession(ctx context.Context, id string) error

	SetInitialQuery(ctx context.Context, userID int64, chatID, question string) error
	TakeInitialQuery(ctx context.Context, userID int64, chatID string) (string, bool, error)
	DeleteInitialQuery(ctx context.Context, userID int64, chatID string) error
}

// Main serves the chat front-end. Each session has at most one open conversation view, whose answer
// stream is pushed to the browser over server-sent events.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	api   API
	store Store

	views *views

	logger *slog.Logger
}

// view is an open conversation: the controller streaming into it and the flag that reserves it for a
// single in-flight question.
type view struct {
	chatID string
	ctrl   *stream.Controller
	busy   atomic.Bool
}

type views struct {
	mu     sync.Mutex
	byUser map[string]*view
}

const (
	errLoggerKey = "err"

	chatIDParam = "chat_id"
)

// NewMain parses the embedded templates and sets up the SSE server. Browsers subscribe to the topic of
// the chat they display, given by the chat_id query parameter.
func NewMain(api API, store Store, logger *slog.Logger) (Main, error) {
	tmpl, err := template.ParseFS(
		lexchat.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}

	return Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				topics := []string{sse.DefaultTopic}

				chatID := s.Req.URL.Query().Get(chatIDParam)
				if chatID != "" {
					topics = append(topics, chatTopic(chatID))
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		templates: tmpl,
		api:       api,
		store:     store,
		views:     &views{byUser: make(map[string]*view)},
		logger:    logger.With(slog.String("module", "main")),
	}, nil
}

func chatTopic(chatID string) string {
	return fmt.Sprintf("chat-%s", chatID)
}

// Shutdown closes every open conversation view, tells connected browsers to stop listening and waits up
// to 5 seconds for the SSE connections to end.
func (m Main) Shutdown(ctx context.Context) error {
	for _, v := range m.views.drain() {
		v.ctrl.Close()
	}

	e := &sse.Message{Type: sse.Type("closeChat")}
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

// open registers v as the session's view and returns the one it replaces.
func (vs *views) open(sessionID string, v *view) *view {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	prev := vs.byUser[sessionID]
	vs.byUser[sessionID] = v
	return prev
}

func (vs *views) get(sessionID string) *view {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.byUser[sessionID]
}

// remove unregisters the session's view. When chatID is not empty, the view is only removed if it
// displays that chat.
func (vs *views) remove(sessionID, chatID string) *view {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	v := vs.byUser[sessionID]
	if v == nil || (chatID != "" && v.chatID != chatID) {
		return nil
	}
	delete(vs.byUser, sessionID)
	return v
}

func (vs *views) drain() []*view {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	all := make([]*view, 0, len(vs.byUser))
	for id, v := range vs.byUser {
		all = append(all, v)
		delete(vs.byUser, id)
	}
	return all
}
