package handlers_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lexassist/lexchat-web/internal/handlers"
	"github.com/lexassist/lexchat-web/internal/models"
	"github.com/lexassist/lexchat-web/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockAPI struct {
	mu sync.Mutex

	chats     []models.HistoryChat
	createID  string
	createErr error
	deleted   []string
	requests  []models.ChatRequest

	// body is streamed as the answer; when block is set the answer never ends until cancelled.
	body  string
	block bool
}

type mockStore struct {
	mu       sync.Mutex
	sessions map[string]models.Session
	pending  map[string]string
}

const testSessionID = "session-1"

var testSession = models.Session{ID: testSessionID, UserID: 7, AuthToken: "opaque-token"}

func newMockStore() *mockStore {
	return &mockStore{
		sessions: map[string]models.Session{testSessionID: testSession},
		pending:  map[string]string{},
	}
}

func newTestServer(t *testing.T, api *mockAPI, store *mockStore) http.Handler {
	t.Helper()

	m, err := handlers.NewMain(api, store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	mux := http.NewServeMux()
	m.Register(mux)
	return mux
}

func do(h http.Handler, method, target string, form url.Values, signedIn bool) *httptest.ResponseRecorder {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req := httptest.NewRequest(method, target, body)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if signedIn {
		req.AddCookie(&http.Cookie{Name: "lexchat_session", Value: testSessionID})
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "7",
		"exp": exp.Unix(),
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return token
}

func TestNewMain(t *testing.T) {
	m, err := handlers.NewMain(&mockAPI{}, newMockStore(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.NoError(t, m.Shutdown(context.Background()))
}

func TestHandleCreateSession(t *testing.T) {
	tests := []struct {
		name       string
		userID     string
		token      string
		wantStatus int
		wantCookie bool
	}{
		{
			name:       "Opaque token",
			userID:     "12",
			token:      "opaque",
			wantStatus: http.StatusSeeOther,
			wantCookie: true,
		},
		{
			name:       "Valid JWT",
			userID:     "12",
			token:      signedToken(t, time.Now().Add(time.Hour)),
			wantStatus: http.StatusSeeOther,
			wantCookie: true,
		},
		{
			name:       "Expired JWT",
			userID:     "12",
			token:      signedToken(t, time.Now().Add(-time.Hour)),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "Missing user id",
			token:      "opaque",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Missing token",
			userID:     "12",
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMockStore()
			h := newTestServer(t, &mockAPI{}, store)

			w := do(h, http.MethodPost, "/session", url.Values{
				"user_id":    {tt.userID},
				"auth_token": {tt.token},
			}, false)

			assert.Equal(t, tt.wantStatus, w.Code)

			var cookie *http.Cookie
			for _, c := range w.Result().Cookies() {
				if c.Name == "lexchat_session" {
					cookie = c
				}
			}
			if !tt.wantCookie {
				assert.Nil(t, cookie)
				return
			}
			require.NotNil(t, cookie)
			assert.True(t, cookie.HttpOnly)

			s, found, err := store.Session(context.Background(), cookie.Value)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, int64(12), s.UserID)
			assert.Equal(t, tt.token, s.AuthToken)
		})
	}
}

func TestHandleDeleteSession(t *testing.T) {
	store := newMockStore()
	h := newTestServer(t, &mockAPI{}, store)

	w := do(h, http.MethodDelete, "/session", nil, true)
	assert.Equal(t, http.StatusNoContent, w.Code)

	_, found, err := store.Session(context.Background(), testSessionID)
	require.NoError(t, err)
	assert.False(t, found)

	w = do(h, http.MethodGet, "/", nil, true)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestExpiredStoredSessionIsDropped(t *testing.T) {
	store := newMockStore()
	expired := testSession
	expired.AuthToken = signedToken(t, time.Now().Add(-time.Minute))
	store.sessions[testSessionID] = expired
	h := newTestServer(t, &mockAPI{}, store)

	w := do(h, http.MethodGet, "/", nil, true)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "Your session has expired")

	_, found, _ := store.Session(context.Background(), testSessionID)
	assert.False(t, found)
}

func TestHandleHome(t *testing.T) {
	api := &mockAPI{
		chats: []models.HistoryChat{
			{ChatID: "c2", UserID: 7, Messages: []models.HistoryExchange{
				{MessageID: "m2", Query: "Is a verbal contract binding?"},
			}},
			{ChatID: "c1", UserID: 7},
		},
	}
	h := newTestServer(t, api, newMockStore())

	tests := []struct {
		name       string
		signedIn   bool
		wantStatus int
		wantBody   []string
	}{
		{
			name:       "Signed out",
			wantStatus: http.StatusUnauthorized,
			wantBody:   []string{"Sign in"},
		},
		{
			name:       "Signed in",
			signedIn:   true,
			wantStatus: http.StatusOK,
			wantBody:   []string{"Is a verbal contract binding?", `href="/chat/c1"`, "New chat"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(h, http.MethodGet, "/", nil, tt.signedIn)
			assert.Equal(t, tt.wantStatus, w.Code)
			for _, s := range tt.wantBody {
				assert.Contains(t, w.Body.String(), s)
			}
		})
	}
}

func TestHandleCreateChat(t *testing.T) {
	store := newMockStore()
	h := newTestServer(t, &mockAPI{createID: "c9"}, store)

	w := do(h, http.MethodPost, "/chats", url.Values{"question": {""}}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(h, http.MethodPost, "/chats", url.Values{"question": {"What is a tort?"}}, true)
	require.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/chat/c9", w.Header().Get("Location"))

	q, found, err := store.TakeInitialQuery(context.Background(), 7, "c9")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "What is a tort?", q)
}

func TestHandleCreateChatAPIError(t *testing.T) {
	h := newTestServer(t, &mockAPI{createErr: fmt.Errorf("boom")}, newMockStore())

	w := do(h, http.MethodPost, "/chats", url.Values{"question": {"What is a tort?"}}, true)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestHandleChatAsksInitialQueryOnce(t *testing.T) {
	api := &mockAPI{
		body: `{"response_mode":"user","question":"What is a tort?"}` + "\n" +
			`{"response_mode":"answer","resposne_id":"r1","answer":"A civil wrong."}` + "\n",
	}
	store := newMockStore()
	require.NoError(t, store.SetInitialQuery(context.Background(), 7, "c1", "What is a tort?"))
	h := newTestServer(t, api, store)

	w := do(h, http.MethodGet, "/chat/c1", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "What is a tort?")
	assert.Contains(t, w.Body.String(), `data-streaming="true"`)

	assert.Eventually(t, func() bool { return len(api.chatRequests()) == 1 }, time.Second, 10*time.Millisecond)
	req := api.chatRequests()[0]
	assert.Equal(t, models.ChatRequest{Question: "What is a tort?", UserID: 7, ChatID: "c1"}, req)

	w = do(h, http.MethodGet, "/chat/c1", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `data-streaming="false"`)
	assert.Len(t, api.chatRequests(), 1)
}

func TestHandleChatRendersHistory(t *testing.T) {
	api := &mockAPI{
		chats: []models.HistoryChat{
			{ChatID: "c1", UserID: 7, Messages: []models.HistoryExchange{
				{
					MessageID: "m1",
					Query:     "Can my landlord keep my deposit?",
					Answer:    models.HistoryAnswer{Answer: "Only for **damage**."},
					Sources: []models.Source{
						{Title: "Deposit rules", URL: "https://www.gov.example/deposits"},
					},
					SuggestionQuestions: []string{"What counts as damage?"},
				},
				{MessageID: "", Query: "orphaned entry"},
			}},
		},
	}
	h := newTestServer(t, api, newMockStore())

	w := do(h, http.MethodGet, "/chat/c1", nil, true)
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "Can my landlord keep my deposit?")
	assert.Contains(t, body, "<strong>damage</strong>")
	assert.Contains(t, body, "gov.example")
	assert.Contains(t, body, "What counts as damage?")
	assert.NotContains(t, body, "orphaned entry")
	assert.Empty(t, api.chatRequests())
}

func TestHandleSendMessage(t *testing.T) {
	api := &mockAPI{block: true}
	h := newTestServer(t, api, newMockStore())

	tests := []struct {
		name       string
		chatID     string
		question   string
		wantStatus int
	}{
		{name: "Chat not open", chatID: "other", question: "Hello?", wantStatus: http.StatusNotFound},
		{name: "Empty question", chatID: "c1", question: " ", wantStatus: http.StatusBadRequest},
		{name: "First question", chatID: "c1", question: "Hello?", wantStatus: http.StatusAccepted},
		{name: "Question while streaming", chatID: "c1", question: "Again?", wantStatus: http.StatusConflict},
	}

	require.Equal(t, http.StatusOK, do(h, http.MethodGet, "/chat/c1", nil, true).Code)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(h, http.MethodPost, "/chat/"+tt.chatID+"/messages", url.Values{"question": {tt.question}}, true)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}

	w := do(h, http.MethodPost, "/chat/c1/cancel", nil, true)
	assert.Equal(t, http.StatusNoContent, w.Code)

	assert.Eventually(t, func() bool {
		return do(h, http.MethodPost, "/chat/c1/messages", url.Values{"question": {"After cancel?"}}, true).Code ==
			http.StatusAccepted
	}, time.Second, 10*time.Millisecond)
}

func TestHandleSendMessageRequiresSession(t *testing.T) {
	h := newTestServer(t, &mockAPI{}, newMockStore())

	w := do(h, http.MethodPost, "/chat/c1/messages", url.Values{"question": {"Hello?"}}, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleDeleteChat(t *testing.T) {
	api := &mockAPI{block: true}
	store := newMockStore()
	h := newTestServer(t, api, store)

	require.Equal(t, http.StatusOK, do(h, http.MethodGet, "/chat/c1", nil, true).Code)
	require.Equal(t, http.StatusAccepted,
		do(h, http.MethodPost, "/chat/c1/messages", url.Values{"question": {"Hello?"}}, true).Code)
	require.NoError(t, store.SetInitialQuery(context.Background(), 7, "c1", "left over"))

	w := do(h, http.MethodDelete, "/chat/c1", nil, true)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"c1"}, api.deletedChats())

	_, found, err := store.TakeInitialQuery(context.Background(), 7, "c1")
	require.NoError(t, err)
	assert.False(t, found)

	w = do(h, http.MethodPost, "/chat/c1/messages", url.Values{"question": {"Still there?"}}, true)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleSSERequiresChatID(t *testing.T) {
	h := newTestServer(t, &mockAPI{}, newMockStore())

	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/sse?chat_id=c1", nil, false).Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/sse", nil, true).Code)
}

func (m *mockAPI) StreamResponse(ctx context.Context, _ models.Session, req models.ChatRequest) (io.ReadCloser, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.block {
		pr, pw := io.Pipe()
		go func() {
			<-ctx.Done()
			_ = pw.CloseWithError(ctx.Err())
		}()
		return pr, nil
	}
	return io.NopCloser(strings.NewReader(m.body)), nil
}

func (m *mockAPI) CreateChat(_ context.Context, _ models.Session) (string, error) {
	if m.createErr != nil {
		return "", m.createErr
	}
	return m.createID, nil
}

func (m *mockAPI) Chats(_ context.Context, _ models.Session) ([]models.HistoryChat, error) {
	return m.chats, nil
}

func (m *mockAPI) History(_ context.Context, _ models.Session, chatID string) (models.HistoryChat, error) {
	for _, c := range m.chats {
		if c.ChatID == chatID {
			return c, nil
		}
	}
	return models.HistoryChat{}, services.ErrChatNotFound
}

func (m *mockAPI) DeleteChat(_ context.Context, _ models.Session, chatID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, chatID)
	return nil
}

func (m *mockAPI) chatRequests() []models.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ChatRequest(nil), m.requests...)
}

func (m *mockAPI) deletedChats() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}

func (s *mockStore) SaveSession(_ context.Context, session models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
	return nil
}

func (s *mockStore) Session(_ context.Context, id string) (models.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	return session, ok, nil
}

func (s *mockStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func pendingKey(userID int64, chatID string) string {
	return fmt.Sprintf("%d/%s", userID, chatID)
}

func (s *mockStore) SetInitialQuery(_ context.Context, userID int64, chatID, question string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[pendingKey(userID, chatID)] = question
	return nil
}

func (s *mockStore) TakeInitialQuery(_ context.Context, userID int64, chatID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.pending[pendingKey(userID, chatID)]
	delete(s.pending, pendingKey(userID, chatID))
	return q, ok, nil
}

func (s *mockStore) DeleteInitialQuery(_ context.Context, userID int64, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, pendingKey(userID, chatID))
	return nil
}
