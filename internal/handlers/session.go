package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lexassist/lexchat-web/internal/models"
)

const sessionCookie = "lexchat_session"

var errTokenExpired = errors.New("access token has expired")

type signinPageData struct {
	Title string
	Error string
}

// tokenExpired reports whether token is a JWT whose exp claim lies before now. The signature is not
// checked here; the legal API verifies every request. Tokens that are not JWTs, or carry no exp, never
// expire from the front-end's point of view.
func tokenExpired(token string, now time.Time) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(now)
}

// HandleCreateSession adopts the user id and access token issued by the sign-in service. The pair is
// stored server-side under a random id, which becomes the session cookie.
func (m Main) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(strings.TrimSpace(r.FormValue("user_id")), 10, 64)
	if err != nil || userID <= 0 {
		m.logger.Warn("Invalid user id", slog.String("userID", r.FormValue("user_id")))
		m.renderSignin(w, http.StatusBadRequest, "A valid user id is required.")
		return
	}

	token := strings.TrimSpace(r.FormValue("auth_token"))
	if token == "" {
		m.renderSignin(w, http.StatusBadRequest, "An access token is required.")
		return
	}
	if tokenExpired(token, time.Now()) {
		m.logger.Warn("Rejected expired token", slog.Int64("userID", userID))
		m.renderSignin(w, http.StatusUnauthorized, "Your access token has expired. Please sign in again.")
		return
	}

	s := models.Session{
		ID:        uuid.New().String(),
		UserID:    userID,
		AuthToken: token,
		CreatedAt: time.Now(),
	}
	if err := m.store.SaveSession(r.Context(), s); err != nil {
		m.logger.Error("Failed to save session", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Failed to save session", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    s.ID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
	})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// HandleDeleteSession signs the user out: the open view is closed, the stored session deleted and the
// cookie cleared.
func (m Main) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sessionCookie); err == nil {
		if v := m.views.remove(c.Value, ""); v != nil {
			v.ctrl.Close()
		}
		if err := m.store.DeleteSession(r.Context(), c.Value); err != nil {
			m.logger.Error("Failed to delete session", slog.String(errLoggerKey, err.Error()))
			http.Error(w, "Failed to delete session", http.StatusInternalServerError)
			return
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

// session returns the session of the request. A session whose token has expired is deleted and reported
// as errTokenExpired.
func (m Main) session(r *http.Request) (models.Session, bool, error) {
	c, err := r.Cookie(sessionCookie)
	if err != nil || c.Value == "" {
		return models.Session{}, false, nil
	}

	s, found, err := m.store.Session(r.Context(), c.Value)
	if err != nil || !found {
		return models.Session{}, false, err
	}

	if tokenExpired(s.AuthToken, time.Now()) {
		if err := m.store.DeleteSession(r.Context(), s.ID); err != nil {
			m.logger.Warn("Failed to delete expired session", slog.String(errLoggerKey, err.Error()))
		}
		return models.Session{}, false, errTokenExpired
	}

	return s, s.Valid(), nil
}

// withSession resolves the request's session before calling h. Pages without a session show the sign-in
// form; other requests get 401.
func (m Main) withSession(page bool, h func(http.ResponseWriter, *http.Request, models.Session)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, found, err := m.session(r)
		if err != nil && !errors.Is(err, errTokenExpired) {
			m.logger.Error("Failed to load session", slog.String(errLoggerKey, err.Error()))
			http.Error(w, "Failed to load session", http.StatusInternalServerError)
			return
		}
		if !found {
			if !page {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			msg := ""
			if errors.Is(err, errTokenExpired) {
				msg = "Your session has expired. Please sign in again."
			}
			m.renderSignin(w, http.StatusUnauthorized, msg)
			return
		}
		h(w, r, s)
	}
}

func (m Main) renderSignin(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := m.templates.ExecuteTemplate(w, "signin.html", signinPageData{Title: "Sign in", Error: msg}); err != nil {
		m.logger.Error("Failed to render sign-in page", slog.String(errLoggerKey, err.Error()))
	}
}
