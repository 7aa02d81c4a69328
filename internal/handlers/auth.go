package handlers

import (
	"context"
	"errors"
	"log"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/dirkpetersen/web-term/internal/audit"
	"github.com/dirkpetersen/web-term/internal/config"
	"github.com/dirkpetersen/web-term/internal/logutil"
	"github.com/dirkpetersen/web-term/internal/middleware"
	"github.com/dirkpetersen/web-term/internal/sshauth"
	"github.com/dirkpetersen/web-term/internal/terminal"
)

// logoutTimeout bounds a logout request. The remote teardown has its own
// shorter timeout; this only guards against a stuck lock.
const logoutTimeout = 30 * time.Second

func setSessionCookie(w http.ResponseWriter, r *http.Request, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		Secure:   config.Cfg.CookieSecure || r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
	})
}

func clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   config.Cfg.CookieSecure || r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}

type sessionInfo struct {
	Username   string    `json:"username"`
	SessionTag string    `json:"session_tag"`
	CreatedAt  time.Time `json:"created_at"`
	Terminals  []string  `json:"terminals"`
	Open       []string  `json:"open_terminals"`
}

func Login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.Username == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	client, err := Validator.Authenticate(r.Context(), body.Username, body.Password)
	if err != nil {
		auditLog(r, audit.AuditEntry{
			Username:  body.Username,
			EventType: audit.EventLoginFailed,
			Details:   err.Error(),
		})

		var limited *sshauth.ErrRateLimited
		var aerr *sshauth.AuthenticationError
		switch {
		case errors.As(err, &limited):
			secs := int(math.Ceil(limited.RetryAfter.Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeError(w, http.StatusTooManyRequests, "Too many login attempts, try again later")
		case errors.As(err, &aerr) && (aerr.Reason == sshauth.ReasonInvalidCredentials || aerr.Reason == sshauth.ReasonInvalidUsername):
			writeError(w, http.StatusUnauthorized, "Invalid username or password")
		case errors.As(err, &aerr):
			writeError(w, http.StatusBadGateway, "SSH login failed: "+aerr.Reason)
		default:
			writeError(w, http.StatusInternalServerError, "Login failed")
		}
		return
	}

	s, err := Registry.Create(body.Username, client)
	if err != nil {
		client.Close()
		log.Printf("[auth] create session for %s: %v", logutil.SanitizeForLog(body.Username), err)
		writeError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}

	auditLog(r, audit.AuditEntry{
		SessionTag: s.Tag,
		Username:   s.Username,
		EventType:  audit.EventLogin,
	})

	setSessionCookie(w, r, s.ID)
	writeJSON(w, http.StatusOK, sessionInfo{
		Username:   s.Username,
		SessionTag: s.Tag,
		CreatedAt:  s.CreatedAt.UTC(),
		Terminals:  terminal.TerminalIDs,
		Open:       s.TerminalIDs(),
	})
}

// Logout destroys the login's tmux sessions, or every tmux session of the
// user with ?all=1, and drops the session. The cookie is cleared either way.
func Logout(w http.ResponseWriter, r *http.Request) {
	s := middleware.Lookup(Registry, r)
	clearSessionCookie(w, r)
	if s == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	all := r.URL.Query().Get("all")
	allLogins := all == "1" || all == "true"

	ctx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
	defer cancel()
	start := time.Now()
	err := Coordinator.DestroySession(ctx, s, allLogins)

	details := "all=" + strconv.FormatBool(allLogins)
	resp := map[string]string{"status": "ok"}
	if err != nil && !errors.Is(err, terminal.ErrSessionClosed) {
		details += " error=" + err.Error()
		resp["warning"] = "remote cleanup incomplete"
	}
	auditLog(r, audit.AuditEntry{
		SessionTag: s.Tag,
		Username:   s.Username,
		EventType:  audit.EventLogout,
		Details:    details,
		DurationMs: time.Since(start).Milliseconds(),
	})
	writeJSON(w, http.StatusOK, resp)
}

func GetCurrentUser(w http.ResponseWriter, r *http.Request) {
	s := middleware.GetSession(r)
	if s == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	writeJSON(w, http.StatusOK, sessionInfo{
		Username:   s.Username,
		SessionTag: s.Tag,
		CreatedAt:  s.CreatedAt.UTC(),
		Terminals:  terminal.TerminalIDs,
		Open:       s.TerminalIDs(),
	})
}
