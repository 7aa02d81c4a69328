package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/dirkpetersen/web-term/internal/session"
)

// SessionCookie carries the login session id.
const SessionCookie = "webterm_session"

type contextKey string

const sessionContextKey contextKey = "session"

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// RequireSession resolves the session cookie against reg and rejects the
// request with 401 when there is no live session.
func RequireSession(reg *session.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s := Lookup(reg, r)
			if s == nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
				return
			}
			s.Touch()
			ctx := context.WithValue(r.Context(), sessionContextKey, s)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Lookup returns the live session named by the request cookie, or nil.
func Lookup(reg *session.Registry, r *http.Request) *session.Session {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil || cookie.Value == "" {
		return nil
	}
	s, ok := reg.Get(cookie.Value)
	if !ok || s.Closing() {
		return nil
	}
	return s
}

func GetSession(r *http.Request) *session.Session {
	s, _ := r.Context().Value(sessionContextKey).(*session.Session)
	return s
}
