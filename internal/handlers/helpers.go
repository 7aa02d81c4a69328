package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/dirkpetersen/web-term/internal/audit"
	"github.com/dirkpetersen/web-term/internal/session"
	"github.com/dirkpetersen/web-term/internal/sshauth"
	"github.com/dirkpetersen/web-term/internal/terminal"
)

// Set from main.go during init.
var (
	Registry    *session.Registry
	Coordinator *terminal.Coordinator
	Validator   *sshauth.Validator
	AuditLog    *audit.Auditor
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// auditLog records e with the request's source address. AuditLog may be nil.
func auditLog(r *http.Request, e audit.AuditEntry) {
	if r != nil {
		e.SourceIP = r.RemoteAddr
	}
	AuditLog.Log(e)
}

// maxJSONBody bounds small JSON request bodies.
const maxJSONBody = 1 << 20

func decodeJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(v)
}
