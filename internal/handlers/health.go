package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dirkpetersen/web-term/internal/audit"
	"github.com/dirkpetersen/web-term/internal/database"
	"github.com/dirkpetersen/web-term/internal/middleware"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	sessions := 0
	if Registry != nil {
		sessions = Registry.Len()
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   status,
		"database": dbStatus,
		"sessions": sessions,
	})
}

func GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Coordinator.Stats())
}

// GetAuditLogs returns the caller's own audit entries.
//
// Query parameters: event_type, since (RFC 3339), limit, offset.
func GetAuditLogs(w http.ResponseWriter, r *http.Request) {
	s := middleware.GetSession(r)
	if s == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	if AuditLog == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit log not initialized")
		return
	}

	q := r.URL.Query()
	opts := audit.QueryOptions{
		Username:  s.Username,
		EventType: q.Get("event_type"),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid since parameter, expected RFC 3339")
			return
		}
		opts.Since = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid limit parameter")
			return
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid offset parameter")
			return
		}
		opts.Offset = n
	}

	result, err := AuditLog.Query(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit log")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
