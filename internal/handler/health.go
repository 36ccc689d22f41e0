package handler

import (
	"context"
	"net/http"

	"github.com/classbook/backend/internal/session"
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles the health check endpoint.
type HealthHandler struct {
	db       Pinger
	sessions *session.Registry
}

// NewHealthHandler creates a new HealthHandler. db may be nil when pending
// checkouts are kept in memory.
func NewHealthHandler(db Pinger, sessions *session.Registry) *HealthHandler {
	return &HealthHandler{db: db, sessions: sessions}
}

// Check handles GET /health.
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":   "ok",
		"sessions": h.sessions.Len(),
	}

	switch {
	case h.db == nil:
		status["database"] = "disabled"
	case h.db.Ping(r.Context()) != nil:
		status["database"] = "error"
		status["status"] = "degraded"
	default:
		status["database"] = "ok"
	}

	code := http.StatusOK
	if status["status"] == "degraded" {
		code = http.StatusServiceUnavailable
	}

	JSON(w, code, status)
}
