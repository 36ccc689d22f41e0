package handler

import (
	"net/http"

	"github.com/classbook/backend/internal/domain"
	"github.com/classbook/backend/internal/service"
	"github.com/classbook/backend/internal/session"
)

// AuthHandler handles authentication HTTP endpoints.
type AuthHandler struct {
	auth     *service.AuthService
	sessions *session.Registry
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(auth *service.AuthService, sessions *session.Registry) *AuthHandler {
	return &AuthHandler{auth: auth, sessions: sessions}
}

// Session handles POST /api/auth/session.
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	var req domain.SessionRequest
	if err := DecodeJSON(r, &req); err != nil {
		Error(w, err)
		return
	}
	if req.InitData == "" {
		Error(w, domain.ErrValidation("initData is required"))
		return
	}

	resp, err := h.auth.Login(req.InitData)
	if err != nil {
		Error(w, err)
		return
	}

	JSON(w, http.StatusOK, resp)
}

// Logout handles DELETE /api/auth/session. The chat's dashboard session is
// closed: retries stop, in-flight requests abort and its websocket is dropped.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	chatID := ChatID(r)
	if chatID == "" {
		Error(w, domain.ErrUnauthorized("no session"))
		return
	}
	h.sessions.Remove(chatID)
	w.WriteHeader(http.StatusNoContent)
}
