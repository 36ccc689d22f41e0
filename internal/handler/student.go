package handler

import (
	"net/http"

	"github.com/classbook/backend/internal/service"
	"github.com/classbook/backend/internal/session"
)

// StudentHandler handles the student picker and dashboard endpoints.
type StudentHandler struct {
	svc      *service.StudentService
	sessions *session.Registry
}

// NewStudentHandler creates a new StudentHandler.
func NewStudentHandler(svc *service.StudentService, sessions *session.Registry) *StudentHandler {
	return &StudentHandler{svc: svc, sessions: sessions}
}

// List handles GET /api/students.
func (h *StudentHandler) List(w http.ResponseWriter, r *http.Request) {
	students, err := h.svc.List(r.Context())
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"students": students,
	})
}

// Select handles POST /api/students/{id}/select.
func (h *StudentHandler) Select(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		Error(w, err)
		return
	}
	sess, err := sessionFor(h.sessions, r)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, h.svc.Select(r.Context(), sess, id))
}

// Dashboard handles GET /api/students/{id}/dashboard.
func (h *StudentHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		Error(w, err)
		return
	}
	sess, err := sessionFor(h.sessions, r)
	if err != nil {
		Error(w, err)
		return
	}
	d, err := h.svc.Dashboard(r.Context(), sess, id)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, d)
}
