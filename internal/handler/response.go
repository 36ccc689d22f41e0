package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/classbook/backend/internal/contextkeys"
	"github.com/classbook/backend/internal/domain"
	"github.com/classbook/backend/internal/session"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// StatusClientClosedRequest is written when a request was abandoned because
// the client went away or switched student. The webview ignores it.
const StatusClientClosedRequest = 499

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			zap.L().Warn("failed to encode JSON response", zap.Error(err))
		}
	}
}

// Error writes an error JSON response, using AppError status codes when available.
func Error(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrAborted) {
		w.WriteHeader(StatusClientClosedRequest)
		return
	}
	if appErr, ok := domain.AsAppError(err); ok {
		if appErr.Code >= http.StatusInternalServerError {
			zap.L().Warn("request failed", zap.Int("status", appErr.Code), zap.Error(err))
		}
		JSON(w, appErr.Code, map[string]string{"error": appErr.Message})
		return
	}
	zap.L().Error("unhandled error", zap.Error(err))
	JSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
}

// DecodeJSON decodes a JSON request body into the given struct.
func DecodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.ErrBadRequest("invalid JSON body")
	}
	return nil
}

// ChatID returns the authenticated chat of the request.
func ChatID(r *http.Request) string {
	id, _ := r.Context().Value(contextkeys.ChatID).(string)
	return id
}

// sessionFor returns the dashboard session of the authenticated chat.
func sessionFor(sessions *session.Registry, r *http.Request) (*session.Session, error) {
	chatID := ChatID(r)
	if chatID == "" {
		return nil, domain.ErrUnauthorized("no session")
	}
	return sessions.Get(chatID), nil
}

func idParam(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.ErrBadRequest("invalid " + name)
	}
	return id, nil
}

func idQuery(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.URL.Query().Get(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.ErrBadRequest("invalid " + name)
	}
	return id, nil
}
