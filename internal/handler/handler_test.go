package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/classbook/backend/internal/contextkeys"
	"github.com/classbook/backend/internal/domain"
	"github.com/classbook/backend/internal/session"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		body   string
	}{
		{name: "aborted", err: domain.ErrAborted, status: StatusClientClosedRequest},
		{name: "wrapped abort", err: fmt.Errorf("subscribe: %w", domain.ErrAborted), status: StatusClientClosedRequest},
		{name: "upstream message", err: domain.ErrUpstream("Card declined", errors.New("402")), status: http.StatusBadGateway, body: "Card declined"},
		{name: "network", err: domain.ErrUnavailable(errors.New("dial")), status: http.StatusServiceUnavailable, body: domain.NetworkFailureMessage},
		{name: "conflict", err: domain.ErrConflict("a checkout is already in progress"), status: http.StatusConflict, body: "a checkout is already in progress"},
		{name: "unknown", err: errors.New("boom"), status: http.StatusInternalServerError, body: "internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			Error(w, tt.err)
			assert.Equal(t, tt.status, w.Code)
			if tt.body == "" {
				assert.Empty(t, w.Body.String())
				return
			}
			var resp map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.body, resp["error"])
		})
	}
}

func withChat(r *http.Request, chatID string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), contextkeys.ChatID, chatID))
}

func TestState(t *testing.T) {
	sessions := session.NewRegistry(10, time.Hour, nil)
	defer sessions.Close()
	sessions.Get("chat-1").Select(5)
	h := NewSubscriptionHandler(nil, sessions)

	w := httptest.NewRecorder()
	h.State(w, withChat(httptest.NewRequest(http.MethodGet, "/api/state", nil), "chat-1"))
	require.Equal(t, http.StatusOK, w.Code)
	var snap session.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, int64(5), snap.StudentID)

	w = httptest.NewRecorder()
	h.State(w, httptest.NewRequest(http.MethodGet, "/api/state", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestParams(t *testing.T) {
	r := chi.NewRouter()
	var got int64
	var gotErr error
	r.Get("/students/{id}", func(w http.ResponseWriter, r *http.Request) {
		got, gotErr = idParam(r, "id")
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/students/42", nil))
	require.NoError(t, gotErr)
	assert.Equal(t, int64(42), got)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/students/abc", nil))
	assert.Error(t, gotErr)

	_, err := idQuery(httptest.NewRequest(http.MethodGet, "/preview?packageId=0", nil), "packageId")
	appErr, ok := domain.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, appErr.Code)
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func TestHealth(t *testing.T) {
	sessions := session.NewRegistry(10, time.Hour, nil)
	defer sessions.Close()

	tests := []struct {
		name   string
		db     Pinger
		status int
		dbText string
	}{
		{name: "memory store", db: nil, status: http.StatusOK, dbText: "disabled"},
		{name: "database up", db: fakePinger{}, status: http.StatusOK, dbText: "ok"},
		{name: "database down", db: fakePinger{err: errors.New("down")}, status: http.StatusServiceUnavailable, dbText: "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			NewHealthHandler(tt.db, sessions).Check(w, httptest.NewRequest(http.MethodGet, "/health", nil))
			assert.Equal(t, tt.status, w.Code)
			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.dbText, body["database"])
		})
	}
}

func TestLogout_ClosesSession(t *testing.T) {
	sessions := session.NewRegistry(10, time.Hour, nil)
	defer sessions.Close()
	sess := sessions.Get("chat-1")
	tk := sess.Select(5)
	h := NewAuthHandler(nil, sessions)

	w := httptest.NewRecorder()
	h.Logout(w, withChat(httptest.NewRequest(http.MethodDelete, "/api/auth/session", nil), "chat-1"))

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.False(t, sess.Valid(tk))
	assert.Zero(t, sessions.Len())

	w = httptest.NewRecorder()
	h.Logout(w, httptest.NewRequest(http.MethodDelete, "/api/auth/session", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
