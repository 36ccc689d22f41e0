package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/classbook/backend/internal/contextkeys"
	"github.com/classbook/backend/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const botToken = "123456:test-token"

func issueToken(t *testing.T, auth *service.AuthService) string {
	t.Helper()
	v := url.Values{}
	v.Set("auth_date", strconv.FormatInt(time.Now().Unix(), 10))
	v.Set("user", `{"id":4242,"first_name":"Ada"}`)
	v.Set("hash", service.SignInitData(v, botToken))
	resp, err := auth.Login(v.Encode())
	require.NoError(t, err)
	return resp.Token
}

func TestAuth(t *testing.T) {
	auth := service.NewAuthService("jwt-secret", botToken, time.Hour, zap.NewNop())
	token := issueToken(t, auth)

	var chatID string
	h := Auth(auth)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chatID, _ = r.Context().Value(contextkeys.ChatID).(string)
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		setup  func(r *http.Request)
		status int
	}{
		{name: "bearer header", setup: func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }, status: http.StatusNoContent},
		{name: "query token", setup: func(r *http.Request) { r.URL.RawQuery = "token=" + token }, status: http.StatusNoContent},
		{name: "missing", setup: func(*http.Request) {}, status: http.StatusUnauthorized},
		{name: "wrong scheme", setup: func(r *http.Request) { r.Header.Set("Authorization", "Basic "+token) }, status: http.StatusUnauthorized},
		{name: "garbage", setup: func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, status: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chatID = ""
			r := httptest.NewRequest(http.MethodGet, "/api/state", nil)
			tt.setup(r)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusNoContent {
				assert.Equal(t, "4242", chatID)
			}
		})
	}
}

func TestRateLimiter_PerChat(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := NewRateLimiter(ctx, 1, 2)
	now := time.Now()

	assert.True(t, rl.allow("chat:1", now))
	assert.True(t, rl.allow("chat:1", now))
	assert.False(t, rl.allow("chat:1", now))
	assert.True(t, rl.allow("chat:2", now), "buckets are independent")

	rl.sweep(now.Add(4 * time.Minute))
	assert.True(t, rl.allow("chat:1", now.Add(4*time.Minute)), "idle visitor was forgotten")
}

func TestVisitorKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "ip:10.0.0.1", visitorKey(r))

	r.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.1")
	assert.Equal(t, "ip:1.2.3.4", visitorKey(r))

	r = r.WithContext(context.WithValue(r.Context(), contextkeys.ChatID, "42"))
	assert.Equal(t, "chat:42", visitorKey(r))
}

func TestRecovery(t *testing.T) {
	h := Recovery(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestLogger_SetsRequestID(t *testing.T) {
	var seen string
	h := Logger(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = r.Context().Value(contextkeys.RequestID).(string)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get("X-Request-ID"))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-ID", "abc")
	h.ServeHTTP(httptest.NewRecorder(), r)
	assert.Equal(t, "abc", seen)
}
