package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/classbook/backend/internal/contextkeys"
	"github.com/classbook/backend/internal/handler"
	"github.com/classbook/backend/internal/service"
)

// Auth creates a JWT authentication middleware. The websocket endpoint may
// pass the token as the token query parameter, since browsers cannot set
// headers on upgrade requests.
func Auth(authSvc *service.AuthService) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				handler.JSON(w, http.StatusUnauthorized, map[string]string{"error": "no token provided"})
				return
			}

			claims, err := authSvc.VerifyToken(token)
			if err != nil {
				handler.JSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or expired token"})
				return
			}

			ctx := context.WithValue(r.Context(), contextkeys.ChatID, claims.Sub)
			ctx = context.WithValue(ctx, contextkeys.ChatName, claims.Name)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		t := r.URL.Query().Get("token")
		return t, t != ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
