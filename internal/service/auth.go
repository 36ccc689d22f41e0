package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/classbook/backend/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// webAppDataKey derives the init-data signing secret from the bot token.
const webAppDataKey = "WebAppData"

// AuthService verifies the messaging app's signed webview init data and
// issues the session JWT the webview uses afterwards.
type AuthService struct {
	jwtSecret string
	botToken  string
	maxAge    time.Duration
	tokenTTL  time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// NewAuthService creates a new AuthService.
func NewAuthService(jwtSecret, botToken string, maxAge time.Duration, logger *zap.Logger) *AuthService {
	return &AuthService{
		jwtSecret: jwtSecret,
		botToken:  botToken,
		maxAge:    maxAge,
		tokenTTL:  24 * time.Hour,
		now:       time.Now,
		logger:    logger.Named("auth"),
	}
}

type initDataUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// Login checks initData and returns a signed session token for its chat.
func (s *AuthService) Login(initData string) (*domain.SessionResponse, error) {
	claims, err := s.verifyInitData(initData)
	if err != nil {
		s.logger.Info("rejected init data", zap.Error(err))
		return nil, domain.ErrUnauthorized("invalid init data")
	}

	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  claims.Sub,
		"name": claims.Name,
		"exp":  now.Add(s.tokenTTL).Unix(),
		"iat":  now.Unix(),
	})
	signed, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return nil, domain.ErrInternal("failed to sign token", err)
	}

	return &domain.SessionResponse{Token: signed, ChatID: claims.Sub}, nil
}

func (s *AuthService) verifyInitData(initData string) (*domain.SessionClaims, error) {
	values, err := url.ParseQuery(initData)
	if err != nil {
		return nil, fmt.Errorf("parse init data: %w", err)
	}
	hash := values.Get("hash")
	if hash == "" {
		return nil, fmt.Errorf("init data has no hash")
	}

	if !hmac.Equal([]byte(hash), []byte(SignInitData(values, s.botToken))) {
		return nil, fmt.Errorf("init data hash mismatch")
	}

	authDate, err := strconv.ParseInt(values.Get("auth_date"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("init data has no auth_date")
	}
	if s.maxAge > 0 && s.now().Sub(time.Unix(authDate, 0)) > s.maxAge {
		return nil, fmt.Errorf("init data expired")
	}

	var user initDataUser
	if err := json.Unmarshal([]byte(values.Get("user")), &user); err != nil || user.ID == 0 {
		return nil, fmt.Errorf("init data has no user")
	}

	return &domain.SessionClaims{
		Sub:  strconv.FormatInt(user.ID, 10),
		Name: strings.TrimSpace(user.FirstName + " " + user.LastName),
	}, nil
}

// SignInitData computes the hex signature of values (ignoring any hash field)
// for botToken.
func SignInitData(values url.Values, botToken string) string {
	pairs := make([]string, 0, len(values))
	for k := range values {
		if k == "hash" {
			continue
		}
		pairs = append(pairs, k+"="+values.Get(k))
	}
	sort.Strings(pairs)

	secret := hmac.New(sha256.New, []byte(webAppDataKey))
	secret.Write([]byte(botToken))
	mac := hmac.New(sha256.New, secret.Sum(nil))
	mac.Write([]byte(strings.Join(pairs, "\n")))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyToken validates a JWT token and returns the claims.
func (s *AuthService) VerifyToken(tokenStr string) (*domain.SessionClaims, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, domain.ErrUnauthorized("invalid or expired token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, domain.ErrUnauthorized("invalid token claims")
	}

	sub := getClaimString(claims, "sub")
	if sub == "" {
		return nil, domain.ErrUnauthorized("invalid token claims")
	}
	return &domain.SessionClaims{Sub: sub, Name: getClaimString(claims, "name")}, nil
}

func getClaimString(claims jwt.MapClaims, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}
