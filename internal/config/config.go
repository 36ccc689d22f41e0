package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Env           string
	Port          int
	JWTSecret     string
	BotToken      string
	StudentAPIURL string
	StudentAPIKey string
	DatabaseURL   string
	EncryptionKey string
	CORSOrigins   []string

	ReconcileDelays      []time.Duration
	UpgradeFollowupDelay time.Duration
	SessionTTL           time.Duration
	SessionLimit         int
	OverrideTTL          time.Duration
	SubscriptionCacheTTL time.Duration
	PreviewInterval      time.Duration
	InitDataMaxAge       time.Duration
	CheckoutRetention    time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first when present; real
// environment variables win over it.
func Load() (*Config, error) {
	_ = godotenv.Load()

	port, _ := strconv.Atoi(getEnv("PORT", "4001"))

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	botToken := getEnv("BOT_TOKEN", "")
	if botToken == "" {
		return nil, fmt.Errorf("BOT_TOKEN is required")
	}

	apiURL := strings.TrimRight(getEnv("STUDENT_API_URL", ""), "/")
	if apiURL == "" {
		return nil, fmt.Errorf("STUDENT_API_URL is required")
	}

	dbURL := getEnv("DATABASE_URL", "")
	encKey := getEnv("ENCRYPTION_KEY", "")
	if dbURL != "" && len(encKey) != 32 {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes when DATABASE_URL is set, got %d", len(encKey))
	}

	origins := strings.Split(getEnv("CORS_ORIGINS", "http://localhost:5173,https://web.telegram.org"), ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}

	delays, err := parseDurations(getEnv("RECONCILE_DELAYS", "2s,5s,10s"))
	if err != nil {
		return nil, fmt.Errorf("RECONCILE_DELAYS: %w", err)
	}

	cfg := &Config{
		Env:             getEnv("APP_ENV", "development"),
		Port:            port,
		JWTSecret:       jwtSecret,
		BotToken:        botToken,
		StudentAPIURL:   apiURL,
		StudentAPIKey:   getEnv("STUDENT_API_KEY", ""),
		DatabaseURL:     dbURL,
		EncryptionKey:   encKey,
		CORSOrigins:     origins,
		ReconcileDelays: delays,
		SessionLimit:    getEnvInt("SESSION_LIMIT", 10000),
	}

	durations := []struct {
		key      string
		fallback string
		dst      *time.Duration
	}{
		{"UPGRADE_FOLLOWUP_DELAY", "3s", &cfg.UpgradeFollowupDelay},
		{"SESSION_TTL", "30m", &cfg.SessionTTL},
		{"OVERRIDE_TTL", "10m", &cfg.OverrideTTL},
		{"SUBSCRIPTION_CACHE_TTL", "30s", &cfg.SubscriptionCacheTTL},
		{"PREVIEW_INTERVAL", "1m", &cfg.PreviewInterval},
		{"INIT_DATA_MAX_AGE", "24h", &cfg.InitDataMaxAge},
		{"CHECKOUT_RETENTION", "24h", &cfg.CheckoutRetention},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(getEnv(d.key, d.fallback))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = v
	}

	return cfg, nil
}

// Production reports whether the process runs with production settings.
func (c *Config) Production() bool {
	return c.Env == "production"
}

func parseDurations(s string) ([]time.Duration, error) {
	var out []time.Duration
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, err
		}
		if d <= 0 {
			return nil, fmt.Errorf("delay must be positive, got %s", d)
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one delay is required")
	}
	return out, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return fallback
}
