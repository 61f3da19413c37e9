// Package config loads typed settings from the VYAPAAR_* environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Config holds every setting documented in SPEC_FULL.md §6.
type Config struct {
	// Required.
	RazorpayKeyID      string
	RazorpayKeySecret  string
	SafeBrowsingAPIKey string
	RelationalDSN      string

	// Webhook / provider.
	WebhookSecret  string
	AccountNumber  string
	ProviderBinary string

	// Poller.
	PollIntervalSeconds int
	AutoPoll            bool

	// Rate limiting.
	RateLimitMax       int
	RateLimitWindowSec int

	// Circuit breaker.
	BreakerFailureThreshold int
	BreakerRecoveryTimeout  time.Duration
	BreakerHalfOpenMaxCalls int

	// Reputation lookups.
	SafeBrowsingAPIURL string
	GLEIFAPIURL        string

	// Notification channels.
	ChatWebhookURL    string
	ChatSigningSecret string
	PushTopic         string
	PushServerURL     string
	PushAuthToken     string

	// Anomaly scorer.
	AnomalyRiskThreshold float64

	// Atomic store.
	RedisURL string

	// Ambient.
	LogLevel          string
	LogFormat         string
	ListenAddr        string
	AuditFallbackDir  string
	AuditHashChain    bool
	AuditSocketPath   string
	PolicySeedFile    string
}

const envPrefix = "VYAPAAR_"

func env(key string) string { return os.Getenv(envPrefix + key) }

func envOrDefault(key, def string) string {
	if v := env(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := env(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloatOrDefault(key string, def float64) float64 {
	v := env(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envBoolOrDefault(key string, def bool) bool {
	v := env(key)
	if v == "" {
		return def
	}
	return v == "true" || v == "1"
}

// clamp restricts n to [lo, hi].
func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// requirement names a required env var and the field it fills, for
// structured startup validation.
type requirement struct {
	key         string
	description string
}

// Load reads Config from the environment. It reports every missing required
// variable (not just the first) and returns an error summarizing them all,
// mirroring the teacher's fix-mode violation reporting style but without its
// "fix mode" framing.
func Load() (Config, error) {
	cfg := Config{
		RazorpayKeyID:      env("RAZORPAY_KEY_ID"),
		RazorpayKeySecret:  env("RAZORPAY_KEY_SECRET"),
		SafeBrowsingAPIKey: env("SAFE_BROWSING_KEY"),
		RelationalDSN:      env("POSTGRES_DSN"),

		WebhookSecret:  env("WEBHOOK_SECRET"),
		AccountNumber:  env("RAZORPAY_ACCOUNT_NUMBER"),
		ProviderBinary: envOrDefault("PROVIDER_BINARY", "razorpay-mcp-server"),

		PollIntervalSeconds: clamp(envIntOrDefault("POLL_INTERVAL", 30), 5, 300),
		AutoPoll:            envBoolOrDefault("AUTO_POLL", false),

		RateLimitMax:       envIntOrDefault("RATE_LIMIT_MAX_REQUESTS", 10),
		RateLimitWindowSec: envIntOrDefault("RATE_LIMIT_WINDOW_SECONDS", 60),

		BreakerFailureThreshold: envIntOrDefault("CIRCUIT_BREAKER_FAILURE_THRESHOLD", 5),
		BreakerRecoveryTimeout:  time.Duration(envIntOrDefault("CIRCUIT_BREAKER_RECOVERY_TIMEOUT", 30)) * time.Second,
		BreakerHalfOpenMaxCalls: envIntOrDefault("CIRCUIT_BREAKER_HALF_OPEN_MAX_CALLS", 1),

		SafeBrowsingAPIURL: envOrDefault("SAFE_BROWSING_API_URL", "https://safebrowsing.googleapis.com/v4/threatMatches:find"),
		GLEIFAPIURL:        envOrDefault("GLEIF_API_URL", "https://api.gleif.org/api/v1"),

		ChatWebhookURL:    env("SLACK_WEBHOOK_URL"),
		ChatSigningSecret: env("SLACK_SIGNING_SECRET"),
		PushTopic:         env("NTFY_TOPIC"),
		PushServerURL:     envOrDefault("NTFY_URL", "https://ntfy.sh"),
		PushAuthToken:     env("NTFY_AUTH_TOKEN"),

		AnomalyRiskThreshold: envFloatOrDefault("ANOMALY_RISK_THRESHOLD", 0.75),

		RedisURL: envOrDefault("REDIS_URL", "redis://localhost:6379/0"),

		LogLevel:         envOrDefault("LOG_LEVEL", "info"),
		LogFormat:        envOrDefault("LOG_FORMAT", "text"),
		ListenAddr:       envOrDefault("LISTEN_ADDR", ":8090"),
		AuditFallbackDir: envOrDefault("AUDIT_FALLBACK_DIR", "./audit-fallback"),
		AuditHashChain:   envBoolOrDefault("AUDIT_HASH_CHAIN", true),
		AuditSocketPath:  env("AUDIT_SOCKET_PATH"),
		PolicySeedFile:   env("POLICY_SEED_FILE"),
	}

	required := []requirement{
		{"RAZORPAY_KEY_ID", "Razorpay API key ID"},
		{"RAZORPAY_KEY_SECRET", "Razorpay API key secret"},
		{"SAFE_BROWSING_KEY", "Google Safe Browsing API key"},
		{"POSTGRES_DSN", "relational store DSN (postgres://... or a sqlite file path)"},
	}
	var missing []requirement
	for _, r := range required {
		if env(r.key) == "" {
			missing = append(missing, r)
		}
	}
	if len(missing) > 0 {
		for _, m := range missing {
			slog.Error("missing required configuration",
				"env_var", envPrefix+m.key,
				"description", m.description)
		}
		return Config{}, fmt.Errorf("missing %d required environment variable(s), see logs for detail", len(missing))
	}

	return cfg, nil
}

// MustLoad calls Load and exits the process on error, after InitLogging has
// already run (so the violations above are emitted through the configured
// handler, not a bare default one).
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		os.Exit(1)
	}
	return cfg
}
