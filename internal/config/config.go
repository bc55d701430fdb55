// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, the SQLite-backed KV store path, WeChat
// platform credentials, job-ledger retention windows, rate limiting, and
// observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-wechat-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// WeChatConfig holds the Official Account platform settings. Token is the
// shared secret used for callback signatures; AESKey is the 43-character
// EncodingAESKey used by the encrypted-envelope mode. AppID and AppSecret
// together enable the customer-service notification channel; when either is
// blank the service falls back to synchronous replies.
type WeChatConfig struct {
	Token         string        // WECHAT_TOKEN
	AppID         string        // WECHAT_APP_ID
	AppSecret     string        // WECHAT_APP_SECRET
	AESKey        string        // WECHAT_AES_KEY (43 chars, no '=' padding)
	ReplayProtect bool          // WECHAT_REPLAY_PROTECT
	Tolerance     time.Duration // WECHAT_TIMESTAMP_TOLERANCE (clock skew window)
	NonceTTLFloor time.Duration // WECHAT_NONCE_TTL_FLOOR (minimum seen-set TTL)
}

// LedgerConfig tunes the idempotent job ledger. The staleness window is the
// liveness compromise after which a "processing" claim may be re-acquired;
// it is configurable because the default is a heuristic, not a derived bound.
type LedgerConfig struct {
	ProcessingStaleness time.Duration // LEDGER_PROCESSING_STALENESS
	ProcessingTTL       time.Duration // LEDGER_PROCESSING_TTL
	SuccessTTL          time.Duration // LEDGER_SUCCESS_TTL
	FailedTTL           time.Duration // LEDGER_FAILED_TTL
}

// GitHubConfig controls how saved articles are published.
type GitHubConfig struct {
	DefaultBranch string // GITHUB_DEFAULT_BRANCH
	VerifyOnBind  bool   // GITHUB_VERIFY_ON_BIND (probe repo access before saving a binding)
	APIBase       string // GITHUB_API_BASE (override for tests/enterprise)
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 30s (sync-mode jobs run in-request)
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test
	ShutdownGrace     time.Duration // how long to wait for detached jobs on exit

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool   // pretty console logs in dev

	// Storage
	DBPath string // SQLite path backing the KV store

	// Platform / credentials
	WeChat       WeChatConfig
	GitHub       GitHubConfig
	Ledger       LedgerConfig
	TokenKeyB64  string        // TOKEN_ENCRYPTION_KEY (base64, 32 raw bytes; vault key)
	FetchTimeout time.Duration // FETCH_TIMEOUT per article download

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Observability
	OTEL OTELConfig
}

// NotifyEnabled reports whether the out-of-band notification channel can be
// used, which selects fire-and-forget execution for link jobs.
func (c Config) NotifyEnabled() bool {
	return c.WeChat.AppID != "" && c.WeChat.AppSecret != ""
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),
		ShutdownGrace:     getdur("SHUTDOWN_GRACE", 30*time.Second),

		// Logging
		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		// Storage
		DBPath: getenv("DB_PATH", "app.db"),

		// Platform
		WeChat: WeChatConfig{
			Token:         getenv("WECHAT_TOKEN", ""),
			AppID:         getenv("WECHAT_APP_ID", ""),
			AppSecret:     getenv("WECHAT_APP_SECRET", ""),
			AESKey:        getenv("WECHAT_AES_KEY", ""),
			ReplayProtect: getbool("WECHAT_REPLAY_PROTECT", true),
			Tolerance:     getdur("WECHAT_TIMESTAMP_TOLERANCE", 600*time.Second),
			NonceTTLFloor: getdur("WECHAT_NONCE_TTL_FLOOR", 60*time.Second),
		},
		GitHub: GitHubConfig{
			DefaultBranch: getenv("GITHUB_DEFAULT_BRANCH", "main"),
			VerifyOnBind:  getbool("GITHUB_VERIFY_ON_BIND", true),
			APIBase:       getenv("GITHUB_API_BASE", "https://api.github.com"),
		},
		Ledger: LedgerConfig{
			ProcessingStaleness: getdur("LEDGER_PROCESSING_STALENESS", 2*time.Minute),
			ProcessingTTL:       getdur("LEDGER_PROCESSING_TTL", 7*24*time.Hour),
			SuccessTTL:          getdur("LEDGER_SUCCESS_TTL", 30*24*time.Hour),
			FailedTTL:           getdur("LEDGER_FAILED_TTL", 24*time.Hour),
		},
		TokenKeyB64:  getenv("TOKEN_ENCRYPTION_KEY", ""),
		FetchTimeout: getdur("FETCH_TIMEOUT", 8*time.Second),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-wechat-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if strings.TrimSpace(cfg.WeChat.Token) == "" {
		return cfg, errors.New("WECHAT_TOKEN must not be empty")
	}
	if k := cfg.WeChat.AESKey; k != "" && len(k) != 43 {
		return cfg, errors.New("WECHAT_AES_KEY must be exactly 43 characters when set")
	}
	if cfg.WeChat.Tolerance <= 0 {
		return cfg, errors.New("WECHAT_TIMESTAMP_TOLERANCE must be > 0")
	}
	if cfg.WeChat.NonceTTLFloor <= 0 {
		return cfg, errors.New("WECHAT_NONCE_TTL_FLOOR must be > 0")
	}
	if cfg.Ledger.ProcessingStaleness <= 0 || cfg.Ledger.ProcessingTTL <= 0 ||
		cfg.Ledger.SuccessTTL <= 0 || cfg.Ledger.FailedTTL <= 0 {
		return cfg, errors.New("ledger windows must be positive durations")
	}
	if cfg.FetchTimeout <= 0 {
		return cfg, errors.New("FETCH_TIMEOUT must be > 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// Bare integers are treated as seconds; the platform documents its
		// tolerance knobs in seconds.
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}
