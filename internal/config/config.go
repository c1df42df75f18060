// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes worker settings
// such as the database path, hostname identity, download pacing, media
// filters, the admin HTTP surface, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tbourn/tg-media-archiver/internal/domain"
)

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "tg-media-archiver")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// AdminConfig defines the read-only audit HTTP surface.
type AdminConfig struct {
	Enabled        bool          // ADMIN_ENABLED
	Port           string        // ADMIN_PORT, just the number
	ReadTimeout    time.Duration // ADMIN_READ_TIMEOUT
	WriteTimeout   time.Duration // ADMIN_WRITE_TIMEOUT
	IdleTimeout    time.Duration // ADMIN_IDLE_TIMEOUT
	MaxHeaderBytes int           // ADMIN_MAX_HEADER_BYTES
	GinMode        string        // GIN_MODE: debug|release|test
}

// Config holds all configuration values for the archiver worker.
type Config struct {
	// Identity
	Hostname string // HOSTNAME_OVERRIDE wins over os.Hostname (resolved in main)

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool   // pretty console logs in dev

	// Storage
	DBPath      string        // SQLite path (shared volume for multi-host runs)
	DownloadDir string        // root directory for downloaded media
	OpTimeout   time.Duration // bound on any single storage operation

	// Source / filtering
	ExportPath string             // path to the message export feed (JSONL)
	ChatID     int64              // chat to archive; 0 means take every chat in the feed
	DateFrom   time.Time          // inclusive lower bound; zero means unbounded
	DateTo     time.Time          // exclusive upper bound; zero means unbounded
	MediaTypes []domain.MediaType // media kinds to download; others are skipped

	// Download pacing
	RateRPS   float64 // downloads per second against the platform (>= 0)
	RateBurst int     // burst size (>= 1)

	// Surfaces
	Admin AdminConfig
	OTEL  OTELConfig
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
		Hostname: getenv("HOSTNAME_OVERRIDE", ""),

		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		DBPath:      getenv("DB_PATH", "archive.db"),
		DownloadDir: getenv("DOWNLOAD_DIR", "media"),
		OpTimeout:   getdur("OP_TIMEOUT", 30*time.Second),

		ExportPath: getenv("EXPORT_PATH", ""),
		ChatID:     getint64("CHAT_ID", 0),
		DateFrom:   gettime("DATE_FROM"),
		DateTo:     gettime("DATE_TO"),
		MediaTypes: splitMediaTypes(getenv("MEDIA_TYPES", "photo,video")),

		RateRPS:   getfloat("RATE_RPS", 2.0),
		RateBurst: getint("RATE_BURST", 4),

		Admin: AdminConfig{
			Enabled:        getbool("ADMIN_ENABLED", false),
			Port:           getenv("ADMIN_PORT", "8080"),
			ReadTimeout:    getdur("ADMIN_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getdur("ADMIN_WRITE_TIMEOUT", 20*time.Second),
			IdleTimeout:    getdur("ADMIN_IDLE_TIMEOUT", 60*time.Second),
			MaxHeaderBytes: getint("ADMIN_MAX_HEADER_BYTES", 1<<20),
			GinMode:        strings.ToLower(getenv("GIN_MODE", "release")),
		},
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "tg-media-archiver"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.Admin.GinMode {
	case "debug", "release", "test":
	default:
		cfg.Admin.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if strings.TrimSpace(cfg.DownloadDir) == "" {
		return cfg, errors.New("DOWNLOAD_DIR must not be empty")
	}
	if cfg.OpTimeout <= 0 {
		return cfg, errors.New("OP_TIMEOUT must be a positive duration")
	}
	if len(cfg.MediaTypes) == 0 {
		return cfg, errors.New("MEDIA_TYPES must name at least one of: photo, video, other")
	}
	for _, m := range cfg.MediaTypes {
		if !m.IsValid() {
			return cfg, errors.New("MEDIA_TYPES entries must be one of: photo, video, other")
		}
	}
	if !cfg.DateFrom.IsZero() && !cfg.DateTo.IsZero() && !cfg.DateFrom.Before(cfg.DateTo) {
		return cfg, errors.New("DATE_FROM must be before DATE_TO")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Admin.Enabled {
		if strings.TrimSpace(cfg.Admin.Port) == "" {
			return cfg, errors.New("ADMIN_PORT must not be empty")
		}
		if cfg.Admin.ReadTimeout <= 0 || cfg.Admin.WriteTimeout <= 0 || cfg.Admin.IdleTimeout <= 0 {
			return cfg, errors.New("admin timeouts must be positive durations")
		}
		if cfg.Admin.MaxHeaderBytes <= 0 {
			return cfg, errors.New("ADMIN_MAX_HEADER_BYTES must be > 0")
		}
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// WantsMedia reports whether the configured filter includes m.
func (c Config) WantsMedia(m domain.MediaType) bool {
	for _, want := range c.MediaTypes {
		if want == m {
			return true
		}
	}
	return false
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

func getint64(k string, def int64) int64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
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
	}
	return def
}

// gettime parses RFC 3339 or bare dates ("2024-01-31"); zero on absence.
func gettime(k string) time.Time {
	v, ok := os.LookupEnv(k)
	if !ok || v == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t
	}
	return time.Time{}
}

func splitMediaTypes(s string) []domain.MediaType {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]domain.MediaType, 0, len(parts))
	for _, p := range parts {
		t := strings.ToLower(strings.TrimSpace(p))
		if t != "" {
			out = append(out, domain.MediaType(t))
		}
	}
	return out
}
