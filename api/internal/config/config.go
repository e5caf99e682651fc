package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	BackendONNX   = "onnx"
	BackendGemini = "gemini"

	FeedbackHTTP = "http"
	FeedbackGCS  = "gcs"
)

type Config struct {
	Port     string
	LogLevel string
	APIKey   string // bearer token for the JSON API; empty disables auth

	TelegramBotToken string
	WebhookURL       string

	DatabaseURL string

	PredictorBackend string
	PredictorURL     string
	PredictorTimeout time.Duration
	PredictorRPS     float64
	GeminiAPIKey     string
	GeminiModel      string
	SpeciesCatalog   string

	FeedbackBackend    string
	FeedbackURL        string
	GCSBucket          string
	GCSCredentialsFile string
	RetrainThreshold   int

	MaxAttempts       int
	AlternativesCount int
	MaxFileSizeMB     int
	AllowedExtensions []string
	SessionTTL        time.Duration
}

// Load reads the environment and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		APIKey:   getEnv("API_KEY", ""),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		WebhookURL:       getEnv("WEBHOOK_URL", ""),

		DatabaseURL: resolveDSN(),

		PredictorBackend: strings.ToLower(getEnv("PREDICTOR_BACKEND", BackendONNX)),
		PredictorURL:     getEnv("PREDICTOR_URL", "http://localhost:8000"),
		PredictorTimeout: time.Duration(intEnv("PREDICTOR_TIMEOUT_SEC", 30)) * time.Second,
		PredictorRPS:     floatEnv("PREDICTOR_RPS", 5),
		GeminiAPIKey:     getEnv("GEMINI_API_KEY", ""),
		GeminiModel:      getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		SpeciesCatalog:   getEnv("SPECIES_CATALOG", ""),

		FeedbackBackend:    strings.ToLower(getEnv("FEEDBACK_BACKEND", FeedbackHTTP)),
		FeedbackURL:        strings.TrimRight(getEnv("FEEDBACK_URL", "http://localhost:8001"), "/"),
		GCSBucket:          getEnv("GCS_BUCKET", ""),
		GCSCredentialsFile: getEnv("GCS_CREDENTIALS_FILE", ""),
		RetrainThreshold:   intEnv("RETRAIN_THRESHOLD", 50),

		MaxAttempts:       intEnv("MAX_ATTEMPTS", 3),
		AlternativesCount: intEnv("ALTERNATIVES_COUNT", 5),
		MaxFileSizeMB:     intEnv("MAX_FILE_SIZE_MB", 10),
		AllowedExtensions: listEnv("ALLOWED_EXTENSIONS", []string{"jpg", "jpeg", "png"}),
		SessionTTL:        time.Duration(intEnv("SESSION_TTL_MIN", 30)) * time.Minute,
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL must be debug, info, warn or error, got %q", c.LogLevel))
	}
	if p, err := strconv.Atoi(c.Port); err != nil || p < 1 || p > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be between 1 and 65535, got %q", c.Port))
	}
	switch c.PredictorBackend {
	case BackendONNX:
		if c.PredictorURL == "" {
			errs = append(errs, errors.New("PREDICTOR_URL must not be empty for the onnx backend"))
		}
	case BackendGemini:
		if c.GeminiAPIKey == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY is required for the gemini backend"))
		}
		if c.SpeciesCatalog == "" {
			errs = append(errs, errors.New("SPECIES_CATALOG is required for the gemini backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("PREDICTOR_BACKEND must be onnx or gemini, got %q", c.PredictorBackend))
	}
	switch c.FeedbackBackend {
	case FeedbackHTTP:
		if c.FeedbackURL == "" {
			errs = append(errs, errors.New("FEEDBACK_URL must not be empty for the http feedback backend"))
		}
	case FeedbackGCS:
		if c.GCSBucket == "" {
			errs = append(errs, errors.New("GCS_BUCKET is required for the gcs feedback backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("FEEDBACK_BACKEND must be http or gcs, got %q", c.FeedbackBackend))
	}
	if c.PredictorTimeout <= 0 {
		errs = append(errs, errors.New("PREDICTOR_TIMEOUT_SEC must be positive"))
	}
	if c.PredictorRPS <= 0 {
		errs = append(errs, fmt.Errorf("PREDICTOR_RPS must be positive, got %v", c.PredictorRPS))
	}
	if c.RetrainThreshold < 1 {
		errs = append(errs, fmt.Errorf("RETRAIN_THRESHOLD must be positive, got %d", c.RetrainThreshold))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("MAX_ATTEMPTS must be at least 1, got %d", c.MaxAttempts))
	}
	if c.AlternativesCount < 1 || c.AlternativesCount > 10 {
		errs = append(errs, fmt.Errorf("ALTERNATIVES_COUNT must be between 1 and 10, got %d", c.AlternativesCount))
	}
	if c.MaxFileSizeMB < 1 {
		errs = append(errs, fmt.Errorf("MAX_FILE_SIZE_MB must be positive, got %d", c.MaxFileSizeMB))
	}
	if len(c.AllowedExtensions) == 0 {
		errs = append(errs, errors.New("ALLOWED_EXTENSIONS must not be empty"))
	}
	return errors.Join(errs...)
}

// MaxFileSize is the upload limit in bytes.
// SlogLevel parses LOG_LEVEL.
func (c *Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel)))
	return l, err
}

func (c *Config) MaxFileSize() int64 { return int64(c.MaxFileSizeMB) << 20 }

// BotEnabled reports whether the Telegram front end should run.
func (c *Config) BotEnabled() bool { return c.TelegramBotToken != "" }

func getEnv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func intEnv(k string, def int) int {
	if v := getEnv(k, ""); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func floatEnv(k string, def float64) float64 {
	if v := getEnv(k, ""); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func listEnv(k string, def []string) []string {
	v := getEnv(k, "")
	if v == "" {
		return def
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		p = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(p), "."))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// resolveDSN prefers DATABASE_URL and otherwise builds a DSN from POSTGRES_*
// and PG* variables. An empty result means no database.
func resolveDSN() string {
	if v := getEnv("DATABASE_URL", ""); v != "" {
		return v
	}
	pass := os.Getenv("POSTGRES_PASSWORD")
	if pass == "" && getEnv("PGHOST", "") == "" {
		return ""
	}
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(getEnv("POSTGRES_USER", "bucaraflora"), pass),
		Host:     net.JoinHostPort(getEnv("PGHOST", "db"), getEnv("PGPORT", "5432")),
		Path:     "/" + getEnv("POSTGRES_DB", "bucaraflora"),
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// SafeDSNSummary renders a DSN without the password for logs.
func SafeDSNSummary(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "dsn: parse error"
	}
	host, port := u.Host, ""
	if h, p, err := net.SplitHostPort(u.Host); err == nil {
		host, port = h, p
	}
	db := strings.TrimPrefix(u.Path, "/")
	if port == "" {
		return fmt.Sprintf("host=%s db=%s user=%s", host, db, u.User.Username())
	}
	return fmt.Sprintf("host=%s port=%s db=%s user=%s", host, port, db, u.User.Username())
}
