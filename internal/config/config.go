package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "volley.db"

	envListenAddr      = "VOLLEY_LISTEN_ADDR"
	envDBPath          = "VOLLEY_DB_PATH"
	envLogLevel        = "VOLLEY_LOG_LEVEL"
	envDialTimeout     = "VOLLEY_DIAL_TIMEOUT"
	envReadTimeout     = "VOLLEY_READ_TIMEOUT"
	envQueueTimeout    = "VOLLEY_QUEUE_TIMEOUT"
	envMaxResponseSize = "VOLLEY_MAX_RESPONSE_SIZE"
)

// ErrInvalidEnv is returned by Load when a variable is set to an unusable
// value.
var ErrInvalidEnv = errors.New("invalid environment setting")

// Config holds process settings read from VOLLEY_* environment variables.
// The socket limits apply to every run the process executes; zero leaves the
// engine default in place.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	QueueTimeout    time.Duration
	MaxResponseSize int
}

// Load reads the environment. Unset variables keep their defaults; a
// malformed duration or size is an error rather than a silent fallback.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr: defaultListenAddr,
		DBPath:     defaultDBPath,
		LogLevel:   slog.LevelInfo,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}

	var errs []error
	for _, d := range []struct {
		env string
		dst *time.Duration
	}{
		{envDialTimeout, &cfg.DialTimeout},
		{envReadTimeout, &cfg.ReadTimeout},
		{envQueueTimeout, &cfg.QueueTimeout},
	} {
		if err := lookupDuration(d.env, d.dst); err != nil {
			errs = append(errs, err)
		}
	}
	if v := os.Getenv(envMaxResponseSize); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Errorf("%w: %s=%q is not a positive byte count", ErrInvalidEnv, envMaxResponseSize, v))
		} else {
			cfg.MaxResponseSize = n
		}
	}

	return cfg, errors.Join(errs...)
}

func lookupDuration(env string, dst *time.Duration) error {
	v := os.Getenv(env)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fmt.Errorf("%w: %s=%q is not a positive duration", ErrInvalidEnv, env, v)
	}
	*dst = d
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
