package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr         = ":8080"
	defaultDBPath             = "switchyard.db"
	defaultMaxDelegationDepth = 6
	defaultMaxToolRounds      = 8
	defaultCoordinatorTimeout = 2 * time.Minute
	defaultSpecialistTimeout  = 45 * time.Second
	defaultWorkerCacheTTL     = 30 * time.Second
	defaultRetention          = 15 * time.Minute

	envListenAddr         = "SWITCHYARD_LISTEN_ADDR"
	envDBPath             = "SWITCHYARD_DB_PATH"
	envLogLevel           = "SWITCHYARD_LOG_LEVEL"
	envCatalog            = "SWITCHYARD_CATALOG"
	envMaxDelegationDepth = "SWITCHYARD_MAX_DELEGATION_DEPTH"
	envMaxToolRounds      = "SWITCHYARD_MAX_TOOL_ROUNDS"
	envCoordinatorTimeout = "SWITCHYARD_COORDINATOR_TIMEOUT"
	envSpecialistTimeout  = "SWITCHYARD_SPECIALIST_TIMEOUT"
	envWorkerCacheTTL     = "SWITCHYARD_WORKER_CACHE_TTL"
	envRetention          = "SWITCHYARD_RETENTION"
	envAnthropicKey       = "ANTHROPIC_API_KEY"
	envAnthropicBaseURL   = "ANTHROPIC_BASE_URL"
	envOpenAIKey          = "OPENAI_API_KEY"
	envOpenAIBaseURL      = "OPENAI_BASE_URL"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr  string
	DBPath      string
	LogLevel    slog.Level
	CatalogPath string

	MaxDelegationDepth int
	MaxToolRounds      int
	CoordinatorTimeout time.Duration
	SpecialistTimeout  time.Duration
	WorkerCacheTTL     time.Duration
	Retention          time.Duration

	AnthropicAPIKey  string
	AnthropicBaseURL string
	OpenAIAPIKey     string
	OpenAIBaseURL    string
}

// Load reads configuration from environment variables with sensible
// defaults. Values that fail to parse keep their default and are reported
// in warnings.
func Load() (Config, []string) {
	cfg := Config{
		ListenAddr:         defaultListenAddr,
		DBPath:             defaultDBPath,
		LogLevel:           slog.LevelInfo,
		MaxDelegationDepth: defaultMaxDelegationDepth,
		MaxToolRounds:      defaultMaxToolRounds,
		CoordinatorTimeout: defaultCoordinatorTimeout,
		SpecialistTimeout:  defaultSpecialistTimeout,
		WorkerCacheTTL:     defaultWorkerCacheTTL,
		Retention:          defaultRetention,
	}
	var warnings []string

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		level, err := ParseLogLevel(v)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", envLogLevel, err))
		}
		cfg.LogLevel = level
	}
	cfg.CatalogPath = os.Getenv(envCatalog)

	intVar(&cfg.MaxDelegationDepth, envMaxDelegationDepth, &warnings)
	intVar(&cfg.MaxToolRounds, envMaxToolRounds, &warnings)
	durationVar(&cfg.CoordinatorTimeout, envCoordinatorTimeout, &warnings)
	durationVar(&cfg.SpecialistTimeout, envSpecialistTimeout, &warnings)
	durationVar(&cfg.WorkerCacheTTL, envWorkerCacheTTL, &warnings)
	durationVar(&cfg.Retention, envRetention, &warnings)

	cfg.AnthropicAPIKey = os.Getenv(envAnthropicKey)
	cfg.AnthropicBaseURL = os.Getenv(envAnthropicBaseURL)
	cfg.OpenAIAPIKey = os.Getenv(envOpenAIKey)
	cfg.OpenAIBaseURL = os.Getenv(envOpenAIBaseURL)

	return cfg, warnings
}

// intVar overwrites *dst with the positive integer in env, if set.
func intVar(dst *int, env string, warnings *[]string) {
	v := os.Getenv(env)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		*warnings = append(*warnings, fmt.Sprintf("%s: %q is not a positive integer, using %d", env, v, *dst))
		return
	}
	*dst = n
}

// durationVar overwrites *dst with the positive duration in env, if set.
func durationVar(dst *time.Duration, env string, warnings *[]string) {
	v := os.Getenv(env)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		*warnings = append(*warnings, fmt.Sprintf("%s: %q is not a positive duration, using %s", env, v, *dst))
		return
	}
	*dst = d
}

// ParseLogLevel converts a level name to a slog.Level. Unknown names map to
// info and return an error.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: debug, info, warn, error)", s)
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
