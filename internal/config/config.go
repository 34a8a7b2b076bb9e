package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Config contains all runtime settings for the chat relay service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	ConfigFile       string

	DatabaseURL        string
	SessionActorURL    string
	SessionIdleTimeout time.Duration

	HistoryMaxTurns     int
	CompactTriggerTurns int
	CompactKeepTurns    int
	MessageMaxChars     int
	CompactOnStream     bool

	InferenceMode         string
	InferenceURL          string
	InferenceFallbackURL  string
	InferenceAPIToken     string
	InferenceModel        string
	InferenceSummaryModel string
	InferenceTimeout      time.Duration

	PersistTimeout     time.Duration
	PersistAttempts    int
	PromptTokenMetrics bool
	StreamBufferBytes  int
}

// Load reads settings and applies safe defaults. When APP_CONFIG_FILE names a YAML file
// its keys (the same names as the environment variables) are read first; environment
// variables override them.
func Load() (Config, error) {
	src := source{}
	path := strings.TrimSpace(os.Getenv("APP_CONFIG_FILE"))
	if path != "" {
		file, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		src.file = file
	}

	cfg := Config{
		BindAddr:              src.envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:      src.envOrDefault("APP_METRICS_NAMESPACE", "chatrelay"),
		LogLevel:              src.envOrDefault("APP_LOG_LEVEL", "info"),
		ConfigFile:            path,
		DatabaseURL:           src.get("DATABASE_URL"),
		SessionActorURL:       src.get("SESSION_ACTOR_URL"),
		InferenceMode:         strings.ToLower(src.envOrDefault("INFERENCE_MODE", "auto")),
		InferenceURL:          src.get("INFERENCE_URL"),
		InferenceFallbackURL:  src.get("INFERENCE_FALLBACK_URL"),
		InferenceAPIToken:     src.get("INFERENCE_API_TOKEN"),
		InferenceModel:        src.envOrDefault("INFERENCE_MODEL", "@cf/meta/llama-3.3-70b-instruct-fp8-fast"),
		InferenceSummaryModel: src.get("INFERENCE_SUMMARY_MODEL"),
	}
	if cfg.InferenceSummaryModel == "" {
		cfg.InferenceSummaryModel = cfg.InferenceModel
	}

	var err error
	if cfg.ShutdownTimeout, err = src.durationFromEnv("APP_SHUTDOWN_TIMEOUT", 15*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.SessionIdleTimeout, err = src.durationFromEnv("SESSION_IDLE_TIMEOUT", 10*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.InferenceTimeout, err = src.durationFromEnv("INFERENCE_TIMEOUT", 60*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.PersistTimeout, err = src.durationFromEnv("PERSIST_TIMEOUT", 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.HistoryMaxTurns, err = src.intFromEnv("HISTORY_MAX_TURNS", 80); err != nil {
		return Config{}, err
	}
	if cfg.CompactTriggerTurns, err = src.intFromEnv("COMPACT_TRIGGER_TURNS", 60); err != nil {
		return Config{}, err
	}
	if cfg.CompactKeepTurns, err = src.intFromEnv("COMPACT_KEEP_TURNS", 40); err != nil {
		return Config{}, err
	}
	if cfg.MessageMaxChars, err = src.intFromEnv("MESSAGE_MAX_CHARS", 4000); err != nil {
		return Config{}, err
	}
	if cfg.PersistAttempts, err = src.intFromEnv("PERSIST_ATTEMPTS", 3); err != nil {
		return Config{}, err
	}
	if cfg.StreamBufferBytes, err = src.intFromEnv("STREAM_BUFFER_BYTES", 4<<20); err != nil {
		return Config{}, err
	}
	if cfg.CompactOnStream, err = src.boolFromEnv("COMPACT_ON_STREAM", true); err != nil {
		return Config{}, err
	}
	if cfg.PromptTokenMetrics, err = src.boolFromEnv("PROMPT_TOKEN_METRICS", false); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	positive := []struct {
		key string
		v   int
	}{
		{"HISTORY_MAX_TURNS", c.HistoryMaxTurns},
		{"COMPACT_TRIGGER_TURNS", c.CompactTriggerTurns},
		{"COMPACT_KEEP_TURNS", c.CompactKeepTurns},
		{"MESSAGE_MAX_CHARS", c.MessageMaxChars},
		{"PERSIST_ATTEMPTS", c.PersistAttempts},
		{"STREAM_BUFFER_BYTES", c.StreamBufferBytes},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return fmt.Errorf("%s must be positive", p.key)
		}
	}
	if c.CompactKeepTurns >= c.CompactTriggerTurns {
		return fmt.Errorf("COMPACT_KEEP_TURNS must be below COMPACT_TRIGGER_TURNS")
	}
	if c.PersistTimeout <= 0 || c.InferenceTimeout <= 0 {
		return fmt.Errorf("PERSIST_TIMEOUT and INFERENCE_TIMEOUT must be positive")
	}
	switch c.InferenceMode {
	case "auto", "http", "mock":
	default:
		return fmt.Errorf("INFERENCE_MODE must be one of auto, http, mock")
	}
	if c.InferenceMode == "http" && c.InferenceURL == "" {
		return fmt.Errorf("INFERENCE_URL is required when INFERENCE_MODE=http")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// SlogLevel returns the configured log level.
func (c Config) SlogLevel() slog.Level {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

func parseLevel(v string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return slog.LevelInfo, fmt.Errorf("APP_LOG_LEVEL parse error: %w", err)
	}
	return level, nil
}

func readFile(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	out := make(map[string]string, len(doc))
	for key, v := range doc {
		switch v.(type) {
		case map[string]any, []any:
			return nil, fmt.Errorf("config file %s: %s must be a scalar", path, key)
		case nil:
			continue
		}
		out[key] = strings.TrimSpace(fmt.Sprint(v))
	}
	return out, nil
}

// source resolves a key from the environment first, then the config file.
type source struct {
	file map[string]string
}

func (s source) get(key string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return s.file[key]
}

func (s source) envOrDefault(key, fallback string) string {
	v := s.get(key)
	if v == "" {
		return fallback
	}
	return v
}

func (s source) durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := s.get(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func (s source) intFromEnv(key string, fallback int) (int, error) {
	v := s.get(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func (s source) boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(s.get(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
