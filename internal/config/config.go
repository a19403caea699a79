package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config contains all runtime settings for the orchestrator service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	LogLevel  string
	LogFormat string
	LogOTel   bool

	MaxConnections   int
	OutboundBuffer   int
	SendTimeout      time.Duration
	HeartbeatTimeout time.Duration
	ReaperInterval   time.Duration

	QueueMaxSize        int
	QueueWorkerCount    int
	QueueOverflowPolicy string
	QueueTaskTimeout    time.Duration
	QueueStatusInterval time.Duration
	QueueHighWaterRatio float64
	QueueRetention      time.Duration
	QueueHistoryWindow  time.Duration

	EngineMode        string
	EngineHTTPURL     string
	EngineHTTPTimeout time.Duration
	EngineMockDelay   time.Duration
	SynthesizerMode   string

	DatabaseURL         string
	HistoryContextLimit int
	// CharacterConfigs lists the configurations a client may switch to. The
	// first one is assigned to new sessions.
	CharacterConfigs []string
}

var defaults = map[string]any{
	"APP_BIND_ADDR":                ":8080",
	"APP_SHUTDOWN_TIMEOUT":         "10s",
	"APP_METRICS_NAMESPACE":        "chorus",
	"APP_ALLOW_ANY_ORIGIN":         "false",
	"LOG_LEVEL":                    "info",
	"LOG_FORMAT":                   "json",
	"LOG_OTEL":                     "false",
	"CONN_MAX_CONNECTIONS":         "1000",
	"CONN_OUTBOUND_BUFFER":         "256",
	"CONN_SEND_TIMEOUT":            "600ms",
	"CONN_HEARTBEAT_TIMEOUT":       "90s",
	"CONN_REAPER_INTERVAL":         "10s",
	"QUEUE_MAX_SIZE":               "100",
	"QUEUE_WORKER_COUNT":           "4",
	"QUEUE_OVERFLOW_POLICY":        "reject",
	"QUEUE_TASK_TIMEOUT":           "2m",
	"QUEUE_STATUS_UPDATE_INTERVAL": "1s",
	"QUEUE_HIGH_WATER_RATIO":       "0.8",
	"QUEUE_RETENTION":              "5m",
	"QUEUE_HISTORY_WINDOW":         "5m",
	"ENGINE_MODE":                  "auto",
	"ENGINE_HTTP_URL":              "",
	"ENGINE_HTTP_TIMEOUT":          "60s",
	"ENGINE_MOCK_DELAY":            "40ms",
	"SYNTHESIZER_MODE":             "mock",
	"DATABASE_URL":                 "",
	"HISTORY_CONTEXT_LIMIT":        "8",
	"CHARACTER_CONFIGS":            "default",
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	return LoadFile("")
}

// LoadFile layers an optional config file under the environment. Keys in the
// file use the same names as the environment variables, in any case.
func LoadFile(path string) (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()
	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		BindAddr:            trimmed(v, "APP_BIND_ADDR"),
		MetricsNamespace:    trimmed(v, "APP_METRICS_NAMESPACE"),
		LogLevel:            strings.ToLower(trimmed(v, "LOG_LEVEL")),
		LogFormat:           strings.ToLower(trimmed(v, "LOG_FORMAT")),
		QueueOverflowPolicy: strings.ToLower(trimmed(v, "QUEUE_OVERFLOW_POLICY")),
		EngineMode:          strings.ToLower(trimmed(v, "ENGINE_MODE")),
		EngineHTTPURL:       trimmed(v, "ENGINE_HTTP_URL"),
		SynthesizerMode:     strings.ToLower(trimmed(v, "SYNTHESIZER_MODE")),
		DatabaseURL:         trimmed(v, "DATABASE_URL"),
		CharacterConfigs:    listFrom(v, "CHARACTER_CONFIGS"),
	}

	var errs []error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"CONN_SEND_TIMEOUT", &cfg.SendTimeout},
		{"CONN_HEARTBEAT_TIMEOUT", &cfg.HeartbeatTimeout},
		{"CONN_REAPER_INTERVAL", &cfg.ReaperInterval},
		{"QUEUE_TASK_TIMEOUT", &cfg.QueueTaskTimeout},
		{"QUEUE_STATUS_UPDATE_INTERVAL", &cfg.QueueStatusInterval},
		{"QUEUE_RETENTION", &cfg.QueueRetention},
		{"QUEUE_HISTORY_WINDOW", &cfg.QueueHistoryWindow},
		{"ENGINE_HTTP_TIMEOUT", &cfg.EngineHTTPTimeout},
		{"ENGINE_MOCK_DELAY", &cfg.EngineMockDelay},
	}
	for _, d := range durations {
		val, err := durationFrom(v, d.key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*d.dst = val
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"CONN_MAX_CONNECTIONS", &cfg.MaxConnections},
		{"CONN_OUTBOUND_BUFFER", &cfg.OutboundBuffer},
		{"QUEUE_MAX_SIZE", &cfg.QueueMaxSize},
		{"QUEUE_WORKER_COUNT", &cfg.QueueWorkerCount},
		{"HISTORY_CONTEXT_LIMIT", &cfg.HistoryContextLimit},
	}
	for _, n := range ints {
		val, err := intFrom(v, n.key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*n.dst = val
	}

	var err error
	if cfg.AllowAnyOrigin, err = boolFrom(v, "APP_ALLOW_ANY_ORIGIN"); err != nil {
		errs = append(errs, err)
	}
	if cfg.LogOTel, err = boolFrom(v, "LOG_OTEL"); err != nil {
		errs = append(errs, err)
	}
	if cfg.QueueHighWaterRatio, err = floatFrom(v, "QUEUE_HIGH_WATER_RATIO"); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the runtime cannot operate with.
func (c Config) Validate() error {
	if c.BindAddr == "" {
		return errors.New("APP_BIND_ADDR is required")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("APP_SHUTDOWN_TIMEOUT must be > 0")
	}
	if c.MaxConnections <= 0 {
		return errors.New("CONN_MAX_CONNECTIONS must be > 0")
	}
	if c.OutboundBuffer <= 0 {
		return errors.New("CONN_OUTBOUND_BUFFER must be > 0")
	}
	if c.HeartbeatTimeout <= 0 {
		return errors.New("CONN_HEARTBEAT_TIMEOUT must be > 0")
	}
	if c.ReaperInterval <= 0 {
		return errors.New("CONN_REAPER_INTERVAL must be > 0")
	}
	if c.QueueMaxSize <= 0 {
		return errors.New("QUEUE_MAX_SIZE must be > 0")
	}
	if c.QueueWorkerCount <= 0 {
		return errors.New("QUEUE_WORKER_COUNT must be > 0")
	}
	switch c.QueueOverflowPolicy {
	case "reject", "drop_oldest":
	default:
		return fmt.Errorf("QUEUE_OVERFLOW_POLICY must be reject or drop_oldest, got %q", c.QueueOverflowPolicy)
	}
	if c.QueueTaskTimeout < 0 {
		return errors.New("QUEUE_TASK_TIMEOUT must be >= 0")
	}
	if c.QueueStatusInterval <= 0 {
		return errors.New("QUEUE_STATUS_UPDATE_INTERVAL must be > 0")
	}
	if c.QueueHighWaterRatio <= 0 || c.QueueHighWaterRatio > 1 {
		return errors.New("QUEUE_HIGH_WATER_RATIO must be in (0, 1]")
	}
	switch c.EngineMode {
	case "mock", "http", "auto":
	default:
		return fmt.Errorf("ENGINE_MODE must be mock, http or auto, got %q", c.EngineMode)
	}
	if c.EngineMode == "http" && c.EngineHTTPURL == "" {
		return errors.New("ENGINE_HTTP_URL is required when ENGINE_MODE=http")
	}
	switch c.SynthesizerMode {
	case "mock", "none":
	default:
		return fmt.Errorf("SYNTHESIZER_MODE must be mock or none, got %q", c.SynthesizerMode)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	if c.HistoryContextLimit < 0 {
		return errors.New("HISTORY_CONTEXT_LIMIT must be >= 0")
	}
	if len(c.CharacterConfigs) == 0 {
		return errors.New("CHARACTER_CONFIGS must name at least one configuration")
	}
	return nil
}

func trimmed(v *viper.Viper, key string) string {
	return strings.TrimSpace(v.GetString(key))
}

// listFrom splits a comma separated value, dropping blanks and duplicates.
func listFrom(v *viper.Viper, key string) []string {
	var out []string
	seen := map[string]bool{}
	for _, item := range strings.Split(trimmed(v, key), ",") {
		item = strings.TrimSpace(item)
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}

func durationFrom(v *viper.Viper, key string) (time.Duration, error) {
	raw := trimmed(v, key)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFrom(v *viper.Viper, key string) (int, error) {
	raw := trimmed(v, key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFrom(v *viper.Viper, key string) (float64, error) {
	raw := trimmed(v, key)
	if raw == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFrom(v *viper.Viper, key string) (bool, error) {
	switch strings.ToLower(trimmed(v, key)) {
	case "":
		return false, nil
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
