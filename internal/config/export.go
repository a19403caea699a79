package config

import (
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Settings returns the effective configuration keyed by environment variable
// name, in the string form Load accepts.
func (c Config) Settings() map[string]string {
	return map[string]string{
		"APP_BIND_ADDR":                c.BindAddr,
		"APP_SHUTDOWN_TIMEOUT":         c.ShutdownTimeout.String(),
		"APP_METRICS_NAMESPACE":        c.MetricsNamespace,
		"APP_ALLOW_ANY_ORIGIN":         strconv.FormatBool(c.AllowAnyOrigin),
		"LOG_LEVEL":                    c.LogLevel,
		"LOG_FORMAT":                   c.LogFormat,
		"LOG_OTEL":                     strconv.FormatBool(c.LogOTel),
		"CONN_MAX_CONNECTIONS":         strconv.Itoa(c.MaxConnections),
		"CONN_OUTBOUND_BUFFER":         strconv.Itoa(c.OutboundBuffer),
		"CONN_SEND_TIMEOUT":            c.SendTimeout.String(),
		"CONN_HEARTBEAT_TIMEOUT":       c.HeartbeatTimeout.String(),
		"CONN_REAPER_INTERVAL":         c.ReaperInterval.String(),
		"QUEUE_MAX_SIZE":               strconv.Itoa(c.QueueMaxSize),
		"QUEUE_WORKER_COUNT":           strconv.Itoa(c.QueueWorkerCount),
		"QUEUE_OVERFLOW_POLICY":        c.QueueOverflowPolicy,
		"QUEUE_TASK_TIMEOUT":           c.QueueTaskTimeout.String(),
		"QUEUE_STATUS_UPDATE_INTERVAL": c.QueueStatusInterval.String(),
		"QUEUE_HIGH_WATER_RATIO":       strconv.FormatFloat(c.QueueHighWaterRatio, 'f', -1, 64),
		"QUEUE_RETENTION":              c.QueueRetention.String(),
		"QUEUE_HISTORY_WINDOW":         c.QueueHistoryWindow.String(),
		"ENGINE_MODE":                  c.EngineMode,
		"ENGINE_HTTP_URL":              c.EngineHTTPURL,
		"ENGINE_HTTP_TIMEOUT":          c.EngineHTTPTimeout.String(),
		"ENGINE_MOCK_DELAY":            c.EngineMockDelay.String(),
		"SYNTHESIZER_MODE":             c.SynthesizerMode,
		"DATABASE_URL":                 c.DatabaseURL,
		"HISTORY_CONTEXT_LIMIT":        strconv.Itoa(c.HistoryContextLimit),
		"CHARACTER_CONFIGS":            strings.Join(c.CharacterConfigs, ","),
	}
}

// MarshalTOML renders the settings as a config file LoadFile can read back.
func (c Config) MarshalTOML() ([]byte, error) {
	return toml.Marshal(c.Settings())
}
