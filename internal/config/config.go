package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text; empty picks by environment
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	Metrics      bool   `yaml:"metrics"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Logging     LoggingConfig   `yaml:"logging"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Content     ContentConfig   `yaml:"content"`
	Positions   PositionsConfig `yaml:"positions"`
	Journal     JournalConfig   `yaml:"journal"`
	Playback    PlaybackConfig  `yaml:"playback"`
	Recorder    RecorderConfig  `yaml:"recorder"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// ContentConfig points at the content service. A zero timeout leaves
// requests unbounded; a hung call keeps the session loading until it settles.
type ContentConfig struct {
	BaseURL   string `yaml:"base_url"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type PositionsConfig struct {
	Backend string `yaml:"backend"` // memory, sqlite
	Path    string `yaml:"path"`
}

type JournalConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type PlaybackConfig struct {
	SaveIntervalMS int     `yaml:"save_interval_ms"`
	DeviceTickMS   int     `yaml:"device_tick_ms"`
	DeviceRate     float64 `yaml:"device_rate"`
}

type RecorderConfig struct {
	Mode          string `yaml:"mode"` // mock, exec
	Command       string `yaml:"command"`
	SampleRate    int    `yaml:"sample_rate"`
	Channels      int    `yaml:"channels"`
	MaxDurationMS int    `yaml:"max_duration_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-reader",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			OTLPInsecure: true,
			Metrics:      true,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Host:           "127.0.0.1",
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Content: ContentConfig{
			BaseURL: "http://localhost:3002",
		},
		Positions: PositionsConfig{
			Backend: "sqlite",
			Path:    "./data/reader-positions.db",
		},
		Journal: JournalConfig{
			Path:          "./data/reader-journal.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Playback: PlaybackConfig{
			SaveIntervalMS: 1000,
			DeviceTickMS:   250,
			DeviceRate:     1.0,
		},
		Recorder: RecorderConfig{
			Mode:          "mock",
			SampleRate:    16000,
			Channels:      1,
			MaxDurationMS: 30000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_READER_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_READER_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_READER_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_READER_HTTP_PORT")
	overrideString(&cfg.Logging.Level, "LOQA_READER_LOG_LEVEL")
	overrideString(&cfg.Logging.Format, "LOQA_READER_LOG_FORMAT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_READER_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_READER_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.Metrics, "LOQA_READER_TELEMETRY_METRICS")
	overrideBool(&cfg.Bus.Enabled, "LOQA_READER_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_READER_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "LOQA_READER_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "LOQA_READER_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_READER_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_READER_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_READER_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_READER_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_READER_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_READER_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_READER_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Content.BaseURL, "LOQA_READER_CONTENT_BASE_URL")
	overrideInt(&cfg.Content.TimeoutMS, "LOQA_READER_CONTENT_TIMEOUT_MS")
	overrideString(&cfg.Positions.Backend, "LOQA_READER_POSITIONS_BACKEND")
	overrideString(&cfg.Positions.Path, "LOQA_READER_POSITIONS_PATH")
	overrideString(&cfg.Journal.Path, "LOQA_READER_JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "LOQA_READER_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "LOQA_READER_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxSessions, "LOQA_READER_JOURNAL_MAX_SESSIONS")
	overrideBool(&cfg.Journal.VacuumOnStart, "LOQA_READER_JOURNAL_VACUUM_ON_START")
	overrideInt(&cfg.Playback.SaveIntervalMS, "LOQA_READER_PLAYBACK_SAVE_INTERVAL_MS")
	overrideInt(&cfg.Playback.DeviceTickMS, "LOQA_READER_PLAYBACK_DEVICE_TICK_MS")
	overrideFloat(&cfg.Playback.DeviceRate, "LOQA_READER_PLAYBACK_DEVICE_RATE")
	overrideString(&cfg.Recorder.Mode, "LOQA_READER_RECORDER_MODE")
	overrideString(&cfg.Recorder.Command, "LOQA_READER_RECORDER_COMMAND")
	overrideInt(&cfg.Recorder.SampleRate, "LOQA_READER_RECORDER_SAMPLE_RATE")
	overrideInt(&cfg.Recorder.Channels, "LOQA_READER_RECORDER_CHANNELS")
	overrideInt(&cfg.Recorder.MaxDurationMS, "LOQA_READER_RECORDER_MAX_DURATION_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "", "json", "text":
	default:
		return errors.New("logging.format must be one of json|text")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if strings.TrimSpace(cfg.Content.BaseURL) == "" {
		return errors.New("content.base_url must not be empty")
	}
	if cfg.Content.TimeoutMS < 0 {
		return errors.New("content.timeout_ms must be >= 0")
	}
	switch cfg.Positions.Backend {
	case "memory":
	case "sqlite":
		if cfg.Positions.Path == "" {
			return errors.New("positions.path must be set when backend=sqlite")
		}
	default:
		return errors.New("positions.backend must be one of memory|sqlite")
	}
	switch cfg.Journal.RetentionMode {
	case "ephemeral":
	case "session", "persistent":
		if cfg.Journal.Path == "" {
			return errors.New("journal.path must not be empty")
		}
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must be >= 0")
	}
	if cfg.Playback.SaveIntervalMS <= 0 {
		return errors.New("playback.save_interval_ms must be positive")
	}
	if cfg.Playback.DeviceTickMS <= 0 {
		return errors.New("playback.device_tick_ms must be positive")
	}
	if cfg.Playback.DeviceRate <= 0 {
		return errors.New("playback.device_rate must be positive")
	}
	switch cfg.Recorder.Mode {
	case "mock":
	case "exec":
		if cfg.Recorder.Command == "" {
			return errors.New("recorder.command must be set when mode=exec")
		}
	default:
		return errors.New("recorder.mode must be one of mock|exec")
	}
	if cfg.Recorder.SampleRate <= 0 {
		return errors.New("recorder.sample_rate must be positive")
	}
	if cfg.Recorder.Channels <= 0 {
		return errors.New("recorder.channels must be positive")
	}
	if cfg.Recorder.MaxDurationMS <= 0 {
		return errors.New("recorder.max_duration_ms must be positive")
	}
	return nil
}
