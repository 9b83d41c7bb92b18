package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type EngineConfig struct {
	Mode               string `yaml:"mode"` // edge, mock
	Endpoint           string `yaml:"endpoint"`
	VoicesEndpoint     string `yaml:"voices_endpoint"`
	TrustedToken       string `yaml:"trusted_token"`
	ConnectTimeoutMS   int    `yaml:"connect_timeout_ms"`
	SynthesisTimeoutMS int    `yaml:"synthesis_timeout_ms"`
}

type SynthesisConfig struct {
	MaxChunkChars      int    `yaml:"max_chunk_chars"`
	MaxTextChars       int    `yaml:"max_text_chars"`
	MaxRetries         int    `yaml:"max_retries"`
	RetryBaseDelayMS   int    `yaml:"retry_base_delay_ms"`
	RetryMaxDelayMS    int    `yaml:"retry_max_delay_ms"`
	GlobalConcurrency  int    `yaml:"global_concurrency"`
	RequestConcurrency int    `yaml:"request_concurrency"`
	DefaultVoice       string `yaml:"default_voice"`
	DefaultFormat      string `yaml:"default_format"`
}

type CacheConfig struct {
	Enabled  bool  `yaml:"enabled"`
	MaxBytes int64 `yaml:"max_bytes"`
}

type CatalogConfig struct {
	RefreshIntervalMS int `yaml:"refresh_interval_ms"`
}

type HistoryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type EventsConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
}

type MonitorConfig struct {
	Enabled    bool     `yaml:"enabled"`
	IntervalMS int      `yaml:"interval_ms"`
	Voices     []string `yaml:"voices"`
	ProbeText  string   `yaml:"probe_text"`
}

type Config struct {
	ServiceName string          `yaml:"service_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Engine      EngineConfig    `yaml:"engine"`
	Synthesis   SynthesisConfig `yaml:"synthesis"`
	Cache       CacheConfig     `yaml:"cache"`
	Catalog     CatalogConfig   `yaml:"catalog"`
	History     HistoryConfig   `yaml:"history"`
	Events      EventsConfig    `yaml:"events"`
	Monitor     MonitorConfig   `yaml:"monitor"`
}

func Default() Config {
	return Config{
		ServiceName: "edgespeak",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Engine: EngineConfig{
			Mode:               "edge",
			Endpoint:           "wss://speech.platform.bing.com/consumer/speech/synthesize/readaloud/edge/v1",
			VoicesEndpoint:     "https://speech.platform.bing.com/consumer/speech/synthesize/readaloud/voices/list",
			TrustedToken:       "6A5AA1D4EAFF4E9FB37E23D68491D6F4",
			ConnectTimeoutMS:   5000,
			SynthesisTimeoutMS: 30000,
		},
		Synthesis: SynthesisConfig{
			MaxChunkChars:      1000,
			MaxTextChars:       32000,
			MaxRetries:         3,
			RetryBaseDelayMS:   250,
			RetryMaxDelayMS:    4000,
			GlobalConcurrency:  16,
			RequestConcurrency: 4,
			DefaultVoice:       "hu-HU-NoemiNeural",
			DefaultFormat:      "mp3",
		},
		Cache: CacheConfig{
			Enabled:  true,
			MaxBytes: 64 << 20,
		},
		Catalog: CatalogConfig{
			RefreshIntervalMS: 3600000,
		},
		History: HistoryConfig{
			Enabled:       true,
			Path:          "./data/edgespeak-history.db",
			RetentionDays: 30,
		},
		Events: EventsConfig{
			Enabled:        false,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "edgespeak",
		},
		Monitor: MonitorConfig{
			Enabled:    false,
			IntervalMS: 3600000,
			Voices:     []string{"hu-HU-NoemiNeural", "hu-HU-TamasNeural"},
			ProbeText:  "teszt",
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
	overrideString(&cfg.ServiceName, "EDGESPEAK_SERVICE_NAME")
	overrideString(&cfg.Environment, "EDGESPEAK_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "EDGESPEAK_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "EDGESPEAK_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "EDGESPEAK_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "EDGESPEAK_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "EDGESPEAK_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "EDGESPEAK_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Engine.Mode, "EDGESPEAK_ENGINE_MODE")
	overrideString(&cfg.Engine.Endpoint, "EDGESPEAK_ENGINE_ENDPOINT")
	overrideString(&cfg.Engine.VoicesEndpoint, "EDGESPEAK_ENGINE_VOICES_ENDPOINT")
	overrideString(&cfg.Engine.TrustedToken, "EDGESPEAK_ENGINE_TRUSTED_TOKEN")
	overrideInt(&cfg.Engine.ConnectTimeoutMS, "EDGESPEAK_ENGINE_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Engine.SynthesisTimeoutMS, "EDGESPEAK_ENGINE_SYNTHESIS_TIMEOUT_MS")
	overrideInt(&cfg.Synthesis.MaxChunkChars, "EDGESPEAK_SYNTHESIS_MAX_CHUNK_CHARS")
	overrideInt(&cfg.Synthesis.MaxTextChars, "EDGESPEAK_SYNTHESIS_MAX_TEXT_CHARS")
	overrideInt(&cfg.Synthesis.MaxRetries, "EDGESPEAK_SYNTHESIS_MAX_RETRIES")
	overrideInt(&cfg.Synthesis.RetryBaseDelayMS, "EDGESPEAK_SYNTHESIS_RETRY_BASE_DELAY_MS")
	overrideInt(&cfg.Synthesis.RetryMaxDelayMS, "EDGESPEAK_SYNTHESIS_RETRY_MAX_DELAY_MS")
	overrideInt(&cfg.Synthesis.GlobalConcurrency, "EDGESPEAK_SYNTHESIS_GLOBAL_CONCURRENCY")
	overrideInt(&cfg.Synthesis.RequestConcurrency, "EDGESPEAK_SYNTHESIS_REQUEST_CONCURRENCY")
	overrideString(&cfg.Synthesis.DefaultVoice, "EDGESPEAK_SYNTHESIS_DEFAULT_VOICE")
	overrideString(&cfg.Synthesis.DefaultFormat, "EDGESPEAK_SYNTHESIS_DEFAULT_FORMAT")
	overrideBool(&cfg.Cache.Enabled, "EDGESPEAK_CACHE_ENABLED")
	overrideInt64(&cfg.Cache.MaxBytes, "EDGESPEAK_CACHE_MAX_BYTES")
	overrideInt(&cfg.Catalog.RefreshIntervalMS, "EDGESPEAK_CATALOG_REFRESH_INTERVAL_MS")
	overrideBool(&cfg.History.Enabled, "EDGESPEAK_HISTORY_ENABLED")
	overrideString(&cfg.History.Path, "EDGESPEAK_HISTORY_PATH")
	overrideInt(&cfg.History.RetentionDays, "EDGESPEAK_HISTORY_RETENTION_DAYS")
	overrideBool(&cfg.History.VacuumOnStart, "EDGESPEAK_HISTORY_VACUUM_ON_START")
	overrideBool(&cfg.Events.Enabled, "EDGESPEAK_EVENTS_ENABLED")
	overrideStringSlice(&cfg.Events.Servers, "EDGESPEAK_EVENTS_SERVERS")
	overrideString(&cfg.Events.Username, "EDGESPEAK_EVENTS_USERNAME")
	overrideString(&cfg.Events.Password, "EDGESPEAK_EVENTS_PASSWORD")
	overrideString(&cfg.Events.Token, "EDGESPEAK_EVENTS_TOKEN")
	overrideBool(&cfg.Events.TLSInsecure, "EDGESPEAK_EVENTS_TLS_INSECURE")
	overrideInt(&cfg.Events.ConnectTimeout, "EDGESPEAK_EVENTS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Events.SubjectPrefix, "EDGESPEAK_EVENTS_SUBJECT_PREFIX")
	overrideBool(&cfg.Monitor.Enabled, "EDGESPEAK_MONITOR_ENABLED")
	overrideInt(&cfg.Monitor.IntervalMS, "EDGESPEAK_MONITOR_INTERVAL_MS")
	overrideStringSlice(&cfg.Monitor.Voices, "EDGESPEAK_MONITOR_VOICES")
	overrideString(&cfg.Monitor.ProbeText, "EDGESPEAK_MONITOR_PROBE_TEXT")
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

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
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

func validate(cfg Config) error {
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Engine.Mode {
	case "edge", "mock":
	default:
		return errors.New("engine.mode must be one of edge|mock")
	}
	if cfg.Engine.Mode == "edge" {
		if cfg.Engine.Endpoint == "" {
			return errors.New("engine.endpoint must not be empty when mode=edge")
		}
		if cfg.Engine.VoicesEndpoint == "" {
			return errors.New("engine.voices_endpoint must not be empty when mode=edge")
		}
		if cfg.Engine.TrustedToken == "" {
			return errors.New("engine.trusted_token must not be empty when mode=edge")
		}
	}
	if cfg.Engine.SynthesisTimeoutMS <= 0 {
		return errors.New("engine.synthesis_timeout_ms must be positive")
	}
	if cfg.Synthesis.MaxChunkChars <= 0 {
		return errors.New("synthesis.max_chunk_chars must be positive")
	}
	if cfg.Synthesis.MaxTextChars < cfg.Synthesis.MaxChunkChars {
		return errors.New("synthesis.max_text_chars must be >= max_chunk_chars")
	}
	if cfg.Synthesis.MaxRetries < 0 {
		return errors.New("synthesis.max_retries must be >= 0")
	}
	if cfg.Synthesis.GlobalConcurrency < 1 {
		return errors.New("synthesis.global_concurrency must be >= 1")
	}
	if cfg.Synthesis.RequestConcurrency < 1 {
		return errors.New("synthesis.request_concurrency must be >= 1")
	}
	if cfg.Synthesis.DefaultVoice == "" {
		return errors.New("synthesis.default_voice must not be empty")
	}
	if cfg.Cache.Enabled && cfg.Cache.MaxBytes <= 0 {
		return errors.New("cache.max_bytes must be positive when cache is enabled")
	}
	if cfg.Catalog.RefreshIntervalMS <= 0 {
		return errors.New("catalog.refresh_interval_ms must be positive")
	}
	if cfg.History.Enabled {
		if cfg.History.Path == "" {
			return errors.New("history.path must not be empty when history is enabled")
		}
		if cfg.History.RetentionDays < 0 {
			return errors.New("history.retention_days must be >= 0")
		}
	}
	if cfg.Events.Enabled && len(cfg.Events.Servers) == 0 {
		return errors.New("events.servers must not be empty when events are enabled")
	}
	if cfg.Monitor.Enabled {
		if cfg.Monitor.IntervalMS <= 0 {
			return errors.New("monitor.interval_ms must be positive")
		}
		if len(cfg.Monitor.Voices) == 0 {
			return errors.New("monitor.voices must not be empty when monitor is enabled")
		}
		if cfg.Monitor.ProbeText == "" {
			return errors.New("monitor.probe_text must not be empty when monitor is enabled")
		}
	}
	return nil
}
