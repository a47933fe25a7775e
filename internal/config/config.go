package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
	TraceStdout    bool   `yaml:"trace_stdout"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Node        NodeConfig       `yaml:"node"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Auth        AuthConfig       `yaml:"auth"`
	Speech      SpeechConfig     `yaml:"speech"`
	Playback    PlaybackConfig   `yaml:"playback"`
}

// NodeConfig identifies this synthesizer when it advertises its voice on the bus.
type NodeConfig struct {
	ID                  string `yaml:"id"`
	HeartbeatIntervalMS int    `yaml:"heartbeat_interval_ms"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRequests   int    `yaml:"max_requests"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// AuthConfig describes how bearer tokens are obtained from the identity endpoint.
type AuthConfig struct {
	IssueTokenURL   string `yaml:"issue_token_url"`
	SubscriptionKey string `yaml:"subscription_key"`
	KeyFile         string `yaml:"subscription_key_file"`
	RenewIntervalMS int    `yaml:"renew_interval_ms"`
	TimeoutMS       int    `yaml:"timeout_ms"`
}

// SpeechConfig holds the synthesis endpoint, fixed client identifiers and the
// default voice applied when a request leaves a field empty.
type SpeechConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Endpoint     string `yaml:"endpoint"`
	AppID        string `yaml:"app_id"`
	ClientID     string `yaml:"client_id"`
	UserAgent    string `yaml:"user_agent"`
	TimeoutMS    int    `yaml:"timeout_ms"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
	ChunkBytes   int    `yaml:"chunk_bytes"`
	Locale       string `yaml:"locale"`
	VoiceName    string `yaml:"voice_name"`
	Gender       string `yaml:"gender"`
	Rate         string `yaml:"rate"`
	Pitch        string `yaml:"pitch"`
	Volume       string `yaml:"volume"`
	Contour      string `yaml:"contour"`
	OutputFormat string `yaml:"output_format"`
}

type PlaybackConfig struct {
	Mode      string `yaml:"mode"` // none, command, file
	Command   string `yaml:"command"`
	OutputDir string `yaml:"output_dir"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-tts",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: "",
			TraceStdout:    true,
		},
		Node: NodeConfig{
			ID:                  "tts-1",
			HeartbeatIntervalMS: 5000,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-tts.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxRequests:   10000,
		},
		Auth: AuthConfig{
			IssueTokenURL:   "https://api.cognitive.microsoft.com/sts/v1.0/issueToken",
			RenewIntervalMS: int((9 * time.Minute).Milliseconds()),
			TimeoutMS:       10000,
		},
		Speech: SpeechConfig{
			Enabled:      true,
			Endpoint:     "https://speech.platform.bing.com/synthesize",
			AppID:        "07D3234E49CE426DAA29772419F436CA",
			ClientID:     "1ECFAE91408841A480F00935DC390960",
			UserAgent:    "TTSClient",
			TimeoutMS:    30000,
			MaxIdleConns: 10,
			ChunkBytes:   16384,
			Locale:       "ar-SA",
			VoiceName:    "Microsoft Server Speech Text to Speech Voice (ar-SA, Naayf)",
			Gender:       "male",
			Rate:         "default",
			Pitch:        "default",
			Volume:       "default",
			Contour:      "",
			OutputFormat: "riff-16khz-16bit-mono-pcm",
		},
		Playback: PlaybackConfig{
			Mode:      "command",
			Command:   "aplay -q -",
			OutputDir: "./data/audio",
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
	if err := resolveSubscriptionKey(&cfg.Auth); err != nil {
		return cfg, err
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// RenewInterval returns the token renewal period.
func (a AuthConfig) RenewInterval() time.Duration {
	return time.Duration(a.RenewIntervalMS) * time.Millisecond
}

func (a AuthConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutMS) * time.Millisecond
}

func (n NodeConfig) HeartbeatInterval() time.Duration {
	return time.Duration(n.HeartbeatIntervalMS) * time.Millisecond
}

func (s SpeechConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Telemetry.TraceStdout, "LOQA_TELEMETRY_TRACE_STDOUT")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatIntervalMS, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxRequests, "LOQA_EVENT_STORE_MAX_REQUESTS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Auth.IssueTokenURL, "LOQA_AUTH_ISSUE_TOKEN_URL")
	overrideString(&cfg.Auth.SubscriptionKey, "LOQA_AUTH_SUBSCRIPTION_KEY")
	overrideString(&cfg.Auth.KeyFile, "LOQA_AUTH_SUBSCRIPTION_KEY_FILE")
	overrideInt(&cfg.Auth.RenewIntervalMS, "LOQA_AUTH_RENEW_INTERVAL_MS")
	overrideInt(&cfg.Auth.TimeoutMS, "LOQA_AUTH_TIMEOUT_MS")
	overrideBool(&cfg.Speech.Enabled, "LOQA_SPEECH_ENABLED")
	overrideString(&cfg.Speech.Endpoint, "LOQA_SPEECH_ENDPOINT")
	overrideString(&cfg.Speech.AppID, "LOQA_SPEECH_APP_ID")
	overrideString(&cfg.Speech.ClientID, "LOQA_SPEECH_CLIENT_ID")
	overrideString(&cfg.Speech.UserAgent, "LOQA_SPEECH_USER_AGENT")
	overrideInt(&cfg.Speech.TimeoutMS, "LOQA_SPEECH_TIMEOUT_MS")
	overrideInt(&cfg.Speech.MaxIdleConns, "LOQA_SPEECH_MAX_IDLE_CONNS")
	overrideInt(&cfg.Speech.ChunkBytes, "LOQA_SPEECH_CHUNK_BYTES")
	overrideString(&cfg.Speech.Locale, "LOQA_SPEECH_LOCALE")
	overrideString(&cfg.Speech.VoiceName, "LOQA_SPEECH_VOICE_NAME")
	overrideString(&cfg.Speech.Gender, "LOQA_SPEECH_GENDER")
	overrideString(&cfg.Speech.Rate, "LOQA_SPEECH_RATE")
	overrideString(&cfg.Speech.Pitch, "LOQA_SPEECH_PITCH")
	overrideString(&cfg.Speech.Volume, "LOQA_SPEECH_VOLUME")
	overrideString(&cfg.Speech.Contour, "LOQA_SPEECH_CONTOUR")
	overrideString(&cfg.Speech.OutputFormat, "LOQA_SPEECH_OUTPUT_FORMAT")
	overrideString(&cfg.Playback.Mode, "LOQA_PLAYBACK_MODE")
	overrideString(&cfg.Playback.Command, "LOQA_PLAYBACK_COMMAND")
	overrideString(&cfg.Playback.OutputDir, "LOQA_PLAYBACK_OUTPUT_DIR")
}

// resolveSubscriptionKey reads the key from KeyFile when no inline key is set.
func resolveSubscriptionKey(a *AuthConfig) error {
	if strings.TrimSpace(a.SubscriptionKey) != "" || a.KeyFile == "" {
		return nil
	}
	data, err := os.ReadFile(a.KeyFile)
	if err != nil {
		return fmt.Errorf("read subscription key file: %w", err)
	}
	a.SubscriptionKey = strings.TrimSpace(string(data))
	return nil
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty when the bus is enabled")
		}
		if cfg.Node.HeartbeatIntervalMS <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Auth.IssueTokenURL == "" {
		return errors.New("auth.issue_token_url must not be empty")
	}
	if cfg.Auth.RenewIntervalMS <= 0 {
		return errors.New("auth.renew_interval_ms must be positive")
	}
	if cfg.Auth.TimeoutMS <= 0 {
		return errors.New("auth.timeout_ms must be positive")
	}
	if cfg.Speech.Enabled {
		if cfg.Speech.Endpoint == "" {
			return errors.New("speech.endpoint must be set when speech is enabled")
		}
		if cfg.Speech.TimeoutMS <= 0 {
			return errors.New("speech.timeout_ms must be positive")
		}
		if cfg.Speech.ChunkBytes <= 0 {
			return errors.New("speech.chunk_bytes must be positive")
		}
	}
	switch cfg.Playback.Mode {
	case "none", "":
	case "command":
		if cfg.Playback.Command == "" {
			return errors.New("playback.command must be set when mode=command")
		}
	case "file":
		if cfg.Playback.OutputDir == "" {
			return errors.New("playback.output_dir must be set when mode=file")
		}
	default:
		return errors.New("playback.mode must be one of none|command|file")
	}
	return nil
}
