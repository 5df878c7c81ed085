// Package config centralises runtime configuration for the tickfabric
// services: defaults, YAML file loading, and environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// FeedSettings configures the market-data WebSocket fleet.
type FeedSettings struct {
	WSSURL             string            `yaml:"wssUrl"`
	Tokens             []string          `yaml:"tokens"`
	TokenPrefix        string            `yaml:"tokenPrefix"`
	MaxTokensPerConn   int               `yaml:"maxTokensPerConn"`
	SubscribeBatchSize int               `yaml:"subscribeBatchSize"`
	VerifyPeer         bool              `yaml:"verifyPeer"`
	CAFile             string            `yaml:"caFile"`
	PingInterval       time.Duration     `yaml:"pingInterval"`
	ConnTimeout        time.Duration     `yaml:"connTimeout"`
	BackoffInitial     time.Duration     `yaml:"backoffInitial"`
	BackoffMax         time.Duration     `yaml:"backoffMax"`
	ControlInterval    time.Duration     `yaml:"controlInterval"`
	Headers            map[string]string `yaml:"headers"`
}

// AuthSettings configures the broker login flow.
type AuthSettings struct {
	BaseURL    string        `yaml:"baseUrl"`
	APIKey     string        `yaml:"apiKey"`
	ClientCode string        `yaml:"clientCode"`
	Password   string        `yaml:"password"`
	TOTPSecret string        `yaml:"totpSecret"`
	Timeout    time.Duration `yaml:"timeout"`
}

// SinkSettings configures the optional Redis tick sink.
type SinkSettings struct {
	RedisURL  string `yaml:"redisUrl"`
	KeyPrefix string `yaml:"keyPrefix"`
}

// TelemetrySettings configures the OTLP metric exporter.
type TelemetrySettings struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// Settings is the configuration tree loaded from defaults, file, and env.
type Settings struct {
	Environment Environment       `yaml:"environment"`
	Feed        FeedSettings      `yaml:"feed"`
	Auth        AuthSettings      `yaml:"auth"`
	Sink        SinkSettings      `yaml:"sink"`
	Telemetry   TelemetrySettings `yaml:"telemetry"`
}

// Default returns the baseline configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		Feed: FeedSettings{
			WSSURL:             "",
			Tokens:             nil,
			TokenPrefix:        "nse_cm|",
			MaxTokensPerConn:   800,
			SubscribeBatchSize: 100,
			VerifyPeer:         true,
			CAFile:             "",
			PingInterval:       15 * time.Second,
			ConnTimeout:        10 * time.Second,
			BackoffInitial:     500 * time.Millisecond,
			BackoffMax:         5 * time.Second,
			ControlInterval:    250 * time.Millisecond,
			Headers:            map[string]string{},
		},
		Auth: AuthSettings{
			BaseURL: "https://apiconnect.angelone.in",
			Timeout: 10 * time.Second,
		},
		Sink: SinkSettings{
			RedisURL:  "",
			KeyPrefix: "tickfabric",
		},
		Telemetry: TelemetrySettings{
			OTLPEndpoint: "",
			ServiceName:  "tickfabric",
		},
	}
}

// LoadOrDefault reads path when it exists and layers env overrides on top.
// The boolean reports whether a file contributed.
func LoadOrDefault(path string) (Settings, bool, error) {
	cfg := Default()
	loaded := false
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Settings{}, false, fmt.Errorf("parse config %s: %w", path, err)
			}
			loaded = true
		case os.IsNotExist(err):
			// fall through to defaults
		default:
			return Settings{}, false, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, loaded, nil
}

// Validate reports the first fatal misconfiguration.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.Feed.WSSURL) == "" {
		return fmt.Errorf("feed.wssUrl is required")
	}
	if !strings.HasPrefix(s.Feed.WSSURL, "wss://") && !strings.HasPrefix(s.Feed.WSSURL, "ws://") {
		return fmt.Errorf("feed.wssUrl must use the ws:// or wss:// scheme")
	}
	if s.Feed.MaxTokensPerConn < 0 {
		return fmt.Errorf("feed.maxTokensPerConn must not be negative")
	}
	if s.Feed.SubscribeBatchSize < 0 {
		return fmt.Errorf("feed.subscribeBatchSize must not be negative")
	}
	return nil
}

func applyEnv(cfg *Settings) {
	if v := envStr("TICKFABRIC_ENV"); v != "" {
		cfg.Environment = Environment(strings.ToLower(v))
	}
	if v := envStr("TICKFABRIC_FEED_WSS_URL"); v != "" {
		cfg.Feed.WSSURL = v
	}
	if v := envStr("TICKFABRIC_FEED_TOKENS"); v != "" {
		cfg.Feed.Tokens = splitTokens(v)
	}
	if v := envStr("TICKFABRIC_FEED_TOKEN_PREFIX"); v != "" {
		cfg.Feed.TokenPrefix = v
	}
	if v := envStr("TICKFABRIC_FEED_MAX_TOKENS_PER_CONN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Feed.MaxTokensPerConn = n
		}
	}
	if v := envStr("TICKFABRIC_FEED_SUBSCRIBE_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Feed.SubscribeBatchSize = n
		}
	}
	if v := envStr("TICKFABRIC_FEED_VERIFY_PEER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Feed.VerifyPeer = b
		}
	}
	if v := envStr("TICKFABRIC_FEED_CA_FILE"); v != "" {
		cfg.Feed.CAFile = v
	}
	if v := envStr("TICKFABRIC_FEED_PING_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Feed.PingInterval = d
		}
	}
	if v := envStr("TICKFABRIC_AUTH_BASE_URL"); v != "" {
		cfg.Auth.BaseURL = v
	}
	if v := envStr("TICKFABRIC_AUTH_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}
	if v := envStr("TICKFABRIC_AUTH_CLIENT_CODE"); v != "" {
		cfg.Auth.ClientCode = v
	}
	if v := envStr("TICKFABRIC_AUTH_PASSWORD"); v != "" {
		cfg.Auth.Password = v
	}
	if v := envStr("TICKFABRIC_AUTH_TOTP_SECRET"); v != "" {
		cfg.Auth.TOTPSecret = v
	}
	if v := envStr("TICKFABRIC_SINK_REDIS_URL"); v != "" {
		cfg.Sink.RedisURL = v
	}
	if v := envStr("TICKFABRIC_SINK_KEY_PREFIX"); v != "" {
		cfg.Sink.KeyPrefix = v
	}
	if v := envStr("TICKFABRIC_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := envStr("TICKFABRIC_SERVICE_NAME"); v != "" {
		cfg.Telemetry.ServiceName = v
	}
}

func envStr(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func splitTokens(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
