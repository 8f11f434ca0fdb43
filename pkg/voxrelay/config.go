package voxrelay

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Transports    TransportsConfig    `mapstructure:"transports"`
	Upstream      UpstreamConfig      `mapstructure:"upstream"`
	Relay         RelayConfig         `mapstructure:"relay"`
	Resolver      ResolverConfig      `mapstructure:"resolver"`
	Store         StoreConfig         `mapstructure:"store"`
	Reporter      ReporterConfig      `mapstructure:"reporter"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
}

type TransportsConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type UpstreamConfig struct {
	BaseURL            string `mapstructure:"base_url"`
	SignedURLPath      string `mapstructure:"signed_url_path"`
	HandshakeTimeoutMS int    `mapstructure:"handshake_timeout_ms"`
	RecvBuffer         int    `mapstructure:"recv_buffer"`
}

type RelayConfig struct {
	ReadyTimeoutMS int `mapstructure:"ready_timeout_ms"`
	InboxBuffer    int `mapstructure:"inbox_buffer"`
	MalformedLimit int `mapstructure:"malformed_limit"`
}

type ResolverConfig struct {
	CacheTTLMS int `mapstructure:"cache_ttl_ms"`
}

type StoreConfig struct {
	DSN              string `mapstructure:"dsn"`
	ConnectTimeoutMS int    `mapstructure:"connect_timeout_ms"`
	RunMigrations    bool   `mapstructure:"run_migrations"`
}

type ReporterConfig struct {
	QueueBuffer    int `mapstructure:"queue_buffer"`
	StoreTimeoutMS int `mapstructure:"store_timeout_ms"`
	RetryMax       int `mapstructure:"retry_max"`
	RetryBackoffMS int `mapstructure:"retry_backoff_ms"`
}

type WebhookTarget struct {
	URL    string `mapstructure:"url"`
	Secret string `mapstructure:"secret"`
}

type CalendarTarget struct {
	URL      string `mapstructure:"url"`
	APIKey   string `mapstructure:"api_key"`
	Calendar string `mapstructure:"calendar"`
}

type NotificationsConfig struct {
	Webhooks           []WebhookTarget `mapstructure:"webhooks"`
	Calendar           CalendarTarget  `mapstructure:"calendar"`
	QueueBuffer        int             `mapstructure:"queue_buffer"`
	TimeoutMS          int             `mapstructure:"timeout_ms"`
	RetryMax           int             `mapstructure:"retry_max"`
	RetryBackoffMS     int             `mapstructure:"retry_backoff_ms"`
	CircuitThreshold   int             `mapstructure:"circuit_threshold"`
	CircuitCooldownMS  int             `mapstructure:"circuit_cooldown_ms"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("transports.provider", "twilio")
	v.SetDefault("upstream.signed_url_path", "/v1/convai/conversation/get-signed-url")
	v.SetDefault("upstream.handshake_timeout_ms", 5000)
	v.SetDefault("upstream.recv_buffer", 256)
	v.SetDefault("relay.ready_timeout_ms", 8000)
	v.SetDefault("relay.inbox_buffer", 1024)
	v.SetDefault("relay.malformed_limit", 25)
	v.SetDefault("resolver.cache_ttl_ms", 30000)
	v.SetDefault("store.connect_timeout_ms", 10000)
	v.SetDefault("store.run_migrations", true)
	v.SetDefault("reporter.queue_buffer", 256)
	v.SetDefault("reporter.store_timeout_ms", 10000)
	v.SetDefault("reporter.retry_max", 2)
	v.SetDefault("reporter.retry_backoff_ms", 200)
	v.SetDefault("notifications.queue_buffer", 512)
	v.SetDefault("notifications.timeout_ms", 10000)
	v.SetDefault("notifications.retry_max", 3)
	v.SetDefault("notifications.retry_backoff_ms", 500)
	v.SetDefault("notifications.circuit_threshold", 5)
	v.SetDefault("notifications.circuit_cooldown_ms", 30000)
	v.SetDefault("privacy.redact_pii", true)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
