// Package config loads process configuration from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Session store kinds.
const (
	SessionStoreMemory   = "memory"
	SessionStorePostgres = "postgres"
)

type Config struct {
	Env              string  `mapstructure:"ENV"`
	LogLevel         string  `mapstructure:"LOG_LEVEL"`
	HTTPPort         string  `mapstructure:"HTTP_PORT"`
	DatabaseURL      string  `mapstructure:"DATABASE_URL"`
	DBMaxConns       int32   `mapstructure:"DB_MAX_CONNS"`
	DBMinConns       int32   `mapstructure:"DB_MIN_CONNS"`
	GatewayAPIKeys   string  `mapstructure:"GATEWAY_API_KEYS"`
	SessionStore     string  `mapstructure:"SESSION_STORE"`
	PageSize         int     `mapstructure:"PAGE_SIZE"`
	MaxMessageLength int     `mapstructure:"MAX_MESSAGE_LENGTH"`
	KafkaBrokers     string  `mapstructure:"KAFKA_BROKERS"`
	ActionsTopic     string  `mapstructure:"ACTIONS_TOPIC"`
	RepliesTopic     string  `mapstructure:"REPLIES_TOPIC"`
	AuditTopic       string  `mapstructure:"AUDIT_TOPIC"`
	ConsumerGroup    string  `mapstructure:"CONSUMER_GROUP"`
	Workers          int     `mapstructure:"WORKERS"`
	OTLPEndpoint     string  `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate  float64 `mapstructure:"TRACE_SAMPLE_RATE"`
	ServiceName      string  `mapstructure:"SERVICE_NAME"`
}

var keys = []string{
	"ENV", "LOG_LEVEL", "HTTP_PORT", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"GATEWAY_API_KEYS", "SESSION_STORE", "PAGE_SIZE", "MAX_MESSAGE_LENGTH",
	"KAFKA_BROKERS", "ACTIONS_TOPIC", "REPLIES_TOPIC", "AUDIT_TOPIC", "CONSUMER_GROUP",
	"WORKERS", "OTLP_ENDPOINT", "TRACE_SAMPLE_RATE", "SERVICE_NAME",
}

// Load reads configuration. DATABASE_URL is required.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("ENV", "production")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("SESSION_STORE", SessionStorePostgres)
	v.SetDefault("PAGE_SIZE", 10)
	v.SetDefault("MAX_MESSAGE_LENGTH", 4000)
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("ACTIONS_TOPIC", "bot.actions")
	v.SetDefault("REPLIES_TOPIC", "bot.replies")
	v.SetDefault("AUDIT_TOPIC", "prescription.audit")
	v.SetDefault("CONSUMER_GROUP", "rxguard-bot")
	v.SetDefault("WORKERS", 16)
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)
	v.SetDefault("SERVICE_NAME", "rxguard")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// a missing .env file is fine
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDev reports whether ENV is development.
func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks the values Load cannot default.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DBMaxConns <= 0 {
		return fmt.Errorf("DB_MAX_CONNS must be positive, got %d", c.DBMaxConns)
	}
	if c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS must be between 0 and DB_MAX_CONNS, got %d", c.DBMinConns)
	}
	if c.SessionStore != SessionStoreMemory && c.SessionStore != SessionStorePostgres {
		return fmt.Errorf("SESSION_STORE must be %q or %q, got %q", SessionStoreMemory, SessionStorePostgres, c.SessionStore)
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("PAGE_SIZE must be positive, got %d", c.PageSize)
	}
	if c.MaxMessageLength < 100 {
		return fmt.Errorf("MAX_MESSAGE_LENGTH must be at least 100, got %d", c.MaxMessageLength)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("WORKERS must be positive, got %d", c.Workers)
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATE must be within [0,1], got %v", c.TraceSampleRate)
	}
	if _, err := c.APIKeys(); err != nil {
		return err
	}
	return nil
}

// Brokers splits KAFKA_BROKERS on commas.
func (c *Config) Brokers() []string {
	return splitList(c.KafkaBrokers)
}

// APIKeys parses GATEWAY_API_KEYS, a comma separated list of key:client
// pairs. A bare key is named after its position.
func (c *Config) APIKeys() (map[string]string, error) {
	out := make(map[string]string)
	for i, item := range splitList(c.GatewayAPIKeys) {
		key, client, found := strings.Cut(item, ":")
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("GATEWAY_API_KEYS entry %d has an empty key", i+1)
		}
		if !found || strings.TrimSpace(client) == "" {
			client = fmt.Sprintf("gateway-%d", i+1)
		}
		out[key] = strings.TrimSpace(client)
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
