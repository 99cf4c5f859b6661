package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	_, err := Load()
	if err == nil {
		t.Fatal("expected error when DATABASE_URL is missing")
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://rx:rx@localhost:5432/rx")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, int32(10), cfg.DBMaxConns)
	assert.Equal(t, SessionStorePostgres, cfg.SessionStore)
	assert.Equal(t, 10, cfg.PageSize)
	assert.Equal(t, 4000, cfg.MaxMessageLength)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers())
	assert.Equal(t, "prescription.audit", cfg.AuditTopic)
	assert.Equal(t, 1.0, cfg.TraceSampleRate)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://rx:rx@localhost:5432/rx")
	t.Setenv("PAGE_SIZE", "5")
	t.Setenv("SESSION_STORE", "memory")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,")
	t.Setenv("GATEWAY_API_KEYS", "k1:telegram,k2")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.PageSize)
	assert.Equal(t, SessionStoreMemory, cfg.SessionStore)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Brokers())

	keys, err := cfg.APIKeys()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"k1": "telegram", "k2": "gateway-2"}, keys)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			DatabaseURL:      "postgres://x",
			DBMaxConns:       4,
			DBMinConns:       1,
			SessionStore:     SessionStoreMemory,
			PageSize:         10,
			MaxMessageLength: 4000,
			Workers:          1,
			TraceSampleRate:  0.5,
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"min above max", func(c *Config) { c.DBMinConns = 9 }},
		{"session store", func(c *Config) { c.SessionStore = "redis" }},
		{"page size", func(c *Config) { c.PageSize = 0 }},
		{"message length", func(c *Config) { c.MaxMessageLength = 10 }},
		{"workers", func(c *Config) { c.Workers = 0 }},
		{"sample rate", func(c *Config) { c.TraceSampleRate = 2 }},
		{"empty api key", func(c *Config) { c.GatewayAPIKeys = ":client" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestNewLogger(t *testing.T) {
	c := &Config{LogLevel: "debug", Env: "development", ServiceName: "rxguard"}
	logger, err := c.NewLogger()
	require.NoError(t, err)
	assert.NotNil(t, logger)

	c.LogLevel = "loud"
	_, err = c.NewLogger()
	assert.Error(t, err)
}
