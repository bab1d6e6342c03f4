package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "ticket-queue", cfg.App.Name)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 30*time.Minute, cfg.Queue.OfferWindow)
	assert.Equal(t, time.Duration(0), cfg.Queue.PurchaseGracePeriod)
	assert.False(t, cfg.Queue.PromoteOnRelease)
	assert.Equal(t, 5, cfg.Queue.TxMaxRetries)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "payment.success", cfg.Kafka.Topic)
	assert.Equal(t, 2*time.Minute, cfg.Kafka.RetryTimeout)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("QUEUE_OFFER_WINDOW", "10m")
	t.Setenv("QUEUE_PROMOTE_ON_RELEASE", "true")
	t.Setenv("DB_DRIVER", "memory")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("KAFKA_RETRY_TIMEOUT", "45s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10*time.Minute, cfg.Queue.OfferWindow)
	assert.True(t, cfg.Queue.PromoteOnRelease)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 45*time.Second, cfg.Kafka.RetryTimeout)
}

func TestLoadWithPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("SERVER_PORT=9090\nREDIS_HOST=cache\n"), 0o600))

	cfg, err := LoadWithPath(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "cache:6379", cfg.Redis.Addr())
}

func TestLoadWithPath_MissingFile(t *testing.T) {
	_, err := LoadWithPath(filepath.Join(t.TempDir(), "nope.env"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	base, err := Load()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"zero offer window", func(c *Config) { c.Queue.OfferWindow = 0 }},
		{"negative grace", func(c *Config) { c.Queue.PurchaseGracePeriod = -time.Second }},
		{"no retries", func(c *Config) { c.Queue.TxMaxRetries = 0 }},
		{"kafka without retry timeout", func(c *Config) { c.Kafka.Enabled = true; c.Kafka.RetryTimeout = 0 }},
		{"auth without secret", func(c *Config) { c.JWT.Enabled = true; c.JWT.Secret = "" }},
		{"default secret in production", func(c *Config) {
			c.App.Environment = "production"
			c.JWT.Enabled = true
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
