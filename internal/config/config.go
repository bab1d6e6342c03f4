// Package config loads application configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const defaultJWTSecret = "change-me-in-production"

// Config holds all application configuration
type Config struct {
	App       AppConfig
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	JWT       JWTConfig
	OTel      OTelConfig
	Queue     QueueConfig
	Scheduler SchedulerConfig
	Payment   PaymentConfig
	RateLimit RateLimitConfig
}

// AppConfig holds application-level settings
type AppConfig struct {
	Name        string
	Environment string
	LogLevel    string
	Version     string
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds PostgreSQL settings. Driver "memory" runs the engine
// against the in-process store.
type DatabaseConfig struct {
	Driver          string
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxConns        int32
	MinConns        int32
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectRetries  int
	RetryInterval   time.Duration
	AutoMigrate     bool
}

// RedisConfig holds Redis connection settings. An empty Host selects the
// in-process delay queue.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	QueueKey string
}

// Addr returns the Redis address
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// KafkaConfig holds Kafka settings for the payment.success consumer.
type KafkaConfig struct {
	Enabled       bool
	Brokers       []string
	ConsumerGroup string
	ClientID      string
	Topic         string
	// RetryTimeout bounds retries of a transiently failing record before
	// the consumer stops without committing it.
	RetryTimeout time.Duration
}

// JWTConfig holds identity settings. With auth disabled the user id is read
// from the X-User-ID header.
type JWTConfig struct {
	Enabled bool
	Secret  string
	Issuer  string
}

// OTelConfig holds OpenTelemetry settings
type OTelConfig struct {
	Enabled       bool
	ServiceName   string
	CollectorAddr string
	SampleRatio   float64
}

// QueueConfig holds the offer lifecycle policy.
type QueueConfig struct {
	OfferWindow         time.Duration
	EarlyTolerance      time.Duration
	PurchaseGracePeriod time.Duration
	PromoteOnRelease    bool
	TxMaxRetries        int
	TxRetryInitial      time.Duration
	TxRetryMax          time.Duration
}

// SchedulerConfig holds the expiry poller and reconciliation sweep settings.
type SchedulerConfig struct {
	PollInterval  time.Duration
	ClaimBatch    int
	ClaimLease    time.Duration
	SweepInterval time.Duration
	SweepBatch    int
}

// PaymentConfig holds webhook secrets. An empty secret disables the route.
type PaymentConfig struct {
	StripeWebhookSecret   string
	RazorpayWebhookSecret string
}

// RateLimitConfig bounds join attempts per user.
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	Burst             int
}

// Load loads configuration from environment variables and an optional .env file
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")

	// .env is optional; the environment is authoritative.
	_ = v.ReadInConfig()

	return load(v)
}

// LoadWithPath loads configuration from a specific env file
func LoadWithPath(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	cfg := bindConfig(v)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_NAME", "ticket-queue")
	v.SetDefault("APP_ENVIRONMENT", "development")
	v.SetDefault("APP_LOG_LEVEL", "info")
	v.SetDefault("APP_VERSION", "1.0.0")

	v.SetDefault("SERVER_PORT", 8080)
	v.SetDefault("SERVER_READ_TIMEOUT", "15s")
	v.SetDefault("SERVER_WRITE_TIMEOUT", "15s")
	v.SetDefault("SERVER_IDLE_TIMEOUT", "60s")
	v.SetDefault("SERVER_SHUTDOWN_TIMEOUT", "10s")

	v.SetDefault("DB_DRIVER", "postgres")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "ticketqueue")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_CONN_MAX_LIFETIME", "30m")
	v.SetDefault("DB_CONN_MAX_IDLE_TIME", "5m")
	v.SetDefault("DB_CONNECT_RETRIES", 4)
	v.SetDefault("DB_RETRY_INTERVAL", "2s")
	v.SetDefault("DB_AUTO_MIGRATE", true)

	v.SetDefault("REDIS_HOST", "")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_POOL_SIZE", 20)
	v.SetDefault("REDIS_QUEUE_KEY", "ticketqueue:offer-expiry")

	v.SetDefault("KAFKA_ENABLED", false)
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_CONSUMER_GROUP", "ticket-queue")
	v.SetDefault("KAFKA_CLIENT_ID", "ticket-queue")
	v.SetDefault("KAFKA_TOPIC", "payment.success")
	v.SetDefault("KAFKA_RETRY_TIMEOUT", "2m")

	v.SetDefault("JWT_ENABLED", false)
	v.SetDefault("JWT_SECRET", defaultJWTSecret)
	v.SetDefault("JWT_ISSUER", "")

	v.SetDefault("OTEL_ENABLED", false)
	v.SetDefault("OTEL_SERVICE_NAME", "ticket-queue")
	v.SetDefault("OTEL_COLLECTOR_ADDR", "localhost:4317")
	v.SetDefault("OTEL_SAMPLE_RATIO", 1.0)

	v.SetDefault("QUEUE_OFFER_WINDOW", "30m")
	v.SetDefault("QUEUE_EARLY_TOLERANCE", "2s")
	v.SetDefault("QUEUE_PURCHASE_GRACE_PERIOD", "0s")
	v.SetDefault("QUEUE_PROMOTE_ON_RELEASE", false)
	v.SetDefault("QUEUE_TX_MAX_RETRIES", 5)
	v.SetDefault("QUEUE_TX_RETRY_INITIAL", "10ms")
	v.SetDefault("QUEUE_TX_RETRY_MAX", "250ms")

	v.SetDefault("SCHEDULER_POLL_INTERVAL", "1s")
	v.SetDefault("SCHEDULER_CLAIM_BATCH", 100)
	v.SetDefault("SCHEDULER_CLAIM_LEASE", "30s")
	v.SetDefault("SCHEDULER_SWEEP_INTERVAL", "1m")
	v.SetDefault("SCHEDULER_SWEEP_BATCH", 500)

	v.SetDefault("STRIPE_WEBHOOK_SECRET", "")
	v.SetDefault("RAZORPAY_WEBHOOK_SECRET", "")

	v.SetDefault("RATE_LIMIT_ENABLED", true)
	v.SetDefault("RATE_LIMIT_RPS", 2.0)
	v.SetDefault("RATE_LIMIT_BURST", 5)
}

func bindConfig(v *viper.Viper) *Config {
	cfg := &Config{}

	cfg.App.Name = v.GetString("APP_NAME")
	cfg.App.Environment = v.GetString("APP_ENVIRONMENT")
	cfg.App.LogLevel = v.GetString("APP_LOG_LEVEL")
	cfg.App.Version = v.GetString("APP_VERSION")

	cfg.Server.Port = v.GetInt("SERVER_PORT")
	cfg.Server.ReadTimeout = v.GetDuration("SERVER_READ_TIMEOUT")
	cfg.Server.WriteTimeout = v.GetDuration("SERVER_WRITE_TIMEOUT")
	cfg.Server.IdleTimeout = v.GetDuration("SERVER_IDLE_TIMEOUT")
	cfg.Server.ShutdownTimeout = v.GetDuration("SERVER_SHUTDOWN_TIMEOUT")

	cfg.Database.Driver = v.GetString("DB_DRIVER")
	cfg.Database.Host = v.GetString("DB_HOST")
	cfg.Database.Port = v.GetInt("DB_PORT")
	cfg.Database.User = v.GetString("DB_USER")
	cfg.Database.Password = v.GetString("DB_PASSWORD")
	cfg.Database.DBName = v.GetString("DB_NAME")
	cfg.Database.SSLMode = v.GetString("DB_SSLMODE")
	cfg.Database.MaxConns = v.GetInt32("DB_MAX_CONNS")
	cfg.Database.MinConns = v.GetInt32("DB_MIN_CONNS")
	cfg.Database.ConnMaxLifetime = v.GetDuration("DB_CONN_MAX_LIFETIME")
	cfg.Database.ConnMaxIdleTime = v.GetDuration("DB_CONN_MAX_IDLE_TIME")
	cfg.Database.ConnectRetries = v.GetInt("DB_CONNECT_RETRIES")
	cfg.Database.RetryInterval = v.GetDuration("DB_RETRY_INTERVAL")
	cfg.Database.AutoMigrate = v.GetBool("DB_AUTO_MIGRATE")

	cfg.Redis.Host = v.GetString("REDIS_HOST")
	cfg.Redis.Port = v.GetInt("REDIS_PORT")
	cfg.Redis.Password = v.GetString("REDIS_PASSWORD")
	cfg.Redis.DB = v.GetInt("REDIS_DB")
	cfg.Redis.PoolSize = v.GetInt("REDIS_POOL_SIZE")
	cfg.Redis.QueueKey = v.GetString("REDIS_QUEUE_KEY")

	cfg.Kafka.Enabled = v.GetBool("KAFKA_ENABLED")
	cfg.Kafka.Brokers = strings.Split(v.GetString("KAFKA_BROKERS"), ",")
	cfg.Kafka.ConsumerGroup = v.GetString("KAFKA_CONSUMER_GROUP")
	cfg.Kafka.ClientID = v.GetString("KAFKA_CLIENT_ID")
	cfg.Kafka.Topic = v.GetString("KAFKA_TOPIC")
	cfg.Kafka.RetryTimeout = v.GetDuration("KAFKA_RETRY_TIMEOUT")

	cfg.JWT.Enabled = v.GetBool("JWT_ENABLED")
	cfg.JWT.Secret = v.GetString("JWT_SECRET")
	cfg.JWT.Issuer = v.GetString("JWT_ISSUER")

	cfg.OTel.Enabled = v.GetBool("OTEL_ENABLED")
	cfg.OTel.ServiceName = v.GetString("OTEL_SERVICE_NAME")
	cfg.OTel.CollectorAddr = v.GetString("OTEL_COLLECTOR_ADDR")
	cfg.OTel.SampleRatio = v.GetFloat64("OTEL_SAMPLE_RATIO")

	cfg.Queue.OfferWindow = v.GetDuration("QUEUE_OFFER_WINDOW")
	cfg.Queue.EarlyTolerance = v.GetDuration("QUEUE_EARLY_TOLERANCE")
	cfg.Queue.PurchaseGracePeriod = v.GetDuration("QUEUE_PURCHASE_GRACE_PERIOD")
	cfg.Queue.PromoteOnRelease = v.GetBool("QUEUE_PROMOTE_ON_RELEASE")
	cfg.Queue.TxMaxRetries = v.GetInt("QUEUE_TX_MAX_RETRIES")
	cfg.Queue.TxRetryInitial = v.GetDuration("QUEUE_TX_RETRY_INITIAL")
	cfg.Queue.TxRetryMax = v.GetDuration("QUEUE_TX_RETRY_MAX")

	cfg.Scheduler.PollInterval = v.GetDuration("SCHEDULER_POLL_INTERVAL")
	cfg.Scheduler.ClaimBatch = v.GetInt("SCHEDULER_CLAIM_BATCH")
	cfg.Scheduler.ClaimLease = v.GetDuration("SCHEDULER_CLAIM_LEASE")
	cfg.Scheduler.SweepInterval = v.GetDuration("SCHEDULER_SWEEP_INTERVAL")
	cfg.Scheduler.SweepBatch = v.GetInt("SCHEDULER_SWEEP_BATCH")

	cfg.Payment.StripeWebhookSecret = v.GetString("STRIPE_WEBHOOK_SECRET")
	cfg.Payment.RazorpayWebhookSecret = v.GetString("RAZORPAY_WEBHOOK_SECRET")

	cfg.RateLimit.Enabled = v.GetBool("RATE_LIMIT_ENABLED")
	cfg.RateLimit.RequestsPerSecond = v.GetFloat64("RATE_LIMIT_RPS")
	cfg.RateLimit.Burst = v.GetInt("RATE_LIMIT_BURST")

	return cfg
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return errors.New("app name is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Queue.OfferWindow <= 0 {
		return errors.New("offer window must be positive")
	}
	if c.Queue.EarlyTolerance < 0 || c.Queue.PurchaseGracePeriod < 0 {
		return errors.New("early tolerance and purchase grace period must not be negative")
	}
	if c.Queue.TxMaxRetries <= 0 {
		return errors.New("transaction retry bound must be positive")
	}
	if c.Scheduler.PollInterval <= 0 || c.Scheduler.SweepInterval <= 0 {
		return errors.New("scheduler intervals must be positive")
	}
	if c.JWT.Enabled && c.JWT.Secret == "" {
		return errors.New("JWT secret is required when auth is enabled")
	}
	if c.IsProduction() && c.JWT.Enabled && c.JWT.Secret == defaultJWTSecret {
		return errors.New("JWT secret must be changed in production")
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Brokers[0] == "") {
		return errors.New("kafka brokers are required when the consumer is enabled")
	}
	if c.Kafka.Enabled && c.Kafka.RetryTimeout <= 0 {
		return errors.New("kafka retry timeout must be positive")
	}
	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}
