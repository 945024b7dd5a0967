package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the root configuration tree.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Stripe        StripeConfig        `mapstructure:"stripe"`
	PayPal        PayPalConfig        `mapstructure:"paypal"`
	Business      BusinessConfig      `mapstructure:"business"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Env  string `mapstructure:"env"`
}

type DatabaseConfig struct {
	Driver       string         `mapstructure:"driver"` // mysql | postgres | sqlite
	MaxOpenConns int            `mapstructure:"max_open_conns"`
	MaxIdleConns int            `mapstructure:"max_idle_conns"`
	LogLevel     string         `mapstructure:"log_level"`
	MySQL        MySQLConfig    `mapstructure:"mysql"`
	Postgres     PostgresConfig `mapstructure:"postgres"`
	SQLite       SQLiteConfig   `mapstructure:"sqlite"`
}

type MySQLConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	Notification string `mapstructure:"notification"`
}

type StripeConfig struct {
	SecretKey     string `mapstructure:"secret_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	SuccessURL    string `mapstructure:"success_url"`
	CancelURL     string `mapstructure:"cancel_url"`
}

// Enabled reports whether the Stripe rail has credentials.
func (c StripeConfig) Enabled() bool {
	return c.SecretKey != ""
}

type PayPalConfig struct {
	ClientID  string `mapstructure:"client_id"`
	Secret    string `mapstructure:"secret"`
	Sandbox   bool   `mapstructure:"sandbox"`
	WebhookID string `mapstructure:"webhook_id"`
	ReturnURL string `mapstructure:"return_url"`
	CancelURL string `mapstructure:"cancel_url"`
}

func (c PayPalConfig) Enabled() bool {
	return c.ClientID != "" && c.Secret != ""
}

type BusinessConfig struct {
	Currency               string `mapstructure:"currency"`
	PlatformOwnerID        string `mapstructure:"platform_owner_id"`
	LockBackend            string `mapstructure:"lock_backend"` // redis | memory
	CheckoutLockTTLMinutes int    `mapstructure:"checkout_lock_ttl_minutes"`
	OrderTimeoutMinutes    int    `mapstructure:"order_timeout_minutes"`
	MaxRetryCount          int    `mapstructure:"max_retry_count"`    // outbox publish attempts
	MaxOrderAttempts       int    `mapstructure:"max_order_attempts"` // initiate attempts per order, 0 = unlimited
	WalletMaxRetries       int    `mapstructure:"wallet_max_retries"`
	GatewayMaxAttempts     int    `mapstructure:"gateway_max_attempts"`
	GatewayTimeoutSeconds  int    `mapstructure:"gateway_timeout_seconds"`
}

func (c BusinessConfig) CheckoutLockTTL() time.Duration {
	return time.Duration(c.CheckoutLockTTLMinutes) * time.Minute
}

func (c BusinessConfig) OrderTimeout() time.Duration {
	return time.Duration(c.OrderTimeoutMinutes) * time.Minute
}

func (c BusinessConfig) GatewayTimeout() time.Duration {
	return time.Duration(c.GatewayTimeoutSeconds) * time.Second
}

type ObservabilityConfig struct {
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
	ServiceName    string `mapstructure:"service_name"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.env", "development")
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.sqlite.path", "coursepay.db")
	v.SetDefault("kafka.topic.notification", "coursepay.notifications")
	v.SetDefault("paypal.sandbox", true)
	v.SetDefault("business.currency", "usd")
	v.SetDefault("business.platform_owner_id", "platform")
	v.SetDefault("business.lock_backend", "redis")
	v.SetDefault("business.checkout_lock_ttl_minutes", 10)
	v.SetDefault("business.order_timeout_minutes", 10)
	v.SetDefault("business.max_retry_count", 5)
	v.SetDefault("business.max_order_attempts", 5)
	v.SetDefault("business.wallet_max_retries", 5)
	v.SetDefault("business.gateway_max_attempts", 3)
	v.SetDefault("business.gateway_timeout_seconds", 10)
	v.SetDefault("observability.service_name", "coursepay")
}

// LoadConfig reads .env (if present), the yaml file at configPath and
// COURSEPAY_* environment overrides, in that order of increasing priority.
func LoadConfig(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("COURSEPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", configPath, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "mysql", "postgres", "sqlite":
	default:
		return fmt.Errorf("config: unsupported database.driver %q", c.Database.Driver)
	}
	switch c.Business.LockBackend {
	case "redis", "memory":
	default:
		return fmt.Errorf("config: unsupported business.lock_backend %q", c.Business.LockBackend)
	}
	if c.Business.CheckoutLockTTLMinutes <= 0 {
		return errors.New("config: business.checkout_lock_ttl_minutes must be positive")
	}
	if c.Business.GatewayMaxAttempts <= 0 {
		return errors.New("config: business.gateway_max_attempts must be positive")
	}
	if c.Business.PlatformOwnerID == "" {
		return errors.New("config: business.platform_owner_id is required")
	}
	return nil
}
