package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backend selectors.
const (
	BackendMongo  = "mongo"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// ServerConfig holds all configuration for the verification server.
// Tags use mapstructure for Viper unmarshalling; every field can be set via
// environment variable of the same name. The master secret and retention
// TTLs are read once here and treated as immutable for the process
// lifetime.
type ServerConfig struct {
	HTTPPort string `mapstructure:"HTTP_PORT"`

	StoreBackend string `mapstructure:"STORE_BACKEND"` // mongo | redis | memory

	MongoURI    string `mapstructure:"MONGO_URI"`
	MongoDBName string `mapstructure:"MONGO_DB_NAME"`

	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`
	RedisPrefix   string `mapstructure:"REDIS_PREFIX"`

	// MasterSecret keys the integrity tag derivation. Rotating it
	// invalidates every outstanding key.
	MasterSecret string `mapstructure:"MASTER_SECRET"`

	// Retention is storage hygiene only, independent of key expiry.
	RecordRetentionDays int `mapstructure:"RECORD_RETENTION_DAYS"`
	NonceRetentionDays  int `mapstructure:"NONCE_RETENTION_DAYS"`

	RetryMaxAttempts int `mapstructure:"RETRY_MAX_ATTEMPTS"`
	RetryBaseDelayMS int `mapstructure:"RETRY_BASE_DELAY_MS"`
	StoreTimeoutMS   int `mapstructure:"STORE_TIMEOUT_MS"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogPretty bool   `mapstructure:"LOG_PRETTY"`
}

// RecordRetention returns the usage record retention as a duration.
func (c *ServerConfig) RecordRetention() time.Duration {
	return time.Duration(c.RecordRetentionDays) * 24 * time.Hour
}

// NonceRetention returns the nonce mark retention as a duration.
func (c *ServerConfig) NonceRetention() time.Duration {
	return time.Duration(c.NonceRetentionDays) * 24 * time.Hour
}

// RetryBaseDelay returns the base backoff delay for store retries.
func (c *ServerConfig) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMS) * time.Millisecond
}

// StoreTimeout returns the per-operation store deadline.
func (c *ServerConfig) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutMS) * time.Millisecond
}

// LoadConfig reads configuration from file, environment variables, and
// defaults.
func LoadConfig() (*ServerConfig, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/keygate/")
	v.AddConfigPath("$HOME/.keygate")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("STORE_BACKEND", BackendMongo)
	v.SetDefault("MONGO_URI", "mongodb://localhost:27017/keygate")
	v.SetDefault("MONGO_DB_NAME", "keygate")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_PREFIX", "keygate")
	v.SetDefault("MASTER_SECRET", "")
	v.SetDefault("RECORD_RETENTION_DAYS", 7)
	v.SetDefault("NONCE_RETENTION_DAYS", 30)
	v.SetDefault("RETRY_MAX_ATTEMPTS", 3)
	v.SetDefault("RETRY_BASE_DELAY_MS", 50)
	v.SetDefault("STORE_TIMEOUT_MS", 5000)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", false)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No config file is fine; defaults and env vars apply.
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if cfg.MasterSecret == "" {
		return nil, errors.New("MASTER_SECRET must be set")
	}

	return &cfg, nil
}
