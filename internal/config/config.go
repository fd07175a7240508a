// Package config provides configuration management for the signal engine.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Mongo       MongoConfig       `mapstructure:"mongo"`
	Telegram    TelegramConfig    `mapstructure:"telegram"`
	Feeds       FeedsConfig       `mapstructure:"feeds"`
	Delivery    DeliveryConfig    `mapstructure:"delivery"`
	Entitlement EntitlementConfig `mapstructure:"entitlement"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// MongoConfig holds persistence configuration.
type MongoConfig struct {
	URI            string        `mapstructure:"uri"`
	Database       string        `mapstructure:"database"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

// TelegramConfig holds bot transport configuration.
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	Debug    bool   `mapstructure:"debug"`
}

// FeedsConfig holds feed-adapter configuration.
type FeedsConfig struct {
	Binance ExchangeFeedConfig `mapstructure:"binance"`
	Bybit   ExchangeFeedConfig `mapstructure:"bybit"`

	// QuoteCurrency filters streamed symbols; only pairs quoted in this
	// currency are tracked.
	QuoteCurrency string `mapstructure:"quote_currency"`

	TickerFlushInterval    time.Duration `mapstructure:"ticker_flush_interval"`
	ExistenceFlushInterval time.Duration `mapstructure:"existence_flush_interval"`
}

// ExchangeFeedConfig holds one exchange's streaming endpoints.
type ExchangeFeedConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	StreamURL    string        `mapstructure:"stream_url"`
	// RestURL serves instrument discovery for exchanges whose streams
	// require per-symbol subscriptions.
	RestURL      string        `mapstructure:"rest_url"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

// DeliveryConfig holds delivery-queue configuration.
type DeliveryConfig struct {
	MessagesPerSecond float64       `mapstructure:"messages_per_second"`
	MaxRetries        int           `mapstructure:"max_retries"`
	BaseRetryDelay    time.Duration `mapstructure:"base_retry_delay"`
	QueueCapacity     int           `mapstructure:"queue_capacity"`
}

// EntitlementConfig holds entitlement-cache configuration.
type EntitlementConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// SchedulerConfig holds maintenance scheduling configuration.
type SchedulerConfig struct {
	// Timezone anchors the daily counter-reset boundary.
	Timezone        string        `mapstructure:"timezone"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	SignalMaxAge    time.Duration `mapstructure:"signal_max_age"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Console  bool   `mapstructure:"console"`
	File     bool   `mapstructure:"file"`
	FilePath string `mapstructure:"file_path"`
}

// Load reads configuration from the given file (or the default search path
// when empty), applying MARKETPULSE_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/marketpulse")
	}

	v.SetEnvPrefix("MARKETPULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine; env vars and defaults still apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "marketpulse")
	v.SetDefault("mongo.connect_timeout", 30*time.Second)
	v.SetDefault("mongo.write_timeout", 30*time.Second)

	v.SetDefault("feeds.quote_currency", "USDT")
	v.SetDefault("feeds.ticker_flush_interval", time.Second)
	v.SetDefault("feeds.existence_flush_interval", 5*time.Second)
	v.SetDefault("feeds.binance.enabled", true)
	v.SetDefault("feeds.binance.stream_url", "wss://fstream.binance.com/stream")
	v.SetDefault("feeds.binance.ping_interval", 3*time.Minute)
	v.SetDefault("feeds.bybit.enabled", true)
	v.SetDefault("feeds.bybit.stream_url", "wss://stream.bybit.com/v5/public/linear")
	v.SetDefault("feeds.bybit.rest_url", "https://api.bybit.com")
	v.SetDefault("feeds.bybit.ping_interval", 20*time.Second)

	v.SetDefault("delivery.messages_per_second", 25.0)
	v.SetDefault("delivery.max_retries", 3)
	v.SetDefault("delivery.base_retry_delay", time.Second)
	v.SetDefault("delivery.queue_capacity", 10000)

	v.SetDefault("entitlement.ttl", 60*time.Second)

	v.SetDefault("scheduler.timezone", "Europe/Moscow")
	v.SetDefault("scheduler.cleanup_interval", 12*time.Hour)
	v.SetDefault("scheduler.signal_max_age", 24*time.Hour)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", false)
	v.SetDefault("logging.file_path", "logs/marketpulse.log")
}

// Validate checks configuration invariants that would otherwise surface as
// confusing runtime failures.
func (c *Config) Validate() error {
	if c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required")
	}
	if c.Delivery.MessagesPerSecond <= 0 {
		return fmt.Errorf("delivery.messages_per_second must be positive, got %g", c.Delivery.MessagesPerSecond)
	}
	if c.Delivery.MaxRetries < 0 {
		return fmt.Errorf("delivery.max_retries must not be negative, got %d", c.Delivery.MaxRetries)
	}
	if c.Entitlement.TTL <= 0 {
		return fmt.Errorf("entitlement.ttl must be positive, got %s", c.Entitlement.TTL)
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("scheduler.timezone %q: %w", c.Scheduler.Timezone, err)
	}
	return nil
}
