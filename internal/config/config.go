package config

import (
	"fmt"
	"math"
	"strings"
	"time"
	_ "time/tzdata" // alert day boundaries must not depend on the host zoneinfo

	"github.com/spf13/viper"
)

// Source names accepted by monitor.source
const (
	SourcePoll   = "poll"
	SourceStream = "stream"
)

// Config represents the complete application configuration
type Config struct {
	Binance  BinanceConfig  `mapstructure:"binance"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Alerts   AlertsConfig   `mapstructure:"alerts"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// BinanceConfig holds exchange REST and websocket configuration
type BinanceConfig struct {
	RESTBaseURL              string        `mapstructure:"rest_base_url"`
	WSBaseURL                string        `mapstructure:"ws_base_url"`
	Timeout                  time.Duration `mapstructure:"timeout"`
	CatalogTTL               time.Duration `mapstructure:"catalog_ttl"`
	TopSymbols               int           `mapstructure:"top_symbols"`
	RequirePerpetual         bool          `mapstructure:"require_perpetual"`
	PollConcurrency          int           `mapstructure:"poll_concurrency"`
	RequestsPerSecond        float64       `mapstructure:"requests_per_second"`
	Enrich                   bool          `mapstructure:"enrich"`
	StreamChunkSize          int           `mapstructure:"stream_chunk_size"`
	MaxStreamsPerConnection  int           `mapstructure:"max_streams_per_connection"`
	SubscribeBatchSize       int           `mapstructure:"subscribe_batch_size"`
	ControlMessagesPerSecond float64       `mapstructure:"control_messages_per_second"`
	ReconnectDelay           time.Duration `mapstructure:"reconnect_delay"`
}

// MonitorConfig holds scanning behavior configuration. Window, ThresholdPct and
// Enabled seed the live settings store on first start.
type MonitorConfig struct {
	Source       string        `mapstructure:"source"`
	Window       time.Duration `mapstructure:"window"`
	ThresholdPct float64       `mapstructure:"threshold_pct"`
	Enabled      bool          `mapstructure:"enabled"`
	ScanInterval time.Duration `mapstructure:"scan_interval"`
	IdleInterval time.Duration `mapstructure:"idle_interval"`
	ErrorBackoff time.Duration `mapstructure:"error_backoff"`
}

// AlertsConfig holds alert throttling configuration
type AlertsConfig struct {
	MaxSignalsPerDay int           `mapstructure:"max_signals_per_day"`
	Timezone         string        `mapstructure:"timezone"`
	CounterRetention time.Duration `mapstructure:"counter_retention"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	AllowedUsers   []int64       `mapstructure:"allowed_users"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// StorageConfig holds persistence configuration
type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// AdminConfig holds the operator HTTP surface configuration
type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Load reads configuration from file and environment variables.
// An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Enable environment variable override, e.g. OIWATCH_TELEGRAM_BOT_TOKEN
	v.SetEnvPrefix("OIWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// BOT_TOKEN is the historical variable name
	if cfg.Telegram.BotToken == "" {
		cfg.Telegram.BotToken = v.GetString("bot_token_fallback")
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Binance defaults
	v.SetDefault("binance.rest_base_url", "https://fapi.binance.com")
	v.SetDefault("binance.ws_base_url", "wss://fstream.binance.com/stream")
	v.SetDefault("binance.timeout", "5s")
	v.SetDefault("binance.catalog_ttl", "1h")
	v.SetDefault("binance.top_symbols", 200)
	v.SetDefault("binance.require_perpetual", true)
	v.SetDefault("binance.poll_concurrency", 4)
	v.SetDefault("binance.requests_per_second", 20.0)
	v.SetDefault("binance.enrich", true)
	v.SetDefault("binance.stream_chunk_size", 60)
	v.SetDefault("binance.max_streams_per_connection", 200)
	v.SetDefault("binance.subscribe_batch_size", 50)
	v.SetDefault("binance.control_messages_per_second", 5.0)
	v.SetDefault("binance.reconnect_delay", "5s")

	// Monitor defaults
	v.SetDefault("monitor.source", SourcePoll)
	v.SetDefault("monitor.window", "10m")
	v.SetDefault("monitor.threshold_pct", 5.0)
	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.scan_interval", "0s")
	v.SetDefault("monitor.idle_interval", "1s")
	v.SetDefault("monitor.error_backoff", "5s")

	// Alert defaults
	v.SetDefault("alerts.max_signals_per_day", 5)
	v.SetDefault("alerts.timezone", "Europe/Moscow")
	v.SetDefault("alerts.counter_retention", "48h")

	// Telegram defaults
	v.SetDefault("telegram.enabled", true)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.allowed_users", []int64{})
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")
	_ = v.BindEnv("bot_token_fallback", "BOT_TOKEN")

	// Storage defaults
	v.SetDefault("storage.db_path", "./data/oiwatch.db")

	// Admin defaults
	v.SetDefault("admin.enabled", false)
	v.SetDefault("admin.addr", "127.0.0.1:8089")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")
	v.SetDefault("logging.max_age_days", 7)
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Binance config
	if c.Binance.RESTBaseURL == "" {
		return fmt.Errorf("binance.rest_base_url is required")
	}
	if c.Binance.Timeout <= 0 || c.Binance.Timeout > 10*time.Second {
		return fmt.Errorf("binance.timeout must be between 0 and 10s")
	}
	if c.Binance.CatalogTTL < time.Minute {
		return fmt.Errorf("binance.catalog_ttl must be at least 1 minute")
	}
	if c.Binance.TopSymbols < 0 {
		return fmt.Errorf("binance.top_symbols must not be negative")
	}
	if c.Binance.PollConcurrency < 1 {
		return fmt.Errorf("binance.poll_concurrency must be at least 1")
	}
	if c.Binance.RequestsPerSecond <= 0 {
		return fmt.Errorf("binance.requests_per_second must be positive")
	}

	// Validate Monitor config
	switch c.Monitor.Source {
	case SourcePoll:
	case SourceStream:
		if c.Binance.WSBaseURL == "" {
			return fmt.Errorf("binance.ws_base_url is required for the stream source")
		}
		if c.Binance.StreamChunkSize < 1 {
			return fmt.Errorf("binance.stream_chunk_size must be at least 1")
		}
		if c.Binance.MaxStreamsPerConnection < streamsPerSymbol {
			return fmt.Errorf("binance.max_streams_per_connection must be at least %d", streamsPerSymbol)
		}
		if c.Binance.SubscribeBatchSize < 1 {
			return fmt.Errorf("binance.subscribe_batch_size must be at least 1")
		}
		if c.Binance.ControlMessagesPerSecond <= 0 {
			return fmt.Errorf("binance.control_messages_per_second must be positive")
		}
		if c.Binance.ReconnectDelay <= 0 {
			return fmt.Errorf("binance.reconnect_delay must be positive")
		}
	default:
		return fmt.Errorf("monitor.source must be one of: %s, %s", SourcePoll, SourceStream)
	}
	if c.Monitor.Window < time.Minute || c.Monitor.Window > 24*time.Hour || c.Monitor.Window%time.Minute != 0 {
		return fmt.Errorf("monitor.window must be a whole number of minutes between 1m and 24h")
	}
	if math.IsNaN(c.Monitor.ThresholdPct) || math.IsInf(c.Monitor.ThresholdPct, 0) || c.Monitor.ThresholdPct <= 0 {
		return fmt.Errorf("monitor.threshold_pct must be a positive finite number")
	}
	if c.Monitor.ScanInterval < 0 {
		return fmt.Errorf("monitor.scan_interval must not be negative")
	}
	if c.Monitor.IdleInterval <= 0 {
		return fmt.Errorf("monitor.idle_interval must be positive")
	}
	if c.Monitor.ErrorBackoff <= 0 {
		return fmt.Errorf("monitor.error_backoff must be positive")
	}

	// Validate Alerts config
	if c.Alerts.MaxSignalsPerDay < 1 || c.Alerts.MaxSignalsPerDay > 1000 {
		return fmt.Errorf("alerts.max_signals_per_day must be between 1 and 1000")
	}
	if _, err := time.LoadLocation(c.Alerts.Timezone); err != nil {
		return fmt.Errorf("alerts.timezone is invalid: %w", err)
	}
	if c.Alerts.CounterRetention < 24*time.Hour {
		return fmt.Errorf("alerts.counter_retention must be at least 24h")
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if len(c.Telegram.AllowedUsers) == 0 {
			return fmt.Errorf("telegram.allowed_users must contain at least one user id when telegram is enabled")
		}
	}

	// Validate Storage config
	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path is required")
	}

	// Validate Admin config
	if c.Admin.Enabled && c.Admin.Addr == "" {
		return fmt.Errorf("admin.addr is required when admin is enabled")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// streamsPerSymbol is the number of channels subscribed per symbol:
// openInterest, ticker and markPrice.
const streamsPerSymbol = 3

// streamEvaluationInterval paces evaluation of the stream cache when no
// scan_interval is configured.
const streamEvaluationInterval = 10 * time.Second

// EvaluationInterval returns the pause between scan cycles. Polling back to
// back is bounded by request latency; reading the stream cache is not.
func (c *Config) EvaluationInterval() time.Duration {
	if c.Monitor.Source == SourceStream && c.Monitor.ScanInterval == 0 {
		return streamEvaluationInterval
	}
	return c.Monitor.ScanInterval
}

// Location returns the timezone used for daily alert counters
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Alerts.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
