package config

import (
	"fmt"
	"time"
)

// Config represents the global configuration
type Config struct {
	Admin      AdminConfig      `mapstructure:"admin"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Bus        BusConfig        `mapstructure:"bus"`
	Log        LogConfig        `mapstructure:"log"`
	Collector  CollectorConfig  `mapstructure:"collector"`
	Processor  ProcessorConfig  `mapstructure:"processor"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`

	// ConfigFile records the file the configuration was loaded from,
	// so changes to it can be watched. Empty when running on defaults
	// and environment only.
	ConfigFile string `mapstructure:"-"`
}

// AdminConfig represents the boundary HTTP server (task submission,
// task status, health, metrics)
type AdminConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"` // debug, release, test
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig represents Redis configuration
type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// BusConfig represents event bus configuration
type BusConfig struct {
	Partitions     int           `mapstructure:"partitions"`
	BufferSize     int           `mapstructure:"buffer_size"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// CollectorConfig represents collection engine configuration. Pool
// size bounds total outstanding requests against the source, which is
// the primary defense against detection thresholds.
type CollectorConfig struct {
	Source            string        `mapstructure:"source"`
	BaseURL           string        `mapstructure:"base_url"`
	Concurrency       int           `mapstructure:"concurrency"`
	MinDelay          time.Duration `mapstructure:"min_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	FetchTimeout      time.Duration `mapstructure:"fetch_timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryBaseDelay    time.Duration `mapstructure:"retry_base_delay"`
	Identities        []string      `mapstructure:"identities"`
	DefaultIdentity   string        `mapstructure:"default_identity"`
	Proxies           []string      `mapstructure:"proxies"`
	BlockedSignatures []string      `mapstructure:"blocked_signatures"`
	BreakerCooldown   time.Duration `mapstructure:"breaker_cooldown"`
	QueueCapacity     int           `mapstructure:"queue_capacity"`
}

// ProcessorConfig represents stream processor configuration
type ProcessorConfig struct {
	MaxRetries         int           `mapstructure:"max_retries"`
	RetryBaseDelay     time.Duration `mapstructure:"retry_base_delay"`
	AlertRefresh       time.Duration `mapstructure:"alert_refresh"`
	ContentCacheTTL    time.Duration `mapstructure:"content_cache_ttl"`
	BloomCapacity      uint          `mapstructure:"bloom_capacity"`
	BloomFalsePositive float64       `mapstructure:"bloom_false_positive"`
}

// ChannelLimitConfig represents a per-channel send budget
type ChannelLimitConfig struct {
	Rate   float64       `mapstructure:"rate"` // sends per window
	Burst  int           `mapstructure:"burst"`
	Window time.Duration `mapstructure:"window"`
}

// DispatcherConfig represents notification dispatcher configuration
type DispatcherConfig struct {
	MaxAttempts    int                           `mapstructure:"max_attempts"`
	RetryBaseDelay time.Duration                 `mapstructure:"retry_base_delay"`
	BatchWindow    time.Duration                 `mapstructure:"batch_window"`
	BacklogSize    int                           `mapstructure:"backlog_size"`
	FlushInterval  time.Duration                 `mapstructure:"flush_interval"`
	Channels       map[string]ChannelLimitConfig `mapstructure:"channels"`
	Webhook        WebhookConfig                 `mapstructure:"webhook"`
	SMTP           SMTPConfig                    `mapstructure:"smtp"`
}

// WebhookConfig represents webhook sender configuration
type WebhookConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// SMTPConfig represents email sender configuration
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// SetDefaults fills unset fields with safe defaults
func (c *Config) SetDefaults() {
	if c.Admin.Port == 0 {
		c.Admin.Port = 8080
	}
	if c.Admin.Mode == "" {
		c.Admin.Mode = "release"
	}
	if c.Admin.ReadTimeout == 0 {
		c.Admin.ReadTimeout = 10 * time.Second
	}
	if c.Admin.WriteTimeout == 0 {
		c.Admin.WriteTimeout = 10 * time.Second
	}

	if c.Bus.Partitions == 0 {
		c.Bus.Partitions = 4
	}
	if c.Bus.BufferSize == 0 {
		c.Bus.BufferSize = 1000
	}
	if c.Bus.PublishTimeout == 0 {
		c.Bus.PublishTimeout = 30 * time.Second
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}

	if c.Collector.Source == "" {
		c.Collector.Source = "marketplace"
	}
	if c.Collector.Concurrency == 0 {
		c.Collector.Concurrency = 4
	}
	if c.Collector.MinDelay == 0 {
		c.Collector.MinDelay = 2 * time.Second
	}
	if c.Collector.MaxDelay == 0 {
		c.Collector.MaxDelay = 8 * time.Second
	}
	if c.Collector.FetchTimeout == 0 {
		c.Collector.FetchTimeout = 30 * time.Second
	}
	if c.Collector.MaxRetries == 0 {
		c.Collector.MaxRetries = 3
	}
	if c.Collector.RetryBaseDelay == 0 {
		c.Collector.RetryBaseDelay = 2 * time.Second
	}
	if c.Collector.DefaultIdentity == "" {
		c.Collector.DefaultIdentity = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36"
	}
	if len(c.Collector.BlockedSignatures) == 0 {
		c.Collector.BlockedSignatures = []string{"captcha", "robot check", "unusual traffic"}
	}
	if c.Collector.BreakerCooldown == 0 {
		c.Collector.BreakerCooldown = 5 * time.Minute
	}
	if c.Collector.QueueCapacity == 0 {
		c.Collector.QueueCapacity = 10000
	}

	if c.Processor.MaxRetries == 0 {
		c.Processor.MaxRetries = 3
	}
	if c.Processor.RetryBaseDelay == 0 {
		c.Processor.RetryBaseDelay = time.Second
	}
	if c.Processor.AlertRefresh == 0 {
		c.Processor.AlertRefresh = time.Minute
	}
	if c.Processor.ContentCacheTTL == 0 {
		c.Processor.ContentCacheTTL = 10 * time.Minute
	}
	if c.Processor.BloomCapacity == 0 {
		c.Processor.BloomCapacity = 1_000_000
	}
	if c.Processor.BloomFalsePositive == 0 {
		c.Processor.BloomFalsePositive = 0.01
	}

	if c.Dispatcher.MaxAttempts == 0 {
		c.Dispatcher.MaxAttempts = 3
	}
	if c.Dispatcher.RetryBaseDelay == 0 {
		c.Dispatcher.RetryBaseDelay = 5 * time.Second
	}
	if c.Dispatcher.BatchWindow == 0 {
		c.Dispatcher.BatchWindow = 5 * time.Minute
	}
	if c.Dispatcher.BacklogSize == 0 {
		c.Dispatcher.BacklogSize = 1000
	}
	if c.Dispatcher.FlushInterval == 0 {
		c.Dispatcher.FlushInterval = time.Second
	}
	if c.Dispatcher.Channels == nil {
		c.Dispatcher.Channels = map[string]ChannelLimitConfig{}
	}
	for name, ch := range c.Dispatcher.Channels {
		if ch.Burst == 0 {
			ch.Burst = 5
		}
		if ch.Window == 0 {
			ch.Window = time.Minute
		}
		if ch.Rate == 0 {
			ch.Rate = float64(ch.Burst)
		}
		c.Dispatcher.Channels[name] = ch
	}
	if c.Dispatcher.Webhook.Timeout == 0 {
		c.Dispatcher.Webhook.Timeout = 15 * time.Second
	}
}

// Validate checks configuration consistency
func (c *Config) Validate() error {
	if c.Collector.MinDelay > c.Collector.MaxDelay {
		return fmt.Errorf("collector: min_delay %v exceeds max_delay %v",
			c.Collector.MinDelay, c.Collector.MaxDelay)
	}
	if c.Collector.Concurrency < 1 {
		return fmt.Errorf("collector: concurrency must be positive")
	}
	if c.Bus.Partitions < 1 {
		return fmt.Errorf("bus: partitions must be positive")
	}
	if c.Dispatcher.MaxAttempts < 1 {
		return fmt.Errorf("dispatcher: max_attempts must be positive")
	}
	if c.Dispatcher.BacklogSize < 1 {
		return fmt.Errorf("dispatcher: backlog_size must be positive")
	}
	return nil
}
