// Package config loads batchmux process configuration from a YAML file
// and BATCHMUX_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/miladsoleymani/batchmux/broker"
	"github.com/miladsoleymani/batchmux/internal/logging"
)

var (
	ErrConfigNotFound   = errors.New("config file not found")
	ErrConfigUnmarshal  = errors.New("failed to unmarshal config")
	ErrConfigValidation = errors.New("config validation failed")
)

// EnvPrefix prefixes environment overrides, e.g. BATCHMUX_BROKER_URL.
const EnvPrefix = "BATCHMUX"

const (
	PolicyBatch  = "batch"
	PolicySingle = "single"
)

// Config is the configuration of a consumer process.
type Config struct {
	Broker   BrokerConfig   `mapstructure:"broker"`
	Consumer ConsumerConfig `mapstructure:"consumer"`
	Logger   logging.Config `mapstructure:"logger"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type BrokerConfig struct {
	URL        string         `mapstructure:"url"`
	Queue      string         `mapstructure:"queue"`
	MessageTTL time.Duration  `mapstructure:"message_ttl"`
	Extra      map[string]any `mapstructure:"extra"`
}

// Transport converts the broker section for broker.Open.
func (b BrokerConfig) Transport() broker.Config {
	return broker.Config{
		URL:        b.URL,
		Queue:      b.Queue,
		MessageTTL: b.MessageTTL,
		Extra:      b.Extra,
	}
}

type ConsumerConfig struct {
	// Policy is "batch" (atomic batches) or "single" (per-message).
	Policy       string        `mapstructure:"policy"`
	BatchSize    int           `mapstructure:"batch_size"`
	WindowSize   int           `mapstructure:"window_size"`
	WaitTimeout  time.Duration `mapstructure:"wait_timeout"`
	Requeue      bool          `mapstructure:"requeue"`
	RestartDelay time.Duration `mapstructure:"restart_delay"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	Namespace string `mapstructure:"namespace"`
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Broker.URL == "":
		return errors.New("broker.url is required")
	case c.Broker.Queue == "":
		return errors.New("broker.queue is required")
	case c.Broker.MessageTTL < 0:
		return errors.New("broker.message_ttl must not be negative")
	}

	switch c.Consumer.Policy {
	case PolicyBatch:
		if c.Consumer.BatchSize < 1 {
			return fmt.Errorf("consumer.batch_size must be at least 1, got %d", c.Consumer.BatchSize)
		}
	case PolicySingle:
		if c.Consumer.WindowSize < 1 {
			return fmt.Errorf("consumer.window_size must be at least 1, got %d", c.Consumer.WindowSize)
		}
	default:
		return fmt.Errorf("consumer.policy must be %q or %q, got %q", PolicyBatch, PolicySingle, c.Consumer.Policy)
	}

	if c.Consumer.WaitTimeout <= 0 {
		return errors.New("consumer.wait_timeout must be positive")
	}
	if c.Consumer.RestartDelay < 0 {
		return errors.New("consumer.restart_delay must not be negative")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return errors.New("metrics.addr is required when metrics are enabled")
	}
	return nil
}

// Loader reads configuration through viper.
type Loader struct {
	viper *viper.Viper
	path  string
}

// NewLoader creates a loader for the YAML file at path. An empty path
// loads defaults and environment only.
func NewLoader(path string) *Loader {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	return &Loader{viper: v, path: path}
}

func setDefaults(v *viper.Viper) {
	// Keys need a default to be picked up from the environment.
	v.SetDefault("broker.url", "")
	v.SetDefault("broker.queue", "")
	v.SetDefault("broker.message_ttl", time.Duration(0))

	v.SetDefault("consumer.policy", PolicyBatch)
	v.SetDefault("consumer.batch_size", 10)
	v.SetDefault("consumer.window_size", 1)
	v.SetDefault("consumer.wait_timeout", time.Second)
	v.SetDefault("consumer.requeue", true)
	v.SetDefault("consumer.restart_delay", 5*time.Second)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output", "stdout")
	v.SetDefault("logger.time_format", time.RFC3339)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("metrics.namespace", "batchmux")
}

// Load reads, decodes and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	if l.path != "" {
		if err := l.viper.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("%w: %v", ErrConfigNotFound, err)
			}
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := l.viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigUnmarshal, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigValidation, err)
	}
	return &cfg, nil
}

// Load is a shortcut for NewLoader(path).Load().
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}
