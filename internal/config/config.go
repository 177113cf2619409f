package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

var (
	cfg *Config
	mu  sync.RWMutex
)

// Config represents the application configuration
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	API      APIConfig      `mapstructure:"api"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Workers  WorkersConfig  `mapstructure:"workers"`
	Queues   QueuesConfig   `mapstructure:"queues"`
	Webhooks WebhooksConfig `mapstructure:"webhooks"`
	IMAP     IMAPConfig     `mapstructure:"imap"`
	SMTP     SMTPConfig     `mapstructure:"smtp"`
	Secrets  SecretsConfig  `mapstructure:"secrets"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	// OAuth2Providers maps provider ids (gmail, outlook, ...) to app
	// credentials for the refresh-token flow.
	OAuth2Providers map[string]OAuth2ProviderConfig `mapstructure:"oauth2_providers"`
}

type OAuth2ProviderConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	TokenURL     string `mapstructure:"token_url"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	Version  string `mapstructure:"version"`
	Env      string `mapstructure:"env"`
	Homepage string `mapstructure:"homepage"`
	Debug    bool   `mapstructure:"debug"`
}

type APIConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	MaxRetries   int           `mapstructure:"max_retries"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// Ephemeral switches all durable state to the in-process store.
	// Development only: nothing survives a restart.
	Ephemeral bool `mapstructure:"ephemeral"`
}

type WorkersConfig struct {
	IMAP   int `mapstructure:"imap"`
	Submit int `mapstructure:"submit"`
	Notify int `mapstructure:"notify"`
}

type QueuesConfig struct {
	// Keep bounds the completed/failed retention lists. Zero retains none.
	Keep          int           `mapstructure:"keep"`
	LeaseTime     time.Duration `mapstructure:"lease_time"`
	NotifyRetries int           `mapstructure:"notify_retries"`
	NotifyBackoff time.Duration `mapstructure:"notify_backoff"`
	SubmitRetries int           `mapstructure:"submit_retries"`
	SubmitBackoff time.Duration `mapstructure:"submit_backoff"`
}

type WebhooksConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxBodySize int           `mapstructure:"max_body_size"`
	IncludeText bool          `mapstructure:"include_text"`
	MaxTextSize int           `mapstructure:"max_text_size"`
}

type IMAPConfig struct {
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	MaxLogLines  int           `mapstructure:"max_log_lines"`
}

type SMTPConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Domain   string `mapstructure:"domain"`
	MaxBytes int64  `mapstructure:"max_bytes"`
}

type SecretsConfig struct {
	// Service signs webhook payloads and API token ids. Auto-generated on
	// first start when empty.
	Service string `mapstructure:"service"`
	// Encryption encrypts credential fields at rest. Empty means plaintext.
	Encryption string `mapstructure:"encryption"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	AccountLogs bool   `mapstructure:"account_logs"`
}

type MetricsConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	RetentionDays int  `mapstructure:"retention_days"`
}

// Load reads configuration from the given file and the environment.
func Load(path string) error {
	mu.Lock()
	defer mu.Unlock()

	v := viper.New()
	v.SetConfigFile(path)
	if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext != "" {
		v.SetConfigType(ext)
	}

	v.SetEnvPrefix("EENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		reloaded := &Config{}
		if err := v.Unmarshal(reloaded); err != nil {
			return
		}
		mu.Lock()
		cfg = reloaded
		mu.Unlock()
	})
	v.WatchConfig()

	cfg = c
	return nil
}

// Get returns the loaded configuration, or defaults with environment
// overrides when Load was never called or failed (tests, one-shot CLI
// commands, missing config file).
func Get() *Config {
	mu.RLock()
	if cfg != nil {
		defer mu.RUnlock()
		return cfg
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if cfg == nil {
		v := viper.New()
		v.SetEnvPrefix("EENGINE")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()
		setDefaults(v)
		c := &Config{}
		_ = v.Unmarshal(c)
		cfg = c
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "emailengine")
	v.SetDefault("app.version", "dev")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.homepage", "https://github.com/jhult/emailengine")

	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 3000)
	v.SetDefault("api.read_timeout", 30*time.Second)
	v.SetDefault("api.write_timeout", 30*time.Second)
	v.SetDefault("api.shutdown_timeout", 2500*time.Millisecond)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "")
	v.SetDefault("redis.max_retries", 5)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)

	v.SetDefault("workers.imap", 4)
	v.SetDefault("workers.submit", 1)
	v.SetDefault("workers.notify", 1)

	v.SetDefault("queues.keep", 250)
	v.SetDefault("queues.lease_time", 30*time.Second)
	v.SetDefault("queues.notify_retries", 10)
	v.SetDefault("queues.notify_backoff", 5*time.Second)
	v.SetDefault("queues.submit_retries", 10)
	v.SetDefault("queues.submit_backoff", 5*time.Second)

	v.SetDefault("webhooks.timeout", 10*time.Second)
	v.SetDefault("webhooks.max_body_size", 2*1024*1024)
	v.SetDefault("webhooks.include_text", false)
	v.SetDefault("webhooks.max_text_size", 1024*1024)

	v.SetDefault("imap.dial_timeout", 10*time.Second)
	v.SetDefault("imap.poll_interval", 30*time.Second)
	v.SetDefault("imap.idle_timeout", 5*time.Minute)
	v.SetDefault("imap.max_log_lines", 10000)

	v.SetDefault("smtp.enabled", false)
	v.SetDefault("smtp.host", "0.0.0.0")
	v.SetDefault("smtp.port", 2525)
	v.SetDefault("smtp.domain", "localhost")
	v.SetDefault("smtp.max_bytes", 25*1024*1024)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.account_logs", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.retention_days", 30)
}

// Reset clears the loaded configuration. Tests only.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	cfg = nil
}
