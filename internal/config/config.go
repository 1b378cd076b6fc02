package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	Server      ServerConfig       `yaml:"server"`
	Database    DatabaseConfig     `yaml:"database"`
	State       StateConfig        `yaml:"state"`
	Scheduler   SchedulerConfig    `yaml:"scheduler"`
	Mailer      MailerConfig       `yaml:"mailer"`
	Quota       QuotaConfig        `yaml:"quota"`
	Tokens      TokensConfig       `yaml:"tokens"`
	Metrics     MetricsConfig      `yaml:"metrics"`
	Transitions []TransitionConfig `yaml:"transitions"`
	Logging     LoggingConfig      `yaml:"logging"`
}

// ServerConfig contains HTTP API settings
type ServerConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	PublicURL    string        `yaml:"public_url"` // base for tracking and unsubscribe links
	APIKeyHash   string        `yaml:"api_key_hash"`
	CORSOrigins  []string      `yaml:"cors_origins"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// StateConfig points at the bbolt file holding quota counters and sandbox messages
type StateConfig struct {
	Path string `yaml:"path"`
}

// SchedulerConfig controls the drip tick loop
type SchedulerConfig struct {
	Interval   time.Duration `yaml:"interval"`
	BatchSize  int           `yaml:"batch_size"`
	SendDelay  time.Duration `yaml:"send_delay"` // pause after every delivery attempt
	ClaimTTL   time.Duration `yaml:"claim_ttl"`
	RetryDelay time.Duration `yaml:"retry_delay"` // push-back after a failed attempt
	Lock       LockConfig    `yaml:"lock"`
}

type LockConfig struct {
	Backend   string        `yaml:"backend"` // none, redis
	RedisAddr string        `yaml:"redis_addr"`
	RedisDB   int           `yaml:"redis_db"`
	Password  string        `yaml:"password"`
	Key       string        `yaml:"key"`
	TTL       time.Duration `yaml:"ttl"`
}

// MailerConfig selects and configures the outbound transport
type MailerConfig struct {
	Transport   string            `yaml:"transport"` // smtp, ses, sendry, sandbox
	From        string            `yaml:"from"`
	FromName    string            `yaml:"from_name"`
	ReplyTo     string            `yaml:"reply_to"`
	Timeout     time.Duration     `yaml:"timeout"`
	Layout      string            `yaml:"layout"` // liquid layout file, empty for the built-in one
	SMTP        SMTPConfig        `yaml:"smtp"`
	DKIM        DKIMConfig        `yaml:"dkim"`
	SES         SESConfig         `yaml:"ses"`
	Sendry      SendryConfig      `yaml:"sendry"`
	Attachments AttachmentsConfig `yaml:"attachments"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	TLS      string `yaml:"tls"` // none, starttls, tls
	Helo     string `yaml:"helo"`
}

type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Domain   string `yaml:"domain"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
}

type SESConfig struct {
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

type SendryConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

type AttachmentsConfig struct {
	BaseDir  string `yaml:"base_dir"`
	S3Region string `yaml:"s3_region"`
}

// QuotaConfig caps outbound volume; zero values disable a limit
type QuotaConfig struct {
	Global          LimitConfig   `yaml:"global"`
	RecipientDomain LimitConfig   `yaml:"recipient_domain"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
}

type LimitConfig struct {
	MessagesPerHour int `yaml:"messages_per_hour"`
	MessagesPerDay  int `yaml:"messages_per_day"`
}

// Enabled reports whether any limit is set
func (q QuotaConfig) Enabled() bool {
	return q.Global.MessagesPerHour > 0 || q.Global.MessagesPerDay > 0 ||
		q.RecipientDomain.MessagesPerHour > 0 || q.RecipientDomain.MessagesPerDay > 0
}

type TokensConfig struct {
	Secret string `yaml:"secret"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled    bool     `yaml:"enabled"`
	ListenAddr string   `yaml:"listen_addr"`
	Path       string   `yaml:"path"`
	AllowedIPs []string `yaml:"allowed_ips"`
}

// TransitionConfig maps a lifecycle event to a funnel move
type TransitionConfig struct {
	Event string   `yaml:"event"`
	Stop  []string `yaml:"stop"`
	Start string   `yaml:"start"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // json, text
	File       string `yaml:"file"`   // empty means stdout
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Load loads configuration from a YAML file. ${VAR} references are expanded
// from the environment after loading an optional .env file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := loadEnvFile(path); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadEnvFile loads DRIP_ENV_FILE or a .env next to the config file.
// Variables already present in the environment win.
func loadEnvFile(configPath string) error {
	envFile := os.Getenv("DRIP_ENV_FILE")
	explicit := envFile != ""
	if !explicit {
		envFile = filepath.Join(filepath.Dir(configPath), ".env")
	}

	if _, err := os.Stat(envFile); err != nil {
		if explicit {
			return fmt.Errorf("failed to read env file: %w", err)
		}
		return nil
	}

	if err := godotenv.Load(envFile); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", envFile, err)
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8090"
	}
	if c.Server.PublicURL == "" {
		c.Server.PublicURL = "http://localhost:8090"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}

	if c.Database.Path == "" {
		c.Database.Path = "/var/lib/drip/drip.db"
	}
	if c.State.Path == "" {
		c.State.Path = "/var/lib/drip/state.db"
	}

	if c.Scheduler.Interval == 0 {
		c.Scheduler.Interval = time.Minute
	}
	if c.Scheduler.BatchSize == 0 {
		c.Scheduler.BatchSize = 500
	}
	if c.Scheduler.ClaimTTL == 0 {
		c.Scheduler.ClaimTTL = 10 * time.Minute
	}
	if c.Scheduler.RetryDelay == 0 {
		c.Scheduler.RetryDelay = 5 * time.Minute
	}
	if c.Scheduler.Lock.Backend == "" {
		c.Scheduler.Lock.Backend = "none"
	}
	if c.Scheduler.Lock.Key == "" {
		c.Scheduler.Lock.Key = "drip:scheduler"
	}
	if c.Scheduler.Lock.TTL == 0 {
		c.Scheduler.Lock.TTL = 5 * time.Minute
	}

	if c.Mailer.Transport == "" {
		c.Mailer.Transport = "smtp"
	}
	if c.Mailer.Timeout == 0 {
		c.Mailer.Timeout = 30 * time.Second
	}
	if c.Mailer.SMTP.Port == 0 {
		c.Mailer.SMTP.Port = 587
	}
	if c.Mailer.SMTP.TLS == "" {
		c.Mailer.SMTP.TLS = "starttls"
	}
	if c.Mailer.SMTP.Helo == "" {
		hostname, _ := os.Hostname()
		c.Mailer.SMTP.Helo = hostname
	}
	if c.Mailer.SES.Region == "" {
		c.Mailer.SES.Region = "us-east-1"
	}
	if c.Mailer.Attachments.S3Region == "" {
		c.Mailer.Attachments.S3Region = c.Mailer.SES.Region
	}

	if c.Quota.FlushInterval == 0 {
		c.Quota.FlushInterval = 10 * time.Second
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9091"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Tokens.Secret == "" {
		return fmt.Errorf("tokens.secret is required")
	}
	if len(c.Tokens.Secret) < 32 {
		return fmt.Errorf("tokens.secret must be at least 32 characters")
	}
	if c.Mailer.From == "" {
		return fmt.Errorf("mailer.from is required")
	}
	if c.Scheduler.SendDelay < 0 {
		return fmt.Errorf("scheduler.send_delay must not be negative")
	}
	if c.Scheduler.RetryDelay < 0 {
		return fmt.Errorf("scheduler.retry_delay must not be negative")
	}

	switch c.Mailer.Transport {
	case "smtp":
		if c.Mailer.SMTP.Host == "" {
			return fmt.Errorf("mailer.smtp.host is required for smtp transport")
		}
		validTLS := map[string]bool{"none": true, "starttls": true, "tls": true}
		if !validTLS[c.Mailer.SMTP.TLS] {
			return fmt.Errorf("invalid mailer.smtp.tls: %s (must be none, starttls, or tls)", c.Mailer.SMTP.TLS)
		}
	case "ses":
	case "sendry":
		if c.Mailer.Sendry.BaseURL == "" {
			return fmt.Errorf("mailer.sendry.base_url is required for sendry transport")
		}
	case "sandbox":
	default:
		return fmt.Errorf("invalid mailer.transport: %s (must be smtp, ses, sendry, or sandbox)", c.Mailer.Transport)
	}

	if c.Mailer.DKIM.Enabled {
		if c.Mailer.DKIM.Domain == "" || c.Mailer.DKIM.Selector == "" || c.Mailer.DKIM.KeyFile == "" {
			return fmt.Errorf("mailer.dkim requires domain, selector and key_file when enabled")
		}
	}

	switch c.Scheduler.Lock.Backend {
	case "none":
	case "redis":
		if c.Scheduler.Lock.RedisAddr == "" {
			return fmt.Errorf("scheduler.lock.redis_addr is required for redis lock")
		}
	default:
		return fmt.Errorf("invalid scheduler.lock.backend: %s (must be none or redis)", c.Scheduler.Lock.Backend)
	}

	seen := make(map[string]bool)
	for _, t := range c.Transitions {
		if t.Event == "" {
			return fmt.Errorf("transitions: event name is required")
		}
		if seen[t.Event] {
			return fmt.Errorf("transitions: duplicate event %q", t.Event)
		}
		seen[t.Event] = true
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}

// Transition returns the transition configured for an event
func (c *Config) Transition(event string) (TransitionConfig, bool) {
	for _, t := range c.Transitions {
		if t.Event == event {
			return t, true
		}
	}
	return TransitionConfig{}, false
}
