package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	API     APIConfig     `yaml:"api"`
	Storage StorageConfig `yaml:"storage"`
	Import  ImportConfig  `yaml:"import"`
	SMTP    SMTPConfig    `yaml:"smtp"`
	Mail    MailConfig    `yaml:"mail"`
	History HistoryConfig `yaml:"history"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig contains HTTP listener settings
type ServerConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"` // sends are synchronous, keep it generous
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	TLS            TLSConfig     `yaml:"tls"`
}

type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APIConfig controls access to /api/v1
type APIConfig struct {
	// KeyHash is a bcrypt hash of the API key. Empty disables authentication.
	KeyHash string `yaml:"key_hash"`
	// AllowedIPs restricts /api/v1 to these addresses or CIDRs. Empty allows all.
	AllowedIPs []string `yaml:"allowed_ips"`
	// TrustProxyHeaders honours X-Forwarded-For and X-Real-IP when filtering.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"` // sqlite, bolt
	Path   string `yaml:"path"`
}

// ImportConfig contains spreadsheet ingestion settings
type ImportConfig struct {
	// Mode is "strict" (name plus email or phone required) or "loose" (name only).
	Mode           string `yaml:"mode"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

// SMTPConfig contains outgoing relay settings
type SMTPConfig struct {
	// Host and Port force a relay instead of resolving one from the sender address.
	Host               string            `yaml:"host"`
	Port               int               `yaml:"port"`
	Hostname           string            `yaml:"hostname"` // EHLO name on the encrypted session
	Timeout            time.Duration     `yaml:"timeout"`
	InsecureSkipVerify bool              `yaml:"insecure_skip_verify"`
	CAFile             string            `yaml:"ca_file"` // extra roots for private relays
	Providers          map[string]string `yaml:"providers"` // sender domain -> host[:port]
	DKIM               DKIMConfig        `yaml:"dkim"`
	RateLimit          RateLimitConfig   `yaml:"rate_limit"`
}

// RateLimitConfig caps how many messages a sender account or relay may
// receive. Free mail providers suspend accounts that exceed their quotas.
type RateLimitConfig struct {
	Enabled   bool         `yaml:"enabled"`
	Sender    *LimitValues `yaml:"sender,omitempty"`
	Relay     *LimitValues `yaml:"relay,omitempty"`
	StatePath string       `yaml:"state_path"` // bbolt file for counters; empty keeps them in memory
}

// LimitValues holds quota values; zero disables a window
type LimitValues struct {
	MessagesPerHour int `yaml:"messages_per_hour"`
	MessagesPerDay  int `yaml:"messages_per_day"`
}

type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
	Domain   string `yaml:"domain"`
}

// MailConfig contains the fixed parts of every composed message
type MailConfig struct {
	Greeting string `yaml:"greeting"` // fmt pattern receiving the recipient name
	Closing  string `yaml:"closing"`
}

type HistoryConfig struct {
	DefaultLimit        int  `yaml:"default_limit"`
	RecordFailedBatches bool `yaml:"record_failed_batches"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled    bool     `yaml:"enabled"`
	ListenAddr string   `yaml:"listen_addr"` // Default: :9090
	Path       string   `yaml:"path"`        // Default: /metrics
	AllowedIPs []string `yaml:"allowed_ips"` // IP addresses/CIDRs allowed to access metrics
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

const (
	ImportStrict = "strict"
	ImportLoose  = "loose"

	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
)

// Load reads the configuration file, applies LEGISMAIL_* environment
// overrides and defaults. An empty path yields a default configuration.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("LEGISMAIL_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LEGISMAIL_STORAGE_DRIVER"); v != "" {
		c.Storage.Driver = v
	}
	if v := os.Getenv("LEGISMAIL_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("LEGISMAIL_API_KEY_HASH"); v != "" {
		c.API.KeyHash = v
	}
	if v := os.Getenv("LEGISMAIL_IMPORT_MODE"); v != "" {
		c.Import.Mode = v
	}
	if v := os.Getenv("LEGISMAIL_SMTP_HOST"); v != "" {
		c.SMTP.Host = v
	}
	if v := os.Getenv("LEGISMAIL_SMTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid LEGISMAIL_SMTP_PORT: %w", err)
		}
		c.SMTP.Port = port
	}
	if v := os.Getenv("LEGISMAIL_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.MaxHeaderBytes == 0 {
		c.Server.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Minute
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverSQLite
	}
	if c.Storage.Path == "" {
		if c.Storage.Driver == DriverBolt {
			c.Storage.Path = "data/legismail.bolt"
		} else {
			c.Storage.Path = "data/legismail.db"
		}
	}

	if c.Import.Mode == "" {
		c.Import.Mode = ImportStrict
	}
	if c.Import.MaxUploadBytes == 0 {
		c.Import.MaxUploadBytes = 16 << 20 // 16 MB
	}

	if c.SMTP.Timeout == 0 {
		c.SMTP.Timeout = 30 * time.Second
	}
	if c.SMTP.Hostname == "" {
		hostname, _ := os.Hostname()
		if hostname == "" {
			hostname = "localhost"
		}
		c.SMTP.Hostname = hostname
	}
	if c.SMTP.RateLimit.Enabled && c.SMTP.RateLimit.Sender == nil && c.SMTP.RateLimit.Relay == nil {
		// Daily cap of a consumer Gmail account
		c.SMTP.RateLimit.Sender = &LimitValues{MessagesPerDay: 500}
	}
	if c.SMTP.Host != "" && c.SMTP.Port == 0 {
		c.SMTP.Port = 587
	}

	if c.Mail.Greeting == "" {
		c.Mail.Greeting = "Prezado(a) %s,"
	}
	if c.Mail.Closing == "" {
		c.Mail.Closing = "Atenciosamente,"
	}

	if c.History.DefaultLimit == 0 {
		c.History.DefaultLimit = 50
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if c.Storage.Driver != DriverSQLite && c.Storage.Driver != DriverBolt {
		return fmt.Errorf("invalid storage.driver: %s (must be sqlite or bolt)", c.Storage.Driver)
	}

	if c.Import.Mode != ImportStrict && c.Import.Mode != ImportLoose {
		return fmt.Errorf("invalid import.mode: %s (must be strict or loose)", c.Import.Mode)
	}
	if c.Import.MaxUploadBytes < 0 {
		return fmt.Errorf("import.max_upload_bytes must not be negative")
	}

	if c.SMTP.Port < 0 || c.SMTP.Port > 65535 {
		return fmt.Errorf("invalid smtp.port: %d", c.SMTP.Port)
	}
	if c.SMTP.Timeout < 0 {
		return fmt.Errorf("smtp.timeout must not be negative")
	}
	for domain, endpoint := range c.SMTP.Providers {
		if domain == "" || endpoint == "" {
			return fmt.Errorf("smtp.providers entries must have a domain and a host")
		}
	}

	for name, lv := range map[string]*LimitValues{"sender": c.SMTP.RateLimit.Sender, "relay": c.SMTP.RateLimit.Relay} {
		if lv != nil && (lv.MessagesPerHour < 0 || lv.MessagesPerDay < 0) {
			return fmt.Errorf("smtp.rate_limit.%s values must not be negative", name)
		}
	}

	if err := c.validateDKIM(); err != nil {
		return err
	}

	if !strings.Contains(c.Mail.Greeting, "%s") {
		return fmt.Errorf("mail.greeting must contain %%s for the recipient name")
	}

	if c.History.DefaultLimit < 0 {
		return fmt.Errorf("history.default_limit must not be negative")
	}

	tls := c.Server.TLS
	if (tls.CertFile == "") != (tls.KeyFile == "") {
		return fmt.Errorf("server.tls.cert_file and server.tls.key_file must be set together")
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

func (c *Config) validateDKIM() error {
	if !c.SMTP.DKIM.Enabled {
		return nil
	}

	if c.SMTP.DKIM.Selector == "" {
		return fmt.Errorf("smtp.dkim.selector is required when DKIM is enabled")
	}
	if c.SMTP.DKIM.KeyFile == "" {
		return fmt.Errorf("smtp.dkim.key_file is required when DKIM is enabled")
	}
	if c.SMTP.DKIM.Domain == "" {
		return fmt.Errorf("smtp.dkim.domain is required when DKIM is enabled")
	}

	return nil
}

// HasTLS reports whether the HTTP server should terminate TLS itself
func (c *Config) HasTLS() bool {
	return c.Server.TLS.CertFile != "" && c.Server.TLS.KeyFile != ""
}

// StrictImport reports whether rows without any contact channel are dropped
func (c *Config) StrictImport() bool {
	return c.Import.Mode == ImportStrict
}
