package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/foxzi/wablast/internal/antiban"
)

// WhatsApp drivers
const (
	DriverCloud   = "cloud"
	DriverSandbox = "sandbox"
)

// Environment variables that override the YAML file
const (
	EnvAPIKey        = "WABLAST_API_KEY"
	EnvListenAddr    = "WABLAST_LISTEN_ADDR"
	EnvDriver        = "WABLAST_WHATSAPP_DRIVER"
	EnvToken         = "WABLAST_WHATSAPP_TOKEN"
	EnvPhoneNumberID = "WABLAST_WHATSAPP_PHONE_NUMBER_ID"
	EnvStoragePath   = "WABLAST_STORAGE_PATH"
	EnvDocumentsDir  = "WABLAST_DOCUMENTS_DIR"
	EnvLogLevel      = "WABLAST_LOG_LEVEL"
)

// Config is the main configuration structure
type Config struct {
	API          APIConfig          `yaml:"api"`
	Storage      StorageConfig      `yaml:"storage"`
	Documents    DocumentsConfig    `yaml:"documents"`
	Logging      LoggingConfig      `yaml:"logging"`
	WhatsApp     WhatsAppConfig     `yaml:"whatsapp"`
	Antiban      antiban.Config     `yaml:"antiban"`
	Blast        BlastConfig        `yaml:"blast"`
	Activity     ActivityConfig     `yaml:"activity"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	FileMatching FileMatchingConfig `yaml:"file_matching"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	APIKey         string        `yaml:"api_key"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // Max HTTP header size (default: 1MB)
	MaxUploadBytes int64         `yaml:"max_upload_bytes"` // Max multipart body (default: 64MB)
	ReadTimeout    time.Duration `yaml:"read_timeout"`     // HTTP read timeout (default: 30s)
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // HTTP write timeout (default: 60s)
	IdleTimeout    time.Duration `yaml:"idle_timeout"`     // HTTP idle timeout (default: 120s)
	AllowedIPs     []string      `yaml:"allowed_ips"`      // IP addresses/CIDRs allowed to access API (empty = allow all)
	AllowedOrigins []string      `yaml:"allowed_origins"`  // Websocket origins (empty = any)
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Path      string          `yaml:"path"`
	Retention RetentionConfig `yaml:"retention"`
}

// RetentionConfig controls the periodic cleaner
type RetentionConfig struct {
	SandboxMaxAge   time.Duration `yaml:"sandbox_max_age"`  // Delete captured sandbox messages older than this (0 = keep forever)
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // How often to run cleanup
}

// DocumentsConfig contains the attachment folder settings
type DocumentsConfig struct {
	Dir               string        `yaml:"dir"`
	CacheTTL          time.Duration `yaml:"cache_ttl"`
	AllowedExtensions []string      `yaml:"allowed_extensions"`
	MaxFileSize       int64         `yaml:"max_file_size"`
	DisableWatch      bool          `yaml:"disable_watch"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// WhatsAppConfig selects and configures the messaging driver
type WhatsAppConfig struct {
	Driver      string        `yaml:"driver"`       // cloud, sandbox
	CountryCode string        `yaml:"country_code"` // Default: 62
	Cloud       CloudConfig   `yaml:"cloud"`
	Sandbox     SandboxConfig `yaml:"sandbox"`
}

// CloudConfig contains WhatsApp Cloud API credentials
type CloudConfig struct {
	BaseURL       string        `yaml:"base_url"`
	APIVersion    string        `yaml:"api_version"`
	PhoneNumberID string        `yaml:"phone_number_id"`
	Token         string        `yaml:"token"`
	Timeout       time.Duration `yaml:"timeout"`
}

// SandboxConfig contains sandbox driver settings
type SandboxConfig struct {
	ErrorRate float64       `yaml:"error_rate"`
	Latency   time.Duration `yaml:"latency"`
}

// BlastConfig contains blast runner settings
type BlastConfig struct {
	MaxRetries  int           `yaml:"max_retries"`  // Default: 3
	SendTimeout time.Duration `yaml:"send_timeout"` // Default: 2m
	KeepHistory int           `yaml:"keep_history"` // Jobs kept in history (default: 100)
}

// ActivityConfig contains send log settings
type ActivityConfig struct {
	BufferSize int `yaml:"buffer_size"` // In-memory entries (default: 1000)
	PersistMax int `yaml:"persist_max"` // Persisted entries (default: 10000)
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`    // Default: 127.0.0.1:9090
	Path          string        `yaml:"path"`           // Default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"` // Default: 10s
	AllowedIPs    []string      `yaml:"allowed_ips"`    // IP addresses/CIDRs allowed to access metrics
}

// FileMatchingConfig contains filename matching settings
type FileMatchingConfig struct {
	MinScore float64 `yaml:"min_score"` // Default: 0.5
}

// Load loads configuration from a YAML file. A .env file next to it is
// loaded first; variables already set in the environment win.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, filepath.Join(filepath.Dir(path), ".env"))
}

// LoadWithEnv loads configuration from a YAML file and an explicit .env file
func LoadWithEnv(path, envFile string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}
	cfg.applyEnv()

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnv overrides secrets and addresses from WABLAST_* variables
func (c *Config) applyEnv() {
	overrides := map[string]*string{
		EnvAPIKey:        &c.API.APIKey,
		EnvListenAddr:    &c.API.ListenAddr,
		EnvDriver:        &c.WhatsApp.Driver,
		EnvToken:         &c.WhatsApp.Cloud.Token,
		EnvPhoneNumberID: &c.WhatsApp.Cloud.PhoneNumberID,
		EnvStoragePath:   &c.Storage.Path,
		EnvDocumentsDir:  &c.Documents.Dir,
		EnvLogLevel:      &c.Logging.Level,
	}
	for name, field := range overrides {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			*field = v
		}
	}
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.MaxUploadBytes == 0 {
		c.API.MaxUploadBytes = 64 << 20
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 60 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 120 * time.Second
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/wablast/wablast.db"
	}
	if c.Storage.Retention.CleanupInterval == 0 {
		c.Storage.Retention.CleanupInterval = time.Hour
	}

	if c.Documents.Dir == "" {
		c.Documents.Dir = "/var/lib/wablast/documents"
	}
	if c.Documents.CacheTTL == 0 {
		c.Documents.CacheTTL = 30 * time.Second
	}
	if c.Documents.MaxFileSize == 0 {
		c.Documents.MaxFileSize = 100 << 20 // Cloud API document limit
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.WhatsApp.Driver == "" {
		c.WhatsApp.Driver = DriverSandbox
	}
	c.WhatsApp.Driver = strings.ToLower(c.WhatsApp.Driver)
	if c.WhatsApp.CountryCode == "" {
		c.WhatsApp.CountryCode = "62"
	}
	if c.WhatsApp.Cloud.BaseURL == "" {
		c.WhatsApp.Cloud.BaseURL = "https://graph.facebook.com"
	}
	if c.WhatsApp.Cloud.APIVersion == "" {
		c.WhatsApp.Cloud.APIVersion = "v19.0"
	}
	if c.WhatsApp.Cloud.Timeout == 0 {
		c.WhatsApp.Cloud.Timeout = 30 * time.Second
	}

	c.Antiban.SetDefaults()

	if c.Blast.MaxRetries == 0 {
		c.Blast.MaxRetries = 3
	}
	if c.Blast.SendTimeout == 0 {
		c.Blast.SendTimeout = 2 * time.Minute
	}
	if c.Blast.KeepHistory == 0 {
		c.Blast.KeepHistory = 100
	}

	if c.Activity.BufferSize == 0 {
		c.Activity.BufferSize = 1000
	}
	if c.Activity.PersistMax == 0 {
		c.Activity.PersistMax = 10000
	}

	// Metrics defaults
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = "127.0.0.1:9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}

	if c.FileMatching.MinScore == 0 {
		c.FileMatching.MinScore = 0.5
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Documents.Dir == "" {
		return fmt.Errorf("documents.dir is required")
	}

	if err := c.validateWhatsApp(); err != nil {
		return err
	}

	if err := c.Antiban.Validate(); err != nil {
		return fmt.Errorf("antiban: %w", err)
	}

	if c.Blast.MaxRetries < 0 || c.Blast.MaxRetries > 10 {
		return fmt.Errorf("blast.max_retries must be between 0 and 10")
	}
	if c.Activity.BufferSize < 0 || c.Activity.PersistMax < 0 {
		return fmt.Errorf("activity sizes must not be negative")
	}
	if c.FileMatching.MinScore < 0 || c.FileMatching.MinScore > 1 {
		return fmt.Errorf("file_matching.min_score must be between 0 and 1")
	}

	return nil
}

func (c *Config) validateWhatsApp() error {
	switch c.WhatsApp.Driver {
	case DriverSandbox:
		if c.WhatsApp.Sandbox.ErrorRate < 0 || c.WhatsApp.Sandbox.ErrorRate > 1 {
			return fmt.Errorf("whatsapp.sandbox.error_rate must be between 0 and 1")
		}
	case DriverCloud:
		if c.WhatsApp.Cloud.Token == "" {
			return fmt.Errorf("whatsapp.cloud.token is required for the cloud driver (or set %s)", EnvToken)
		}
		if c.WhatsApp.Cloud.PhoneNumberID == "" {
			return fmt.Errorf("whatsapp.cloud.phone_number_id is required for the cloud driver (or set %s)", EnvPhoneNumberID)
		}
	default:
		return fmt.Errorf("invalid whatsapp.driver: %s (must be cloud or sandbox)", c.WhatsApp.Driver)
	}

	for _, r := range c.WhatsApp.CountryCode {
		if r < '0' || r > '9' {
			return fmt.Errorf("whatsapp.country_code must contain digits only")
		}
	}

	return nil
}

// IsSandbox reports whether messages are captured instead of sent
func (c *Config) IsSandbox() bool {
	return c.WhatsApp.Driver == DriverSandbox
}
