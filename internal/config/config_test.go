package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/foxzi/wablast/internal/antiban"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return cfgPath
}

func TestLoad(t *testing.T) {
	content := `
api:
  listen_addr: ":9080"
  api_key: "test-api-key"
  allowed_origins:
    - "http://localhost:5173"

storage:
  path: "/tmp/test.db"
  retention:
    sandbox_max_age: 72h

documents:
  dir: "/tmp/docs"
  cache_ttl: 5s

logging:
  level: "debug"
  format: "text"

whatsapp:
  driver: cloud
  country_code: "44"
  cloud:
    phone_number_id: "1234567890"
    token: "EAAG-token"

antiban:
  tier: warming
  base_delay: 2s
  active_hours:
    start: 7
    end: 22

blast:
  max_retries: 5

file_matching:
  min_score: 0.7
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.ListenAddr != ":9080" {
		t.Errorf("API.ListenAddr = %v, want :9080", cfg.API.ListenAddr)
	}
	if cfg.API.APIKey != "test-api-key" {
		t.Errorf("API.APIKey = %v, want test-api-key", cfg.API.APIKey)
	}
	if len(cfg.API.AllowedOrigins) != 1 {
		t.Errorf("API.AllowedOrigins = %v, want one origin", cfg.API.AllowedOrigins)
	}
	if cfg.Storage.Retention.SandboxMaxAge != 72*time.Hour {
		t.Errorf("Retention.SandboxMaxAge = %v, want 72h", cfg.Storage.Retention.SandboxMaxAge)
	}
	if cfg.Documents.CacheTTL != 5*time.Second {
		t.Errorf("Documents.CacheTTL = %v, want 5s", cfg.Documents.CacheTTL)
	}
	if cfg.WhatsApp.Driver != DriverCloud {
		t.Errorf("WhatsApp.Driver = %v, want cloud", cfg.WhatsApp.Driver)
	}
	if cfg.WhatsApp.CountryCode != "44" {
		t.Errorf("WhatsApp.CountryCode = %v, want 44", cfg.WhatsApp.CountryCode)
	}
	if cfg.WhatsApp.Cloud.APIVersion != "v19.0" {
		t.Errorf("Cloud.APIVersion = %v, want v19.0", cfg.WhatsApp.Cloud.APIVersion)
	}
	if cfg.Antiban.Tier != antiban.TierWarming {
		t.Errorf("Antiban.Tier = %v, want warming", cfg.Antiban.Tier)
	}
	if cfg.Antiban.BaseDelay != 2*time.Second {
		t.Errorf("Antiban.BaseDelay = %v, want 2s", cfg.Antiban.BaseDelay)
	}
	if cfg.Antiban.ActiveHours.Start != 7 || cfg.Antiban.ActiveHours.End != 22 {
		t.Errorf("Antiban.ActiveHours = %+v, want 7..22", cfg.Antiban.ActiveHours)
	}
	if cfg.Antiban.AfterErrorDelay != 60*time.Second {
		t.Errorf("Antiban.AfterErrorDelay = %v, want 60s default", cfg.Antiban.AfterErrorDelay)
	}
	if cfg.Blast.MaxRetries != 5 {
		t.Errorf("Blast.MaxRetries = %v, want 5", cfg.Blast.MaxRetries)
	}
	if cfg.FileMatching.MinScore != 0.7 {
		t.Errorf("FileMatching.MinScore = %v, want 0.7", cfg.FileMatching.MinScore)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %v, want debug", cfg.Logging.Level)
	}
	if cfg.IsSandbox() {
		t.Error("IsSandbox() = true, want false")
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "logging:\n  level: info\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.ListenAddr != ":8080" {
		t.Errorf("API.ListenAddr = %v, want :8080", cfg.API.ListenAddr)
	}
	if cfg.WhatsApp.Driver != DriverSandbox {
		t.Errorf("WhatsApp.Driver = %v, want sandbox", cfg.WhatsApp.Driver)
	}
	if cfg.WhatsApp.CountryCode != "62" {
		t.Errorf("WhatsApp.CountryCode = %v, want 62", cfg.WhatsApp.CountryCode)
	}
	if cfg.Antiban.Tier != antiban.TierNewAccount {
		t.Errorf("Antiban.Tier = %v, want new_account", cfg.Antiban.Tier)
	}
	if cfg.Blast.MaxRetries != 3 {
		t.Errorf("Blast.MaxRetries = %v, want 3", cfg.Blast.MaxRetries)
	}
	if cfg.Blast.SendTimeout != 2*time.Minute {
		t.Errorf("Blast.SendTimeout = %v, want 2m", cfg.Blast.SendTimeout)
	}
	if cfg.Activity.BufferSize != 1000 || cfg.Activity.PersistMax != 10000 {
		t.Errorf("Activity = %+v, want 1000/10000", cfg.Activity)
	}
	if cfg.Documents.CacheTTL != 30*time.Second {
		t.Errorf("Documents.CacheTTL = %v, want 30s", cfg.Documents.CacheTTL)
	}
	if cfg.FileMatching.MinScore != 0.5 {
		t.Errorf("FileMatching.MinScore = %v, want 0.5", cfg.FileMatching.MinScore)
	}
	if cfg.Metrics.ListenAddr != "127.0.0.1:9090" {
		t.Errorf("Metrics.ListenAddr = %v, want 127.0.0.1:9090", cfg.Metrics.ListenAddr)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %v, want json", cfg.Logging.Format)
	}
	if cfg.Antiban.Jitter != 0.3 || cfg.Antiban.PerRecipientLimit != 3 {
		t.Errorf("Antiban = %+v, want default jitter and per-recipient limit", cfg.Antiban)
	}
}

func TestLoadAntibanExplicitZeros(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
antiban:
  jitter: 0
  active_hours:
    start: 0
    end: 0
  per_recipient_limit: 0
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Antiban.Jitter != 0 {
		t.Errorf("Antiban.Jitter = %v, want 0", cfg.Antiban.Jitter)
	}
	if cfg.Antiban.ActiveHours != (antiban.ActiveHours{}) {
		t.Errorf("Antiban.ActiveHours = %+v, want always active", cfg.Antiban.ActiveHours)
	}
	if !cfg.Antiban.ActiveHours.Contains(time.Date(2024, 3, 4, 23, 0, 0, 0, time.UTC)) {
		t.Error("ActiveHours.Contains(23:00) = false, want true")
	}
	if cfg.Antiban.PerRecipientLimit != 0 {
		t.Errorf("Antiban.PerRecipientLimit = %v, want 0", cfg.Antiban.PerRecipientLimit)
	}
	if cfg.Antiban.Tier != antiban.TierNewAccount {
		t.Errorf("Antiban.Tier = %v, want new_account default", cfg.Antiban.Tier)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv(EnvAPIKey, "from-env")

	cfgPath := writeConfig(t, `
api:
  api_key: "from-yaml"
whatsapp:
  driver: cloud
`)
	envFile := filepath.Join(filepath.Dir(cfgPath), ".env")
	envContent := strings.Join([]string{
		EnvToken + "=dotenv-token",
		EnvPhoneNumberID + "=555",
		EnvAPIKey + "=from-dotenv",
	}, "\n")
	if err := os.WriteFile(envFile, []byte(envContent), 0600); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}
	t.Cleanup(func() {
		os.Unsetenv(EnvToken)
		os.Unsetenv(EnvPhoneNumberID)
	})

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// The process environment wins over .env, .env wins over YAML
	if cfg.API.APIKey != "from-env" {
		t.Errorf("API.APIKey = %v, want from-env", cfg.API.APIKey)
	}
	if cfg.WhatsApp.Cloud.Token != "dotenv-token" {
		t.Errorf("Cloud.Token = %v, want dotenv-token", cfg.WhatsApp.Cloud.Token)
	}
	if cfg.WhatsApp.Cloud.PhoneNumberID != "555" {
		t.Errorf("Cloud.PhoneNumberID = %v, want 555", cfg.WhatsApp.Cloud.PhoneNumberID)
	}
}

func TestValidate(t *testing.T) {
	valid := func(mutate func(*Config)) Config {
		cfg := Default()
		mutate(cfg)
		return *cfg
	}

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name:    "valid config",
			cfg:     valid(func(c *Config) {}),
			wantErr: false,
		},
		{
			name: "cloud without token",
			cfg: valid(func(c *Config) {
				c.WhatsApp.Driver = DriverCloud
				c.WhatsApp.Cloud.PhoneNumberID = "123"
			}),
			wantErr: true,
		},
		{
			name: "cloud without phone number id",
			cfg: valid(func(c *Config) {
				c.WhatsApp.Driver = DriverCloud
				c.WhatsApp.Cloud.Token = "t"
			}),
			wantErr: true,
		},
		{
			name:    "unknown driver",
			cfg:     valid(func(c *Config) { c.WhatsApp.Driver = "whatsmeow" }),
			wantErr: true,
		},
		{
			name:    "sandbox error rate out of range",
			cfg:     valid(func(c *Config) { c.WhatsApp.Sandbox.ErrorRate = 1.5 }),
			wantErr: true,
		},
		{
			name:    "non-numeric country code",
			cfg:     valid(func(c *Config) { c.WhatsApp.CountryCode = "+62" }),
			wantErr: true,
		},
		{
			name:    "invalid log level",
			cfg:     valid(func(c *Config) { c.Logging.Level = "invalid" }),
			wantErr: true,
		},
		{
			name:    "invalid log format",
			cfg:     valid(func(c *Config) { c.Logging.Format = "invalid" }),
			wantErr: true,
		},
		{
			name:    "too many retries",
			cfg:     valid(func(c *Config) { c.Blast.MaxRetries = 11 }),
			wantErr: true,
		},
		{
			name:    "min score above one",
			cfg:     valid(func(c *Config) { c.FileMatching.MinScore = 1.2 }),
			wantErr: true,
		},
		{
			name:    "invalid antiban jitter",
			cfg:     valid(func(c *Config) { c.Antiban.Jitter = 1 }),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() expected error for nonexistent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, `invalid: yaml: content: [`))
	if err == nil {
		t.Error("Load() expected error for invalid YAML")
	}
}
