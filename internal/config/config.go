// Package config loads service configuration from a YAML file with
// environment-variable overrides for deploy-specific and secret values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for both binaries.
type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Dispatcher  DispatcherConfig  `yaml:"dispatcher"`
	Email       EmailConfig       `yaml:"email"`
	SMS         SMSConfig         `yaml:"sms"`
	Unsubscribe UnsubscribeConfig `yaml:"unsubscribe"`
	Enrichment  EnrichmentConfig  `yaml:"enrichment"`
	Callbacks   CallbacksConfig   `yaml:"callbacks"`
	Credentials CredentialsConfig `yaml:"credentials"`
}

type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type DispatcherConfig struct {
	Channel             string `yaml:"channel"`
	Concurrency         int    `yaml:"concurrency"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	LockTTLSeconds      int    `yaml:"lock_ttl_seconds"`
	DefaultSendRate     int    `yaml:"default_send_rate"`
}

type SenderIdentityConfig struct {
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
}

type BrandingConfig struct {
	AgencyName  string `yaml:"agency_name"`
	LogoURL     string `yaml:"logo_url"`
	AccentColor string `yaml:"accent_color"`
	Address     string `yaml:"address"`
}

type EmailConfig struct {
	PrimaryURL       string               `yaml:"primary_url"`
	FallbackURL      string               `yaml:"fallback_url"`
	PrimaryIdentity  SenderIdentityConfig `yaml:"primary_identity"`
	FallbackIdentity SenderIdentityConfig `yaml:"fallback_identity"`
	UseFallback      bool                 `yaml:"use_fallback"`
	MastheadDomains  []string             `yaml:"masthead_domains"`
	Branding         BrandingConfig       `yaml:"branding"`
	PerSecondLimit   int                  `yaml:"per_second_limit"`
	PerMinuteLimit   int                  `yaml:"per_minute_limit"`
}

type SMSConfig struct {
	PrimaryURL         string `yaml:"primary_url"`
	FallbackURL        string `yaml:"fallback_url"`
	UseFallback        bool   `yaml:"use_fallback"`
	DefaultCountryCode string `yaml:"default_country_code"`
	PerSecondLimit     int    `yaml:"per_second_limit"`
	PerMinuteLimit     int    `yaml:"per_minute_limit"`
}

type UnsubscribeConfig struct {
	BaseURL          string            `yaml:"base_url"`
	ActiveKeyVersion string            `yaml:"active_key_version"`
	Keys             map[string]string `yaml:"keys"`
}

type EnrichmentConfig struct {
	Enabled        bool   `yaml:"enabled"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type CallbacksConfig struct {
	ListenAddr              string `yaml:"listen_addr"`
	EmailKey                string `yaml:"email_key"`
	EmailTransactionalKey   string `yaml:"email_transactional_key"`
	SMSKey                  string `yaml:"sms_key"`
	SMSTransactionalKey     string `yaml:"sms_transactional_key"`
	ShutdownTimeoutSeconds  int    `yaml:"shutdown_timeout_seconds"`
	ReadHeaderTimeoutSecond int    `yaml:"read_header_timeout_seconds"`
}

type CredentialsConfig struct {
	// MasterKeyHex is the hex-encoded AES-256 key protecting stored
	// provider credentials. Normally injected via CREDENTIALS_MASTER_KEY.
	MasterKeyHex string `yaml:"master_key_hex"`
}

// Load reads configuration from a YAML file and applies defaults. A missing
// file is not an error; defaults plus env overrides still apply.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// LoadFromEnv loads a .env file if present, then the YAML config, then
// applies environment overrides. This is what the binaries call.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 20
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Redis.URL == "" {
		c.Redis.URL = "redis://localhost:6379/0"
	}
	if c.Dispatcher.Channel == "" {
		c.Dispatcher.Channel = "email"
	}
	if c.Dispatcher.Concurrency == 0 {
		c.Dispatcher.Concurrency = 4
	}
	if c.Dispatcher.PollIntervalSeconds == 0 {
		c.Dispatcher.PollIntervalSeconds = 10
	}
	if c.Dispatcher.LockTTLSeconds == 0 {
		c.Dispatcher.LockTTLSeconds = 120
	}
	if c.Dispatcher.DefaultSendRate == 0 {
		c.Dispatcher.DefaultSendRate = 60
	}
	if c.SMS.DefaultCountryCode == "" {
		c.SMS.DefaultCountryCode = "254"
	}
	if c.Enrichment.TimeoutSeconds == 0 {
		c.Enrichment.TimeoutSeconds = 5
	}
	if c.Callbacks.ListenAddr == "" {
		c.Callbacks.ListenAddr = ":8085"
	}
	if c.Callbacks.ShutdownTimeoutSeconds == 0 {
		c.Callbacks.ShutdownTimeoutSeconds = 15
	}
	if c.Callbacks.ReadHeaderTimeoutSecond == 0 {
		c.Callbacks.ReadHeaderTimeoutSecond = 10
	}
	if c.Unsubscribe.ActiveKeyVersion == "" {
		c.Unsubscribe.ActiveKeyVersion = "v1"
	}
	if c.Unsubscribe.Keys == nil {
		c.Unsubscribe.Keys = map[string]string{}
	}
}

func (c *Config) applyEnvOverrides() {
	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.Redis.URL, "REDIS_URL")
	setString(&c.Dispatcher.Channel, "DISPATCH_CHANNEL")
	setInt(&c.Dispatcher.Concurrency, "DISPATCH_CONCURRENCY")
	setInt(&c.Dispatcher.PollIntervalSeconds, "DISPATCH_POLL_INTERVAL_SECONDS")
	setBool(&c.Email.UseFallback, "EMAIL_USE_FALLBACK")
	setString(&c.Email.PrimaryURL, "EMAIL_RELAY_URL")
	setString(&c.Email.FallbackURL, "EMAIL_FALLBACK_RELAY_URL")
	setBool(&c.SMS.UseFallback, "SMS_USE_FALLBACK")
	setString(&c.SMS.PrimaryURL, "SMS_GATEWAY_URL")
	setString(&c.SMS.FallbackURL, "SMS_FALLBACK_GATEWAY_URL")
	setString(&c.Enrichment.BaseURL, "PREFERENCE_SERVICE_URL")
	setString(&c.Callbacks.ListenAddr, "CALLBACKS_LISTEN_ADDR")
	setString(&c.Callbacks.EmailKey, "CALLBACK_KEY_EMAIL")
	setString(&c.Callbacks.EmailTransactionalKey, "CALLBACK_KEY_EMAIL_TRANSACTIONAL")
	setString(&c.Callbacks.SMSKey, "CALLBACK_KEY_SMS")
	setString(&c.Callbacks.SMSTransactionalKey, "CALLBACK_KEY_SMS_TRANSACTIONAL")
	setString(&c.Credentials.MasterKeyHex, "CREDENTIALS_MASTER_KEY")
	setString(&c.Unsubscribe.BaseURL, "UNSUBSCRIBE_BASE_URL")

	// UNSUBSCRIBE_SIGNING_KEY installs/overrides the active key version.
	if v := os.Getenv("UNSUBSCRIBE_SIGNING_KEY"); v != "" {
		c.Unsubscribe.Keys[c.Unsubscribe.ActiveKeyVersion] = v
	}
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = strings.EqualFold(v, "true") || v == "1"
	}
}
