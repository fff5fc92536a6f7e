// Package config loads application configuration from YAML files and
// environment variables. Environment variables take precedence over YAML values.
package config

import (
	"fmt"
	"net/mail"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Provider string         `yaml:"provider"`
	HTTP     HTTPConfig     `yaml:"http"`
	Relay    RelayConfig    `yaml:"relay"`
	SES      SESConfig      `yaml:"ses"`
	Graph    GraphConfig    `yaml:"graph"`
	Identity IdentityConfig `yaml:"identity"`
	Brand    BrandConfig    `yaml:"brand"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// HTTPConfig holds the webhook listener settings.
type HTTPConfig struct {
	Listen          string        `yaml:"listen"`
	AllowOrigin     string        `yaml:"allow_origin"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RelayConfig holds the upstream SMTP relay settings. The relay is reached
// over implicit TLS.
type RelayConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	LocalName          string        `yaml:"local_name"`
	From               string        `yaml:"from"`
	FromName           string        `yaml:"from_name"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	CommandTimeout     time.Duration `yaml:"command_timeout"`
	StrictEnvelope     bool          `yaml:"strict_envelope"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	CAFile             string        `yaml:"ca_file"`
}

// SESConfig holds AWS SES credentials and settings.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
}

// GraphConfig holds Microsoft Graph API credentials.
type GraphConfig struct {
	TenantID        string `yaml:"tenant_id"`
	ClientID        string `yaml:"client_id"`
	ClientSecret    string `yaml:"client_secret"`
	Sender          string `yaml:"sender"`
	SaveToSentItems bool   `yaml:"save_to_sent_items"`
}

// IdentityConfig holds the auth admin API used for invitation links.
type IdentityConfig struct {
	URL             string `yaml:"url"`
	ServiceRoleKey  string `yaml:"service_role_key"`
	DefaultRedirect string `yaml:"default_redirect"`
}

// BrandConfig holds the product name used in sender names and templates.
type BrandConfig struct {
	Name string `yaml:"name"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

var validProviders = map[string]bool{
	"":       true,
	"auto":   true,
	"relay":  true,
	"ses":    true,
	"graph":  true,
	"stdout": true,
}

var validLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Load returns a Config populated from environment variables with defaults applied.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile reads a YAML config file, then applies environment variable overrides.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{}
	cfg.applyDefaults()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvVars()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports settings that cannot work at runtime.
func (c *Config) Validate() error {
	if !validProviders[c.Provider] {
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	if c.Relay.Port < 1 || c.Relay.Port > 65535 {
		return fmt.Errorf("relay port %d out of range", c.Relay.Port)
	}
	if c.Relay.From != "" {
		addr, err := mail.ParseAddress(c.Relay.From)
		if err != nil {
			return fmt.Errorf("relay from %q: %w", c.Relay.From, err)
		}
		if addr.Address != c.Relay.From {
			return fmt.Errorf("relay from %q: want a bare address, set from_name for the display name", c.Relay.From)
		}
	}
	if c.Relay.ConnectTimeout < 0 || c.Relay.CommandTimeout < 0 {
		return fmt.Errorf("relay timeouts must not be negative")
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	return nil
}

// GraphConfigured returns true if all required Graph API fields are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != "" &&
		c.Graph.Sender != ""
}

// SESConfigured returns true if the required SES fields (region and sender) are set.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" && c.SES.Sender != ""
}

// IdentityConfigured returns true if the auth admin API can be called.
func (c *Config) IdentityConfigured() bool {
	return c.Identity.URL != "" && c.Identity.ServiceRoleKey != ""
}

func (c *Config) applyDefaults() {
	c.HTTP.Listen = ":8080"
	c.HTTP.AllowOrigin = "*"
	c.HTTP.ShutdownTimeout = 10 * time.Second
	c.Relay.Host = "smtp.gmail.com"
	c.Relay.Port = 465
	c.Relay.LocalName = "localhost"
	c.Relay.ConnectTimeout = 30 * time.Second
	c.Relay.CommandTimeout = 60 * time.Second
	c.Identity.DefaultRedirect = "https://ordermate-app.com/login"
	c.Brand.Name = "OrderMate"
	c.Logging.Level = "info"
}

func (c *Config) applyEnvVars() {
	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}

	if v := os.Getenv("HTTP_LISTEN"); v != "" {
		c.HTTP.Listen = v
	}
	if v := os.Getenv("HTTP_ALLOW_ORIGIN"); v != "" {
		c.HTTP.AllowOrigin = v
	}
	setDuration("HTTP_SHUTDOWN_TIMEOUT", &c.HTTP.ShutdownTimeout)

	if v := os.Getenv("RELAY_HOST"); v != "" {
		c.Relay.Host = v
	}
	if v := os.Getenv("RELAY_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Relay.Port = n
		}
	}
	if v := os.Getenv("RELAY_LOCAL_NAME"); v != "" {
		c.Relay.LocalName = v
	}
	if v := os.Getenv("RELAY_FROM"); v != "" {
		c.Relay.From = v
	}
	if v := os.Getenv("RELAY_FROM_NAME"); v != "" {
		c.Relay.FromName = v
	}
	setDuration("RELAY_CONNECT_TIMEOUT", &c.Relay.ConnectTimeout)
	setDuration("RELAY_COMMAND_TIMEOUT", &c.Relay.CommandTimeout)
	setBool("RELAY_STRICT_ENVELOPE", &c.Relay.StrictEnvelope)
	setBool("RELAY_INSECURE_SKIP_VERIFY", &c.Relay.InsecureSkipVerify)
	if v := os.Getenv("RELAY_CA_FILE"); v != "" {
		c.Relay.CAFile = v
	}

	if v := os.Getenv("SES_REGION"); v != "" {
		c.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.SES.SecretAccessKey = v
	}
	if v := os.Getenv("SES_SENDER"); v != "" {
		c.SES.Sender = v
	}

	if v := os.Getenv("GRAPH_TENANT_ID"); v != "" {
		c.Graph.TenantID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_ID"); v != "" {
		c.Graph.ClientID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_SECRET"); v != "" {
		c.Graph.ClientSecret = v
	}
	if v := os.Getenv("GRAPH_SENDER"); v != "" {
		c.Graph.Sender = v
	}
	setBool("GRAPH_SAVE_TO_SENT_ITEMS", &c.Graph.SaveToSentItems)

	if v := os.Getenv("SUPABASE_URL"); v != "" {
		c.Identity.URL = v
	}
	if v := os.Getenv("SUPABASE_SERVICE_ROLE_KEY"); v != "" {
		c.Identity.ServiceRoleKey = v
	}
	if v := os.Getenv("IDENTITY_DEFAULT_REDIRECT"); v != "" {
		c.Identity.DefaultRedirect = v
	}

	if v := os.Getenv("BRAND_NAME"); v != "" {
		c.Brand.Name = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// setDuration overrides *dst from a Go duration string. Invalid values are ignored.
func setDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// setBool overrides *dst from a strconv.ParseBool value. Invalid values are ignored.
func setBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
