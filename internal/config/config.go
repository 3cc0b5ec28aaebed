package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the application configuration
type Config struct {
	App          AppConfig          `koanf:"app"`
	Service      ServiceConfig      `koanf:"service"`
	Subscription SubscriptionConfig `koanf:"subscription"`
	Renewal      RenewalConfig      `koanf:"renewal"`
	OAuth        *OAuthConfig       // From environment
}

// AppConfig holds the outward-facing settings
type AppConfig struct {
	// PublicURL is the externally reachable base URL the provider pushes
	// notifications to. Must be HTTPS in production.
	PublicURL string `koanf:"public_url"`
	Port      int    `koanf:"port"`
}

// ServiceConfig holds process-level settings
type ServiceConfig struct {
	StateFile string `koanf:"state_file"`
	LogLevel  string `koanf:"log_level"`
}

// SubscriptionConfig holds the change-subscription parameters
type SubscriptionConfig struct {
	// Resource is the provider resource path watched for changes
	Resource string `koanf:"resource"`
	TTLHours int    `koanf:"ttl_hours"`
}

// RenewalConfig holds the renewal job schedule
type RenewalConfig struct {
	// Schedule is a five-field cron expression evaluated in Timezone
	Schedule string `koanf:"schedule"`
	Timezone string `koanf:"timezone"`
}

// OAuthConfig holds the identity-provider settings loaded from environment
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	TenantID     string
	RedirectURL  string
	// ClientState is the shared secret echoed back by the provider in every
	// notification to prove its origin
	ClientState string
}

// TTL returns the configured subscription lifetime
func (c SubscriptionConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

var defaults = map[string]interface{}{
	"app.port":              3000,
	"service.state_file":    "data/calwatch.db",
	"service.log_level":     "info",
	"subscription.resource": "/me/events",
	"subscription.ttl_hours": 24,
	"renewal.schedule":      "0 3 * * *",
	"renewal.timezone":      "UTC",
}

// Load reads the configuration file and environment variables
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load default configuration: %w", err)
	}

	if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load configuration file: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	// Ensure the state file path is absolute
	if !filepath.IsAbs(cfg.Service.StateFile) {
		configDir := filepath.Dir(path)
		cfg.Service.StateFile = filepath.Join(configDir, cfg.Service.StateFile)
	}

	// Secrets come from the environment only
	cfg.OAuth = &OAuthConfig{
		ClientID:     os.Getenv("CALWATCH_CLIENT_ID"),
		ClientSecret: os.Getenv("CALWATCH_CLIENT_SECRET"),
		TenantID:     os.Getenv("CALWATCH_TENANT_ID"),
		RedirectURL:  os.Getenv("CALWATCH_REDIRECT_URL"),
		ClientState:  os.Getenv("CALWATCH_CLIENT_STATE"),
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate checks if the configuration is valid
func validate(cfg *Config) error {
	if cfg.App.PublicURL == "" {
		return fmt.Errorf("app.public_url is required")
	}
	if strings.HasSuffix(cfg.App.PublicURL, "/") {
		cfg.App.PublicURL = strings.TrimRight(cfg.App.PublicURL, "/")
	}

	if cfg.App.Port < 1 || cfg.App.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.App.Port)
	}

	if cfg.Subscription.TTLHours < 1 {
		return fmt.Errorf("subscription TTL must be at least one hour")
	}

	if !strings.HasPrefix(cfg.Subscription.Resource, "/") {
		return fmt.Errorf("subscription resource must be an absolute path: %s", cfg.Subscription.Resource)
	}

	if _, err := time.LoadLocation(cfg.Renewal.Timezone); err != nil {
		return fmt.Errorf("invalid renewal timezone %q: %w", cfg.Renewal.Timezone, err)
	}

	if cfg.OAuth.ClientID == "" {
		return fmt.Errorf("CALWATCH_CLIENT_ID environment variable is required")
	}
	if cfg.OAuth.ClientSecret == "" {
		return fmt.Errorf("CALWATCH_CLIENT_SECRET environment variable is required")
	}
	if cfg.OAuth.TenantID == "" {
		return fmt.Errorf("CALWATCH_TENANT_ID environment variable is required")
	}
	if cfg.OAuth.RedirectURL == "" {
		return fmt.Errorf("CALWATCH_REDIRECT_URL environment variable is required")
	}
	if cfg.OAuth.ClientState == "" {
		return fmt.Errorf("CALWATCH_CLIENT_STATE environment variable is required")
	}

	return nil
}
