package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-config/cfgx"
)

// ProviderConfig carries the resolved secrets for one provider. Webhook
// secret/token is only meaningful for Polar and Wahoo; Strava uses a
// subscription verify token instead.
type ProviderConfig struct {
	ClientID      string `koanf:"client_id" mapstructure:"client_id"`
	ClientSecret  string `koanf:"client_secret" mapstructure:"client_secret"`
	WebhookSecret string `koanf:"webhook_secret" mapstructure:"webhook_secret"`
	VerifyToken   string `koanf:"verify_token" mapstructure:"verify_token"`
}

type Config struct {
	ServiceName string `koanf:"service_name" mapstructure:"service_name"`
	// BaseURL is the public API origin used to construct OAuth callback and
	// webhook URLs, e.g. https://api.example.com.
	BaseURL     string `koanf:"base_url" mapstructure:"base_url"`
	FrontendURL string `koanf:"frontend_url" mapstructure:"frontend_url"`

	// TokenEncryptionKey is the dedicated 32-byte key for token storage.
	// When absent, the cipher derives a key from FallbackSecret; see
	// security.NewTokenCipher for the tradeoff.
	TokenEncryptionKey string `koanf:"token_encryption_key" mapstructure:"token_encryption_key"`
	FallbackSecret     string `koanf:"fallback_secret" mapstructure:"fallback_secret"`
	StateSigningSecret string `koanf:"state_signing_secret" mapstructure:"state_signing_secret"`

	SyncCooldown time.Duration `koanf:"sync_cooldown" mapstructure:"sync_cooldown"`

	Strava ProviderConfig `koanf:"strava" mapstructure:"strava"`
	Garmin ProviderConfig `koanf:"garmin" mapstructure:"garmin"`
	Polar  ProviderConfig `koanf:"polar" mapstructure:"polar"`
	Wahoo  ProviderConfig `koanf:"wahoo" mapstructure:"wahoo"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName:  "tri-integrations",
		FrontendURL:  "http://localhost:3000",
		SyncCooldown: 5 * time.Minute,
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("core: base_url is required")
	}
	if strings.TrimSpace(c.StateSigningSecret) == "" {
		return fmt.Errorf("core: state_signing_secret is required")
	}
	if strings.TrimSpace(c.TokenEncryptionKey) == "" && strings.TrimSpace(c.FallbackSecret) == "" {
		return fmt.Errorf("core: token_encryption_key or fallback_secret is required")
	}
	if c.SyncCooldown < 0 {
		return fmt.Errorf("core: sync_cooldown must not be negative")
	}
	return nil
}

func (c Config) Provider(provider ProviderID) ProviderConfig {
	switch provider {
	case ProviderStrava:
		return c.Strava
	case ProviderGarmin:
		return c.Garmin
	case ProviderPolar:
		return c.Polar
	case ProviderWahoo:
		return c.Wahoo
	}
	return ProviderConfig{}
}

// LoadConfig builds a validated Config from a raw key map (typically
// env-derived), layered over defaults.
func LoadConfig(_ context.Context, raw map[string]any) (Config, error) {
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(DefaultConfig()),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}
