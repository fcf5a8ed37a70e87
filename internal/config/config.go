package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port                     string   `mapstructure:"PORT"`
	Env                      string   `mapstructure:"ENV"`
	CORSOrigins              []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS             float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst           int      `mapstructure:"RATE_LIMIT_BURST"`
	NotificationContentTypes []string `mapstructure:"NOTIFICATIONS_CONTENT_TYPES"`
	NotificationDuration     int      `mapstructure:"NOTIFICATIONS_DURATION"`
	NotificationDurationMax  int      `mapstructure:"NOTIFICATIONS_DURATION_MAX"`
	TLSEnabled               bool     `mapstructure:"TLS_ENABLED"`
	TLSCertFile              string   `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile               string   `mapstructure:"TLS_KEY_FILE"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "9001")
	v.SetDefault("ENV", "development")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("NOTIFICATIONS_CONTENT_TYPES", "message/rfc822")
	v.SetDefault("NOTIFICATIONS_DURATION", 3600)
	v.SetDefault("NOTIFICATIONS_DURATION_MAX", 7200)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("NOTIFICATIONS_CONTENT_TYPES")
	v.BindEnv("NOTIFICATIONS_DURATION")
	v.BindEnv("NOTIFICATIONS_DURATION_MAX")
	v.BindEnv("TLS_ENABLED")
	v.BindEnv("TLS_CERT_FILE")
	v.BindEnv("TLS_KEY_FILE")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper hands list values over either pre-split (with the whitespace of
	// the comma-separated env string intact) or as one joined string,
	// depending on how the value arrived. Normalize both forms; an untrimmed
	// content type would otherwise never match a request.
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{v.GetString("CORS_ORIGINS")}
	}
	cfg.CORSOrigins = splitList(strings.Join(cfg.CORSOrigins, ","))
	if len(cfg.NotificationContentTypes) == 0 {
		cfg.NotificationContentTypes = []string{v.GetString("NOTIFICATIONS_CONTENT_TYPES")}
	}
	cfg.NotificationContentTypes = splitList(strings.Join(cfg.NotificationContentTypes, ","))

	return cfg, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if len(c.NotificationContentTypes) == 0 {
		return fmt.Errorf("NOTIFICATIONS_CONTENT_TYPES must name at least one media type")
	}
	for _, ct := range c.NotificationContentTypes {
		if !strings.Contains(ct, "/") {
			return fmt.Errorf("NOTIFICATIONS_CONTENT_TYPES entry %q is not a media type", ct)
		}
	}

	if c.NotificationDuration <= 0 {
		return fmt.Errorf("NOTIFICATIONS_DURATION must be positive, got %d", c.NotificationDuration)
	}
	if c.NotificationDurationMax < c.NotificationDuration {
		return fmt.Errorf("NOTIFICATIONS_DURATION_MAX (%d) must be at least NOTIFICATIONS_DURATION (%d)",
			c.NotificationDurationMax, c.NotificationDuration)
	}

	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be positive, got %v", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_BURST must be positive, got %d", c.RateLimitBurst)
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
