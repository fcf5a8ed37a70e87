package config

import (
	"os"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"PORT", "NOTIFICATIONS_CONTENT_TYPES", "NOTIFICATIONS_DURATION"} {
		os.Unsetenv(key)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != "9001" {
		t.Errorf("expected default port 9001, got %s", cfg.Port)
	}
	if len(cfg.NotificationContentTypes) != 1 || cfg.NotificationContentTypes[0] != "message/rfc822" {
		t.Errorf("expected default content types [message/rfc822], got %v", cfg.NotificationContentTypes)
	}
	if cfg.NotificationDuration != 3600 {
		t.Errorf("expected default duration 3600, got %d", cfg.NotificationDuration)
	}
	if cfg.NotificationDurationMax != 7200 {
		t.Errorf("expected default max duration 7200, got %d", cfg.NotificationDurationMax)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestLoad_SplitsListValues(t *testing.T) {
	os.Setenv("NOTIFICATIONS_CONTENT_TYPES", "message/rfc822, text/plain")
	os.Setenv("CORS_ORIGINS", "http://a.example, http://b.example ")
	defer os.Unsetenv("NOTIFICATIONS_CONTENT_TYPES")
	defer os.Unsetenv("CORS_ORIGINS")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Entries must come back trimmed no matter how viper split them.
	if len(cfg.NotificationContentTypes) != 2 ||
		cfg.NotificationContentTypes[0] != "message/rfc822" ||
		cfg.NotificationContentTypes[1] != "text/plain" {
		t.Errorf("expected split and trimmed content types, got %q", cfg.NotificationContentTypes)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "http://b.example" {
		t.Errorf("expected split and trimmed CORS origins, got %q", cfg.CORSOrigins)
	}
}

func TestConfig_IsDev(t *testing.T) {
	c := &Config{Env: "development"}
	if !c.IsDev() {
		t.Error("expected IsDev() to return true for development")
	}

	c.Env = "production"
	if c.IsDev() {
		t.Error("expected IsDev() to return false for production")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Port:                     "9001",
			NotificationContentTypes: []string{"message/rfc822"},
			NotificationDuration:     3600,
			NotificationDurationMax:  7200,
			RateLimitRPS:             100,
			RateLimitBurst:           200,
		}
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	c := base()
	c.NotificationContentTypes = []string{"rfc822"}
	if err := c.Validate(); err == nil {
		t.Error("expected rejection of a non-media-type content type")
	}

	c = base()
	c.NotificationDurationMax = 60
	if err := c.Validate(); err == nil {
		t.Error("expected rejection when max duration is below the default duration")
	}

	c = base()
	c.TLSEnabled = true
	if err := c.Validate(); err == nil {
		t.Error("expected rejection of TLS without cert and key files")
	}
	c.TLSCertFile = "cert.pem"
	c.TLSKeyFile = "key.pem"
	if err := c.Validate(); err != nil {
		t.Errorf("TLS with cert and key must validate: %v", err)
	}
}
