package config

import (
	"errors"
	"os"

	"github.com/hashicorp/go-multierror"
)

type Config struct {
	Port string

	// DatabasePath is the SQLite file; empty selects the in-memory store
	// (local development only).
	DatabasePath string

	StripeWebhookSecret   string
	CoinbaseWebhookSecret string

	SentryDSN string

	SMTPHost string
	SMTPPort string
	SMTPUser string
	SMTPPass string
}

// New loads configuration from the environment. Missing required
// settings are reported together rather than one at a time.
func New() (*Config, error) {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	cfg := &Config{
		Port:                  port,
		DatabasePath:          os.Getenv("DATABASE_PATH"),
		StripeWebhookSecret:   os.Getenv("STRIPE_WEBHOOK_SECRET"),
		CoinbaseWebhookSecret: os.Getenv("COINBASE_WEBHOOK_SECRET"),
		SentryDSN:             os.Getenv("SENTRY_DSN"),
		SMTPHost:              os.Getenv("SMTP_HOST"),
		SMTPPort:              os.Getenv("SMTP_PORT"),
		SMTPUser:              os.Getenv("SMTP_USER"),
		SMTPPass:              os.Getenv("SMTP_PASS"),
	}

	var result *multierror.Error
	if cfg.StripeWebhookSecret == "" {
		result = multierror.Append(result, errors.New("STRIPE_WEBHOOK_SECRET environment variable is required"))
	}
	if cfg.CoinbaseWebhookSecret == "" {
		result = multierror.Append(result, errors.New("COINBASE_WEBHOOK_SECRET environment variable is required"))
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SMTPConfigured reports whether outbound email can be sent.
func (c *Config) SMTPConfigured() bool {
	return c.SMTPHost != "" && c.SMTPPort != "" && c.SMTPUser != "" && c.SMTPPass != ""
}
