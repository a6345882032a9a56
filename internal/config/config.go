package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the process configuration, read from PULSERELAY_* variables.
type Config struct {
	Addr string `env:"PULSERELAY_ADDR" envDefault:":8080"`

	WebhookSecret     string `env:"PULSERELAY_WEBHOOK_SECRET"`
	WebhookSecretFile string `env:"PULSERELAY_WEBHOOK_SECRET_FILE"`
	SignatureHeader   string `env:"PULSERELAY_SIGNATURE_HEADER" envDefault:"X-Whoop-Signature"`

	PublicBaseURL       string        `env:"PULSERELAY_PUBLIC_BASE_URL"`
	ProviderAPIURL      string        `env:"PULSERELAY_PROVIDER_API_URL" envDefault:"https://api.prod.whoop.com/developer"`
	RegistrationTimeout time.Duration `env:"PULSERELAY_REGISTRATION_TIMEOUT" envDefault:"10s"`
	// RegistrationRateLimit caps registration calls per client IP within
	// RegistrationRateWindow. Zero disables the limit.
	RegistrationRateLimit  int           `env:"PULSERELAY_REGISTRATION_RATE_LIMIT" envDefault:"10"`
	RegistrationRateWindow time.Duration `env:"PULSERELAY_REGISTRATION_RATE_WINDOW" envDefault:"1m"`

	StateBackendDSN  string `env:"PULSERELAY_STATE_BACKEND_DSN"`
	PersistWorkers   int    `env:"PULSERELAY_PERSIST_WORKERS" envDefault:"4"`
	PersistQueueSize int    `env:"PULSERELAY_PERSIST_QUEUE_SIZE" envDefault:"256"`

	SessionBuffer  int           `env:"PULSERELAY_SESSION_BUFFER" envDefault:"32"`
	WSWriteTimeout time.Duration `env:"PULSERELAY_WS_WRITE_TIMEOUT" envDefault:"5s"`
	MaxBodyBytes   int64         `env:"PULSERELAY_MAX_BODY_BYTES" envDefault:"1048576"`

	ReadJWTSecret  string   `env:"PULSERELAY_READ_JWT_SECRET"`
	AllowedOrigins []string `env:"PULSERELAY_ALLOWED_ORIGINS" envSeparator:","`

	LogLevel        string        `env:"PULSERELAY_LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"PULSERELAY_LOG_FORMAT" envDefault:"json"`
	ShutdownTimeout time.Duration `env:"PULSERELAY_SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.WebhookSecretFile = strings.TrimSpace(c.WebhookSecretFile)
	c.PublicBaseURL = strings.TrimRight(strings.TrimSpace(c.PublicBaseURL), "/")
	c.ProviderAPIURL = strings.TrimRight(strings.TrimSpace(c.ProviderAPIURL), "/")
	origins := c.AllowedOrigins[:0]
	for _, origin := range c.AllowedOrigins {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	c.AllowedOrigins = origins
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("PULSERELAY_ADDR is required"))
	}
	if strings.TrimSpace(c.SignatureHeader) == "" {
		errs = append(errs, errors.New("PULSERELAY_SIGNATURE_HEADER is required"))
	}
	if c.PersistWorkers <= 0 {
		errs = append(errs, errors.New("PULSERELAY_PERSIST_WORKERS must be positive"))
	}
	if c.PersistQueueSize <= 0 {
		errs = append(errs, errors.New("PULSERELAY_PERSIST_QUEUE_SIZE must be positive"))
	}
	if c.SessionBuffer <= 0 {
		errs = append(errs, errors.New("PULSERELAY_SESSION_BUFFER must be positive"))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("PULSERELAY_MAX_BODY_BYTES must be positive"))
	}
	if c.RegistrationRateLimit < 0 {
		errs = append(errs, errors.New("PULSERELAY_REGISTRATION_RATE_LIMIT must not be negative"))
	}
	if c.RegistrationTimeout <= 0 || c.RegistrationRateWindow <= 0 || c.WSWriteTimeout <= 0 || c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	return errors.Join(errs...)
}

// HasWebhookSecret reports whether any secret source is configured. Without
// one every webhook is rejected.
func (c Config) HasWebhookSecret() bool {
	return c.WebhookSecret != "" || c.WebhookSecretFile != ""
}
