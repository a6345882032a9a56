package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "X-Whoop-Signature", cfg.SignatureHeader)
	assert.Equal(t, "https://api.prod.whoop.com/developer", cfg.ProviderAPIURL)
	assert.Equal(t, 10*time.Second, cfg.RegistrationTimeout)
	assert.Equal(t, 10, cfg.RegistrationRateLimit)
	assert.Equal(t, time.Minute, cfg.RegistrationRateWindow)
	assert.Empty(t, cfg.StateBackendDSN, "no snapshot persistence unless configured")
	assert.Equal(t, 4, cfg.PersistWorkers)
	assert.Equal(t, 256, cfg.PersistQueueSize)
	assert.Equal(t, 32, cfg.SessionBuffer)
	assert.Equal(t, 5*time.Second, cfg.WSWriteTimeout)
	assert.EqualValues(t, 1<<20, cfg.MaxBodyBytes)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
	assert.Empty(t, cfg.AllowedOrigins)
	assert.False(t, cfg.HasWebhookSecret())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PULSERELAY_ADDR", ":9090")
	t.Setenv("PULSERELAY_WEBHOOK_SECRET", "s3cret")
	t.Setenv("PULSERELAY_PUBLIC_BASE_URL", " https://relay.example.com/ ")
	t.Setenv("PULSERELAY_ALLOWED_ORIGINS", "app.example.com, ,*.example.org")
	t.Setenv("PULSERELAY_SESSION_BUFFER", "8")
	t.Setenv("PULSERELAY_WS_WRITE_TIMEOUT", "250ms")
	t.Setenv("PULSERELAY_REGISTRATION_RATE_LIMIT", "0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.True(t, cfg.HasWebhookSecret())
	assert.Equal(t, "https://relay.example.com", cfg.PublicBaseURL)
	assert.Equal(t, []string{"app.example.com", "*.example.org"}, cfg.AllowedOrigins)
	assert.Equal(t, 8, cfg.SessionBuffer)
	assert.Equal(t, 250*time.Millisecond, cfg.WSWriteTimeout)
	assert.Zero(t, cfg.RegistrationRateLimit)
}

func TestLoadParseError(t *testing.T) {
	t.Setenv("PULSERELAY_PERSIST_WORKERS", "many")
	_, err := Load()
	require.ErrorContains(t, err, "parse env:")
}

func TestLoadValidation(t *testing.T) {
	t.Setenv("PULSERELAY_SESSION_BUFFER", "0")
	t.Setenv("PULSERELAY_MAX_BODY_BYTES", "-1")
	t.Setenv("PULSERELAY_REGISTRATION_RATE_LIMIT", "-3")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PULSERELAY_SESSION_BUFFER")
	assert.Contains(t, err.Error(), "PULSERELAY_MAX_BODY_BYTES")
	assert.Contains(t, err.Error(), "PULSERELAY_REGISTRATION_RATE_LIMIT")
}
