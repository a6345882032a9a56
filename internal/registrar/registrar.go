package registrar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/agentworkforce/pulserelay/internal/observability"
)

var ErrInvalidInput = errors.New("access token and callback url are required")

const (
	defaultAPIBaseURL = "https://api.prod.whoop.com/developer"
	defaultTimeout    = 10 * time.Second
	webhooksPath      = "/v2/webhooks"
	maxErrorBodyBytes = 4096
)

type Options struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	Logger    *zap.Logger
	// HTTPClient replaces the transport resty uses; tests point it at httptest.
	HTTPClient *http.Client
	Now        func() time.Time
}

// Receipt describes an accepted registration.
type Receipt struct {
	ID           string    `json:"id,omitempty"`
	URL          string    `json:"url"`
	Enabled      bool      `json:"enabled"`
	StatusCode   int       `json:"statusCode"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// RegistrationError is returned when the provider answers with a non-2xx status.
type RegistrationError struct {
	StatusCode int
	Body       string
}

func (e *RegistrationError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook registration rejected with status %d", e.StatusCode)
	}
	return fmt.Sprintf("webhook registration rejected with status %d: %s", e.StatusCode, e.Body)
}

// Client registers this service's callback URL with the wearable provider.
// Each call makes exactly one request; retrying is left to the caller.
type Client struct {
	http   *resty.Client
	logger *zap.Logger
	now    func() time.Time
}

func New(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultAPIBaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	var client *resty.Client
	if opts.HTTPClient != nil {
		client = resty.NewWithClient(opts.HTTPClient)
	} else {
		client = resty.New()
	}
	client.
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if ua := strings.TrimSpace(opts.UserAgent); ua != "" {
		client.SetHeader("User-Agent", ua)
	}
	return &Client{http: client, logger: logger, now: now}
}

type registrationRequest struct {
	URL     string `json:"url"`
	Enabled bool   `json:"enabled"`
}

type registrationResponse struct {
	ID      json.RawMessage `json:"id"`
	URL     string          `json:"url"`
	Enabled *bool           `json:"enabled"`
}

// Register asks the provider to deliver webhooks to callbackURL on behalf of
// the user who owns accessToken.
func (c *Client) Register(ctx context.Context, accessToken, callbackURL string) (Receipt, error) {
	accessToken = strings.TrimSpace(accessToken)
	callbackURL = strings.TrimSpace(callbackURL)
	if accessToken == "" || callbackURL == "" {
		return Receipt{}, ErrInvalidInput
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(accessToken).
		SetBody(registrationRequest{URL: callbackURL, Enabled: true}).
		Post(webhooksPath)
	if err != nil {
		observability.RecordRegistration("transport_error")
		c.logger.Warn("webhook registration request failed", zap.String("callback_url", callbackURL), zap.Error(err))
		return Receipt{}, fmt.Errorf("register webhook: %w", err)
	}

	if !resp.IsSuccess() {
		body := strings.TrimSpace(string(resp.Body()))
		if len(body) > maxErrorBodyBytes {
			body = body[:maxErrorBodyBytes]
		}
		observability.RecordRegistration("rejected")
		c.logger.Warn("webhook registration rejected",
			zap.String("callback_url", callbackURL),
			zap.Int("status_code", resp.StatusCode()),
		)
		return Receipt{}, &RegistrationError{StatusCode: resp.StatusCode(), Body: body}
	}

	receipt := Receipt{
		URL:          callbackURL,
		Enabled:      true,
		StatusCode:   resp.StatusCode(),
		RegisteredAt: c.now().UTC(),
	}
	var parsed registrationResponse
	if len(resp.Body()) > 0 && json.Unmarshal(resp.Body(), &parsed) == nil {
		receipt.ID = rawID(parsed.ID)
		if parsed.URL != "" {
			receipt.URL = parsed.URL
		}
		if parsed.Enabled != nil {
			receipt.Enabled = *parsed.Enabled
		}
	}
	observability.RecordRegistration("registered")
	c.logger.Info("webhook registered",
		zap.String("callback_url", receipt.URL),
		zap.String("registration_id", receipt.ID),
		zap.Int("status_code", receipt.StatusCode),
	)
	return receipt, nil
}

// rawID accepts both string and numeric ids.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
