// Package streamclient follows one user's live updates over the relay stream
// endpoint and reconnects when the connection drops.
package streamclient

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/pulserelay/internal/userstate"
	"github.com/agentworkforce/pulserelay/internal/webhook"
)

const streamPath = "/v1/stream"

// Kind tells a snapshot taken at join time apart from a pushed update.
type Kind string

const (
	KindSnapshot Kind = "snapshot"
	KindUpdate   Kind = "update"
)

// Update is one state the client observed. Event is zero for snapshots.
type Update struct {
	Kind    Kind                     `json:"kind"`
	UserID  string                   `json:"userId"`
	Event   webhook.Event            `json:"event"`
	State   userstate.UserState      `json:"state"`
	Derived userstate.DerivedMetrics `json:"derived"`
}

// JoinError is returned when the server refuses the join. Retrying with the
// same credentials will not help, so Run gives up.
type JoinError struct {
	Code    string
	Message string
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("join rejected: %s: %s", e.Code, e.Message)
}

type Options struct {
	// URL is the relay base URL (http, https, ws or wss). The stream path is
	// appended when the URL has no path.
	URL        string
	UserID     string
	Token      string
	Logger     *zap.Logger
	HTTPClient *http.Client
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// Jitter is the +/- ratio applied to each backoff delay, clamped to [0,1].
	Jitter   float64
	OnUpdate func(Update)
}

type Client struct {
	url        string
	userID     string
	token      string
	logger     *zap.Logger
	httpClient *http.Client
	minBackoff time.Duration
	maxBackoff time.Duration
	jitter     float64
	onUpdate   func(Update)

	mu          sync.Mutex
	lastVersion uint64
	lastUpdate  time.Time
	rng         *rand.Rand
}

type frame struct {
	Type    string                    `json:"type"`
	UserID  string                    `json:"userId"`
	Event   *webhook.Event            `json:"event"`
	State   *userstate.UserState      `json:"state"`
	Derived *userstate.DerivedMetrics `json:"derived"`
	Code    string                    `json:"code"`
	Message string                    `json:"message"`
}

func New(opts Options) (*Client, error) {
	streamURL, err := normalizeURL(opts.URL)
	if err != nil {
		return nil, err
	}
	userID := strings.TrimSpace(opts.UserID)
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	if opts.OnUpdate == nil {
		return nil, errors.New("update callback is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	minBackoff := opts.MinBackoff
	if minBackoff <= 0 {
		minBackoff = 250 * time.Millisecond
	}
	maxBackoff := opts.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	return &Client{
		url:        streamURL,
		userID:     userID,
		token:      strings.TrimSpace(opts.Token),
		logger:     logger.With(zap.String("user_id", userID)),
		httpClient: opts.HTTPClient,
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
		jitter:     clampJitterRatio(opts.Jitter),
		onUpdate:   opts.OnUpdate,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// LastVersion is the state version of the most recent delivery. It can go
// down when the relay restarts without its state.
func (c *Client) LastVersion() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastVersion
}

// Run keeps a joined stream open until ctx ends or the server rejects the
// join. It returns ctx.Err() on cancellation and a *JoinError on rejection.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		joined, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var joinErr *JoinError
		if errors.As(err, &joinErr) {
			return err
		}
		if joined {
			attempt = 0
		}
		attempt++
		delay := c.retryDelay(attempt)
		c.logger.Info("stream disconnected, reconnecting",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
		)
		if err := waitWithContext(ctx, delay); err != nil {
			return err
		}
	}
}

// session runs one connection. joined reports whether the join succeeded
// before the connection ended.
func (c *Client) session(ctx context.Context) (joined bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{HTTPClient: c.httpClient})
	cancel()
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.url, err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1 << 20)

	if err := wsjson.Write(ctx, conn, map[string]string{
		"type":   "join",
		"userId": c.userID,
		"token":  c.token,
	}); err != nil {
		return false, fmt.Errorf("send join: %w", err)
	}

	// Versions only order frames within one connection. A restarted relay
	// may count from 1 again.
	var connVersion uint64
	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return joined, fmt.Errorf("read frame: %w", err)
		}
		switch f.Type {
		case "joined":
			joined = true
			c.logger.Debug("stream joined")
			if f.State != nil {
				c.deliver(KindSnapshot, f, &connVersion)
			}
		case "update":
			if f.State != nil && f.UserID == c.userID {
				c.deliver(KindUpdate, f, &connVersion)
			}
		case "error":
			if !joined {
				conn.Close(websocket.StatusNormalClosure, "join rejected")
				return false, &JoinError{Code: f.Code, Message: f.Message}
			}
			c.logger.Warn("stream error frame", zap.String("code", f.Code), zap.String("message", f.Message))
		}
	}
}

// deliver hands the frame to the callback unless this connection already
// carried a version at least as new, or it repeats the state delivered last
// (the rejoin snapshot after a reconnect). Join snapshots and queued updates
// can arrive in either order.
func (c *Client) deliver(kind Kind, f frame, connVersion *uint64) {
	if f.State.Version <= *connVersion {
		return
	}
	*connVersion = f.State.Version

	c.mu.Lock()
	if f.State.Version == c.lastVersion && f.State.LastUpdate.Equal(c.lastUpdate) {
		c.mu.Unlock()
		return
	}
	c.lastVersion = f.State.Version
	c.lastUpdate = f.State.LastUpdate
	c.mu.Unlock()

	u := Update{Kind: kind, UserID: c.userID, State: *f.State}
	if f.Event != nil {
		u.Event = *f.Event
	}
	if f.Derived != nil {
		u.Derived = *f.Derived
	} else {
		u.Derived = userstate.Derive(*f.State)
	}
	c.onUpdate(u)
}

func (c *Client) retryDelay(attempt int) time.Duration {
	delay := c.minBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxBackoff {
			delay = c.maxBackoff
			break
		}
	}
	c.mu.Lock()
	sample := c.rng.Float64()
	c.mu.Unlock()
	return jitteredDelay(delay, c.jitter, sample)
}

func normalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("url host is required")
	}
	if strings.Trim(u.Path, "/") == "" {
		u.Path = streamPath
	}
	return u.String(), nil
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredDelay(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
