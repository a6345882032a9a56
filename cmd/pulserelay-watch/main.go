// Command pulserelay-watch follows one user's live updates and prints each
// one to stdout as a JSON line.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/pulserelay/internal/logging"
	"github.com/agentworkforce/pulserelay/internal/streamclient"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := logging.New(envOrDefault("PULSERELAY_LOG_LEVEL", "info"), "console", "pulserelay-watch")
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(ctx, os.Args[1:], os.Stdout, logger); err != nil {
		logger.Fatal("watch failed", zap.Error(err))
	}
}

func run(ctx context.Context, args []string, stdout io.Writer, logger *zap.Logger) error {
	flags := flag.NewFlagSet("pulserelay-watch", flag.ContinueOnError)
	baseURL := flags.String("url", envOrDefault("PULSERELAY_URL", "http://127.0.0.1:8080"), "pulserelay base URL")
	userID := flags.String("user", strings.TrimSpace(os.Getenv("PULSERELAY_WATCH_USER")), "user ID to follow")
	token := flags.String("token", strings.TrimSpace(os.Getenv("PULSERELAY_READ_TOKEN")), "read token, when the relay requires one")
	minBackoff := flags.Duration("min-backoff", durationEnv("PULSERELAY_WATCH_MIN_BACKOFF", 250*time.Millisecond), "first reconnect delay")
	maxBackoff := flags.Duration("max-backoff", durationEnv("PULSERELAY_WATCH_MAX_BACKOFF", 30*time.Second), "reconnect delay cap")
	jitter := flags.Float64("jitter", floatEnv("PULSERELAY_WATCH_JITTER", 0.2), "reconnect delay jitter ratio (0.0-1.0)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*userID) == "" {
		return errors.New("user is required (--user or PULSERELAY_WATCH_USER)")
	}

	out := &lineWriter{enc: json.NewEncoder(stdout)}
	client, err := streamclient.New(streamclient.Options{
		URL:        *baseURL,
		UserID:     *userID,
		Token:      *token,
		Logger:     logger,
		MinBackoff: *minBackoff,
		MaxBackoff: *maxBackoff,
		Jitter:     *jitter,
		OnUpdate:   out.write(logger),
	})
	if err != nil {
		return err
	}
	logger.Info("watching", zap.String("user_id", *userID), zap.String("url", *baseURL))
	err = client.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type lineWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (w *lineWriter) write(logger *zap.Logger) func(streamclient.Update) {
	return func(u streamclient.Update) {
		w.mu.Lock()
		defer w.mu.Unlock()
		if err := w.enc.Encode(u); err != nil {
			logger.Warn("write update failed", zap.Error(err))
		}
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s=%q, using fallback %s\n", name, raw, fallback)
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s=%q, using fallback %f\n", name, raw, fallback)
		return fallback
	}
	return value
}
