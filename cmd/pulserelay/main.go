package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/pulserelay/internal/config"
	"github.com/agentworkforce/pulserelay/internal/httpapi"
	"github.com/agentworkforce/pulserelay/internal/ingest"
	"github.com/agentworkforce/pulserelay/internal/logging"
	"github.com/agentworkforce/pulserelay/internal/registrar"
	"github.com/agentworkforce/pulserelay/internal/session"
	"github.com/agentworkforce/pulserelay/internal/userstate"
	"github.com/agentworkforce/pulserelay/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, "pulserelay")
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize", zap.Error(err))
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("addr", cfg.Addr), zap.Error(err))
	}
	if err := a.serve(ctx, ln); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// app is the wired process: everything serve needs and everything that must
// be released on the way out.
type app struct {
	cfg      config.Config
	logger   *zap.Logger
	store    *userstate.Store
	sessions *session.Registry
	server   *httpapi.Server

	watchers sync.WaitGroup
	cancel   context.CancelFunc
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	ctx, cancel := context.WithCancel(ctx)
	a := &app{cfg: cfg, logger: logger, cancel: cancel}

	secret, err := a.secretSource(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	backend, err := userstate.BuildBackendFromDSN(cfg.StateBackendDSN)
	if err != nil {
		cancel()
		a.watchers.Wait()
		return nil, fmt.Errorf("state backend: %w", err)
	}
	a.store = userstate.NewStore(userstate.StoreOptions{
		Backend:          backend,
		Logger:           logger.Named("userstate"),
		PersistWorkers:   cfg.PersistWorkers,
		PersistQueueSize: cfg.PersistQueueSize,
	})
	if _, err := a.store.Restore(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("restore user state: %w", err)
	}

	a.sessions = session.NewRegistry(session.Options{
		BufferSize: cfg.SessionBuffer,
		Logger:     logger.Named("session"),
	})
	pipeline, err := ingest.New(ingest.Options{
		Secret:      secret,
		Store:       a.store,
		Broadcaster: a.sessions,
		Logger:      logger.Named("ingest"),
	})
	if err != nil {
		a.close()
		return nil, err
	}
	reg := registrar.New(registrar.Options{
		BaseURL: cfg.ProviderAPIURL,
		Timeout: cfg.RegistrationTimeout,
		Logger:  logger.Named("registrar"),
	})
	a.server = httpapi.NewServer(httpapi.Deps{
		Pipeline:  pipeline,
		States:    a.store,
		Sessions:  a.sessions,
		Registrar: reg,
		Logger:    logger.Named("http"),
	}, httpapi.ServerConfig{
		SignatureHeader: cfg.SignatureHeader,
		PublicBaseURL:   cfg.PublicBaseURL,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		ReadJWTSecret:   cfg.ReadJWTSecret,
		AllowedOrigins:  cfg.AllowedOrigins,
		WSWriteTimeout:  cfg.WSWriteTimeout,
		RateLimitMax:    cfg.RegistrationRateLimit,
		RateLimitWindow: cfg.RegistrationRateWindow,
	})
	return a, nil
}

// secretSource prefers the secret file, which is watched for rotation until
// ctx ends. With neither source configured every webhook is rejected.
func (a *app) secretSource(ctx context.Context) (webhook.SecretSource, error) {
	if a.cfg.WebhookSecretFile != "" {
		fs, err := webhook.NewFileSecret(a.cfg.WebhookSecretFile, a.logger.Named("secret"))
		if err != nil {
			return nil, err
		}
		a.watchers.Add(1)
		go func() {
			defer a.watchers.Done()
			if err := fs.Watch(ctx); err != nil {
				a.logger.Warn("webhook secret watcher stopped", zap.Error(err))
			}
		}()
		return fs, nil
	}
	if a.cfg.WebhookSecret == "" {
		a.logger.Warn("no webhook secret configured; every webhook will be rejected")
	}
	return webhook.StaticSecret(a.cfg.WebhookSecret), nil
}

// serve runs until ctx ends, then drains HTTP requests, open streams and
// pending snapshot writes, in that order.
func (a *app) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.server,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("pulserelay listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	a.logger.Info("pulserelay shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("graceful shutdown failed", zap.Error(err))
	}
	a.server.CloseStreams()
	a.close()
	return serveErr
}

func (a *app) close() {
	a.cancel()
	a.watchers.Wait()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("closing user state store failed", zap.Error(err))
		}
	}
}
