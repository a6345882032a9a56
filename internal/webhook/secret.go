package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// SecretSource yields the shared webhook secret for the current request. An empty
// result means no secret is configured and every signature fails.
type SecretSource interface {
	Secret() []byte
}

type StaticSecret []byte

func (s StaticSecret) Secret() []byte {
	return s
}

// FileSecret reads the secret from a file and reloads it whenever the file (or
// the directory entry pointing at it) changes, so the secret can be rotated
// without a restart.
type FileSecret struct {
	path   string
	logger *zap.Logger

	mu     sync.RWMutex
	secret []byte
}

func NewFileSecret(path string, logger *zap.Logger) (*FileSecret, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("webhook secret file path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &FileSecret{path: filepath.Clean(path), logger: logger}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileSecret) Secret() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.secret
}

func (s *FileSecret) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read webhook secret file: %w", err)
	}
	secret := bytes.TrimSpace(data)
	s.mu.Lock()
	s.secret = secret
	s.mu.Unlock()
	return nil
}

// Watch blocks until ctx is done, reloading the secret on filesystem changes.
// A failed reload keeps the previous secret.
func (s *FileSecret) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create secret watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !s.relevant(event) {
				continue
			}
			if err := s.reload(); err != nil {
				s.logger.Warn("webhook secret reload failed", zap.String("path", s.path), zap.Error(err))
				continue
			}
			s.logger.Info("webhook secret reloaded", zap.String("path", s.path))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("webhook secret watcher error", zap.Error(err))
		}
	}
}

func (s *FileSecret) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Clean(event.Name)
	// Mounted secrets are swapped through a "..data" symlink rather than written in place.
	return name == s.path || strings.HasPrefix(filepath.Base(name), "..")
}
