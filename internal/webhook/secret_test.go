package webhook

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestStaticSecret(t *testing.T) {
	require.Equal(t, []byte("abc"), StaticSecret("abc").Secret())
	require.Empty(t, StaticSecret(nil).Secret())
}

func TestFileSecretTrimsContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(path, []byte("  rotating-secret\n"), 0o600))

	s, err := NewFileSecret(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Equal(t, []byte("rotating-secret"), s.Secret())
}

func TestFileSecretMissingFile(t *testing.T) {
	_, err := NewFileSecret(filepath.Join(t.TempDir(), "absent"), nil)
	require.Error(t, err)
	_, err = NewFileSecret("  ", nil)
	require.Error(t, err)
}

func TestFileSecretReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(path, []byte("first"), 0o600))

	s, err := NewFileSecret(path, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()

	// The watcher registers asynchronously, so keep rewriting until a change lands.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("second"), 0o600)
		return string(s.Secret()) == "second"
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop after cancel")
	}
}
