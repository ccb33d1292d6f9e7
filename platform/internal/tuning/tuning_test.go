package tuning

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Antoine-Prieur/smart-news-ml/platform/telemetry/logging"
)

func TestManagerDefaultsWithoutFile(t *testing.T) {
	m, err := NewManager("", logging.New(slog.Default()))
	require.NoError(t, err)
	assert.Equal(t, Defaults(), m.Current())
	assert.Equal(t, 300*time.Second, m.UnloadTimeout())
	assert.Equal(t, 1, m.ConcurrentPredictions())
}

func TestManagerLoadsFileAndNormalizes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	require.NoError(t, os.WriteFile(path, []byte("unload_timeout_seconds: 60\nconcurrent_predictions: 0\n"), 0o644))

	m, err := NewManager(path, logging.New(slog.Default()))
	require.NoError(t, err)
	assert.Equal(t, 60, m.Current().UnloadTimeoutSeconds)
	// Zero concurrency falls back to the default.
	assert.Equal(t, 1, m.Current().ConcurrentPredictions)
}

func TestWatchPicksUpChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	require.NoError(t, os.WriteFile(path, []byte("concurrent_predictions: 2\n"), 0o644))

	m, err := NewManager(path, logging.New(slog.Default()))
	require.NoError(t, err)
	require.Equal(t, 2, m.ConcurrentPredictions())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Watch(ctx, path))

	require.NoError(t, os.WriteFile(path, []byte("concurrent_predictions: 8\n"), 0o644))
	require.Eventually(t, func() bool {
		return m.ConcurrentPredictions() == 8
	}, 5*time.Second, 20*time.Millisecond)
}
