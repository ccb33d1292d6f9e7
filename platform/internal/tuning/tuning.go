package tuning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/Antoine-Prieur/smart-news-ml/platform/telemetry/logging"
)

// Knobs are the runtime-tunable settings that may change without a process
// restart.
type Knobs struct {
	UnloadTimeoutSeconds  int `yaml:"unload_timeout_seconds"`
	ConcurrentPredictions int `yaml:"concurrent_predictions"`
	PopTimeoutMillis      int `yaml:"pop_timeout_millis"`
}

// Defaults returns the built-in knob values.
func Defaults() Knobs {
	return Knobs{
		UnloadTimeoutSeconds:  300,
		ConcurrentPredictions: 1,
		PopTimeoutMillis:      100,
	}
}

func (k Knobs) normalized() Knobs {
	d := Defaults()
	if k.UnloadTimeoutSeconds <= 0 {
		k.UnloadTimeoutSeconds = d.UnloadTimeoutSeconds
	}
	if k.ConcurrentPredictions <= 0 {
		k.ConcurrentPredictions = d.ConcurrentPredictions
	}
	if k.PopTimeoutMillis <= 0 {
		k.PopTimeoutMillis = d.PopTimeoutMillis
	}
	return k
}

// Manager holds the current knob snapshot and optionally watches a YAML
// file, swapping the snapshot when the file's checksum changes.
type Manager struct {
	log logging.Logger

	mu       sync.RWMutex
	current  Knobs
	checksum string

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewManager starts from defaults, overlaid with the file's contents when
// path is non-empty. A file that cannot be read or parsed is an error.
func NewManager(path string, log logging.Logger) (*Manager, error) {
	m := &Manager{log: log, current: Defaults()}
	if path == "" {
		return m, nil
	}
	if err := m.reload(path); err != nil {
		return nil, err
	}
	return m, nil
}

// Current returns the active knob snapshot.
func (m *Manager) Current() Knobs {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// UnloadTimeout exposes the idle-unload window as a duration getter for
// the predictor runtimes.
func (m *Manager) UnloadTimeout() time.Duration {
	return time.Duration(m.Current().UnloadTimeoutSeconds) * time.Second
}

// ConcurrentPredictions exposes the pipeline semaphore capacity.
func (m *Manager) ConcurrentPredictions() int {
	return m.Current().ConcurrentPredictions
}

// Watch follows the tuning file until ctx is cancelled. Change detection is
// checksum-based: editors that rewrite via rename still trigger a single
// reload.
func (m *Manager) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create tuning watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch tuning file %s: %w", path, err)
	}
	m.watcher = watcher
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := m.reload(path); err != nil {
					m.log.ErrorCtx(ctx, "tuning reload failed", "path", path, "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.log.ErrorCtx(ctx, "tuning watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (m *Manager) reload(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read tuning file %s: %w", path, err)
	}

	sum := sha256.Sum256(raw)
	checksum := hex.EncodeToString(sum[:])

	m.mu.Lock()
	defer m.mu.Unlock()
	if checksum == m.checksum {
		return nil
	}

	var knobs Knobs
	if err := yaml.Unmarshal(raw, &knobs); err != nil {
		return fmt.Errorf("parse tuning file %s: %w", path, err)
	}
	m.current = knobs.normalized()
	m.checksum = checksum
	m.log.InfoCtx(context.Background(), "tuning knobs reloaded",
		"unload_timeout_seconds", m.current.UnloadTimeoutSeconds,
		"concurrent_predictions", m.current.ConcurrentPredictions,
		"pop_timeout_millis", m.current.PopTimeoutMillis)
	return nil
}
