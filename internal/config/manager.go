package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ChangeEvent describes one applied reload of the tunable settings.
type ChangeEvent struct {
	File      string
	Action    string // initial_load, create, modify, manual_reload
	Old       Tunables
	New       Tunables
	Timestamp time.Time
}

// ChangeHandler is called after a reload has been validated and applied.
type ChangeHandler func(event ChangeEvent) error

// tunablesFile mirrors the reloadable keys of skeptek.yaml. Absent keys keep
// their current value.
type tunablesFile struct {
	Verifier struct {
		BatchSize *int `yaml:"batch_size"`
	} `yaml:"verifier"`
	Orchestrator struct {
		Coalesce *bool `yaml:"coalesce"`
	} `yaml:"orchestrator"`
	RateLimit struct {
		Requests *int           `yaml:"requests"`
		Window   *time.Duration `yaml:"window"`
	} `yaml:"rate_limit"`
}

func (f tunablesFile) apply(t Tunables) Tunables {
	if f.Verifier.BatchSize != nil {
		t.VerifierBatchSize = *f.Verifier.BatchSize
	}
	if f.Orchestrator.Coalesce != nil {
		t.Coalesce = *f.Orchestrator.Coalesce
	}
	if f.RateLimit.Requests != nil {
		t.RateLimitRequests = *f.RateLimit.Requests
	}
	if f.RateLimit.Window != nil {
		t.RateLimitWindow = *f.RateLimit.Window
	}
	return t
}

// Manager watches the config file and hot-reloads Tunables.
type Manager struct {
	path    string
	current atomic.Pointer[Tunables]
	logger  *zap.Logger

	mu         sync.RWMutex
	handlers   []ChangeHandler
	validators []func(Tunables) error
	started    bool
	stopCh     chan struct{}
	watcher    *fsnotify.Watcher
	loadMu     sync.Mutex
	settle     time.Duration
}

// NewManager creates a manager for path seeded with initial.
func NewManager(path string, initial Tunables, logger *zap.Logger) (*Manager, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	m := &Manager{
		path:    path,
		logger:  logger.Named("config"),
		stopCh:  make(chan struct{}),
		watcher: watcher,
		settle:  50 * time.Millisecond,
	}
	m.current.Store(&initial)
	m.RegisterValidator(validateTunables)
	return m, nil
}

func validateTunables(t Tunables) error {
	if t.VerifierBatchSize < 1 {
		return fmt.Errorf("verifier.batch_size must be >= 1, got %d", t.VerifierBatchSize)
	}
	if t.RateLimitRequests < 1 {
		return fmt.Errorf("rate_limit.requests must be >= 1, got %d", t.RateLimitRequests)
	}
	if t.RateLimitWindow <= 0 {
		return fmt.Errorf("rate_limit.window must be positive")
	}
	return nil
}

// Current returns the active tunables.
func (m *Manager) Current() Tunables { return *m.current.Load() }

// RegisterHandler adds a change handler.
func (m *Manager) RegisterHandler(h ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// RegisterValidator adds a validator; any failure rejects the reload.
func (m *Manager) RegisterValidator(v func(Tunables) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validators = append(m.validators, v)
}

// Start watches the directory holding the config file. Watching the
// directory survives editors that replace the file on save.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.watcher.Add(filepath.Dir(m.path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	if _, err := os.Stat(m.path); err == nil {
		if err := m.load("initial_load"); err != nil {
			return fmt.Errorf("failed to load initial config: %w", err)
		}
	}

	m.mu.Lock()
	m.started = true
	m.mu.Unlock()

	go m.watchLoop(ctx)

	m.logger.Info("Configuration manager started", zap.String("path", m.path))
	return nil
}

// Stop ends watching. Safe to call more than once.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return m.watcher.Close()
	}
	close(m.stopCh)
	m.started = false
	m.logger.Info("Configuration manager stopped")
	return m.watcher.Close()
}

// Reload re-reads the file immediately.
func (m *Manager) Reload() error { return m.load("manual_reload") }

func (m *Manager) watchLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Watch loop panicked", zap.Any("panic", r))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleWatchEvent(event)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (m *Manager) handleWatchEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(m.path) {
		return
	}

	var action string
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		action = "create"
	case event.Op&fsnotify.Write == fsnotify.Write:
		action = "modify"
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		// keep the last good values
		m.logger.Warn("Config file removed, keeping current tunables", zap.String("path", m.path))
		return
	default:
		return
	}

	// rapid successive writes
	time.Sleep(m.settle)

	if err := m.load(action); err != nil {
		m.logger.Error("Failed to reload config",
			zap.String("path", m.path),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

func (m *Manager) load(action string) error {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()

	data, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", m.path, err)
	}
	var f tunablesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse YAML config %s: %w", m.path, err)
	}

	old := m.Current()
	next := f.apply(old)

	m.mu.RLock()
	validators := append([]func(Tunables) error(nil), m.validators...)
	handlers := append([]ChangeHandler(nil), m.handlers...)
	m.mu.RUnlock()

	for _, v := range validators {
		if err := v(next); err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}
	}

	m.current.Store(&next)

	if next == old && action != "initial_load" {
		return nil
	}

	event := ChangeEvent{
		File:      filepath.Base(m.path),
		Action:    action,
		Old:       old,
		New:       next,
		Timestamp: time.Now(),
	}
	for _, h := range handlers {
		if err := h(event); err != nil {
			m.logger.Error("Configuration handler error",
				zap.String("action", action),
				zap.Error(err),
			)
		}
	}

	m.logger.Info("Tunables reloaded",
		zap.String("action", action),
		zap.Int("verifier_batch_size", next.VerifierBatchSize),
		zap.Bool("coalesce", next.Coalesce),
		zap.Int("rate_limit_requests", next.RateLimitRequests),
		zap.Duration("rate_limit_window", next.RateLimitWindow),
	)
	return nil
}
