package config

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 250 * time.Millisecond

// Manager owns the live Config, exposing lock-free reads via an atomic
// pointer swap and a single-writer mutation API for the typed updates of
// spec section 4.10. Every mutation notifies registered OnChange
// callbacks so the cache and trackers can react (e.g. invalidate on a
// pricing change).
type Manager struct {
	current atomic.Pointer[Config]
	path    string
	logger  *slog.Logger

	writeMu sync.Mutex

	onChangeMu sync.Mutex
	onChange   []func(*Config)

	watcher *fsnotify.Watcher
	stop    chan struct{}
}

// NewManager loads path and constructs a Manager around it.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{path: path, logger: logger}
	m.current.Store(cfg)
	return m, nil
}

// Get returns the current configuration. Safe for concurrent use; the
// returned value must be treated as immutable by the caller.
func (m *Manager) Get() *Config {
	return m.current.Load()
}

// OnChange registers fn to run, with the new Config, after every
// successful mutation or reload.
func (m *Manager) OnChange(fn func(*Config)) {
	m.onChangeMu.Lock()
	defer m.onChangeMu.Unlock()
	m.onChange = append(m.onChange, fn)
}

func (m *Manager) notify(cfg *Config) {
	m.onChangeMu.Lock()
	callbacks := append([]func(*Config){}, m.onChange...)
	m.onChangeMu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
}

// mutate serializes writers, clones the current config, lets fn edit the
// clone, then atomically publishes it and notifies listeners.
func (m *Manager) mutate(fn func(*Config)) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	next := m.current.Load().clone()
	fn(next)
	m.current.Store(next)
	m.notify(next)
}

// UpdatePricing sets the rate for (provider, model), creating the nested
// map if needed.
func (m *Manager) UpdatePricing(provider, model string, rate ModelRate) {
	m.mutate(func(cfg *Config) {
		byModel, ok := cfg.Pricing[provider]
		if !ok {
			byModel = make(map[string]ModelRate)
			cfg.Pricing[provider] = byModel
		}
		byModel[model] = rate
	})
}

// SetFeatureFlag sets name to enabled.
func (m *Manager) SetFeatureFlag(name string, enabled bool) {
	m.mutate(func(cfg *Config) {
		cfg.FeatureFlags[name] = enabled
	})
}

// SetRoleMapping replaces the role mapping for role.
func (m *Manager) SetRoleMapping(role string, mapping RoleMapping) {
	m.mutate(func(cfg *Config) {
		cfg.RoleMappings[role] = mapping
	})
}

// Reload re-reads the configuration file from disk and publishes it,
// keeping the previous configuration live if the reload fails.
func (m *Manager) Reload() error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	cfg, err := LoadFromFile(m.path)
	if err != nil {
		m.logger.Error("failed to reload config, keeping current", "error", err, "path", m.path)
		return err
	}
	m.current.Store(cfg)
	m.notify(cfg)
	m.logger.Info("configuration reloaded", "path", m.path)
	return nil
}

// Watch starts an fsnotify watch on the config file, debouncing rapid
// writes before reloading.
func (m *Manager) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(m.path); err != nil {
		_ = watcher.Close()
		return err
	}
	m.watcher = watcher
	m.stop = make(chan struct{})
	go m.watchLoop()
	return nil
}

func (m *Manager) watchLoop() {
	var debounceTimer *time.Timer
	for {
		select {
		case <-m.stop:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(watchDebounce, func() {
				if err := m.Reload(); err != nil {
					m.logger.Error("config hot-reload failed", "error", err)
				}
			})
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("config watcher error", "error", err)
		}
	}
}

// Close stops the watcher, if one is running. Idempotent.
func (m *Manager) Close() error {
	if m.stop != nil {
		select {
		case <-m.stop:
		default:
			close(m.stop)
		}
	}
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}
