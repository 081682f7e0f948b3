package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"marketcache/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ChangeListener receives the freshly loaded configuration after a file change.
type ChangeListener func(*Config)

// Snapshot is a versioned view of the configuration.
type Snapshot struct {
	Version  int64
	LoadedAt time.Time
	Config   *Config
}

// Watcher reloads the configuration file on fs events and fans the result out
// to listeners. A reload that fails validation keeps the previous snapshot.
type Watcher struct {
	path string
	v    *viper.Viper
	log  *logger.Component

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

func NewWatcher(path string) (*Watcher, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config watcher requires path")
	}
	w := &Watcher{path: path, log: logger.With("config")}
	if err := w.reload(); err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config failed: %w", err)
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		w.handleEvent(evt)
	})
	v.WatchConfig()
	w.v = v
	return w, nil
}

func (w *Watcher) Snapshot() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.snapshot
}

func (w *Watcher) Subscribe(fn ChangeListener) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	w.listeners = append(w.listeners, fn)
	w.mu.Unlock()
}

func (w *Watcher) handleEvent(evt fsnotify.Event) {
	if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
		return
	}
	if err := w.reload(); err != nil {
		w.log.Errorf("config reload failed (%s): %v", evt.Name, err)
		return
	}
	w.notify()
}

func (w *Watcher) reload() error {
	cfg, err := Load(w.path)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.snapshot = Snapshot{
		Version:  w.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Config:   cfg,
	}
	version := w.snapshot.Version
	w.mu.Unlock()
	w.log.Infof("loaded %s (version %d)", filepath.Base(w.path), version)
	return nil
}

func (w *Watcher) notify() {
	w.mu.RLock()
	cfg := w.snapshot.Config
	listeners := append([]ChangeListener(nil), w.listeners...)
	w.mu.RUnlock()
	for _, fn := range listeners {
		func(cb ChangeListener) {
			defer func() {
				if r := recover(); r != nil {
					w.log.Errorf("config listener panic: %v", r)
				}
			}()
			cb(cfg)
		}(fn)
	}
}
