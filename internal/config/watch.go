package config

import (
	"reflect"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/neoclaw-ai/llmbot/internal/logging"
)

// LLMReloadFunc receives a validated llm section after the file changed.
type LLMReloadFunc func(next LLMConfig)

// Watcher follows config.toml and publishes llm section changes.
type Watcher struct {
	home     string
	onReload LLMReloadFunc

	mu   sync.Mutex
	last LLMConfig
}

// NewWatcher creates a watcher seeded with the currently applied llm section.
func NewWatcher(cfg *Config, onReload LLMReloadFunc) *Watcher {
	return &Watcher{
		home:     cfg.HomeDir,
		onReload: onReload,
		last:     cfg.LLM.Clone(),
	}
}

// Start arms the file watch. Changes outside the llm section are ignored,
// and invalid llm sections are rejected so the applied snapshot stays.
func (w *Watcher) Start() error {
	v, err := readViper(w.home)
	if err != nil {
		return err
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(v, w.home)
		if err != nil {
			logging.Logger().Warn("config reload rejected", "file", e.Name, "err", err)
			return
		}
		w.Apply(cfg.LLM)
	})
	v.WatchConfig()
	logging.Logger().Info("watching config for changes", "path", homeConfigPath(w.home))
	return nil
}

// Apply validates next and forwards it when it differs from the last
// applied llm section. It reports whether the reload callback ran.
func (w *Watcher) Apply(next LLMConfig) bool {
	if err := next.Validate(); err != nil {
		logging.Logger().Warn("config reload rejected", "section", "llm", "err", err)
		return false
	}

	w.mu.Lock()
	if reflect.DeepEqual(w.last, next) {
		w.mu.Unlock()
		return false
	}
	w.last = next.Clone()
	w.mu.Unlock()

	logging.Logger().Info("llm config reloaded", "models", len(next.Models))
	if w.onReload != nil {
		w.onReload(next.Clone())
	}
	return true
}
