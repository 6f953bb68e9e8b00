// Package models holds the hot-swappable model configuration and the
// persisted default-model pointer.
package models

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/neoclaw-ai/llmbot/internal/config"
	"github.com/neoclaw-ai/llmbot/internal/logging"
)

var (
	// ErrNoModelsConfigured is returned when the current configuration has no models.
	ErrNoModelsConfigured = errors.New("no models configured")
	// ErrModelNotFound is returned when a name or alias matches no model.
	ErrModelNotFound = errors.New("model not found")
)

// Snapshot is one immutable view of the llm configuration section.
type Snapshot struct {
	Models []config.ModelConfig
	Prompt string
}

// Pointer persists the default model selection.
type Pointer interface {
	Get() (string, error)
	Set(name string) error
}

// Store resolves model configs against the latest applied snapshot.
// Replace swaps the whole snapshot at once, so readers never observe a
// partially applied reload.
type Store struct {
	current atomic.Pointer[Snapshot]
	pointer Pointer

	// mu serializes pointer read-modify-write sequences.
	mu sync.Mutex
}

// NewStore creates a store seeded with cfg.
func NewStore(cfg config.LLMConfig, pointer Pointer) *Store {
	if pointer == nil {
		pointer = &MemoryPointer{}
	}
	s := &Store{pointer: pointer}
	s.Replace(cfg)
	return s
}

// Replace atomically installs a new snapshot built from cfg.
func (s *Store) Replace(cfg config.LLMConfig) {
	cloned := cfg.Clone()
	s.current.Store(&Snapshot{Models: cloned.Models, Prompt: cloned.Prompt})
}

// Snapshot returns a copy of the current snapshot.
func (s *Store) Snapshot() Snapshot {
	snap := s.current.Load()
	cloned := config.LLMConfig{Models: snap.Models, Prompt: snap.Prompt}.Clone()
	return Snapshot{Models: cloned.Models, Prompt: cloned.Prompt}
}

// Prompt returns the global fallback system prompt.
func (s *Store) Prompt() string {
	return s.current.Load().Prompt
}

// Default returns the persisted default model name, which may be empty.
func (s *Store) Default() (string, error) {
	return s.pointer.Get()
}

// Resolve returns the model config for name. An empty name resolves the
// default model. Canonical names are matched across all models before
// aliases are considered.
func (s *Store) Resolve(name string) (config.ModelConfig, error) {
	snap := s.current.Load()
	if len(snap.Models) == 0 {
		return config.ModelConfig{}, ErrNoModelsConfigured
	}

	name = strings.TrimSpace(name)
	if name == "" {
		def, err := s.pointer.Get()
		if err != nil {
			return config.ModelConfig{}, fmt.Errorf("read default model: %w", err)
		}
		if def == "" {
			return snap.Models[0].Clone(), nil
		}
		name = def
	}

	if m, ok := lookup(snap.Models, name); ok {
		return m.Clone(), nil
	}
	return config.ModelConfig{}, fmt.Errorf("%w: %q", ErrModelNotFound, name)
}

// SetDefault validates name against the current snapshot and persists the
// matching model's canonical name as the default.
func (s *Store) SetDefault(name string) (config.ModelConfig, error) {
	snap := s.current.Load()
	if len(snap.Models) == 0 {
		return config.ModelConfig{}, ErrNoModelsConfigured
	}
	m, ok := lookup(snap.Models, strings.TrimSpace(name))
	if !ok {
		return config.ModelConfig{}, fmt.Errorf("%w: %q", ErrModelNotFound, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.pointer.Set(m.Name); err != nil {
		return config.ModelConfig{}, fmt.Errorf("persist default model: %w", err)
	}
	logging.Logger().Info("default model changed", "model", m.Name)
	return m.Clone(), nil
}

// Reconcile brings the default pointer in line with the current snapshot.
// Running it on an already consistent store changes nothing.
func (s *Store) Reconcile() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.current.Load()
	current, err := s.pointer.Get()
	if err != nil {
		return fmt.Errorf("read default model: %w", err)
	}

	switch {
	case len(snap.Models) == 0:
		if current == "" {
			logging.Logger().Warn("no models configured")
			return nil
		}
		logging.Logger().Warn("no models configured; clearing default model", "previous", current)
		return s.setPointer("")
	case current == "":
		logging.Logger().Info("default model set", "model", snap.Models[0].Name)
		return s.setPointer(snap.Models[0].Name)
	}

	for _, m := range snap.Models {
		if m.Name == current {
			return nil
		}
	}
	for _, m := range snap.Models {
		if m.Alias != "" && m.Alias == current {
			logging.Logger().Info("default model alias normalized", "alias", current, "model", m.Name)
			return s.setPointer(m.Name)
		}
	}
	logging.Logger().Warn("default model no longer configured; resetting", "previous", current, "model", snap.Models[0].Name)
	return s.setPointer(snap.Models[0].Name)
}

func (s *Store) setPointer(name string) error {
	if err := s.pointer.Set(name); err != nil {
		return fmt.Errorf("persist default model: %w", err)
	}
	return nil
}

func lookup(models []config.ModelConfig, name string) (config.ModelConfig, bool) {
	if name == "" {
		return config.ModelConfig{}, false
	}
	for _, m := range models {
		if m.Name == name {
			return m, true
		}
	}
	for _, m := range models {
		if m.Alias != "" && m.Alias == name {
			return m, true
		}
	}
	return config.ModelConfig{}, false
}
