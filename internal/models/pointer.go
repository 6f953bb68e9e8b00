package models

import (
	"errors"
	"sync"

	"github.com/neoclaw-ai/llmbot/internal/logging"
	"github.com/neoclaw-ai/llmbot/internal/store"
)

type pointerFile struct {
	DefaultModel string `json:"default_model"`
}

// FilePointer stores the default model name as JSON on disk.
type FilePointer struct {
	path string
}

// NewFilePointer creates a pointer backed by path.
func NewFilePointer(path string) *FilePointer {
	return &FilePointer{path: path}
}

// Get returns the persisted name, or "" when nothing has been saved yet.
// A corrupt pointer file reads as unset so Reconcile can rewrite it.
func (p *FilePointer) Get() (string, error) {
	if p == nil || p.path == "" {
		return "", errors.New("default model path is required")
	}
	var f pointerFile
	found, err := store.ReadJSON(p.path, &f)
	if err != nil {
		if found {
			logging.Logger().Warn("default model pointer is unreadable; treating as unset", "path", p.path, "err", err)
			return "", nil
		}
		return "", err
	}
	return f.DefaultModel, nil
}

// Set persists name atomically.
func (p *FilePointer) Set(name string) error {
	if p == nil || p.path == "" {
		return errors.New("default model path is required")
	}
	return store.WriteJSON(p.path, pointerFile{DefaultModel: name})
}

// MemoryPointer keeps the default model in process memory.
type MemoryPointer struct {
	mu   sync.Mutex
	name string
}

func (p *MemoryPointer) Get() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name, nil
}

func (p *MemoryPointer) Set(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.name = name
	return nil
}
