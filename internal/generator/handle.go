package generator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"pulsar-assistant/internal/domain"
)

// Backend produces a completion for a prompt.
type Backend interface {
	Complete(ctx context.Context, req domain.CompletionRequest) (string, error)
}

// Prefetcher makes model artifacts available locally before a backend is built.
type Prefetcher interface {
	Ensure(ctx context.Context) error
}

// Factory builds a Backend. It is called at most once per load.
type Factory func(ctx context.Context) (Backend, error)

// ModelHandle owns the loaded backend. The first Backend call prefetches
// artifacts and builds the backend; later calls reuse it until Invalidate.
type ModelHandle struct {
	factory  Factory
	prefetch Prefetcher

	mu      sync.RWMutex
	backend Backend
}

// NewModelHandle returns a handle. prefetch may be nil.
func NewModelHandle(factory Factory, prefetch Prefetcher) (*ModelHandle, error) {
	if factory == nil {
		return nil, errors.New("generator: backend factory must not be nil")
	}
	return &ModelHandle{factory: factory, prefetch: prefetch}, nil
}

// Backend returns the loaded backend, loading it on first use. Failed loads
// are not cached.
func (h *ModelHandle) Backend(ctx context.Context) (Backend, error) {
	h.mu.RLock()
	if h.backend != nil {
		b := h.backend
		h.mu.RUnlock()
		return b, nil
	}
	h.mu.RUnlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.backend != nil {
		return h.backend, nil
	}

	if h.prefetch != nil {
		if err := h.prefetch.Ensure(ctx); err != nil {
			return nil, fmt.Errorf("generator: prefetch model: %w", err)
		}
	}
	b, err := h.factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("generator: load backend: %w", err)
	}
	if b == nil {
		return nil, errors.New("generator: factory returned nil backend")
	}
	h.backend = b
	return b, nil
}

// Loaded reports whether a backend is currently held.
func (h *ModelHandle) Loaded() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.backend != nil
}

// Invalidate drops the loaded backend so the next call rebuilds it.
func (h *ModelHandle) Invalidate() {
	h.mu.Lock()
	h.backend = nil
	h.mu.Unlock()
}
