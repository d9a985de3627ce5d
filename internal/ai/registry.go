package ai

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// ProviderFactory builds a chat backend bound to one concrete model.
type ProviderFactory func(ctx context.Context, model string) (Provider, error)

// Registry maps backend names from config ("ollama", "openrouter") to their
// factories. The generation worker resolves its provider through here at
// startup, so a typo in AI_PROVIDER surfaces as an error instead of a nil
// backend. Names are matched case-insensitively.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]ProviderFactory
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]ProviderFactory)}
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register installs a factory under name, replacing any previous one.
func (r *Registry) Register(name string, f ProviderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[normalizeName(name)] = f
}

// Get builds a provider for the named backend and model.
func (r *Registry) Get(ctx context.Context, name string, model string) (Provider, error) {
	key := normalizeName(name)
	r.mu.RLock()
	f, ok := r.byName[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown ai provider: %s", key)
	}
	return f(ctx, model)
}
