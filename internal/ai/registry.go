package ai

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownProvider is wrapped by Registry.Get for names nothing was
// registered under; the generation worker records it as the cycle's
// failure reason.
var ErrUnknownProvider = fmt.Errorf("unknown ai provider")

// ProviderFactory builds a provider for one model. Factories run per job,
// so a provider holding per-model state (base URL, key, defaults) is
// assembled fresh each cycle.
type ProviderFactory func(ctx context.Context, model string) (Provider, error)

// Registry maps the provider names carried on generation jobs (gemini,
// openrouter, github) to their factories. Lookup is case-insensitive.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ProviderFactory)}
}

func (r *Registry) Register(name string, f ProviderFactory) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) Get(ctx context.Context, name string, model string) (Provider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return f(ctx, model)
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
