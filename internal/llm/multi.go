package llm

import (
	"context"
	"fmt"
	"sort"

	"github.com/seantiz/switchyard/internal/resilience"
)

// Multi routes each request to the provider named by the worker's model
// reference prefix.
type Multi struct {
	providers map[string]Invoker
	fallback  string
}

// NewMulti creates an empty multiplexer.
func NewMulti() *Multi {
	return &Multi{providers: make(map[string]Invoker)}
}

// Register adds a provider. The first provider registered also serves model
// references without a prefix.
func (m *Multi) Register(provider string, inv Invoker) {
	m.providers[provider] = inv
	if m.fallback == "" {
		m.fallback = provider
	}
}

// Providers returns the registered provider names, sorted.
func (m *Multi) Providers() []string {
	names := make([]string, 0, len(m.providers))
	for n := range m.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Invoke implements Invoker.
func (m *Multi) Invoke(ctx context.Context, req Request) (*Response, error) {
	inv, err := m.resolve(req.Worker.ModelRef)
	if err != nil {
		return nil, err
	}
	return inv.Invoke(ctx, req)
}

func (m *Multi) resolve(modelRef string) (Invoker, error) {
	provider := ProviderOf(modelRef)
	if inv, ok := m.providers[provider]; ok {
		return inv, nil
	}
	if provider == "default" && m.fallback != "" {
		return m.providers[m.fallback], nil
	}
	return nil, resilience.Permanent(fmt.Errorf("%w: %q", ErrNoProvider, modelRef))
}
