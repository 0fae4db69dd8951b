package provider

import (
	"fmt"
	"strings"
	"sync"
)

// Dispatcher routes requests to a provider by model-id prefix. Longest
// prefix wins, so "gpt-4o-mini" can route differently from "gpt-*" if both
// are registered.
type Dispatcher struct {
	mu       sync.RWMutex
	prefixes map[string]Provider
	fallback Provider
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{prefixes: map[string]Provider{}}
}

// Register maps a model-id prefix to a provider.
func (d *Dispatcher) Register(prefix string, p Provider) {
	d.mu.Lock()
	d.prefixes[prefix] = p
	d.mu.Unlock()
}

// SetFallback sets the provider used when no prefix matches.
func (d *Dispatcher) SetFallback(p Provider) {
	d.mu.Lock()
	d.fallback = p
	d.mu.Unlock()
}

// ForModel picks the provider for a model id.
func (d *Dispatcher) ForModel(model string) (Provider, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var best Provider
	bestLen := -1
	for prefix, p := range d.prefixes {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best = p
			bestLen = len(prefix)
		}
	}
	if best != nil {
		return best, nil
	}
	if d.fallback != nil {
		return d.fallback, nil
	}
	return nil, fmt.Errorf("provider: no provider for model %q", model)
}
