package session

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mattjoyce/groupfill/internal/config"
)

// Factory builds an Opener from the session configuration.
type Factory func(cfg config.SessionConfig) (Opener, error)

// Registry maps a transport name from configuration to its Factory.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry knows the exec and memory transports.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register("exec", NewExecOpenerFromConfig)
	_ = r.Register("memory", NewMemoryOpenerFromConfig)
	return r
}

// Register adds a transport. Names are case-insensitive.
func (r *Registry) Register(name string, f Factory) error {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return fmt.Errorf("transport name is empty")
	}
	if f == nil {
		return fmt.Errorf("transport %q has no factory", name)
	}
	if _, exists := r.factories[key]; exists {
		return fmt.Errorf("transport %q already registered", key)
	}
	r.factories[key] = f
	return nil
}

// Names lists registered transports, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Opener resolves cfg.Transport to an Opener.
func (r *Registry) Opener(cfg config.SessionConfig) (Opener, error) {
	key := strings.ToLower(strings.TrimSpace(cfg.Transport))
	f, ok := r.factories[key]
	if !ok {
		return nil, fmt.Errorf("unknown session transport %q (known: %s)", cfg.Transport, strings.Join(r.Names(), ", "))
	}
	return f(cfg)
}
