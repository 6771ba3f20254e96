package execnode

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry holds registered node capability definitions.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Capabilities
}

// NewRegistry creates a new empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Capabilities),
	}
}

// Register adds or updates a capability definition.
func (r *Registry) Register(caps *Capabilities) {
	if caps == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[strings.ToLower(caps.Name)] = caps
}

// Get retrieves capabilities by name (case-insensitive). Returns nil if not found.
func (r *Registry) Get(name string) *Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[strings.ToLower(name)]
}

// Lookup is Get with an error listing the known names.
func (r *Registry) Lookup(name string) (*Capabilities, error) {
	if caps := r.Get(name); caps != nil {
		return caps, nil
	}
	return nil, fmt.Errorf("unknown node kind %q (known: %s)", name, strings.Join(r.Names(), ", "))
}

// Names returns all registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry returns a registry pre-populated with built-in node flavours.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(&Capabilities{Name: "geth"})
	r.Register(&Capabilities{Name: "reth"})
	r.Register(&Capabilities{Name: "op-reth", SupportsPendingNonce: true})
	r.Register(&Capabilities{Name: "erigon"})
	r.Register(&Capabilities{Name: "cdk-erigon", RequiresLegacyTx: true})
	r.Register(&Capabilities{Name: "besu"})
	r.Register(&Capabilities{Name: "nethermind"})
	return r
}
