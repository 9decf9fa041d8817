package strategy

import (
	"fmt"
	"sort"
	"sync"
)

// Assignment reports which policy trades a symbol (for status APIs).
type Assignment struct {
	Symbol   string `json:"symbol"`
	Strategy string `json:"strategy"`
}

// Registry maps policy names to policies and symbols to policy names. It is
// built once at startup and is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]Policy
	symbols  map[string]string
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{
		policies: make(map[string]Policy),
		symbols:  make(map[string]string),
	}
}

// Register adds a policy under its name, replacing any previous one.
func (r *Registry) Register(p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[p.Name()] = p
}

// Assign routes symbol to the named policy.
func (r *Registry) Assign(symbol, policy string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.policies[policy]; !ok {
		return fmt.Errorf("strategy %q: not registered", policy)
	}
	r.symbols[symbol] = policy
	return nil
}

// Get retrieves a policy by name.
func (r *Registry) Get(name string) (Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.policies[name]
	if !ok {
		return nil, fmt.Errorf("strategy %q: not registered", name)
	}
	return p, nil
}

// ForSymbol returns the policy assigned to symbol.
func (r *Registry) ForSymbol(symbol string) (Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.symbols[symbol]
	if !ok {
		return nil, fmt.Errorf("strategy: symbol %q has no assigned policy", symbol)
	}
	return r.policies[name], nil
}

// List returns the names of all registered policies in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.policies))
	for n := range r.policies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Symbols returns the tracked symbols in sorted order.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.symbols))
	for s := range r.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Assignments lists every symbol with its policy name, sorted by symbol.
func (r *Registry) Assignments() []Assignment {
	syms := r.Symbols()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Assignment, 0, len(syms))
	for _, s := range syms {
		out = append(out, Assignment{Symbol: s, Strategy: r.symbols[s]})
	}
	return out
}
