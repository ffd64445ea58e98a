// Package keyreg maps entity names to stable identity tokens.
package keyreg

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Token identifies one lifetime of an entity name. A name keeps the same
// token until it is deleted; the next Key call after that issues a new one.
type Token uuid.UUID

func (t Token) String() string {
	return uuid.UUID(t).String()
}

// Registry hands out tokens. It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	keys map[string]Token
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{keys: make(map[string]Token)}
}

// Key returns the token for name, issuing one on first use.
func (r *Registry) Key(name string) Token {
	r.mu.RLock()
	tok, ok := r.keys[name]
	r.mu.RUnlock()
	if ok {
		return tok
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if tok, ok := r.keys[name]; ok {
		return tok
	}
	tok = Token(uuid.New())
	r.keys[name] = tok
	return tok
}

// Lookup returns the token for name without issuing one.
func (r *Registry) Lookup(name string) (Token, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tok, ok := r.keys[name]
	return tok, ok
}

func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Delete drops the mapping for name.
func (r *Registry) Delete(name string) {
	r.mu.Lock()
	delete(r.keys, name)
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}

// Names returns every registered name in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.keys))
	for name := range r.keys {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}
