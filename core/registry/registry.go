// Package registry indexes kernels by URI for a host: the URIs the host assigned to its
// own kernels, and the remote URIs that proxies forward to.
package registry

import (
	"fmt"
	"sync"

	errs "github.com/dotnet/interactive-sub006/core/errors"
	"github.com/dotnet/interactive-sub006/core/protocol"
)

// Registry is a concurrency-safe pair of URI indexes over entries of type T.
type Registry[T comparable] struct {
	mu       sync.RWMutex
	local    map[string]T
	remote   map[string]T
	remoteOf map[T]string // reverse of remote
}

// New creates an empty registry.
func New[T comparable]() *Registry[T] {
	return &Registry[T]{
		local:    make(map[string]T),
		remote:   make(map[string]T),
		remoteOf: make(map[T]string),
	}
}

// RegisterLocal indexes entry under uri. Registering the same entry again is a no-op;
// registering a different entry under a taken uri fails.
func (r *Registry[T]) RegisterLocal(uri string, entry T) (string, error) {
	key, err := protocol.NormalizeURI(uri)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.local[key]; ok && existing != entry {
		return "", fmt.Errorf("uri %s already registered: %w", key, errs.ErrDuplicate)
	}
	r.local[key] = entry
	return key, nil
}

// BindRemote points uri at entry. Any previous remote uri of entry, and any entry
// previously bound to uri, lose their binding.
func (r *Registry[T]) BindRemote(uri string, entry T) (string, error) {
	key, err := protocol.NormalizeURI(uri)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.remoteOf[entry]; ok {
		delete(r.remote, old)
	}
	if previous, ok := r.remote[key]; ok {
		delete(r.remoteOf, previous)
	}
	r.remote[key] = entry
	r.remoteOf[entry] = key
	return key, nil
}

// Local looks up an entry by its local uri.
func (r *Registry[T]) Local(uri string) (T, bool) {
	return r.lookup(r.local, uri)
}

// Remote looks up an entry by the remote uri it is bound to.
func (r *Registry[T]) Remote(uri string) (T, bool) {
	return r.lookup(r.remote, uri)
}

func (r *Registry[T]) lookup(index map[string]T, uri string) (T, bool) {
	var zero T
	key, err := protocol.NormalizeURI(uri)
	if err != nil {
		return zero, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := index[key]
	return entry, ok
}
