// Package registry implements the process-wide handler table that stands in
// for raw function pointers.
//
// dart_active_messages.c distributes a C function pointer by value and
// translates it to a peer-valid address using a per-peer offset (see
// internal/xlate). Go gives handlers no portable address at all, so dartq
// instead distributes a *local index* into this table and lets xlate
// translate indices the same way the original translates addresses: each
// unit assigns indices to handlers in whatever order it happens to register
// them, which — across heterogeneous binaries or plugin load orders — need
// not agree between units.
package registry

import (
	"fmt"
	"sync"
)

// Handler is invoked synchronously by the draining unit with the record's
// payload. The slice is only valid for the duration of the call.
type Handler func(data []byte)

// ID identifies a handler within a single unit's registry. IDs are not
// portable across units without translation (see internal/xlate).
type ID uint32

// Registry is a process-wide, append-only table of named handlers.
//
// It is safe for concurrent use: registration typically happens during
// startup, but lookups happen on every drain and may race with late
// registration from a handler that itself registers new handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers []Handler
	names    []string
	byName   map[string]ID
}

// New creates an empty handler registry.
func New() *Registry {
	return &Registry{
		byName: make(map[string]ID),
	}
}

// Register assigns the next local index to fn and returns it. Registering
// the same name twice is an error: the registry is meant to model a unit's
// fixed set of statically linked handlers, not a dynamic dispatch table.
func (r *Registry) Register(name string, fn Handler) (ID, error) {
	if fn == nil {
		return 0, fmt.Errorf("registry: nil handler for %q", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[name]; ok {
		return 0, fmt.Errorf("registry: handler %q already registered", name)
	}

	id := ID(len(r.handlers))
	r.handlers = append(r.handlers, fn)
	r.names = append(r.names, name)
	r.byName[name] = id

	return id, nil
}

// MustRegister is Register, panicking on error. Intended for package-level
// bootstrap registration of library-internal handlers.
func (r *Registry) MustRegister(name string, fn Handler) ID {
	id, err := r.Register(name, fn)
	if err != nil {
		panic(err)
	}
	return id
}

// Len returns the number of handlers registered so far. This doubles as the
// translation layer's "reference address": the position a marker handler
// would land at if registered right now.
func (r *Registry) Len() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return uint64(len(r.handlers))
}

// Lookup returns the name for a local ID, for logging/debugging.
func (r *Registry) Lookup(id ID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if int(id) >= len(r.names) {
		return "", false
	}
	return r.names[id], true
}

// ByName returns the local ID registered under name.
func (r *Registry) ByName(name string) (ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byName[name]
	return id, ok
}

// Invoke calls the handler at id with data. It returns false if id is out of
// range, letting the caller report the bad record rather than panicking on
// an attacker- or bug-controlled index.
func (r *Registry) Invoke(id ID, data []byte) bool {
	r.mu.RLock()
	if int(id) >= len(r.handlers) {
		r.mu.RUnlock()
		return false
	}
	fn := r.handlers[id]
	r.mu.RUnlock()

	fn(data)
	return true
}

// Names returns every registered handler name, in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}
