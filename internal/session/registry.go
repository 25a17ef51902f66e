// Package session tracks which identity is bound to which live connection.
package session

import (
	"sort"
	"sync"

	"otterchat.org/internal/event"
	"otterchat.org/internal/obs"
)

// Conn is a live connection able to receive outbound events. Implementations
// must be comparable; the registry uses identity to guard unbinds.
type Conn interface {
	Send(ev event.Outbound) error
	Close() error
}

// Registry maps usernames to their current connection. At most one
// connection is bound per username.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]Conn)}
}

// Bind makes conn the current connection for username and returns the
// connection it replaced, if any. The previous connection is not closed.
func (r *Registry) Bind(username string, conn Conn) (Conn, bool) {
	r.mu.Lock()
	prev, replaced := r.conns[username]
	r.conns[username] = conn
	n := len(r.conns)
	r.mu.Unlock()

	obs.SetSessionsOnline(n)
	if replaced && prev == conn {
		return nil, false
	}
	return prev, replaced
}

// Unbind removes the binding only while conn is still the current one for
// username, so a late disconnect never evicts a newer session.
func (r *Registry) Unbind(username string, conn Conn) bool {
	r.mu.Lock()
	cur, ok := r.conns[username]
	if !ok || cur != conn {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, username)
	n := len(r.conns)
	r.mu.Unlock()

	obs.SetSessionsOnline(n)
	return true
}

// Lookup returns the connection bound to username.
func (r *Registry) Lookup(username string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[username]
	return c, ok
}

// Snapshot returns a copy of the current bindings.
func (r *Registry) Snapshot() map[string]Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Conn, len(r.conns))
	for k, v := range r.conns {
		out[k] = v
	}
	return out
}

// Online returns the bound usernames in sorted order.
func (r *Registry) Online() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.conns))
	for k := range r.conns {
		names = append(names, k)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Send delivers ev to username if bound. It reports whether a connection was found.
func (r *Registry) Send(username string, ev event.Outbound) (bool, error) {
	c, ok := r.Lookup(username)
	if !ok {
		return false, nil
	}
	return true, c.Send(ev)
}

// Broadcast sends ev to every bound connection. Failing sends are collected
// and skipped; delivery to the rest continues.
func (r *Registry) Broadcast(ev event.Outbound) map[string]error {
	var failed map[string]error
	for name, c := range r.Snapshot() {
		if err := c.Send(ev); err != nil {
			if failed == nil {
				failed = make(map[string]error)
			}
			failed[name] = err
		}
	}
	return failed
}
