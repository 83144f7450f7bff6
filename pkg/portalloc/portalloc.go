// Package portalloc implements the stable minimum-free-port allocator: one
// UDP listen port per outbound-tunnel public key, assigned
// deterministically and held stable across reconciliations.
package portalloc

import "sync"

// Allocator hands out ports starting at base, bijectively with the set of
// pubkeys currently holding one. It carries its own mutex, independent of
// the agent-wide state mutex: acquire/release run on the watcher goroutine
// but may be inspected concurrently.
type Allocator struct {
	mu       sync.Mutex
	base     int
	byPubkey map[string]int
	byPort   map[int]string
}

// New returns an allocator that assigns ports >= base.
func New(base int) *Allocator {
	return &Allocator{
		base:     base,
		byPubkey: make(map[string]int),
		byPort:   make(map[int]string),
	}
}

// Acquire returns pubkey's port, assigning the smallest free port >= base
// if it doesn't have one yet. Stable across repeated calls.
func (a *Allocator) Acquire(pubkey string) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port, ok := a.byPubkey[pubkey]; ok {
		return port
	}
	port := a.base
	for {
		if _, taken := a.byPort[port]; !taken {
			break
		}
		port++
	}
	a.byPubkey[pubkey] = port
	a.byPort[port] = pubkey
	return port
}

// Release drops pubkey's port mapping, if any. Idempotent: releasing an
// unknown key is a no-op, not an error.
func (a *Allocator) Release(pubkey string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	port, ok := a.byPubkey[pubkey]
	if !ok {
		return
	}
	delete(a.byPubkey, pubkey)
	delete(a.byPort, port)
}

// Port reports the port currently held by pubkey, if any.
func (a *Allocator) Port(pubkey string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	port, ok := a.byPubkey[pubkey]
	return port, ok
}
