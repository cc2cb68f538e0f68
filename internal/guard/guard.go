// Package guard keeps at most one live or in-flight connection per key.
package guard

import (
	"context"
	"sync"
)

// Guard hands out one lease per key. A connect attempt that cannot get a lease
// is a no-op: an equivalent connection is already connecting or open.
type Guard struct {
	mu   sync.Mutex
	live map[string]*Lease
	// released is closed and replaced whenever a lease is released.
	released chan struct{}
}

// New returns an empty guard.
func New() *Guard {
	return &Guard{live: map[string]*Lease{}, released: make(chan struct{})}
}

// Lease marks a key as held until Release.
type Lease struct {
	g    *Guard
	key  string
	once sync.Once
}

// Acquire takes the lease for key. It returns false if the key is held.
func (g *Guard) Acquire(key string) (*Lease, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.live == nil {
		g.live = map[string]*Lease{}
		g.released = make(chan struct{})
	}
	if _, held := g.live[key]; held {
		return nil, false
	}
	l := &Lease{g: g, key: key}
	g.live[key] = l
	return l, true
}

// Key returns the key the lease holds.
func (l *Lease) Key() string { return l.key }

// Release frees the key. Extra calls are ignored.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		g := l.g
		g.mu.Lock()
		if g.live[l.key] == l {
			delete(g.live, l.key)
			close(g.released)
			g.released = make(chan struct{})
		}
		g.mu.Unlock()
	})
}

// Live reports whether key is held.
func (g *Guard) Live(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.live[key]
	return ok
}

// Len is the number of held keys.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.live)
}

// WaitAll blocks until no lease is held or ctx is done. Leases acquired
// while it waits are waited for too.
func (g *Guard) WaitAll(ctx context.Context) error {
	for {
		g.mu.Lock()
		if len(g.live) == 0 {
			g.mu.Unlock()
			return nil
		}
		released := g.released
		g.mu.Unlock()
		select {
		case <-released:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SyncKey is the guard key of a notebook's sync connection.
func SyncKey(notebookID string) string { return "sync:" + notebookID }

// PresenceKey is the guard key of a page's presence connection.
func PresenceKey(pageID string) string { return "presence:" + pageID }
