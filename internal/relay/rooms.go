package relay

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type room interface {
	open(ctx context.Context) error
	close()
}

type roomEntry[R room] struct {
	room  R
	refs  int
	ready chan struct{}
	err   error
	// closing is set when the last user leaves. The entry stays registered
	// until close returns, and closed is closed after it is removed.
	closing bool
	closed  chan struct{}
}

// registry opens a room on first use and closes it when the last user
// releases it. A room id is not reopened until the previous room for it has
// finished closing.
type registry[R room] struct {
	mu    sync.Mutex
	rooms map[string]*roomEntry[R]
	build func(id string) R
	gauge prometheus.Gauge
}

func newRegistry[R room](build func(id string) R, gauge prometheus.Gauge) *registry[R] {
	return &registry[R]{rooms: map[string]*roomEntry[R]{}, build: build, gauge: gauge}
}

// acquire returns the open room for id and the func that releases it.
func (g *registry[R]) acquire(ctx context.Context, id string) (R, func(), error) {
	var zero R
	g.mu.Lock()
	e, ok := g.rooms[id]
	for ok && e.closing {
		closed := e.closed
		g.mu.Unlock()
		select {
		case <-closed:
		case <-ctx.Done():
			return zero, nil, ctx.Err()
		}
		g.mu.Lock()
		e, ok = g.rooms[id]
	}
	if !ok {
		e = &roomEntry[R]{room: g.build(id), ready: make(chan struct{}), closed: make(chan struct{})}
		g.rooms[id] = e
		g.gauge.Inc()
	}
	e.refs++
	g.mu.Unlock()

	if !ok {
		e.err = e.room.open(ctx)
		close(e.ready)
	} else {
		<-e.ready
	}
	release := func() { g.release(id, e) }
	if e.err != nil {
		release()
		return zero, nil, e.err
	}
	return e.room, release, nil
}

func (g *registry[R]) release(id string, e *roomEntry[R]) {
	g.mu.Lock()
	e.refs--
	if e.refs > 0 {
		g.mu.Unlock()
		return
	}
	e.closing = true
	g.mu.Unlock()

	if e.err == nil {
		e.room.close()
	}

	g.mu.Lock()
	if g.rooms[id] == e {
		delete(g.rooms, id)
		g.gauge.Dec()
	}
	g.mu.Unlock()
	close(e.closed)
}

func (g *registry[R]) len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}
