package relay

import (
	"context"
	"sync"

	"collabnote/internal/identity"
	"collabnote/internal/presence"
	"collabnote/internal/wsconn"
)

type presencePeer struct {
	conn *wsconn.Conn
	user identity.Identity
	// verified peers may only speak for their own user id.
	verified bool
}

// presenceRoom forwards every valid frame to every connection on the page,
// the sender included. Clients drop their own echoes.
type presenceRoom struct {
	srv *Server
	id  string

	mu    sync.Mutex
	peers map[*presencePeer]struct{}

	unsubscribe func() error
	busDone     chan struct{}
}

func newPresenceRoom(srv *Server, id string) *presenceRoom {
	return &presenceRoom{srv: srv, id: id, peers: map[*presencePeer]struct{}{}}
}

func (r *presenceRoom) open(context.Context) error {
	if r.srv.bus == nil {
		return nil
	}
	msgs, cancel, err := r.srv.bus.Subscribe(r.srv.baseCtx, busChannel(chanPresence, r.id))
	if err != nil {
		return err
	}
	r.unsubscribe = cancel
	r.busDone = make(chan struct{})
	go func() {
		defer close(r.busDone)
		for payload := range msgs {
			origin, body, err := unwrap(payload)
			if err != nil || origin == r.srv.instance {
				continue
			}
			r.srv.metrics.BusMessages.WithLabelValues(chanPresence, "in").Inc()
			r.broadcast(body)
		}
	}()
	return nil
}

func (r *presenceRoom) close() {
	if r.unsubscribe != nil {
		_ = r.unsubscribe()
		<-r.busDone
	}
}

func (r *presenceRoom) join(p *presencePeer) {
	r.mu.Lock()
	r.peers[p] = struct{}{}
	r.mu.Unlock()
}

func (r *presenceRoom) leave(p *presencePeer) {
	r.mu.Lock()
	delete(r.peers, p)
	r.mu.Unlock()
}

func (r *presenceRoom) receive(p *presencePeer, data []byte) {
	r.srv.metrics.Frames.WithLabelValues(chanPresence, "in").Inc()
	f, err := presence.DecodeFrame(data)
	if err != nil {
		r.srv.metrics.DecodeErrors.WithLabelValues(chanPresence).Inc()
		r.srv.log.Debug("dropping presence frame", "page", r.id, "error", err)
		return
	}
	if p.verified && frameUser(f) != p.user.ID {
		r.srv.metrics.DecodeErrors.WithLabelValues(chanPresence).Inc()
		r.srv.log.Warn("presence frame for another user", "page", r.id, "user", p.user.ID)
		return
	}
	r.broadcast(data)
	if r.srv.bus != nil {
		if err := r.srv.bus.Publish(r.srv.baseCtx, busChannel(chanPresence, r.id), wrap(r.srv.instance, data)); err != nil {
			r.srv.log.Error("publishing presence", "page", r.id, "error", err)
			return
		}
		r.srv.metrics.BusMessages.WithLabelValues(chanPresence, "out").Inc()
	}
}

func (r *presenceRoom) broadcast(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for q := range r.peers {
		if err := q.conn.Send(wsconn.TextFrame, data); err != nil {
			r.srv.log.Warn("dropping slow presence peer", "page", r.id, "error", err)
			continue
		}
		r.srv.metrics.Frames.WithLabelValues(chanPresence, "out").Inc()
	}
}

func frameUser(f presence.Frame) string {
	if f.Presence != nil {
		return f.Presence.UserID
	}
	return f.Chat.UserID
}
