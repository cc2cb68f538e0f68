package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"collabnote/internal/notebook"
	"collabnote/internal/storage"
	"collabnote/internal/syncproto"
	"collabnote/internal/wsconn"
)

// syncPeer is one client connection in a notebook room. Its protocol state
// lives exactly as long as the connection.
type syncPeer struct {
	conn  *wsconn.Conn
	state *syncproto.State
}

// syncRoom is the relay's replica of one notebook. The relay merges like any
// other replica and answers every peer from it; it never picks winners.
type syncRoom struct {
	srv   *Server
	id    string
	store *notebook.Store

	mu    sync.Mutex
	peers map[*syncPeer]struct{}

	unsubscribe func() error
	busDone     chan struct{}
	dirty       chan struct{}
	saverDone   chan struct{}
}

// busOrigin marks store commits that came from another relay instance.
type busOrigin struct{}

func newSyncRoom(srv *Server, id string) *syncRoom {
	return &syncRoom{
		srv:   srv,
		id:    id,
		store: notebook.NewStore(id, "relay-"+srv.instance, notebook.WithLogger(srv.log)),
		peers: map[*syncPeer]struct{}{},
	}
}

func (r *syncRoom) open(ctx context.Context) error {
	data, err := r.srv.storage.Load(ctx, r.id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		r.srv.metrics.Snapshots.WithLabelValues("load", "empty").Inc()
		r.store.MarkReady()
	case err != nil:
		r.srv.metrics.Snapshots.WithLabelValues("load", "error").Inc()
		return fmt.Errorf("open notebook %s: %w", r.id, err)
	default:
		if err := r.store.Load(data); err != nil {
			r.srv.metrics.Snapshots.WithLabelValues("load", "error").Inc()
			return fmt.Errorf("open notebook %s: %w", r.id, err)
		}
		r.srv.metrics.Snapshots.WithLabelValues("load", "ok").Inc()
	}

	if r.srv.bus != nil {
		msgs, cancel, err := r.srv.bus.Subscribe(r.srv.baseCtx, busChannel(chanSync, r.id))
		if err != nil {
			return err
		}
		r.unsubscribe = cancel
		r.busDone = make(chan struct{})
		go func() {
			defer close(r.busDone)
			for payload := range msgs {
				r.fromBus(payload)
			}
		}()
	}

	r.dirty = make(chan struct{}, 1)
	r.saverDone = make(chan struct{})
	go r.saver()
	r.srv.log.Info("notebook room opened", "notebook", r.id, "blocks", r.store.Doc().Len())
	return nil
}

func (r *syncRoom) close() {
	if r.unsubscribe != nil {
		_ = r.unsubscribe()
		<-r.busDone
	}
	close(r.dirty)
	<-r.saverDone
	r.srv.log.Info("notebook room closed", "notebook", r.id)
}

func (r *syncRoom) saver() {
	defer close(r.saverDone)
	for range r.dirty {
		r.save()
	}
	r.save()
}

func (r *syncRoom) save() {
	ctx, cancel := context.WithTimeout(r.srv.baseCtx, 10*time.Second)
	defer cancel()
	if err := r.srv.storage.Save(ctx, r.id, r.store.Doc().Save()); err != nil {
		r.srv.metrics.Snapshots.WithLabelValues("save", "error").Inc()
		r.srv.log.Error("saving snapshot", "notebook", r.id, "error", err)
		return
	}
	r.srv.metrics.Snapshots.WithLabelValues("save", "ok").Inc()
}

func (r *syncRoom) markDirty() {
	select {
	case r.dirty <- struct{}{}:
	default:
	}
}

// join adds a connection and announces the relay's clock to it.
func (r *syncRoom) join(conn *wsconn.Conn) *syncPeer {
	p := &syncPeer{conn: conn, state: syncproto.NewState()}
	r.mu.Lock()
	r.peers[p] = struct{}{}
	if msg, ok := syncproto.Generate(r.store.Doc(), p.state); ok {
		r.sendLocked(p, msg)
	}
	r.mu.Unlock()
	return p
}

func (r *syncRoom) leave(p *syncPeer) {
	r.mu.Lock()
	delete(r.peers, p)
	r.mu.Unlock()
}

// receive merges a peer's message and offers every peer whatever it is now
// missing. Changes new to this instance go to the other instances.
func (r *syncRoom) receive(p *syncPeer, data []byte) {
	r.srv.metrics.Frames.WithLabelValues(chanSync, "in").Inc()
	r.mu.Lock()
	before := r.store.Doc().Clock()
	doc, err := r.store.Update(p, func(doc *notebook.Doc) (*notebook.Doc, error) {
		return syncproto.Receive(doc, p.state, data)
	})
	if err != nil {
		r.mu.Unlock()
		r.srv.metrics.DecodeErrors.WithLabelValues(chanSync).Inc()
		r.srv.log.Debug("dropping sync frame", "notebook", r.id, "error", err)
		return
	}
	fresh := doc.ChangesSince(before)
	r.fanOutLocked(doc)
	r.mu.Unlock()

	if len(fresh) > 0 {
		r.markDirty()
		r.publish(fresh)
	}
}

func (r *syncRoom) fanOutLocked(doc *notebook.Doc) {
	for q := range r.peers {
		if msg, ok := syncproto.Generate(doc, q.state); ok {
			r.sendLocked(q, msg)
		}
	}
}

func (r *syncRoom) sendLocked(p *syncPeer, msg []byte) {
	if err := p.conn.Send(wsconn.BinaryFrame, msg); err != nil {
		r.srv.log.Warn("dropping slow sync peer", "notebook", r.id, "error", err)
		return
	}
	r.srv.metrics.Frames.WithLabelValues(chanSync, "out").Inc()
}

func (r *syncRoom) publish(changes []notebook.Change) {
	if r.srv.bus == nil {
		return
	}
	payload := wrap(r.srv.instance, notebook.EncodeChanges(changes))
	if err := r.srv.bus.Publish(r.srv.baseCtx, busChannel(chanSync, r.id), payload); err != nil {
		r.srv.log.Error("publishing changes", "notebook", r.id, "error", err)
		return
	}
	r.srv.metrics.BusMessages.WithLabelValues(chanSync, "out").Inc()
}

func (r *syncRoom) fromBus(payload []byte) {
	origin, body, err := unwrap(payload)
	if err != nil || origin == r.srv.instance {
		return
	}
	changes, err := notebook.DecodeChanges(body)
	if err != nil {
		r.srv.metrics.DecodeErrors.WithLabelValues(chanSync).Inc()
		r.srv.log.Warn("dropping bus changes", "notebook", r.id, "error", err)
		return
	}
	r.srv.metrics.BusMessages.WithLabelValues(chanSync, "in").Inc()

	r.mu.Lock()
	before := r.store.Doc().Clock()
	doc, _ := r.store.Update(busOrigin{}, func(doc *notebook.Doc) (*notebook.Doc, error) {
		return doc.Apply(changes...), nil
	})
	fresh := doc.ChangesSince(before)
	if len(fresh) > 0 {
		r.fanOutLocked(doc)
	}
	r.mu.Unlock()
	if len(fresh) > 0 {
		r.markDirty()
	}
}
