// Package session keeps one notebook replica in sync with the relay over a
// persistent binary websocket connection.
//
// A session moves Disconnected -> Connecting -> Open -> Synced and back to
// Disconnected when the socket fails or Close is called. Local edits keep
// working in every state; whatever the relay has not seen is sent after the
// next successful connect, which always starts from a fresh sync state.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"collabnote/internal/guard"
	"collabnote/internal/notebook"
	"collabnote/internal/syncproto"
	"collabnote/internal/wsconn"
)

// State is the connection state of a session.
type State int

const (
	Disconnected State = iota
	Connecting
	Open
	Synced
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Synced:
		return "synced"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	ErrTransport = errors.New("session: transport failure")
	ErrClosed    = errors.New("session: closed while connecting")
	errBusy      = errors.New("session: connection already live")
)

// Options configures a Session.
type Options struct {
	NotebookID string
	URL        string
	Token      string
	Store      *notebook.Store
	Dialer     wsconn.Dialer
	Guard      *guard.Guard
	Log        *slog.Logger
	SendBuffer int
	// OnState is called after every state transition, without locks held.
	OnState func(State)
}

// Stats counts frames on the current and past connections.
type Stats struct {
	FramesIn     int
	FramesOut    int
	DecodeErrors int
}

// Session is the sync connection of one notebook.
type Session struct {
	opts  Options
	store *notebook.Store
	log   *slog.Logger

	// syncMu serializes use of the protocol state against the store.
	syncMu sync.Mutex

	mu          sync.Mutex
	state       State
	gen         uint64
	conn        *wsconn.Conn
	lease       *guard.Lease
	ended       chan struct{}
	peer        *syncproto.State
	unsubscribe func()
	cancelDial  context.CancelFunc
	stats       Stats
}

// New builds a disconnected session.
func New(opts Options) *Session {
	if opts.Dialer == nil {
		opts.Dialer = wsconn.WebsocketDialer{}
	}
	if opts.Guard == nil {
		opts.Guard = guard.New()
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.NotebookID == "" && opts.Store != nil {
		opts.NotebookID = opts.Store.Doc().ID()
	}
	return &Session{
		opts:  opts,
		store: opts.Store,
		log:   opts.Log.With("notebook", opts.NotebookID),
	}
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns the frame counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Session) setStateLocked(st State) func() {
	if s.state == st {
		return func() {}
	}
	s.log.Debug("sync state", "from", s.state, "to", st)
	s.state = st
	fn := s.opts.OnState
	if fn == nil {
		return func() {}
	}
	return func() { fn(st) }
}

// Connect opens the sync connection once the store is ready and sends the
// first sync message. It is a no-op while a connection for the notebook is
// connecting or open.
func (s *Session) Connect(ctx context.Context) error {
	_, err := s.connect(ctx)
	if errors.Is(err, errBusy) {
		return nil
	}
	return err
}

func (s *Session) connect(ctx context.Context) (<-chan struct{}, error) {
	s.mu.Lock()
	if s.conn != nil {
		ended := s.ended
		s.mu.Unlock()
		return ended, nil
	}
	s.mu.Unlock()

	lease, ok := s.opts.Guard.Acquire(guard.SyncKey(s.opts.NotebookID))
	if !ok {
		return nil, errBusy
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	gen := s.gen
	s.cancelDial = cancel
	after := s.setStateLocked(Connecting)
	s.mu.Unlock()
	after()

	if err := s.store.WaitReady(ctx); err != nil {
		return nil, s.abort(gen, lease, err)
	}
	sock, err := s.opts.Dialer.Dial(ctx, s.opts.URL, s.opts.Token)
	if err != nil {
		return nil, s.abort(gen, lease, fmt.Errorf("%w: %v", ErrTransport, err))
	}

	s.syncMu.Lock()
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		s.syncMu.Unlock()
		_ = sock.Close()
		lease.Release()
		return nil, ErrClosed
	}
	s.gen++
	gen = s.gen
	conn := wsconn.NewConn(sock, s.opts.SendBuffer, s.log)
	s.conn, s.lease, s.ended = conn, lease, make(chan struct{})
	s.peer = syncproto.NewState()
	s.cancelDial = nil
	s.unsubscribe = s.store.Subscribe(s.onStoreUpdate)
	after = s.setStateLocked(Open)
	peer, ended := s.peer, s.ended
	s.mu.Unlock()

	if msg, ok := syncproto.Generate(s.store.Doc(), peer); ok {
		s.send(conn, msg)
	}
	s.syncMu.Unlock()
	after()

	s.log.Info("sync connected", "url", s.opts.URL)
	go s.readLoop(conn, gen)
	return ended, nil
}

// abort ends a connect attempt that never opened.
func (s *Session) abort(gen uint64, lease *guard.Lease, err error) error {
	lease.Release()
	s.mu.Lock()
	after := func() {}
	if s.gen == gen {
		s.cancelDial = nil
		after = s.setStateLocked(Disconnected)
	}
	s.mu.Unlock()
	after()
	s.log.Warn("sync connect failed", "error", err)
	return err
}

// Run keeps the session connected until ctx is done, backing off between
// failed attempts.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()
	return guard.Reconnect(ctx, guard.SyncKey(s.opts.NotebookID), s.connect, s.log)
}

// Close detaches the session from the store, then drops the socket. The
// replica is untouched.
func (s *Session) Close() {
	s.mu.Lock()
	s.gen++
	if s.cancelDial != nil {
		s.cancelDial()
		s.cancelDial = nil
	}
	if s.conn == nil {
		after := s.setStateLocked(Disconnected)
		s.mu.Unlock()
		after()
		return
	}
	after := s.teardownLocked()
	s.mu.Unlock()
	after()
}

func (s *Session) teardownLocked() func() {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	_ = s.conn.Close()
	s.lease.Release()
	close(s.ended)
	s.conn, s.lease, s.peer = nil, nil, nil
	return s.setStateLocked(Disconnected)
}

func (s *Session) handleDisconnect(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.gen || s.conn == nil {
		s.mu.Unlock()
		return
	}
	s.log.Warn("sync disconnected", "error", err)
	after := s.teardownLocked()
	s.mu.Unlock()
	after()
}

func (s *Session) readLoop(conn *wsconn.Conn, gen uint64) {
	for {
		kind, data, err := conn.Read()
		if err != nil {
			s.handleDisconnect(gen, err)
			return
		}
		if kind != wsconn.BinaryFrame {
			s.log.Debug("ignoring non-binary sync frame")
			continue
		}
		s.handleFrame(gen, data)
	}
}

func (s *Session) handleFrame(gen uint64, data []byte) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	s.mu.Lock()
	if gen != s.gen || s.conn == nil {
		s.mu.Unlock()
		return
	}
	conn, peer := s.conn, s.peer
	s.stats.FramesIn++
	s.mu.Unlock()

	_, err := s.store.Update(s, func(doc *notebook.Doc) (*notebook.Doc, error) {
		return syncproto.Receive(doc, peer, data)
	})
	if err != nil {
		s.mu.Lock()
		s.stats.DecodeErrors++
		s.mu.Unlock()
		s.log.Warn("dropping sync frame", "error", err)
		return
	}

	msg, ok := syncproto.Generate(s.store.Doc(), peer)
	if ok {
		s.send(conn, msg)
		return
	}
	s.mu.Lock()
	after := func() {}
	if s.conn == conn {
		after = s.setStateLocked(Synced)
	}
	s.mu.Unlock()
	after()
}

// onStoreUpdate pushes local commits. Commits made by handleFrame carry the
// session as origin and are answered there.
func (s *Session) onStoreUpdate(u notebook.Update) {
	if u.Origin == s {
		return
	}
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	s.mu.Lock()
	conn, peer := s.conn, s.peer
	s.mu.Unlock()
	if conn == nil {
		return
	}
	msg, ok := syncproto.Generate(s.store.Doc(), peer)
	if !ok {
		return
	}
	s.send(conn, msg)
	s.mu.Lock()
	after := func() {}
	if s.conn == conn {
		after = s.setStateLocked(Open)
	}
	s.mu.Unlock()
	after()
}

func (s *Session) send(conn *wsconn.Conn, msg []byte) {
	if err := conn.Send(wsconn.BinaryFrame, msg); err != nil {
		s.log.Warn("sync send failed", "error", err)
		return
	}
	s.mu.Lock()
	s.stats.FramesOut++
	s.mu.Unlock()
}
