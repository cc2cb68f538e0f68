// Package relay forwards sync and presence traffic between the clients of a
// notebook. Sync rooms keep a replica per notebook and answer each client from
// it; presence rooms broadcast frames as they arrive. Neither arbitrates.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"collabnote/internal/identity"
	"collabnote/internal/storage"
	"collabnote/internal/wsconn"
)

var errMissingToken = errors.New("relay: missing access token")

// Config configures a Server. Only Storage is required for durability; a nil
// Storage keeps snapshots in memory and a nil Bus serves a single instance.
type Config struct {
	// Secret enables HS256 verification of client tokens.
	Secret     []byte
	Storage    storage.Store
	Bus        Bus
	Log        *slog.Logger
	Registry   *prometheus.Registry
	SendBuffer int
	InstanceID string
}

// Server is the relay's HTTP surface and room registry.
type Server struct {
	log        *slog.Logger
	storage    storage.Store
	bus        Bus
	secret     []byte
	instance   string
	sendBuffer int

	metrics  *Metrics
	registry *prometheus.Registry
	upgrader websocket.Upgrader

	baseCtx context.Context
	cancel  context.CancelFunc

	sync     *registry[*syncRoom]
	presence *registry[*presenceRoom]

	mu      sync.Mutex
	conns   map[*wsconn.Conn]struct{}
	closing bool
	wg      sync.WaitGroup
}

// New builds a relay server.
func New(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Storage == nil {
		cfg.Storage = storage.NewMemory()
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		log:        cfg.Log.With("instance", cfg.InstanceID),
		storage:    cfg.Storage,
		bus:        cfg.Bus,
		secret:     cfg.Secret,
		instance:   cfg.InstanceID,
		sendBuffer: cfg.SendBuffer,
		metrics:    NewMetrics(cfg.Registry),
		registry:   cfg.Registry,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{wsconn.Subprotocol},
			CheckOrigin:  func(r *http.Request) bool { return true },
		},
		baseCtx: ctx,
		cancel:  cancel,
		conns:   map[*wsconn.Conn]struct{}{},
	}
	s.sync = newRegistry(func(id string) *syncRoom { return newSyncRoom(s, id) },
		s.metrics.Rooms.WithLabelValues(chanSync))
	s.presence = newRegistry(func(id string) *presenceRoom { return newPresenceRoom(s, id) },
		s.metrics.Rooms.WithLabelValues(chanPresence))
	return s
}

func busChannel(channel, id string) string { return channel + ":" + id }

// Handler routes the relay endpoints.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/sync/{notebookID}", s.serveSync).Methods(http.MethodGet)
	r.HandleFunc("/presence/{pageID}", s.servePresence).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return r
}

// authenticate reads the token from the handshake. With a secret configured
// the token must verify; otherwise any token is accepted as is.
func (s *Server) authenticate(r *http.Request) (identity.Identity, bool, error) {
	token, ok := wsconn.TokenFromRequest(r)
	if !ok {
		return identity.Identity{}, false, errMissingToken
	}
	if len(s.secret) > 0 {
		id, err := identity.Verify(token, s.secret)
		if err != nil {
			return identity.Identity{}, false, err
		}
		return id, true, nil
	}
	id, err := identity.FromToken(token)
	if err != nil {
		return identity.Identity{Token: token}, false, nil
	}
	return id, false, nil
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request, channel string) (*wsconn.Conn, func()) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return nil, nil
	}
	conn := wsconn.NewConn(ws, s.sendBuffer, s.log)
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = conn.Close()
		return nil, nil
	}
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	gauge := s.metrics.Connections.WithLabelValues(channel)
	gauge.Inc()
	return conn, func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		gauge.Dec()
	}
}

// enter registers a handler with Shutdown. It reports false once the server
// is shutting down.
func (s *Server) enter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) serveSync(w http.ResponseWriter, r *http.Request) {
	if !s.enter() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	id := mux.Vars(r)["notebookID"]
	user, _, err := s.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	room, release, err := s.sync.acquire(r.Context(), id)
	if err != nil {
		s.log.Error("opening notebook room", "notebook", id, "error", err)
		http.Error(w, "notebook unavailable", http.StatusServiceUnavailable)
		return
	}
	defer release()

	conn, done := s.accept(w, r, chanSync)
	if conn == nil {
		return
	}
	defer done()
	s.log.Info("sync peer joined", "notebook", id, "user", user.ID)

	p := room.join(conn)
	defer room.leave(p)
	for {
		kind, data, err := conn.Read()
		if err != nil {
			s.log.Info("sync peer left", "notebook", id, "user", user.ID, "reason", err)
			return
		}
		if kind != wsconn.BinaryFrame {
			s.metrics.DecodeErrors.WithLabelValues(chanSync).Inc()
			continue
		}
		room.receive(p, data)
	}
}

func (s *Server) servePresence(w http.ResponseWriter, r *http.Request) {
	if !s.enter() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	id := mux.Vars(r)["pageID"]
	user, verified, err := s.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	room, release, err := s.presence.acquire(r.Context(), id)
	if err != nil {
		s.log.Error("opening presence room", "page", id, "error", err)
		http.Error(w, "page unavailable", http.StatusServiceUnavailable)
		return
	}
	defer release()

	conn, done := s.accept(w, r, chanPresence)
	if conn == nil {
		return
	}
	defer done()

	p := &presencePeer{conn: conn, user: user, verified: verified}
	room.join(p)
	defer room.leave(p)
	for {
		kind, data, err := conn.Read()
		if err != nil {
			return
		}
		if kind != wsconn.TextFrame {
			s.metrics.DecodeErrors.WithLabelValues(chanPresence).Inc()
			continue
		}
		room.receive(p, data)
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":        "ok",
		"instance":      s.instance,
		"syncRooms":     s.sync.len(),
		"presenceRooms": s.presence.len(),
	})
}

// Shutdown closes every client connection, waits for rooms to save their
// snapshots and releases the server's background work.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	conns := make([]*wsconn.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	defer s.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
