package notebook

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Result is what a successful Mutate produces: the new snapshot, the change
// that produced it and the change's wire encoding.
type Result struct {
	Doc    *Doc
	Change Change
	Delta  []byte
}

// Update is delivered to subscribers after every commit.
//
// Subscribers run outside the store lock, so two concurrent commits may be
// delivered in either order. Version grows with every commit; a subscriber
// that keeps the snapshot drops updates older than the last one it kept.
type Update struct {
	Doc     *Doc
	Version uint64
	// Origin is nil for local mutations, otherwise whatever the committer
	// passed to Store.Update (a sync session passes itself).
	Origin any
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the store's logger.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.log = l }
}

// WithClock overrides the time source used to stamp changes.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithIDs overrides block id generation.
func WithIDs(ids func() string) StoreOption {
	return func(s *Store) { s.ids = ids }
}

// Store holds the current snapshot of one notebook replica. It is the only
// place a snapshot is replaced; all replacements are serialized.
type Store struct {
	actor string

	mu      sync.RWMutex
	doc     *Doc
	version uint64
	subs    map[int]func(Update)
	nextSub int

	ready     chan struct{}
	readyOnce sync.Once

	log *slog.Logger
	now func() time.Time
	ids func() string
}

// NewStore creates a store for notebook id. The store is not ready until
// MarkReady or Load is called.
func NewStore(id, actor string, opts ...StoreOption) *Store {
	s := &Store{
		actor: actor,
		doc:   New(id),
		subs:  map[int]func(Update){},
		ready: make(chan struct{}),
		log:   slog.Default(),
		now:   time.Now,
		ids:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Actor() string { return s.actor }

// Ready is closed once the replica is usable.
func (s *Store) Ready() <-chan struct{} { return s.ready }

// IsReady reports whether the replica is usable.
func (s *Store) IsReady() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

// MarkReady opens the readiness gate.
func (s *Store) MarkReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// WaitReady blocks until the store is ready or ctx is done.
func (s *Store) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Load replaces the replica with a saved one and marks the store ready.
// Changes already committed locally are merged in, not lost.
func (s *Store) Load(data []byte) error {
	s.mu.Lock()
	loaded, err := Load(s.doc.id, data)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.doc = loaded.Apply(s.doc.changes...)
	s.version++
	u := Update{Doc: s.doc, Version: s.version}
	s.mu.Unlock()
	s.MarkReady()
	s.notify(u)
	return nil
}

// Doc returns the current snapshot.
func (s *Store) Doc() *Doc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc
}

// Version counts the commits made to the store.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Mutate runs fn against the current snapshot and commits its ops as one
// change. It returns ErrNotReady, without running fn, before the store is ready.
func (s *Store) Mutate(message string, fn func(tx *Tx) error) (Result, error) {
	if !s.IsReady() {
		return Result{}, ErrNotReady
	}
	s.mu.Lock()
	tx := newTx(s.doc, s.actor, s.now, s.ids)
	if err := fn(tx); err != nil {
		s.mu.Unlock()
		return Result{}, err
	}
	change, ok := tx.change(message)
	if !ok {
		doc := s.doc
		s.mu.Unlock()
		return Result{Doc: doc}, nil
	}
	s.doc = s.doc.Apply(change)
	s.version++
	doc, version := s.doc, s.version
	s.mu.Unlock()

	delta := EncodeChanges([]Change{change})
	s.log.Debug("local change committed",
		"notebook", doc.id, "actor", change.Actor, "seq", change.Seq, "ops", len(change.Ops))
	s.notify(Update{Doc: doc, Version: version})
	return Result{Doc: doc, Change: change, Delta: delta}, nil
}

// Update replaces the snapshot with fn's result under the store lock, so a
// concurrent local mutation is never overwritten. fn must derive its result
// from the snapshot it is given.
func (s *Store) Update(origin any, fn func(*Doc) (*Doc, error)) (*Doc, error) {
	s.mu.Lock()
	next, err := fn(s.doc)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	changed := next != s.doc
	s.doc = next
	if changed {
		s.version++
	}
	version := s.version
	s.mu.Unlock()
	if changed {
		s.notify(Update{Doc: next, Version: version, Origin: origin})
	}
	return next, nil
}

// SeedIfEmpty inserts one default text block when the replica has none.
// Two replicas seeding before they sync end up with two default blocks.
func (s *Store) SeedIfEmpty() (bool, error) {
	seeded := false
	_, err := s.Mutate("seed", func(tx *Tx) error {
		if len(tx.Blocks()) > 0 {
			return nil
		}
		seeded = true
		_, err := tx.InsertBlockAfter(-1, BlockText, "", "")
		return err
	})
	if err != nil {
		return false, fmt.Errorf("seed notebook: %w", err)
	}
	return seeded, nil
}

// Subscribe registers fn for every commit. The returned func detaches it.
func (s *Store) Subscribe(fn func(Update)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Store) notify(u Update) {
	s.mu.RLock()
	subs := make([]func(Update), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.RUnlock()
	for _, fn := range subs {
		fn(u)
	}
}
