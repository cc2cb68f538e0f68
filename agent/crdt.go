package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"collabnote/internal/notebook"
	"collabnote/internal/storage"
)

// openReplica restores the notebook replica from db. A notebook that was never
// saved starts empty and is ready at once; either way it is seeded with one
// block when it has none.
func openReplica(ctx context.Context, db storage.Store, notebookID string, log *slog.Logger) (*notebook.Store, error) {
	store := notebook.NewStore(notebookID, notebook.NewActor(), notebook.WithLogger(log))
	data, err := db.Load(ctx, notebookID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		store.MarkReady()
	case err != nil:
		return nil, fmt.Errorf("load snapshot: %w", err)
	default:
		if err := store.Load(data); err != nil {
			return nil, fmt.Errorf("restore snapshot: %w", err)
		}
	}
	if _, err := store.SeedIfEmpty(); err != nil {
		return nil, err
	}
	return store, nil
}

// persister writes the replica to disk after every commit. Commits that land
// while a write is in flight collapse into one more write of the latest doc.
type persister struct {
	store *notebook.Store
	db    storage.Store
	log   *slog.Logger

	unsubscribe func()
	mu          sync.Mutex
	closed      bool
	dirty       chan struct{}
	done        chan struct{}
}

func newPersister(store *notebook.Store, db storage.Store, log *slog.Logger) *persister {
	p := &persister{
		store: store,
		db:    db,
		log:   log,
		dirty: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	p.unsubscribe = store.Subscribe(func(notebook.Update) { p.markDirty() })
	go p.loop()
	p.markDirty()
	return p
}

func (p *persister) markDirty() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.dirty <- struct{}{}:
	default:
	}
}

func (p *persister) loop() {
	defer close(p.done)
	for range p.dirty {
		p.save()
	}
}

func (p *persister) save() {
	doc := p.store.Doc()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.db.Save(ctx, doc.ID(), doc.Save()); err != nil {
		p.log.Error("saving local snapshot", "notebook", doc.ID(), "error", err)
	}
}

// Close detaches from the store and writes the final snapshot.
func (p *persister) Close() {
	p.unsubscribe()
	p.mu.Lock()
	p.closed = true
	close(p.dirty)
	p.mu.Unlock()
	<-p.done
	p.save()
}
