package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerConfig configures the embedded badger store.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
	Logger     *slog.Logger
	// GCInterval is how often the value log is compacted; zero disables it.
	GCInterval     time.Duration
	GCDiscardRatio float64
}

// DefaultBadgerConfig is durable with value log GC every five minutes.
func DefaultBadgerConfig() BadgerConfig {
	return BadgerConfig{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Badger stores snapshots under "snapshot/<id>" keys.
type Badger struct {
	db     *badger.DB
	log    *slog.Logger
	stopGC chan struct{}
	gcDone chan struct{}
}

// OpenBadger opens (creating if needed) a badger store.
func OpenBadger(cfg BadgerConfig) (*Badger, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("storage: badger path is required")
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	log := cfg.Logger
	if log != nil {
		opts = opts.WithLogger(&badgerLogger{logger: log})
	} else {
		opts = opts.WithLogger(nil)
		log = slog.Default()
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	b := &Badger{db: db, log: log}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		b.stopGC = make(chan struct{})
		b.gcDone = make(chan struct{})
		go b.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return b, nil
}

func snapshotKey(notebookID string) []byte {
	return []byte("snapshot/" + notebookID)
}

func (b *Badger) Load(_ context.Context, notebookID string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey(notebookID))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", notebookID, err)
	}
	return data, nil
}

func (b *Badger) Save(_ context.Context, notebookID string, data []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapshotKey(notebookID), data)
	})
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", notebookID, err)
	}
	return nil
}

func (b *Badger) runGC(interval time.Duration, ratio float64) {
	defer close(b.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopGC:
			return
		case <-ticker.C:
			// ErrNoRewrite just means there was nothing worth collecting.
			if err := b.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				b.log.Warn("badger value log gc", "error", err)
			}
		}
	}
}

func (b *Badger) Close() error {
	if b.stopGC != nil {
		close(b.stopGC)
		<-b.gcDone
	}
	return b.db.Close()
}
