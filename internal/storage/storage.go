// Package storage keeps notebook snapshots as opaque blobs keyed by notebook
// id. The blob is whatever notebook.Doc.Save produced; stores never look
// inside it.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrNotFound is returned by Load for a notebook that was never saved.
var ErrNotFound = errors.New("storage: snapshot not found")

// Store persists snapshots.
type Store interface {
	Load(ctx context.Context, notebookID string) ([]byte, error)
	Save(ctx context.Context, notebookID string, data []byte) error
	Close() error
}

// Drivers accepted by Open.
const (
	DriverMemory   = "memory"
	DriverBadger   = "badger"
	DriverBolt     = "bolt"
	DriverPostgres = "postgres"
)

// Config selects and configures a driver. DSN is the Postgres connection
// string; Path is the badger directory or bolt file.
type Config struct {
	Driver string
	DSN    string
	Path   string
	Log    *slog.Logger
}

// Open builds the store named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case DriverMemory, "":
		return NewMemory(), nil
	case DriverBadger:
		bc := DefaultBadgerConfig()
		bc.Path = cfg.Path
		bc.Logger = cfg.Log
		b, err := OpenBadger(bc)
		if err != nil {
			return nil, err
		}
		return b, nil
	case DriverBolt:
		b, err := OpenBolt(cfg.Path)
		if err != nil {
			return nil, err
		}
		return b, nil
	case DriverPostgres:
		p, err := OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
	}
}
