package guard

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ConnectFunc opens one connection. The returned channel is closed when that
// connection ends.
type ConnectFunc func(ctx context.Context) (<-chan struct{}, error)

// Reconnect keeps a connection up until ctx is done, waiting an exponentially
// growing delay between failed attempts. A successful attempt resets the delay.
func Reconnect(ctx context.Context, name string, connect ConnectFunc, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	return reconnect(ctx, name, connect, b, log)
}

func reconnect(ctx context.Context, name string, connect ConnectFunc, b backoff.BackOff, log *slog.Logger) error {
	for {
		done, err := connect(ctx)
		if err == nil {
			b.Reset()
			select {
			case <-done:
				log.Info("connection ended", "conn", name)
			case <-ctx.Done():
				return ctx.Err()
			}
		} else {
			log.Warn("connect failed", "conn", name, "error", err)
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			wait = time.Second
		}
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}
