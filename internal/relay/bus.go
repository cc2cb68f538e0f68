package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"google.golang.org/protobuf/encoding/protowire"
)

// Bus carries room traffic between relay instances.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe delivers every payload published on channel until the returned
	// cancel func is called, which also closes the channel.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func() error, error)
}

// RedisBus is a Bus over redis pub/sub.
type RedisBus struct {
	rdb *redis.Client
}

func NewRedisBus(rdb *redis.Client) *RedisBus {
	return &RedisBus{rdb: rdb}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.rdb.Publish(ctx, channel, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, func() error, error) {
	pubsub := b.rdb.Subscribe(ctx, channel)
	// Wait for the subscription to be confirmed so nothing published after
	// Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	out := make(chan []byte, 256)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			out <- []byte(msg.Payload)
		}
	}()
	return out, pubsub.Close, nil
}

// MemoryBus connects relays running in one process.
type MemoryBus struct {
	mu   sync.Mutex
	next int
	subs map[string]map[int]chan []byte
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: map[string]map[int]chan []byte{}}
}

// Publish drops the payload for subscribers whose buffer is full.
func (b *MemoryBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[channel] {
		select {
		case ch <- append([]byte(nil), payload...):
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, channel string) (<-chan []byte, func() error, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan []byte, 256)
	if b.subs[channel] == nil {
		b.subs[channel] = map[int]chan []byte{}
	}
	b.subs[channel][id] = ch
	var once sync.Once
	cancel := func() error {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[channel], id)
			b.mu.Unlock()
			close(ch)
		})
		return nil
	}
	return ch, cancel, nil
}

var errEnvelope = errors.New("relay: malformed bus envelope")

// Bus payloads are wrapped with the publishing instance so a relay can skip
// its own messages.
func wrap(origin string, payload []byte) []byte {
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	b = protowire.AppendString(b, origin)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	return protowire.AppendBytes(b, payload)
}

func unwrap(b []byte) (origin string, payload []byte, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 || typ != protowire.BytesType {
			return "", nil, errEnvelope
		}
		b = b[n:]
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return "", nil, errEnvelope
		}
		b = b[n:]
		switch num {
		case 1:
			origin = string(v)
		case 2:
			payload = v
		}
	}
	if origin == "" {
		return "", nil, errEnvelope
	}
	return origin, payload, nil
}
