// Package wsconn carries sync and presence frames over websockets.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Subprotocol is the first entry of the handshake's subprotocol list; the
// bearer token is the second. Browsers cannot set headers on the opening
// handshake, so the relay reads identity from here.
const Subprotocol = "access_token"

// Frame kinds, mirroring the websocket opcodes.
const (
	TextFrame   = websocket.TextMessage
	BinaryFrame = websocket.BinaryMessage
)

var (
	// ErrSendQueueFull is returned when the peer does not drain frames fast
	// enough. The connection is closed.
	ErrSendQueueFull = errors.New("wsconn: send queue full")
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("wsconn: connection closed")
)

// Socket is the subset of *websocket.Conn the package needs.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a socket to url presenting token.
type Dialer interface {
	Dial(ctx context.Context, url, token string) (Socket, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
}

func (d WebsocketDialer) Dial(ctx context.Context, url, token string) (Socket, error) {
	timeout := d.HandshakeTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
		Subprotocols:     []string{Subprotocol, token},
	}
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return ws, nil
}

// TokenFromRequest extracts the bearer token from the handshake's
// subprotocol list.
func TokenFromRequest(r *http.Request) (string, bool) {
	protocols := websocket.Subprotocols(r)
	if len(protocols) < 2 || protocols[0] != Subprotocol || protocols[1] == "" {
		return "", false
	}
	return protocols[1], true
}

type frame struct {
	kind int
	data []byte
}

// Conn owns a socket: frames are queued by Send and written by a single
// writer goroutine, so callers never block on the network.
type Conn struct {
	sock Socket
	send chan frame
	done chan struct{}
	once sync.Once
	err  error
	mu   sync.Mutex
	log  *slog.Logger
}

// DefaultSendBuffer is the number of frames queued before a peer is
// considered too slow.
const DefaultSendBuffer = 256

// NewConn starts the write pump for sock.
func NewConn(sock Socket, buffer int, log *slog.Logger) *Conn {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	if log == nil {
		log = slog.Default()
	}
	c := &Conn{
		sock: sock,
		send: make(chan frame, buffer),
		done: make(chan struct{}),
		log:  log,
	}
	go c.writePump()
	return c
}

func (c *Conn) writePump() {
	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			if err := c.sock.WriteMessage(f.kind, f.data); err != nil {
				c.log.Debug("websocket write failed", "error", err)
				c.closeWith(fmt.Errorf("write: %w", err))
				return
			}
		}
	}
}

// Send queues a frame without blocking. A full queue closes the connection.
func (c *Conn) Send(kind int, data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- frame{kind: kind, data: data}:
		return nil
	default:
		c.closeWith(ErrSendQueueFull)
		return ErrSendQueueFull
	}
}

// Read blocks for the next frame. Only one goroutine may read.
func (c *Conn) Read() (int, []byte, error) {
	kind, data, err := c.sock.ReadMessage()
	if err != nil {
		c.closeWith(fmt.Errorf("read: %w", err))
		return 0, nil, err
	}
	return kind, data, nil
}

// Done is closed when the connection is closed for any reason.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err is the reason the connection closed, nil while open or after Close.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the socket. Queued frames are dropped.
func (c *Conn) Close() error {
	c.closeWith(nil)
	return nil
}

func (c *Conn) closeWith(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		_ = c.sock.Close()
	})
}
