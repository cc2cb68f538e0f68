// Package wsconntest provides in-memory sockets for tests of code built on
// wsconn.
package wsconntest

import (
	"errors"
	"sync"

	"collabnote/internal/wsconn"
)

// ErrPipeClosed is returned by reads and writes on a closed pipe.
var ErrPipeClosed = errors.New("wsconntest: pipe closed")

type pipeMessage struct {
	kind int
	data []byte
}

type pipeShared struct {
	once   sync.Once
	closed chan struct{}
}

// pipeEnd is one side of an in-memory socket pair.
type pipeEnd struct {
	in     chan pipeMessage
	out    chan pipeMessage
	shared *pipeShared
}

// Pipe returns two connected in-memory sockets. Closing either end closes
// both, like a dropped connection.
func Pipe() (wsconn.Socket, wsconn.Socket) {
	ab := make(chan pipeMessage, 1024)
	ba := make(chan pipeMessage, 1024)
	shared := &pipeShared{closed: make(chan struct{})}
	return &pipeEnd{in: ba, out: ab, shared: shared}, &pipeEnd{in: ab, out: ba, shared: shared}
}

func (p *pipeEnd) ReadMessage() (int, []byte, error) {
	select {
	case m := <-p.in:
		return m.kind, m.data, nil
	case <-p.shared.closed:
		return 0, nil, ErrPipeClosed
	}
}

func (p *pipeEnd) WriteMessage(kind int, data []byte) error {
	select {
	case <-p.shared.closed:
		return ErrPipeClosed
	default:
	}
	select {
	case p.out <- pipeMessage{kind: kind, data: append([]byte(nil), data...)}:
		return nil
	case <-p.shared.closed:
		return ErrPipeClosed
	}
}

func (p *pipeEnd) Close() error {
	p.shared.once.Do(func() { close(p.shared.closed) })
	return nil
}
