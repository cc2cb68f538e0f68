// Package syncproto reconciles two notebook replicas over a connection.
//
// Each side keeps a State per connection. A side first announces its vector
// clock; once it knows the peer's clock it sends every change the peer lacks,
// in causal order. The exchange is driven purely by message content: a side
// keeps replying until Generate reports that there is nothing left to say.
package syncproto

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"collabnote/internal/notebook"
)

// ErrDecode is returned by Receive for frames that are not sync messages.
var ErrDecode = errors.New("syncproto: malformed sync message")

const messageVersion byte = 0x42

const (
	fieldClock   protowire.Number = 1
	fieldChanges protowire.Number = 2
)

// State is the per-connection bookkeeping of what the peer is known to have.
// It is not part of the document and must be discarded with the connection.
type State struct {
	theirClock notebook.Clock
	sent       notebook.Clock
	announced  notebook.Clock
}

// NewState returns the state for a fresh connection.
func NewState() *State {
	return &State{sent: notebook.Clock{}}
}

// TheirClock is the last clock the peer announced, nil before the first message.
func (s *State) TheirClock() notebook.Clock {
	if s.theirClock == nil {
		return nil
	}
	return s.theirClock.Clone()
}

// Message is a decoded sync message.
type Message struct {
	Clock   notebook.Clock
	Changes []notebook.Change
}

// Encode returns the wire form of m.
func (m Message) Encode() []byte {
	b := []byte{messageVersion}
	b = notebook.AppendClock(b, fieldClock, m.Clock)
	for _, c := range m.Changes {
		b = notebook.AppendChange(b, fieldChanges, c)
	}
	return b
}

// Decode parses a sync message.
func Decode(data []byte) (Message, error) {
	if len(data) == 0 || data[0] != messageVersion {
		return Message{}, fmt.Errorf("%w: bad version", ErrDecode)
	}
	m := Message{Clock: notebook.Clock{}}
	b := data[1:]
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Message{}, fmt.Errorf("%w: %v", ErrDecode, protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType || (num != fieldClock && num != fieldChanges) {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: %v", ErrDecode, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return Message{}, fmt.Errorf("%w: %v", ErrDecode, protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case fieldClock:
			if err := notebook.ConsumeClockEntry(v, m.Clock); err != nil {
				return Message{}, fmt.Errorf("%w: %v", ErrDecode, err)
			}
		case fieldChanges:
			c, err := notebook.ConsumeChange(v)
			if err != nil {
				return Message{}, fmt.Errorf("%w: %v", ErrDecode, err)
			}
			m.Changes = append(m.Changes, c)
		}
	}
	return m, nil
}

// Generate returns the next message to send to the peer, or ok=false when
// there is nothing to send. It records what was sent in st.
func Generate(doc *notebook.Doc, st *State) (msg []byte, ok bool) {
	clock := doc.Clock()
	var changes []notebook.Change
	if st.theirClock != nil {
		changes = doc.ChangesSince(st.theirClock.Merge(st.sent))
	}
	if len(changes) == 0 && st.announced != nil && st.announced.Equal(clock) {
		return nil, false
	}
	for _, c := range changes {
		if c.Seq > st.sent.Get(c.Actor) {
			st.sent[c.Actor] = c.Seq
		}
	}
	st.announced = clock
	return Message{Clock: clock, Changes: changes}.Encode(), true
}

// Receive applies a message from the peer to doc and returns the new
// snapshot. On error doc and st are unchanged.
func Receive(doc *notebook.Doc, st *State, data []byte) (*notebook.Doc, error) {
	m, err := Decode(data)
	if err != nil {
		return doc, err
	}
	next := doc
	if len(m.Changes) > 0 {
		next = doc.Apply(m.Changes...)
	}
	if st.theirClock == nil {
		st.theirClock = notebook.Clock{}
	}
	st.theirClock = st.theirClock.Merge(m.Clock)
	return next, nil
}
