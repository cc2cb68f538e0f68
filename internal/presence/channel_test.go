package presence

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabnote/internal/guard"
	"collabnote/internal/identity"
	"collabnote/internal/wsconn"
	"collabnote/internal/wsconn/wsconntest"
)

// fakeClock runs timers synchronously from Advance.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock *fakeClock
	at    time.Time
	fn    func()
	done  bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	pending := !t.done
	t.done = true
	return pending
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	end := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.done || t.at.After(end) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			c.now = end
			c.mu.Unlock()
			return
		}
		next.done = true
		c.now = next.at
		c.mu.Unlock()
		next.fn()
	}
}

type pipeDialer struct {
	mu    sync.Mutex
	dials int
	peers chan wsconn.Socket
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{peers: make(chan wsconn.Socket, 8)}
}

func (d *pipeDialer) Dial(_ context.Context, _, _ string) (wsconn.Socket, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	a, b := wsconntest.Pipe()
	d.peers <- b
	return a, nil
}

func (d *pipeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

var self = identity.Identity{ID: "u-1", Name: "Ada", Token: "t"}

func newTestChannel(t *testing.T) (*Channel, *fakeClock, *pipeDialer) {
	t.Helper()
	clock := newFakeClock()
	dialer := newPipeDialer()
	ch := New(Options{PageID: "page-1", URL: "ws://relay/presence/page-1", Self: self, Dialer: dialer, Clock: clock})
	t.Cleanup(ch.Close)
	return ch, clock, dialer
}

func connectPeer(t *testing.T, ch *Channel, dialer *pipeDialer) wsconn.Socket {
	t.Helper()
	require.NoError(t, ch.Connect(context.Background()))
	return <-dialer.peers
}

func readPresence(t *testing.T, peer wsconn.Socket) *PresenceFrame {
	t.Helper()
	kind, data, err := peer.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, wsconn.TextFrame, kind)
	f, err := DecodeFrame(data)
	require.NoError(t, err)
	require.NotNil(t, f.Presence)
	return f.Presence
}

func writeFrame(t *testing.T, peer wsconn.Socket, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, peer.WriteMessage(wsconn.TextFrame, data))
}

func TestDecodeFrame(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"type":"presence","userId":"u-2","name":"Bo","cursor":{"x":1,"y":2},"focusedBlockId":null}`))
	require.NoError(t, err)
	require.NotNil(t, f.Presence)
	assert.Equal(t, &Point{X: 1, Y: 2}, f.Presence.Cursor)
	assert.Nil(t, f.Presence.FocusedBlockID)

	f, err = DecodeFrame([]byte(`{"type":"chat","msgId":"m1","userId":"u-2","name":"Bo","text":"hello"}`))
	require.NoError(t, err)
	require.NotNil(t, f.Chat)
	assert.Equal(t, "hello", f.Chat.Text)

	bad := []string{
		`{bad`,
		`{"type":"wave","userId":"u-2"}`,
		`{"type":"presence","name":"no user"}`,
		`{"type":"chat","msgId":"m1","userId":"u-2","text":""}`,
		`{"type":"chat","msgId":"m1","userId":"u-2","text":"` + strings.Repeat("x", MaxChatBytes+1) + `"}`,
	}
	for _, b := range bad {
		_, err := DecodeFrame([]byte(b))
		assert.ErrorIs(t, err, ErrInvalidFrame, "%.40s", b)
	}
}

func TestEncodeFrame_NullCursorAndFocus(t *testing.T) {
	data, err := EncodeFrame(&PresenceFrame{Type: TypePresence, UserID: "u-1", Name: "Ada"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"presence","userId":"u-1","name":"Ada","cursor":null,"focusedBlockId":null}`, string(data))

	_, err = EncodeFrame(map[string]string{"type": "presence"})
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func TestChannel_ConnectAnnouncesWithoutCursor(t *testing.T) {
	ch, _, dialer := newTestChannel(t)
	ch.MoveCursor(5, 5)
	peer := connectPeer(t, ch, dialer)

	p := readPresence(t, peer)
	assert.Equal(t, "u-1", p.UserID)
	assert.Nil(t, p.Cursor)
	assert.Nil(t, p.FocusedBlockID)
	assert.True(t, ch.Connected())
}

func TestChannel_ReconnectKeepsLocalCursorAndFocus(t *testing.T) {
	ch, clock, dialer := newTestChannel(t)
	ch.MoveCursor(5, 5)
	ch.Focus("block-a")
	connectPeer(t, ch, dialer)
	ch.Close()

	peer := connectPeer(t, ch, dialer)
	p := readPresence(t, peer)
	assert.Nil(t, p.Cursor, "the announcement carries no cursor")
	assert.Nil(t, p.FocusedBlockID)
	assert.Equal(t, &Point{X: 5, Y: 5}, ch.Cursor())

	clock.Advance(DefaultHeartbeat)
	p = readPresence(t, peer)
	assert.Equal(t, &Point{X: 5, Y: 5}, p.Cursor)
	require.NotNil(t, p.FocusedBlockID)
	assert.Equal(t, "block-a", *p.FocusedBlockID)
}

func TestChannel_SelfEchoSuppressed(t *testing.T) {
	ch, _, dialer := newTestChannel(t)
	peer := connectPeer(t, ch, dialer)

	writeFrame(t, peer, PresenceFrame{Type: TypePresence, UserID: self.ID, Name: self.Name})
	writeFrame(t, peer, PresenceFrame{Type: TypePresence, UserID: "u-2", Name: "Bo", Cursor: &Point{X: 3, Y: 4}})

	require.Eventually(t, func() bool { return len(ch.Collaborators()) == 1 }, time.Second, 5*time.Millisecond)
	got := ch.Collaborators()[0]
	assert.Equal(t, "u-2", got.ID)
	assert.Equal(t, &Point{X: 3, Y: 4}, got.Cursor)
	assert.Equal(t, identity.Color("u-2"), got.Color)
}

func TestChannel_CursorThrottle(t *testing.T) {
	ch, clock, dialer := newTestChannel(t)
	connectPeer(t, ch, dialer)
	require.Equal(t, 1, ch.Broadcasts())

	for i := 0; i < 100; i++ {
		ch.MoveCursor(float64(i), float64(i))
		clock.Advance(400 * time.Microsecond)
	}
	assert.Equal(t, 2, ch.Broadcasts(), "100 moves inside 50ms broadcast once")
	assert.Equal(t, &Point{X: 99, Y: 99}, ch.Cursor(), "local cursor is never throttled")

	clock.Advance(50 * time.Millisecond)
	for i := 0; i < 5; i++ {
		ch.MoveCursor(1, 1)
		clock.Advance(50 * time.Millisecond)
	}
	assert.Equal(t, 7, ch.Broadcasts(), "moves 50ms apart each broadcast")
}

func TestChannel_FocusIsNotThrottled(t *testing.T) {
	ch, _, dialer := newTestChannel(t)
	peer := connectPeer(t, ch, dialer)
	readPresence(t, peer)

	ch.MoveCursor(1, 1)
	ch.Focus("block-a")
	ch.Focus("block-b")
	assert.Equal(t, 4, ch.Broadcasts())

	readPresence(t, peer)
	readPresence(t, peer)
	last := readPresence(t, peer)
	require.NotNil(t, last.FocusedBlockID)
	assert.Equal(t, "block-b", *last.FocusedBlockID)
	assert.Equal(t, &Point{X: 1, Y: 1}, last.Cursor)
}

func TestChannel_ChatTTL(t *testing.T) {
	ch, clock, _ := newTestChannel(t)

	msg, err := ch.SendChat("hello")
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	require.Len(t, ch.Chat(), 1, "sent chat is echoed locally")

	clock.Advance(5000 * time.Millisecond)
	assert.Len(t, ch.Chat(), 1)
	clock.Advance(1100 * time.Millisecond)
	assert.Empty(t, ch.Chat())

	_, err = ch.SendChat("")
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func TestChannel_ReceivedChatExpiresAndDedupes(t *testing.T) {
	ch, clock, dialer := newTestChannel(t)
	peer := connectPeer(t, ch, dialer)

	chat := ChatFrame{Type: TypeChat, MsgID: "m-1", UserID: "u-2", Name: "Bo", Text: "hi"}
	writeFrame(t, peer, chat)
	writeFrame(t, peer, chat)
	writeFrame(t, peer, ChatFrame{Type: TypeChat, MsgID: "m-2", UserID: self.ID, Name: self.Name, Text: "echo"})
	writeFrame(t, peer, PresenceFrame{Type: TypePresence, UserID: "u-2", Name: "Bo"})

	require.Eventually(t, func() bool { return len(ch.Collaborators()) == 1 }, time.Second, 5*time.Millisecond)
	got := ch.Chat()
	require.Len(t, got, 1)
	assert.Equal(t, "m-1", got[0].ID)

	clock.Advance(6100 * time.Millisecond)
	assert.Empty(t, ch.Chat())
}

func TestChannel_LateDuplicateChatIsIgnored(t *testing.T) {
	ch, clock, dialer := newTestChannel(t)
	peer := connectPeer(t, ch, dialer)

	chat := ChatFrame{Type: TypeChat, MsgID: "m-1", UserID: "u-2", Name: "Bo", Text: "hi"}
	writeFrame(t, peer, chat)
	require.Eventually(t, func() bool { return len(ch.Chat()) == 1 }, time.Second, 5*time.Millisecond)
	clock.Advance(DefaultChatTTL + time.Second)
	require.Empty(t, ch.Chat())

	writeFrame(t, peer, chat)
	writeFrame(t, peer, PresenceFrame{Type: TypePresence, UserID: "u-2", Name: "Bo"})
	require.Eventually(t, func() bool { return len(ch.Collaborators()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, ch.Chat(), "a redelivered id stays hidden after it expired")
}

func TestChannel_ChatSeenIsBounded(t *testing.T) {
	ch, _, _ := newTestChannel(t)
	for i := 0; i < chatSeenLimit+10; i++ {
		_, err := ch.SendChat("x")
		require.NoError(t, err)
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	assert.Len(t, ch.chatSeen, chatSeenLimit)
	assert.Len(t, ch.seenOrder, chatSeenLimit)
}

func TestChannel_HeartbeatExpiresSilentCollaborators(t *testing.T) {
	ch, clock, dialer := newTestChannel(t)
	peer := connectPeer(t, ch, dialer)

	writeFrame(t, peer, PresenceFrame{Type: TypePresence, UserID: "u-2", Name: "Bo"})
	require.Eventually(t, func() bool { return len(ch.Collaborators()) == 1 }, time.Second, 5*time.Millisecond)

	clock.Advance(DefaultHeartbeat)
	assert.Len(t, ch.Collaborators(), 1)
	assert.Equal(t, 2, ch.Broadcasts(), "heartbeat re-announces")

	clock.Advance(DefaultExpireAfter - DefaultHeartbeat)
	assert.Empty(t, ch.Collaborators())
}

func TestChannel_DuplicateConnect(t *testing.T) {
	g := guard.New()
	dialer := newPipeDialer()
	a := New(Options{PageID: "p", Self: self, Dialer: dialer, Guard: g, Clock: newFakeClock()})
	b := New(Options{PageID: "p", Self: self, Dialer: dialer, Guard: g, Clock: newFakeClock()})
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.Connect(context.Background()))
	require.NoError(t, a.Connect(context.Background()))
	require.NoError(t, b.Connect(context.Background()))
	assert.Equal(t, 1, dialer.Dials())
	assert.True(t, a.Connected())
	assert.False(t, b.Connected())
	assert.True(t, g.Live(guard.PresenceKey("p")))
}

func TestChannel_DisconnectAndInvalidFrames(t *testing.T) {
	ch, _, dialer := newTestChannel(t)
	peer := connectPeer(t, ch, dialer)

	require.NoError(t, peer.WriteMessage(wsconn.TextFrame, []byte(`{"type":"presence"`)))
	writeFrame(t, peer, PresenceFrame{Type: TypePresence, UserID: "u-2", Name: "Bo"})
	require.Eventually(t, func() bool { return len(ch.Collaborators()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, ch.Dropped())
	assert.True(t, ch.Connected(), "a bad frame does not end the connection")

	changed := make(chan struct{}, 16)
	ch.OnChange(func() { changed <- struct{}{} })
	require.NoError(t, peer.Close())
	require.Eventually(t, func() bool { return !ch.Connected() }, time.Second, 5*time.Millisecond)
	assert.Empty(t, ch.Collaborators())
	assert.NotEmpty(t, changed)

	require.NoError(t, ch.Connect(context.Background()))
	assert.True(t, ch.Connected(), "lease was released on disconnect")
}
