// Package presence runs the per-page ephemeral channel: who is here, where
// their cursor is, which block they are in, and short-lived chat. Nothing is
// merged or persisted; the last frame received from a user wins.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"collabnote/internal/guard"
	"collabnote/internal/identity"
	"collabnote/internal/wsconn"
)

const (
	DefaultThrottle    = 50 * time.Millisecond
	DefaultChatTTL     = 6 * time.Second
	DefaultHeartbeat   = 10 * time.Second
	DefaultExpireAfter = 30 * time.Second

	// chatSeenLimit bounds how many chat ids are remembered for dedupe after
	// their messages expire.
	chatSeenLimit = 512
)

var (
	ErrTransport = errors.New("presence: transport failure")
	ErrClosed    = errors.New("presence: closed while connecting")
	errBusy      = errors.New("presence: connection already live")
)

// Collaborator is a remote user seen on the page.
type Collaborator struct {
	ID             string
	Name           string
	Color          string
	Cursor         *Point
	FocusedBlockID string
	LastSeen       time.Time
}

// ChatMessage is a chat line visible until ExpiresAt.
type ChatMessage struct {
	ID        string
	UserID    string
	Name      string
	Text      string
	ExpiresAt time.Time
}

// Options configures a Channel. Zero durations take the defaults above.
type Options struct {
	PageID string
	URL    string
	Self   identity.Identity
	Dialer wsconn.Dialer
	Guard  *guard.Guard
	Clock  Clock
	Log    *slog.Logger

	Throttle    time.Duration
	ChatTTL     time.Duration
	Heartbeat   time.Duration
	ExpireAfter time.Duration
	SendBuffer  int
}

// Channel is one page's presence connection and the local view it feeds.
type Channel struct {
	opts    Options
	clock   Clock
	log     *slog.Logger
	limiter *rate.Limiter

	mu         sync.Mutex
	gen        uint64
	conn       *wsconn.Conn
	lease      *guard.Lease
	ended      chan struct{}
	beat       Timer
	cursor     *Point
	focus      string
	peers      map[string]*Collaborator
	chat       []ChatMessage
	chatTimers map[string]Timer
	chatSeen   map[string]struct{}
	seenOrder  []string
	onChange   func()
	broadcasts int
	dropped    int
}

// New builds a disconnected channel.
func New(opts Options) *Channel {
	if opts.Dialer == nil {
		opts.Dialer = wsconn.WebsocketDialer{}
	}
	if opts.Guard == nil {
		opts.Guard = guard.New()
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Throttle <= 0 {
		opts.Throttle = DefaultThrottle
	}
	if opts.ChatTTL <= 0 {
		opts.ChatTTL = DefaultChatTTL
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.ExpireAfter <= 0 {
		opts.ExpireAfter = DefaultExpireAfter
	}
	return &Channel{
		opts:       opts,
		clock:      opts.Clock,
		log:        opts.Log.With("page", opts.PageID),
		limiter:    rate.NewLimiter(rate.Every(opts.Throttle), 1),
		peers:      map[string]*Collaborator{},
		chatTimers: map[string]Timer{},
		chatSeen:   map[string]struct{}{},
	}
}

// OnChange registers the callback run after any change to the local view.
// It runs without the channel's lock held.
func (c *Channel) OnChange(fn func()) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

func (c *Channel) notify() {
	c.mu.Lock()
	fn := c.onChange
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Connect opens the page connection and announces the local user with no
// cursor and no focus. A cursor or focus set earlier is kept locally and goes
// out with the next heartbeat or move. It is a no-op while a connection for the page is
// connecting or open.
func (c *Channel) Connect(ctx context.Context) error {
	_, err := c.connect(ctx)
	if errors.Is(err, errBusy) {
		return nil
	}
	return err
}

func (c *Channel) connect(ctx context.Context) (<-chan struct{}, error) {
	c.mu.Lock()
	if c.conn != nil {
		ended := c.ended
		c.mu.Unlock()
		return ended, nil
	}
	gen := c.gen
	c.mu.Unlock()

	lease, ok := c.opts.Guard.Acquire(guard.PresenceKey(c.opts.PageID))
	if !ok {
		return nil, errBusy
	}
	sock, err := c.opts.Dialer.Dial(ctx, c.opts.URL, c.opts.Self.Token)
	if err != nil {
		lease.Release()
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		_ = sock.Close()
		lease.Release()
		return nil, ErrClosed
	}
	c.gen++
	gen = c.gen
	conn := wsconn.NewConn(sock, c.opts.SendBuffer, c.log)
	c.conn, c.lease, c.ended = conn, lease, make(chan struct{})
	c.sendLocked(&PresenceFrame{Type: TypePresence, UserID: c.opts.Self.ID, Name: c.opts.Self.Name})
	c.beat = c.clock.AfterFunc(c.opts.Heartbeat, func() { c.heartbeat(gen) })
	ended := c.ended
	c.mu.Unlock()

	c.log.Info("presence connected")
	go c.readLoop(conn, gen)
	c.notify()
	return ended, nil
}

// Run keeps the channel connected until ctx is done.
func (c *Channel) Run(ctx context.Context) error {
	defer c.Close()
	return guard.Reconnect(ctx, guard.PresenceKey(c.opts.PageID), c.connect, c.log)
}

// Close drops the connection. The chat list is kept until it expires.
func (c *Channel) Close() {
	c.mu.Lock()
	c.gen++
	if c.conn == nil {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	c.mu.Unlock()
	c.notify()
}

func (c *Channel) teardownLocked() {
	_ = c.conn.Close()
	c.lease.Release()
	close(c.ended)
	if c.beat != nil {
		c.beat.Stop()
	}
	c.conn, c.lease, c.beat = nil, nil, nil
	c.peers = map[string]*Collaborator{}
}

func (c *Channel) handleDisconnect(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	c.log.Warn("presence disconnected", "error", err)
	c.teardownLocked()
	c.mu.Unlock()
	c.notify()
}

func (c *Channel) readLoop(conn *wsconn.Conn, gen uint64) {
	for {
		kind, data, err := conn.Read()
		if err != nil {
			c.handleDisconnect(gen, err)
			return
		}
		if kind != wsconn.TextFrame {
			continue
		}
		c.receive(gen, data)
	}
}

func (c *Channel) receive(gen uint64, data []byte) {
	f, err := DecodeFrame(data)
	if err != nil {
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
		c.log.Debug("dropping presence frame", "error", err)
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	changed := false
	switch {
	case f.Presence != nil:
		changed = c.upsertLocked(f.Presence)
	case f.Chat != nil:
		changed = c.receiveChatLocked(f.Chat)
	}
	c.mu.Unlock()
	if changed {
		c.notify()
	}
}

func (c *Channel) upsertLocked(p *PresenceFrame) bool {
	if p.UserID == c.opts.Self.ID {
		return false
	}
	collab := &Collaborator{
		ID:       p.UserID,
		Name:     p.Name,
		Color:    identity.Color(p.UserID),
		LastSeen: c.clock.Now(),
	}
	if p.Cursor != nil {
		pt := *p.Cursor
		collab.Cursor = &pt
	}
	if p.FocusedBlockID != nil {
		collab.FocusedBlockID = *p.FocusedBlockID
	}
	c.peers[p.UserID] = collab
	return true
}

func (c *Channel) receiveChatLocked(m *ChatFrame) bool {
	if m.UserID == c.opts.Self.ID {
		return false
	}
	if _, seen := c.chatSeen[m.MsgID]; seen {
		return false
	}
	c.addChatLocked(ChatMessage{ID: m.MsgID, UserID: m.UserID, Name: m.Name, Text: m.Text})
	return true
}

func (c *Channel) addChatLocked(msg ChatMessage) ChatMessage {
	msg.ExpiresAt = c.clock.Now().Add(c.opts.ChatTTL)
	c.chat = append(c.chat, msg)
	id := msg.ID
	c.rememberChatLocked(id)
	c.chatTimers[id] = c.clock.AfterFunc(c.opts.ChatTTL, func() { c.expireChat(id) })
	return msg
}

func (c *Channel) rememberChatLocked(id string) {
	if _, ok := c.chatSeen[id]; ok {
		return
	}
	if len(c.seenOrder) >= chatSeenLimit {
		delete(c.chatSeen, c.seenOrder[0])
		c.seenOrder = c.seenOrder[1:]
	}
	c.chatSeen[id] = struct{}{}
	c.seenOrder = append(c.seenOrder, id)
}

func (c *Channel) expireChat(id string) {
	c.mu.Lock()
	delete(c.chatTimers, id)
	kept := c.chat[:0]
	for _, m := range c.chat {
		if m.ID != id {
			kept = append(kept, m)
		}
	}
	c.chat = kept
	c.mu.Unlock()
	c.notify()
}

func (c *Channel) heartbeat(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	c.sendLocked(c.selfFrameLocked())
	now := c.clock.Now()
	expired := 0
	for id, p := range c.peers {
		if now.Sub(p.LastSeen) >= c.opts.ExpireAfter {
			delete(c.peers, id)
			expired++
		}
	}
	c.beat = c.clock.AfterFunc(c.opts.Heartbeat, func() { c.heartbeat(gen) })
	c.mu.Unlock()
	if expired > 0 {
		c.log.Debug("expired collaborators", "count", expired)
		c.notify()
	}
}

func (c *Channel) selfFrameLocked() *PresenceFrame {
	f := &PresenceFrame{Type: TypePresence, UserID: c.opts.Self.ID, Name: c.opts.Self.Name}
	if c.cursor != nil {
		pt := *c.cursor
		f.Cursor = &pt
	}
	if c.focus != "" {
		focus := c.focus
		f.FocusedBlockID = &focus
	}
	return f
}

func (c *Channel) sendLocked(frame any) {
	if c.conn == nil {
		return
	}
	data, err := EncodeFrame(frame)
	if err != nil {
		c.log.Error("encoding presence frame", "error", err)
		return
	}
	if err := c.conn.Send(wsconn.TextFrame, data); err != nil {
		c.log.Debug("presence send failed", "error", err)
		return
	}
	c.broadcasts++
}

// MoveCursor updates the local cursor and broadcasts it at most once per
// throttle interval.
func (c *Channel) MoveCursor(x, y float64) {
	c.mu.Lock()
	c.cursor = &Point{X: x, Y: y}
	if c.conn != nil && c.limiter.AllowN(c.clock.Now(), 1) {
		c.sendLocked(c.selfFrameLocked())
	}
	c.mu.Unlock()
	c.notify()
}

// Focus broadcasts the focused block immediately. An empty id clears focus.
func (c *Channel) Focus(blockID string) {
	c.mu.Lock()
	c.focus = blockID
	c.sendLocked(c.selfFrameLocked())
	c.mu.Unlock()
	c.notify()
}

// SendChat shows the message locally at once and broadcasts it. Delivery is
// not confirmed; the message expires after the chat TTL either way.
func (c *Channel) SendChat(text string) (ChatMessage, error) {
	frame := &ChatFrame{
		Type:   TypeChat,
		MsgID:  ulid.Make().String(),
		UserID: c.opts.Self.ID,
		Name:   c.opts.Self.Name,
		Text:   text,
	}
	if err := frameValidate.Struct(frame); err != nil {
		return ChatMessage{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	c.mu.Lock()
	msg := c.addChatLocked(ChatMessage{ID: frame.MsgID, UserID: frame.UserID, Name: frame.Name, Text: text})
	c.sendLocked(frame)
	c.mu.Unlock()
	c.notify()
	return msg, nil
}

// Connected reports whether the page connection is open.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Cursor is the local cursor, nil when unset.
func (c *Channel) Cursor() *Point {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cursor == nil {
		return nil
	}
	pt := *c.cursor
	return &pt
}

// Collaborators returns the remote users currently visible, by id.
func (c *Channel) Collaborators() []Collaborator {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Collaborator, 0, len(c.peers))
	for _, p := range c.peers {
		cp := *p
		if p.Cursor != nil {
			pt := *p.Cursor
			cp.Cursor = &pt
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Chat returns the visible chat messages in arrival order.
func (c *Channel) Chat() []ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ChatMessage(nil), c.chat...)
}

// Broadcasts is the number of frames sent since the channel was created.
func (c *Channel) Broadcasts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broadcasts
}

// Dropped is the number of inbound frames rejected as invalid.
func (c *Channel) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}
