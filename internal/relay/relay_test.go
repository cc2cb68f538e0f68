package relay

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabnote/internal/identity"
	"collabnote/internal/notebook"
	"collabnote/internal/presence"
	"collabnote/internal/session"
	"collabnote/internal/storage"
	"collabnote/internal/wsconn"
)

const waitFor = 3 * time.Second

func startRelay(t *testing.T, cfg Config) (*Server, string) {
	t.Helper()
	srv := New(cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func seeded(t *testing.T) []byte {
	t.Helper()
	base := notebook.NewStore("nb-1", "seed")
	base.MarkReady()
	_, err := base.SeedIfEmpty()
	require.NoError(t, err)
	return base.Doc().Save()
}

func replica(t *testing.T, actor string, snapshot []byte) *notebook.Store {
	t.Helper()
	s := notebook.NewStore("nb-1", actor)
	if snapshot == nil {
		s.MarkReady()
	} else {
		require.NoError(t, s.Load(snapshot))
	}
	return s
}

func blockIDs(s *notebook.Store) []string {
	var ids []string
	for _, b := range s.Doc().Notebook().Blocks {
		ids = append(ids, b.ID)
	}
	return ids
}

func insertAfter(t *testing.T, s *notebook.Store, index int, content string) string {
	t.Helper()
	var id string
	_, err := s.Mutate("insert", func(tx *notebook.Tx) error {
		var err error
		id, err = tx.InsertBlockAfter(index, notebook.BlockText, content, "")
		return err
	})
	require.NoError(t, err)
	return id
}

func connect(t *testing.T, url string, store *notebook.Store) *session.Session {
	t.Helper()
	s := session.New(session.Options{URL: url + "/sync/nb-1", Token: "tok", Store: store})
	t.Cleanup(s.Close)
	require.NoError(t, s.Connect(context.Background()))
	return s
}

func TestRelay_OfflineInsertConverges(t *testing.T) {
	_, url := startRelay(t, Config{})
	snap := seeded(t)
	a := replica(t, "a", snap)
	b := replica(t, "b", snap)

	sb := connect(t, url, b)
	require.Eventually(t, func() bool { return sb.State() == session.Synced }, waitFor, 5*time.Millisecond)

	x := insertAfter(t, a, 0, "X")
	y := insertAfter(t, b, 0, "Y")

	connect(t, url, a)
	require.Eventually(t, func() bool {
		ia, ib := blockIDs(a), blockIDs(b)
		return len(ia) == 3 && assert.ObjectsAreEqual(ia, ib)
	}, waitFor, 5*time.Millisecond)
	assert.Contains(t, blockIDs(a), x)
	assert.Contains(t, blockIDs(a), y)
}

func TestRelay_ConcurrentEditsKeepBothValues(t *testing.T) {
	_, url := startRelay(t, Config{})
	snap := seeded(t)
	a := replica(t, "a", snap)
	b := replica(t, "b", snap)
	id := a.Doc().Notebook().Blocks[0].ID

	_, err := a.Mutate("edit", func(tx *notebook.Tx) error { return tx.UpdateBlockContent(id, "from a") })
	require.NoError(t, err)
	_, err = b.Mutate("edit", func(tx *notebook.Tx) error { return tx.UpdateBlockContent(id, "from b") })
	require.NoError(t, err)

	connect(t, url, a)
	connect(t, url, b)
	require.Eventually(t, func() bool {
		return len(a.Doc().Conflicts(id, notebook.FieldContent)) == 2 &&
			len(b.Doc().Conflicts(id, notebook.FieldContent)) == 2
	}, waitFor, 5*time.Millisecond)
	ba, _ := a.Doc().Block(id)
	bb, _ := b.Doc().Block(id)
	assert.Equal(t, ba.Content, bb.Content)
	assert.ElementsMatch(t, []string{"from a", "from b"}, a.Doc().Conflicts(id, notebook.FieldContent))
}

func TestRelay_InstancesShareChangesOverBus(t *testing.T) {
	bus := NewMemoryBus()
	_, url1 := startRelay(t, Config{Bus: bus, InstanceID: "one"})
	_, url2 := startRelay(t, Config{Bus: bus, InstanceID: "two"})
	a := replica(t, "a", nil)
	b := replica(t, "b", nil)

	sa := connect(t, url1, a)
	sb := connect(t, url2, b)
	require.Eventually(t, func() bool {
		return sa.State() == session.Synced && sb.State() == session.Synced
	}, waitFor, 5*time.Millisecond)

	id := insertAfter(t, a, -1, "hello")
	require.Eventually(t, func() bool {
		blk, ok := b.Doc().Block(id)
		return ok && blk.Content == "hello"
	}, waitFor, 5*time.Millisecond)
}

func TestRelay_SnapshotSavedAndReloaded(t *testing.T) {
	store := storage.NewMemory()
	srv, url := startRelay(t, Config{Storage: store})
	a := replica(t, "a", nil)
	sa := connect(t, url, a)
	id := insertAfter(t, a, -1, "persist me")
	require.Eventually(t, func() bool {
		data, err := store.Load(context.Background(), "nb-1")
		if err != nil {
			return false
		}
		doc, err := notebook.Load("nb-1", data)
		return err == nil && doc.Len() == 1
	}, waitFor, 5*time.Millisecond)

	sa.Close()
	require.Eventually(t, func() bool { return srv.sync.len() == 0 }, waitFor, 5*time.Millisecond)

	b := replica(t, "b", nil)
	connect(t, url, b)
	require.Eventually(t, func() bool {
		_, ok := b.Doc().Block(id)
		return ok
	}, waitFor, 5*time.Millisecond, "a reopened room serves the saved snapshot")
}

func newPresence(url, page string, who identity.Identity) *presence.Channel {
	return presence.New(presence.Options{PageID: page, URL: url + "/presence/" + page, Self: who})
}

func presencePeers(srv *Server, page string) int {
	srv.presence.mu.Lock()
	e, ok := srv.presence.rooms[page]
	srv.presence.mu.Unlock()
	if !ok {
		return 0
	}
	e.room.mu.Lock()
	defer e.room.mu.Unlock()
	return len(e.room.peers)
}

func TestRelay_PresenceBroadcast(t *testing.T) {
	srv, url := startRelay(t, Config{})
	ada := identity.Identity{ID: "u-ada", Name: "Ada", Token: "t1"}
	bo := identity.Identity{ID: "u-bo", Name: "Bo", Token: "t2"}
	a := newPresence(url, "page-1", ada)
	b := newPresence(url, "page-1", bo)
	defer a.Close()
	defer b.Close()

	require.NoError(t, b.Connect(context.Background()))
	require.NoError(t, a.Connect(context.Background()))
	require.Eventually(t, func() bool { return presencePeers(srv, "page-1") == 2 }, waitFor, 5*time.Millisecond)

	a.Focus("block-1")
	_, err := a.SendChat("hi there")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		c := b.Collaborators()
		return len(c) == 1 && c[0].FocusedBlockID == "block-1" && len(b.Chat()) == 1
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, "u-ada", b.Collaborators()[0].ID)

	b.MoveCursor(10, 20)
	require.Eventually(t, func() bool { return len(a.Collaborators()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, "u-bo", a.Collaborators()[0].ID, "own presence is not a collaborator")
	assert.Len(t, a.Chat(), 1, "own chat is not duplicated by the relay echo")
}

func TestRelay_TokenVerification(t *testing.T) {
	secret := []byte("relay-secret")
	_, url := startRelay(t, Config{Secret: secret})
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	_, err := wsconn.WebsocketDialer{}.Dial(ctx, url+"/sync/nb-1", "not-a-token")
	require.Error(t, err)

	forged, err := identity.Issue([]byte("other"), "u-1", "Ada", time.Hour)
	require.NoError(t, err)
	_, err = wsconn.WebsocketDialer{}.Dial(ctx, url+"/presence/p", forged)
	require.Error(t, err)

	good, err := identity.Issue(secret, "u-1", "Ada", time.Hour)
	require.NoError(t, err)
	sock, err := wsconn.WebsocketDialer{}.Dial(ctx, url+"/presence/p", good)
	require.NoError(t, err)
	sock.Close()
}

func TestRelay_VerifiedPeersCannotSpeakForOthers(t *testing.T) {
	secret := []byte("relay-secret")
	_, url := startRelay(t, Config{Secret: secret})
	token, err := identity.Issue(secret, "u-1", "Ada", time.Hour)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	sock, err := wsconn.WebsocketDialer{}.Dial(ctx, url+"/presence/p", token)
	require.NoError(t, err)
	conn := wsconn.NewConn(sock, 4, nil)
	defer conn.Close()

	spoofed, err := presence.EncodeFrame(&presence.PresenceFrame{Type: presence.TypePresence, UserID: "u-2", Name: "Bo"})
	require.NoError(t, err)
	own, err := presence.EncodeFrame(&presence.PresenceFrame{Type: presence.TypePresence, UserID: "u-1", Name: "Ada"})
	require.NoError(t, err)
	require.NoError(t, conn.Send(wsconn.TextFrame, spoofed))
	require.NoError(t, conn.Send(wsconn.TextFrame, own))

	_, data, err := conn.Read()
	require.NoError(t, err)
	assert.JSONEq(t, string(own), string(data), "only the sender's own frame is relayed")
}

func TestRelay_HTTPEndpoints(t *testing.T) {
	srv := New(Config{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"ok"`)

	srv.metrics.Frames.WithLabelValues(chanSync, "in").Inc()
	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "collabnote_relay_frames_total")

	resp, err = http.Get(ts.URL + "/sync/nb-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "no token, no upgrade")
}

func TestBusEnvelope(t *testing.T) {
	origin, payload, err := unwrap(wrap("one", []byte{1, 2}))
	require.NoError(t, err)
	assert.Equal(t, "one", origin)
	assert.Equal(t, []byte{1, 2}, payload)

	_, _, err = unwrap([]byte{0xff})
	assert.ErrorIs(t, err, errEnvelope)
}

func TestMemoryBus(t *testing.T) {
	bus := NewMemoryBus()
	ch, cancel, err := bus.Subscribe(context.Background(), "sync:nb")
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), "sync:nb", []byte("m")))
	require.NoError(t, bus.Publish(context.Background(), "sync:other", []byte("x")))
	assert.Equal(t, []byte("m"), <-ch)
	require.NoError(t, cancel())
	_, open := <-ch
	assert.False(t, open)
}
