package main

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabnote/internal/logging"
	"collabnote/internal/notebook"
	"collabnote/internal/presence"
	"collabnote/internal/storage"
)

type fakePresence struct {
	cursor []float64
	focus  string
	chat   []string
}

func (f *fakePresence) MoveCursor(x, y float64) { f.cursor = []float64{x, y} }
func (f *fakePresence) Focus(id string)         { f.focus = id }
func (f *fakePresence) SendChat(text string) (presence.ChatMessage, error) {
	f.chat = append(f.chat, text)
	return presence.ChatMessage{Text: text}, nil
}

func readyStore(t *testing.T) *notebook.Store {
	t.Helper()
	s := notebook.NewStore("nb-1", "agent-test")
	s.MarkReady()
	_, err := s.SeedIfEmpty()
	require.NoError(t, err)
	return s
}

func mustOp(t *testing.T, raw string) Op {
	t.Helper()
	op, err := decodeOp([]byte(raw))
	require.NoError(t, err)
	return op
}

func TestDecodeOp_Rejects(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{"action":"explode"}`,
		`{"action":"chat"}`,
		`{"action":"reorder"}`,
	} {
		_, err := decodeOp([]byte(raw))
		assert.ErrorIs(t, err, errBadOp, raw)
	}
}

func TestApplyOp_Edits(t *testing.T) {
	store := readyStore(t)
	pres := &fakePresence{}
	first := store.Doc().Notebook().Blocks[0].ID

	require.NoError(t, applyOp(store, pres, mustOp(t, `{"action":"insert","index":0,"type":"code","content":"print(1)","language":"python"}`)))
	blocks := store.Doc().Notebook().Blocks
	require.Len(t, blocks, 2)
	second := blocks[1].ID
	assert.Equal(t, notebook.BlockCode, blocks[1].Type)
	assert.Equal(t, "python", blocks[1].Language)

	require.NoError(t, applyOp(store, pres, mustOp(t, `{"action":"update","blockId":"`+first+`","content":"hello","title":"Intro"}`)))
	b, ok := store.Doc().Block(first)
	require.True(t, ok)
	assert.Equal(t, "hello", b.Content)
	assert.Equal(t, "Intro", b.Title)

	require.NoError(t, applyOp(store, pres, mustOp(t, `{"action":"reorder","order":["`+second+`","`+first+`"]}`)))
	assert.Equal(t, second, store.Doc().Notebook().Blocks[0].ID)

	require.NoError(t, applyOp(store, pres, mustOp(t, `{"action":"title","title":"Notes"}`)))
	assert.Equal(t, "Notes", store.Doc().Notebook().Title)

	require.NoError(t, applyOp(store, pres, mustOp(t, `{"action":"metadata","blockId":"`+first+`","metadata":{"kind":"note"}}`)))
	b, _ = store.Doc().Block(first)
	require.NotNil(t, b.Metadata)
	assert.Equal(t, notebook.MetadataNote, b.Metadata.Kind)

	require.NoError(t, applyOp(store, pres, mustOp(t, `{"action":"delete","blockId":"`+second+`"}`)))
	assert.Equal(t, 1, store.Doc().Len())

	assert.Error(t, applyOp(store, pres, mustOp(t, `{"action":"delete","blockId":"missing"}`)))
}

func TestApplyOp_Presence(t *testing.T) {
	store := readyStore(t)
	pres := &fakePresence{}
	require.NoError(t, applyOp(store, pres, mustOp(t, `{"action":"cursor","x":3,"y":4}`)))
	require.NoError(t, applyOp(store, pres, mustOp(t, `{"action":"focus","blockId":"b1"}`)))
	require.NoError(t, applyOp(store, pres, mustOp(t, `{"action":"chat","text":"hi"}`)))
	assert.Equal(t, []float64{3, 4}, pres.cursor)
	assert.Equal(t, "b1", pres.focus)
	assert.Equal(t, []string{"hi"}, pres.chat)
}

func TestReplica_PersistsAndRestores(t *testing.T) {
	ctx := context.Background()
	db := storage.NewMemory()
	log := logging.Discard()

	store, err := openReplica(ctx, db, "nb-1", log)
	require.NoError(t, err)
	require.Equal(t, 1, store.Doc().Len(), "a new replica is seeded")
	p := newPersister(store, db, log)
	id := store.Doc().Notebook().Blocks[0].ID
	_, err = store.Mutate("edit", func(tx *notebook.Tx) error { return tx.UpdateBlockContent(id, "kept") })
	require.NoError(t, err)
	p.Close()

	restored, err := openReplica(ctx, db, "nb-1", log)
	require.NoError(t, err)
	assert.Equal(t, 1, restored.Doc().Len(), "a restored replica is not seeded again")
	b, ok := restored.Doc().Block(id)
	require.True(t, ok)
	assert.Equal(t, "kept", b.Content)
}

func TestHub_ReplaysAndHandlesOps(t *testing.T) {
	store := readyStore(t)
	pres := &fakePresence{}
	hub := newHub(func(op Op) error { return applyOp(store, pres, op) }, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.run(ctx)
	unsubscribe := store.Subscribe(func(u notebook.Update) { hub.Publish(notebookView(u.Doc, u.Version)) })
	defer unsubscribe()
	hub.Publish(notebookView(store.Doc(), store.Version()))

	ts := httptest.NewServer(httpHandler(hub))
	defer ts.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))

	var view viewMessage
	require.NoError(t, conn.ReadJSON(&view))
	assert.Equal(t, viewNotebook, view.Type)
	require.Len(t, view.Notebook.Blocks, 1)

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "insert", "index": 0, "content": "from ui"}))
	require.NoError(t, conn.ReadJSON(&view))
	require.Len(t, view.Notebook.Blocks, 2)
	assert.Equal(t, "from ui", view.Notebook.Blocks[1].Content)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"explode"}`)))
	var raw map[string]any
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, viewError, raw["type"])
}

func TestHub_DropsStaleNotebookViews(t *testing.T) {
	store := readyStore(t)
	older, olderVersion := store.Doc(), store.Version()
	_, err := store.Mutate("insert", func(tx *notebook.Tx) error {
		_, err := tx.InsertBlockAfter(0, notebook.BlockText, "newer", "")
		return err
	})
	require.NoError(t, err)

	hub := newHub(func(Op) error { return nil }, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.run(ctx)
	hub.Publish(notebookView(store.Doc(), store.Version()))
	hub.Publish(notebookView(older, olderVersion))

	ts := httptest.NewServer(httpHandler(hub))
	defer ts.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))

	var view viewMessage
	require.NoError(t, conn.ReadJSON(&view))
	assert.Equal(t, store.Version(), view.Version)
	assert.Len(t, view.Notebook.Blocks, 2, "a late update for an older version does not replace the view")
}
