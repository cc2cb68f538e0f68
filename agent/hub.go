package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

// Client is one local UI connected to /ws.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

type hubMessage struct {
	kind    string
	version uint64
	data    []byte
	to      *Client
}

// Hub fans view updates out to the UI clients and hands their ops to handle.
// The latest message of each kind is replayed to clients as they join.
// Versioned messages older than the last one of their kind are dropped.
type Hub struct {
	clients    map[*Client]bool
	latest     map[string][]byte
	versions   map[string]uint64
	broadcast  chan hubMessage
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	handle func(Op) error
	log    *slog.Logger
}

func newHub(handle func(Op) error, log *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		latest:     make(map[string][]byte),
		versions:   make(map[string]uint64),
		broadcast:  make(chan hubMessage),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		handle:     handle,
		log:        log,
	}
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				close(client.send)
			}
			return
		case client := <-h.register:
			h.clients[client] = true
			for _, msg := range h.latest {
				h.deliver(client, msg)
			}
			h.log.Debug("ui client registered", "clients", len(h.clients))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.log.Debug("ui client unregistered", "clients", len(h.clients))
			}
		case msg := <-h.broadcast:
			if msg.to != nil {
				if h.clients[msg.to] {
					h.deliver(msg.to, msg.data)
				}
				continue
			}
			if msg.version != 0 {
				if msg.version <= h.versions[msg.kind] {
					continue
				}
				h.versions[msg.kind] = msg.version
			}
			h.latest[msg.kind] = msg.data
			for client := range h.clients {
				h.deliver(client, msg.data)
			}
		}
	}
}

// deliver drops a client that is not keeping up.
func (h *Hub) deliver(client *Client, data []byte) {
	select {
	case client.send <- data:
	default:
		close(client.send)
		delete(h.clients, client)
	}
}

// Publish sends msg to every client. It returns without sending once the hub
// has stopped.
func (h *Hub) Publish(msg viewMessage) {
	h.post(msg, nil)
}

func (h *Hub) post(msg viewMessage, to *Client) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("encoding view", "type", msg.Type, "error", err)
		return
	}
	select {
	case h.broadcast <- hubMessage{kind: msg.Type, version: msg.Version, data: data, to: to}:
	case <-h.done:
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (h *Hub) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ui upgrade failed", "error", err)
		return
	}
	client := &Client{hub: h, conn: conn, send: make(chan []byte, 256)}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		op, err := decodeOp(message)
		if err == nil {
			err = c.hub.handle(op)
		}
		if err != nil {
			c.hub.log.Debug("ui op rejected", "error", err)
			c.hub.post(errorView(err), c)
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
