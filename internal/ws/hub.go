// Package ws is the Event Bus (SPEC_FULL.md §4.5 / spec.md §4.5):
// pub/sub fan-out over WebSocket connections with bounded per-subscriber
// queues. Generalizes the teacher's internal/ws/hub.go Hub/conn/
// room-per-market model into channel-family rooms ("orderbook:BTC/USD",
// "trades:BTC/USD", "balance:alice") with a greeting snapshot sent at
// subscribe time and a counted SLOW_CONSUMER disconnect in place of the
// teacher's silent drop-on-full-buffer.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Msg is an envelope sent to clients. Room is "channel:key", e.g.
// "orderbook:BTC/USD".
type Msg struct {
	Type string `json:"type"`
	Room string `json:"room"`
	Data any    `json:"data"`
}

// SnapshotFunc produces the greeting payload sent to a connection the
// instant it subscribes to a room, so a client never waits for the next
// publish to see current state (spec.md §4.5's subscribe-then-snapshot
// requirement; the teacher's Hub sends nothing until the next Publish).
type SnapshotFunc func(channel, key string) (any, bool)

// defaultQueueDepth is the bounded per-subscriber send buffer
// (SPEC_FULL.md §6 subscriber_queue_depth). A full buffer disconnects the
// subscriber with SLOW_CONSUMER rather than silently dropping messages,
// since a silently dropped orderbook delta would desync a client's local
// book forever.
const defaultQueueDepth = 256

// Hub manages channel-family subscriptions across every pair/party.
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]map[*conn]bool // "channel:key" -> set of conns
	allConn  map[*conn]bool
	depth    int
	snapshot SnapshotFunc
	log      zerolog.Logger
}

func NewHub(depth int, snapshot SnapshotFunc, log zerolog.Logger) *Hub {
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	return &Hub{
		rooms:    make(map[string]map[*conn]bool),
		allConn:  make(map[*conn]bool),
		depth:    depth,
		snapshot: snapshot,
		log:      log.With().Str("component", "ws").Logger(),
	}
}

func roomKey(channel, key string) string { return channel + ":" + key }

// Publish sends data to every subscriber of channel:key. A subscriber
// whose queue is already full is disconnected with SLOW_CONSUMER instead
// of having the message dropped silently.
func (h *Hub) Publish(channel, key string, data any) {
	msg := Msg{Type: channel, Room: roomKey(channel, key), Data: data}
	b, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Str("channel", channel).Msg("marshal failed, dropping publish")
		return
	}
	h.mu.RLock()
	room := h.rooms[roomKey(channel, key)]
	subs := make([]*conn, 0, len(room))
	for c := range room {
		subs = append(subs, c)
	}
	h.mu.RUnlock()

	for _, c := range subs {
		select {
		case c.send <- b:
		default:
			h.disconnectSlowConsumer(c)
		}
	}
}

func (h *Hub) disconnectSlowConsumer(c *conn) {
	h.log.Warn().Str("room", c.room).Msg("SLOW_CONSUMER: disconnecting subscriber")
	closeMsg, _ := json.Marshal(Msg{Type: "SLOW_CONSUMER", Room: c.room})
	select {
	case c.send <- closeMsg:
	default:
	}
	h.removeConn(c)
	c.ws.Close()
}

// HandleWS is the HTTP handler for WebSocket upgrades.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("upgrade failed")
		return
	}
	c := &conn{ws: wsConn, send: make(chan []byte, h.depth), hub: h}
	h.mu.Lock()
	h.allConn[c] = true
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

type conn struct {
	ws   *websocket.Conn
	send chan []byte
	hub  *Hub
	room string // "channel:key" this conn is currently subscribed to
}

func (c *conn) readPump() {
	defer func() {
		c.hub.removeConn(c)
		c.ws.Close()
	}()
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var sub struct {
			Action  string `json:"action"`
			Channel string `json:"channel"`
			Key     string `json:"key"`
		}
		if err := json.Unmarshal(msg, &sub); err != nil {
			continue
		}
		switch sub.Action {
		case "subscribe":
			c.hub.subscribe(c, sub.Channel, sub.Key)
		case "unsubscribe":
			c.hub.unsubscribe(c)
		}
	}
}

func (c *conn) writePump() {
	defer c.ws.Close()
	for msg := range c.send {
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (h *Hub) subscribe(c *conn, channel, key string) {
	h.mu.Lock()
	room := roomKey(channel, key)
	if c.room != "" {
		h.leaveLocked(c)
	}
	c.room = room
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*conn]bool)
	}
	h.rooms[room][c] = true
	h.mu.Unlock()

	if h.snapshot == nil {
		return
	}
	if data, ok := h.snapshot(channel, key); ok {
		b, err := json.Marshal(Msg{Type: channel + ".snapshot", Room: room, Data: data})
		if err == nil {
			select {
			case c.send <- b:
			default:
			}
		}
	}
}

func (h *Hub) unsubscribe(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c)
}

// leaveLocked removes c from its current room. Caller must hold h.mu.
func (h *Hub) leaveLocked(c *conn) {
	if c.room == "" {
		return
	}
	if room, ok := h.rooms[c.room]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, c.room)
		}
	}
	c.room = ""
}

func (h *Hub) removeConn(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.allConn[c]; !ok {
		return
	}
	delete(h.allConn, c)
	h.leaveLocked(c)
	close(c.send)
}
