package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const testTimeout = 2 * time.Second

// dialTestConn spins up a minimal echo-less upgrade server and dials it,
// giving the test a real *websocket.Conn without wiring a full Hub.
func dialTestConn(t *testing.T) *websocket.Conn {
	t.Helper()
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				c.Close()
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	cl, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cl.Close() })
	return cl
}

func dialHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	cl, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cl.Close() })
	return cl
}

func readMsg(t *testing.T, c *websocket.Conn) Msg {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(testTimeout))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("expected a message, got error: %v", err)
	}
	var m Msg
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("bad message envelope: %v", err)
	}
	return m
}

func TestSubscribeSendsGreetingSnapshot(t *testing.T) {
	snap := func(channel, key string) (any, bool) {
		if channel == "orderbook" && key == "BTC/USD" {
			return map[string]any{"bids": []any{}}, true
		}
		return nil, false
	}
	h := NewHub(16, snap, zerolog.Nop())
	cl := dialHub(t, h)

	if err := cl.WriteJSON(map[string]string{"action": "subscribe", "channel": "orderbook", "key": "BTC/USD"}); err != nil {
		t.Fatal(err)
	}

	m := readMsg(t, cl)
	if m.Type != "orderbook.snapshot" || m.Room != "orderbook:BTC/USD" {
		t.Fatalf("expected an orderbook.snapshot greeting, got %+v", m)
	}
}

func TestSubscribeWithNoSnapshotDataSendsNothing(t *testing.T) {
	snap := func(channel, key string) (any, bool) { return nil, false }
	h := NewHub(16, snap, zerolog.Nop())
	cl := dialHub(t, h)

	if err := cl.WriteJSON(map[string]string{"action": "subscribe", "channel": "trades", "key": "BTC/USD"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond) // let the subscribe land before publishing

	// No snapshot available: publishing is the only way a message should arrive.
	h.Publish("trades", "BTC/USD", map[string]any{"trade_id": "t1"})
	m := readMsg(t, cl)
	if m.Type != "trades" {
		t.Fatalf("expected the publish to be the first message received, got %+v", m)
	}
}

func TestPublishDeliversOnlyToSubscribersOfThatRoom(t *testing.T) {
	h := NewHub(16, nil, zerolog.Nop())
	subBTC := dialHub(t, h)
	subETH := dialHub(t, h)

	if err := subBTC.WriteJSON(map[string]string{"action": "subscribe", "channel": "trades", "key": "BTC/USD"}); err != nil {
		t.Fatal(err)
	}
	if err := subETH.WriteJSON(map[string]string{"action": "subscribe", "channel": "trades", "key": "ETH/USD"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond) // let both subscribes land before publishing

	h.Publish("trades", "BTC/USD", map[string]any{"trade_id": "t1"})

	m := readMsg(t, subBTC)
	if m.Room != "trades:BTC/USD" {
		t.Fatalf("expected the BTC/USD subscriber to receive the trade, got %+v", m)
	}

	subETH.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := subETH.ReadMessage(); err == nil {
		t.Fatal("expected the ETH/USD subscriber to receive nothing")
	}
}

func TestUnsubscribeStopsFurtherDelivery(t *testing.T) {
	h := NewHub(16, nil, zerolog.Nop())
	cl := dialHub(t, h)

	if err := cl.WriteJSON(map[string]string{"action": "subscribe", "channel": "trades", "key": "BTC/USD"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := cl.WriteJSON(map[string]string{"action": "unsubscribe"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	h.Publish("trades", "BTC/USD", map[string]any{"trade_id": "t1"})

	cl.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := cl.ReadMessage(); err == nil {
		t.Fatal("expected no message after unsubscribing")
	}
}

func TestDisconnectSlowConsumerRemovesSubscriberFromHubState(t *testing.T) {
	wsConn := dialTestConn(t)

	h := NewHub(1, nil, zerolog.Nop())
	c := &conn{ws: wsConn, send: make(chan []byte, 1), hub: h, room: "trades:BTC/USD"}
	h.mu.Lock()
	h.allConn[c] = true
	h.rooms[c.room] = map[*conn]bool{c: true}
	c.send <- []byte("pending") // pre-fill so the next publish finds the queue full
	h.mu.Unlock()

	h.Publish("trades", "BTC/USD", map[string]any{"trade_id": "t1"})

	h.mu.RLock()
	_, roomStillExists := h.rooms["trades:BTC/USD"]
	_, connStillTracked := h.allConn[c]
	h.mu.RUnlock()
	if roomStillExists || connStillTracked {
		t.Fatal("expected the slow consumer to be fully removed from hub state")
	}
}
