package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/colorfulnotion/settle/engine"
	"github.com/colorfulnotion/settle/log"
	"github.com/colorfulnotion/settle/types"
	"github.com/gorilla/websocket"
)

const (
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// SubscriptionRequest narrows the feed for one client. Empty fields match
// everything; a client with no subscription receives every event.
type SubscriptionRequest struct {
	Method  string   `json:"method"`
	Events  []string `json:"events,omitempty"`
	TxID    string   `json:"txId,omitempty"`
	BatchID string   `json:"batchId,omitempty"`
}

func (s *SubscriptionRequest) matches(ev engine.Event) bool {
	if len(s.Events) > 0 {
		found := false
		for _, typ := range s.Events {
			if typ == ev.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if s.TxID != "" && s.TxID != ev.TxID {
		return false
	}
	if s.BatchID != "" && s.BatchID != ev.BatchID {
		return false
	}
	return true
}

// Hub manages client registration and broadcasting
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan engine.Event
	ctx        context.Context
}

func newHub(ctx context.Context) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan engine.Event, sendBuffer),
		ctx:        ctx,
	}
}

func (h *Hub) publish(ev engine.Event) {
	select {
	case h.broadcast <- ev:
	case <-h.ctx.Done():
	}
}

func (h *Hub) run(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			for client := range h.clients {
				close(client.send)
			}
			return

		case client := <-h.register:
			h.clients[client] = true

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}

		case ev := <-h.broadcast:
			data, err := json.Marshal(types.WSPayload{Method: ev.Type, Result: ev})
			if err != nil {
				log.Warn(log.RPC, "Hub: marshal event", "event", ev.Type, "err", err)
				continue
			}
			for client := range h.clients {
				if !client.wants(ev) {
					continue
				}
				select {
				case client.send <- data:
				default:
					// slow consumer
					close(client.send)
					delete(h.clients, client)
				}
			}
		}
	}
}

type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu            sync.RWMutex
	subscriptions []*SubscriptionRequest
}

func (c *Client) wants(ev engine.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.subscriptions) == 0 {
		return true
	}
	for _, sub := range c.subscriptions {
		if sub.matches(ev) {
			return true
		}
	}
	return false
}

func (c *Client) addSubscription(req *SubscriptionRequest) {
	log.Debug(log.RPC, "addSubscription", "events", req.Events, "tx", req.TxID, "batch", req.BatchID)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions = append(c.subscriptions, req)
}

func (c *Client) clearSubscriptions() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions = nil
}

// readPump handles WebSocket reads and subscription management
func (c *Client) readPump(wg *sync.WaitGroup) {
	defer wg.Done()
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Trace(log.RPC, "WebSocket close error", "err", err)
			}
			return
		}
		var req SubscriptionRequest
		if err := json.Unmarshal(message, &req); err != nil {
			log.Warn(log.RPC, "Invalid subscription message", "err", err)
			continue
		}
		switch req.Method {
		case MethodSubscribe:
			c.addSubscription(&req)
		case MethodUnsubscribe:
			c.clearSubscriptions()
		default:
			log.Warn(log.RPC, "Unknown subscription method", "method", req.Method)
			continue
		}
		c.sendData(mustJSON(types.WSPayload{Method: req.Method, Result: "ok"}))
	}
}

func (c *Client) sendData(data []byte) {
	defer func() {
		// send is closed once the hub drops the client
		recover()
	}()
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) writePump(wg *sync.WaitGroup) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		wg.Done()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func serveWs(hub *Hub, w http.ResponseWriter, r *http.Request, wg *sync.WaitGroup) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error(log.RPC, "serveWs Upgrade error", "err", err)
		return
	}
	client := &Client{hub: hub, conn: conn, send: make(chan []byte, sendBuffer)}
	select {
	case hub.register <- client:
	case <-hub.ctx.Done():
		conn.Close()
		return
	}

	wg.Add(2)
	go client.writePump(wg)
	go client.readPump(wg)
}

func mustJSON(v interface{}) []byte {
	data, _ := json.Marshal(v)
	return data
}
