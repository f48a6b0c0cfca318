package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/wagerbook/pkg/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS is enforced on the REST router
		return true
	},
}

// Hub maintains active WebSocket connections and fans out channel messages
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	closeOnce  sync.Once

	mu     sync.RWMutex
	logger *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's main loop. It returns after Close.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws_client_connected", zap.String("client", client.id), zap.Int("total", total))

		case client := <-h.unregister:
			h.drop(client)

		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		h.logger.Debug("ws_client_disconnected", zap.String("client", client.id), zap.Int("total", len(h.clients)))
	}
}

// BroadcastToChannel sends a message to all clients subscribed to a channel.
// It never blocks: a client with a full buffer misses the message.
func (h *Hub) BroadcastToChannel(channel, msgType string, data any) {
	message, err := json.Marshal(WSMessage{Channel: channel, Type: msgType, Data: data})
	if err != nil {
		h.logger.Warn("ws_marshal_failed", zap.String("channel", channel), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if client.IsSubscribed(channel) {
			select {
			case client.send <- message:
			default:
			}
		}
	}
}

// HandleEvent routes a domain event to its channels. It is registered on the
// app bus and runs under the app lock, so it only touches hub state.
func (h *Hub) HandleEvent(e events.Event) error {
	for _, ch := range channelsFor(e) {
		h.BroadcastToChannel(ch, string(e.Type), e)
	}
	return nil
}

// channelsFor lists the channels an event is delivered on: "events" always,
// then the game, its time control's book and every concerned account.
func channelsFor(e events.Event) []string {
	out := []string{"events"}
	if e.GameID != 0 {
		out = append(out, "games:"+strconv.FormatUint(e.GameID, 10))
	}
	if e.TimeControl != "" && e.OrderID != 0 {
		out = append(out, "orders:"+e.TimeControl)
	}
	seen := make(map[string]bool, len(e.Addresses))
	for _, addr := range e.Addresses {
		ch := "account:" + strings.ToLower(addr.Hex())
		if !seen[ch] {
			seen[ch] = true
			out = append(out, ch)
		}
	}
	return out
}

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	subscriptions map[string]bool
	subsMu        sync.RWMutex
}

func newClient(hub *Hub, conn *websocket.Conn, id string) *Client {
	return &Client{
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		id:            id,
		subscriptions: make(map[string]bool),
	}
}

func (c *Client) IsSubscribed(channel string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	return c.subscriptions[channel]
}

// Subscribe adds a channel subscription. Account channels are matched
// case-insensitively.
func (c *Client) Subscribe(channel string) {
	channel = normalizeChannel(channel)
	c.subsMu.Lock()
	c.subscriptions[channel] = true
	c.subsMu.Unlock()
	c.hub.logger.Debug("ws_subscribed", zap.String("client", c.id), zap.String("channel", channel))
}

func (c *Client) Unsubscribe(channel string) {
	channel = normalizeChannel(channel)
	c.subsMu.Lock()
	delete(c.subscriptions, channel)
	c.subsMu.Unlock()
}

func normalizeChannel(channel string) string {
	if strings.HasPrefix(channel, "account:") {
		return strings.ToLower(channel)
	}
	return channel
}

// readPump pumps subscription requests from the connection
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("ws_read_failed", zap.String("client", c.id), zap.Error(err))
			}
			break
		}

		var req WSSubscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.hub.logger.Debug("ws_invalid_message", zap.String("client", c.id), zap.Error(err))
			continue
		}

		switch req.Op {
		case "subscribe":
			for _, channel := range req.Channels {
				c.Subscribe(channel)
			}
		case "unsubscribe":
			for _, channel := range req.Channels {
				c.Unsubscribe(channel)
			}
		default:
			c.hub.logger.Debug("ws_unknown_op", zap.String("client", c.id), zap.String("op", req.Op))
		}
	}
}

// writePump pumps messages from the hub to the connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.writeBatch(message); err != nil {
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

// writeBatch writes message plus whatever is already queued as one
// newline separated frame.
func (c *Client) writeBatch(first []byte) error {
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	w.Write(first)
	for n := len(c.send); n > 0; n-- {
		w.Write([]byte{'\n'})
		w.Write(<-c.send)
	}
	return w.Close()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", zap.Error(err))
		return
	}

	client := newClient(s.hub, conn, conn.RemoteAddr().String())
	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
