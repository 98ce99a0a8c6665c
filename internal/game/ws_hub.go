package game

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/crash-engine/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 64
)

// WSMessage is the envelope for every message sent to WebSocket clients.
type WSMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// WSCommand is an inbound client message.
type WSCommand struct {
	Type     string `json:"type"` // "cashout"
	Username string `json:"username"`
}

// client is one WebSocket connection with its own outbound queue.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// directMsg is a reply addressed to a single client.
type directMsg struct {
	c    *client
	data []byte
}

// Hub fans game events out to connected WebSocket clients. It implements
// engine.Publisher; Publish never blocks, and a client that cannot keep up
// is disconnected.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	direct     chan directMsg
	done       chan struct{}
	log        *slog.Logger
}

// NewHub creates a WebSocket hub. A nil logger uses slog.Default().
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		direct:     make(chan directMsg),
		done:       make(chan struct{}),
		log:        logger,
	}
}

// Run is the hub's event loop. It returns when ctx is cancelled, closing
// every client.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return nil

		case c := <-h.register:
			h.clients[c] = true
			metrics.WebSocketClients.Set(float64(len(h.clients)))
			h.log.Info("ws client connected", "total", len(h.clients))

		case c := <-h.unregister:
			if h.clients[c] {
				h.drop(c)
			}

		case m := <-h.direct:
			if h.clients[m.c] {
				h.deliver(m.c, m.data)
			}

		case msg := <-h.broadcast:
			for c := range h.clients {
				h.deliver(c, msg)
			}
		}
	}
}

func (h *Hub) deliver(c *client, msg []byte) {
	select {
	case c.send <- msg:
	default:
		h.log.Warn("ws client too slow, disconnecting")
		h.drop(c)
	}
}

func (h *Hub) drop(c *client) {
	delete(h.clients, c)
	close(c.send)
	metrics.WebSocketClients.Set(float64(len(h.clients)))
}

// Publish broadcasts an event to all connected clients.
func (h *Hub) Publish(event string, payload any) {
	data, err := json.Marshal(WSMessage{Type: event, Data: payload})
	if err != nil {
		h.log.Error("ws marshal failed", "event", event, "err", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full to avoid blocking the round loop.
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// serve registers conn and starts its pumps. Each inbound message is passed
// to handle; a non-nil reply goes back to that client only.
func (h *Hub) serve(conn *websocket.Conn, handle func([]byte) *WSMessage) {
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c, handle)
}

// readPump reads commands and detects disconnects.
func (h *Hub) readPump(c *client, handle func([]byte) *WSMessage) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		reply := handle(msg)
		if reply == nil {
			continue
		}
		data, err := json.Marshal(reply)
		if err != nil {
			continue
		}
		// The hub owns c.send; route the reply through it.
		select {
		case h.direct <- directMsg{c: c, data: data}:
		case <-h.done:
			return
		}
	}
}

// writePump is the only writer on the connection. Pings keep the
// connection alive through proxies.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws. Clients
// receive every game event and may send {"type":"cashout","username":...}.
func (s *Service) HandleWS(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, "websocket transport disabled", http.StatusNotFound)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("ws upgrade failed", "err", err)
		return
	}
	s.hub.serve(conn, s.handleCommand)
}

// handleCommand executes one inbound WebSocket command.
func (s *Service) handleCommand(raw []byte) *WSMessage {
	var cmd WSCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return &WSMessage{Type: "error", Data: map[string]string{"error": "invalid message"}}
	}

	switch cmd.Type {
	case "cashout":
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		resp, err := s.cashout(ctx, cmd.Username)
		if err != nil {
			if statusFor(err) == http.StatusInternalServerError {
				s.log.Error("ws cashout failed", "player", cmd.Username, "err", err)
			}
			return &WSMessage{Type: "error", Data: map[string]string{"error": err.Error()}}
		}
		return &WSMessage{Type: "cashout_result", Data: resp}
	default:
		return &WSMessage{Type: "error", Data: map[string]string{"error": "unknown command " + cmd.Type}}
	}
}
