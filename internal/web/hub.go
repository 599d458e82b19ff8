package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"chain-registry-go/internal/logging"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WSEvent 定义推送给管理端的消息结构
type WSEvent struct {
	ID   string      `json:"id"`
	Type string      `json:"type"` // "chain_sync_success" / "chain_sync_problem"
	Time time.Time   `json:"time"`
	Data interface{} `json:"data"`
}

func NewEvent(eventType string, data interface{}) WSEvent {
	return WSEvent{
		ID:   uuid.NewString(),
		Type: eventType,
		Time: time.Now().UTC(),
		Data: data,
	}
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 30 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// Client 代表一个连接的订阅者
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub 负责维护活跃连接和广播消息。clients 只在 Run 的 goroutine 里访问
type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	upgrader   websocket.Upgrader
	logger     *slog.Logger

	connected atomic.Int32
}

// NewHub accepts browser connections only from allowedOrigins (substring
// match) and localhost. Non-browser clients send no Origin and are allowed.
func NewHub(allowedOrigins []string) *Hub {
	h := &Hub{
		broadcast:  make(chan []byte, 1024),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
		logger:     logging.Logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return h.originAllowed(r.Header.Get("Origin"), allowedOrigins) },
	}
	return h
}

func (h *Hub) originAllowed(origin string, allowed []string) bool {
	if origin == "" || strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1") {
		return true
	}
	for _, a := range allowed {
		if a != "" && strings.Contains(origin, a) {
			return true
		}
	}
	h.logger.Warn("ws_origin_blocked", slog.String("origin", origin))
	return false
}

// ClientCount returns the number of registered subscribers.
func (h *Hub) ClientCount() int {
	return int(h.connected.Load())
}

// Run owns the subscriber set until ctx is done; afterwards every
// subscriber is closed and new connections are refused.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket_hub_started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("websocket_hub_stopping")
			for c := range h.clients {
				h.dropClient(c, "")
			}
			return
		case c := <-h.register:
			h.addClient(c)
		case c := <-h.unregister:
			h.dropClient(c, "ws_client_disconnected")
		case message := <-h.broadcast:
			h.fanOut(message)
		}
	}
}

func (h *Hub) addClient(c *Client) {
	h.clients[c] = struct{}{}
	h.connected.Store(int32(len(h.clients)))
	h.logger.Info("ws_client_connected", slog.Int("total_clients", len(h.clients)))
}

// dropClient closes c's queue once; reason is logged when set.
func (h *Hub) dropClient(c *Client, reason string) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.connected.Store(int32(len(h.clients)))
	if reason != "" {
		h.logger.Info(reason, slog.Int("total_clients", len(h.clients)))
	}
}

// fanOut 慢订阅者直接踢掉，不拖住其他人
func (h *Hub) fanOut(message []byte) {
	for c := range h.clients {
		select {
		case c.send <- message:
		default:
			h.dropClient(c, "ws_client_too_slow")
		}
	}
}

// Broadcast encodes event once and queues it without blocking; when the
// hub is backed up the event is dropped.
func (h *Hub) Broadcast(event interface{}) {
	message, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("ws_json_marshal_error", slog.String("error", err.Error()))
		return
	}
	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("ws_hub_blocked_dropping_message")
	}
}

// HandleWS upgrades the request and attaches the subscriber to the hub.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws_upgrade_failed", slog.String("error", err.Error()))
		return
	}
	c := &Client{hub: h, conn: conn, send: make(chan []byte, 256)}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump 只处理心跳；订阅者不发送业务消息
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	extend := func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) }
	_ = extend("")
	c.conn.SetPongHandler(extend)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump drains send and keeps the connection alive with pings. A
// closed send queue ends the connection with a close frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.conn.Close()

	write := func(kind int, payload []byte) error {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return c.conn.WriteMessage(kind, payload)
	}
	for {
		var err error
		select {
		case message, ok := <-c.send:
			if !ok {
				_ = write(websocket.CloseMessage, []byte{})
				return
			}
			err = write(websocket.TextMessage, message)
		case <-ticker.C:
			err = write(websocket.PingMessage, nil)
		}
		if err != nil {
			c.hub.logger.Debug("ws_write_error", slog.String("error", err.Error()))
			return
		}
	}
}
