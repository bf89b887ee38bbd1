package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hazyhaar/phl/patternwatch/results"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsQueue      = 16
)

// MessageFunc answers one inbound WebSocket message for a page.
type MessageFunc func(ctx context.Context, pageID string, payload []byte) ([]byte, error)

// Hub pushes reports to WebSocket subscribers. A subscriber connecting with
// ?page=<id> only receives that page's reports. Subscribers that fall
// behind are disconnected.
type Hub struct {
	upgrader  websocket.Upgrader
	onMessage MessageFunc
	logger    *slog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

type wsClient struct {
	conn   *websocket.Conn
	page   string
	send   chan []byte
	closed sync.Once
}

// NewHub creates a Hub. onMessage may be nil, in which case inbound
// messages are ignored.
func NewHub(onMessage MessageFunc, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		onMessage: onMessage,
		logger:    logger,
		clients:   make(map[*wsClient]struct{}),
	}
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and registers the subscriber.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket: upgrade failed", "error", err)
		return
	}
	c := &wsClient{conn: conn, page: r.URL.Query().Get("page"), send: make(chan []byte, wsQueue)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket: subscriber connected", "page", c.page, "remote", r.RemoteAddr)

	go h.writeLoop(c)
	h.readLoop(context.WithoutCancel(r.Context()), c)
}

// Send queues rep for every matching subscriber.
func (h *Hub) Send(_ context.Context, rep results.Report) error {
	msg, err := json.Marshal(reportEnvelope(rep))
	if err != nil {
		return fmt.Errorf("websocket: marshal: %w", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.page != "" && c.page != rep.PageID {
			continue
		}
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("websocket: subscriber too slow, dropping", "page", c.page)
			h.dropLocked(c)
		}
	}
	return nil
}

// Close disconnects every subscriber.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.dropLocked(c)
	}
	return nil
}

func (h *Hub) drop(c *wsClient) {
	h.mu.Lock()
	h.dropLocked(c)
	h.mu.Unlock()
}

func (h *Hub) dropLocked(c *wsClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	c.closed.Do(func() { close(c.send) })
}

func (h *Hub) readLoop(ctx context.Context, c *wsClient) {
	defer func() {
		h.drop(c)
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if h.onMessage == nil {
			continue
		}
		reply, err := h.onMessage(ctx, c.page, payload)
		if err != nil {
			reply, _ = json.Marshal(map[string]string{"error": err.Error()})
		}
		h.mu.Lock()
		if _, ok := h.clients[c]; ok {
			select {
			case c.send <- reply:
			default:
			}
		}
		h.mu.Unlock()
	}
}

func (h *Hub) writeLoop(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
