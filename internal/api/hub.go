package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	// observerQueueSize bounds the per-observer send queue. A slow
	// observer gets drops, never back-pressure into the call path.
	observerQueueSize = 64

	writeTimeout = 5 * time.Second
)

// Hub fans call events out to connected WebSocket observers.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// statusFn supplies the initial status payload sent on connect.
	// Set before the first connection.
	statusFn func() map[string]any

	mu        sync.RWMutex
	observers map[*observer]struct{}
	closed    bool

	warnLimiter *rate.Limiter
}

type observer struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

// NewHub returns an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger.With("component", "hub"),
		upgrader: websocket.Upgrader{
			// The control plane binds to a private interface; origin
			// checks would only break local dashboards.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		observers:   make(map[*observer]struct{}),
		warnLimiter: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
}

// SetStatusFunc registers the provider for the initial status message.
func (h *Hub) SetStatusFunc(fn func() map[string]any) {
	h.statusFn = fn
}

// ServeWS upgrades the request and registers the connection as an
// observer until it disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	obs := &observer{conn: conn, send: make(chan []byte, observerQueueSize)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.observers[obs] = struct{}{}
	n := len(h.observers)
	h.mu.Unlock()
	h.logger.Info("observer connected", "observers", n)

	if h.statusFn != nil {
		if data, err := marshalMessage("status", h.statusFn()); err == nil {
			obs.enqueue(data)
		}
	}

	go h.writePump(obs)
	h.readPump(obs)
}

// readPump discards inbound frames; its only job is noticing the close.
func (h *Hub) readPump(obs *observer) {
	defer h.drop(obs)
	for {
		if _, _, err := obs.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(obs *observer) {
	defer h.drop(obs)
	for data := range obs.send {
		obs.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := obs.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	// Hub shutdown closed the queue; say goodbye properly.
	obs.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	obs.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
}

func (h *Hub) drop(obs *observer) {
	h.mu.Lock()
	_, present := h.observers[obs]
	delete(h.observers, obs)
	n := len(h.observers)
	h.mu.Unlock()

	obs.once.Do(func() { close(obs.send) })
	obs.conn.Close()
	if present {
		h.logger.Info("observer disconnected", "observers", n)
	}
}

// enqueue delivers best-effort: full queue means the frame is dropped.
func (obs *observer) enqueue(data []byte) bool {
	defer func() { recover() }() // send on closed queue loses the frame, nothing else
	select {
	case obs.send <- data:
		return true
	default:
		return false
	}
}

func marshalMessage(msgType string, fields map[string]any) ([]byte, error) {
	msg := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		msg[k] = v
	}
	msg["type"] = msgType
	msg["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	return json.Marshal(msg)
}

// Broadcast sends one typed message to every connected observer. Slow
// observers lose the message; producers never block here.
func (h *Hub) Broadcast(msgType string, fields map[string]any) {
	data, err := marshalMessage(msgType, fields)
	if err != nil {
		h.logger.Error("marshalling broadcast", "type", msgType, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*observer, 0, len(h.observers))
	for obs := range h.observers {
		targets = append(targets, obs)
	}
	h.mu.RUnlock()

	dropped := 0
	for _, obs := range targets {
		if !obs.enqueue(data) {
			dropped++
		}
	}
	if dropped > 0 && h.warnLimiter.Allow() {
		h.logger.Warn("dropping broadcast for slow observers",
			"type", msgType, "dropped", dropped)
	}
}

// Observers returns the current connection count.
func (h *Hub) Observers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// Shutdown stops accepting observers and drains the connected ones,
// waiting at most until ctx expires.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	h.closed = true
	targets := make([]*observer, 0, len(h.observers))
	for obs := range h.observers {
		targets = append(targets, obs)
	}
	h.mu.Unlock()

	for _, obs := range targets {
		obs.once.Do(func() { close(obs.send) })
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if h.Observers() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			for _, obs := range targets {
				obs.conn.Close()
			}
			return
		case <-ticker.C:
		}
	}
}
