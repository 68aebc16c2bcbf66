package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xtrntr/p2pexchange/internal/metrics"
)

// SnapshotFunc produces the periodic state pushed to every client
type SnapshotFunc func(ctx context.Context) (any, error)

const (
	writeWait  = 5 * time.Second
	pingPeriod = 30 * time.Second
	// frames queued per client before it is considered stalled
	sendBuffer = 64
)

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// writePump drains the send queue until the hub closes it
func (c *wsClient) writePump(h *Hub) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.log.Debug("failed to send message", zap.Error(err))
				h.remove(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

// message is the frame sent to websocket clients
type message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub keeps the set of connected websocket clients
type Hub struct {
	upgrader websocket.Upgrader
	log      *zap.Logger
	snapshot SnapshotFunc

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

// NewHub creates a hub. snapshot may be nil.
func NewHub(log *zap.Logger, snapshot SnapshotFunc) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // origin is enforced by the CORS layer
			},
		},
		log:      log,
		snapshot: snapshot,
		clients:  make(map[*wsClient]struct{}),
	}
}

// ServeHTTP upgrades the connection and keeps it registered until the peer
// goes away
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	go client.writePump(h)

	// Send initial snapshot
	if data := h.snapshotFrame(r.Context()); data != nil {
		h.mu.RLock()
		h.enqueue(client, data)
		h.mu.RUnlock()
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.remove(client)
			return
		}
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish pushes ev to every connected client
func (h *Hub) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(message{Type: string(ev.Type), Data: ev})
	if err != nil {
		return err
	}
	h.broadcast(data)
	metrics.EventsPublished.WithLabelValues("websocket").Inc()
	return nil
}

// Run pushes a fresh snapshot every interval until ctx is done
func (h *Hub) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			if h.Clients() == 0 {
				continue
			}
			if data := h.snapshotFrame(ctx); data != nil {
				h.broadcast(data)
			}
		}
	}
}

func (h *Hub) snapshotFrame(ctx context.Context) []byte {
	if h.snapshot == nil {
		return nil
	}
	snap, err := h.snapshot(ctx)
	if err != nil {
		h.log.Error("failed to build snapshot", zap.Error(err))
		return nil
	}
	data, err := json.Marshal(message{Type: "snapshot", Data: snap})
	if err != nil {
		h.log.Error("failed to marshal snapshot", zap.Error(err))
		return nil
	}
	return data
}

// broadcast queues data for every client without waiting on the network.
// Clients whose queue is full are disconnected.
func (h *Hub) broadcast(data []byte) {
	h.mu.RLock()
	var stalled []*wsClient
	for client := range h.clients {
		if !h.enqueue(client, data) {
			stalled = append(stalled, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range stalled {
		h.log.Warn("dropping stalled websocket client", zap.String("remote", client.conn.RemoteAddr().String()))
		h.remove(client)
	}
}

// enqueue must be called with h.mu held
func (h *Hub) enqueue(client *wsClient, data []byte) bool {
	if _, ok := h.clients[client]; !ok {
		return true
	}
	select {
	case client.send <- data:
		return true
	default:
		return false
	}
}

// remove unregisters client and closes its queue; the writer then closes the
// connection, which ends the read loop
func (h *Hub) remove(client *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
}
