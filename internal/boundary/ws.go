package boundary

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ps-research/M-Heath-Annotator/internal/store"
	"github.com/ps-research/M-Heath-Annotator/internal/sysinfo"
)

// SnapshotInterval is the fixed push cadence of the status stream.
const SnapshotInterval = 2 * time.Second

// StateFrame is one WebSocket message: the full fleet state. The
// stream always pushes full snapshots — a delta protocol was
// considered and rejected, the payload is a few KB at fleet scale and
// full frames keep reconnecting clients trivially correct.
type StateFrame struct {
	Type      string               `json:"type"` // "snapshot"
	Timestamp string               `json:"timestamp"`
	Workers   []store.WorkerStatus `json:"workers"`
	Overview  store.SystemOverview `json:"overview"`
	Host      sysinfo.HostSnapshot `json:"host"`
}

// statusSource is what the hub needs from the supervisor.
type statusSource interface {
	GetAllStatuses() ([]store.WorkerStatus, error)
}

// Hub owns the set of connected WebSocket clients and the single
// broadcast ticker feeding them.
type Hub struct {
	source   statusSource
	store    *store.Store
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*wsClient
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan StateFrame
}

func NewHub(source statusSource, st *store.Store) *Hub {
	return &Hub{
		source: source,
		store:  st,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The façade trusts its caller; origin checking is a
			// deployment concern alongside auth.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*wsClient),
	}
}

// Run pushes a snapshot to every client at SnapshotInterval until done
// is closed. Slow clients skip frames rather than stalling the ticker.
func (h *Hub) Run(done <-chan struct{}) {
	ticker := time.NewTicker(SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			h.closeAll()
			return
		case <-ticker.C:
			h.mu.Lock()
			n := len(h.clients)
			h.mu.Unlock()
			if n == 0 {
				continue
			}
			frame, err := h.buildFrame()
			if err != nil {
				log.Printf("[facade] snapshot build failed: %v", err)
				continue
			}
			h.broadcast(frame)
		}
	}
}

func (h *Hub) buildFrame() (StateFrame, error) {
	workers, err := h.source.GetAllStatuses()
	if err != nil {
		return StateFrame{}, err
	}
	overview, err := h.store.SystemOverview()
	if err != nil {
		return StateFrame{}, err
	}
	return StateFrame{
		Type:      "snapshot",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Workers:   workers,
		Overview:  overview,
		Host:      sysinfo.Host(),
	}, nil
}

func (h *Hub) broadcast(frame StateFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		select {
		case c.send <- frame:
		default: // client is behind; drop this frame for it
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		close(c.send)
		delete(h.clients, id)
	}
}

// ServeWS upgrades the connection, sends an immediate full snapshot,
// then streams ticker frames until the client goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, _ Params) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[facade] ws upgrade failed: %v", err)
		return
	}

	c := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan StateFrame, 4),
	}

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	log.Printf("[facade] ws client %s connected from %s", c.id, r.RemoteAddr)

	// Snapshot-on-connect, outside the ticker cadence.
	if frame, err := h.buildFrame(); err == nil {
		_ = conn.WriteJSON(frame)
	}

	go c.writePump(h)
	go c.readPump(h)
}

func (c *wsClient) writePump(h *Hub) {
	for frame := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteJSON(frame); err != nil {
			h.drop(c.id)
			return
		}
	}
	c.conn.Close()
}

// readPump exists only to notice a closed connection; inbound
// messages carry no commands (control goes through REST).
func (c *wsClient) readPump(h *Hub) {
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.drop(c.id)
			return
		}
	}
}

func (h *Hub) drop(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[id]; ok {
		delete(h.clients, id)
		close(c.send)
		c.conn.Close()
		log.Printf("[facade] ws client %s disconnected", id)
	}
}
