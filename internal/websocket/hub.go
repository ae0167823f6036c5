package websocket

import (
	"sync"

	"github.com/Dancode-188/padsync/internal/metrics"
	"github.com/rs/zerolog"
)

// Hub keeps the registry of open connections. Message handling happens on
// each connection's read goroutine; the hub only tracks membership.
type Hub struct {
	connections map[string]*Connection
	mu          sync.RWMutex

	metrics *metrics.Metrics
	log     zerolog.Logger

	Register   chan *Connection
	Unregister chan *Connection
	done       chan struct{}
	stopOnce   sync.Once
}

// NewHub creates a new Hub
func NewHub(m *metrics.Metrics, logger zerolog.Logger) *Hub {
	return &Hub{
		connections: make(map[string]*Connection),
		metrics:     m,
		log:         logger.With().Str("component", "hub").Logger(),
		Register:    make(chan *Connection),
		Unregister:  make(chan *Connection),
		done:        make(chan struct{}),
	}
}

// Run handles registration until Stop is called
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.Register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			count := len(h.connections)
			h.mu.Unlock()
			if h.metrics != nil {
				h.metrics.ConnectionsActive.Inc()
			}
			h.log.Debug().Str("conn", conn.ID).Int("connections", count).Msg("connection registered")

		case conn := <-h.Unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn.ID]; ok {
				delete(h.connections, conn.ID)
				conn.closeSend()
				if h.metrics != nil {
					h.metrics.ConnectionsActive.Dec()
				}
			}
			h.mu.Unlock()

		case <-h.done:
			return
		}
	}
}

// Add registers conn, or returns false once the hub has stopped
func (h *Hub) Add(conn *Connection) bool {
	select {
	case h.Register <- conn:
		return true
	case <-h.done:
		return false
	}
}

// Remove unregisters conn and closes its send queue
func (h *Hub) Remove(conn *Connection) {
	select {
	case h.Unregister <- conn:
	case <-h.done:
		conn.closeSend()
	}
}

// Count returns the number of registered connections
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// Stop ends Run and closes every connection's send queue
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		for id, conn := range h.connections {
			conn.closeSend()
			delete(h.connections, id)
		}
		h.mu.Unlock()
	})
}
