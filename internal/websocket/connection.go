package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Dancode-188/padsync/internal/metrics"
	"github.com/Dancode-188/padsync/internal/protocol"
	"github.com/Dancode-188/padsync/internal/security"
	"github.com/Dancode-188/padsync/internal/session"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// DefaultSendQueueSize bounds a connection's outbound queue
	DefaultSendQueueSize = 256
)

var (
	ErrSendQueueFull    = errors.New("send queue is full")
	ErrConnectionClosed = errors.New("connection closed")
)

// Connection is one websocket client. It holds at most one editing session
// at a time and its send channel is that session's delivery queue.
type Connection struct {
	ID          string
	ClientIP    string
	ConnectedAt time.Time

	ws       *websocket.Conn
	send     chan []byte
	hub      *Hub
	manager  *session.Manager
	security *security.Manager
	metrics  *metrics.Metrics
	log      zerolog.Logger

	mu        sync.Mutex
	closed    bool
	sessionID string
	document  string
}

// Options wires a connection to the rest of the server
type Options struct {
	ClientIP      string
	SendQueueSize int
	Manager       *session.Manager
	Security      *security.Manager
	Metrics       *metrics.Metrics
	Logger        zerolog.Logger
}

// NewConnection creates a new connection
func NewConnection(id string, ws *websocket.Conn, hub *Hub, opts Options) *Connection {
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = DefaultSendQueueSize
	}
	return &Connection{
		ID:          id,
		ClientIP:    opts.ClientIP,
		ConnectedAt: time.Now().UTC(),
		ws:          ws,
		send:        make(chan []byte, opts.SendQueueSize),
		hub:         hub,
		manager:     opts.Manager,
		security:    opts.Security,
		metrics:     opts.Metrics,
		log:         opts.Logger.With().Str("conn", id).Str("ip", opts.ClientIP).Logger(),
	}
}

// SendMessage queues a message for the client without blocking
func (c *Connection) SendMessage(messageType string, payload interface{}) error {
	data, err := protocol.EncodeMessage(messageType, payload, time.Now().UnixMilli())
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}

	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// SendError sends an error message
func (c *Connection) SendError(errorMsg, errorCode string) error {
	return c.SendMessage(protocol.TypeError, protocol.ErrorPayload{
		Error: errorMsg,
		Code:  errorCode,
	})
}

// Deliver queues a session event. It is called with the document's
// admission lock held and never blocks.
func (c *Connection) Deliver(ev session.Event) error {
	messageType, payload := eventMessage(ev)
	return c.SendMessage(messageType, payload)
}

// Evict is called after the session was dropped for falling behind. The
// client is told to resync and the socket is closed once the queue drains.
func (c *Connection) Evict(reason error) {
	c.log.Warn().Err(reason).Msg("session evicted")
	c.SendError(reason.Error(), protocol.CodeResyncRequired)
	c.closeSend()
}

// Session returns the attached session ID and document, if any
func (c *Connection) Session() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID, c.document
}

func (c *Connection) setSession(sessionID, document string) {
	c.mu.Lock()
	c.sessionID, c.document = sessionID, document
	c.mu.Unlock()
}

// clearSession forgets the session if it is still sessionID, or any
// session when sessionID is empty. It returns the ID that was cleared.
func (c *Connection) clearSession(sessionID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sessionID != "" && c.sessionID != sessionID {
		return ""
	}
	id := c.sessionID
	c.sessionID, c.document = "", ""
	return id
}

// closeSend closes the outbound queue. WritePump then sends a close frame.
func (c *Connection) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ReadPump reads frames and handles them in order until the socket closes
func (c *Connection) ReadPump() {
	defer func() {
		if id := c.clearSession(""); id != "" {
			c.manager.Detach(id)
		}
		if c.security != nil {
			c.security.Messages.Remove(c.ID)
			c.security.Connections.Remove(c.ClientIP)
		}
		// WritePump flushes what is queued, sends a close frame and closes
		// the socket
		c.hub.Remove(c)
	}()

	if c.security != nil && c.security.Limits.MaxMessageSize > 0 {
		c.ws.SetReadLimit(c.security.Limits.MaxMessageSize)
	}
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Debug().Err(err).Msg("websocket closed unexpectedly")
			}
			return
		}

		if c.security != nil && !c.security.Messages.Allow(c.ID) {
			c.SendError("Too many messages. Please slow down.", protocol.CodeRateLimitExceeded)
			continue
		}

		msg, err := protocol.DecodeMessage(data)
		if err != nil {
			c.SendError("Invalid message: "+err.Error(), protocol.CodeInvalidMessage)
			continue
		}
		if c.metrics != nil {
			c.metrics.RecordMessage(msg.Type)
		}

		if !c.handleMessage(context.Background(), msg) {
			return
		}
	}
}

// WritePump writes queued frames and keepalive pings to the socket
func (c *Connection) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func eventMessage(ev session.Event) (string, interface{}) {
	switch ev.Kind {
	case session.EventSnapshot:
		return protocol.TypeSnapshot, protocol.SnapshotPayload{
			Document:  ev.Document,
			SessionID: ev.SessionID,
			Name:      ev.Name,
			Text:      ev.Text,
			Revision:  ev.Revision,
			Peers:     ev.Peers,
		}
	case session.EventAck:
		return protocol.TypeAck, protocol.AckPayload{Revision: ev.Revision}
	case session.EventOperation:
		return protocol.TypeOperation, protocol.OperationPayload{
			Revision:  ev.Revision,
			SessionID: ev.SessionID,
			Name:      ev.Name,
			Operation: ev.Operation,
		}
	case session.EventPeerJoined:
		return protocol.TypePeerJoined, protocol.PeerPayload{SessionID: ev.SessionID, Name: ev.Name}
	case session.EventPeerLeft:
		return protocol.TypePeerLeft, protocol.PeerPayload{SessionID: ev.SessionID, Name: ev.Name}
	case session.EventPeerRenamed:
		return protocol.TypePeerRenamed, protocol.PeerPayload{SessionID: ev.SessionID, Name: ev.Name}
	default:
		return protocol.TypeChat, protocol.ChatMessagePayload{
			SessionID: ev.SessionID,
			Name:      ev.Name,
			Text:      ev.Text,
		}
	}
}
