package session

import (
	"errors"
	"time"

	"github.com/Dancode-188/padsync/internal/ot"
	"github.com/Dancode-188/padsync/internal/presence"
	"github.com/Dancode-188/padsync/internal/storage"
)

var (
	ErrUnknownSession   = errors.New("unknown session")
	ErrRevisionAhead    = errors.New("base revision is ahead of the document")
	ErrInvalidDocument  = errors.New("invalid document path")
	ErrSessionExists    = errors.New("session already attached")
	ErrSlowConsumer     = errors.New("session fell behind and must re-attach")
	ErrDocumentTooLarge = errors.New("document would exceed the maximum length")
	ErrClosed           = errors.New("session manager closed")
)

// EventKind names what an Event carries
type EventKind string

const (
	EventSnapshot    EventKind = "snapshot"
	EventAck         EventKind = "ack"
	EventOperation   EventKind = "operation"
	EventPeerJoined  EventKind = "peer_joined"
	EventPeerLeft    EventKind = "peer_left"
	EventPeerRenamed EventKind = "peer_renamed"
	EventChat        EventKind = "chat"
)

// Event is one item on a session's delivery stream.
//
// SessionID is the session the event is about: the committer of an
// operation, the peer that joined or the author of a chat message.
type Event struct {
	Kind      EventKind
	Document  string
	Revision  int
	SessionID string
	Name      string
	Operation *ot.Operation
	Text      string
	Peers     []presence.Peer
	Time      time.Time
}

// Deliverer is the outbound side of one session, normally a websocket
// connection's send queue
type Deliverer interface {
	// Deliver enqueues ev without blocking. An error means the event was not
	// queued and the session can no longer be kept in sync.
	Deliver(ev Event) error
	// Evict is called once after a failed session has been detached
	Evict(reason error)
}

// Snapshot is the catch-up state returned by Attach
type Snapshot struct {
	Document  string
	SessionID string
	Name      string
	Text      string
	Revision  int
	Peers     []presence.Peer
}

// History is a document's committed operations from some revision on
type History struct {
	Document  string                    `json:"document"`
	Revision  int                       `json:"revision"`
	CreatedAt time.Time                 `json:"created_at,omitzero"`
	Entries   []*storage.OperationEntry `json:"entries"`
}

// SubmitRequest is one operation submitted by a session. Document may be
// left empty; when set it must match the session's document.
type SubmitRequest struct {
	SessionID    string
	Document     string
	BaseRevision int
	Operation    *ot.Operation
}

// Commit is the result of a successful Submit
type Commit struct {
	Document     string
	Revision     int
	BaseRevision int
	Operation    *ot.Operation
	CommittedAt  time.Time
}

// Stats counts live sessions and open documents
type Stats struct {
	Sessions  int `json:"sessions"`
	Documents int `json:"documents"`
}
