package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Dancode-188/padsync/internal/presence"
	"github.com/rs/zerolog"
)

// Session is one editor attached to one document
type Session struct {
	ID       string
	Document string
	JoinedAt time.Time

	deliverer Deliverer
	room      *room
	failed    atomic.Bool

	mu   sync.Mutex
	name string
	seen int
}

// Name returns the display name
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Revision returns the last revision delivered to the session
func (s *Session) Revision() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen
}

// Failed reports whether delivery to the session has failed
func (s *Session) Failed() bool {
	return s.failed.Load()
}

func (s *Session) peer() presence.Peer {
	return presence.Peer{SessionID: s.ID, Name: s.Name(), JoinedAt: s.JoinedAt}
}

func (s *Session) setName(name string) {
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
}

func (s *Session) markSeen(rev int) {
	s.mu.Lock()
	if rev > s.seen {
		s.seen = rev
	}
	s.mu.Unlock()
}

// Coordinator fans events out to session delivery queues.
//
// Callers hold the document's admission lock, so events reach each queue in
// commit order. A session whose queue rejects an event is marked failed and
// gets nothing further. onFail is called once per failed session with the
// room lock held, so it must hand the work off rather than detach inline.
type Coordinator struct {
	log    zerolog.Logger
	onFail func(s *Session, err error)
}

// NewCoordinator creates a coordinator. onFail may be nil.
func NewCoordinator(logger zerolog.Logger, onFail func(s *Session, err error)) *Coordinator {
	return &Coordinator{
		log:    logger.With().Str("component", "broadcast").Logger(),
		onFail: onFail,
	}
}

// Publish enqueues ev on every member except the session with ID except
func (c *Coordinator) Publish(members []*Session, except string, ev Event) {
	for _, s := range members {
		if s.ID == except {
			continue
		}
		c.Send(s, ev)
	}
}

// Send enqueues ev on one session and reports whether it was queued
func (c *Coordinator) Send(s *Session, ev Event) bool {
	if s.failed.Load() {
		return false
	}

	if err := s.deliverer.Deliver(ev); err != nil {
		if s.failed.CompareAndSwap(false, true) {
			c.log.Warn().Err(err).
				Str("session", s.ID).
				Str("document", s.Document).
				Str("event", string(ev.Kind)).
				Msg("delivery failed, evicting session")
			if c.onFail != nil {
				c.onFail(s, err)
			}
		}
		return false
	}

	if ev.Kind == EventAck || ev.Kind == EventOperation || ev.Kind == EventSnapshot {
		s.markSeen(ev.Revision)
	}
	return true
}
