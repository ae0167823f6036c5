// Package session admits edits from attached editors, one document at a time,
// and keeps every attached editor in step with the committed history.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Dancode-188/padsync/internal/events"
	"github.com/Dancode-188/padsync/internal/metrics"
	"github.com/Dancode-188/padsync/internal/ot"
	"github.com/Dancode-188/padsync/internal/presence"
	"github.com/Dancode-188/padsync/internal/security"
	"github.com/Dancode-188/padsync/internal/storage"
	"github.com/rs/zerolog"
)

// Options configures a Manager. Zero values are replaced with defaults.
type Options struct {
	Tracker           presence.Tracker
	Events            events.Sink
	Metrics           *metrics.Metrics
	MaxDocumentLength int
	PresenceTimeout   time.Duration
}

// room is the admission point of one document. mu serialises everything
// that reads or changes the document or its membership.
type room struct {
	name string

	mu      sync.Mutex
	doc     *storage.Document
	members []*Session
	closed  bool
	// numbers default names, starting again when the room is retired
	editors int
}

func (r *room) indexOf(s *Session) int {
	for i, m := range r.members {
		if m == s {
			return i
		}
	}
	return -1
}

func (r *room) peers() []presence.Peer {
	peers := make([]presence.Peer, 0, len(r.members))
	for _, m := range r.members {
		peers = append(peers, m.peer())
	}
	return peers
}

// Manager owns all sessions and document rooms
type Manager struct {
	store   *storage.Store
	log     zerolog.Logger
	coord   *Coordinator
	tracker presence.Tracker
	events  events.Sink
	metrics *metrics.Metrics

	maxLength       int
	presenceTimeout time.Duration

	// mu guards the maps only. It is never held while waiting for a room lock.
	mu       sync.RWMutex
	sessions map[string]*Session
	rooms    map[string]*room
	closed   bool

	evictions sync.WaitGroup
}

// NewManager creates a manager over store
func NewManager(store *storage.Store, opts Options, logger zerolog.Logger) *Manager {
	if opts.Tracker == nil {
		opts.Tracker = presence.NewMemoryTracker()
	}
	if opts.Events == nil {
		opts.Events = events.NopSink{}
	}
	if opts.PresenceTimeout <= 0 {
		opts.PresenceTimeout = 2 * time.Second
	}

	m := &Manager{
		store:           store,
		log:             logger.With().Str("component", "sessions").Logger(),
		tracker:         opts.Tracker,
		events:          opts.Events,
		metrics:         opts.Metrics,
		maxLength:       opts.MaxDocumentLength,
		presenceTimeout: opts.PresenceTimeout,
		sessions:        make(map[string]*Session),
		rooms:           make(map[string]*room),
	}
	m.coord = NewCoordinator(logger, m.evict)
	return m
}

// Attach registers a new session on document and delivers the current text
// and revision to d as a snapshot event, ahead of any later operation.
// An empty name is replaced with "Editor #n", numbered per document.
func (m *Manager) Attach(ctx context.Context, document, sessionID, name string, d Deliverer) (*Snapshot, error) {
	if err := security.ValidateDocumentPath(document); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDocument, document, err)
	}
	if sessionID == "" {
		return nil, fmt.Errorf("%w: empty session id", ErrUnknownSession)
	}
	s := &Session{
		ID:        sessionID,
		Document:  document,
		JoinedAt:  time.Now().UTC(),
		deliverer: d,
		name:      name,
	}

	r, err := m.lockRoom(document)
	if err != nil {
		return nil, err
	}
	s.room = r
	if name == "" {
		r.editors++
		name = "Editor #" + strconv.Itoa(r.editors)
		s.name = name
	}

	if err := m.reserve(s); err != nil {
		m.releaseIfEmpty(r)
		r.mu.Unlock()
		return nil, err
	}

	if r.doc == nil {
		doc, err := m.store.Load(ctx, document)
		if err != nil {
			m.unreserve(s)
			m.releaseIfEmpty(r)
			r.mu.Unlock()
			return nil, err
		}
		r.doc = doc
	}

	snap := &Snapshot{
		Document:  document,
		SessionID: sessionID,
		Name:      name,
		Text:      r.doc.Text(),
		Revision:  r.doc.Revision(),
		Peers:     append(r.peers(), s.peer()),
	}

	err = d.Deliver(Event{
		Kind:      EventSnapshot,
		Document:  document,
		Revision:  snap.Revision,
		SessionID: sessionID,
		Name:      name,
		Text:      snap.Text,
		Peers:     snap.Peers,
		Time:      s.JoinedAt,
	})
	if err != nil {
		m.unreserve(s)
		m.releaseIfEmpty(r)
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrSlowConsumer, err)
	}
	s.markSeen(snap.Revision)

	m.coord.Publish(r.members, "", Event{
		Kind:      EventPeerJoined,
		Document:  document,
		SessionID: sessionID,
		Name:      name,
		Time:      s.JoinedAt,
	})
	r.members = append(r.members, s)
	members := len(r.members)
	r.mu.Unlock()

	m.log.Info().
		Str("session", sessionID).
		Str("document", document).
		Int("revision", snap.Revision).
		Int("members", members).
		Msg("session attached")

	if m.metrics != nil {
		m.metrics.SessionsActive.Inc()
	}
	m.updatePresence(ctx, document, func(ctx context.Context) error {
		return m.tracker.Join(ctx, document, s.peer())
	})
	return snap, nil
}

// Submit transforms req.Operation past everything committed since
// req.BaseRevision, commits it and broadcasts it. The submitting session
// gets an ack event and every other member an operation event, both queued
// before the document accepts the next submission.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*Commit, error) {
	start := time.Now()

	s := m.lookup(req.SessionID)
	if s == nil || (req.Document != "" && req.Document != s.Document) {
		m.recordSubmit("unknown_session", 0, start)
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, req.SessionID)
	}
	if req.Operation == nil {
		m.recordSubmit("malformed", 0, start)
		return nil, fmt.Errorf("%w: missing operation", ot.ErrMalformedOperation)
	}
	if req.BaseRevision < 0 {
		m.recordSubmit("malformed", 0, start)
		return nil, fmt.Errorf("%w: negative base revision %d", ot.ErrMalformedOperation, req.BaseRevision)
	}

	r := s.room
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.indexOf(s) < 0 {
		m.recordSubmit("unknown_session", 0, start)
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, req.SessionID)
	}

	doc := r.doc
	current := doc.Revision()
	if req.BaseRevision > current {
		m.recordSubmit("revision_ahead", 0, start)
		return nil, fmt.Errorf("%w: base %d, document at %d", ErrRevisionAhead, req.BaseRevision, current)
	}

	history := doc.Since(req.BaseRevision)
	rebased, err := ot.Rebase(req.Operation, doc.LenAt(req.BaseRevision), history)
	if err != nil {
		m.recordSubmit("malformed", len(history), start)
		return nil, err
	}
	if m.maxLength > 0 && rebased.TargetLen > m.maxLength && rebased.TargetLen > doc.Len() {
		m.recordSubmit("too_large", len(history), start)
		return nil, fmt.Errorf("%w: %d > %d", ErrDocumentTooLarge, rebased.TargetLen, m.maxLength)
	}

	entry := &storage.OperationEntry{
		BaseRevision: req.BaseRevision,
		SessionID:    s.ID,
		Operation:    rebased,
	}
	if err := m.store.Commit(ctx, doc, entry); err != nil {
		if errors.Is(err, storage.ErrPersistenceFailure) {
			m.recordSubmit("persistence_failed", len(history), start)
		} else {
			m.recordSubmit("malformed", len(history), start)
		}
		return nil, err
	}

	m.coord.Send(s, Event{
		Kind:      EventAck,
		Document:  s.Document,
		Revision:  entry.Revision,
		SessionID: s.ID,
		Operation: rebased,
		Time:      entry.CommittedAt,
	})
	m.coord.Publish(r.members, s.ID, Event{
		Kind:      EventOperation,
		Document:  s.Document,
		Revision:  entry.Revision,
		SessionID: s.ID,
		Name:      s.Name(),
		Operation: rebased,
		Time:      entry.CommittedAt,
	})

	// queued under the lock so the feed sees commits in order
	if err := m.events.Publish(ctx, events.CommitEvent{
		Document:     s.Document,
		Revision:     entry.Revision,
		BaseRevision: entry.BaseRevision,
		SessionID:    s.ID,
		Operation:    rebased,
		Length:       doc.Len(),
		CommittedAt:  entry.CommittedAt,
	}); err != nil {
		m.log.Warn().Err(err).Str("document", s.Document).Int("revision", entry.Revision).Msg("commit event not published")
	}

	m.recordSubmit("committed", len(history), start)
	m.log.Debug().
		Str("session", s.ID).
		Str("document", s.Document).
		Int("base", req.BaseRevision).
		Int("revision", entry.Revision).
		Int("transformed", len(history)).
		Msg("operation committed")

	return &Commit{
		Document:     s.Document,
		Revision:     entry.Revision,
		BaseRevision: req.BaseRevision,
		Operation:    rebased,
		CommittedAt:  entry.CommittedAt,
	}, nil
}

// Detach removes a session. Unknown or already detached sessions are
// ignored. The document is dropped from memory once nobody is attached.
func (m *Manager) Detach(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	r := s.room
	r.mu.Lock()
	i := r.indexOf(s)
	if i < 0 {
		r.mu.Unlock()
		return
	}
	r.members = append(r.members[:i], r.members[i+1:]...)
	m.coord.Publish(r.members, "", Event{
		Kind:      EventPeerLeft,
		Document:  s.Document,
		SessionID: s.ID,
		Name:      s.Name(),
		Time:      time.Now().UTC(),
	})
	remaining := len(r.members)
	m.releaseIfEmpty(r)
	r.mu.Unlock()

	m.log.Info().
		Str("session", sessionID).
		Str("document", s.Document).
		Int("members", remaining).
		Msg("session detached")

	if m.metrics != nil {
		m.metrics.SessionsActive.Dec()
	}
	m.updatePresence(context.Background(), s.Document, func(ctx context.Context) error {
		return m.tracker.Leave(ctx, s.Document, s.ID)
	})
}

// Rename changes a session's display name and tells every member
func (m *Manager) Rename(ctx context.Context, sessionID, name string) error {
	if name == "" {
		return nil
	}
	s := m.lookup(sessionID)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	r := s.room
	r.mu.Lock()
	if r.indexOf(s) < 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	s.setName(name)
	m.coord.Publish(r.members, "", Event{
		Kind:      EventPeerRenamed,
		Document:  s.Document,
		SessionID: s.ID,
		Name:      name,
		Time:      time.Now().UTC(),
	})
	r.mu.Unlock()

	m.updatePresence(ctx, s.Document, func(ctx context.Context) error {
		return m.tracker.Join(ctx, s.Document, s.peer())
	})
	return nil
}

// Chat sends a message to every member of the sender's document,
// the sender included
func (m *Manager) Chat(ctx context.Context, sessionID, text string) error {
	s := m.lookup(sessionID)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	r := s.room
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexOf(s) < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	m.coord.Publish(r.members, "", Event{
		Kind:      EventChat,
		Document:  s.Document,
		SessionID: s.ID,
		Name:      s.Name(),
		Text:      text,
		Time:      time.Now().UTC(),
	})
	return nil
}

// Peek returns the current text and revision of document without attaching
func (m *Manager) Peek(ctx context.Context, document string) (string, int, error) {
	var text string
	var rev int
	err := m.withDocument(ctx, document, func(doc *storage.Document) {
		text, rev = doc.Text(), doc.Revision()
	})
	if err != nil {
		return "", 0, err
	}
	return text, rev, nil
}

// History returns the committed operations of document after revision since
func (m *Manager) History(ctx context.Context, document string, since int) (*History, error) {
	if since < 0 {
		since = 0
	}
	h := &History{Document: document}
	err := m.withDocument(ctx, document, func(doc *storage.Document) {
		h.Revision = doc.Revision()
		h.CreatedAt = doc.CreatedAt()
		h.Entries = doc.Entries(since)
	})
	if err != nil {
		return nil, err
	}
	if h.Entries == nil {
		h.Entries = []*storage.OperationEntry{}
	}
	return h, nil
}

// withDocument runs fn under the room lock of document, loading it if no
// session holds it open
func (m *Manager) withDocument(ctx context.Context, document string, fn func(*storage.Document)) error {
	if err := security.ValidateDocumentPath(document); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidDocument, document, err)
	}

	r, err := m.lockRoom(document)
	if err != nil {
		return err
	}
	defer r.mu.Unlock()

	if r.doc == nil {
		doc, err := m.store.Load(ctx, document)
		if err != nil {
			m.releaseIfEmpty(r)
			return err
		}
		r.doc = doc
	}
	fn(r.doc)
	m.releaseIfEmpty(r)
	return nil
}

// Peers returns the presence entries for document
func (m *Manager) Peers(ctx context.Context, document string) ([]presence.Peer, error) {
	if err := security.ValidateDocumentPath(document); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDocument, document, err)
	}
	return m.tracker.Peers(ctx, document)
}

// Session returns the attached session with the given ID, or nil
func (m *Manager) Session(sessionID string) *Session {
	return m.lookup(sessionID)
}

// Stats counts live sessions and open documents
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{Sessions: len(m.sessions), Documents: len(m.rooms)}
}

// Close detaches every session and refuses new ones
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Detach(id)
	}
	m.evictions.Wait()
	m.log.Info().Int("sessions", len(ids)).Msg("session manager closed")
}

func (m *Manager) lookup(sessionID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID]
}

// lockRoom returns the room for document with its lock held, creating it
// when needed. A room retired while we waited for its lock is skipped.
func (m *Manager) lockRoom(document string) (*room, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		r, ok := m.rooms[document]
		if !ok {
			r = &room{name: document}
			m.rooms[document] = r
			if m.metrics != nil {
				m.metrics.DocumentsOpen.Inc()
			}
		}
		m.mu.Unlock()

		r.mu.Lock()
		if !r.closed {
			return r, nil
		}
		r.mu.Unlock()
	}
}

// releaseIfEmpty retires a room nobody is attached to. r.mu must be held.
func (m *Manager) releaseIfEmpty(r *room) {
	if len(r.members) > 0 || r.closed {
		return
	}
	r.closed = true
	if r.doc != nil {
		m.store.Evict(r.name)
	}

	m.mu.Lock()
	if m.rooms[r.name] == r {
		delete(m.rooms, r.name)
		if m.metrics != nil {
			m.metrics.DocumentsOpen.Dec()
		}
	}
	m.mu.Unlock()
}

func (m *Manager) reserve(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("%w: %s", ErrSessionExists, s.ID)
	}
	m.sessions[s.ID] = s
	return nil
}

func (m *Manager) unreserve(s *Session) {
	m.mu.Lock()
	if m.sessions[s.ID] == s {
		delete(m.sessions, s.ID)
	}
	m.mu.Unlock()
}

// evict detaches a session whose delivery failed. It is called with the
// room lock held, so the detach runs on its own goroutine.
func (m *Manager) evict(s *Session, err error) {
	if m.metrics != nil {
		m.metrics.SessionsEvicted.Inc()
	}
	m.evictions.Add(1)
	go func() {
		defer m.evictions.Done()
		m.Detach(s.ID)
		s.deliverer.Evict(ErrSlowConsumer)
	}()
}

func (m *Manager) updatePresence(ctx context.Context, document string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.presenceTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		m.log.Warn().Err(err).Str("document", document).Msg("presence update failed")
	}
}

func (m *Manager) recordSubmit(status string, depth int, start time.Time) {
	if m.metrics != nil {
		m.metrics.RecordSubmit(status, depth, time.Since(start))
	}
}
