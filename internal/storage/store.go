package storage

import (
	"context"
	"sync"
	"time"

	"github.com/Dancode-188/padsync/internal/ot"
	"github.com/rs/zerolog"
)

// Document is the in-memory state of one document.
//
// A Document is not safe for concurrent use. Callers serialise access
// through the document's admission lock.
type Document struct {
	name      string
	text      string
	length    int
	log       []*OperationEntry
	createdAt time.Time
}

// Name returns the document path
func (d *Document) Name() string { return d.name }

// Text returns the current text
func (d *Document) Text() string { return d.text }

// Len returns the current length in runes
func (d *Document) Len() int { return d.length }

// Revision returns the number of committed operations
func (d *Document) Revision() int { return len(d.log) }

// CreatedAt returns when the first operation was committed, or the zero
// time for a document without history
func (d *Document) CreatedAt() time.Time { return d.createdAt }

// LenAt returns the text length at revision rev, which must not be ahead
// of the current revision
func (d *Document) LenAt(rev int) int {
	if rev < len(d.log) {
		return d.log[rev].Operation.BaseLen
	}
	return d.length
}

// Since returns the operations that move revision rev to the current one
func (d *Document) Since(rev int) []*ot.Operation {
	if rev >= len(d.log) {
		return nil
	}
	ops := make([]*ot.Operation, 0, len(d.log)-rev)
	for _, entry := range d.log[rev:] {
		ops = append(ops, entry.Operation)
	}
	return ops
}

// Entries returns a copy of the log from revision rev on
func (d *Document) Entries(rev int) []*OperationEntry {
	if rev >= len(d.log) {
		return nil
	}
	return append([]*OperationEntry(nil), d.log[rev:]...)
}

// Store caches loaded documents and writes every commit through to a Backend
type Store struct {
	backend Backend
	log     zerolog.Logger

	mu   sync.Mutex
	docs map[string]*Document
}

// NewStore creates a document store over backend
func NewStore(backend Backend, logger zerolog.Logger) *Store {
	return &Store{
		backend: backend,
		log:     logger.With().Str("component", "store").Logger(),
		docs:    make(map[string]*Document),
	}
}

// Load returns the cached document, reading it from the backend on first
// use. A document that exists nowhere starts empty at revision 0.
func (s *Store) Load(ctx context.Context, name string) (*Document, error) {
	s.mu.Lock()
	doc, ok := s.docs[name]
	s.mu.Unlock()
	if ok {
		return doc, nil
	}

	record, err := s.backend.LoadDocument(ctx, name)
	if err != nil {
		return nil, err
	}

	doc = &Document{name: name}
	if record != nil {
		doc.text = record.Text
		doc.log = record.Operations
		doc.createdAt = record.CreatedAt
		if n := len(record.Operations); n > 0 {
			doc.length = record.Operations[n-1].Operation.TargetLen
		}
		s.log.Debug().Str("document", name).Int("revision", doc.Revision()).Msg("loaded document")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.docs[name]; ok {
		return cached, nil
	}
	s.docs[name] = doc
	return doc, nil
}

// Commit applies entry.Operation to doc, appends it to the log and makes it
// durable. entry.Revision and entry.CommittedAt are filled in. If the
// backend fails the document is left exactly as it was and a
// *PersistenceError is returned.
func (s *Store) Commit(ctx context.Context, doc *Document, entry *OperationEntry) error {
	next, err := entry.Operation.Apply(doc.text)
	if err != nil {
		return err
	}

	prevText, prevLen, prevRev, prevCreated := doc.text, doc.length, len(doc.log), doc.createdAt
	entry.Revision = prevRev + 1
	entry.CommittedAt = time.Now().UTC()
	if prevRev == 0 {
		doc.createdAt = entry.CommittedAt
	}

	doc.text = next
	doc.length = entry.Operation.TargetLen
	doc.log = append(doc.log, entry)

	if err := s.backend.AppendOperation(ctx, doc.name, entry, next); err != nil {
		doc.log[prevRev] = nil
		doc.log = doc.log[:prevRev]
		doc.text = prevText
		doc.length = prevLen
		doc.createdAt = prevCreated
		s.log.Error().Err(err).Str("document", doc.name).Int("revision", entry.Revision).Msg("rolled back unpersisted operation")
		return NewPersistenceError(doc.name, entry.Revision, err)
	}
	return nil
}

// Evict drops a document from the cache. Its storage is untouched.
func (s *Store) Evict(name string) {
	s.mu.Lock()
	delete(s.docs, name)
	s.mu.Unlock()
}

// Cached returns the number of documents held in memory
func (s *Store) Cached() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}
