// Package storage keeps documents and their operation logs in memory and
// makes every accepted operation durable before it is acknowledged.
package storage

import (
	"context"
	"time"

	"github.com/Dancode-188/padsync/internal/ot"
)

// ImportSessionID marks the entry created when a plain text file found
// on disk is adopted as a document
const ImportSessionID = "import"

// OperationEntry is one committed operation of a document log.
// Revision is the revision the operation produced.
type OperationEntry struct {
	Revision     int           `json:"rev"`
	BaseRevision int           `json:"base"`
	SessionID    string        `json:"session"`
	Operation    *ot.Operation `json:"op"`
	CommittedAt  time.Time     `json:"at"`
}

// DocumentRecord is a document as read back from a backend
type DocumentRecord struct {
	Name       string
	Text       string
	Operations []*OperationEntry
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Revision returns the number of operations in the record
func (r *DocumentRecord) Revision() int {
	return len(r.Operations)
}

// Backend defines durable storage for document logs
type Backend interface {
	// Connection lifecycle
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	HealthCheck(ctx context.Context) (bool, error)

	// LoadDocument returns nil and no error when the document does not exist
	LoadDocument(ctx context.Context, name string) (*DocumentRecord, error)

	// AppendOperation durably records entry, whose revision is one past the
	// last stored one, together with the resulting text. A returned error
	// means the entry is not stored.
	AppendOperation(ctx context.Context, name string, entry *OperationEntry, text string) error

	ListDocuments(ctx context.Context) ([]string, error)
}

// StorageConfig holds configuration for database backends
type StorageConfig struct {
	ConnectionString  string
	PoolMinConns      int32
	PoolMaxConns      int32
	ConnectionTimeout time.Duration
}

// DefaultStorageConfig returns sensible defaults
func DefaultStorageConfig() *StorageConfig {
	return &StorageConfig{
		PoolMinConns:      2,
		PoolMaxConns:      10,
		ConnectionTimeout: 5 * time.Second,
	}
}
