package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS documents (
	name       TEXT PRIMARY KEY,
	content    TEXT NOT NULL,
	revision   BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS operations (
	document      TEXT NOT NULL REFERENCES documents(name) ON DELETE CASCADE,
	revision      BIGINT NOT NULL,
	base_revision BIGINT NOT NULL,
	session_id    TEXT NOT NULL,
	operation     JSONB NOT NULL,
	committed_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (document, revision)
);
`

// PostgresBackend implements Backend for PostgreSQL
type PostgresBackend struct {
	config    *StorageConfig
	pool      *pgxpool.Pool
	mu        sync.RWMutex
	connected bool
}

// NewPostgresBackend creates a new PostgreSQL backend
func NewPostgresBackend(config *StorageConfig) *PostgresBackend {
	if config == nil {
		config = DefaultStorageConfig()
	}
	return &PostgresBackend{
		config: config,
	}
}

// Connect establishes connection to PostgreSQL and creates the tables
func (p *PostgresBackend) Connect(ctx context.Context) error {
	poolConfig, err := pgxpool.ParseConfig(p.config.ConnectionString)
	if err != nil {
		return NewConnectionError("failed to parse connection string", err)
	}

	poolConfig.MinConns = p.config.PoolMinConns
	poolConfig.MaxConns = p.config.PoolMaxConns
	poolConfig.ConnConfig.ConnectTimeout = p.config.ConnectionTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return NewConnectionError("failed to connect to PostgreSQL", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return NewConnectionError("failed to ping PostgreSQL", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return NewConnectionError("failed to create schema", err)
	}

	p.mu.Lock()
	p.pool = pool
	p.connected = true
	p.mu.Unlock()
	return nil
}

// Disconnect closes the connection pool
func (p *PostgresBackend) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pool != nil {
		p.pool.Close()
		p.connected = false
	}
	return nil
}

// IsConnected returns connection status
func (p *PostgresBackend) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected && p.pool != nil
}

// HealthCheck verifies database connectivity
func (p *PostgresBackend) HealthCheck(ctx context.Context) (bool, error) {
	if !p.IsConnected() {
		return false, ErrNotConnected
	}
	err := p.pool.Ping(ctx)
	return err == nil, err
}

// LoadDocument reads the document row and its full operation log
func (p *PostgresBackend) LoadDocument(ctx context.Context, name string) (*DocumentRecord, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}

	record := &DocumentRecord{Name: name}
	var revision int64
	err := p.pool.QueryRow(ctx,
		`SELECT content, revision, created_at, updated_at FROM documents WHERE name = $1`,
		name,
	).Scan(&record.Text, &revision, &record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, NewQueryError("failed to get document", err)
	}

	rows, err := p.pool.Query(ctx, `
		SELECT revision, base_revision, session_id, operation, committed_at
		FROM operations
		WHERE document = $1
		ORDER BY revision ASC
	`, name)
	if err != nil {
		return nil, NewQueryError("failed to get operations", err)
	}
	defer rows.Close()

	for rows.Next() {
		var entry OperationEntry
		var opJSON []byte
		var rev, base int64
		if err := rows.Scan(&rev, &base, &entry.SessionID, &opJSON, &entry.CommittedAt); err != nil {
			return nil, NewQueryError("failed to scan operation", err)
		}
		entry.Revision = int(rev)
		entry.BaseRevision = int(base)
		if err := json.Unmarshal(opJSON, &entry.Operation); err != nil {
			return nil, NewQueryError(fmt.Sprintf("revision %d of %s", rev, name), errors.Join(ErrCorruptLog, err))
		}
		if entry.Revision != len(record.Operations)+1 {
			return nil, NewQueryError(fmt.Sprintf("gap before revision %d of %s", rev, name), ErrCorruptLog)
		}
		record.Operations = append(record.Operations, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError("failed to read operations", err)
	}

	if int64(len(record.Operations)) != revision {
		return nil, NewQueryError(fmt.Sprintf("%s has revision %d but %d operations", name, revision, len(record.Operations)), ErrCorruptLog)
	}
	return record, nil
}

// AppendOperation inserts the operation and advances the document row in
// one transaction. A new row starts at revision 1 and an existing one only
// moves forward from the previous revision.
func (p *PostgresBackend) AppendOperation(ctx context.Context, name string, entry *OperationEntry, text string) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}

	opJSON, err := json.Marshal(entry.Operation)
	if err != nil {
		return NewQueryError("failed to marshal operation", err)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return NewQueryError("failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO documents (name, content, revision)
		SELECT $1, $2, $3::BIGINT WHERE $3::BIGINT = 1
		ON CONFLICT (name) DO UPDATE
		SET content = EXCLUDED.content, revision = EXCLUDED.revision, updated_at = NOW()
		WHERE documents.revision = EXCLUDED.revision - 1
	`, name, text, entry.Revision)
	if err != nil {
		return NewQueryError("failed to update document", err)
	}
	if tag.RowsAffected() == 0 {
		return NewConflictError(name, entry.Revision)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO operations (document, revision, base_revision, session_id, operation, committed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, name, entry.Revision, entry.BaseRevision, entry.SessionID, opJSON, entry.CommittedAt)
	if err != nil {
		return NewQueryError("failed to insert operation", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return NewQueryError("failed to commit transaction", err)
	}
	return nil
}

// ListDocuments returns every stored document name
func (p *PostgresBackend) ListDocuments(ctx context.Context) ([]string, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}

	rows, err := p.pool.Query(ctx, `SELECT name FROM documents ORDER BY name`)
	if err != nil {
		return nil, NewQueryError("failed to list documents", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, NewQueryError("failed to scan document", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError("failed to list documents", err)
	}
	return names, nil
}
