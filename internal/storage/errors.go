package storage

import (
	"errors"
	"fmt"
)

// Common storage errors
var (
	ErrNotConnected       = errors.New("storage not connected")
	ErrConflict           = errors.New("revision conflict")
	ErrCorruptLog         = errors.New("corrupt operation log")
	ErrInvalidName        = errors.New("invalid document name")
	ErrPersistenceFailure = errors.New("persistence failure")
)

// StorageError represents a storage operation error
type StorageError struct {
	Message string
	Code    string
	Cause   error
}

func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// NewStorageError creates a new storage error
func NewStorageError(message, code string, cause error) *StorageError {
	return &StorageError{
		Message: message,
		Code:    code,
		Cause:   cause,
	}
}

// ConnectionError represents a connection failure
type ConnectionError struct {
	StorageError
}

// NewConnectionError creates a new connection error
func NewConnectionError(message string, cause error) *ConnectionError {
	return &ConnectionError{
		StorageError: StorageError{
			Message: message,
			Code:    "CONNECTION_ERROR",
			Cause:   cause,
		},
	}
}

// QueryError represents a failed read or write against a backend
type QueryError struct {
	StorageError
}

// NewQueryError creates a new query error
func NewQueryError(message string, cause error) *QueryError {
	return &QueryError{
		StorageError: StorageError{
			Message: message,
			Code:    "QUERY_ERROR",
			Cause:   cause,
		},
	}
}

// ConflictError is returned when a backend already holds a different
// operation for the revision being written
type ConflictError struct {
	Document string
	Revision int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("revision %d of %s already written", e.Revision, e.Document)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// NewConflictError creates a new conflict error
func NewConflictError(document string, revision int) *ConflictError {
	return &ConflictError{Document: document, Revision: revision}
}

// PersistenceError reports that an accepted operation could not be made
// durable. The in-memory document has been rolled back when it is returned.
type PersistenceError struct {
	StorageError
	Document string
	Revision int
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistenceFailure
}

// NewPersistenceError creates a new persistence error
func NewPersistenceError(document string, revision int, cause error) *PersistenceError {
	return &PersistenceError{
		StorageError: StorageError{
			Message: fmt.Sprintf("failed to persist revision %d of %s", revision, document),
			Code:    "PERSISTENCE_FAILURE",
			Cause:   cause,
		},
		Document: document,
		Revision: revision,
	}
}
