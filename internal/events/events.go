// Package events publishes committed operations to an external feed
package events

import (
	"context"
	"errors"
	"time"

	"github.com/Dancode-188/padsync/internal/ot"
)

var (
	ErrQueueFull = errors.New("event queue is full")
	ErrClosed    = errors.New("event sink closed")
)

// CommitEvent describes one operation that became part of a document
type CommitEvent struct {
	Document     string        `json:"document"`
	Revision     int           `json:"revision"`
	BaseRevision int           `json:"baseRevision"`
	SessionID    string        `json:"sessionId"`
	Operation    *ot.Operation `json:"operation"`
	Length       int           `json:"length"`
	CommittedAt  time.Time     `json:"committedAt"`
}

// Sink receives commit events. Publish must not block on the network.
type Sink interface {
	Publish(ctx context.Context, evt CommitEvent) error
	Close() error
}

// NopSink discards every event
type NopSink struct{}

func (NopSink) Publish(ctx context.Context, evt CommitEvent) error { return nil }

func (NopSink) Close() error { return nil }
