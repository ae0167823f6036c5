// Package presence mirrors who is editing which document so that tools
// outside the process can see it.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Peer is one attached session
type Peer struct {
	SessionID string    `json:"sessionId"`
	Name      string    `json:"name"`
	JoinedAt  time.Time `json:"joinedAt"`
}

// Tracker records peers per document
type Tracker interface {
	// Join adds or refreshes a peer
	Join(ctx context.Context, document string, peer Peer) error
	Leave(ctx context.Context, document, sessionID string) error
	Peers(ctx context.Context, document string) ([]Peer, error)
}

// MemoryTracker is a Tracker for a single process
type MemoryTracker struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Peer
}

// NewMemoryTracker creates an empty tracker
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{rooms: make(map[string]map[string]Peer)}
}

func (m *MemoryTracker) Join(ctx context.Context, document string, peer Peer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[document]
	if !ok {
		room = make(map[string]Peer)
		m.rooms[document] = room
	}
	room[peer.SessionID] = peer
	return nil
}

func (m *MemoryTracker) Leave(ctx context.Context, document, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	room := m.rooms[document]
	delete(room, sessionID)
	if len(room) == 0 {
		delete(m.rooms, document)
	}
	return nil
}

// Peers returns peers ordered by join time
func (m *MemoryTracker) Peers(ctx context.Context, document string) ([]Peer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room := m.rooms[document]
	peers := make([]Peer, 0, len(room))
	for _, p := range room {
		peers = append(peers, p)
	}
	sortPeers(peers)
	return peers, nil
}

func sortPeers(peers []Peer) {
	sort.Slice(peers, func(i, j int) bool {
		if !peers[i].JoinedAt.Equal(peers[j].JoinedAt) {
			return peers[i].JoinedAt.Before(peers[j].JoinedAt)
		}
		return peers[i].SessionID < peers[j].SessionID
	})
}
