// Package security provides connection limits, message rate limiting and
// document path validation.
package security

import (
	"sync"
	"time"
)

// Limits bounds what a single client may consume
type Limits struct {
	MaxConnectionsPerIP  int
	MaxMessagesPerMinute int
	MaxMessageSize       int64
	MaxDocumentLength    int // runes
}

// DefaultLimits returns the limits used when nothing is configured
func DefaultLimits() Limits {
	return Limits{
		MaxConnectionsPerIP:  50,
		MaxMessagesPerMinute: 500,
		MaxMessageSize:       2_000_000, // 2MB
		MaxDocumentLength:    1_000_000,
	}
}

// ConnectionLimiter tracks connections per IP
type ConnectionLimiter struct {
	max         int
	connections map[string]int
	mu          sync.Mutex
}

// NewConnectionLimiter creates a limiter allowing max connections per IP
func NewConnectionLimiter(max int) *ConnectionLimiter {
	return &ConnectionLimiter{
		max:         max,
		connections: make(map[string]int),
	}
}

// TryAdd records a connection from ip unless the IP is at its limit
func (cl *ConnectionLimiter) TryAdd(ip string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.connections[ip] >= cl.max {
		return false
	}
	cl.connections[ip]++
	return true
}

// Remove releases a connection from ip
func (cl *ConnectionLimiter) Remove(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if count := cl.connections[ip]; count <= 1 {
		delete(cl.connections, ip)
	} else {
		cl.connections[ip]--
	}
}

// Count returns current connection count for IP
func (cl *ConnectionLimiter) Count(ip string) int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.connections[ip]
}

// RateLimiter counts messages per connection in a sliding one-minute window
type RateLimiter struct {
	max      int
	window   time.Duration
	now      func() time.Time
	messages map[string][]time.Time
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewRateLimiter creates a limiter allowing max messages per minute
func NewRateLimiter(max int) *RateLimiter {
	rl := &RateLimiter{
		max:      max,
		window:   time.Minute,
		now:      time.Now,
		messages: make(map[string][]time.Time),
		stopCh:   make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for connID, timestamps := range rl.messages {
		recent := rl.recent(now, timestamps)
		if len(recent) == 0 {
			delete(rl.messages, connID)
		} else {
			rl.messages[connID] = recent
		}
	}
}

func (rl *RateLimiter) recent(now time.Time, timestamps []time.Time) []time.Time {
	i := 0
	for i < len(timestamps) && now.Sub(timestamps[i]) >= rl.window {
		i++
	}
	return timestamps[i:]
}

// Allow records a message from connectionID and reports whether it is
// within the limit. Rejected messages are not counted.
func (rl *RateLimiter) Allow(connectionID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	recent := rl.recent(now, rl.messages[connectionID])
	if len(recent) >= rl.max {
		rl.messages[connectionID] = recent
		return false
	}
	rl.messages[connectionID] = append(recent, now)
	return true
}

// Remove drops tracking data for a connection
func (rl *RateLimiter) Remove(connectionID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.messages, connectionID)
}

// Dispose stops the cleanup loop
func (rl *RateLimiter) Dispose() {
	close(rl.stopCh)
}

// Manager bundles the limiters shared by every connection
type Manager struct {
	Limits      Limits
	Connections *ConnectionLimiter
	Messages    *RateLimiter
}

// NewManager creates limiters for limits
func NewManager(limits Limits) *Manager {
	return &Manager{
		Limits:      limits,
		Connections: NewConnectionLimiter(limits.MaxConnectionsPerIP),
		Messages:    NewRateLimiter(limits.MaxMessagesPerMinute),
	}
}

// Dispose cleans up all resources
func (m *Manager) Dispose() {
	m.Messages.Dispose()
}
