package server

import (
	"fmt"
	"sync"
	"time"
)

// RateLimiter implements per-connection rate limiting with a sliding window.
// Per-connection so one abusive remote cannot starve the other clients.
type RateLimiter struct {
	maxRequests int                    // Maximum messages allowed per window
	window      time.Duration          // Sliding window duration
	requests    map[string][]time.Time // connectionID -> timestamps of recent messages
	mu          sync.Mutex
}

// NewRateLimiter creates a rate limiter allowing maxRequests per window
// (e.g. 20 and time.Second for 20 msg/sec).
func NewRateLimiter(maxRequests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		maxRequests: maxRequests,
		window:      window,
		requests:    make(map[string][]time.Time),
	}
}

// Allow reports whether a connection may send another message, recording the
// attempt if so. Timestamps outside the window are dropped on each call.
func (r *RateLimiter) Allow(connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	timestamps := r.requests[connectionID]
	valid := make([]time.Time, 0, len(timestamps))
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}

	if len(valid) >= r.maxRequests {
		r.requests[connectionID] = valid
		return false
	}

	r.requests[connectionID] = append(valid, now)
	return true
}

// Cleanup drops rate data for connections with no activity inside the
// window. Called periodically; disconnects also remove entries directly.
func (r *RateLimiter) Cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.window)
	for connID, timestamps := range r.requests {
		stale := true
		for _, ts := range timestamps {
			if ts.After(cutoff) {
				stale = false
				break
			}
		}
		if stale {
			delete(r.requests, connID)
		}
	}
}

// RemoveConnection drops rate data for a closed connection.
func (r *RateLimiter) RemoveConnection(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.requests, connectionID)
}

// ConnectionHealth tracks the last message time per connection, used to reap
// half-open connections the transport never reports as closed.
type ConnectionHealth struct {
	lastActivity map[string]time.Time // connectionID -> last message time
	mu           sync.RWMutex
}

func NewConnectionHealth() *ConnectionHealth {
	return &ConnectionHealth{
		lastActivity: make(map[string]time.Time),
	}
}

// UpdateActivity records that a connection sent a message.
func (h *ConnectionHealth) UpdateActivity(connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastActivity[connectionID] = time.Now()
}

// IsInactive reports whether a connection has been silent longer than
// timeout. Untracked connections are not inactive.
func (h *ConnectionHealth) IsInactive(connectionID string, timeout time.Duration) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	lastActivity, exists := h.lastActivity[connectionID]
	if !exists {
		return false
	}
	return time.Since(lastActivity) > timeout
}

// GetInactiveConnections returns every connection silent longer than timeout.
func (h *ConnectionHealth) GetInactiveConnections(timeout time.Duration) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	inactive := make([]string, 0)
	now := time.Now()
	for connID, lastActivity := range h.lastActivity {
		if now.Sub(lastActivity) > timeout {
			inactive = append(inactive, connID)
		}
	}
	return inactive
}

// RemoveConnection drops health tracking for a closed connection.
func (h *ConnectionHealth) RemoveConnection(connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.lastActivity, connectionID)
}

// ValidateVolume checks a requested volume level. Out-of-range input is an
// error, never a silent clamp.
func ValidateVolume(level int) error {
	if level < 0 || level > 100 {
		return fmt.Errorf("VOLUME_INVALID: Volume must be between 0 and 100, got %d", level)
	}
	return nil
}

// ValidateSoundName checks sound name requirements for the CRUD routes.
func ValidateSoundName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("SOUND_NAME_INVALID: Name cannot be empty")
	}
	if len(name) > 100 {
		return fmt.Errorf("SOUND_NAME_INVALID: Name too long (max 100 characters)")
	}
	return nil
}
