package server

import (
	"sync"

	"soundboard-server/internal/catalog"
)

// DefaultVolume is the shared volume a fresh process starts with.
const DefaultVolume = 75

// PlaybackState is the single authoritative record of what is playing and at
// what volume. One instance per Server, injected into the handlers that
// mutate it; it resets to empty/default on process restart by construction.
//
// At most one sound is current at a time. Handlers mutate the state and then
// broadcast the result while holding Server.playbackMu, so every connection
// observes state changes in mutation order.
type PlaybackState struct {
	current *catalog.Sound
	volume  int
	mu      sync.RWMutex
}

func NewPlaybackState() *PlaybackState {
	return &PlaybackState{
		volume: DefaultVolume,
	}
}

// Current returns the sound being played, or nil when idle.
func (ps *PlaybackState) Current() *catalog.Sound {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.current
}

func (ps *PlaybackState) Volume() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.volume
}

// SetPlaying stores the resolved sound as current. The caller resolves the
// sound before calling; this is a plain assignment, never a lookup.
func (ps *PlaybackState) SetPlaying(sound *catalog.Sound) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.current = sound
}

// Stop clears the current sound. Stopping while idle is a valid no-op.
func (ps *PlaybackState) Stop() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.current = nil
}

// SetVolume stores a validated volume level. Range checking happens in the
// handler so out-of-range input is rejected, not clamped.
func (ps *PlaybackState) SetVolume(level int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.volume = level
}
