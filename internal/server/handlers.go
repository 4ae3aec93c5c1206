package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/coder/websocket"

	"soundboard-server/internal/catalog"
)

func (s *Server) handlePing(socket *websocket.Conn, ctx context.Context, connectionID string) {
	if err := s.sendMessage(socket, ctx, newPongMessage()); err != nil {
		log.Printf("Failed to send pong to %s: %v", connectionID, err)
	}
}

// handleConnect registers the connection under its declared role and replays
// the current playback state to it: nowPlaying if a sound is current, then
// always the volume. A late joiner converges immediately instead of waiting
// for the next state change. Returns whether the connection identified.
func (s *Server) handleConnect(socket *websocket.Conn, ctx context.Context, connectionID string, payload json.RawMessage) bool {
	var req ConnectRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.sendError(socket, ctx, "Invalid connect payload")
		return false
	}

	role, ok := ParseRole(req.ClientType)
	if !ok {
		s.sendError(socket, ctx, fmt.Sprintf("Invalid clientType: %q", req.ClientType))
		return false
	}

	// Replay under playbackMu so a concurrent command cannot slip a change
	// between the register and the replay.
	s.playbackMu.Lock()
	defer s.playbackMu.Unlock()

	s.registry.Register(connectionID, role, socket)

	// Bound the replay writes: they run under playbackMu, and a peer that
	// connects but never reads must not stall every other command.
	sendCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if sound := s.playback.Current(); sound != nil {
		if err := s.sendMessage(socket, sendCtx, newNowPlayingMessage(sound)); err != nil {
			log.Printf("Failed state replay to %s: %v", connectionID, err)
		}
	}
	if err := s.sendMessage(socket, sendCtx, newVolumeMessage(s.playback.Volume())); err != nil {
		log.Printf("Failed state replay to %s: %v", connectionID, err)
	}

	log.Printf("Connection %s identified as %s", connectionID, role)
	return true
}

// handlePlay resolves the sound, then transitions to Playing and broadcasts
// the resulting state to both roles. A sound that does not resolve leaves
// state untouched and errors back to the sender only.
func (s *Server) handlePlay(socket *websocket.Conn, ctx context.Context, connectionID string, payload json.RawMessage) {
	var req PlayRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.sendError(socket, ctx, "Invalid play payload")
		return
	}

	// The catalog lookup is the one suspension point in command handling;
	// racing plays are resolved last-writer-wins when the locked section
	// below runs.
	sound, err := s.catalog.Resolve(ctx, req.SoundID)
	if err != nil {
		if !errors.Is(err, catalog.ErrNotFound) {
			// A failing catalog is indistinguishable from a missing sound as
			// far as the state machine goes. Log it and keep the session.
			log.Printf("Catalog lookup failed for sound %d: %v", req.SoundID, err)
		}
		s.sendError(socket, ctx, fmt.Sprintf("Sound %d not found", req.SoundID))
		return
	}

	s.playbackMu.Lock()
	defer s.playbackMu.Unlock()

	s.playback.SetPlaying(sound)
	s.registry.BroadcastAll(newNowPlayingMessage(sound))
}

// handleStop transitions to Idle and broadcasts the null state to both
// roles. Stopping while already idle re-broadcasts null; harmless.
func (s *Server) handleStop(socket *websocket.Conn, ctx context.Context, connectionID string) {
	s.playbackMu.Lock()
	defer s.playbackMu.Unlock()

	s.playback.Stop()
	s.registry.BroadcastAll(newNowPlayingMessage(nil))
}

// handleVolume validates the level, stores it, and broadcasts to playback
// connections only. Remotes set the volume and already render it
// optimistically; they converge via state replay on reconnect.
func (s *Server) handleVolume(socket *websocket.Conn, ctx context.Context, connectionID string, payload json.RawMessage) {
	var req VolumeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.sendError(socket, ctx, "Invalid volume payload")
		return
	}

	if err := ValidateVolume(req.Volume); err != nil {
		s.sendError(socket, ctx, err.Error())
		return
	}

	s.playbackMu.Lock()
	defer s.playbackMu.Unlock()

	s.playback.SetVolume(req.Volume)
	s.registry.Broadcast(RolePlayback, newVolumeMessage(req.Volume))
}

// stopIfPlaying forces a stop transition when the given sound was current,
// so a catalog deletion never leaves connections referencing a dangling
// sound. No-op when something else (or nothing) is playing.
func (s *Server) stopIfPlaying(id int64) {
	s.playbackMu.Lock()
	defer s.playbackMu.Unlock()

	current := s.playback.Current()
	if current == nil || current.ID != id {
		return
	}

	s.playback.Stop()
	s.registry.BroadcastAll(newNowPlayingMessage(nil))
}
