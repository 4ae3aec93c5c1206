package server

import (
	"encoding/json"

	"soundboard-server/internal/catalog"
)

type ClientMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type ServerMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Outbound message types form a closed set. Handlers build ServerMessages
// only through the constructors below, so adding a message kind means adding
// a constructor, not an ad-hoc string in a handler.
const (
	msgNowPlaying   = "nowPlaying"
	msgVolume       = "volume"
	msgError        = "error"
	msgSoundAdded   = "soundAdded"
	msgSoundDeleted = "soundDeleted"
	msgPong         = "pong"
)

// newNowPlayingMessage carries the full resolved sound (or nil when nothing
// is playing) so clients never do their own catalog lookup.
func newNowPlayingMessage(sound *catalog.Sound) ServerMessage {
	return ServerMessage{
		Type:    msgNowPlaying,
		Payload: NowPlayingEvent{Sound: sound},
	}
}

func newVolumeMessage(level int) ServerMessage {
	return ServerMessage{
		Type:    msgVolume,
		Payload: VolumeEvent{Volume: level},
	}
}

func newErrorMessage(message string) ServerMessage {
	return ServerMessage{
		Type:    msgError,
		Payload: ErrorMessage{Message: message},
	}
}

func newSoundAddedMessage(sound *catalog.Sound) ServerMessage {
	return ServerMessage{
		Type:    msgSoundAdded,
		Payload: SoundAddedEvent{Sound: sound},
	}
}

func newSoundDeletedMessage(id int64) ServerMessage {
	return ServerMessage{
		Type:    msgSoundDeleted,
		Payload: SoundDeletedEvent{ID: id},
	}
}

func newPongMessage() ServerMessage {
	return ServerMessage{
		Type:    msgPong,
		Payload: struct{}{},
	}
}
