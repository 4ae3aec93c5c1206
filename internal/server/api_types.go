package server

import "soundboard-server/internal/catalog"

// ============================================================================
// ERROR RESPONSES
// ============================================================================
// tygo:generate
type ErrorMessage struct {
	Message string `json:"message"`
}

// ============================================================================
// CONNECT (connect)
// ============================================================================
// tygo:generate
type ConnectRequest struct {
	ClientType string `json:"clientType"`
}

// ============================================================================
// PLAY (play)
// ============================================================================
// tygo:generate
type PlayRequest struct {
	SoundID int64 `json:"soundId"`
}

// ============================================================================
// VOLUME (volume)
// ============================================================================
// tygo:generate
type VolumeRequest struct {
	Volume int `json:"volume"`
}

// ============================================================================
// NOW PLAYING (nowPlaying broadcast)
// ============================================================================
// tygo:generate
type NowPlayingEvent struct {
	Sound *catalog.Sound `json:"sound"` // nil means nothing is playing
}

// ============================================================================
// VOLUME (volume broadcast)
// ============================================================================
// tygo:generate
type VolumeEvent struct {
	Volume int `json:"volume"`
}

// ============================================================================
// CATALOG CHANGES (soundAdded / soundDeleted broadcasts)
// ============================================================================
// tygo:generate
type SoundAddedEvent struct {
	Sound *catalog.Sound `json:"sound"`
}

// tygo:generate
type SoundDeletedEvent struct {
	ID int64 `json:"id"`
}

// ============================================================================
// SOUND CRUD (REST)
// ============================================================================
// tygo:generate
type CreateSoundRequest struct {
	Name     string `json:"name"`
	Filename string `json:"filename"`
}
