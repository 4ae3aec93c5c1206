package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"

	"soundboard-server/internal/catalog"
)

// ============================================================================
// CONNECT / STATE REPLAY TESTS
// ============================================================================

func TestHandleConnect_ReplaysDefaultState(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	_, ts, cleanup := setupTestServer()
	defer cleanup()

	conn, _, err := websocket.Dial(ctx, wsURL(ts), nil)
	assert.NoError(err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendCommand(t, ctx, conn, "connect", ConnectRequest{ClientType: "playback"})

	// Nothing is playing on a fresh server, so the replay is volume only
	msg := readMessage(t, ctx, conn)
	assert.Equal("volume", msg.Type)

	var event VolumeEvent
	decodePayload(t, msg.Payload, &event)
	assert.Equal(DefaultVolume, event.Volume)
}

func TestHandleConnect_LateJoinReplaysCurrentSound(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s, ts, cleanup := setupTestServer()
	defer cleanup()

	sound, err := s.catalog.Add(ctx, "Airhorn", "airhorn.mp3")
	assert.NoError(err)

	remote := dialAndConnect(t, ctx, ts, "remote")
	defer remote.Close(websocket.StatusNormalClosure, "")

	sendCommand(t, ctx, remote, "play", PlayRequest{SoundID: sound.ID})
	readMessage(t, ctx, remote) // nowPlaying broadcast back to sender

	// A client joining after the play receives the current state, not the
	// command history
	late, _, err := websocket.Dial(ctx, wsURL(ts), nil)
	assert.NoError(err)
	defer late.Close(websocket.StatusNormalClosure, "")

	sendCommand(t, ctx, late, "connect", ConnectRequest{ClientType: "playback"})

	msg := readMessage(t, ctx, late)
	assert.Equal("nowPlaying", msg.Type)
	var playing NowPlayingEvent
	decodePayload(t, msg.Payload, &playing)
	assert.NotNil(playing.Sound)
	assert.Equal(sound.ID, playing.Sound.ID)

	msg = readMessage(t, ctx, late)
	assert.Equal("volume", msg.Type)
}

func TestHandleConnect_InvalidClientType(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s, ts, cleanup := setupTestServer()
	defer cleanup()

	conn, _, err := websocket.Dial(ctx, wsURL(ts), nil)
	assert.NoError(err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendCommand(t, ctx, conn, "connect", ConnectRequest{ClientType: "spectator"})

	msg := readMessage(t, ctx, conn)
	assert.Equal("error", msg.Type)
	assert.Equal(0, s.registry.Count(RolePlayback)+s.registry.Count(RoleRemote))
}

func TestHandleConnect_RoleIsSetOnce(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	_, ts, cleanup := setupTestServer()
	defer cleanup()

	conn := dialAndConnect(t, ctx, ts, "remote")
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendCommand(t, ctx, conn, "connect", ConnectRequest{ClientType: "playback"})

	msg := readMessage(t, ctx, conn)
	assert.Equal("error", msg.Type)
}

func TestCommandsRejectedBeforeConnect(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s, ts, cleanup := setupTestServer()
	defer cleanup()

	sound, err := s.catalog.Add(ctx, "Airhorn", "airhorn.mp3")
	assert.NoError(err)

	conn, _, err := websocket.Dial(ctx, wsURL(ts), nil)
	assert.NoError(err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendCommand(t, ctx, conn, "play", PlayRequest{SoundID: sound.ID})

	msg := readMessage(t, ctx, conn)
	assert.Equal("error", msg.Type)
	assert.Nil(s.playback.Current(), "Unidentified connections must not mutate state")
}

// ============================================================================
// PLAY TESTS
// ============================================================================

func TestHandlePlay_BroadcastsToBothRoles(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s, ts, cleanup := setupTestServer()
	defer cleanup()

	sound, err := s.catalog.Add(ctx, "Airhorn", "airhorn.mp3")
	assert.NoError(err)

	playback := dialAndConnect(t, ctx, ts, "playback")
	defer playback.Close(websocket.StatusNormalClosure, "")
	remote := dialAndConnect(t, ctx, ts, "remote")
	defer remote.Close(websocket.StatusNormalClosure, "")

	sendCommand(t, ctx, remote, "play", PlayRequest{SoundID: sound.ID})

	// Playback clients start audio; remote clients update their indicator
	for _, conn := range []*websocket.Conn{playback, remote} {
		msg := readMessage(t, ctx, conn)
		assert.Equal("nowPlaying", msg.Type)
		var event NowPlayingEvent
		decodePayload(t, msg.Payload, &event)
		assert.NotNil(event.Sound)
		assert.Equal(sound.ID, event.Sound.ID)
		assert.Equal("Airhorn", event.Sound.Name)
	}

	current := s.playback.Current()
	assert.NotNil(current)
	assert.Equal(sound.ID, current.ID)
}

func TestHandlePlay_UnknownSound_ErrorIsUnicast(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s, ts, cleanup := setupTestServer()
	defer cleanup()

	playback := dialAndConnect(t, ctx, ts, "playback")
	defer playback.Close(websocket.StatusNormalClosure, "")
	remote := dialAndConnect(t, ctx, ts, "remote")
	defer remote.Close(websocket.StatusNormalClosure, "")

	sendCommand(t, ctx, remote, "play", PlayRequest{SoundID: 999999})

	msg := readMessage(t, ctx, remote)
	assert.Equal("error", msg.Type)

	// No state mutation, nothing leaks to the other connection
	assert.Nil(s.playback.Current())
	assertNoMessage(t, playback)
}

// ============================================================================
// STOP TESTS
// ============================================================================

func TestHandleStop_Idempotent(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s, ts, cleanup := setupTestServer()
	defer cleanup()

	sound, err := s.catalog.Add(ctx, "Airhorn", "airhorn.mp3")
	assert.NoError(err)

	playback := dialAndConnect(t, ctx, ts, "playback")
	defer playback.Close(websocket.StatusNormalClosure, "")
	remote := dialAndConnect(t, ctx, ts, "remote")
	defer remote.Close(websocket.StatusNormalClosure, "")

	sendCommand(t, ctx, remote, "play", PlayRequest{SoundID: sound.ID})
	readMessage(t, ctx, playback) // nowPlaying{sound}
	readMessage(t, ctx, remote)

	// Stop twice; the second is a no-op transition that still re-broadcasts
	sendCommand(t, ctx, remote, "stop", struct{}{})
	sendCommand(t, ctx, remote, "stop", struct{}{})

	for i := 0; i < 2; i++ {
		msg := readMessage(t, ctx, playback)
		assert.Equal("nowPlaying", msg.Type)
		var event NowPlayingEvent
		decodePayload(t, msg.Payload, &event)
		assert.Nil(event.Sound)
	}

	assert.Nil(s.playback.Current())
}

// ============================================================================
// VOLUME TESTS
// ============================================================================

func TestHandleVolume_BroadcastsToPlaybackOnly(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s, ts, cleanup := setupTestServer()
	defer cleanup()

	remote := dialAndConnect(t, ctx, ts, "remote")
	defer remote.Close(websocket.StatusNormalClosure, "")
	playback := dialAndConnect(t, ctx, ts, "playback")
	defer playback.Close(websocket.StatusNormalClosure, "")

	sendCommand(t, ctx, remote, "volume", VolumeRequest{Volume: 40})

	msg := readMessage(t, ctx, playback)
	assert.Equal("volume", msg.Type)
	var event VolumeEvent
	decodePayload(t, msg.Payload, &event)
	assert.Equal(40, event.Volume)

	assert.Equal(40, s.playback.Volume())

	// Remotes set the volume and render it optimistically; no echo
	assertNoMessage(t, remote)
}

func TestHandleVolume_OutOfRangeRejected(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s, ts, cleanup := setupTestServer()
	defer cleanup()

	playback := dialAndConnect(t, ctx, ts, "playback")
	defer playback.Close(websocket.StatusNormalClosure, "")
	remote := dialAndConnect(t, ctx, ts, "remote")
	defer remote.Close(websocket.StatusNormalClosure, "")

	sendCommand(t, ctx, remote, "volume", VolumeRequest{Volume: 150})

	msg := readMessage(t, ctx, remote)
	assert.Equal("error", msg.Type)

	// Prior volume survives; nothing reaches playback clients
	assert.Equal(DefaultVolume, s.playback.Volume())
	assertNoMessage(t, playback)
}

// ============================================================================
// PROTOCOL ERROR TESTS
// ============================================================================

func TestInvalidJSON_ConnectionSurvives(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	_, ts, cleanup := setupTestServer()
	defer cleanup()

	conn, _, err := websocket.Dial(ctx, wsURL(ts), nil)
	assert.NoError(err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	err = conn.Write(ctx, websocket.MessageText, []byte("{not json"))
	assert.NoError(err)

	msg := readMessage(t, ctx, conn)
	assert.Equal("error", msg.Type)

	// The same connection still works afterwards
	sendCommand(t, ctx, conn, "ping", struct{}{})
	msg = readMessage(t, ctx, conn)
	assert.Equal("pong", msg.Type)
}

func TestUnknownMessageType(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	_, ts, cleanup := setupTestServer()
	defer cleanup()

	conn, _, err := websocket.Dial(ctx, wsURL(ts), nil)
	assert.NoError(err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	req := ClientMessage{Type: "teleport", Payload: json.RawMessage(`{}`)}
	err = conn.Write(ctx, websocket.MessageText, mustMarshal(req))
	assert.NoError(err)

	msg := readMessage(t, ctx, conn)
	assert.Equal("error", msg.Type)
	var errMsg ErrorMessage
	decodePayload(t, msg.Payload, &errMsg)
	assert.Contains(errMsg.Message, "teleport")
}

func TestMalformedPayload_NoStateMutation(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s, ts, cleanup := setupTestServer()
	defer cleanup()

	conn := dialAndConnect(t, ctx, ts, "remote")
	defer conn.Close(websocket.StatusNormalClosure, "")

	req := ClientMessage{Type: "volume", Payload: json.RawMessage(`{"volume": "loud"}`)}
	err := conn.Write(ctx, websocket.MessageText, mustMarshal(req))
	assert.NoError(err)

	msg := readMessage(t, ctx, conn)
	assert.Equal("error", msg.Type)
	assert.Equal(DefaultVolume, s.playback.Volume())
}

// ============================================================================
// DELETION-TRIGGERED STOP TESTS
// ============================================================================

func TestDeleteCurrentSound_ForcesStop(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s, ts, cleanup := setupTestServer()
	defer cleanup()

	sound, err := s.catalog.Add(ctx, "Airhorn", "airhorn.mp3")
	assert.NoError(err)

	playback := dialAndConnect(t, ctx, ts, "playback")
	defer playback.Close(websocket.StatusNormalClosure, "")
	remote := dialAndConnect(t, ctx, ts, "remote")
	defer remote.Close(websocket.StatusNormalClosure, "")

	sendCommand(t, ctx, remote, "play", PlayRequest{SoundID: sound.ID})
	readMessage(t, ctx, playback) // nowPlaying{sound}
	readMessage(t, ctx, remote)

	// Delete the playing sound through the CRUD route; no client ever
	// issues stop
	req, _ := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/sounds/%d", ts.URL, sound.ID), nil)
	resp, err := http.DefaultClient.Do(req)
	assert.NoError(err)
	resp.Body.Close()
	assert.Equal(http.StatusNoContent, resp.StatusCode)

	for _, conn := range []*websocket.Conn{playback, remote} {
		msg := readMessage(t, ctx, conn)
		assert.Equal("nowPlaying", msg.Type)
		var event NowPlayingEvent
		decodePayload(t, msg.Payload, &event)
		assert.Nil(event.Sound)

		msg = readMessage(t, ctx, conn)
		assert.Equal("soundDeleted", msg.Type)
	}

	assert.Nil(s.playback.Current())
}

func TestDeleteOtherSound_PlaybackUnaffected(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s, ts, cleanup := setupTestServer()
	defer cleanup()

	playing, err := s.catalog.Add(ctx, "Airhorn", "airhorn.mp3")
	assert.NoError(err)
	other, err := s.catalog.Add(ctx, "Drumroll", "drumroll.mp3")
	assert.NoError(err)

	remote := dialAndConnect(t, ctx, ts, "remote")
	defer remote.Close(websocket.StatusNormalClosure, "")

	sendCommand(t, ctx, remote, "play", PlayRequest{SoundID: playing.ID})
	readMessage(t, ctx, remote)

	req, _ := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/sounds/%d", ts.URL, other.ID), nil)
	resp, err := http.DefaultClient.Do(req)
	assert.NoError(err)
	resp.Body.Close()

	// Only the catalog change is announced; playback keeps going
	msg := readMessage(t, ctx, remote)
	assert.Equal("soundDeleted", msg.Type)

	current := s.playback.Current()
	assert.NotNil(current)
	assert.Equal(playing.ID, current.ID)
}

// ============================================================================
// CONVERGENCE TESTS
// ============================================================================

func TestConvergence_CommandSequence(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s, ts, cleanup := setupTestServer()
	defer cleanup()

	first, err := s.catalog.Add(ctx, "Airhorn", "airhorn.mp3")
	assert.NoError(err)
	second, err := s.catalog.Add(ctx, "Drumroll", "drumroll.mp3")
	assert.NoError(err)

	playback := dialAndConnect(t, ctx, ts, "playback")
	defer playback.Close(websocket.StatusNormalClosure, "")
	remote := dialAndConnect(t, ctx, ts, "remote")
	defer remote.Close(websocket.StatusNormalClosure, "")

	// play → play → volume → stop, mirrored in order on the playback side
	sendCommand(t, ctx, remote, "play", PlayRequest{SoundID: first.ID})
	sendCommand(t, ctx, remote, "play", PlayRequest{SoundID: second.ID})
	sendCommand(t, ctx, remote, "volume", VolumeRequest{Volume: 10})
	sendCommand(t, ctx, remote, "stop", struct{}{})

	var event NowPlayingEvent

	msg := readMessage(t, ctx, playback)
	assert.Equal("nowPlaying", msg.Type)
	decodePayload(t, msg.Payload, &event)
	assert.Equal(first.ID, event.Sound.ID)

	msg = readMessage(t, ctx, playback)
	assert.Equal("nowPlaying", msg.Type)
	decodePayload(t, msg.Payload, &event)
	assert.Equal(second.ID, event.Sound.ID)

	msg = readMessage(t, ctx, playback)
	assert.Equal("volume", msg.Type)

	msg = readMessage(t, ctx, playback)
	assert.Equal("nowPlaying", msg.Type)
	decodePayload(t, msg.Payload, &event)
	assert.Nil(event.Sound)

	assert.Nil(s.playback.Current())
	assert.Equal(10, s.playback.Volume())
}

// ============================================================================
// COLLABORATOR FAILURE TESTS
// ============================================================================

// failingCatalog stands in for a broken database: every call errors with
// something other than ErrNotFound.
type failingCatalog struct{}

func (failingCatalog) Resolve(ctx context.Context, id int64) (*catalog.Sound, error) {
	return nil, fmt.Errorf("catalog unavailable: connection refused")
}

func (failingCatalog) List(ctx context.Context) ([]catalog.Sound, error) {
	return nil, fmt.Errorf("catalog unavailable: connection refused")
}

func (failingCatalog) Add(ctx context.Context, name, filename string) (*catalog.Sound, error) {
	return nil, fmt.Errorf("catalog unavailable: connection refused")
}

func (failingCatalog) Delete(ctx context.Context, id int64) error {
	return fmt.Errorf("catalog unavailable: connection refused")
}

func TestHandlePlay_CatalogFailure_TreatedAsNotFound(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	s := &Server{
		catalog:          failingCatalog{},
		registry:         NewConnectionRegistry(),
		playback:         NewPlaybackState(),
		rateLimiter:      NewRateLimiter(100, time.Second),
		connectionHealth: NewConnectionHealth(),
	}
	ts := httptest.NewServer(s.RegisterRoutes())
	defer ts.Close()

	playback := dialAndConnect(t, ctx, ts, "playback")
	defer playback.Close(websocket.StatusNormalClosure, "")
	remote := dialAndConnect(t, ctx, ts, "remote")
	defer remote.Close(websocket.StatusNormalClosure, "")

	sendCommand(t, ctx, remote, "play", PlayRequest{SoundID: 7})

	// A failing lookup errors back to the sender like a missing sound
	msg := readMessage(t, ctx, remote)
	assert.Equal("error", msg.Type)
	var errMsg ErrorMessage
	decodePayload(t, msg.Payload, &errMsg)
	assert.Contains(errMsg.Message, "not found")

	// No state mutation, and the session survives the collaborator outage
	assert.Nil(s.playback.Current())
	sendCommand(t, ctx, remote, "ping", struct{}{})
	msg = readMessage(t, ctx, remote)
	assert.Equal("pong", msg.Type)

	assertNoMessage(t, playback)
}

// ============================================================================
// IDLE REAPER TESTS
// ============================================================================

func TestReapIdleConnections_ClosesSocket(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s, ts, cleanup := setupTestServer()
	defer cleanup()

	playback := dialAndConnect(t, ctx, ts, "playback")
	defer playback.Close(websocket.StatusNormalClosure, "")
	assert.Equal(1, s.registry.Count(RolePlayback))

	// Playback clients are listen-only, so with zero tolerance this one is
	// already considered idle
	s.reapIdleConnections(0)

	assert.Equal(0, s.registry.Count(RolePlayback))

	// The peer must observe a real close, not a silent removal from the
	// broadcast set: its read loop exits and its reconnect logic takes over
	readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, _, err := playback.Read(readCtx)
	assert.Error(err, "Reaped socket should be closed, not left half-open")
}

func TestReapIdleConnections_KeepsActiveConnections(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s, ts, cleanup := setupTestServer()
	defer cleanup()

	conn := dialAndConnect(t, ctx, ts, "remote")
	defer conn.Close(websocket.StatusNormalClosure, "")

	s.reapIdleConnections(time.Minute)

	assert.Equal(1, s.registry.Count(RoleRemote))
	sendCommand(t, ctx, conn, "ping", struct{}{})
	msg := readMessage(t, ctx, conn)
	assert.Equal("pong", msg.Type)
}

// ============================================================================
// SLOW PEER ISOLATION TESTS
// ============================================================================

func TestStalledPeerDoesNotBlockOthers(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s, ts, cleanup := setupTestServer()
	defer cleanup()

	sound, err := s.catalog.Add(ctx, "Airhorn", "airhorn.mp3")
	assert.NoError(err)

	// This peer identifies itself and then never reads another frame; all
	// writes to it (replay included) are deadline-bounded
	stalled, _, err := websocket.Dial(ctx, wsURL(ts), nil)
	assert.NoError(err)
	defer stalled.Close(websocket.StatusNormalClosure, "")
	sendCommand(t, ctx, stalled, "connect", ConnectRequest{ClientType: "playback"})

	remote := dialAndConnect(t, ctx, ts, "remote")
	defer remote.Close(websocket.StatusNormalClosure, "")

	// The healthy client's command still completes promptly
	cmdCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	sendCommand(t, cmdCtx, remote, "play", PlayRequest{SoundID: sound.ID})
	msg := readMessage(t, cmdCtx, remote)
	assert.Equal("nowPlaying", msg.Type)

	var event NowPlayingEvent
	decodePayload(t, msg.Payload, &event)
	assert.Equal(sound.ID, event.Sound.ID)
}

// ============================================================================
// DISCONNECT TESTS
// ============================================================================

func TestDisconnect_RemovesFromRegistry(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s, ts, cleanup := setupTestServer()
	defer cleanup()

	conn := dialAndConnect(t, ctx, ts, "playback")
	assert.Equal(1, s.registry.Count(RolePlayback))

	conn.Close(websocket.StatusNormalClosure, "")

	// The read loop notices the close asynchronously
	assert.Eventually(func() bool {
		return s.registry.Count(RolePlayback) == 0
	}, 2*time.Second, 10*time.Millisecond, "Closed connection should be unregistered")
}
