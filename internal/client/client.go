// Package client implements the soundboard's client side of the playback
// sync protocol: a long-lived websocket session that identifies its role,
// mirrors the server's playback state, and reconnects with randomized
// exponential backoff when the connection drops.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"

	"soundboard-server/internal/catalog"
)

const (
	RolePlayback = "playback"
	RoleRemote   = "remote"
)

// ErrNotConnected is returned by send operations while the session is not
// open. There is no offline queue; callers surface this to the user.
var ErrNotConnected = errors.New("NOT_CONNECTED: Client is not connected")

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "disconnected"
	}
}

// Mirror is the read-only projection of server playback state. Every field
// is overwritten wholesale by incoming events; the client never merges.
type Mirror struct {
	CurrentSound *catalog.Sound
	Volume       int
	Connected    bool
}

// Handlers are optional callbacks invoked from the read loop. Nil handlers
// are skipped.
type Handlers struct {
	OnNowPlaying   func(sound *catalog.Sound)
	OnVolume       func(level int)
	OnError        func(message string)
	OnSoundAdded   func(sound *catalog.Sound)
	OnSoundDeleted func(id int64)
}

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type Client struct {
	url        string
	clientType string
	handlers   Handlers

	mu     sync.RWMutex
	state  State
	conn   *websocket.Conn
	mirror Mirror

	retry *backoff.ExponentialBackOff
}

// New creates a client for the given websocket URL acting as clientType
// (RolePlayback or RoleRemote).
func New(url, clientType string, handlers Handlers) *Client {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // retry forever; only ctx cancellation stops Run
	b.Reset()

	return &Client{
		url:        url,
		clientType: clientType,
		handlers:   handlers,
		retry:      b,
	}
}

// Run dials the server and keeps the session alive until ctx is cancelled.
// Every drop schedules a reconnect with randomized exponential backoff; the
// backoff resets after each successful open, so a stable connection that
// later fails retries quickly again.
func (c *Client) Run(ctx context.Context) error {
	for {
		c.setState(StateConnecting)

		conn, _, err := websocket.Dial(ctx, c.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				c.dropConnection()
				return ctx.Err()
			}
			log.Printf("Dial %s failed: %v", c.url, err)
			c.dropConnection()
			if werr := c.waitRetry(ctx); werr != nil {
				return werr
			}
			continue
		}

		if err := c.open(ctx, conn); err != nil {
			log.Printf("Failed to identify as %s: %v", c.clientType, err)
			conn.Close(websocket.StatusProtocolError, "connect command failed")
			c.dropConnection()
			if werr := c.waitRetry(ctx); werr != nil {
				return werr
			}
			continue
		}

		c.retry.Reset()

		c.readLoop(ctx, conn)

		conn.Close(websocket.StatusNormalClosure, "")
		c.dropConnection()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if werr := c.waitRetry(ctx); werr != nil {
			return werr
		}
	}
}

// open declares the client's role as the first frame on a fresh transport.
// Connected flips true on transport open; the server's state replay follows
// without any further request.
func (c *Client) open(ctx context.Context, conn *websocket.Conn) error {
	data, err := json.Marshal(map[string]interface{}{
		"type":    "connect",
		"payload": map[string]string{"clientType": c.clientType},
	})
	if err != nil {
		return fmt.Errorf("marshal connect: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write connect: %w", err)
	}

	c.mu.Lock()
	c.state = StateOpen
	c.conn = conn
	c.mirror.Connected = true
	c.mu.Unlock()
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg envelope
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("Invalid frame from server: %v", err)
			continue
		}

		switch msg.Type {
		case "nowPlaying":
			var ev struct {
				Sound *catalog.Sound `json:"sound"`
			}
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				continue
			}
			c.mu.Lock()
			c.mirror.CurrentSound = ev.Sound
			c.mu.Unlock()
			if c.handlers.OnNowPlaying != nil {
				c.handlers.OnNowPlaying(ev.Sound)
			}

		case "volume":
			var ev struct {
				Volume int `json:"volume"`
			}
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				continue
			}
			c.mu.Lock()
			c.mirror.Volume = ev.Volume
			c.mu.Unlock()
			if c.handlers.OnVolume != nil {
				c.handlers.OnVolume(ev.Volume)
			}

		case "error":
			var ev struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				continue
			}
			if c.handlers.OnError != nil {
				c.handlers.OnError(ev.Message)
			}

		case "soundAdded":
			var ev struct {
				Sound *catalog.Sound `json:"sound"`
			}
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				continue
			}
			if c.handlers.OnSoundAdded != nil {
				c.handlers.OnSoundAdded(ev.Sound)
			}

		case "soundDeleted":
			var ev struct {
				ID int64 `json:"id"`
			}
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				continue
			}
			if c.handlers.OnSoundDeleted != nil {
				c.handlers.OnSoundDeleted(ev.ID)
			}

		case "pong":
			// keepalive reply, nothing to mirror

		default:
			// Unknown server events are skipped; the protocol is
			// forward-compatible in both directions.
			log.Printf("Unknown server message type %q", msg.Type)
		}
	}
}

// waitRetry sleeps for the next backoff interval, abandoning the wait when
// ctx is cancelled.
func (c *Client) waitRetry(ctx context.Context) error {
	delay := c.retry.NextBackOff()
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) setState(state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

func (c *Client) dropConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateDisconnected
	c.conn = nil
	c.mirror.Connected = false
}

// State returns the session state. Open means the transport is up and the
// connect command has been written.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Mirror returns a copy of the locally mirrored playback state.
func (c *Client) Mirror() Mirror {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mirror
}

// Play asks the server to start the given sound.
func (c *Client) Play(ctx context.Context, soundID int64) error {
	return c.send(ctx, "play", map[string]int64{"soundId": soundID})
}

// Stop asks the server to stop playback.
func (c *Client) Stop(ctx context.Context) error {
	return c.send(ctx, "stop", struct{}{})
}

// SetVolume asks the server to set the shared volume.
func (c *Client) SetVolume(ctx context.Context, level int) error {
	return c.send(ctx, "volume", map[string]int{"volume": level})
}

// Ping sends an application-level keepalive.
func (c *Client) Ping(ctx context.Context) error {
	return c.send(ctx, "ping", struct{}{})
}

// send fails fast with ErrNotConnected while the session is not open; there
// is no offline command queue.
func (c *Client) send(ctx context.Context, msgType string, payload interface{}) error {
	c.mu.RLock()
	conn, state := c.conn, c.state
	c.mu.RUnlock()

	if state != StateOpen || conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(map[string]interface{}{
		"type":    msgType,
		"payload": payload,
	})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msgType, err)
	}

	return conn.Write(ctx, websocket.MessageText, data)
}
