package server

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"
)

type Role string

const (
	RolePlayback Role = "playback"
	RoleRemote   Role = "remote"
)

// ParseRole maps a clientType wire value to a Role.
func ParseRole(clientType string) (Role, bool) {
	switch Role(clientType) {
	case RolePlayback:
		return RolePlayback, true
	case RoleRemote:
		return RoleRemote, true
	default:
		return "", false
	}
}

// writeTimeout bounds every outbound socket write. A peer that stops
// reading is dropped rather than allowed to stall the sender.
const writeTimeout = 5 * time.Second

type registeredConn struct {
	id     string
	role   Role
	socket *websocket.Conn
}

// ConnectionRegistry tracks every identified connection, partitioned by role
// so a broadcast to one role does not touch the other's connections.
type ConnectionRegistry struct {
	conns map[string]*registeredConn // connectionID → socket + role
	mu    sync.RWMutex
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		conns: make(map[string]*registeredConn),
	}
}

// Register adds a connection under the given role. Registering the same id
// again replaces the entry, so re-registration is idempotent.
func (cr *ConnectionRegistry) Register(id string, role Role, socket *websocket.Conn) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.conns[id] = &registeredConn{id: id, role: role, socket: socket}
}

// Unregister removes a connection. Unknown ids are a no-op; transport close
// events can race other cleanup paths.
func (cr *ConnectionRegistry) Unregister(id string) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	delete(cr.conns, id)
}

// Count returns the number of registered connections for a role.
func (cr *ConnectionRegistry) Count(role Role) int {
	cr.mu.RLock()
	defer cr.mu.RUnlock()

	count := 0
	for _, conn := range cr.conns {
		if conn.role == role {
			count++
		}
	}
	return count
}

// snapshot copies the current connection set so broadcast iteration is not
// corrupted when a send failure unregisters a connection mid-loop. An empty
// role matches every connection.
func (cr *ConnectionRegistry) snapshot(role Role) []*registeredConn {
	cr.mu.RLock()
	defer cr.mu.RUnlock()

	conns := make([]*registeredConn, 0, len(cr.conns))
	for _, conn := range cr.conns {
		if role != "" && conn.role != role {
			continue
		}
		conns = append(conns, conn)
	}
	return conns
}

// Broadcast sends msg to every connection of the given role. Delivery is
// best-effort: a connection that cannot be written is skipped and removed,
// and never prevents delivery to the others.
func (cr *ConnectionRegistry) Broadcast(role Role, msg ServerMessage) {
	cr.deliver(cr.snapshot(role), msg)
}

// BroadcastAll sends msg to every registered connection of both roles.
func (cr *ConnectionRegistry) BroadcastAll(msg ServerMessage) {
	cr.deliver(cr.snapshot(""), msg)
}

func (cr *ConnectionRegistry) deliver(conns []*registeredConn, msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Failed to marshal broadcast %s: %v", msg.Type, err)
		return
	}

	for _, conn := range conns {
		// Use a fresh context per send: broadcasts outlive any one request.
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := conn.socket.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			log.Printf("Dropping unwritable connection %s: %v", conn.id, err)
			cr.Unregister(conn.id)
		}
	}
}

// Close closes one connection and removes it from the registry. Unknown ids
// are a no-op. Closing the socket makes the peer's read side see a real
// close, so its teardown and reconnect logic run instead of the connection
// lingering half-open.
func (cr *ConnectionRegistry) Close(id string, status websocket.StatusCode, reason string) {
	cr.mu.RLock()
	conn, exists := cr.conns[id]
	cr.mu.RUnlock()

	if !exists {
		return
	}
	if err := conn.socket.Close(status, reason); err != nil {
		log.Printf("Failed to close connection %s: %v", id, err)
	}
	cr.Unregister(id)
}

// CloseAll closes every registered connection with the given status. Used
// during shutdown so clients see a clean close instead of a dropped TCP
// connection.
func (cr *ConnectionRegistry) CloseAll(status websocket.StatusCode, reason string) {
	for _, conn := range cr.snapshot("") {
		if err := conn.socket.Close(status, reason); err != nil {
			log.Printf("Failed to close connection %s: %v", conn.id, err)
		}
		cr.Unregister(conn.id)
	}
}
