package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

func (s *Server) RegisterRoutes() http.Handler {
	mux := http.NewServeMux()

	// Register routes
	mux.HandleFunc("/", s.rootHandler)

	mux.HandleFunc("/health", s.healthHandler)

	mux.HandleFunc("/websocket", s.websocketHandler)

	mux.HandleFunc("GET /sounds", s.listSoundsHandler)
	mux.HandleFunc("POST /sounds", s.createSoundHandler)
	mux.HandleFunc("DELETE /sounds/{id}", s.deleteSoundHandler)

	// Wrap the mux with CORS middleware
	return s.corsMiddleware(mux)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Set CORS headers
		w.Header().Set("Access-Control-Allow-Origin", "*") // Replace "*" with specific origins if needed
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, PATCH")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token")
		w.Header().Set("Access-Control-Allow-Credentials", "false")

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		// Proceed with the next handler
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rootHandler(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{"service": "soundboard-server"}
	jsonResp, err := json.Marshal(resp)
	if err != nil {
		http.Error(w, "Failed to marshal response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(jsonResp); err != nil {
		log.Printf("Failed to write response: %v", err)
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp, err := json.Marshal(s.db.Health())
	if err != nil {
		http.Error(w, "Failed to marshal health check response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(resp); err != nil {
		log.Printf("Failed to write response: %v", err)
	}
}

// websocketHandler owns the per-connection session lifecycle: a connection
// starts unidentified, becomes identified by its first valid connect command,
// and is unregistered when the transport closes for any reason.
func (s *Server) websocketHandler(w http.ResponseWriter, r *http.Request) {
	socket, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"}, // TODO: make environment-specific
	})
	if err != nil {
		http.Error(w, "Failed to open websocket", http.StatusInternalServerError)
		return
	}
	defer socket.Close(websocket.StatusGoingAway, "Server closing")

	ctx := r.Context()

	connectionID := uuid.New().String()
	log.Printf("New connection: %s", connectionID)

	identified := false
	defer func() {
		// Unregister is idempotent; the cleanup task or a failed broadcast
		// may already have removed this connection.
		s.registry.Unregister(connectionID)
		s.rateLimiter.RemoveConnection(connectionID)
		s.connectionHealth.RemoveConnection(connectionID)
		log.Printf("Connection closed: %s", connectionID)
	}()

	for {
		// Read from client
		msgType, data, err := socket.Read(ctx)

		if err != nil {
			log.Printf("Connection %s read error: %v", connectionID, err)
			return
		}

		if msgType != websocket.MessageText {
			log.Printf("Non-text input from %s", connectionID)
			continue
		}

		s.connectionHealth.UpdateActivity(connectionID)

		if !s.rateLimiter.Allow(connectionID) {
			s.sendError(socket, ctx, "Rate limit exceeded")
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("Invalid JSON from %s: %v", connectionID, err)
			s.sendError(socket, ctx, "Invalid JSON")
			continue
		}

		log.Printf("Message Type '%s' from %s", msg.Type, connectionID)

		// Route the message. Commands other than connect are rejected until
		// the connection has identified its role.
		switch msg.Type {
		case "ping":
			s.handlePing(socket, ctx, connectionID)

		case "connect":
			if identified {
				s.sendError(socket, ctx, "Already connected: role is set once")
				continue
			}
			identified = s.handleConnect(socket, ctx, connectionID, msg.Payload)

		case "play":
			if !identified {
				s.sendError(socket, ctx, "Not connected: send connect first")
				continue
			}
			s.handlePlay(socket, ctx, connectionID, msg.Payload)

		case "stop":
			if !identified {
				s.sendError(socket, ctx, "Not connected: send connect first")
				continue
			}
			s.handleStop(socket, ctx, connectionID)

		case "volume":
			if !identified {
				s.sendError(socket, ctx, "Not connected: send connect first")
				continue
			}
			s.handleVolume(socket, ctx, connectionID, msg.Payload)

		default:
			log.Printf("Unknown message type '%s' from %s", msg.Type, connectionID)
			s.sendError(socket, ctx, fmt.Sprintf("Unknown message type: %s", msg.Type))
		}
	}
}

func (s *Server) sendMessage(socket *websocket.Conn, ctx context.Context, msg ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	return socket.Write(ctx, websocket.MessageText, data)
}

func (s *Server) sendError(socket *websocket.Conn, ctx context.Context, msg string) {
	if err := s.sendMessage(socket, ctx, newErrorMessage(msg)); err != nil {
		log.Printf("Failed to send error message: %v", err)
	}
}
