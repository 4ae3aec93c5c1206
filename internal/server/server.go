package server

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	_ "github.com/joho/godotenv/autoload"
	"github.com/pressly/goose/v3"

	"soundboard-server/internal/catalog"
	"soundboard-server/internal/database"
)

// SoundCatalog is the metadata store playback commands resolve against.
// *catalog.Store is the production implementation; tests substitute an
// in-memory one.
type SoundCatalog interface {
	Resolve(ctx context.Context, id int64) (*catalog.Sound, error)
	List(ctx context.Context) ([]catalog.Sound, error)
	Add(ctx context.Context, name, filename string) (*catalog.Sound, error)
	Delete(ctx context.Context, id int64) error
}

type Server struct {
	port             int
	db               database.Service
	catalog          SoundCatalog
	registry         *ConnectionRegistry
	playback         *PlaybackState
	rateLimiter      *RateLimiter
	connectionHealth *ConnectionHealth

	// playbackMu serializes mutate-then-broadcast sequences on PlaybackState
	// (including the state replay on connect), so every connection observes
	// changes in a single global order. Catalog lookups happen before taking
	// this lock; concurrent plays resolve last-writer-wins.
	playbackMu sync.Mutex
}

func NewServer() (*Server, *http.Server) {
	port, _ := strconv.Atoi(os.Getenv("PORT"))

	// Initialize database
	dbService := database.New()

	// Run migrations
	if err := runMigrations(dbService.DB()); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	NewServer := &Server{
		port:             port,
		db:               dbService,
		catalog:          catalog.NewStore(dbService.DB()),
		registry:         NewConnectionRegistry(),
		playback:         NewPlaybackState(),
		rateLimiter:      NewRateLimiter(20, time.Second),
		connectionHealth: NewConnectionHealth(),
	}

	// Start background tasks
	go NewServer.cleanupTask()

	// Declare Server config
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", NewServer.port),
		Handler:      NewServer.RegisterRoutes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return NewServer, server
}

// runMigrations applies database migrations using goose
func runMigrations(db *sql.DB) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.Up(db, "./db/migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	log.Println("Database migrations applied successfully")
	return nil
}

// cleanupTask runs every minute, dropping stale rate-limit entries and
// closing connections that have been silent past the idle timeout. The
// websocket library's own keepalive covers most dead peers; this catches
// half-open connections that never error out of Read.
func (s *Server) cleanupTask() {
	const idleTimeout = 10 * time.Minute

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		s.rateLimiter.Cleanup()
		s.reapIdleConnections(idleTimeout)
	}
}

// reapIdleConnections closes every connection silent past timeout. The
// socket must actually be closed, not just unregistered: a listen-only
// playback client would otherwise keep an open transport that no broadcast
// reaches, and its reconnect logic would never fire.
func (s *Server) reapIdleConnections(timeout time.Duration) {
	for _, connID := range s.connectionHealth.GetInactiveConnections(timeout) {
		log.Printf("Reaping idle connection %s", connID)
		s.connectionHealth.RemoveConnection(connID)
		s.registry.Close(connID, websocket.StatusGoingAway, "idle timeout")
	}
}

// Shutdown closes client connections cleanly and releases the database.
// The HTTP server's own Shutdown runs separately; websocket connections are
// hijacked, so they must be closed here or they would linger.
func (s *Server) Shutdown(ctx context.Context) error {
	s.registry.CloseAll(websocket.StatusGoingAway, "Server shutting down")
	return s.db.Close()
}
