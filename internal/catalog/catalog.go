package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a sound id does not resolve.
// The message format matches the other client-visible errors (CODE: detail).
var ErrNotFound = errors.New("SOUND_NOT_FOUND: No sound with that id")

// Sound is the persisted metadata for one uploadable sound. The binary audio
// itself lives outside this store; Filename is the opaque pointer to it.
// tygo:generate
type Sound struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Filename  string    `json:"filename"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store handles saving and loading sound metadata to/from the database
type Store struct {
	db *sql.DB
}

// NewStore creates a new sound metadata store
func NewStore(db *sql.DB) *Store {
	return &Store{
		db: db,
	}
}

// Resolve fetches one sound by id. Returns ErrNotFound if it does not exist,
// so callers can distinguish "gone" from a failing database.
func (s *Store) Resolve(ctx context.Context, id int64) (*Sound, error) {
	query := `
		SELECT id, name, filename, created_at FROM sounds WHERE id = $1
	`

	var sound Sound
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&sound.ID,
		&sound.Name,
		&sound.Filename,
		&sound.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to resolve sound %d: %w", id, err)
	}

	return &sound, nil
}

// List returns all sounds, newest first
func (s *Store) List(ctx context.Context) ([]Sound, error) {
	query := `
		SELECT id, name, filename, created_at FROM sounds ORDER BY created_at DESC, id DESC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sounds: %w", err)
	}
	defer rows.Close()

	sounds := make([]Sound, 0)
	for rows.Next() {
		var sound Sound
		if err := rows.Scan(&sound.ID, &sound.Name, &sound.Filename, &sound.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sound row: %w", err)
		}
		sounds = append(sounds, sound)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed reading sound rows: %w", err)
	}

	return sounds, nil
}

// Add inserts a new sound and returns it with its generated id and timestamp
func (s *Store) Add(ctx context.Context, name, filename string) (*Sound, error) {
	query := `
		INSERT INTO sounds (name, filename) VALUES ($1, $2)
		RETURNING id, name, filename, created_at
	`

	var sound Sound
	err := s.db.QueryRowContext(ctx, query, name, filename).Scan(
		&sound.ID,
		&sound.Name,
		&sound.Filename,
		&sound.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to add sound %q: %w", name, err)
	}

	return &sound, nil
}

// Delete removes a sound by id. Returns ErrNotFound if nothing was deleted.
func (s *Store) Delete(ctx context.Context, id int64) error {
	query := `
		DELETE FROM sounds WHERE id = $1
	`

	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete sound %d: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read delete result for sound %d: %w", id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}
