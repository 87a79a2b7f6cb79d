// Package store persists domain events to SQLite. Writes are serialized
// through a single goroutine; SQLite tolerates concurrent readers under WAL
// but a second writer gets SQLITE_BUSY.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"classwatch/pkg/types"
)

var ErrClosed = errors.New("store is closed")

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id          TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	user_id     TEXT NOT NULL DEFAULT '',
	room        TEXT NOT NULL DEFAULT '',
	notebook_id TEXT NOT NULL DEFAULT '',
	cell_id     TEXT NOT NULL DEFAULT '',
	content     TEXT NOT NULL DEFAULT '{}',
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_user ON events(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_events_room ON events(room, created_at);
`

type writeOp struct {
	fn     func(*sql.DB) error
	result chan error
}

// Store owns the SQLite handle and the single-writer loop.
type Store struct {
	db       *sql.DB
	writeCh  chan writeOp
	shutdown chan struct{}
	wg       sync.WaitGroup
	logger   *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// Open opens (creating if needed) the event database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// All writes flow through one goroutine, so one open connection is
	// enough for the writer; readers share the pool.
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(time.Hour)

	if err := applyPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	s := &Store{
		db:       db,
		writeCh:  make(chan writeOp, 100),
		shutdown: make(chan struct{}),
		logger:   logger,
	}

	s.wg.Add(1)
	go s.writeLoop()

	return s, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case op := <-s.writeCh:
			err := op.fn(s.db)
			if err != nil {
				s.logger.Warn("event write failed, retrying once",
					slog.String("error", err.Error()))
				time.Sleep(time.Second)
				err = op.fn(s.db)
			}
			op.result <- err

		case <-s.shutdown:
			return
		}
	}
}

func (s *Store) executeWrite(ctx context.Context, fn func(*sql.DB) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	s.mu.RUnlock()

	result := make(chan error, 1)
	select {
	case s.writeCh <- writeOp{fn: fn, result: result}:
	case <-s.shutdown:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Persist stores one event and returns its ID, generating one if the event
// arrived without it.
func (s *Store) Persist(ctx context.Context, event *types.Event) (string, error) {
	id := event.ID
	if id == "" {
		id = uuid.New().String()
	}
	createdAt := event.Timestamp
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	contentJSON, err := json.Marshal(event.Content)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event content: %w", err)
	}

	err = s.executeWrite(ctx, func(db *sql.DB) error {
		query := `
			INSERT INTO events (id, type, user_id, room, notebook_id, cell_id, content, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err := db.ExecContext(ctx, query,
			id,
			event.Type,
			event.UserID,
			event.Room,
			event.NotebookID,
			event.CellID,
			string(contentJSON),
			createdAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// RecentByUser returns the newest events recorded for a user, newest first.
func (s *Store) RecentByUser(ctx context.Context, userID string, limit int) ([]*types.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, type, user_id, room, notebook_id, cell_id, content, created_at
		FROM events
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

// RecentByRoom returns the newest events recorded for a room, newest first.
func (s *Store) RecentByRoom(ctx context.Context, room string, limit int) ([]*types.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, type, user_id, room, notebook_id, cell_id, content, created_at
		FROM events
		WHERE room = ?
		ORDER BY created_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, room, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*types.Event, error) {
	var events []*types.Event
	for rows.Next() {
		var event types.Event
		var contentJSON string

		err := rows.Scan(
			&event.ID,
			&event.Type,
			&event.UserID,
			&event.Room,
			&event.NotebookID,
			&event.CellID,
			&contentJSON,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		if err := json.Unmarshal([]byte(contentJSON), &event.Content); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event content: %w", err)
		}
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return events, nil
}

// HealthCheck validates connectivity and basic read access.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Close stops the writer loop and closes the handle. Safe to call twice.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
