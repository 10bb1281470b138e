// Package sqlite is a queue.Store on an embedded SQLite database
// (modernc.org/sqlite, no cgo). It is the default durable backend.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidepool-social/syncqueue/pkg/queue"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Store persists the queue in a single sync_queue table. Insertion order is
// the AUTOINCREMENT seq column, so ordering survives clock skew.
type Store struct {
	db *sql.DB

	// Now is the clock used for CreatedAt and LastAttemptAt.
	Now func() time.Time
}

var _ queue.Store = (*Store)(nil)

// Open creates or opens the database at path and applies the schema.
// It is safe to call on an existing database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, queue.Wrap("open", "", fmt.Errorf("failed to open database: %w", err))
	}

	// SQLite supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, queue.Wrap("open", "", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, queue.Wrap("open", "", fmt.Errorf("failed to apply schema: %w", err))
	}

	return &Store{db: db, Now: time.Now}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Enqueue(ctx context.Context, userID string, payload json.RawMessage) (string, error) {
	item := queue.NewItem(userID, payload, s.Now())

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_queue (id, user_id, payload, attempts, created_at) VALUES (?, ?, ?, 0, ?)`,
		item.ID, item.UserID, []byte(item.Payload), item.CreatedAt.UnixNano(),
	)
	if err != nil {
		return "", queue.Wrap("enqueue", "", err)
	}

	return item.ID, nil
}

const selectColumns = `SELECT id, user_id, payload, attempts, created_at, last_attempt_at FROM sync_queue`

func (s *Store) GetQueueByUser(ctx context.Context, userID string) ([]queue.Item, error) {
	items, err := s.query(ctx, selectColumns+` WHERE user_id = ? ORDER BY seq ASC`, userID)
	if err != nil {
		return nil, queue.Wrap("get_queue_by_user", "", err)
	}
	return items, nil
}

func (s *Store) GetQueue(ctx context.Context) ([]queue.Item, error) {
	items, err := s.query(ctx, selectColumns+` ORDER BY seq ASC`)
	if err != nil {
		return nil, queue.Wrap("get_queue", "", err)
	}
	return items, nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]queue.Item, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]queue.Item, 0)
	for rows.Next() {
		var (
			it          queue.Item
			payload     []byte
			createdAt   int64
			lastAttempt sql.NullInt64
		)
		if err := rows.Scan(&it.ID, &it.UserID, &payload, &it.Attempts, &createdAt, &lastAttempt); err != nil {
			return nil, fmt.Errorf("failed to scan sync_queue row: %w", err)
		}
		it.Payload = json.RawMessage(payload)
		it.CreatedAt = time.Unix(0, createdAt).UTC()
		if lastAttempt.Valid {
			it.LastAttemptAt = time.Unix(0, lastAttempt.Int64).UTC()
		}
		items = append(items, it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync_queue rows: %w", err)
	}
	return items, nil
}

func (s *Store) RemoveFromQueue(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	return queue.Wrap("remove", id, err)
}

func (s *Store) IncrementAttemptCount(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_queue SET attempts = attempts + 1, last_attempt_at = ? WHERE id = ?`,
		s.Now().UTC().UnixNano(), id,
	)
	return queue.Wrap("increment", id, err)
}
