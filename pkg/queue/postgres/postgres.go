// Package postgres is a queue.Store on PostgreSQL through pgx. It is meant for
// deployments where several processes share one queue; remove and increment
// are single statements keyed by id, so concurrent drainers never fail each
// other and delivery degrades to at-least-once.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tidepool-social/syncqueue/pkg/logger"
	"github.com/tidepool-social/syncqueue/pkg/queue"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sync_queue (
    seq             BIGSERIAL   PRIMARY KEY,
    id              TEXT        NOT NULL UNIQUE,
    user_id         TEXT        NOT NULL,
    payload         BYTEA       NOT NULL,
    attempts        INTEGER     NOT NULL DEFAULT 0 CHECK (attempts >= 0),
    created_at      TIMESTAMPTZ NOT NULL,
    last_attempt_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_sync_queue_user_seq ON sync_queue (user_id, seq);
`

type Store struct {
	pool   *pgxpool.Pool
	logger logger.Logger

	// Now is the clock used for CreatedAt and LastAttemptAt.
	Now func() time.Time
}

var _ queue.Store = (*Store)(nil)

// New wraps an existing pool. Call Migrate once before use.
func New(pool *pgxpool.Pool, log logger.Logger) *Store {
	if log == nil {
		log = logger.New(slog.Default().Handler())
	}
	return &Store{
		pool:   pool,
		logger: log,
		Now:    time.Now,
	}
}

// Open connects to url, verifies the connection and applies the schema.
func Open(ctx context.Context, url string, log logger.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, queue.Wrap("open", "", fmt.Errorf("failed to create pool: %w", err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, queue.Wrap("open", "", fmt.Errorf("failed to ping database: %w", err))
	}

	s := New(pool, log)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the sync_queue table when missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return queue.Wrap("migrate", "", err)
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Enqueue(ctx context.Context, userID string, payload json.RawMessage) (string, error) {
	item := queue.NewItem(userID, payload, s.Now())

	_, err := s.pool.Exec(ctx,
		`INSERT INTO sync_queue (id, user_id, payload, attempts, created_at) VALUES ($1, $2, $3, 0, $4)`,
		item.ID, item.UserID, []byte(item.Payload), item.CreatedAt,
	)
	if err != nil {
		return "", queue.Wrap("enqueue", "", fmt.Errorf("failed to insert into sync_queue: %w", err))
	}

	s.logger.Debug("item inserted into sync_queue", "item_id", item.ID, "user_id", userID)
	return item.ID, nil
}

const selectColumns = `SELECT id, user_id, payload, attempts, created_at, last_attempt_at FROM sync_queue`

func (s *Store) GetQueueByUser(ctx context.Context, userID string) ([]queue.Item, error) {
	items, err := s.query(ctx, selectColumns+` WHERE user_id = $1 ORDER BY seq ASC`, userID)
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
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync_queue: %w", err)
	}

	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (queue.Item, error) {
		var (
			it          queue.Item
			payload     []byte
			lastAttempt *time.Time
		)
		if err := row.Scan(&it.ID, &it.UserID, &payload, &it.Attempts, &it.CreatedAt, &lastAttempt); err != nil {
			return it, err
		}
		it.Payload = json.RawMessage(payload)
		it.CreatedAt = it.CreatedAt.UTC()
		if lastAttempt != nil {
			it.LastAttemptAt = lastAttempt.UTC()
		}
		return it, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan sync_queue rows: %w", err)
	}
	if items == nil {
		items = make([]queue.Item, 0)
	}
	return items, nil
}

func (s *Store) RemoveFromQueue(ctx context.Context, id string) error {
	result, err := s.pool.Exec(ctx, `DELETE FROM sync_queue WHERE id = $1`, id)
	if err != nil {
		return queue.Wrap("remove", id, fmt.Errorf("failed to delete from sync_queue: %w", err))
	}
	if result.RowsAffected() == 0 {
		s.logger.Debug("sync_queue entry already gone", "item_id", id)
	}
	return nil
}

func (s *Store) IncrementAttemptCount(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sync_queue SET attempts = attempts + 1, last_attempt_at = $2 WHERE id = $1`,
		id, s.Now().UTC(),
	)
	if err != nil {
		return queue.Wrap("increment", id, fmt.Errorf("failed to increment attempts: %w", err))
	}
	return nil
}

// Truncate removes every row. It exists for tests and operational resets.
func (s *Store) Truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE sync_queue`)
	return queue.Wrap("truncate", "", err)
}
