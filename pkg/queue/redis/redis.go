// Package redis is a queue.Store on Redis. Each item is a hash holding the
// CBOR-encoded immutable part plus the mutable attempt counters; each user has
// a list of ids in insertion order.
//
// Keys (with the default prefix):
//
//	syncqueue:item:<id>   hash {item, attempts, last_attempt_at}
//	syncqueue:user:<uid>  list of ids
//	syncqueue:users       set of user ids with a list
//
// Remove and increment run as Lua scripts so they are atomic and a missing id
// is a no-op. Scripts declare every key they touch in KEYS. Item and user keys
// hash to different slots, so the store runs against a single node or a
// sentinel-managed primary, not Redis Cluster.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-redis/redis/v8"
	"github.com/tidepool-social/syncqueue/pkg/queue"
)

const DefaultPrefix = "syncqueue:"

const (
	fieldItem        = "item"
	fieldUser        = "user_id"
	fieldAttempts    = "attempts"
	fieldLastAttempt = "last_attempt_at"
)

// envelope is the immutable part of an item.
type envelope struct {
	ID        string    `cbor:"1,keyasint"`
	UserID    string    `cbor:"2,keyasint"`
	Payload   []byte    `cbor:"3,keyasint"`
	CreatedAt time.Time `cbor:"4,keyasint"`
}

var encMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("BUG: invalid cbor options: %v", err))
	}
	return em
}()

// KEYS[1] item hash, KEYS[2] owner's list; ARGV[1] id, ARGV[2] owner
var removeScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'user_id') ~= ARGV[2] then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('LREM', KEYS[2], 0, ARGV[1])
return 1
`)

// KEYS[1] item hash; ARGV[1] attempt timestamp (unix nanos)
var incrementScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HINCRBY', KEYS[1], 'attempts', 1)
redis.call('HSET', KEYS[1], 'last_attempt_at', ARGV[1])
return 1
`)

type Store struct {
	client *redis.Client
	prefix string

	// Now is the clock used for CreatedAt and LastAttemptAt.
	Now func() time.Time
}

var _ queue.Store = (*Store)(nil)

// New returns a store using client, which may come from redis.NewClient or
// redis.NewFailoverClient. An empty prefix selects DefaultPrefix.
func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix, Now: time.Now}
}

// Open connects to the Redis URL (redis://...) and verifies the connection.
func Open(ctx context.Context, url, prefix string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, queue.Wrap("open", "", fmt.Errorf("invalid redis url: %w", err))
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, queue.Wrap("open", "", fmt.Errorf("failed to ping redis: %w", err))
	}
	return New(client, prefix), nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) itemKey(id string) string     { return s.prefix + "item:" + id }
func (s *Store) userKey(userID string) string { return s.prefix + "user:" + userID }
func (s *Store) usersKey() string             { return s.prefix + "users" }

func (s *Store) removeKeys(id, userID string) []string {
	return []string{s.itemKey(id), s.userKey(userID)}
}

func (s *Store) Enqueue(ctx context.Context, userID string, payload json.RawMessage) (string, error) {
	item := queue.NewItem(userID, payload, s.Now())

	data, err := encMode.Marshal(envelope{
		ID:        item.ID,
		UserID:    item.UserID,
		Payload:   item.Payload,
		CreatedAt: item.CreatedAt,
	})
	if err != nil {
		return "", queue.Wrap("enqueue", "", fmt.Errorf("failed to encode item: %w", err))
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.itemKey(item.ID),
			fieldItem, data,
			fieldUser, item.UserID,
			fieldAttempts, 0,
		)
		pipe.RPush(ctx, s.userKey(userID), item.ID)
		pipe.SAdd(ctx, s.usersKey(), userID)
		return nil
	})
	if err != nil {
		return "", queue.Wrap("enqueue", "", err)
	}

	return item.ID, nil
}

func (s *Store) GetQueueByUser(ctx context.Context, userID string) ([]queue.Item, error) {
	items, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, queue.Wrap("get_queue_by_user", "", err)
	}
	return items, nil
}

func (s *Store) GetQueue(ctx context.Context) ([]queue.Item, error) {
	users, err := s.client.SMembers(ctx, s.usersKey()).Result()
	if err != nil {
		return nil, queue.Wrap("get_queue", "", err)
	}

	items := make([]queue.Item, 0)
	for _, uid := range users {
		userItems, err := s.loadUser(ctx, uid)
		if err != nil {
			return nil, queue.Wrap("get_queue", "", err)
		}
		items = append(items, userItems...)
	}
	return items, nil
}

func (s *Store) loadUser(ctx context.Context, userID string) ([]queue.Item, error) {
	ids, err := s.client.LRange(ctx, s.userKey(userID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	items := make([]queue.Item, 0, len(ids))
	if len(ids) == 0 {
		return items, nil
	}

	cmds := make([]*redis.StringStringMapCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.itemKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// removed between LRANGE and HGETALL
			continue
		}
		it, err := decode(fields)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, nil
}

func decode(fields map[string]string) (queue.Item, error) {
	var env envelope
	if err := cbor.Unmarshal([]byte(fields[fieldItem]), &env); err != nil {
		return queue.Item{}, fmt.Errorf("failed to decode item: %w", err)
	}

	it := queue.Item{
		ID:        env.ID,
		UserID:    env.UserID,
		Payload:   json.RawMessage(env.Payload),
		CreatedAt: env.CreatedAt.UTC(),
	}

	if v := fields[fieldAttempts]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return queue.Item{}, fmt.Errorf("invalid attempts %q: %w", v, err)
		}
		it.Attempts = n
	}
	if v := fields[fieldLastAttempt]; v != "" {
		nanos, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return queue.Item{}, fmt.Errorf("invalid last_attempt_at %q: %w", v, err)
		}
		it.LastAttemptAt = time.Unix(0, nanos).UTC()
	}
	return it, nil
}

// RemoveFromQueue looks the owner up first so the script can name the owner's
// list in KEYS; the script checks the owner again before deleting.
func (s *Store) RemoveFromQueue(ctx context.Context, id string) error {
	userID, err := s.client.HGet(ctx, s.itemKey(id), fieldUser).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return queue.Wrap("remove", id, err)
	}

	err = removeScript.Run(ctx, s.client, s.removeKeys(id, userID), id, userID).Err()
	return queue.Wrap("remove", id, err)
}

func (s *Store) IncrementAttemptCount(ctx context.Context, id string) error {
	now := strconv.FormatInt(s.Now().UTC().UnixNano(), 10)
	err := incrementScript.Run(ctx, s.client, []string{s.itemKey(id)}, now).Err()
	return queue.Wrap("increment", id, err)
}

// Flush deletes every key under the store prefix. It exists for tests.
func (s *Store) Flush(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return queue.Wrap("flush", "", err)
		}
	}
	return queue.Wrap("flush", "", iter.Err())
}
