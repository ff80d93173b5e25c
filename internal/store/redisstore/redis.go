// Package redisstore keeps sessions as Redis hashes under "session:<CODE>".
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"codedojo/collab/internal/models"
	"codedojo/collab/internal/store"
)

const keyPrefix = "session:"

// Fields are only written when the hash already exists; the TTL is refreshed on every write.
var updateScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2], "updated_at", ARGV[3])
if tonumber(ARGV[4]) > 0 then
	redis.call("EXPIRE", KEYS[1], ARGV[4])
end
return 1
`)

type Store struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

// New wraps an existing client. A zero ttl keeps sessions forever.
func New(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl, now: time.Now}
}

// Dial connects to addr and checks the connection.
func Dial(ctx context.Context, addr string, ttl time.Duration) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return New(rdb, ttl), nil
}

func (s *Store) Close() error { return s.rdb.Close() }

func key(code string) string { return keyPrefix + store.NormalizeCode(code) }

func (s *Store) Get(ctx context.Context, code string) (*models.Session, error) {
	fields, err := s.rdb.HGetAll(ctx, key(code)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get session from Redis: %w", err)
	}
	if len(fields) == 0 {
		return nil, store.ErrSessionNotFound
	}
	return decode(fields), nil
}

func (s *Store) SetCode(ctx context.Context, code, text string) (*models.Session, error) {
	return s.update(ctx, code, "code", text)
}

func (s *Store) SetLanguage(ctx context.Context, code, language string) (*models.Session, error) {
	return s.update(ctx, code, "language", language)
}

func (s *Store) update(ctx context.Context, code, field, value string) (*models.Session, error) {
	ok, err := updateScript.Run(ctx, s.rdb, []string{key(code)},
		field, value, s.now().UTC().Format(time.RFC3339Nano), int64(s.ttl/time.Second)).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to update session %s in Redis: %w", field, err)
	}
	if ok == 0 {
		return nil, store.ErrSessionNotFound
	}
	return s.Get(ctx, code)
}

func (s *Store) Create(ctx context.Context, title, language string) (*models.Session, error) {
	return store.CreateUnique(ctx, func(ctx context.Context, code string) (*models.Session, error) {
		k := key(code)
		claimed, err := s.rdb.HSetNX(ctx, k, "session_code", code).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to claim session code: %w", err)
		}
		if !claimed {
			return nil, store.ErrCodeTaken
		}
		sess := store.NewSession(uuid.NewString(), code, title, language, s.now().UTC())
		_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, k, encode(sess))
			if s.ttl > 0 {
				pipe.Expire(ctx, k, s.ttl)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to store session: %w", err)
		}
		return sess, nil
	})
}

func encode(s *models.Session) map[string]interface{} {
	return map[string]interface{}{
		"id":           s.ID,
		"session_code": s.Code,
		"title":        s.Title,
		"language":     s.Language,
		"code":         s.Text,
		"created_at":   s.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":   s.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func decode(m map[string]string) *models.Session {
	created, _ := time.Parse(time.RFC3339Nano, m["created_at"])
	updated, _ := time.Parse(time.RFC3339Nano, m["updated_at"])
	return &models.Session{
		ID:        m["id"],
		Code:      m["session_code"],
		Title:     m["title"],
		Language:  m["language"],
		Text:      m["code"],
		CreatedAt: created,
		UpdatedAt: updated,
	}
}
