package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "steward:session:"

// RedisStore keeps sessions in Redis: a header string, a turn list, and a
// sorted index by update time.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix defaults to "steward:session:".
	Prefix string
	// TTL expires idle sessions (0 = never).
	TTL time.Duration
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisStoreFromClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (b *RedisStore) headerKey(id string) string { return b.prefix + "meta:" + id }
func (b *RedisStore) turnsKey(id string) string  { return b.prefix + "turns:" + id }
func (b *RedisStore) indexKey() string           { return b.prefix + "index" }

func (b *RedisStore) check() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

func (b *RedisStore) Save(ctx context.Context, s *Session) error {
	if err := b.check(); err != nil {
		return err
	}
	if err := validateID(s.ID); err != nil {
		return err
	}

	var prev record
	data, err := b.client.Get(ctx, b.headerKey(s.ID)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return fmt.Errorf("get session %s: %w", s.ID, err)
	default:
		if err := json.Unmarshal(data, &prev); err != nil {
			return fmt.Errorf("decode session %s: %w", s.ID, err)
		}
	}
	fresh, err := s.unpersisted(prev.TurnCount, prev.LastTurnID)
	if err != nil {
		return err
	}

	header := s.header()
	headerData, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", s.ID, err)
	}
	turns := make([]any, 0, len(fresh))
	for _, t := range fresh {
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal turn %s: %w", t.ID, err)
		}
		turns = append(turns, raw)
	}

	pipe := b.client.TxPipeline()
	if len(turns) > 0 {
		pipe.RPush(ctx, b.turnsKey(s.ID), turns...)
	}
	pipe.Set(ctx, b.headerKey(s.ID), headerData, b.ttl)
	if b.ttl > 0 {
		pipe.Expire(ctx, b.turnsKey(s.ID), b.ttl)
	}
	pipe.ZAdd(ctx, b.indexKey(), redis.Z{Score: float64(header.UpdatedAt.UnixNano()), Member: s.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save session %s: %w", s.ID, err)
	}
	return nil
}

func (b *RedisStore) Load(ctx context.Context, id string) (*Session, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	data, err := b.client.Get(ctx, b.headerKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}

	var raw []string
	if r.TurnCount > 0 {
		raw, err = b.client.LRange(ctx, b.turnsKey(id), 0, int64(r.TurnCount)-1).Result()
		if err != nil {
			return nil, fmt.Errorf("load turns %s: %w", id, err)
		}
	}
	turns := make([]Turn, 0, len(raw))
	for _, item := range raw {
		var t Turn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			return nil, fmt.Errorf("decode turn in %s: %w", id, err)
		}
		turns = append(turns, t)
	}
	return fromRecord(r, turns), nil
}

func (b *RedisStore) Delete(ctx context.Context, id string) error {
	if err := b.check(); err != nil {
		return err
	}
	pipe := b.client.TxPipeline()
	del := pipe.Del(ctx, b.headerKey(id))
	pipe.Del(ctx, b.turnsKey(id))
	pipe.ZRem(ctx, b.indexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if del.Val() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (b *RedisStore) List(ctx context.Context, opts ListOptions) ([]Summary, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	ids, err := b.client.ZRevRange(ctx, b.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = b.headerKey(id)
	}
	vals, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load session headers: %w", err)
	}

	var out []Summary
	var expired []any
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		var r record
		if err := json.Unmarshal([]byte(s), &r); err != nil {
			continue
		}
		out = append(out, r.summary())
	}
	if len(expired) > 0 {
		_ = b.client.ZRem(ctx, b.indexKey(), expired...).Err()
	}
	sortSummaries(out)
	return opts.page(out), nil
}

func (b *RedisStore) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}
