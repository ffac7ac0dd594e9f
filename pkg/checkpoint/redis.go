package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "steward:checkpoint:"

// RedisStore keeps records in Redis. Each record is a string key; a set
// per session and a global set index the IDs.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix for every key (default "steward:checkpoint:").
	Prefix string
	// TTL expires records; zero keeps them until pruned.
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

func (s *RedisStore) recordKey(id string) string        { return s.prefix + "record:" + id }
func (s *RedisStore) sessionKey(sessionID string) string { return s.prefix + "session:" + sessionID }
func (s *RedisStore) allKey() string                     { return s.prefix + "all" }

func (s *RedisStore) open() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *RedisStore) Save(ctx context.Context, c *Checkpoint) error {
	if err := s.open(); err != nil {
		return err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.recordKey(c.ID), data, s.ttl)
	pipe.SAdd(ctx, s.sessionKey(c.SessionID), c.ID)
	pipe.SAdd(ctx, s.allKey(), c.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, id string) (*Checkpoint, error) {
	if err := s.open(); err != nil {
		return nil, err
	}
	data, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &c, nil
}

func (s *RedisStore) List(ctx context.Context, sessionID string) ([]*Checkpoint, error) {
	if err := s.open(); err != nil {
		return nil, err
	}
	index := s.allKey()
	if sessionID != "" {
		index = s.sessionKey(sessionID)
	}
	ids, err := s.client.SMembers(ctx, index).Result()
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	out := make([]*Checkpoint, 0, len(ids))
	for _, id := range ids {
		c, err := s.Load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Expired by TTL; drop the stale index entry.
			s.client.SRem(ctx, index, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	newestFirst(out)
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	c, err := s.Load(ctx, id)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.recordKey(id))
	pipe.SRem(ctx, s.sessionKey(c.SessionID), id)
	pipe.SRem(ctx, s.allKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}
