package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"routerd/internal/config"
)

// RedisStore is the distributed-deployment session backend: multiple proxy
// instances behind a load balancer share repo-scoping state through Redis
// instead of each keeping its own memory/disk copy.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisStore dials Redis and verifies connectivity before returning, the
// same fail-fast shape the teacher's store construction uses.
func NewRedisStore(cfg config.RedisConfig, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connect: %w", err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "routerd:session:"
	}

	slog.Info("session: redis store initialized", "addr", cfg.Addr, "key_prefix", keyPrefix)

	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}, nil
}

func (s *RedisStore) key(sessionID string) string {
	return s.keyPrefix + sessionID
}

// Get retrieves the record for sessionID from Redis.
func (s *RedisStore) Get(sessionID string) (Record, bool) {
	ctx := context.Background()
	data, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if err == redis.Nil {
		return Record{}, false
	}
	if err != nil {
		slog.Error("session: redis get failed", "session_id", sessionID, "error", err)
		return Record{}, false
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		slog.Error("session: redis record unmarshal failed", "session_id", sessionID, "error", err)
		return Record{}, false
	}
	return rec, true
}

// Put stores rec under sessionID with the store's TTL.
func (s *RedisStore) Put(sessionID string, rec Record) {
	if rec.LastActive.IsZero() {
		rec.LastActive = time.Now()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		slog.Error("session: redis record marshal failed", "session_id", sessionID, "error", err)
		return
	}
	ctx := context.Background()
	if err := s.client.Set(ctx, s.key(sessionID), data, s.ttl).Err(); err != nil {
		slog.Error("session: redis set failed", "session_id", sessionID, "error", err)
	}
}

// Delete removes sessionID from Redis.
func (s *RedisStore) Delete(sessionID string) {
	ctx := context.Background()
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		slog.Error("session: redis delete failed", "session_id", sessionID, "error", err)
	}
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
