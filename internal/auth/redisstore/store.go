// Package redisstore keeps the session artifact in Redis so a fleet of
// server processes share one login.
package redisstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felixgeelhaar/crust/internal/auth"
)

// DefaultTTL matches the refresh-token lifetime of the hosted auth API.
const DefaultTTL = 7 * 24 * time.Hour

// DefaultKey is used when no key is configured.
const DefaultKey = "crust:session"

// Store is a Redis-backed auth.ArtifactStore.
type Store struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

var _ auth.ArtifactStore = (*Store)(nil)

// Options configures a Store.
type Options struct {
	Addr     string
	Password string
	DB       int
	Key      string
	TTL      time.Duration
}

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, opts Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, auth.WrapError(auth.ErrArtifactStoreFailed, "failed to connect to redis", err,
			map[string]any{"addr": opts.Addr})
	}

	return New(client, opts.Key, opts.TTL), nil
}

// New wraps an existing client.
func New(client redis.UniversalClient, key string, ttl time.Duration) *Store {
	if key == "" {
		key = DefaultKey
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, key: key, ttl: ttl}
}

// Key returns the Redis key holding the artifact.
func (s *Store) Key() string {
	return s.key
}

// Save stores the artifact with the configured TTL.
func (s *Store) Save(ctx context.Context, session *auth.Session) error {
	data, err := auth.MarshalArtifact(session)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, data, s.ttl).Err(); err != nil {
		return auth.WrapError(auth.ErrArtifactStoreFailed, "failed to save session artifact", err,
			map[string]any{"key": s.key})
	}
	return nil
}

// Load returns the artifact, or nil when the key is absent.
func (s *Store) Load(ctx context.Context) (*auth.Session, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, auth.WrapError(auth.ErrArtifactStoreFailed, "failed to load session artifact", err,
			map[string]any{"key": s.key})
	}
	return auth.UnmarshalArtifact(data)
}

// Clear deletes the artifact key.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return auth.WrapError(auth.ErrArtifactStoreFailed, "failed to clear session artifact", err,
			map[string]any{"key": s.key})
	}
	return nil
}

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
