package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/crust/internal/auth"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("CRUST_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CRUST_TEST_REDIS_ADDR not set")
	}

	s, err := Open(context.Background(), Options{
		Addr: addr,
		Key:  "crust:test:" + uuid.NewString(),
		TTL:  time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Clear(context.Background())
		_ = s.Close()
	})
	return s
}

func TestNewDefaults(t *testing.T) {
	s := New(nil, "", 0)
	assert.Equal(t, DefaultKey, s.Key())
	assert.Equal(t, DefaultTTL, s.ttl)
}

func TestOpenUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Open(ctx, Options{Addr: "127.0.0.1:1"})
	assert.True(t, auth.IsAuthError(err, auth.ErrArtifactStoreFailed))
}

func TestStoreRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	session := &auth.Session{
		UserID:       "user-1",
		AccessToken:  "at",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(time.Hour).UTC().Truncate(time.Second),
	}
	require.NoError(t, s.Save(ctx, session))

	ttl, err := s.client.TTL(ctx, s.Key()).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	got, err = s.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "rt", got.RefreshToken)
	assert.True(t, got.ExpiresAt.Equal(session.ExpiresAt))

	require.NoError(t, s.Clear(ctx))
	got, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}
