package profile

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/crust/internal/auth"
)

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case **string:
			v, _ := r.values[i].(*string)
			*p = v
		case *bool:
			*p = r.values[i].(bool)
		}
	}
	return nil
}

type fakeQuerier struct {
	row   fakeRow
	sql   string
	args  []any
	calls int
}

func (q *fakeQuerier) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	q.calls++
	q.sql = sql
	q.args = args
	return q.row
}

func strPtr(s string) *string { return &s }

func TestPostgresFetcher(t *testing.T) {
	id := uuid.New()
	q := &fakeQuerier{row: fakeRow{values: []any{strPtr("nonna"), (*string)(nil), false, true, true}}}
	f := newPostgresFetcher(q, "")

	p, err := f.FetchProfile(context.Background(), id.String())
	require.NoError(t, err)
	assert.Equal(t, "nonna", *p.Username)
	assert.Nil(t, p.Email)
	assert.False(t, p.IsAdmin)
	assert.True(t, p.IsStaff)
	assert.True(t, p.IsSuspended)

	assert.Contains(t, q.sql, `FROM "profiles" WHERE id = $1`)
	assert.Equal(t, []any{id}, q.args)
}

func TestPostgresFetcherErrors(t *testing.T) {
	ctx := context.Background()

	q := &fakeQuerier{}
	_, err := newPostgresFetcher(q, "").FetchProfile(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, auth.ErrProfileNotFound)
	assert.Zero(t, q.calls, "malformed ids never reach the database")

	q = &fakeQuerier{row: fakeRow{err: pgx.ErrNoRows}}
	_, err = newPostgresFetcher(q, "").FetchProfile(ctx, uuid.NewString())
	assert.ErrorIs(t, err, auth.ErrProfileNotFound)

	q = &fakeQuerier{row: fakeRow{err: errors.New("conn reset")}}
	_, err = newPostgresFetcher(q, "").FetchProfile(ctx, uuid.NewString())
	assert.True(t, auth.IsAuthError(err, auth.ErrProfileFetchFailed))
}

func TestPostgresFetcherQuotesTable(t *testing.T) {
	f := newPostgresFetcher(&fakeQuerier{}, `pro"files`)
	assert.Contains(t, f.query, `FROM "pro""files"`)
}

func TestPostgresFetcherLive(t *testing.T) {
	dsn := os.Getenv("CRUST_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CRUST_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	pool, err := Connect(ctx, dsn, 2)
	require.NoError(t, err)
	defer pool.Close()

	// Temp tables are per connection, so everything runs on one.
	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Release()

	_, err = conn.Exec(ctx, `CREATE TEMP TABLE crust_profiles (
		id uuid PRIMARY KEY, username text, email text,
		is_admin boolean NOT NULL DEFAULT false,
		is_staff boolean NOT NULL DEFAULT false,
		is_suspended boolean NOT NULL DEFAULT false)`)
	require.NoError(t, err)

	id := uuid.New()
	_, err = conn.Exec(ctx, `INSERT INTO crust_profiles (id, username, is_admin) VALUES ($1, 'nonna', true)`, id)
	require.NoError(t, err)

	f := newPostgresFetcher(conn, "crust_profiles")
	p, err := f.FetchProfile(ctx, id.String())
	require.NoError(t, err)
	assert.Equal(t, "nonna", *p.Username)
	assert.Nil(t, p.Email)
	assert.True(t, p.IsAdmin)

	_, err = f.FetchProfile(ctx, uuid.NewString())
	assert.ErrorIs(t, err, auth.ErrProfileNotFound)
}
