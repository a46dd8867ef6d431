package profile

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"

	"github.com/felixgeelhaar/crust/internal/auth"
	"github.com/felixgeelhaar/crust/internal/telemetry"
)

// rowQuerier is the subset of pgxpool.Pool the fetcher uses.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresFetcher reads profiles straight from the database.
type PostgresFetcher struct {
	db    rowQuerier
	query string
}

var _ auth.ProfileFetcher = (*PostgresFetcher)(nil)

// NewPostgresFetcher creates a fetcher over an existing pool.
func NewPostgresFetcher(pool *pgxpool.Pool, table string) *PostgresFetcher {
	return newPostgresFetcher(pool, table)
}

func newPostgresFetcher(db rowQuerier, table string) *PostgresFetcher {
	if table == "" {
		table = DefaultTable
	}
	return &PostgresFetcher{
		db: db,
		query: fmt.Sprintf(
			`SELECT username, email, is_admin, is_staff, is_suspended FROM %s WHERE id = $1`,
			pgx.Identifier{table}.Sanitize()),
	}
}

// FetchProfile implements auth.ProfileFetcher.
func (f *PostgresFetcher) FetchProfile(ctx context.Context, userID string) (*auth.Profile, error) {
	ctx, span := telemetry.StartBackendSpan(ctx, "profiles", "postgres")
	defer span.End()

	p, err := f.fetch(ctx, userID)
	switch {
	case errors.Is(err, auth.ErrProfileNotFound):
		telemetry.RecordSuccess(span, attribute.Bool("profile.found", false))
	case err != nil:
		telemetry.RecordError(span, err)
	default:
		telemetry.RecordSuccess(span, attribute.Bool("profile.found", true))
	}
	return p, err
}

func (f *PostgresFetcher) fetch(ctx context.Context, userID string) (*auth.Profile, error) {
	id, err := uuid.Parse(userID)
	if err != nil {
		// No row can exist for a malformed id.
		return nil, auth.WrapError(auth.ErrProfileMissing, "profile not found", err,
			map[string]any{"user_id": userID})
	}

	var p auth.Profile
	err = f.db.QueryRow(ctx, f.query, id).Scan(
		&p.Username,
		&p.Email,
		&p.IsAdmin,
		&p.IsStaff,
		&p.IsSuspended,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, auth.NewError(auth.ErrProfileMissing, "profile not found", map[string]any{"user_id": userID})
	}
	if err != nil {
		return nil, auth.WrapError(auth.ErrProfileFetchFailed, "failed to query profile", err,
			map[string]any{"user_id": userID})
	}
	return &p, nil
}

// Connect opens a pgx pool and verifies it.
func Connect(ctx context.Context, databaseURL string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}
