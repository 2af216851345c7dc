package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harunnryd/bondcast/pkg/errorsx"
)

const lookupUserSQL = `
SELECT id, username, display_name, date_of_birth, prior_context_summary
FROM users
WHERE lower(username) = lower($1)`

// PostgresDirectory looks users up in the users table.
type PostgresDirectory struct {
	pool *pgxpool.Pool
}

func NewPostgresDirectory(pool *pgxpool.Pool) *PostgresDirectory {
	return &PostgresDirectory{pool: pool}
}

// OpenPool connects a pgx pool and verifies it with a ping.
func OpenPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func (d *PostgresDirectory) Lookup(ctx context.Context, username string) (Profile, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return Profile{}, errorsx.Wrap(ErrNotFound, errorsx.ReasonIdentityNotFound)
	}
	var (
		p       Profile
		display *string
		dob     *time.Time
		summary *string
	)
	err := d.pool.QueryRow(ctx, lookupUserSQL, username).Scan(&p.ID, &p.Username, &display, &dob, &summary)
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{}, errorsx.Wrap(ErrNotFound, errorsx.ReasonIdentityNotFound)
	}
	if err != nil {
		return Profile{}, errorsx.Wrap(fmt.Errorf("lookup %q: %w", username, err), errorsx.ReasonIdentityLookup)
	}
	if display != nil {
		p.DisplayName = *display
	}
	if dob != nil {
		p.DateOfBirth = *dob
	}
	if summary != nil {
		p.PriorContextSummary = *summary
	}
	return p, nil
}
