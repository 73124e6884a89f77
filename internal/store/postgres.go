// Package store handles all database and cache interactions.
//
// postgres.go -- pgxpool connection setup and account queries.
// Creates a connection pool at startup, shared across all handlers.
// All queries use parameterized statements (no string concatenation).
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the durable credential store backing account records.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates and pings a connection pool to PostgreSQL and
// returns a ready-to-use store. Call once at startup from main.go; the
// returned store is safe for concurrent use.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool}, nil
}

// Close shuts down the connection pool and releases all resources.
// Call via defer in main.go after creating the store.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// CreateAccount inserts a new account. The caller generates the UUIDv7 and
// the Argon2id hash before calling this, and lowercases the email.
// Returns ErrDuplicateEmail on a unique violation.
func (s *PostgresStore) CreateAccount(ctx context.Context, id uuid.UUID, name, email, passwordHash string) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO accounts (id, name, email, password_hash) VALUES ($1, $2, $3, $4)",
		id, name, email, passwordHash)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("inserting account: %w", err)
	}
	return nil
}

// GetAccountByEmail fetches an account by its lowercased email.
// Returns ErrAccountNotFound if no row matches.
func (s *PostgresStore) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	var a Account
	err := s.pool.QueryRow(ctx,
		"SELECT id, name, email, password_hash, created_at FROM accounts WHERE email = $1",
		email,
	).Scan(&a.ID, &a.Name, &a.Email, &a.PasswordHash, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("fetching account by email: %w", err)
	}
	return &a, nil
}

// GetAccountByID fetches an account by primary key.
// Returns ErrAccountNotFound if no row matches -- the account may have been
// removed between token issuance and use.
func (s *PostgresStore) GetAccountByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	var a Account
	err := s.pool.QueryRow(ctx,
		"SELECT id, name, email, password_hash, created_at FROM accounts WHERE id = $1",
		id,
	).Scan(&a.ID, &a.Name, &a.Email, &a.PasswordHash, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("fetching account by id: %w", err)
	}
	return &a, nil
}
