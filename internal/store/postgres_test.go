// postgres_test.go

// integration tests for PostgresStore against a live database.
// Skipped unless TEST_DATABASE_URL points at a disposable instance
// (docker compose -f compose.test.yml up -d).
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/gofrs/uuid/v5"
)

// newTestPostgres connects and migrates, or skips the test.
func newTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("postgres integration: TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	ps, err := NewPostgresStore(ctx, url)
	if err != nil {
		t.Fatalf("connecting to test database: %v", err)
	}
	t.Cleanup(ps.Close)
	if err := ps.Migrate(ctx, os.DirFS("../../migrations")); err != nil {
		t.Fatalf("running migrations: %v", err)
	}
	return ps
}

// mustCreateAccount inserts an account with a unique email and returns it.
func mustCreateAccount(t *testing.T, ctx context.Context, ps *PostgresStore) (uuid.UUID, string) {
	t.Helper()
	id, err := uuid.NewV7()
	if err != nil {
		t.Fatalf("generating UUID: %v", err)
	}
	email := fmt.Sprintf("it-%s@test.local", id)
	if err := ps.CreateAccount(ctx, id, "Integration Test", email, "$argon2id$fake$hash"); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	return id, email
}

func TestPostgresAccounts(t *testing.T) {
	ps := newTestPostgres(t)
	ctx := context.Background()

	t.Run("create and fetch by email", func(t *testing.T) {
		id, email := mustCreateAccount(t, ctx, ps)

		a, err := ps.GetAccountByEmail(ctx, email)
		if err != nil {
			t.Fatalf("GetAccountByEmail: %v", err)
		}
		if a.ID != id {
			t.Errorf("ID: expected %v, got %v", id, a.ID)
		}
		if a.Name != "Integration Test" {
			t.Errorf("Name: expected Integration Test, got %q", a.Name)
		}
		if a.CreatedAt.IsZero() {
			t.Error("CreatedAt should be populated by the database")
		}
	})

	t.Run("fetch by id", func(t *testing.T) {
		id, email := mustCreateAccount(t, ctx, ps)

		a, err := ps.GetAccountByID(ctx, id)
		if err != nil {
			t.Fatalf("GetAccountByID: %v", err)
		}
		if a.Email != email {
			t.Errorf("Email: expected %q, got %q", email, a.Email)
		}
	})

	t.Run("duplicate email maps to sentinel", func(t *testing.T) {
		_, email := mustCreateAccount(t, ctx, ps)

		id2, _ := uuid.NewV7()
		err := ps.CreateAccount(ctx, id2, "Other", email, "$argon2id$fake$hash")
		if !errors.Is(err, ErrDuplicateEmail) {
			t.Errorf("expected ErrDuplicateEmail, got %v", err)
		}
	})

	t.Run("missing rows map to sentinel", func(t *testing.T) {
		if _, err := ps.GetAccountByEmail(ctx, "absent@test.local"); !errors.Is(err, ErrAccountNotFound) {
			t.Errorf("by email: expected ErrAccountNotFound, got %v", err)
		}
		ghost, _ := uuid.NewV7()
		if _, err := ps.GetAccountByID(ctx, ghost); !errors.Is(err, ErrAccountNotFound) {
			t.Errorf("by id: expected ErrAccountNotFound, got %v", err)
		}
	})
}

func TestMigrateIsIdempotent(t *testing.T) {
	ps := newTestPostgres(t)
	// newTestPostgres already migrated once; a second pass must be a no-op.
	if err := ps.Migrate(context.Background(), os.DirFS("../../migrations")); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}
