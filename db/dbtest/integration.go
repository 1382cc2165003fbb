package dbtest

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"vendorflow/test/infra"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration returns a pool on a freshly migrated throwaway schema of the
// database named by DATABASE_URL. The test is skipped when it is unset.
func Integration(t testing.TB) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	pool, cleanup, err := infra.ApplyMigrations(ctx, dsn, true)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		pool.Close()
		_ = cleanup(context.Background())
	})
	return pool
}

// SeedUser inserts a user with role and returns its id.
func SeedUser(t testing.TB, pool *pgxpool.Pool, role string) string {
	t.Helper()
	id := uuid.NewString()
	email := fmt.Sprintf("%s+%s@example.com", role, id[:8])
	if _, err := pool.Exec(context.Background(),
		`INSERT INTO users (id, email, full_name, role) VALUES ($1, $2, $3, $4)`, id, email, role+" "+id[:8], role); err != nil {
		t.Fatalf("seed %s user: %v", role, err)
	}
	return id
}
