// Package testutil provides shared helpers for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// StartPostgres starts a disposable Postgres 16 container and returns an open
// connection to it. If TEST_DATABASE_URL is set, that database is reused
// instead (useful in CI where a service container is already running). The
// test is skipped when Docker is unavailable.
func StartPostgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		pgC, err := postgres.Run(ctx,
			"postgres:16",
			postgres.WithDatabase("escrowd_test"),
			postgres.WithUsername("escrowd"),
			postgres.WithPassword("escrowd"),
		)
		if err != nil {
			t.Skipf("could not start postgres container (is Docker running?): %v", err)
		}
		t.Cleanup(func() {
			_ = pgC.Terminate(context.Background())
		})

		dsn, err = pgC.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			t.Fatalf("connection string: %v", err)
		}
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("ping database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return db
}
