// Package testutil holds the shared Postgres harness for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

// appTables are truncated between tests, children before parents. The goose
// version table is left alone so migrations are not re-applied.
var appTables = []string{
	"credit_transactions",
	"outbox_events",
	"operations",
	"videos",
	"images",
	"users",
}

// PGTest connects to POSTGRES_URL, brings the schema up to date with goose,
// and returns the connection plus a cleanup that truncates the application
// tables. Tests without a POSTGRES_URL are skipped.
//
//	db, cleanup := testutil.PGTest(t)
//	t.Cleanup(cleanup)
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	dsn := os.Getenv("POSTGRES_URL")
	if dsn == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("pgtest: open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	ctx := context.Background()
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: set dialect: %v", err)
	}
	if err := goose.UpContext(ctx, db, migrationsDir(t)); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: run migrations: %v", err)
	}

	return db, func() {
		// TRUNCATE fires no row-level triggers, so the append-only guard on
		// credit_transactions does not block cleanup.
		stmt := "TRUNCATE " + strings.Join(appTables, ", ") + " CASCADE"
		_, _ = db.ExecContext(ctx, stmt)
		_ = db.Close()
	}
}

// migrationsDir walks up from the package directory until it finds the
// repository's migrations/ directory.
func migrationsDir(t *testing.T) string {
	t.Helper()

	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("pgtest: getwd: %v", err)
	}
	for {
		path := filepath.Join(dir, "migrations")
		if st, err := os.Stat(path); err == nil && st.IsDir() {
			return path
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("pgtest: no migrations/ directory above the working directory")
			return ""
		}
		dir = parent
	}
}
