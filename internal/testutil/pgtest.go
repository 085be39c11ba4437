// Package testutil provides a migrated Postgres database for integration
// tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"sync"
	"testing"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/campusbazaar/unlockd/internal/dbmigrate"
)

// Tables holds the unlockd schema tables in dependency order.
var Tables = []string{
	"audit_log",
	"payment_orders",
	"wallet_refunds",
	"credit_reservations",
	"unlock_records",
	"user_wallets",
	"items",
}

var shared struct {
	once sync.Once
	dsn  string
	err  error
}

// PGTest returns a migrated, empty database and truncates it again when the
// test ends. POSTGRES_URL points at an existing database; otherwise one
// postgres:16-alpine container is shared by the test binary, and the test is
// skipped when no container runtime is available.
func PGTest(t *testing.T) *sql.DB {
	t.Helper()

	dsn := os.Getenv("POSTGRES_URL")
	if dsn == "" {
		testcontainers.SkipIfProviderIsNotHealthy(t)
		dsn = containerDSN(t)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("pgtest: open: %v", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: ping: %v", err)
	}
	if err := dbmigrate.Up(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: migrate: %v", err)
	}
	if err := Truncate(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: truncate: %v", err)
	}

	t.Cleanup(func() {
		if err := Truncate(context.Background(), db); err != nil {
			t.Logf("pgtest: truncate on cleanup: %v", err)
		}
		_ = db.Close()
	})
	return db
}

// Truncate empties every unlockd table.
func Truncate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, "TRUNCATE "+strings.Join(Tables, ", ")+" RESTART IDENTITY CASCADE")
	return err
}

func containerDSN(t *testing.T) string {
	t.Helper()
	shared.once.Do(func() {
		ctx := context.Background()
		ctr, err := postgres.Run(ctx, "postgres:16-alpine",
			postgres.WithDatabase("unlockd_test"),
			postgres.WithUsername("unlockd"),
			postgres.WithPassword("unlockd"),
			postgres.BasicWaitStrategies(),
		)
		if err != nil {
			shared.err = err
			return
		}
		shared.dsn, shared.err = ctr.ConnectionString(ctx, "sslmode=disable")
	})
	if shared.err != nil {
		t.Fatalf("pgtest: start postgres container: %v", shared.err)
	}
	return shared.dsn
}
