//go:build integration

package auditledger_test

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/AuditLedger/internal/auditledger"
	"go.uber.org/zap"
)

// openPostgres connects to DATABASE_URL, applies the ledger schema and
// empties the table. TRUNCATE is not covered by the append-only row trigger.
func openPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	db, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("connect to postgres: %v", err)
	}
	t.Cleanup(db.Close)
	if err := db.Ping(ctx); err != nil {
		t.Fatalf("ping postgres: %v", err)
	}

	schema, err := os.ReadFile(filepath.Join("..", "..", "migrations", "001_audit_ledger.up.sql"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(ctx, string(schema)); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	if _, err := db.Exec(ctx, "TRUNCATE audit_ledger"); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return db
}

func TestPostgresStore(t *testing.T) {
	testStore(t, func(t *testing.T) auditledger.Store {
		return auditledger.NewPostgresStore(openPostgres(t), zap.NewNop())
	})
}

func TestPostgresStore_rejectsUpdates(t *testing.T) {
	db := openPostgres(t)
	s := auditledger.NewPostgresStore(db, zap.NewNop())
	w := newTestWriter(t, s)
	mustAppend(t, w, request(auditledger.ActionCreate, "admin-a"))

	if _, err := db.Exec(ctx, "UPDATE audit_ledger SET description = 'x' WHERE sequence_number = 1"); err == nil {
		t.Error("expected UPDATE to be rejected")
	}
	if _, err := db.Exec(ctx, "DELETE FROM audit_ledger WHERE sequence_number = 1"); err == nil {
		t.Error("expected DELETE to be rejected")
	}
}

// Two writers in separate "processes" share one database; the conditional
// append keeps the chain linear.
func TestPostgresStore_concurrentWriters(t *testing.T) {
	db := openPostgres(t)
	a := newTestWriter(t, auditledger.NewPostgresStore(db, zap.NewNop()))
	b := newTestWriter(t, auditledger.NewPostgresStore(db, zap.NewNop()))

	const perWriter = 15
	var wg sync.WaitGroup
	errs := make(chan error, 2*perWriter)
	for _, w := range []*auditledger.Writer{a, b} {
		wg.Add(1)
		go func(w *auditledger.Writer) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := w.Append(ctx, request(auditledger.ActionUpdate, "admin-a")); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("append: %v", err)
	}

	res, _, err := auditledger.VerifyStore(ctx, auditledger.NewPostgresStore(db, zap.NewNop()), auditledger.VerifyStoreOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.Checked != 2*perWriter {
		t.Errorf("chain after concurrent writers: %+v", res)
	}
}

func TestPostgresStore_tamperDetected(t *testing.T) {
	db := openPostgres(t)
	s := auditledger.NewPostgresStore(db, zap.NewNop())
	w := newTestWriter(t, s)
	for i := 0; i < 3; i++ {
		mustAppend(t, w, request(auditledger.ActionApprove, "admin-a"))
	}

	// Edit row 2 with the trigger disabled, as an attacker with table
	// ownership could.
	for _, stmt := range []string{
		"ALTER TABLE audit_ledger DISABLE TRIGGER audit_ledger_append_only",
		`UPDATE audit_ledger SET data_after = '{"status":"declined"}' WHERE sequence_number = 2`,
		"ALTER TABLE audit_ledger ENABLE TRIGGER audit_ledger_append_only",
	} {
		if _, err := db.Exec(ctx, stmt); err != nil {
			t.Fatalf("%s: %v", stmt, err)
		}
	}

	res, _, err := auditledger.VerifyStore(ctx, s, auditledger.VerifyStoreOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid || res.BrokenAt != 3 {
		t.Errorf("got %+v, want break at 3", res)
	}
	if _, err := s.Get(ctx, 99); !errors.Is(err, auditledger.ErrNotFound) {
		t.Errorf("Get(99): expected ErrNotFound, got %v", err)
	}
}
