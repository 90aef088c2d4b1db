package auditledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey serialises appends across every ledgerd instance sharing
// one database. The value is arbitrary but must be the same everywhere.
const advisoryLockKey = int64(7_311_205_448)

const idempotencyConstraint = "audit_ledger_idempotency_key_key"

// PostgresStore persists the ledger in PostgreSQL. The schema lives in
// migrations/001_audit_ledger.up.sql; a trigger there rejects UPDATE and
// DELETE on committed rows.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// AppendIfTail implements Store.
// It takes a transaction-scoped advisory lock without waiting: a held lock
// means another writer is committing, which is reported as a conflict. The
// insert itself is conditional on the tail, so a writer that read a stale
// tail never commits.
func (s *PostgresStore) AppendIfTail(ctx context.Context, expectedTailSeq int64, e *Entry, idempotencyKey string) error {
	if err := checkAppend(expectedTailSeq, e); err != nil {
		return err
	}
	before, err := encodeJSONColumn(e.DataBefore, e.DataBefore == nil)
	if err != nil {
		return fmt.Errorf("%w: data_before: %v", ErrInvalidEntry, err)
	}
	after, err := encodeJSONColumn(e.DataAfter, e.DataAfter == nil)
	if err != nil {
		return fmt.Errorf("%w: data_after: %v", ErrInvalidEntry, err)
	}
	changes, err := encodeJSONColumn(e.DataChanges, e.DataChanges == nil)
	if err != nil {
		return fmt.Errorf("%w: data_changes: %v", ErrInvalidEntry, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classifyPgError("begin tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var locked bool
	if err := tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock($1)", advisoryLockKey).Scan(&locked); err != nil {
		return classifyPgError("acquire advisory lock", err)
	}
	if !locked {
		s.logger.Debug("ledger tail locked by another writer", zap.Int64("seq", e.SequenceNumber))
		return ErrWriteConflict
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO audit_ledger (`+entryColumns+`, idempotency_key)
		 SELECT $1::bigint, $2::text, $3::text, $4::text, $5::text, $6::text, $7::text,
		        $8::json, $9::json, $10::json, $11::text, $12::timestamptz, $13::text, $14::text, $15::text
		 WHERE COALESCE((SELECT MAX(sequence_number) FROM audit_ledger), 0) = $16::bigint`,
		e.SequenceNumber, string(e.ActionType), e.EntityType, e.EntityID,
		e.ActorID, e.ActorLabel, e.Description,
		before, after, changes,
		e.OriginAddress, e.CreatedAt.UTC(), e.PreviousHash, e.CurrentHash,
		idempotencyKey, expectedTailSeq,
	)
	if err != nil {
		return classifyPgError("insert ledger entry", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrWriteConflict
	}

	if err := tx.Commit(ctx); err != nil {
		return classifyPgError("commit ledger tx", err)
	}
	return nil
}

// GetRange implements Store. The count and the page are read in one
// repeatable-read transaction.
func (s *PostgresStore) GetRange(ctx context.Context, f Filter, order Order, offset, limit int) ([]*Entry, int, error) {
	if offset < 0 {
		return nil, 0, ErrNegativeOffset
	}
	countSQL, pageSQL, countArgs, pageArgs := postgresDialect.pageQuery(f, order, offset, limit)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, 0, classifyPgError("begin read tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var total int
	if err := tx.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, classifyPgError("count ledger entries", err)
	}
	if total == 0 || offset >= total || limit <= 0 {
		return []*Entry{}, total, nil
	}

	rows, err := tx.Query(ctx, pageSQL, pageArgs...)
	if err != nil {
		return nil, 0, classifyPgError("query ledger entries", err)
	}
	defer rows.Close()

	entries := make([]*Entry, 0, min(limit, total))
	for rows.Next() {
		e, err := scanPgEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, classifyPgError("read ledger rows", err)
	}
	return entries, total, nil
}

// GetTail implements Store.
func (s *PostgresStore) GetTail(ctx context.Context) (*Entry, error) {
	e, err := scanPgEntry(s.pool.QueryRow(ctx,
		"SELECT "+entryColumns+" FROM audit_ledger ORDER BY sequence_number DESC LIMIT 1"))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return e, err
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, seq int64) (*Entry, error) {
	return scanPgEntry(s.pool.QueryRow(ctx,
		"SELECT "+entryColumns+" FROM audit_ledger WHERE sequence_number = $1", seq))
}

// FindByIdempotencyKey implements Store.
func (s *PostgresStore) FindByIdempotencyKey(ctx context.Context, key string) (*Entry, error) {
	return scanPgEntry(s.pool.QueryRow(ctx,
		"SELECT "+entryColumns+" FROM audit_ledger WHERE idempotency_key = $1", key))
}

func scanPgEntry(row pgx.Row) (*Entry, error) {
	var r entryRow
	if err := row.Scan(
		&r.e.SequenceNumber, &r.actionType, &r.e.EntityType, &r.e.EntityID,
		&r.e.ActorID, &r.e.ActorLabel, &r.e.Description,
		&r.dataBefore, &r.dataAfter, &r.dataChanges,
		&r.e.OriginAddress, &r.e.CreatedAt, &r.e.PreviousHash, &r.e.CurrentHash,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, classifyPgError("scan ledger row", err)
	}
	return r.decode()
}

// classifyPgError maps driver errors onto the package's sentinel errors.
// Server-side errors other than the listed codes are returned wrapped as-is;
// anything that never reached the server counts as unavailability.
func classifyPgError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505" && pgErr.ConstraintName == idempotencyConstraint:
			return ErrDuplicateKey
		case pgErr.Code == "23505", pgErr.Code == "40001", pgErr.Code == "55P03":
			return ErrWriteConflict
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "53"),
			strings.HasPrefix(pgErr.Code, "57P"):
			return unavailable(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return unavailable(op, err)
}
