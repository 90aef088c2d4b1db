package auditledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_ledger (
	sequence_number INTEGER PRIMARY KEY CHECK (sequence_number > 0),
	action_type     TEXT    NOT NULL,
	entity_type     TEXT    NOT NULL,
	entity_id       TEXT    NOT NULL DEFAULT '',
	actor_id        TEXT    NOT NULL,
	actor_label     TEXT    NOT NULL DEFAULT '',
	description     TEXT    NOT NULL DEFAULT '',
	data_before     TEXT,
	data_after      TEXT,
	data_changes    TEXT,
	origin_address  TEXT    NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	previous_hash   TEXT    NOT NULL,
	current_hash    TEXT    NOT NULL,
	idempotency_key TEXT    NOT NULL UNIQUE
);
CREATE INDEX IF NOT EXISTS idx_audit_ledger_actor   ON audit_ledger (actor_id, sequence_number);
CREATE INDEX IF NOT EXISTS idx_audit_ledger_action  ON audit_ledger (action_type, sequence_number);
CREATE INDEX IF NOT EXISTS idx_audit_ledger_entity  ON audit_ledger (entity_type, entity_id, sequence_number);
CREATE INDEX IF NOT EXISTS idx_audit_ledger_created ON audit_ledger (created_at);
CREATE TRIGGER IF NOT EXISTS audit_ledger_no_update BEFORE UPDATE ON audit_ledger
BEGIN SELECT RAISE(ABORT, 'audit_ledger is append-only'); END;
CREATE TRIGGER IF NOT EXISTS audit_ledger_no_delete BEFORE DELETE ON audit_ledger
BEGIN SELECT RAISE(ABORT, 'audit_ledger is append-only'); END;
`

// SQLiteStore persists the ledger in a single SQLite file using the pure-Go
// modernc driver. It suits single-node deployments without PostgreSQL.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenSQLiteStore opens (creating if needed) the database at path.
func OpenSQLiteStore(ctx context.Context, path string, logger *zap.Logger) (*SQLiteStore, error) {
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection keeps writes ordered and avoids SQLITE_BUSY between
	// this process's own connections.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	logger.Info("sqlite ledger store opened", zap.String("path", path))
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// AppendIfTail implements Store. The conditional insert is a single
// statement, which SQLite executes atomically.
func (s *SQLiteStore) AppendIfTail(ctx context.Context, expectedTailSeq int64, e *Entry, idempotencyKey string) error {
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

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_ledger (`+entryColumns+`, idempotency_key)
		 SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		 WHERE COALESCE((SELECT MAX(sequence_number) FROM audit_ledger), 0) = ?`,
		e.SequenceNumber, string(e.ActionType), e.EntityType, e.EntityID,
		e.ActorID, e.ActorLabel, e.Description,
		before, after, changes,
		e.OriginAddress, e.CreatedAt.UTC().UnixMicro(), e.PreviousHash, e.CurrentHash,
		idempotencyKey, expectedTailSeq,
	)
	if err != nil {
		return classifySQLiteError("insert ledger entry", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classifySQLiteError("insert ledger entry", err)
	}
	if n == 0 {
		return ErrWriteConflict
	}
	return nil
}

// GetRange implements Store.
func (s *SQLiteStore) GetRange(ctx context.Context, f Filter, order Order, offset, limit int) ([]*Entry, int, error) {
	if offset < 0 {
		return nil, 0, ErrNegativeOffset
	}
	countSQL, pageSQL, countArgs, pageArgs := sqliteDialect.pageQuery(f, order, offset, limit)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, classifySQLiteError("begin read tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var total int
	if err := tx.QueryRowContext(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, classifySQLiteError("count ledger entries", err)
	}
	if total == 0 || offset >= total || limit <= 0 {
		return []*Entry{}, total, nil
	}

	rows, err := tx.QueryContext(ctx, pageSQL, pageArgs...)
	if err != nil {
		return nil, 0, classifySQLiteError("query ledger entries", err)
	}
	defer rows.Close()

	entries := make([]*Entry, 0, min(limit, total))
	for rows.Next() {
		e, err := scanSQLiteEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, classifySQLiteError("read ledger rows", err)
	}
	return entries, total, nil
}

// GetTail implements Store.
func (s *SQLiteStore) GetTail(ctx context.Context) (*Entry, error) {
	e, err := scanSQLiteEntry(s.db.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM audit_ledger ORDER BY sequence_number DESC LIMIT 1"))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return e, err
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, seq int64) (*Entry, error) {
	return scanSQLiteEntry(s.db.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM audit_ledger WHERE sequence_number = ?", seq))
}

// FindByIdempotencyKey implements Store.
func (s *SQLiteStore) FindByIdempotencyKey(ctx context.Context, key string) (*Entry, error) {
	return scanSQLiteEntry(s.db.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM audit_ledger WHERE idempotency_key = ?", key))
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteEntry(row sqlScanner) (*Entry, error) {
	var (
		r                                  entryRow
		createdMicros                      int64
		dataBefore, dataAfter, dataChanges sql.NullString
	)
	if err := row.Scan(
		&r.e.SequenceNumber, &r.actionType, &r.e.EntityType, &r.e.EntityID,
		&r.e.ActorID, &r.e.ActorLabel, &r.e.Description,
		&dataBefore, &dataAfter, &dataChanges,
		&r.e.OriginAddress, &createdMicros, &r.e.PreviousHash, &r.e.CurrentHash,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, classifySQLiteError("scan ledger row", err)
	}
	if dataBefore.Valid {
		r.dataBefore = []byte(dataBefore.String)
	}
	if dataAfter.Valid {
		r.dataAfter = []byte(dataAfter.String)
	}
	if dataChanges.Valid {
		r.dataChanges = []byte(dataChanges.String)
	}
	r.e.CreatedAt = time.UnixMicro(createdMicros).UTC()
	return r.decode()
}

func classifySQLiteError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		msg := se.Error()
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_CONSTRAINT:
			switch {
			case strings.Contains(msg, "idempotency_key"):
				return ErrDuplicateKey
			case strings.Contains(msg, "UNIQUE"), strings.Contains(msg, "PRIMARY KEY"):
				return ErrWriteConflict
			}
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_FULL,
			sqlite3.SQLITE_CANTOPEN:
			return unavailable(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, sql.ErrConnDone) {
		return unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
