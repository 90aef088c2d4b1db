package auditledger

import (
	"errors"
	"fmt"
)

var (
	// ErrWriteConflict means the ledger tail moved between reading it and
	// committing; the append may be retried against the new tail.
	ErrWriteConflict = errors.New("ledger tail moved during append")

	// ErrStoreUnavailable wraps transport and availability failures of the
	// backing store.
	ErrStoreUnavailable = errors.New("ledger store unavailable")

	// ErrNotFound is returned when a requested entry does not exist.
	ErrNotFound = errors.New("ledger entry not found")

	// ErrInvalidEntry is returned for append requests missing required fields.
	ErrInvalidEntry = errors.New("invalid ledger entry")

	// ErrDuplicateKey is returned by Store.AppendIfTail when the idempotency
	// key has already been committed.
	ErrDuplicateKey = errors.New("idempotency key already committed")

	// ErrAnchorRequired is returned when a range that does not start at the
	// genesis entry is verified without the predecessor hash.
	ErrAnchorRequired = errors.New("verification of a partial range requires an anchor hash")

	// ErrNotOldestFirst is returned when entries handed to Verify are not in
	// ascending sequence order.
	ErrNotOldestFirst = errors.New("entries must be ordered oldest first")

	// ErrWriterClosed is returned by Writer.Append after Close.
	ErrWriterClosed = errors.New("ledger writer closed")

	// ErrInvalidUTF8 is returned for entry text that is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("text is not valid UTF-8")

	// ErrNegativeOffset is returned by Store.GetRange for an offset below zero.
	ErrNegativeOffset = errors.New("range offset must not be negative")
)

// QueryError reports a malformed read request. It is distinct from storage
// failures so that callers can map it to a client error.
type QueryError struct {
	Field   string
	Message string
}

func (e *QueryError) Error() string {
	if e.Field == "" {
		return "invalid query: " + e.Message
	}
	return fmt.Sprintf("invalid query: %s: %s", e.Field, e.Message)
}

func invalidQuery(field, format string, args ...any) error {
	return &QueryError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
