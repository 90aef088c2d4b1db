package auditledger

import (
	"context"
	"slices"
	"time"
)

// Order selects the sequence ordering of a range read.
type Order int

const (
	NewestFirst Order = iota
	OldestFirst
)

// Filter narrows a range read. Zero values mean "no constraint"; all set
// fields are combined with AND. Time bounds are inclusive.
type Filter struct {
	ActorID    string
	ActionType ActionType
	EntityType string
	EntityID   string
	Since      time.Time
	Until      time.Time

	// MinSequence and MaxSequence bound the sequence range, inclusive.
	MinSequence int64
	MaxSequence int64

	// Sequences, when non-empty, restricts the read to these sequence numbers.
	Sequences []int64
}

// Match reports whether e satisfies every constraint in f.
func (f Filter) Match(e *Entry) bool {
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.ActionType != "" && e.ActionType != f.ActionType {
		return false
	}
	if f.EntityType != "" && e.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && e.EntityID != f.EntityID {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.CreatedAt.After(f.Until) {
		return false
	}
	if f.MinSequence > 0 && e.SequenceNumber < f.MinSequence {
		return false
	}
	if f.MaxSequence > 0 && e.SequenceNumber > f.MaxSequence {
		return false
	}
	if len(f.Sequences) > 0 && !slices.Contains(f.Sequences, e.SequenceNumber) {
		return false
	}
	return true
}

// Store is durable, ordered storage of ledger entries. Implementations never
// expose an update or delete path for committed entries.
type Store interface {
	// AppendIfTail commits e only if the current highest sequence number is
	// expectedTailSeq (0 for an empty ledger). It returns ErrWriteConflict if
	// the tail moved, ErrDuplicateKey if idempotencyKey was already used and
	// ErrStoreUnavailable on transport failure. e.SequenceNumber must equal
	// expectedTailSeq+1.
	AppendIfTail(ctx context.Context, expectedTailSeq int64, e *Entry, idempotencyKey string) error

	// GetRange returns at most limit entries matching f in the given order,
	// skipping the first offset matches, together with the total number of
	// matches. The count and the page come from one consistent snapshot.
	GetRange(ctx context.Context, f Filter, order Order, offset, limit int) ([]*Entry, int, error)

	// GetTail returns the entry with the highest sequence number, or nil for
	// an empty ledger.
	GetTail(ctx context.Context) (*Entry, error)

	// Get returns the entry with the given sequence number or ErrNotFound.
	Get(ctx context.Context, seq int64) (*Entry, error)

	// FindByIdempotencyKey returns the entry committed under key or ErrNotFound.
	FindByIdempotencyKey(ctx context.Context, key string) (*Entry, error)
}

func checkAppend(expectedTailSeq int64, e *Entry) error {
	if e == nil || e.SequenceNumber != expectedTailSeq+1 {
		return ErrInvalidEntry
	}
	return nil
}
