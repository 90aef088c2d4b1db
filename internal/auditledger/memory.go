package auditledger

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory, thread-safe Store. It is primarily useful
// for tests and for single-process deployments that do not need the ledger
// to survive a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
	keys    map[string]int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]int64)}
}

// AppendIfTail implements Store.
func (s *MemoryStore) AppendIfTail(ctx context.Context, expectedTailSeq int64, e *Entry, idempotencyKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkAppend(expectedTailSeq, e); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if int64(len(s.entries)) != expectedTailSeq {
		return ErrWriteConflict
	}
	if idempotencyKey != "" {
		if _, ok := s.keys[idempotencyKey]; ok {
			return ErrDuplicateKey
		}
		s.keys[idempotencyKey] = e.SequenceNumber
	}
	s.entries = append(s.entries, e.Clone())
	return nil
}

// GetRange implements Store.
func (s *MemoryStore) GetRange(ctx context.Context, f Filter, order Order, offset, limit int) ([]*Entry, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	if offset < 0 {
		return nil, 0, ErrNegativeOffset
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Entry
	n := len(s.entries)
	for i := 0; i < n; i++ {
		e := s.entries[i]
		if order == NewestFirst {
			e = s.entries[n-1-i]
		}
		if f.Match(e) {
			matched = append(matched, e)
		}
	}

	total := len(matched)
	if offset >= total || limit <= 0 {
		return []*Entry{}, total, nil
	}
	end := min(offset+limit, total)
	out := make([]*Entry, 0, end-offset)
	for _, e := range matched[offset:end] {
		out = append(out, e.Clone())
	}
	return out, total, nil
}

// GetTail implements Store.
func (s *MemoryStore) GetTail(ctx context.Context) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return nil, nil
	}
	return s.entries[len(s.entries)-1].Clone(), nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, seq int64) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if seq < 1 || seq > int64(len(s.entries)) {
		return nil, ErrNotFound
	}
	return s.entries[seq-1].Clone(), nil
}

// FindByIdempotencyKey implements Store.
func (s *MemoryStore) FindByIdempotencyKey(ctx context.Context, key string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	seq, ok := s.keys[key]
	if !ok {
		return nil, ErrNotFound
	}
	return s.entries[seq-1].Clone(), nil
}

// Len returns the number of committed entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
