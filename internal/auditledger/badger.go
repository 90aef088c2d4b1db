package auditledger

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Key layout. Sequence numbers are big-endian so that byte order is
// sequence order.
//
//	e/<seq>                          entry JSON
//	k/<idempotency key>              <seq>
//	a/<actor>\x00<seq>               actor index
//	t/<action>\x00<seq>              action type index
//	n/<type>\x00<id>\x00<seq>        entity index
var (
	prefixEntry  = []byte("e/")
	prefixKey    = []byte("k/")
	prefixActor  = []byte("a/")
	prefixAction = []byte("t/")
	prefixEntity = []byte("n/")
)

func seqBytes(seq int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(seq))
	return b[:]
}

func joinKey(prefix []byte, parts ...[]byte) []byte {
	k := append([]byte{}, prefix...)
	for i, p := range parts {
		if i > 0 {
			k = append(k, 0)
		}
		k = append(k, p...)
	}
	return k
}

func entryKey(seq int64) []byte { return joinKey(prefixEntry, seqBytes(seq)) }

// badgerRecord is the stored value; the idempotency key is kept beside the
// entry but outside it.
type badgerRecord struct {
	Entry          *Entry `json:"entry"`
	IdempotencyKey string `json:"idempotency_key"`
}

// BadgerStore persists the ledger in an embedded BadgerDB with secondary
// index keys for the filter predicates.
type BadgerStore struct {
	mu     sync.Mutex // serialises appends within the process
	db     *badger.DB
	logger *zap.Logger
}

// OpenBadgerStore opens (creating if needed) the database directory at path.
func OpenBadgerStore(path string, logger *zap.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(path)).
		WithLogger(badgerLogger{logger.Sugar()}).
		WithLoggingLevel(badger.WARNING).
		WithSyncWrites(true)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger %s: %w", path, err)
	}
	logger.Info("badger ledger store opened", zap.String("path", path))
	return &BadgerStore{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *BadgerStore) Close() error { return s.db.Close() }

// AppendIfTail implements Store.
func (s *BadgerStore) AppendIfTail(ctx context.Context, expectedTailSeq int64, e *Entry, idempotencyKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkAppend(expectedTailSeq, e); err != nil {
		return err
	}
	val, err := json.Marshal(badgerRecord{Entry: e, IdempotencyKey: idempotencyKey})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.Update(func(txn *badger.Txn) error {
		tail, err := tailSeq(txn)
		if err != nil {
			return err
		}
		if tail != expectedTailSeq {
			return ErrWriteConflict
		}
		if idempotencyKey != "" {
			_, err := txn.Get(joinKey(prefixKey, []byte(idempotencyKey)))
			if err == nil {
				return ErrDuplicateKey
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := txn.Set(joinKey(prefixKey, []byte(idempotencyKey)), seqBytes(e.SequenceNumber)); err != nil {
				return err
			}
		}

		seq := seqBytes(e.SequenceNumber)
		for _, k := range [][]byte{
			entryKey(e.SequenceNumber),
			joinKey(prefixActor, []byte(e.ActorID), seq),
			joinKey(prefixAction, []byte(e.ActionType), seq),
			joinKey(prefixEntity, []byte(e.EntityType), []byte(e.EntityID), seq),
		} {
			v := []byte{}
			if bytes.HasPrefix(k, prefixEntry) {
				v = val
			}
			if err := txn.Set(k, v); err != nil {
				return err
			}
		}
		return nil
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrWriteConflict), errors.Is(err, ErrDuplicateKey):
		return err
	case errors.Is(err, badger.ErrConflict):
		return ErrWriteConflict
	default:
		return classifyBadgerError("append ledger entry", err)
	}
}

func tailSeq(txn *badger.Txn) (int64, error) {
	opt := badger.DefaultIteratorOptions
	opt.Reverse = true
	opt.PrefetchValues = false
	opt.Prefix = prefixEntry
	it := txn.NewIterator(opt)
	defer it.Close()

	it.Seek(seekLast(prefixEntry))
	if !it.ValidForPrefix(prefixEntry) {
		return 0, nil
	}
	k := it.Item().Key()
	return int64(binary.BigEndian.Uint64(k[len(prefixEntry):])), nil
}

// seekLast returns a key greater than every key under prefix, for reverse
// iteration.
func seekLast(prefix []byte) []byte {
	return append(append([]byte{}, prefix...), bytes.Repeat([]byte{0xff}, 32)...)
}

func getEntry(txn *badger.Txn, seq int64) (*Entry, error) {
	item, err := txn.Get(entryKey(seq))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	var rec badgerRecord
	if err := decodeJSON(val, &rec); err != nil {
		return nil, fmt.Errorf("decode entry %d: %w", seq, err)
	}
	rec.Entry.CreatedAt = rec.Entry.CreatedAt.UTC()
	return rec.Entry, nil
}

// indexPrefix picks the narrowest index for f. Sequence-only filters use
// the primary keys.
func indexPrefix(f Filter) (prefix []byte, primary bool) {
	switch {
	case f.EntityType != "" && f.EntityID != "":
		return append(joinKey(prefixEntity, []byte(f.EntityType), []byte(f.EntityID)), 0), false
	case f.EntityType != "":
		return append(joinKey(prefixEntity, []byte(f.EntityType)), 0), false
	case f.ActorID != "":
		return append(joinKey(prefixActor, []byte(f.ActorID)), 0), false
	case f.ActionType != "":
		return append(joinKey(prefixAction, []byte(f.ActionType)), 0), false
	default:
		return prefixEntry, true
	}
}

// GetRange implements Store. One read transaction gives the count and the
// page a consistent view.
func (s *BadgerStore) GetRange(ctx context.Context, f Filter, order Order, offset, limit int) ([]*Entry, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	if offset < 0 {
		return nil, 0, ErrNegativeOffset
	}

	entries := []*Entry{}
	total := 0
	err := s.db.View(func(txn *badger.Txn) error {
		if len(f.Sequences) > 0 {
			return s.rangeBySequence(txn, f, order, offset, limit, &entries, &total)
		}
		prefix, primary := indexPrefix(f)
		opt := badger.DefaultIteratorOptions
		opt.Prefix = prefix
		opt.PrefetchValues = primary
		opt.Reverse = order == NewestFirst
		it := txn.NewIterator(opt)
		defer it.Close()

		if opt.Reverse {
			it.Seek(seekLast(prefix))
		} else {
			it.Seek(prefix)
		}
		for ; it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			k := it.Item().Key()
			if len(k) < 8 {
				continue
			}
			seq := int64(binary.BigEndian.Uint64(k[len(k)-8:]))
			if primary && len(k) != len(prefixEntry)+8 {
				continue
			}
			if !seqInBounds(f, seq) {
				continue
			}
			e, err := getEntry(txn, seq)
			if err != nil {
				return err
			}
			if !f.Match(e) {
				continue
			}
			if total >= offset && len(entries) < limit {
				entries = append(entries, e)
			}
			total++
		}
		return nil
	})
	if err != nil {
		return nil, 0, classifyBadgerError("read ledger range", err)
	}
	return entries, total, nil
}

// rangeBySequence serves filters naming explicit sequence numbers with
// point reads.
func (s *BadgerStore) rangeBySequence(txn *badger.Txn, f Filter, order Order, offset, limit int, entries *[]*Entry, total *int) error {
	seqs := slices.Clone(f.Sequences)
	slices.Sort(seqs)
	seqs = slices.Compact(seqs)
	if order == NewestFirst {
		slices.Reverse(seqs)
	}
	for _, seq := range seqs {
		e, err := getEntry(txn, seq)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if !f.Match(e) {
			continue
		}
		if *total >= offset && len(*entries) < limit {
			*entries = append(*entries, e)
		}
		*total++
	}
	return nil
}

func seqInBounds(f Filter, seq int64) bool {
	if f.MinSequence > 0 && seq < f.MinSequence {
		return false
	}
	if f.MaxSequence > 0 && seq > f.MaxSequence {
		return false
	}
	return true
}

// GetTail implements Store.
func (s *BadgerStore) GetTail(ctx context.Context) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out *Entry
	err := s.db.View(func(txn *badger.Txn) error {
		seq, err := tailSeq(txn)
		if err != nil || seq == 0 {
			return err
		}
		out, err = getEntry(txn, seq)
		return err
	})
	if err != nil {
		return nil, classifyBadgerError("read ledger tail", err)
	}
	return out, nil
}

// Get implements Store.
func (s *BadgerStore) Get(ctx context.Context, seq int64) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out *Entry
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = getEntry(txn, seq)
		return err
	})
	if err != nil {
		return nil, classifyBadgerError("get ledger entry", err)
	}
	return out, nil
}

// FindByIdempotencyKey implements Store.
func (s *BadgerStore) FindByIdempotencyKey(ctx context.Context, key string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out *Entry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(joinKey(prefixKey, []byte(key)))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		out, err = getEntry(txn, int64(binary.BigEndian.Uint64(v)))
		return err
	})
	if err != nil {
		return nil, classifyBadgerError("find idempotency key", err)
	}
	return out, nil
}

func classifyBadgerError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrWriteConflict), errors.Is(err, ErrDuplicateKey):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, badger.ErrDBClosed), errors.Is(err, badger.ErrBlockedWrites):
		return unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// badgerLogger routes badger's log output through zap.
type badgerLogger struct{ s *zap.SugaredLogger }

func (l badgerLogger) Errorf(f string, v ...any)   { l.s.Errorf("badger: "+f, v...) }
func (l badgerLogger) Warningf(f string, v ...any) { l.s.Warnf("badger: "+f, v...) }
func (l badgerLogger) Infof(f string, v ...any)    { l.s.Infof("badger: "+f, v...) }
func (l badgerLogger) Debugf(f string, v ...any)   { l.s.Debugf("badger: "+f, v...) }
