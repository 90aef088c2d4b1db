package auditledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AppendRequest describes an action to record. The writer assigns the
// sequence number, timestamp, hashes and computed changes.
type AppendRequest struct {
	ActionType    ActionType `json:"action_type"`
	EntityType    string     `json:"entity_type"`
	EntityID      string     `json:"entity_id,omitempty"`
	ActorID       string     `json:"actor_id"`
	ActorLabel    string     `json:"actor_label"`
	Description   string     `json:"description"`
	DataBefore    Snapshot   `json:"data_before,omitempty"`
	DataAfter     Snapshot   `json:"data_after,omitempty"`
	OriginAddress string     `json:"origin_address,omitempty"`

	// IdempotencyKey identifies the logical action. A retried request with
	// the same key returns the originally committed entry. Callers that may
	// retry after a timeout must set it; otherwise a fresh key is generated.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Validate checks the required fields and that all text is valid UTF-8.
func (r AppendRequest) Validate() error {
	var missing []string
	if !r.ActionType.Valid() {
		return fmt.Errorf("%w: unknown action type %q", ErrInvalidEntry, r.ActionType)
	}
	if strings.TrimSpace(r.EntityType) == "" {
		missing = append(missing, "entity_type")
	}
	if strings.TrimSpace(r.ActorID) == "" {
		missing = append(missing, "actor_id")
	}
	if strings.TrimSpace(r.Description) == "" {
		missing = append(missing, "description")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidEntry, strings.Join(missing, ", "))
	}
	text := &Entry{
		ActionType:    r.ActionType,
		EntityType:    r.EntityType,
		EntityID:      r.EntityID,
		ActorID:       r.ActorID,
		ActorLabel:    r.ActorLabel,
		Description:   r.Description,
		DataBefore:    r.DataBefore,
		DataAfter:     r.DataAfter,
		OriginAddress: r.OriginAddress,
	}
	if err := checkEntryText(text); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEntry, err)
	}
	if !utf8.ValidString(r.IdempotencyKey) {
		return fmt.Errorf("%w: idempotency_key: %w", ErrInvalidEntry, ErrInvalidUTF8)
	}
	return nil
}

// AppendResult is the committed entry. Replayed is true when the entry was
// committed by an earlier request with the same idempotency key.
type AppendResult struct {
	Entry    *Entry `json:"entry"`
	Replayed bool   `json:"replayed"`
}

// WriterConfig controls retry behaviour of the Writer.
type WriterConfig struct {
	// QueueSize is the number of pending appends buffered before Append blocks.
	QueueSize int
	// MaxConflictRetries bounds retries after ErrWriteConflict.
	MaxConflictRetries int
	// InitialBackoff is the first retry delay.
	InitialBackoff time.Duration
	// MaxBackoff caps a single retry delay.
	MaxBackoff time.Duration
	// MaxElapsed bounds the total time spent retrying one append.
	MaxElapsed time.Duration
	// Now overrides the clock; used by tests.
	Now func() time.Time
}

// DefaultWriterConfig returns production defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		QueueSize:          256,
		MaxConflictRetries: 8,
		InitialBackoff:     20 * time.Millisecond,
		MaxBackoff:         2 * time.Second,
		MaxElapsed:         10 * time.Second,
	}
}

// WriterHooks are optional callbacks invoked from the writer goroutine.
// They must not block.
type WriterHooks struct {
	Committed func(e *Entry, replayed bool)
	Retried   func(reason string)
	Failed    func(err error)
}

type pendingAppend struct {
	ctx    context.Context
	req    AppendRequest
	result chan appendOutcome
}

type appendOutcome struct {
	res *AppendResult
	err error
}

// Writer is the single serialisation point for appends in a process. One
// goroutine drains the request queue, so at most one append per process is
// in flight. Cross-process safety comes from Store.AppendIfTail: a writer
// that lost a race sees ErrWriteConflict and retries against the new tail.
type Writer struct {
	store  Store
	cfg    WriterConfig
	logger *zap.Logger
	hooks  WriterHooks

	requests  chan *pendingAppend
	closed    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewWriter creates a Writer over store and starts its goroutine.
func NewWriter(store Store, cfg WriterConfig, logger *zap.Logger) *Writer {
	def := DefaultWriterConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxConflictRetries < 0 {
		cfg.MaxConflictRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = def.MaxElapsed
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	w := &Writer{
		store:    store,
		cfg:      cfg,
		logger:   logger,
		requests: make(chan *pendingAppend, cfg.QueueSize),
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.run()
	return w
}

// SetHooks installs callbacks. Call it before the first Append.
func (w *Writer) SetHooks(h WriterHooks) { w.hooks = h }

// Append validates req, enqueues it and waits for the commit. If ctx ends
// after the request was queued the append may still commit; retry with the
// same IdempotencyKey to learn its outcome.
func (w *Writer) Append(ctx context.Context, req AppendRequest) (*AppendResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	var err error
	if req.DataBefore, err = NormalizeSnapshot(req.DataBefore); err != nil {
		return nil, fmt.Errorf("%w: data_before: %v", ErrInvalidEntry, err)
	}
	if req.DataAfter, err = NormalizeSnapshot(req.DataAfter); err != nil {
		return nil, fmt.Errorf("%w: data_after: %v", ErrInvalidEntry, err)
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}

	p := &pendingAppend{ctx: ctx, req: req, result: make(chan appendOutcome, 1)}

	select {
	case <-w.closed:
		return nil, ErrWriterClosed
	default:
	}

	select {
	case w.requests <- p:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.closed:
		return nil, ErrWriterClosed
	}

	select {
	case out := <-p.result:
		return out.res, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.done:
		// The loop may have answered just before exiting.
		select {
		case out := <-p.result:
			return out.res, out.err
		default:
			return nil, ErrWriterClosed
		}
	}
}

// Close stops accepting appends, commits those already queued and waits
// for the writer goroutine to exit.
func (w *Writer) Close() {
	w.closeOnce.Do(func() { close(w.closed) })
	<-w.done
}

func (w *Writer) run() {
	defer close(w.done)
	for {
		select {
		case p := <-w.requests:
			w.handle(p)
		case <-w.closed:
			for {
				select {
				case p := <-w.requests:
					w.handle(p)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) handle(p *pendingAppend) {
	if err := p.ctx.Err(); err != nil {
		p.result <- appendOutcome{err: err}
		return
	}
	res, err := w.commit(p.ctx, p.req)
	if err != nil {
		w.logger.Error("ledger append failed",
			zap.String("action_type", string(p.req.ActionType)),
			zap.String("entity_type", p.req.EntityType),
			zap.String("actor_id", p.req.ActorID),
			zap.Error(err),
		)
		if w.hooks.Failed != nil {
			w.hooks.Failed(err)
		}
	} else if w.hooks.Committed != nil {
		w.hooks.Committed(res.Entry, res.Replayed)
	}
	p.result <- appendOutcome{res: res, err: err}
}

func (w *Writer) commit(ctx context.Context, req AppendRequest) (*AppendResult, error) {
	changes, err := DiffSnapshots(req.DataBefore, req.DataAfter)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.InitialBackoff
	b.MaxInterval = w.cfg.MaxBackoff
	b.MaxElapsedTime = w.cfg.MaxElapsed

	var (
		result    *AppendResult
		conflicts int
	)
	op := func() error {
		res, err := w.tryAppend(ctx, req, changes)
		switch {
		case err == nil:
			result = res
			return nil
		case errors.Is(err, ErrWriteConflict):
			conflicts++
			if conflicts > w.cfg.MaxConflictRetries {
				return backoff.Permanent(fmt.Errorf("gave up after %d conflicts: %w", conflicts, err))
			}
			w.retried("conflict")
			return err
		case errors.Is(err, ErrStoreUnavailable):
			w.retried("unavailable")
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return result, nil
}

func (w *Writer) retried(reason string) {
	if w.hooks.Retried != nil {
		w.hooks.Retried(reason)
	}
}

// tryAppend makes one attempt. Checking the idempotency key first makes a
// retry after an ambiguous failure (commit sent, reply lost) safe.
func (w *Writer) tryAppend(ctx context.Context, req AppendRequest, changes Changes) (*AppendResult, error) {
	if existing, err := w.store.FindByIdempotencyKey(ctx, req.IdempotencyKey); err == nil {
		return &AppendResult{Entry: existing, Replayed: true}, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	tail, err := w.store.GetTail(ctx)
	if err != nil {
		return nil, err
	}

	createdAt := w.cfg.Now().UTC().Truncate(time.Microsecond)
	var tailSeq int64
	prevHash := GenesisPreviousHash
	if tail != nil {
		tailSeq = tail.SequenceNumber
		prevHash = tail.CurrentHash
		if createdAt.Before(tail.CreatedAt) {
			createdAt = tail.CreatedAt.UTC()
		}
	}

	e := &Entry{
		SequenceNumber: tailSeq + 1,
		ActionType:     req.ActionType,
		EntityType:     req.EntityType,
		EntityID:       req.EntityID,
		ActorID:        req.ActorID,
		ActorLabel:     req.ActorLabel,
		Description:    req.Description,
		DataBefore:     req.DataBefore,
		DataAfter:      req.DataAfter,
		DataChanges:    changes,
		OriginAddress:  req.OriginAddress,
		CreatedAt:      createdAt,
		PreviousHash:   prevHash,
	}
	if e.CurrentHash, err = ComputeHash(e, prevHash); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	err = w.store.AppendIfTail(ctx, tailSeq, e, req.IdempotencyKey)
	switch {
	case err == nil:
		w.logger.Debug("ledger entry appended",
			zap.Int64("sequence_number", e.SequenceNumber),
			zap.String("action_type", string(e.ActionType)),
			zap.String("entity_type", e.EntityType),
		)
		return &AppendResult{Entry: e.Clone()}, nil
	case errors.Is(err, ErrDuplicateKey):
		existing, ferr := w.store.FindByIdempotencyKey(ctx, req.IdempotencyKey)
		if ferr != nil {
			return nil, ferr
		}
		return &AppendResult{Entry: existing, Replayed: true}, nil
	default:
		return nil, err
	}
}
