package auditledger

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"
)

// QueryConfig controls paging limits and anchor caching.
type QueryConfig struct {
	DefaultLimit int
	MaxLimit     int
	AnchorTTL    time.Duration
	AnchorMax    int
}

// DefaultQueryConfig returns production defaults.
func DefaultQueryConfig() QueryConfig {
	return QueryConfig{DefaultLimit: 20, MaxLimit: 200, AnchorTTL: time.Minute, AnchorMax: 4096}
}

// QueryParams is a paginated, filtered read request.
type QueryParams struct {
	ActorID    string
	ActionType ActionType
	EntityType string
	EntityID   string
	Since      time.Time
	Until      time.Time

	// Page is 1-based. Limit 0 selects the configured default.
	Page  int
	Limit int

	// AsOf pins the read to entries with sequence_number <= AsOf. Zero pins
	// it to the tail observed now; the value used is returned in the page.
	AsOf int64

	// Verify attaches a chain status to every returned entry.
	Verify bool
}

// Pagination describes the position of a page within the full result set.
type Pagination struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int   `json:"total"`
	TotalPages int   `json:"total_pages"`
	AsOf       int64 `json:"as_of"`
}

// Page is one page of entries, newest first.
type Page struct {
	Entries    []*Entry
	Pagination Pagination

	// Verification is nil unless the query asked for it.
	Verification *VerificationResult
}

// ChainStatus returns the status of seq on this page and the break reason.
func (p *Page) ChainStatus(seq int64) (string, string) {
	if p.Verification == nil {
		return StatusUnverified, ""
	}
	return p.Verification.StatusOf(seq)
}

// Overview summarises the ledger.
type Overview struct {
	TotalEntries int64  `json:"total_entries"`
	TailSequence int64  `json:"tail_sequence"`
	TailHash     string `json:"tail_hash"`
}

// QueryService answers read requests against a Store.
type QueryService struct {
	store   Store
	cfg     QueryConfig
	anchors *anchorCache
	logger  *zap.Logger
}

// NewQueryService creates a QueryService.
func NewQueryService(store Store, cfg QueryConfig, logger *zap.Logger) *QueryService {
	def := DefaultQueryConfig()
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = def.MaxLimit
	}
	if cfg.DefaultLimit <= 0 || cfg.DefaultLimit > cfg.MaxLimit {
		cfg.DefaultLimit = min(def.DefaultLimit, cfg.MaxLimit)
	}
	if cfg.AnchorMax <= 0 {
		cfg.AnchorMax = def.AnchorMax
	}
	return &QueryService{
		store:   store,
		cfg:     cfg,
		anchors: newAnchorCache(cfg.AnchorTTL, cfg.AnchorMax),
		logger:  logger,
	}
}

func (q *QueryService) validate(p *QueryParams) error {
	if p.Page == 0 {
		p.Page = 1
	}
	if p.Page < 1 {
		return invalidQuery("page", "must be at least 1")
	}
	if p.Limit == 0 {
		p.Limit = q.cfg.DefaultLimit
	}
	if p.Limit < 1 || p.Limit > q.cfg.MaxLimit {
		return invalidQuery("limit", "must be between 1 and %d", q.cfg.MaxLimit)
	}
	if p.Page-1 > math.MaxInt/p.Limit {
		return invalidQuery("page", "must be at most %d for limit %d", math.MaxInt/p.Limit+1, p.Limit)
	}
	if p.ActionType != "" && !p.ActionType.Valid() {
		return invalidQuery("action_type", "unknown action type %q", p.ActionType)
	}
	if !p.Since.IsZero() && !p.Until.IsZero() && p.Until.Before(p.Since) {
		return invalidQuery("end_date", "must not be before start_date")
	}
	if p.AsOf < 0 {
		return invalidQuery("as_of", "must not be negative")
	}
	return nil
}

// Query returns one page of entries matching p, newest first. Entries are
// fetched newest first for display; verification reorders a copy oldest
// first. A broken chain does not fail the query; it is reported through
// Page.Verification.
func (q *QueryService) Query(ctx context.Context, p QueryParams) (*Page, error) {
	if err := q.validate(&p); err != nil {
		return nil, err
	}

	asOf := p.AsOf
	if asOf == 0 {
		tail, err := q.store.GetTail(ctx)
		if err != nil {
			return nil, err
		}
		if tail != nil {
			asOf = tail.SequenceNumber
		}
	}

	page := &Page{
		Entries:    []*Entry{},
		Pagination: Pagination{Page: p.Page, Limit: p.Limit, AsOf: asOf},
	}
	if asOf == 0 {
		if p.Verify {
			page.Verification = &VerificationResult{Valid: true}
		}
		return page, nil
	}

	f := Filter{
		ActorID:     p.ActorID,
		ActionType:  p.ActionType,
		EntityType:  p.EntityType,
		EntityID:    p.EntityID,
		Since:       p.Since,
		Until:       p.Until,
		MaxSequence: asOf,
	}
	entries, total, err := q.store.GetRange(ctx, f, NewestFirst, (p.Page-1)*p.Limit, p.Limit)
	if err != nil {
		return nil, err
	}
	page.Entries = entries
	page.Pagination.Total = total
	page.Pagination.TotalPages = (total + p.Limit - 1) / p.Limit

	if p.Verify {
		res, err := q.verifyPage(ctx, entries)
		if err != nil {
			return nil, err
		}
		if !res.Valid {
			q.logger.Warn("chain break on query page",
				zap.Int64("seq", res.BrokenAt),
				zap.String("reason", res.Reason),
				zap.Int("breaks", len(res.Breaks)),
			)
		}
		page.Verification = &res
	}
	return page, nil
}

// verifyPage verifies every contiguous run of a newest-first page against
// the stored predecessor of the run.
func (q *QueryService) verifyPage(ctx context.Context, entries []*Entry) (VerificationResult, error) {
	total := VerificationResult{Valid: true}
	if len(entries) == 0 {
		return total, nil
	}

	asc := make([]*Entry, len(entries))
	for i, e := range entries {
		asc[len(entries)-1-i] = e
	}

	var runs [][]*Entry
	start := 0
	for i := 1; i <= len(asc); i++ {
		if i == len(asc) || asc[i].SequenceNumber != asc[i-1].SequenceNumber+1 {
			runs = append(runs, asc[start:i])
			start = i
		}
	}

	preds, err := q.predecessors(ctx, runs)
	if err != nil {
		return VerificationResult{}, err
	}

	for _, run := range runs {
		first := run[0].SequenceNumber
		var pred *Entry
		if first > 1 {
			pred = preds[first-1]
			if pred == nil {
				// Predecessor missing from the store: the run cannot link.
				total.Checked += len(run)
				total.add(first, ReasonSequenceGap)
				continue
			}
		}
		res, err := VerifyFrom(pred, run)
		if err != nil {
			return VerificationResult{}, err
		}
		total.merge(res)
	}
	return total, nil
}

func (q *QueryService) predecessors(ctx context.Context, runs [][]*Entry) (map[int64]*Entry, error) {
	out := make(map[int64]*Entry, len(runs))
	var missing []int64
	for _, run := range runs {
		seq := run[0].SequenceNumber - 1
		if seq < 1 {
			continue
		}
		if e, ok := q.anchors.get(seq); ok {
			out[seq] = e
			continue
		}
		missing = append(missing, seq)
	}
	if len(missing) == 0 {
		return out, nil
	}

	fetched, _, err := q.store.GetRange(ctx, Filter{Sequences: missing}, OldestFirst, 0, len(missing))
	if err != nil {
		return nil, err
	}
	for _, e := range fetched {
		out[e.SequenceNumber] = e
		q.anchors.set(e)
	}
	return out, nil
}

// Get returns a single entry.
func (q *QueryService) Get(ctx context.Context, seq int64) (*Entry, error) {
	if seq < 1 {
		return nil, invalidQuery("sequence_number", "must be at least 1")
	}
	return q.store.Get(ctx, seq)
}

// Overview returns the ledger size and tail.
func (q *QueryService) Overview(ctx context.Context) (*Overview, error) {
	tail, err := q.store.GetTail(ctx)
	if err != nil {
		return nil, err
	}
	if tail == nil {
		return &Overview{}, nil
	}
	return &Overview{
		TotalEntries: tail.SequenceNumber,
		TailSequence: tail.SequenceNumber,
		TailHash:     tail.CurrentHash,
	}, nil
}

// VerifyRange verifies [from, to] in batches; to == 0 means the tail.
func (q *QueryService) VerifyRange(ctx context.Context, from, to int64, batchSize int) (VerificationResult, error) {
	if from < 0 || to < 0 {
		return VerificationResult{}, invalidQuery("from", "sequence numbers must not be negative")
	}
	res, _, err := VerifyStore(ctx, q.store, VerifyStoreOptions{From: from, To: to, BatchSize: batchSize})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return VerificationResult{}, invalidQuery("from", "beyond the ledger tail")
		}
		return VerificationResult{}, err
	}
	if !res.Valid {
		q.logger.Warn("chain break in verified range",
			zap.Int64("from", from),
			zap.Int64("to", to),
			zap.Int64("seq", res.BrokenAt),
			zap.String("reason", res.Reason),
		)
	}
	return res, nil
}

// SweepAnchors drops expired cached anchors.
func (q *QueryService) SweepAnchors() int { return q.anchors.evict() }
