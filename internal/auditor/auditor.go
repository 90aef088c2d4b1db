// Package auditor verifies the ledger chain in the background.
//
// At startup the whole chain is verified. Every interval after that only
// entries appended since the last run are checked, seeded with the last
// verified entry; every FullEvery runs the whole chain is walked again so
// edits to older history are also found. Breaks raise a critical alert once
// per broken entry.
package auditor

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/jmerrifield20/AuditLedger/internal/alert"
	"github.com/jmerrifield20/AuditLedger/internal/auditledger"
	"go.uber.org/zap"
)

// Config holds auditor configuration.
type Config struct {
	Interval  time.Duration
	BatchSize int
	// FullEvery makes every Nth scheduled run a whole-chain walk.
	FullEvery int
}

// Alerter raises operator alerts. Satisfied by *alert.Dispatcher.
type Alerter interface {
	Raise(ctx context.Context, a alert.Alert)
}

// ResultFunc is an optional callback invoked after each run. err is non-nil
// when the run could not read the store.
type ResultFunc func(full bool, res auditledger.VerificationResult, err error)

// TailFunc is an optional callback receiving the last verified sequence number.
type TailFunc func(seq int64)

// Auditor runs periodic chain verification.
type Auditor struct {
	store  auditledger.Store
	alerts Alerter
	cfg    Config
	logger *zap.Logger

	onResult ResultFunc
	onTail   TailFunc

	mu       sync.Mutex
	last     *auditledger.Entry
	runs     int
	reported map[int64]bool
}

// New creates an Auditor.
func New(store auditledger.Store, alerts Alerter, cfg Config, logger *zap.Logger) *Auditor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FullEvery <= 0 {
		cfg.FullEvery = 12
	}
	return &Auditor{
		store:    store,
		alerts:   alerts,
		cfg:      cfg,
		logger:   logger,
		reported: make(map[int64]bool),
	}
}

// SetResultFunc configures the per-run callback.
func (a *Auditor) SetResultFunc(fn ResultFunc) { a.onResult = fn }

// SetTailFunc configures the verified-tail callback.
func (a *Auditor) SetTailFunc(fn TailFunc) { a.onTail = fn }

// Start verifies the whole chain, then runs on every interval until ctx is
// cancelled.
func (a *Auditor) Start(ctx context.Context) {
	a.CheckOnce(ctx, true) //nolint:errcheck

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.mu.Lock()
			a.runs++
			full := a.runs%a.cfg.FullEvery == 0
			a.mu.Unlock()
			a.CheckOnce(ctx, full) //nolint:errcheck
		case <-ctx.Done():
			return
		}
	}
}

// CheckOnce runs one verification pass. A full pass walks the whole chain;
// otherwise only entries after the last verified one are checked.
func (a *Auditor) CheckOnce(ctx context.Context, full bool) (auditledger.VerificationResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	opts := auditledger.VerifyStoreOptions{BatchSize: a.cfg.BatchSize}
	if !full && a.last != nil {
		opts.From = a.last.SequenceNumber + 1
		opts.Predecessor = a.last
	}

	start := time.Now()
	res, last, err := auditledger.VerifyStore(ctx, a.store, opts)
	if err != nil {
		a.logger.Error("chain audit failed", zap.Bool("full", full), zap.Error(err))
		if a.onResult != nil {
			a.onResult(full, res, err)
		}
		return res, err
	}
	if a.onResult != nil {
		a.onResult(full, res, nil)
	}
	if last != nil {
		a.last = last
		if a.onTail != nil {
			a.onTail(last.SequenceNumber)
		}
	}

	if res.Valid {
		a.logger.Debug("chain audit passed",
			zap.Bool("full", full),
			zap.Int("checked", res.Checked),
			zap.Duration("took", time.Since(start)),
		)
		return res, nil
	}

	a.logger.Error("chain break detected",
		zap.Bool("full", full),
		zap.Int64("seq", res.BrokenAt),
		zap.String("reason", res.Reason),
		zap.Int("breaks", len(res.Breaks)),
	)
	for _, b := range res.Breaks {
		if a.reported[b.SequenceNumber] {
			continue
		}
		a.reported[b.SequenceNumber] = true
		a.alerts.Raise(ctx, alert.Alert{
			Kind:     alert.KindChainBroken,
			Severity: alert.SeverityCritical,
			Summary:  "audit ledger chain broken at entry " + strconv.FormatInt(b.SequenceNumber, 10),
			Details: map[string]string{
				"seq":    strconv.FormatInt(b.SequenceNumber, 10),
				"reason": b.Reason,
				"full":   strconv.FormatBool(full),
			},
		})
	}
	return res, nil
}

// LastVerified returns the sequence number of the last verified entry, or
// zero before the first successful run.
func (a *Auditor) LastVerified() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last == nil {
		return 0
	}
	return a.last.SequenceNumber
}
