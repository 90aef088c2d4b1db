package auditledger

import (
	"context"
	"errors"
	"fmt"
)

// Break reasons.
const (
	ReasonHashMismatch = "hash mismatch"
	ReasonLinkMismatch = "link mismatch"
	ReasonSequenceGap  = "sequence gap"
)

// Per-entry chain status values.
const (
	StatusVerified   = "verified"
	StatusBroken     = "broken"
	StatusUnverified = "unverified"
)

// Break is a single integrity failure found during verification.
type Break struct {
	SequenceNumber int64  `json:"sequence_number"`
	Reason         string `json:"reason"`
}

// VerificationResult is the outcome of verifying a run of entries. BrokenAt
// and Reason describe the first break; Breaks lists all of them.
type VerificationResult struct {
	Valid    bool    `json:"valid"`
	Checked  int     `json:"checked"`
	BrokenAt int64   `json:"broken_at,omitempty"`
	Reason   string  `json:"reason,omitempty"`
	Breaks   []Break `json:"breaks,omitempty"`
}

// StatusOf returns the chain status of seq and the break reason, if any.
// Sequence numbers outside the verified run are reported as verified; the
// caller decides which entries a result covers.
func (r VerificationResult) StatusOf(seq int64) (string, string) {
	for _, b := range r.Breaks {
		if b.SequenceNumber == seq {
			return StatusBroken, b.Reason
		}
	}
	return StatusVerified, ""
}

func (r *VerificationResult) add(seq int64, reason string) {
	if r.Valid {
		r.BrokenAt = seq
		r.Reason = reason
	}
	r.Valid = false
	r.Breaks = append(r.Breaks, Break{SequenceNumber: seq, Reason: reason})
}

func (r *VerificationResult) merge(o VerificationResult) {
	r.Checked += o.Checked
	for _, b := range o.Breaks {
		r.add(b.SequenceNumber, b.Reason)
	}
}

// chainChecker walks entries oldest first.
//
// Each link is checked against both the predecessor's stored hash and the
// hash recomputed from the predecessor's content, so altering entry k (even
// with its stored hash rewritten to match) is reported at k+1. Only the last
// entry of the walk has no successor; its own hash is checked in finish.
type chainChecker struct {
	res            VerificationResult
	anchor         string
	prev           *Entry
	prevRecomputed string
}

func newChainChecker(anchor string) *chainChecker {
	return &chainChecker{res: VerificationResult{Valid: true}, anchor: anchor}
}

// seed makes pred the predecessor of the first pushed entry without
// counting it as checked.
func (c *chainChecker) seed(pred *Entry) {
	c.prev = pred
	c.prevRecomputed = recompute(pred)
}

func (c *chainChecker) push(curr *Entry) {
	c.res.Checked++
	recomputed := recompute(curr)

	switch {
	case c.prev == nil:
		expected := c.anchor
		if curr.IsGenesis() {
			expected = GenesisPreviousHash
		}
		if curr.PreviousHash != expected {
			c.res.add(curr.SequenceNumber, ReasonLinkMismatch)
		}
	case curr.SequenceNumber != c.prev.SequenceNumber+1:
		c.res.add(curr.SequenceNumber, ReasonSequenceGap)
	case curr.PreviousHash != c.prev.CurrentHash || curr.PreviousHash != c.prevRecomputed:
		c.res.add(curr.SequenceNumber, ReasonLinkMismatch)
	}

	c.prev = curr
	c.prevRecomputed = recomputed
}

func (c *chainChecker) finish() VerificationResult {
	if c.res.Checked > 0 && c.prevRecomputed != c.prev.CurrentHash {
		if st, _ := c.res.StatusOf(c.prev.SequenceNumber); st != StatusBroken {
			c.res.add(c.prev.SequenceNumber, ReasonHashMismatch)
		}
	}
	return c.res
}

// Verify checks a run of entries ordered oldest first. If the run does not
// begin at the genesis entry, anchorHash must be the CurrentHash of the
// entry preceding it. An empty run is valid.
func Verify(entries []*Entry, anchorHash string) (VerificationResult, error) {
	if len(entries) == 0 {
		return VerificationResult{Valid: true}, nil
	}
	if err := checkOrder(entries); err != nil {
		return VerificationResult{}, err
	}
	if !entries[0].IsGenesis() && anchorHash == "" {
		return VerificationResult{}, ErrAnchorRequired
	}

	c := newChainChecker(anchorHash)
	for _, e := range entries {
		c.push(e)
	}
	return c.finish(), nil
}

// VerifyFrom checks a run of entries ordered oldest first whose predecessor
// is pred. pred itself is not reported on; it may be nil only when the run
// begins at the genesis entry.
func VerifyFrom(pred *Entry, entries []*Entry) (VerificationResult, error) {
	if pred == nil {
		return Verify(entries, "")
	}
	if len(entries) == 0 {
		return VerificationResult{Valid: true}, nil
	}
	if err := checkOrder(entries); err != nil {
		return VerificationResult{}, err
	}
	c := newChainChecker(pred.CurrentHash)
	c.seed(pred)
	for _, e := range entries {
		c.push(e)
	}
	return c.finish(), nil
}

func checkOrder(entries []*Entry) error {
	for i := 1; i < len(entries); i++ {
		if entries[i].SequenceNumber <= entries[i-1].SequenceNumber {
			return ErrNotOldestFirst
		}
	}
	return nil
}

// VerifyStoreOptions bounds a streaming verification.
type VerifyStoreOptions struct {
	// From is the first sequence number to check; values below 1 mean 1.
	From int64
	// To is the last sequence number to check; 0 means the tail.
	To int64
	// BatchSize is the number of entries fetched per read.
	BatchSize int
	// Predecessor, when set, is used as the anchor instead of reading
	// entry From-1 from the store.
	Predecessor *Entry
}

// VerifyStore verifies a sequence range of s in batches, oldest first. It
// returns the result and the last entry checked, which callers may pass as
// the Predecessor of a later incremental run.
func VerifyStore(ctx context.Context, s Store, opts VerifyStoreOptions) (VerificationResult, *Entry, error) {
	if opts.From < 1 {
		opts.From = 1
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.To > 0 && opts.To < opts.From {
		return VerificationResult{}, nil, invalidQuery("to", "must not be less than from")
	}

	pred := opts.Predecessor
	if pred == nil && opts.From > 1 {
		var err error
		pred, err = s.Get(ctx, opts.From-1)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return VerificationResult{}, nil, fmt.Errorf("anchor entry %d: %w", opts.From-1, err)
			}
			return VerificationResult{}, nil, err
		}
	}

	c := newChainChecker("")
	if pred != nil {
		c.seed(pred)
	}

	next := opts.From
	for {
		batch, _, err := s.GetRange(ctx,
			Filter{MinSequence: next, MaxSequence: opts.To},
			OldestFirst, 0, opts.BatchSize)
		if err != nil {
			return VerificationResult{}, nil, err
		}
		for _, e := range batch {
			c.push(e)
		}
		if len(batch) < opts.BatchSize {
			break
		}
		next = batch[len(batch)-1].SequenceNumber + 1
		if opts.To > 0 && next > opts.To {
			break
		}
	}

	if c.res.Checked == 0 {
		return VerificationResult{Valid: true}, pred, nil
	}
	return c.finish(), c.prev, nil
}
