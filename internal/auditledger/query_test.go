package auditledger_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/jmerrifield20/AuditLedger/internal/auditledger"
	"go.uber.org/zap"
)

func newQueryService(s auditledger.Store) *auditledger.QueryService {
	return auditledger.NewQueryService(s, auditledger.DefaultQueryConfig(), zap.NewNop())
}

func seedStore(t *testing.T, n int) *auditledger.MemoryStore {
	t.Helper()
	s := auditledger.NewMemoryStore()
	for i, e := range buildChain(t, n) {
		if err := s.AppendIfTail(ctx, int64(i), e, ""); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func TestQuery_emptyLedger(t *testing.T) {
	q := newQueryService(auditledger.NewMemoryStore())

	page, err := q.Query(ctx, auditledger.QueryParams{Page: 1, Limit: 20, Verify: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Entries) != 0 || page.Pagination.Total != 0 || page.Pagination.TotalPages != 0 {
		t.Errorf("empty ledger: got %d entries, pagination %+v", len(page.Entries), page.Pagination)
	}
	if page.Entries == nil {
		t.Error("entries should be an empty slice, not nil")
	}
}

func TestQuery_filterByActionType(t *testing.T) {
	s := auditledger.NewMemoryStore()
	w := newTestWriter(t, s)
	for i := 0; i < 25; i++ {
		action := auditledger.ActionView
		if i%6 == 0 {
			action = auditledger.ActionApprove
		}
		mustAppend(t, w, request(action, "admin-a"))
	}
	q := newQueryService(s)

	page, err := q.Query(ctx, auditledger.QueryParams{ActionType: auditledger.ActionApprove, Page: 1, Limit: 20})
	if err != nil {
		t.Fatal(err)
	}
	if page.Pagination.Total != 5 {
		t.Errorf("total: got %d, want 5", page.Pagination.Total)
	}
	// APPROVE entries were appended at 1, 7, 13, 19, 25.
	if got := seqs(page.Entries); !equalSeqs(got, []int64{25, 19, 13, 7, 1}) {
		t.Errorf("sequences: got %v", got)
	}
	for _, e := range page.Entries {
		if e.ActionType != auditledger.ActionApprove {
			t.Errorf("entry %d has action %s", e.SequenceNumber, e.ActionType)
		}
	}
}

func TestQuery_fourApprovalsOfTwentyFive(t *testing.T) {
	s := auditledger.NewMemoryStore()
	w := newTestWriter(t, s)
	approvals := map[int]bool{3: true, 9: true, 15: true, 22: true}
	for i := 1; i <= 25; i++ {
		action := auditledger.ActionUpdate
		if approvals[i] {
			action = auditledger.ActionApprove
		}
		mustAppend(t, w, request(action, "admin-a"))
	}

	page, err := newQueryService(s).Query(ctx, auditledger.QueryParams{ActionType: auditledger.ActionApprove, Page: 1, Limit: 20})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Entries) != 4 || page.Pagination.Total != 4 || page.Pagination.TotalPages != 1 {
		t.Errorf("got %d entries, pagination %+v", len(page.Entries), page.Pagination)
	}
}

func TestQuery_pagesPartitionResults(t *testing.T) {
	s := seedStore(t, 47)
	q := newQueryService(s)

	first, err := q.Query(ctx, auditledger.QueryParams{Page: 1, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if first.Pagination.TotalPages != 5 || first.Pagination.Total != 47 {
		t.Fatalf("pagination: %+v", first.Pagination)
	}

	seen := map[int64]bool{}
	var order []int64
	for p := 1; p <= first.Pagination.TotalPages; p++ {
		page, err := q.Query(ctx, auditledger.QueryParams{Page: p, Limit: 10, AsOf: first.Pagination.AsOf})
		if err != nil {
			t.Fatal(err)
		}
		for _, e := range page.Entries {
			if seen[e.SequenceNumber] {
				t.Errorf("entry %d appears on more than one page", e.SequenceNumber)
			}
			seen[e.SequenceNumber] = true
			order = append(order, e.SequenceNumber)
		}
	}
	if len(seen) != 47 {
		t.Errorf("pages covered %d entries, want 47", len(seen))
	}
	for i := 1; i < len(order); i++ {
		if order[i] >= order[i-1] {
			t.Fatalf("entries not newest first across pages at %d: %v", i, order[i-1:i+1])
		}
	}
}

func TestQuery_asOfPinsPages(t *testing.T) {
	s := auditledger.NewMemoryStore()
	w := newTestWriter(t, s)
	for i := 0; i < 15; i++ {
		mustAppend(t, w, request(auditledger.ActionView, "admin-a"))
	}
	q := newQueryService(s)

	first, err := q.Query(ctx, auditledger.QueryParams{Page: 1, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if first.Pagination.AsOf != 15 {
		t.Fatalf("as_of: got %d, want 15", first.Pagination.AsOf)
	}

	// New activity arrives between page requests.
	for i := 0; i < 3; i++ {
		mustAppend(t, w, request(auditledger.ActionView, "admin-a"))
	}

	second, err := q.Query(ctx, auditledger.QueryParams{Page: 2, Limit: 10, AsOf: first.Pagination.AsOf})
	if err != nil {
		t.Fatal(err)
	}
	if got := seqs(second.Entries); !equalSeqs(got, []int64{5, 4, 3, 2, 1}) {
		t.Errorf("pinned second page: got %v", got)
	}
	if second.Pagination.Total != 15 {
		t.Errorf("pinned total: got %d, want 15", second.Pagination.Total)
	}
}

func TestQuery_verifyValidPage(t *testing.T) {
	q := newQueryService(seedStore(t, 30))

	page, err := q.Query(ctx, auditledger.QueryParams{Page: 2, Limit: 10, Verify: true})
	if err != nil {
		t.Fatal(err)
	}
	if page.Verification == nil || !page.Verification.Valid || page.Verification.Checked != 10 {
		t.Fatalf("verification: %+v", page.Verification)
	}
	for _, e := range page.Entries {
		if st, _ := page.ChainStatus(e.SequenceNumber); st != auditledger.StatusVerified {
			t.Errorf("entry %d status %q", e.SequenceNumber, st)
		}
	}
}

func TestQuery_verifyFlagsTamperedEntry(t *testing.T) {
	s := &tamperStore{
		Store:  seedStore(t, 3),
		seq:    2,
		mutate: func(e *auditledger.Entry) { e.DataAfter["status"] = "declined" },
	}
	q := newQueryService(s)

	page, err := q.Query(ctx, auditledger.QueryParams{Page: 1, Limit: 20, Verify: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Entries) != 3 {
		t.Fatalf("a broken chain must not hide entries: got %d", len(page.Entries))
	}
	if page.Verification.Valid || page.Verification.BrokenAt != 3 || page.Verification.Reason != auditledger.ReasonLinkMismatch {
		t.Errorf("verification: %+v", page.Verification)
	}
	st, reason := page.ChainStatus(3)
	if st != auditledger.StatusBroken || reason != auditledger.ReasonLinkMismatch {
		t.Errorf("entry 3: got %q %q", st, reason)
	}
	if st, _ := page.ChainStatus(1); st != auditledger.StatusVerified {
		t.Errorf("entry 1: got %q", st)
	}
}

// Filtered pages are not contiguous; each run is verified against its own
// stored predecessor.
func TestQuery_verifyFilteredPage(t *testing.T) {
	q := newQueryService(seedStore(t, 12))

	page, err := q.Query(ctx, auditledger.QueryParams{ActorID: "admin-b", Page: 1, Limit: 20, Verify: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Entries) != 6 {
		t.Fatalf("entries: got %d", len(page.Entries))
	}
	if !page.Verification.Valid || page.Verification.Checked != 6 {
		t.Errorf("verification: %+v", page.Verification)
	}

	// A tampered predecessor outside the filter still shows up on its successor.
	s := &tamperStore{Store: seedStore(t, 12), seq: 5, mutate: func(e *auditledger.Entry) { e.Description = "x" }}
	page, err = newQueryService(s).Query(ctx, auditledger.QueryParams{ActorID: "admin-b", Page: 1, Limit: 20, Verify: true})
	if err != nil {
		t.Fatal(err)
	}
	if page.Verification.Valid || page.Verification.BrokenAt != 6 {
		t.Errorf("verification: %+v", page.Verification)
	}
}

func TestQuery_unverifiedStatus(t *testing.T) {
	page, err := newQueryService(seedStore(t, 2)).Query(ctx, auditledger.QueryParams{Page: 1})
	if err != nil {
		t.Fatal(err)
	}
	if page.Verification != nil {
		t.Error("verification attached without being requested")
	}
	if st, _ := page.ChainStatus(1); st != auditledger.StatusUnverified {
		t.Errorf("status: got %q", st)
	}
	if page.Pagination.Limit != 20 {
		t.Errorf("default limit: got %d", page.Pagination.Limit)
	}
}

func TestQuery_invalidParams(t *testing.T) {
	q := newQueryService(auditledger.NewMemoryStore())
	cases := map[string]auditledger.QueryParams{
		"negative page":   {Page: -1},
		"limit too large": {Limit: 201},
		"negative limit":  {Limit: -5},
		"unknown action":  {ActionType: "PROMOTE"},
		"inverted dates":  {Since: baseTime, Until: baseTime.Add(-time.Hour)},
		"negative as_of":  {AsOf: -1},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := q.Query(ctx, p)
			var qe *auditledger.QueryError
			if !errors.As(err, &qe) {
				t.Errorf("expected *QueryError, got %v", err)
			}
		})
	}
}

// A page number whose offset overflows int is a client error, not a panic.
func TestQuery_pageOffsetOverflow(t *testing.T) {
	q := newQueryService(seedStore(t, 5))

	_, err := q.Query(ctx, auditledger.QueryParams{Page: math.MaxInt/200 + 2, Limit: 200})
	var qe *auditledger.QueryError
	if !errors.As(err, &qe) || qe.Field != "page" {
		t.Fatalf("expected page QueryError, got %v", err)
	}

	// The largest representable page is still accepted and simply empty.
	page, err := q.Query(ctx, auditledger.QueryParams{Page: math.MaxInt/200 + 1, Limit: 200})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Entries) != 0 || page.Pagination.Total != 5 {
		t.Errorf("last page: got %d entries, pagination %+v", len(page.Entries), page.Pagination)
	}
}

func TestQuery_overviewAndGet(t *testing.T) {
	q := newQueryService(seedStore(t, 4))

	ov, err := q.Overview(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ov.TotalEntries != 4 || ov.TailSequence != 4 || ov.TailHash == "" {
		t.Errorf("overview: %+v", ov)
	}

	e, err := q.Get(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if e.SequenceNumber != 2 {
		t.Errorf("Get(2): got %d", e.SequenceNumber)
	}
	if _, err := q.Get(ctx, 99); !errors.Is(err, auditledger.ErrNotFound) {
		t.Errorf("Get(99): expected ErrNotFound, got %v", err)
	}

	empty, err := newQueryService(auditledger.NewMemoryStore()).Overview(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if empty.TotalEntries != 0 || empty.TailHash != "" {
		t.Errorf("empty overview: %+v", empty)
	}
}

func TestQuery_verifyRange(t *testing.T) {
	q := newQueryService(seedStore(t, 9))

	res, err := q.VerifyRange(ctx, 0, 0, 4)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.Checked != 9 {
		t.Errorf("whole ledger: %+v", res)
	}

	res, err = q.VerifyRange(ctx, 3, 6, 4)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.Checked != 4 {
		t.Errorf("3..6: %+v", res)
	}

	var qe *auditledger.QueryError
	if _, err := q.VerifyRange(ctx, 6, 3, 4); !errors.As(err, &qe) {
		t.Errorf("inverted range: expected *QueryError, got %v", err)
	}
	if _, err := q.VerifyRange(ctx, 50, 0, 4); !errors.As(err, &qe) {
		t.Errorf("range past tail: expected *QueryError, got %v", err)
	}
}
