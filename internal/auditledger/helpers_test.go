package auditledger_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jmerrifield20/AuditLedger/internal/auditledger"
	"go.uber.org/zap"
)

var ctx = context.Background()

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func testWriterConfig() auditledger.WriterConfig {
	return auditledger.WriterConfig{
		MaxConflictRetries: 8,
		InitialBackoff:     time.Millisecond,
		MaxBackoff:         5 * time.Millisecond,
		MaxElapsed:         2 * time.Second,
	}
}

func newTestWriter(t *testing.T, store auditledger.Store) *auditledger.Writer {
	t.Helper()
	w := auditledger.NewWriter(store, testWriterConfig(), zap.NewNop())
	t.Cleanup(w.Close)
	return w
}

func request(action auditledger.ActionType, actor string) auditledger.AppendRequest {
	return auditledger.AppendRequest{
		ActionType:    action,
		EntityType:    "User",
		EntityID:      "u-1",
		ActorID:       actor,
		ActorLabel:    "Admin " + actor,
		Description:   fmt.Sprintf("%s by %s", action, actor),
		OriginAddress: "10.0.0.1",
	}
}

func mustAppend(t *testing.T, w *auditledger.Writer, req auditledger.AppendRequest) *auditledger.Entry {
	t.Helper()
	res, err := w.Append(ctx, req)
	if err != nil {
		t.Fatalf("Append(%s): %v", req.ActionType, err)
	}
	return res.Entry
}

// buildChain returns n correctly linked entries as a writer would produce
// them. Entry i (0-based) is created at baseTime + i minutes.
func buildChain(t *testing.T, n int) []*auditledger.Entry {
	t.Helper()
	actions := auditledger.ActionTypes()
	var (
		out  []*auditledger.Entry
		prev = auditledger.GenesisPreviousHash
	)
	for i := 0; i < n; i++ {
		before, err := auditledger.NormalizeSnapshot(auditledger.Snapshot{
			"status": "pending",
			"score":  1.50,
			"tags":   []any{"a", "b"},
			"nested": map[string]any{"z": 1, "a": nil},
		})
		if err != nil {
			t.Fatal(err)
		}
		after, err := auditledger.NormalizeSnapshot(auditledger.Snapshot{
			"status": "approved",
			"score":  2,
			"tags":   []any{"a", "b"},
			"nested": map[string]any{"z": 1, "a": nil},
			"round":  i,
		})
		if err != nil {
			t.Fatal(err)
		}
		changes, err := auditledger.DiffSnapshots(before, after)
		if err != nil {
			t.Fatal(err)
		}
		e := &auditledger.Entry{
			SequenceNumber: int64(i + 1),
			ActionType:     actions[i%len(actions)],
			EntityType:     []string{"User", "Request"}[i%2],
			EntityID:       fmt.Sprintf("id-%d", i%3),
			ActorID:        []string{"admin-a", "admin-b"}[i%2],
			ActorLabel:     "Admin",
			Description:    fmt.Sprintf("action %d", i+1),
			DataBefore:     before,
			DataAfter:      after,
			DataChanges:    changes,
			OriginAddress:  "192.0.2.7",
			CreatedAt:      baseTime.Add(time.Duration(i) * time.Minute),
			PreviousHash:   prev,
		}
		e.CurrentHash, err = auditledger.ComputeHash(e, prev)
		if err != nil {
			t.Fatal(err)
		}
		prev = e.CurrentHash
		out = append(out, e)
	}
	return out
}

func seqs(entries []*auditledger.Entry) []int64 {
	out := make([]int64, len(entries))
	for i, e := range entries {
		out[i] = e.SequenceNumber
	}
	return out
}

func equalSeqs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// tamperStore rewrites one entry on every read, as if its stored row had
// been edited behind the ledger's back.
type tamperStore struct {
	auditledger.Store
	seq    int64
	mutate func(e *auditledger.Entry)
}

func (s *tamperStore) apply(e *auditledger.Entry) *auditledger.Entry {
	if e != nil && e.SequenceNumber == s.seq {
		s.mutate(e)
	}
	return e
}

func (s *tamperStore) GetRange(ctx context.Context, f auditledger.Filter, o auditledger.Order, offset, limit int) ([]*auditledger.Entry, int, error) {
	entries, total, err := s.Store.GetRange(ctx, f, o, offset, limit)
	for _, e := range entries {
		s.apply(e)
	}
	return entries, total, err
}

func (s *tamperStore) Get(ctx context.Context, seq int64) (*auditledger.Entry, error) {
	e, err := s.Store.Get(ctx, seq)
	return s.apply(e), err
}

func (s *tamperStore) GetTail(ctx context.Context) (*auditledger.Entry, error) {
	e, err := s.Store.GetTail(ctx)
	return s.apply(e), err
}
