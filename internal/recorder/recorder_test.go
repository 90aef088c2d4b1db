package recorder_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jmerrifield20/AuditLedger/internal/alert"
	"github.com/jmerrifield20/AuditLedger/internal/auditledger"
	"github.com/jmerrifield20/AuditLedger/internal/recorder"
	"go.uber.org/zap"
)

type stubAppender struct {
	err   error
	calls int
}

func (s *stubAppender) Append(_ context.Context, req auditledger.AppendRequest) (*auditledger.AppendResult, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &auditledger.AppendResult{Entry: &auditledger.Entry{SequenceNumber: 1, ActionType: req.ActionType}}, nil
}

type stubAlerter struct{ got []alert.Alert }

func (s *stubAlerter) Raise(_ context.Context, a alert.Alert) { s.got = append(s.got, a) }

func approve() auditledger.AppendRequest {
	return auditledger.AppendRequest{
		ActionType:  auditledger.ActionApprove,
		EntityType:  "Request",
		EntityID:    "r-1",
		ActorID:     "admin-a",
		Description: "approved request r-1",
	}
}

func TestRecord_success(t *testing.T) {
	app, alerts := &stubAppender{}, &stubAlerter{}
	res, err := recorder.New(app, alerts, zap.NewNop()).Record(context.Background(), approve())
	if err != nil {
		t.Fatal(err)
	}
	if res.Entry.SequenceNumber != 1 {
		t.Errorf("entry: %+v", res.Entry)
	}
	if len(alerts.got) != 0 {
		t.Errorf("unexpected alerts: %+v", alerts.got)
	}
}

func TestRecord_failureAlerts(t *testing.T) {
	cases := map[string]struct {
		err   error
		cause string
	}{
		"conflicts exhausted": {fmt.Errorf("gave up after 9 conflicts: %w", auditledger.ErrWriteConflict), "write_conflict"},
		"store down":          {fmt.Errorf("insert: %w", auditledger.ErrStoreUnavailable), "store_unavailable"},
		"shutting down":       {auditledger.ErrWriterClosed, "writer_closed"},
		"caller timeout":      {context.DeadlineExceeded, "caller_gave_up"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			alerts := &stubAlerter{}
			_, err := recorder.New(&stubAppender{err: tc.err}, alerts, zap.NewNop()).Record(context.Background(), approve())
			if !errors.Is(err, tc.err) {
				t.Errorf("error: got %v, want %v", err, tc.err)
			}
			if len(alerts.got) != 1 {
				t.Fatalf("alerts: got %d, want 1", len(alerts.got))
			}
			a := alerts.got[0]
			if a.Kind != alert.KindAppendFailed || a.Severity != alert.SeverityCritical {
				t.Errorf("alert: %+v", a)
			}
			if a.Details["cause"] != tc.cause || a.Details["actor_id"] != "admin-a" {
				t.Errorf("details: %v", a.Details)
			}
		})
	}
}

func TestRecord_invalidRequestNotAlerted(t *testing.T) {
	alerts := &stubAlerter{}
	err := fmt.Errorf("%w: missing actor_id", auditledger.ErrInvalidEntry)
	if _, got := recorder.New(&stubAppender{err: err}, alerts, zap.NewNop()).Record(context.Background(), approve()); !errors.Is(got, auditledger.ErrInvalidEntry) {
		t.Errorf("error: %v", got)
	}
	if len(alerts.got) != 0 {
		t.Errorf("invalid input should not page operators: %+v", alerts.got)
	}
}

// The recorder works end to end with the real writer.
func TestRecord_withWriter(t *testing.T) {
	store := auditledger.NewMemoryStore()
	w := auditledger.NewWriter(store, auditledger.DefaultWriterConfig(), zap.NewNop())
	defer w.Close()

	r := recorder.New(w, &stubAlerter{}, zap.NewNop())
	for i := 0; i < 3; i++ {
		if _, err := r.Record(context.Background(), approve()); err != nil {
			t.Fatal(err)
		}
	}
	if store.Len() != 3 {
		t.Errorf("store length: got %d", store.Len())
	}
}
