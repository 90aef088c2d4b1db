package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jmerrifield20/AuditLedger/internal/auditledger"
	nats "github.com/nats-io/nats.go"
)

type captureConn struct {
	msgs    []*nats.Msg
	fail    error
	drained bool
}

func (c *captureConn) PublishMsg(m *nats.Msg) error {
	if c.fail != nil {
		return c.fail
	}
	c.msgs = append(c.msgs, m)
	return nil
}

func (c *captureConn) Drain() error {
	c.drained = true
	return nil
}

func testEntry() *auditledger.Entry {
	return &auditledger.Entry{
		SequenceNumber: 7,
		ActionType:     auditledger.ActionApprove,
		EntityType:     "Request",
		EntityID:       "r-9",
		ActorID:        "admin-a",
		Description:    "approved request r-9",
		DataAfter:      auditledger.Snapshot{"status": "approved"},
		CreatedAt:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		PreviousHash:   "aa",
		CurrentHash:    "bb",
	}
}

func TestNATSPublisher_Publish(t *testing.T) {
	conn := &captureConn{}
	p := newNATSPublisher(conn, DefaultSubject)
	p.now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 1, 0, time.UTC) }

	if err := p.Publish(context.Background(), testEntry()); err != nil {
		t.Fatal(err)
	}
	if len(conn.msgs) != 1 {
		t.Fatalf("messages: got %d", len(conn.msgs))
	}
	m := conn.msgs[0]
	if m.Subject != "audit.ledger.appended" {
		t.Errorf("subject: %q", m.Subject)
	}
	if got := m.Header.Get(nats.MsgIdHdr); got != "7-bb" {
		t.Errorf("msg id: %q", got)
	}
	if got := m.Header.Get("Ledger-Action"); got != "APPROVE" {
		t.Errorf("action header: %q", got)
	}

	var ev struct {
		Type  string `json:"type"`
		Entry struct {
			SequenceNumber int64  `json:"sequence_number"`
			CurrentHash    string `json:"current_hash"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(m.Data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != TypeEntryAppended || ev.Entry.SequenceNumber != 7 || ev.Entry.CurrentHash != "bb" {
		t.Errorf("payload: %+v", ev)
	}
}

func TestNATSPublisher_publishError(t *testing.T) {
	p := newNATSPublisher(&captureConn{fail: nats.ErrConnectionClosed}, DefaultSubject)
	if err := p.Publish(context.Background(), testEntry()); !errors.Is(err, nats.ErrConnectionClosed) {
		t.Errorf("expected wrapped ErrConnectionClosed, got %v", err)
	}
}

func TestNATSPublisher_CloseDrains(t *testing.T) {
	conn := &captureConn{}
	if err := newNATSPublisher(conn, DefaultSubject).Close(); err != nil {
		t.Fatal(err)
	}
	if !conn.drained {
		t.Error("Close did not drain the connection")
	}
}
