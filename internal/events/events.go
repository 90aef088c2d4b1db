// Package events publishes committed ledger entries for downstream
// consumers such as a SIEM. Publishing is best effort: a failure is
// reported to the caller for logging but never undoes or fails an append.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jmerrifield20/AuditLedger/internal/auditledger"
	nats "github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// TypeEntryAppended is the event type of a committed entry.
const TypeEntryAppended = "ledger.entry.appended"

// DefaultSubject is the NATS subject committed entries are published on.
const DefaultSubject = "audit.ledger.appended"

// Event is the JSON payload of a published entry.
type Event struct {
	Type        string             `json:"type"`
	PublishedAt time.Time          `json:"published_at"`
	Entry       *auditledger.Entry `json:"entry"`
}

// Publisher emits committed entries.
type Publisher interface {
	Publish(ctx context.Context, e *auditledger.Entry) error
	Close() error
}

// NoopPublisher discards every entry.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, *auditledger.Entry) error { return nil }
func (NoopPublisher) Close() error                                    { return nil }

// msgConn is the subset of *nats.Conn used by NATSPublisher.
type msgConn interface {
	PublishMsg(m *nats.Msg) error
	Drain() error
}

// NATSPublisher publishes entries as JSON on a NATS subject. Each message
// carries a Nats-Msg-Id derived from the entry hash so a JetStream stream
// on the subject drops redeliveries of the same entry.
type NATSPublisher struct {
	conn    msgConn
	subject string
	now     func() time.Time
}

// ConnectNATS dials url and returns a publisher for subject. The connection
// reconnects indefinitely; connection state changes are logged.
func ConnectNATS(url, subject string, logger *zap.Logger) (*NATSPublisher, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	nc, err := nats.Connect(url,
		nats.Name("ledgerd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	logger.Info("nats publisher connected", zap.String("url", nc.ConnectedUrl()), zap.String("subject", subject))
	return newNATSPublisher(nc, subject), nil
}

func newNATSPublisher(conn msgConn, subject string) *NATSPublisher {
	return &NATSPublisher{conn: conn, subject: subject, now: time.Now}
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(_ context.Context, e *auditledger.Entry) error {
	data, err := json.Marshal(Event{
		Type:        TypeEntryAppended,
		PublishedAt: p.now().UTC(),
		Entry:       e,
	})
	if err != nil {
		return fmt.Errorf("marshal entry %d: %w", e.SequenceNumber, err)
	}

	hdr := nats.Header{}
	hdr.Set(nats.MsgIdHdr, MessageID(e))
	hdr.Set("Ledger-Sequence", strconv.FormatInt(e.SequenceNumber, 10))
	hdr.Set("Ledger-Action", string(e.ActionType))

	if err := p.conn.PublishMsg(&nats.Msg{Subject: p.subject, Data: data, Header: hdr}); err != nil {
		return fmt.Errorf("publish entry %d: %w", e.SequenceNumber, err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error { return p.conn.Drain() }

// MessageID is the deduplication ID of an entry: its sequence number and
// hash, which together identify one committed entry.
func MessageID(e *auditledger.Entry) string {
	return strconv.FormatInt(e.SequenceNumber, 10) + "-" + e.CurrentHash
}
