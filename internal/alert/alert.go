// Package alert notifies operators about ledger failures: appends that
// could not be committed after retries, and chain breaks found by the
// auditor. Delivery is best effort; a failed channel is logged and never
// reported back to the caller that raised the alert.
package alert

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Severity grades an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert kinds.
const (
	KindAppendFailed = "ledger.append_failed"
	KindChainBroken  = "ledger.chain_broken"
)

// Alert is one operator notification.
type Alert struct {
	Kind     string            `json:"kind"`
	Severity Severity          `json:"severity"`
	Summary  string            `json:"summary"`
	Details  map[string]string `json:"details,omitempty"`
	RaisedAt time.Time         `json:"raised_at"`
}

// Notifier delivers an alert over one channel.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(channel string, success bool)

type channel struct {
	name string
	n    Notifier
}

// Dispatcher logs every alert and fans it out to the configured channels
// in the background.
type Dispatcher struct {
	channels  []channel
	onMetrics MetricsRecorder
	now       func() time.Time
	logger    *zap.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a Dispatcher with no delivery channels; alerts are
// only logged until Add is called.
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	return &Dispatcher{logger: logger, now: time.Now}
}

// Add registers a delivery channel. Not safe to call concurrently with Raise.
func (d *Dispatcher) Add(name string, n Notifier) {
	d.channels = append(d.channels, channel{name: name, n: n})
}

// SetMetricsRecorder configures the metrics callback.
func (d *Dispatcher) SetMetricsRecorder(fn MetricsRecorder) {
	d.onMetrics = fn
}

// Raise logs a and starts delivery on every channel. It does not wait for
// delivery and outlives cancellation of ctx. After Close, alerts are logged
// but not delivered.
func (d *Dispatcher) Raise(ctx context.Context, a Alert) {
	if a.RaisedAt.IsZero() {
		a.RaisedAt = d.now().UTC()
	}

	fields := []zap.Field{
		zap.String("kind", a.Kind),
		zap.String("severity", string(a.Severity)),
		zap.Any("details", a.Details),
	}
	if a.Severity == SeverityCritical {
		d.logger.Error(a.Summary, fields...)
	} else {
		d.logger.Warn(a.Summary, fields...)
	}
	d.record("log", true)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		if len(d.channels) > 0 {
			d.logger.Warn("alert not delivered: dispatcher closed", zap.String("kind", a.Kind))
		}
		return
	}

	ctx = context.WithoutCancel(ctx)
	for _, ch := range d.channels {
		d.wg.Add(1)
		go func(ch channel) {
			defer d.wg.Done()
			err := ch.n.Notify(ctx, a)
			d.record(ch.name, err == nil)
			if err != nil {
				d.logger.Warn("alert delivery failed",
					zap.String("channel", ch.name),
					zap.String("kind", a.Kind),
					zap.Error(err),
				)
			}
		}(ch)
	}
}

// Wait blocks until every delivery started by Raise has finished. Raise may
// not run concurrently with Wait; use Close at shutdown.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Close stops delivery of further alerts, which are then only logged, and
// waits for deliveries already in flight.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) record(channel string, success bool) {
	if d.onMetrics != nil {
		d.onMetrics(channel, success)
	}
}
