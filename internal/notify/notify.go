// Package notify delivers user-facing notifications for committed events.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"confreg/backend/internal/domain"
)

// Message is one notification addressed to an attendee. Template names the
// rendering the delivery channel should use.
type Message struct {
	Template string       `json:"template"`
	To       string       `json:"to,omitempty"`
	Event    domain.Event `json:"event"`
}

type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Template maps an event kind to its notification template.
func Template(kind domain.EventKind) string {
	switch kind {
	case domain.EventInvoiceCreated:
		return "invoice_created"
	case domain.EventInvoiceUpdated:
		return "invoice_updated"
	case domain.EventRefundProcessed:
		return "refund_processed"
	case domain.EventDonationReceived:
		return "donation_acknowledgement"
	}
	return ""
}

// LogNotifier writes notifications to the log instead of delivering them.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, msg Message) error {
	n.logger.Info("notification",
		zap.String("template", msg.Template),
		zap.String("to", msg.To),
		zap.String("user_id", msg.Event.UserID),
		zap.String("invoice_id", msg.Event.InvoiceID),
		zap.Int64("amount_cents", msg.Event.AmountCents))
	return nil
}

// Dispatcher fans committed events out to notifiers in the background.
// Delivery failures are logged and never reach the operation that produced
// the events.
type Dispatcher struct {
	notifiers []Notifier
	logger    *zap.Logger
	timeout   time.Duration
	wg        sync.WaitGroup
}

func NewDispatcher(logger *zap.Logger, timeout time.Duration, notifiers ...Notifier) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{notifiers: notifiers, logger: logger, timeout: timeout}
}

func (d *Dispatcher) Publish(ctx context.Context, events []domain.Event) {
	messages := make([]Message, 0, len(events))
	for _, event := range events {
		if !event.Notifies() {
			continue
		}
		messages = append(messages, Message{Template: Template(event.Kind), To: event.Email, Event: event})
	}
	if len(messages) == 0 || len(d.notifiers) == 0 {
		return
	}

	base := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(base, d.timeout)
		defer cancel()
		for _, msg := range messages {
			if err := d.deliver(ctx, msg); err != nil {
				d.logger.Warn("notification delivery failed",
					zap.String("template", msg.Template),
					zap.String("user_id", msg.Event.UserID),
					zap.Error(err))
			}
		}
	}()
}

func (d *Dispatcher) deliver(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range d.notifiers {
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Wait blocks until every delivery started so far has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
