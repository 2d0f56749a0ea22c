package domain

import "time"

type EventKind string

const (
	EventInvoiceCreated    EventKind = "invoice_created"
	EventInvoiceUpdated    EventKind = "invoice_updated"
	EventCreditNoteIssued  EventKind = "credit_note_issued"
	EventCreditNoteApplied EventKind = "credit_note_applied"
	EventRefundProcessed   EventKind = "refund_processed"
	EventCartUpdated       EventKind = "cart_updated"
	EventDonationReceived  EventKind = "donation_received"
)

// Event is a side effect produced by an operation. Operations return their
// events; delivery to the notification collaborator happens after commit.
type Event struct {
	Kind         EventKind     `json:"kind"`
	UserID       string        `json:"user_id"`
	Email        string        `json:"email,omitempty"`
	InvoiceID    string        `json:"invoice_id,omitempty"`
	CreditNoteID string        `json:"credit_note_id,omitempty"`
	CartID       string        `json:"cart_id,omitempty"`
	OldStatus    InvoiceStatus `json:"old_status,omitempty"`
	NewStatus    InvoiceStatus `json:"new_status,omitempty"`
	AmountCents  int64         `json:"amount_cents,omitempty"`
	At           time.Time     `json:"at"`
}

// Notifies reports whether the event maps to a user-facing notification template.
func (e Event) Notifies() bool {
	switch e.Kind {
	case EventInvoiceCreated, EventInvoiceUpdated, EventRefundProcessed, EventDonationReceived:
		return true
	}
	return false
}
