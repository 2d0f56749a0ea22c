package domain

import "time"

type CartStatus string

const (
	CartActive   CartStatus = "active"
	CartPaid     CartStatus = "paid"
	CartReleased CartStatus = "released"
)

type Cart struct {
	ID                  string        `json:"id"`
	UserID              string        `json:"user_id"`
	Status              CartStatus    `json:"status"`
	Revision            int64         `json:"revision"`
	TimeLastUpdated     time.Time     `json:"time_last_updated"`
	ReservationDuration time.Duration `json:"reservation_duration"`
	VoucherIDs          []string      `json:"voucher_ids,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
}

func (c Cart) ReservedUntil() time.Time {
	return c.TimeLastUpdated.Add(c.ReservationDuration)
}

// Reserved reports whether an active cart still holds its items at now.
func (c Cart) Reserved(now time.Time) bool {
	return c.Status == CartActive && now.Before(c.ReservedUntil())
}

func (c Cart) HasVoucher(voucherID string) bool {
	for _, id := range c.VoucherIDs {
		if id == voucherID {
			return true
		}
	}
	return false
}

type ProductItem struct {
	CartID             string         `json:"cart_id"`
	ProductID          string         `json:"product_id"`
	Quantity           int            `json:"quantity"`
	PriceOverrideCents *int64         `json:"price_override_cents,omitempty"`
	AdditionalData     map[string]any `json:"additional_data,omitempty"`
}

// HeldItem is a product item together with the owning cart's state, used for
// per-user quota and condition checks.
type HeldItem struct {
	ProductItem
	UserID          string     `json:"user_id"`
	CartStatus      CartStatus `json:"cart_status"`
	CartReservedTil time.Time  `json:"cart_reserved_until"`
}

type DiscountItem struct {
	CartID     string `json:"cart_id"`
	DiscountID string `json:"discount_id"`
	ProductID  string `json:"product_id"`
	Quantity   int    `json:"quantity"`
}

type HeldDiscount struct {
	DiscountItem
	UserID     string     `json:"user_id"`
	CartStatus CartStatus `json:"cart_status"`
}

type InvoiceStatus string

const (
	InvoiceUnpaid   InvoiceStatus = "unpaid"
	InvoicePaid     InvoiceStatus = "paid"
	InvoiceRefunded InvoiceStatus = "refunded"
	InvoiceVoid     InvoiceStatus = "void"
)

type Invoice struct {
	ID           string        `json:"id"`
	UserID       string        `json:"user_id"`
	CartID       string        `json:"cart_id,omitempty"`
	CartRevision *int64        `json:"cart_revision,omitempty"`
	Status       InvoiceStatus `json:"status"`
	Recipient    string        `json:"recipient"`
	IssueTime    time.Time     `json:"issue_time"`
	DueTime      time.Time     `json:"due_time"`
	ValueCents   int64         `json:"value_cents"`
	LineItems    []LineItem    `json:"line_items"`
}

type LineItem struct {
	ID             string         `json:"id"`
	InvoiceID      string         `json:"invoice_id"`
	Position       int            `json:"position"`
	Description    string         `json:"description"`
	Quantity       int            `json:"quantity"`
	PriceCents     int64          `json:"price_cents"`
	ProductID      string         `json:"product_id,omitempty"`
	Cancelled      bool           `json:"cancelled"`
	IsRefund       bool           `json:"is_refund"`
	AdditionalData map[string]any `json:"additional_data,omitempty"`
}

// InvoiceValue sums quantity x price over the non-cancelled lines.
func InvoiceValue(lines []LineItem) int64 {
	var total int64
	for _, line := range lines {
		if line.Cancelled {
			continue
		}
		total += int64(line.Quantity) * line.PriceCents
	}
	return total
}

type PaymentKind string

const (
	PaymentManual                PaymentKind = "manual"
	PaymentCreditNote            PaymentKind = "credit_note"
	PaymentCreditNoteApplication PaymentKind = "credit_note_application"
)

// Payment is one append-only ledger row against an invoice. Credit notes are
// negative rows on the invoice they were raised from.
type Payment struct {
	ID          string      `json:"id"`
	InvoiceID   string      `json:"invoice_id"`
	Kind        PaymentKind `json:"kind"`
	Reference   string      `json:"reference"`
	AmountCents int64       `json:"amount_cents"`
	Time        time.Time   `json:"time"`
}

func TotalPayments(payments []Payment) int64 {
	var total int64
	for _, p := range payments {
		total += p.AmountCents
	}
	return total
}

type CreditNoteStatus string

const (
	CreditNoteUnclaimed CreditNoteStatus = "unclaimed"
	CreditNoteApplied   CreditNoteStatus = "applied"
	CreditNoteRefunded  CreditNoteStatus = "refunded"
)

type CreditNote struct {
	ID            string    `json:"id"`
	InvoiceID     string    `json:"invoice_id"`
	UserID        string    `json:"user_id"`
	ValueCents    int64     `json:"value_cents"`
	AppliedCents  int64     `json:"applied_cents"`
	RefundedCents int64     `json:"refunded_cents"`
	Refunded      bool      `json:"refunded"`
	CreatedAt     time.Time `json:"created_at"`
}

func (n CreditNote) RemainingCents() int64 {
	return n.ValueCents - n.AppliedCents - n.RefundedCents
}

func (n CreditNote) Status() CreditNoteStatus {
	switch {
	case n.Refunded:
		return CreditNoteRefunded
	case n.RemainingCents() <= 0:
		return CreditNoteApplied
	default:
		return CreditNoteUnclaimed
	}
}

type CreditNoteApplication struct {
	ID          string    `json:"id"`
	ParentID    string    `json:"parent_id"`
	InvoiceID   string    `json:"invoice_id"`
	AmountCents int64     `json:"amount_cents"`
	Time        time.Time `json:"time"`
}

type CreditNoteRefund struct {
	ID          string    `json:"id"`
	ParentID    string    `json:"parent_id"`
	Reference   string    `json:"reference"`
	AmountCents int64     `json:"amount_cents"`
	Time        time.Time `json:"time"`
}

const (
	RoleAttendee = "attendee"
	RoleStaff    = "staff"
)

type Actor struct {
	Username string
	Role     string
}

func (a Actor) IsStaff() bool {
	return a.Role == RoleStaff
}

type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Selection struct {
	CategoryID string   `json:"category_id,omitempty"`
	ProductIDs []string `json:"product_ids,omitempty"`
}

type QuantityChange struct {
	ProductID          string         `json:"product_id"`
	Quantity           int            `json:"quantity"`
	PriceOverrideCents *int64         `json:"price_override_cents,omitempty"`
	AdditionalData     map[string]any `json:"additional_data,omitempty"`
}

type SetQuantitiesRequest struct {
	Items         []QuantityChange `json:"items"`
	EnforceLimits *bool            `json:"enforce_limits,omitempty"`
}

type VoucherRequest struct {
	Code string `json:"code"`
}

type ManualLine struct {
	Description string `json:"description"`
	PriceCents  int64  `json:"price_cents"`
	Quantity    int    `json:"quantity"`
}

type ManualInvoiceRequest struct {
	UserID  string       `json:"user_id"`
	DueDays int          `json:"due_days"`
	Lines   []ManualLine `json:"lines"`
}

type PaymentRequest struct {
	Reference   string `json:"reference"`
	AmountCents int64  `json:"amount_cents"`
}

type CreditNoteRequest struct {
	AmountCents int64 `json:"amount_cents"`
}

type ApplyCreditNoteRequest struct {
	InvoiceID string `json:"invoice_id"`
}

type RefundCreditNoteRequest struct {
	Reference string `json:"reference"`
}

type CartView struct {
	Cart      Cart           `json:"cart"`
	Items     []ProductItem  `json:"items"`
	Discounts []DiscountItem `json:"discounts"`
	Events    []Event        `json:"events,omitempty"`
}

type InvoiceView struct {
	Invoice        Invoice   `json:"invoice"`
	Payments       []Payment `json:"payments"`
	TotalPaidCents int64     `json:"total_paid_cents"`
	RemainderCents int64     `json:"remainder_cents"`
	Events         []Event   `json:"events,omitempty"`
}

type CreditNoteView struct {
	CreditNote CreditNote `json:"credit_note"`
	Status     string     `json:"status"`
	Events     []Event    `json:"events,omitempty"`
}

type PublicCatalog struct {
	Categories []Category `json:"categories"`
	Products   []Product  `json:"products"`
}

type DisabledProducts struct {
	Purchased []Product `json:"purchased"`
	Pending   []Product `json:"pending"`
}

type DiscountAvailability struct {
	DiscountID  string               `json:"discount_id"`
	Description string               `json:"description"`
	Product     *DiscountForProduct  `json:"product_clause,omitempty"`
	Category    *DiscountForCategory `json:"category_clause,omitempty"`
	Quantity    int                  `json:"quantity"`
}
