package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"confreg/backend/internal/domain"
	"confreg/backend/internal/store"
	"confreg/backend/internal/xid"
)

// GenerateCreditNote raises a credit note of amountCents against the invoice
// and reconciles the invoice afterwards.
func (s *Service) GenerateCreditNote(ctx context.Context, invoiceID string, amountCents int64) (domain.CreditNoteView, error) {
	if err := requireStaff(ctx); err != nil {
		return domain.CreditNoteView{}, err
	}
	var view domain.CreditNoteView
	events, err := s.run(ctx, func(o *op) error {
		inv, err := o.loadInvoice(invoiceID)
		if err != nil {
			return err
		}
		note, err := o.generateCreditNote(inv, amountCents)
		if err != nil {
			return err
		}
		if err := o.updateStatus(inv); err != nil {
			return err
		}
		o.audit("generate_credit_note", "credit_note", note.ID, fmt.Sprintf("invoice=%s,amount=%d", inv.ID, amountCents))
		view, err = o.creditNoteView(note.ID)
		return err
	})
	view.Events = events
	return view, err
}

// ApplyCreditNote pays down an unpaid invoice from the note's remaining value.
func (s *Service) ApplyCreditNote(ctx context.Context, noteID string, invoiceID string) (domain.InvoiceView, error) {
	if err := requireStaff(ctx); err != nil {
		return domain.InvoiceView{}, err
	}
	return s.invoiceOp(ctx, invoiceID, func(o *op, inv *domain.Invoice) error {
		note, err := o.tx.GetCreditNote(o.ctx, noteID)
		if err != nil {
			return fmt.Errorf("credit note %s: %w", noteID, err)
		}
		if note.UserID != inv.UserID {
			return domain.NewValidationError("", "credit notes can only be applied to invoices of the same attendee")
		}
		o.audit("apply_credit_note", "credit_note", note.ID, "invoice="+inv.ID)
		return o.applyCreditNote(note, inv)
	})
}

// RefundCreditNote records that the note's remaining value was paid back to
// the attendee outside the system.
func (s *Service) RefundCreditNote(ctx context.Context, noteID string, reference string) (domain.CreditNoteView, error) {
	if err := requireStaff(ctx); err != nil {
		return domain.CreditNoteView{}, err
	}
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return domain.CreditNoteView{}, &domain.ValidationError{Field: "reference", Message: "a refund reference is required"}
	}
	var view domain.CreditNoteView
	events, err := s.run(ctx, func(o *op) error {
		note, err := o.tx.GetCreditNote(o.ctx, noteID)
		if err != nil {
			return fmt.Errorf("credit note %s: %w", noteID, err)
		}
		if note.Status() != domain.CreditNoteUnclaimed {
			return domain.NewValidationError("", "credit note has already been %s", note.Status())
		}
		refund := domain.CreditNoteRefund{
			ID:          xid.New("cnr"),
			ParentID:    note.ID,
			Reference:   reference,
			AmountCents: note.RemainingCents(),
			Time:        o.now,
		}
		if err := o.tx.CreateCreditNoteRefund(o.ctx, refund); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return domain.IntegrityError("credit note %s refunded concurrently", note.ID)
			}
			return err
		}
		o.emit(domain.Event{Kind: domain.EventRefundProcessed, UserID: note.UserID, InvoiceID: note.InvoiceID, CreditNoteID: note.ID, AmountCents: refund.AmountCents})
		o.audit("refund_credit_note", "credit_note", note.ID, fmt.Sprintf("amount=%d,reference=%s", refund.AmountCents, reference))
		view, err = o.creditNoteView(note.ID)
		return err
	})
	view.Events = events
	return view, err
}

// CreditNotes lists the user's credit notes, oldest first.
func (s *Service) CreditNotes(ctx context.Context, userID string) ([]domain.CreditNoteView, error) {
	var out []domain.CreditNoteView
	_, err := s.run(ctx, func(o *op) error {
		notes, err := o.tx.ListCreditNotesByUser(o.ctx, userID)
		if err != nil {
			return err
		}
		out = make([]domain.CreditNoteView, 0, len(notes))
		for _, note := range notes {
			out = append(out, domain.CreditNoteView{CreditNote: note, Status: string(note.Status())})
		}
		return nil
	})
	return out, err
}

func (o *op) creditNoteView(noteID string) (domain.CreditNoteView, error) {
	note, err := o.tx.GetCreditNote(o.ctx, noteID)
	if err != nil {
		return domain.CreditNoteView{}, err
	}
	return domain.CreditNoteView{CreditNote: *note, Status: string(note.Status())}, nil
}

// generateCreditNote records value owed back to the invoice's owner as a
// negative payment on the invoice.
func (o *op) generateCreditNote(inv *domain.Invoice, amountCents int64) (*domain.CreditNote, error) {
	if amountCents <= 0 {
		return nil, &domain.ValidationError{Field: "amount_cents", Message: "credit note amount must be positive"}
	}
	id := xid.New("cn")
	note := domain.CreditNote{
		ID:         id,
		InvoiceID:  inv.ID,
		UserID:     inv.UserID,
		ValueCents: amountCents,
		CreatedAt:  o.now,
	}
	payment := domain.Payment{
		ID:          id,
		InvoiceID:   inv.ID,
		Kind:        domain.PaymentCreditNote,
		Reference:   "Credit note",
		AmountCents: -amountCents,
		Time:        o.now,
	}
	if err := o.tx.CreateCreditNote(o.ctx, note, payment); err != nil {
		return nil, err
	}
	o.emit(domain.Event{Kind: domain.EventCreditNoteIssued, UserID: inv.UserID, InvoiceID: inv.ID, CreditNoteID: id, AmountCents: amountCents})
	return &note, nil
}

// applyCreditNote consumes min(note remaining, invoice remainder) of the note.
func (o *op) applyCreditNote(note *domain.CreditNote, inv *domain.Invoice) error {
	if note.Status() != domain.CreditNoteUnclaimed {
		return domain.NewValidationError("", "credit note has already been %s", note.Status())
	}
	if err := o.validateAllowedToPay(inv); err != nil {
		return err
	}
	total, _, err := o.payments(inv)
	if err != nil {
		return err
	}
	remainder := inv.ValueCents - total
	if remainder <= 0 {
		return domain.NewValidationError("", "invoice is already fully paid")
	}

	amount := min(note.RemainingCents(), remainder)
	id := xid.New("cna")
	app := domain.CreditNoteApplication{
		ID:          id,
		ParentID:    note.ID,
		InvoiceID:   inv.ID,
		AmountCents: amount,
		Time:        o.now,
	}
	payment := domain.Payment{
		ID:          id,
		InvoiceID:   inv.ID,
		Kind:        domain.PaymentCreditNoteApplication,
		Reference:   "Applied credit note " + note.ID,
		AmountCents: amount,
		Time:        o.now,
	}
	if err := o.tx.CreateCreditNoteApplication(o.ctx, app, payment); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.IntegrityError("credit note %s applied beyond its remaining value", note.ID)
		}
		return err
	}
	note.AppliedCents += amount
	o.emit(domain.Event{Kind: domain.EventCreditNoteApplied, UserID: inv.UserID, InvoiceID: inv.ID, CreditNoteID: note.ID, AmountCents: amount})
	return o.updateStatus(inv)
}
