package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"confreg/backend/internal/discount"
	"confreg/backend/internal/domain"
	"confreg/backend/internal/store"
	"confreg/backend/internal/xid"
)

// Checkout returns the invoice for the active cart at its current revision,
// generating it when none exists.
func (s *Service) Checkout(ctx context.Context, userID string) (domain.InvoiceView, error) {
	var view domain.InvoiceView
	events, err := s.run(ctx, func(o *op) error {
		cart, err := o.cartFor(userID)
		if err != nil {
			return err
		}
		inv, err := o.forCart(*cart)
		if err != nil {
			return err
		}
		view, err = o.invoiceView(inv)
		return err
	})
	view.Events = events
	return view, err
}

// ManualInvoice bills arbitrary lines that are not held in a cart.
func (s *Service) ManualInvoice(ctx context.Context, userID string, dueDelta time.Duration, lines []domain.ManualLine) (domain.InvoiceView, error) {
	if err := requireStaff(ctx); err != nil {
		return domain.InvoiceView{}, err
	}
	if dueDelta <= 0 {
		dueDelta = time.Duration(s.defaultDueDays) * 24 * time.Hour
	}
	var view domain.InvoiceView
	events, err := s.run(ctx, func(o *op) error {
		inv, err := o.manualInvoice(userID, dueDelta, lines)
		if err != nil {
			return err
		}
		view, err = o.invoiceView(inv)
		return err
	})
	view.Events = events
	return view, err
}

// Invoice loads an invoice for a viewer, bringing its status and validity up
// to date first. Viewers that are neither the owner, staff nor holders of the
// owner's access code get domain.ErrForbidden.
func (s *Service) Invoice(ctx context.Context, invoiceID string, viewer domain.Actor, accessCode string) (domain.InvoiceView, error) {
	var view domain.InvoiceView
	events, err := s.run(ctx, func(o *op) error {
		inv, err := o.loadInvoice(invoiceID)
		if err != nil {
			return err
		}
		if err := o.canView(inv, viewer, accessCode); err != nil {
			return err
		}
		view, err = o.invoiceView(inv)
		return err
	})
	view.Events = events
	return view, err
}

// RecordPayment appends a payment (negative amounts are reversals) and
// reconciles the invoice status.
func (s *Service) RecordPayment(ctx context.Context, invoiceID string, reference string, amountCents int64) (domain.InvoiceView, error) {
	if err := requireStaff(ctx); err != nil {
		return domain.InvoiceView{}, err
	}
	return s.invoiceOp(ctx, invoiceID, func(o *op, inv *domain.Invoice) error {
		if amountCents == 0 {
			return &domain.ValidationError{Field: "amount_cents", Message: "payment amount must not be zero"}
		}
		if amountCents > 0 {
			if err := o.validateAllowedToPay(inv); err != nil {
				return err
			}
		} else if inv.Status == domain.InvoiceVoid {
			return domain.NewValidationError("", "void invoices cannot take payments")
		}
		reference = strings.TrimSpace(reference)
		if reference == "" {
			reference = "Manual payment"
		}
		payment := domain.Payment{
			ID:          xid.New("pay"),
			InvoiceID:   inv.ID,
			Kind:        domain.PaymentManual,
			Reference:   reference,
			AmountCents: amountCents,
			Time:        o.now,
		}
		if err := o.tx.CreatePayment(o.ctx, payment); err != nil {
			return err
		}
		o.audit("record_payment", "invoice", inv.ID, fmt.Sprintf("amount=%d,reference=%s", amountCents, reference))
		return o.updateStatus(inv)
	})
}

func (s *Service) UpdateStatus(ctx context.Context, invoiceID string) (domain.InvoiceView, error) {
	return s.invoiceOp(ctx, invoiceID, func(o *op, inv *domain.Invoice) error {
		return o.updateStatus(inv)
	})
}

func (s *Service) VoidInvoice(ctx context.Context, invoiceID string) (domain.InvoiceView, error) {
	if err := requireStaff(ctx); err != nil {
		return domain.InvoiceView{}, err
	}
	return s.invoiceOp(ctx, invoiceID, func(o *op, inv *domain.Invoice) error {
		o.audit("void_invoice", "invoice", inv.ID, "")
		return o.void(inv)
	})
}

func (s *Service) RefundInvoice(ctx context.Context, invoiceID string) (domain.InvoiceView, error) {
	if err := requireStaff(ctx); err != nil {
		return domain.InvoiceView{}, err
	}
	return s.invoiceOp(ctx, invoiceID, func(o *op, inv *domain.Invoice) error {
		o.audit("refund_invoice", "invoice", inv.ID, "")
		return o.refund(inv)
	})
}

func (s *Service) invoiceOp(ctx context.Context, invoiceID string, fn func(o *op, inv *domain.Invoice) error) (domain.InvoiceView, error) {
	var view domain.InvoiceView
	events, err := s.run(ctx, func(o *op) error {
		inv, err := o.loadInvoice(invoiceID)
		if err != nil {
			return err
		}
		if err := fn(o, inv); err != nil {
			return err
		}
		view, err = o.invoiceView(inv)
		return err
	})
	view.Events = events
	return view, err
}

// loadInvoice reads the invoice and reconciles status and validity, so every
// caller sees it up to date.
func (o *op) loadInvoice(invoiceID string) (*domain.Invoice, error) {
	inv, err := o.tx.GetInvoice(o.ctx, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("invoice %s: %w", invoiceID, err)
	}
	if err := o.updateStatus(inv); err != nil {
		return nil, err
	}
	if err := o.updateValidity(inv); err != nil {
		return nil, err
	}
	return inv, nil
}

func (o *op) invoiceView(inv *domain.Invoice) (domain.InvoiceView, error) {
	payments, err := o.tx.ListPayments(o.ctx, inv.ID)
	if err != nil {
		return domain.InvoiceView{}, err
	}
	if payments == nil {
		payments = []domain.Payment{}
	}
	total := domain.TotalPayments(payments)
	return domain.InvoiceView{
		Invoice:        *inv,
		Payments:       payments,
		TotalPaidCents: total,
		RemainderCents: inv.ValueCents - total,
	}, nil
}

func (o *op) canView(inv *domain.Invoice, viewer domain.Actor, accessCode string) error {
	if viewer.Username != "" && viewer.Username == inv.UserID {
		return nil
	}
	if viewer.IsStaff() {
		return nil
	}
	if accessCode != "" {
		owner, err := o.tx.GetAttendee(o.ctx, inv.UserID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if owner != nil && owner.AccessCode == accessCode {
			return nil
		}
	}
	return fmt.Errorf("invoice %s: %w", inv.ID, domain.ErrForbidden)
}

func (o *op) forCart(cart domain.Cart) (*domain.Invoice, error) {
	invoices, err := o.tx.ListInvoicesByCart(o.ctx, cart.ID)
	if err != nil {
		return nil, err
	}
	for _, existing := range invoices {
		if existing.Status != domain.InvoiceVoid && existing.CartRevision != nil && *existing.CartRevision == cart.Revision {
			return o.loadInvoice(existing.ID)
		}
	}

	if err := o.validateCart(cart); err != nil {
		return nil, err
	}
	if err := o.updateOldInvoices(invoices); err != nil {
		return nil, err
	}
	inv, err := o.generateFromCart(cart)
	if err != nil {
		return nil, err
	}
	return o.loadInvoice(inv.ID)
}

func (o *op) updateOldInvoices(invoices []domain.Invoice) error {
	for _, old := range invoices {
		if _, err := o.loadInvoice(old.ID); err != nil {
			return err
		}
	}
	return nil
}

func (o *op) manualInvoice(userID string, dueDelta time.Duration, lines []domain.ManualLine) (*domain.Invoice, error) {
	if userID == "" {
		return nil, domain.NewValidationError("", "user id is required")
	}
	if len(lines) == 0 {
		return nil, domain.NewValidationError("", "an invoice needs at least one line")
	}
	var problems []error
	items := make([]domain.LineItem, 0, len(lines))
	for i, line := range lines {
		description := strings.TrimSpace(line.Description)
		if description == "" || line.Quantity < 1 {
			problems = append(problems, &domain.ValidationError{
				Field:   fmt.Sprintf("lines[%d]", i),
				Message: "each line needs a description and a quantity of at least one",
			})
			continue
		}
		items = append(items, domain.LineItem{
			Description: description,
			Quantity:    line.Quantity,
			PriceCents:  line.PriceCents,
			IsRefund:    line.PriceCents < 0,
		})
	}
	if err := errors.Join(problems...); err != nil {
		return nil, err
	}
	inv, err := o.generate(userID, nil, o.now.Add(dueDelta), items)
	if err != nil {
		return nil, err
	}
	o.audit("manual_invoice", "invoice", inv.ID, fmt.Sprintf("user=%s,value=%d", userID, inv.ValueCents))
	return inv, nil
}

func (o *op) generateFromCart(cart domain.Cart) (*domain.Invoice, error) {
	catalog, err := o.elig.Catalog(o.ctx)
	if err != nil {
		return nil, err
	}
	items, err := o.tx.ListProductItems(o.ctx, cart.ID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, domain.NewValidationError("", "your cart is empty")
	}
	sort.SliceStable(items, func(i, j int) bool { return catalog.Less(items[i].ProductID, items[j].ProductID) })

	describe := func(product domain.Product) string {
		return catalog.Categories[product.CategoryID].Name + " - " + product.Name
	}

	lines := make([]domain.LineItem, 0, len(items)+1)
	for _, item := range items {
		product := catalog.Products[item.ProductID]
		price := product.PriceCents
		if item.PriceOverrideCents != nil && product.PayWhatYouWant {
			price = *item.PriceOverrideCents
		}
		lines = append(lines, domain.LineItem{
			Description:    describe(product),
			Quantity:       item.Quantity,
			PriceCents:     price,
			ProductID:      product.ID,
			AdditionalData: item.AdditionalData,
		})
		if adhoc, ok := adhocDiscount(item.AdditionalData); ok {
			lines = append(lines, domain.LineItem{
				Description:    adhoc.description,
				Quantity:       1,
				PriceCents:     -adhoc.priceCents,
				ProductID:      product.ID,
				AdditionalData: map[string]any{"line_item_info": adhoc.info},
			})
		}
	}

	discountItems, err := o.tx.ListDiscountItems(o.ctx, cart.ID)
	if err != nil {
		return nil, err
	}
	for _, item := range discountItems {
		product := catalog.Products[item.ProductID]
		d, clause, ok := discountClause(catalog.Discounts, item, product)
		if !ok {
			return nil, domain.IntegrityError("discount item %s/%s has no matching clause", item.DiscountID, item.ProductID)
		}
		lines = append(lines, domain.LineItem{
			Description: fmt.Sprintf("%s (%s)", d.Description, describe(product)),
			Quantity:    item.Quantity,
			PriceCents:  -discount.ResolveValue(product, clause),
			ProductID:   product.ID,
		})
	}

	return o.generate(cart.UserID, &cart, cart.ReservedUntil(), lines)
}

func discountClause(discounts []domain.Discount, item domain.DiscountItem, product domain.Product) (domain.Discount, domain.DiscountAvailability, bool) {
	for _, d := range discounts {
		if d.ID != item.DiscountID {
			continue
		}
		for _, clause := range d.ProductClauses {
			if clause.ProductID == product.ID {
				c := clause
				return d, domain.DiscountAvailability{DiscountID: d.ID, Description: d.Description, Product: &c}, true
			}
		}
		for _, clause := range d.CategoryClauses {
			if clause.CategoryID == product.CategoryID {
				c := clause
				return d, domain.DiscountAvailability{DiscountID: d.ID, Description: d.Description, Category: &c}, true
			}
		}
	}
	return domain.Discount{}, domain.DiscountAvailability{}, false
}

type adhoc struct {
	description string
	priceCents  int64
	info        any
}

// adhocDiscount reads the "adhoc_discount" entry staff may attach to an item's
// additional data: {"description", "price" (cents), "line_item_info"}.
func adhocDiscount(data map[string]any) (adhoc, bool) {
	raw, ok := data["adhoc_discount"].(map[string]any)
	if !ok || len(raw) == 0 {
		return adhoc{}, false
	}
	out := adhoc{description: "Ad Hoc Discount", info: raw["line_item_info"]}
	if description, ok := raw["description"].(string); ok && description != "" {
		out.description = description
	}
	switch price := raw["price"].(type) {
	case float64:
		out.priceCents = int64(price)
	case int64:
		out.priceCents = price
	case int:
		out.priceCents = int64(price)
	}
	return out, true
}

func (o *op) generate(userID string, cart *domain.Cart, minDue time.Time, lines []domain.LineItem) (*domain.Invoice, error) {
	attendee, err := o.attendee(userID)
	if err != nil {
		return nil, err
	}

	issued := o.now
	due := minDue
	if due.Before(issued) {
		due = issued
	}

	inv := domain.Invoice{
		ID:         xid.New("inv"),
		UserID:     userID,
		Status:     domain.InvoiceUnpaid,
		Recipient:  attendee.InvoiceRecipient(),
		IssueTime:  issued,
		DueTime:    due,
		ValueCents: domain.InvoiceValue(lines),
		LineItems:  lines,
	}
	if cart != nil {
		revision := cart.Revision
		inv.CartID = cart.ID
		inv.CartRevision = &revision
	}
	for i := range inv.LineItems {
		inv.LineItems[i].ID = xid.New("line")
		inv.LineItems[i].InvoiceID = inv.ID
		inv.LineItems[i].Position = i + 1
	}

	if err := o.tx.CreateInvoice(o.ctx, inv); err != nil {
		if errors.Is(err, store.ErrConflict) && cart != nil {
			return nil, fmt.Errorf("invoice for cart %s revision %d: %w", cart.ID, cart.Revision, err)
		}
		return nil, err
	}
	o.emit(domain.Event{Kind: domain.EventInvoiceCreated, UserID: userID, InvoiceID: inv.ID, CartID: inv.CartID, NewStatus: inv.Status, AmountCents: inv.ValueCents})
	o.audit("create_invoice", "invoice", inv.ID, fmt.Sprintf("value=%d", inv.ValueCents))

	if err := o.applyCreditNotes(&inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

// applyCreditNotes pays a new invoice from the user's unclaimed credit notes,
// oldest first, but only when it is the user's only unpaid invoice. Running
// out of payable balance ends the loop without an error.
func (o *op) applyCreditNotes(inv *domain.Invoice) error {
	unpaid, err := o.tx.ListInvoicesByUser(o.ctx, inv.UserID, domain.InvoiceUnpaid)
	if err != nil {
		return err
	}
	if len(unpaid) > 1 {
		return nil
	}
	notes, err := o.tx.ListCreditNotesByUser(o.ctx, inv.UserID)
	if err != nil {
		return err
	}
	for _, note := range notes {
		if note.Status() != domain.CreditNoteUnclaimed {
			continue
		}
		err := o.applyCreditNote(&note, inv)
		if errors.Is(err, domain.ErrValidation) {
			break
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (o *op) payments(inv *domain.Invoice) (int64, int, error) {
	payments, err := o.tx.ListPayments(o.ctx, inv.ID)
	if err != nil {
		return 0, 0, err
	}
	return domain.TotalPayments(payments), len(payments), nil
}

// updateStatus reconciles the invoice status with its payments and converts
// any residual into a credit note.
func (o *op) updateStatus(inv *domain.Invoice) error {
	old := inv.Status
	total, count, err := o.payments(inv)
	if err != nil {
		return err
	}
	remainder := inv.ValueCents - total

	switch old {
	case domain.InvoiceUnpaid:
		if remainder <= 0 {
			if err := o.markPaid(inv); err != nil {
				return err
			}
		} else if total == 0 && count > 0 {
			// Payments that cancel out void the invoice, the same as never
			// having been paid. Kept as is; "paid then fully reversed" is
			// not distinguished from "never paid".
			if err := o.setStatus(inv, domain.InvoiceVoid); err != nil {
				return err
			}
		}
	case domain.InvoicePaid:
		if remainder > 0 {
			if inv.CartID != "" {
				if err := o.markCart(inv.CartID, domain.CartReleased); err != nil {
					return err
				}
			}
			if err := o.setStatus(inv, domain.InvoiceRefunded); err != nil {
				return err
			}
		}
	}

	var residual int64
	switch inv.Status {
	case domain.InvoicePaid:
		if remainder < 0 {
			residual = -remainder
		}
	case domain.InvoiceVoid, domain.InvoiceRefunded:
		// Net reversals beyond what was paid leave nothing owed to the user.
		if total > 0 {
			residual = total
		}
	}
	if residual != 0 {
		if _, err := o.generateCreditNote(inv, residual); err != nil {
			return err
		}
	}
	return nil
}

func (o *op) markPaid(inv *domain.Invoice) error {
	if inv.CartID != "" {
		if err := o.markCart(inv.CartID, domain.CartPaid); err != nil {
			return err
		}
	}
	if err := o.setStatus(inv, domain.InvoicePaid); err != nil {
		return err
	}

	catalog, err := o.elig.Catalog(o.ctx)
	if err != nil {
		return err
	}
	var donated int64
	for _, line := range inv.LineItems {
		if line.Cancelled || line.PriceCents <= 0 || !catalog.Products[line.ProductID].IsDonation {
			continue
		}
		donated += int64(line.Quantity) * line.PriceCents
	}
	if donated > 0 {
		o.emit(domain.Event{Kind: domain.EventDonationReceived, UserID: inv.UserID, InvoiceID: inv.ID, AmountCents: donated})
	}
	return nil
}

func (o *op) setStatus(inv *domain.Invoice, to domain.InvoiceStatus) error {
	from := inv.Status
	if from == to {
		return nil
	}
	if err := o.tx.UpdateInvoiceStatus(o.ctx, inv.ID, from, to); err != nil {
		return err
	}
	inv.Status = to
	o.emit(domain.Event{Kind: domain.EventInvoiceUpdated, UserID: inv.UserID, InvoiceID: inv.ID, CartID: inv.CartID, OldStatus: from, NewStatus: to})
	return nil
}

func (o *op) matchesCart(inv *domain.Invoice) (*domain.Cart, bool, error) {
	if inv.CartID == "" {
		return nil, true, nil
	}
	cart, err := o.tx.GetCart(o.ctx, inv.CartID)
	if err != nil {
		return nil, false, err
	}
	return cart, inv.CartRevision != nil && *inv.CartRevision == cart.Revision, nil
}

// updateValidity voids or refunds an unpaid cart invoice whose cart has moved
// on or no longer validates.
func (o *op) updateValidity(inv *domain.Invoice) error {
	if inv.Status != domain.InvoiceUnpaid {
		return nil
	}
	cart, valid, err := o.matchesCart(inv)
	if err != nil {
		return err
	}
	if valid && cart != nil {
		if err := o.validateCart(*cart); err != nil {
			if len(domain.ValidationProblems(err)) == 0 {
				return err
			}
			valid = false
		}
	}
	if valid {
		return nil
	}

	total, _, err := o.payments(inv)
	if err != nil {
		return err
	}
	if total > 0 {
		return o.refund(inv)
	}
	return o.void(inv)
}

func (o *op) validateAllowedToPay(inv *domain.Invoice) error {
	if inv.Status != domain.InvoiceUnpaid {
		return domain.NewValidationError("", "you can only pay for unpaid invoices")
	}
	cart, valid, err := o.matchesCart(inv)
	if err != nil {
		return err
	}
	if !valid {
		return domain.NewValidationError("", "the registration has been amended since generating this invoice")
	}
	if cart == nil {
		return nil
	}
	return o.validateCart(*cart)
}

func (o *op) void(inv *domain.Invoice) error {
	total, _, err := o.payments(inv)
	if err != nil {
		return err
	}
	if total > 0 {
		return domain.NewValidationError("", "invoices with payments must be refunded")
	}
	if inv.Status == domain.InvoiceRefunded {
		return domain.NewValidationError("", "refunded invoices may not be voided")
	}
	if inv.Status == domain.InvoicePaid && inv.CartID != "" {
		if err := o.markCart(inv.CartID, domain.CartReleased); err != nil {
			return err
		}
	}
	return o.setStatus(inv, domain.InvoiceVoid)
}

// refund frees every payment on the invoice into a credit note. Without a
// positive payment total it degrades to void.
func (o *op) refund(inv *domain.Invoice) error {
	if inv.Status == domain.InvoiceVoid {
		return domain.NewValidationError("", "void invoices cannot be refunded")
	}
	total, _, err := o.payments(inv)
	if err != nil {
		return err
	}
	if total <= 0 {
		return o.void(inv)
	}
	if _, err := o.generateCreditNote(inv, total); err != nil {
		return err
	}
	return o.updateStatus(inv)
}
