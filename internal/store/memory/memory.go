package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"confreg/backend/internal/domain"
	"confreg/backend/internal/store"
)

// Store keeps everything in process memory. Transactions are serialised and
// run against a private copy of the state, which replaces the live state only
// on success.
type Store struct {
	mu    sync.Mutex
	state *state
	users map[string]domain.UserAccount
}

type state struct {
	categories    map[string]domain.Category
	products      map[string]domain.Product
	vouchers      map[string]domain.Voucher
	discounts     []domain.Discount
	flags         []domain.Flag
	attendees     map[string]domain.Attendee
	carts         map[string]domain.Cart
	activeCarts   map[string]string
	productItems  map[string][]domain.ProductItem
	discountItems map[string][]domain.DiscountItem
	invoices      map[string]domain.Invoice
	invoiceOrder  []string
	payments      map[string][]domain.Payment
	creditNotes   map[string]domain.CreditNote
	noteOrder     []string
	applications  []domain.CreditNoteApplication
	refunds       []domain.CreditNoteRefund
	auditLogs     []domain.AuditLog
}

func New(catalog domain.Catalog) *Store {
	s := &Store{
		state: &state{
			attendees:     make(map[string]domain.Attendee),
			carts:         make(map[string]domain.Cart),
			activeCarts:   make(map[string]string),
			productItems:  make(map[string][]domain.ProductItem),
			discountItems: make(map[string][]domain.DiscountItem),
			invoices:      make(map[string]domain.Invoice),
			payments:      make(map[string][]domain.Payment),
			creditNotes:   make(map[string]domain.CreditNote),
		},
		users: make(map[string]domain.UserAccount),
	}
	s.state.setCatalog(catalog)
	return s
}

func (st *state) setCatalog(catalog domain.Catalog) {
	st.categories = make(map[string]domain.Category, len(catalog.Categories))
	for _, c := range catalog.Categories {
		st.categories[c.ID] = c
	}
	st.products = make(map[string]domain.Product, len(catalog.Products))
	for _, p := range catalog.Products {
		st.products[p.ID] = p
	}
	st.vouchers = make(map[string]domain.Voucher, len(catalog.Vouchers))
	for _, v := range catalog.Vouchers {
		v.Code = domain.NormalizeVoucherCode(v.Code)
		st.vouchers[v.ID] = v
	}
	st.discounts = slices.Clone(catalog.Discounts)
	st.flags = slices.Clone(catalog.Flags)
}

func (st *state) clone() *state {
	return &state{
		categories:    st.categories,
		products:      st.products,
		vouchers:      st.vouchers,
		discounts:     st.discounts,
		flags:         st.flags,
		attendees:     maps.Clone(st.attendees),
		carts:         maps.Clone(st.carts),
		activeCarts:   maps.Clone(st.activeCarts),
		productItems:  maps.Clone(st.productItems),
		discountItems: maps.Clone(st.discountItems),
		invoices:      maps.Clone(st.invoices),
		invoiceOrder:  slices.Clone(st.invoiceOrder),
		payments:      maps.Clone(st.payments),
		creditNotes:   maps.Clone(st.creditNotes),
		noteOrder:     slices.Clone(st.noteOrder),
		applications:  slices.Clone(st.applications),
		refunds:       slices.Clone(st.refunds),
		auditLogs:     slices.Clone(st.auditLogs),
	}
}

func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.state.clone()
	if err := fn(&tx{st: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *Store) ImportCatalog(_ context.Context, catalog domain.Catalog) error {
	if err := catalog.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.state.clone()
	next.setCatalog(catalog)
	s.state = next
	return nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(strings.TrimSpace(user.Username))
	if key == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.users[key]; exists {
		return store.ErrConflict
	}
	user.Username = key
	s.users[key] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(strings.TrimSpace(username))
	user, ok := s.users[key]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.users[key] = user
	return nil
}

type tx struct {
	st *state
}

func (t *tx) ListCategories(_ context.Context) ([]domain.Category, error) {
	out := make([]domain.Category, 0, len(t.st.categories))
	for _, c := range t.st.categories {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *tx) ListProducts(_ context.Context) ([]domain.Product, error) {
	out := make([]domain.Product, 0, len(t.st.products))
	for _, p := range t.st.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		ci, cj := t.st.categories[out[i].CategoryID], t.st.categories[out[j].CategoryID]
		if ci.Order != cj.Order {
			return ci.Order < cj.Order
		}
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *tx) ListDiscounts(_ context.Context) ([]domain.Discount, error) {
	return slices.Clone(t.st.discounts), nil
}

func (t *tx) ListFlags(_ context.Context) ([]domain.Flag, error) {
	return slices.Clone(t.st.flags), nil
}

func (t *tx) GetVoucher(_ context.Context, voucherID string) (*domain.Voucher, error) {
	v, ok := t.st.vouchers[voucherID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &v, nil
}

func (t *tx) GetVoucherByCode(_ context.Context, code string) (*domain.Voucher, error) {
	code = domain.NormalizeVoucherCode(code)
	for _, v := range t.st.vouchers {
		if v.Code == code {
			return &v, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *tx) GetAttendee(_ context.Context, userID string) (*domain.Attendee, error) {
	a, ok := t.st.attendees[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &a, nil
}

func (t *tx) GetAttendeeByAccessCode(_ context.Context, accessCode string) (*domain.Attendee, error) {
	if accessCode == "" {
		return nil, store.ErrNotFound
	}
	for _, a := range t.st.attendees {
		if a.AccessCode == accessCode {
			return &a, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *tx) UpsertAttendee(_ context.Context, attendee domain.Attendee) error {
	if attendee.UserID == "" || attendee.AccessCode == "" {
		return store.ErrInvalidInput
	}
	for id, other := range t.st.attendees {
		if id != attendee.UserID && other.AccessCode == attendee.AccessCode {
			return store.ErrConflict
		}
	}
	attendee.Groups = slices.Clone(attendee.Groups)
	attendee.SpeakerRoles = slices.Clone(attendee.SpeakerRoles)
	t.st.attendees[attendee.UserID] = attendee
	return nil
}

func (t *tx) GetActiveCart(_ context.Context, userID string) (*domain.Cart, error) {
	id, ok := t.st.activeCarts[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := t.st.carts[id]
	return &c, nil
}

func (t *tx) GetCart(_ context.Context, cartID string) (*domain.Cart, error) {
	c, ok := t.st.carts[cartID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (t *tx) CreateCart(_ context.Context, cart domain.Cart) error {
	if cart.ID == "" || cart.UserID == "" {
		return store.ErrInvalidInput
	}
	if _, exists := t.st.carts[cart.ID]; exists {
		return store.ErrConflict
	}
	if cart.Status == domain.CartActive {
		if _, exists := t.st.activeCarts[cart.UserID]; exists {
			return store.ErrConflict
		}
		t.st.activeCarts[cart.UserID] = cart.ID
	}
	cart.VoucherIDs = slices.Clone(cart.VoucherIDs)
	t.st.carts[cart.ID] = cart
	return nil
}

func (t *tx) UpdateCart(_ context.Context, cart domain.Cart, expectedRevision int64) error {
	current, ok := t.st.carts[cart.ID]
	if !ok {
		return store.ErrNotFound
	}
	if current.Revision != expectedRevision {
		return store.ErrConflict
	}
	current.Status = cart.Status
	current.Revision = cart.Revision
	current.TimeLastUpdated = cart.TimeLastUpdated
	current.ReservationDuration = cart.ReservationDuration
	t.st.carts[cart.ID] = current

	if current.Status == domain.CartActive {
		t.st.activeCarts[current.UserID] = current.ID
	} else if t.st.activeCarts[current.UserID] == current.ID {
		delete(t.st.activeCarts, current.UserID)
	}
	return nil
}

func (t *tx) AddCartVoucher(_ context.Context, cartID string, voucherID string) error {
	c, ok := t.st.carts[cartID]
	if !ok {
		return store.ErrNotFound
	}
	if c.HasVoucher(voucherID) {
		return nil
	}
	c.VoucherIDs = append(slices.Clone(c.VoucherIDs), voucherID)
	t.st.carts[cartID] = c
	return nil
}

func (t *tx) RemoveCartVoucher(_ context.Context, cartID string, voucherID string) error {
	c, ok := t.st.carts[cartID]
	if !ok {
		return store.ErrNotFound
	}
	c.VoucherIDs = slices.DeleteFunc(slices.Clone(c.VoucherIDs), func(id string) bool { return id == voucherID })
	t.st.carts[cartID] = c
	return nil
}

func (t *tx) ListProductItems(_ context.Context, cartID string) ([]domain.ProductItem, error) {
	return slices.Clone(t.st.productItems[cartID]), nil
}

func (t *tx) SetProductItem(_ context.Context, item domain.ProductItem) error {
	if _, ok := t.st.carts[item.CartID]; !ok {
		return store.ErrNotFound
	}
	if _, ok := t.st.products[item.ProductID]; !ok {
		return store.ErrNotFound
	}
	if item.Quantity < 0 {
		return store.ErrInvalidInput
	}

	items := slices.Clone(t.st.productItems[item.CartID])
	idx := slices.IndexFunc(items, func(existing domain.ProductItem) bool { return existing.ProductID == item.ProductID })
	switch {
	case item.Quantity == 0 && idx >= 0:
		items = slices.Delete(items, idx, idx+1)
	case item.Quantity == 0:
	case idx >= 0:
		items[idx] = item
	default:
		items = append(items, item)
	}
	t.st.productItems[item.CartID] = items
	return nil
}

func (t *tx) ListDiscountItems(_ context.Context, cartID string) ([]domain.DiscountItem, error) {
	return slices.Clone(t.st.discountItems[cartID]), nil
}

func (t *tx) ReplaceDiscountItems(_ context.Context, cartID string, items []domain.DiscountItem) error {
	if _, ok := t.st.carts[cartID]; !ok {
		return store.ErrNotFound
	}
	if len(items) == 0 {
		delete(t.st.discountItems, cartID)
		return nil
	}
	t.st.discountItems[cartID] = slices.Clone(items)
	return nil
}

func (t *tx) ListHeldItems(_ context.Context, userID string, statuses ...domain.CartStatus) ([]domain.HeldItem, error) {
	out := make([]domain.HeldItem, 0, 8)
	for _, cart := range t.sortedCarts() {
		if cart.UserID != userID || !slices.Contains(statuses, cart.Status) {
			continue
		}
		for _, item := range t.st.productItems[cart.ID] {
			out = append(out, domain.HeldItem{
				ProductItem:     item,
				UserID:          cart.UserID,
				CartStatus:      cart.Status,
				CartReservedTil: cart.ReservedUntil(),
			})
		}
	}
	return out, nil
}

func (t *tx) ListHeldDiscounts(_ context.Context, userID string, statuses ...domain.CartStatus) ([]domain.HeldDiscount, error) {
	out := make([]domain.HeldDiscount, 0, 4)
	for _, cart := range t.sortedCarts() {
		if cart.UserID != userID || !slices.Contains(statuses, cart.Status) {
			continue
		}
		for _, item := range t.st.discountItems[cart.ID] {
			out = append(out, domain.HeldDiscount{DiscountItem: item, UserID: cart.UserID, CartStatus: cart.Status})
		}
	}
	return out, nil
}

func (t *tx) countsTowardStock(cart domain.Cart, excludeCartID string, now time.Time) bool {
	if cart.ID == excludeCartID {
		return false
	}
	return cart.Status == domain.CartPaid || cart.Reserved(now)
}

func (t *tx) CountProductUsage(_ context.Context, productIDs []string, excludeCartID string, now time.Time) (int, error) {
	total := 0
	for _, cart := range t.st.carts {
		if !t.countsTowardStock(cart, excludeCartID, now) {
			continue
		}
		for _, item := range t.st.productItems[cart.ID] {
			if slices.Contains(productIDs, item.ProductID) {
				total += item.Quantity
			}
		}
	}
	return total, nil
}

func (t *tx) CountDiscountUsage(_ context.Context, discountID string, excludeCartID string, now time.Time) (int, error) {
	total := 0
	for _, cart := range t.st.carts {
		if !t.countsTowardStock(cart, excludeCartID, now) {
			continue
		}
		for _, item := range t.st.discountItems[cart.ID] {
			if item.DiscountID == discountID {
				total += item.Quantity
			}
		}
	}
	return total, nil
}

func (t *tx) CountVoucherUsage(_ context.Context, voucherID string, excludeCartID string, now time.Time) (int, error) {
	total := 0
	for _, cart := range t.st.carts {
		if t.countsTowardStock(cart, excludeCartID, now) && cart.HasVoucher(voucherID) {
			total++
		}
	}
	return total, nil
}

func (t *tx) sortedCarts() []domain.Cart {
	out := make([]domain.Cart, 0, len(t.st.carts))
	for _, c := range t.st.carts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (t *tx) CreateInvoice(_ context.Context, invoice domain.Invoice) error {
	if invoice.ID == "" || invoice.UserID == "" {
		return store.ErrInvalidInput
	}
	if _, exists := t.st.invoices[invoice.ID]; exists {
		return store.ErrConflict
	}
	if invoice.CartID != "" && invoice.CartRevision != nil && invoice.Status != domain.InvoiceVoid {
		for _, other := range t.st.invoices {
			if other.CartID == invoice.CartID && other.CartRevision != nil &&
				*other.CartRevision == *invoice.CartRevision && other.Status != domain.InvoiceVoid {
				return store.ErrConflict
			}
		}
	}
	invoice.LineItems = slices.Clone(invoice.LineItems)
	t.st.invoices[invoice.ID] = invoice
	t.st.invoiceOrder = append(t.st.invoiceOrder, invoice.ID)
	return nil
}

func (t *tx) UpdateInvoiceStatus(_ context.Context, invoiceID string, from domain.InvoiceStatus, to domain.InvoiceStatus) error {
	inv, ok := t.st.invoices[invoiceID]
	if !ok {
		return store.ErrNotFound
	}
	if inv.Status != from {
		return store.ErrConflict
	}
	inv.Status = to
	t.st.invoices[invoiceID] = inv
	return nil
}

func (t *tx) GetInvoice(_ context.Context, invoiceID string) (*domain.Invoice, error) {
	inv, ok := t.st.invoices[invoiceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	inv.LineItems = slices.Clone(inv.LineItems)
	return &inv, nil
}

func (t *tx) ListInvoicesByCart(_ context.Context, cartID string) ([]domain.Invoice, error) {
	out := make([]domain.Invoice, 0, 2)
	for _, id := range t.st.invoiceOrder {
		if inv := t.st.invoices[id]; inv.CartID == cartID {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (t *tx) ListInvoicesByUser(_ context.Context, userID string, statuses ...domain.InvoiceStatus) ([]domain.Invoice, error) {
	out := make([]domain.Invoice, 0, 4)
	for _, id := range t.st.invoiceOrder {
		inv := t.st.invoices[id]
		if inv.UserID != userID {
			continue
		}
		if len(statuses) > 0 && !slices.Contains(statuses, inv.Status) {
			continue
		}
		out = append(out, inv)
	}
	return out, nil
}

func (t *tx) CreatePayment(_ context.Context, payment domain.Payment) error {
	if _, ok := t.st.invoices[payment.InvoiceID]; !ok {
		return store.ErrNotFound
	}
	if payment.ID == "" {
		return store.ErrInvalidInput
	}
	t.st.payments[payment.InvoiceID] = append(slices.Clone(t.st.payments[payment.InvoiceID]), payment)
	return nil
}

func (t *tx) ListPayments(_ context.Context, invoiceID string) ([]domain.Payment, error) {
	return slices.Clone(t.st.payments[invoiceID]), nil
}

func (t *tx) CreateCreditNote(ctx context.Context, note domain.CreditNote, payment domain.Payment) error {
	if note.ID == "" || note.ID != payment.ID || note.ValueCents <= 0 || payment.AmountCents != -note.ValueCents {
		return store.ErrInvalidInput
	}
	if err := t.CreatePayment(ctx, payment); err != nil {
		return err
	}
	note.AppliedCents, note.RefundedCents, note.Refunded = 0, 0, false
	t.st.creditNotes[note.ID] = note
	t.st.noteOrder = append(t.st.noteOrder, note.ID)
	return nil
}

func (t *tx) CreateCreditNoteApplication(ctx context.Context, app domain.CreditNoteApplication, payment domain.Payment) error {
	note, ok := t.st.creditNotes[app.ParentID]
	if !ok {
		return store.ErrNotFound
	}
	if app.ID == "" || app.ID != payment.ID || app.AmountCents <= 0 || payment.AmountCents != app.AmountCents {
		return store.ErrInvalidInput
	}
	if note.Refunded || app.AmountCents > note.RemainingCents() {
		return store.ErrConflict
	}
	if err := t.CreatePayment(ctx, payment); err != nil {
		return err
	}
	note.AppliedCents += app.AmountCents
	t.st.creditNotes[note.ID] = note
	t.st.applications = append(t.st.applications, app)
	return nil
}

func (t *tx) CreateCreditNoteRefund(_ context.Context, refund domain.CreditNoteRefund) error {
	note, ok := t.st.creditNotes[refund.ParentID]
	if !ok {
		return store.ErrNotFound
	}
	if note.Refunded || refund.AmountCents != note.RemainingCents() {
		return store.ErrConflict
	}
	note.Refunded = true
	note.RefundedCents = refund.AmountCents
	t.st.creditNotes[note.ID] = note
	t.st.refunds = append(t.st.refunds, refund)
	return nil
}

func (t *tx) GetCreditNote(_ context.Context, noteID string) (*domain.CreditNote, error) {
	note, ok := t.st.creditNotes[noteID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &note, nil
}

func (t *tx) ListCreditNotesByUser(_ context.Context, userID string) ([]domain.CreditNote, error) {
	out := make([]domain.CreditNote, 0, 2)
	for _, id := range t.st.noteOrder {
		if note := t.st.creditNotes[id]; note.UserID == userID {
			out = append(out, note)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *tx) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	t.st.auditLogs = append(t.st.auditLogs, entry)
	return nil
}

func (t *tx) ListAuditLogs(_ context.Context, limit int) ([]domain.AuditLog, error) {
	if limit <= 0 || limit > len(t.st.auditLogs) {
		limit = len(t.st.auditLogs)
	}
	out := make([]domain.AuditLog, 0, limit)
	for i := len(t.st.auditLogs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, t.st.auditLogs[i])
	}
	return out, nil
}
