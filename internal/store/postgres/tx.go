package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"confreg/backend/internal/domain"
	"confreg/backend/internal/store"
)

type tx struct {
	q *sql.Tx
}

func (t *tx) ListCategories(ctx context.Context) ([]domain.Category, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT id, name, description, limit_per_user, required, display_order, render_type
		FROM categories
		ORDER BY display_order, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	categories := make([]domain.Category, 0, 16)
	for rows.Next() {
		var c domain.Category
		var limit sql.NullInt64
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &limit, &c.Required, &c.Order, &c.RenderType); err != nil {
			return nil, err
		}
		c.LimitPerUser = intPtr(limit)
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

func (t *tx) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT p.id, p.category_id, p.name, p.description, p.price_cents, p.limit_per_user,
			p.pay_what_you_want, p.reservation_minutes, p.display_order, p.slot_start, p.slot_end,
			p.is_donation, p.additional_data
		FROM products p
		JOIN categories c ON c.id = p.category_id
		ORDER BY c.display_order, p.display_order, p.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		var p domain.Product
		var limit sql.NullInt64
		var slotStart, slotEnd sql.NullTime
		var data []byte
		if err := rows.Scan(&p.ID, &p.CategoryID, &p.Name, &p.Description, &p.PriceCents, &limit,
			&p.PayWhatYouWant, &p.ReservationMinutes, &p.Order, &slotStart, &slotEnd,
			&p.IsDonation, &data); err != nil {
			return nil, err
		}
		p.LimitPerUser = intPtr(limit)
		if slotStart.Valid && slotEnd.Valid {
			p.Slot = &domain.TimeSlot{Start: slotStart.Time.UTC(), End: slotEnd.Time.UTC()}
		}
		if err := decodeJSON(data, &p.AdditionalData); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (t *tx) ListDiscounts(ctx context.Context) ([]domain.Discount, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT id, description, condition, product_clauses, category_clauses
		FROM discounts
		ORDER BY position
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	discounts := make([]domain.Discount, 0, 16)
	for rows.Next() {
		var d domain.Discount
		var condition, productClauses, categoryClauses []byte
		if err := rows.Scan(&d.ID, &d.Description, &condition, &productClauses, &categoryClauses); err != nil {
			return nil, err
		}
		if err := decodeJSON(condition, &d.Condition); err != nil {
			return nil, err
		}
		if err := decodeJSON(productClauses, &d.ProductClauses); err != nil {
			return nil, err
		}
		if err := decodeJSON(categoryClauses, &d.CategoryClauses); err != nil {
			return nil, err
		}
		discounts = append(discounts, d)
	}
	return discounts, rows.Err()
}

func (t *tx) ListFlags(ctx context.Context) ([]domain.Flag, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT id, description, mode, condition, product_ids, category_ids
		FROM flags
		ORDER BY position
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	flags := make([]domain.Flag, 0, 16)
	for rows.Next() {
		var f domain.Flag
		var mode string
		var condition, productIDs, categoryIDs []byte
		if err := rows.Scan(&f.ID, &f.Description, &mode, &condition, &productIDs, &categoryIDs); err != nil {
			return nil, err
		}
		f.Mode = domain.FlagMode(mode)
		if err := decodeJSON(condition, &f.Condition); err != nil {
			return nil, err
		}
		if err := decodeJSON(productIDs, &f.ProductIDs); err != nil {
			return nil, err
		}
		if err := decodeJSON(categoryIDs, &f.CategoryIDs); err != nil {
			return nil, err
		}
		flags = append(flags, f)
	}
	return flags, rows.Err()
}

func (t *tx) GetVoucher(ctx context.Context, voucherID string) (*domain.Voucher, error) {
	return t.voucher(ctx, `WHERE id = $1`, voucherID)
}

func (t *tx) GetVoucherByCode(ctx context.Context, code string) (*domain.Voucher, error) {
	return t.voucher(ctx, `WHERE code = $1`, domain.NormalizeVoucherCode(code))
}

func (t *tx) voucher(ctx context.Context, where string, arg string) (*domain.Voucher, error) {
	var v domain.Voucher
	err := t.q.QueryRowContext(ctx, `SELECT id, code, recipient, usage_limit FROM vouchers `+where, arg).
		Scan(&v.ID, &v.Code, &v.Recipient, &v.Limit)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (t *tx) GetAttendee(ctx context.Context, userID string) (*domain.Attendee, error) {
	return t.attendee(ctx, `WHERE user_id = $1`, userID)
}

func (t *tx) GetAttendeeByAccessCode(ctx context.Context, accessCode string) (*domain.Attendee, error) {
	if accessCode == "" {
		return nil, store.ErrNotFound
	}
	return t.attendee(ctx, `WHERE access_code = $1`, accessCode)
}

func (t *tx) attendee(ctx context.Context, where string, arg string) (*domain.Attendee, error) {
	var a domain.Attendee
	var groups, roles []byte
	err := t.q.QueryRowContext(ctx, `
		SELECT user_id, name, email, access_code, completed_registration, groups, speaker_roles
		FROM attendees `+where, arg).
		Scan(&a.UserID, &a.Name, &a.Email, &a.AccessCode, &a.CompletedRegistration, &groups, &roles)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(groups, &a.Groups); err != nil {
		return nil, err
	}
	if err := decodeJSON(roles, &a.SpeakerRoles); err != nil {
		return nil, err
	}
	return &a, nil
}

func (t *tx) UpsertAttendee(ctx context.Context, attendee domain.Attendee) error {
	if attendee.UserID == "" || attendee.AccessCode == "" {
		return store.ErrInvalidInput
	}
	groups, err := marshalString(nonNil(attendee.Groups))
	if err != nil {
		return err
	}
	roles, err := marshalString(nonNil(attendee.SpeakerRoles))
	if err != nil {
		return err
	}
	_, err = t.q.ExecContext(ctx, `
		INSERT INTO attendees (user_id, name, email, access_code, completed_registration, groups, speaker_roles)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (user_id) DO UPDATE SET
			name = EXCLUDED.name, email = EXCLUDED.email, access_code = EXCLUDED.access_code,
			completed_registration = EXCLUDED.completed_registration,
			groups = EXCLUDED.groups, speaker_roles = EXCLUDED.speaker_roles
	`, attendee.UserID, attendee.Name, attendee.Email, attendee.AccessCode, attendee.CompletedRegistration, groups, roles)
	return mapError(err)
}

const cartColumns = `id, user_id, status, revision, time_last_updated, reservation_seconds, created_at`

func (t *tx) GetActiveCart(ctx context.Context, userID string) (*domain.Cart, error) {
	return t.cart(ctx, `WHERE user_id = $1 AND status = 'active' FOR UPDATE`, userID)
}

func (t *tx) GetCart(ctx context.Context, cartID string) (*domain.Cart, error) {
	return t.cart(ctx, `WHERE id = $1`, cartID)
}

func (t *tx) cart(ctx context.Context, where string, arg string) (*domain.Cart, error) {
	var c domain.Cart
	var status string
	var reservation int64
	err := t.q.QueryRowContext(ctx, `SELECT `+cartColumns+` FROM carts `+where, arg).
		Scan(&c.ID, &c.UserID, &status, &c.Revision, &c.TimeLastUpdated, &reservation, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Status = domain.CartStatus(status)
	c.ReservationDuration = time.Duration(reservation) * time.Second
	c.TimeLastUpdated = c.TimeLastUpdated.UTC()
	c.CreatedAt = c.CreatedAt.UTC()

	rows, err := t.q.QueryContext(ctx, `SELECT voucher_id FROM cart_vouchers WHERE cart_id = $1 ORDER BY seq`, c.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		c.VoucherIDs = append(c.VoucherIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (t *tx) CreateCart(ctx context.Context, cart domain.Cart) error {
	if cart.ID == "" || cart.UserID == "" {
		return store.ErrInvalidInput
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO carts (`+cartColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, cart.ID, cart.UserID, string(cart.Status), cart.Revision, cart.TimeLastUpdated,
		int64(cart.ReservationDuration/time.Second), cart.CreatedAt)
	if err != nil {
		return mapError(err)
	}
	for _, voucherID := range cart.VoucherIDs {
		if err := t.AddCartVoucher(ctx, cart.ID, voucherID); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) UpdateCart(ctx context.Context, cart domain.Cart, expectedRevision int64) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE carts
		SET status = $2, revision = $3, time_last_updated = $4, reservation_seconds = $5
		WHERE id = $1 AND revision = $6
	`, cart.ID, string(cart.Status), cart.Revision, cart.TimeLastUpdated,
		int64(cart.ReservationDuration/time.Second), expectedRevision)
	if err != nil {
		return mapError(err)
	}
	return t.expectOne(ctx, res, `SELECT 1 FROM carts WHERE id = $1`, cart.ID)
}

// expectOne distinguishes a missing row from a guard that did not match.
func (t *tx) expectOne(ctx context.Context, res sql.Result, existsQuery string, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	var one int
	err = t.q.QueryRowContext(ctx, existsQuery, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	return store.ErrConflict
}

func (t *tx) AddCartVoucher(ctx context.Context, cartID string, voucherID string) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO cart_vouchers (cart_id, voucher_id)
		VALUES ($1,$2)
		ON CONFLICT (cart_id, voucher_id) DO NOTHING
	`, cartID, voucherID)
	return mapError(err)
}

func (t *tx) RemoveCartVoucher(ctx context.Context, cartID string, voucherID string) error {
	_, err := t.q.ExecContext(ctx, `DELETE FROM cart_vouchers WHERE cart_id = $1 AND voucher_id = $2`, cartID, voucherID)
	return err
}

func (t *tx) ListProductItems(ctx context.Context, cartID string) ([]domain.ProductItem, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT cart_id, product_id, quantity, price_override_cents, additional_data
		FROM product_items
		WHERE cart_id = $1
		ORDER BY seq
	`, cartID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.ProductItem, 0, 8)
	for rows.Next() {
		item, err := scanProductItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProductItem(row scanner, extra ...any) (domain.ProductItem, error) {
	var item domain.ProductItem
	var override sql.NullInt64
	var data []byte
	dest := append([]any{&item.CartID, &item.ProductID, &item.Quantity, &override, &data}, extra...)
	if err := row.Scan(dest...); err != nil {
		return item, err
	}
	if override.Valid {
		v := override.Int64
		item.PriceOverrideCents = &v
	}
	if err := decodeJSON(data, &item.AdditionalData); err != nil {
		return item, err
	}
	return item, nil
}

func (t *tx) SetProductItem(ctx context.Context, item domain.ProductItem) error {
	if item.Quantity < 0 {
		return store.ErrInvalidInput
	}
	if item.Quantity == 0 {
		_, err := t.q.ExecContext(ctx, `DELETE FROM product_items WHERE cart_id = $1 AND product_id = $2`, item.CartID, item.ProductID)
		return err
	}
	data, err := nullJSON(item.AdditionalData)
	if err != nil {
		return err
	}
	var override any
	if item.PriceOverrideCents != nil {
		override = *item.PriceOverrideCents
	}
	_, err = t.q.ExecContext(ctx, `
		INSERT INTO product_items (cart_id, product_id, quantity, price_override_cents, additional_data)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (cart_id, product_id) DO UPDATE SET
			quantity = EXCLUDED.quantity,
			price_override_cents = EXCLUDED.price_override_cents,
			additional_data = EXCLUDED.additional_data
	`, item.CartID, item.ProductID, item.Quantity, override, data)
	return mapError(err)
}

func (t *tx) ListDiscountItems(ctx context.Context, cartID string) ([]domain.DiscountItem, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT cart_id, discount_id, product_id, quantity
		FROM discount_items
		WHERE cart_id = $1
		ORDER BY discount_id, product_id
	`, cartID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.DiscountItem, 0, 4)
	for rows.Next() {
		var item domain.DiscountItem
		if err := rows.Scan(&item.CartID, &item.DiscountID, &item.ProductID, &item.Quantity); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (t *tx) ReplaceDiscountItems(ctx context.Context, cartID string, items []domain.DiscountItem) error {
	if _, err := t.q.ExecContext(ctx, `DELETE FROM discount_items WHERE cart_id = $1`, cartID); err != nil {
		return err
	}
	for _, item := range items {
		_, err := t.q.ExecContext(ctx, `
			INSERT INTO discount_items (cart_id, discount_id, product_id, quantity)
			VALUES ($1,$2,$3,$4)
		`, cartID, item.DiscountID, item.ProductID, item.Quantity)
		if err != nil {
			return mapError(err)
		}
	}
	return nil
}

func (t *tx) ListHeldItems(ctx context.Context, userID string, statuses ...domain.CartStatus) ([]domain.HeldItem, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT pi.cart_id, pi.product_id, pi.quantity, pi.price_override_cents, pi.additional_data,
			c.status, c.time_last_updated, c.reservation_seconds
		FROM product_items pi
		JOIN carts c ON c.id = pi.cart_id
		WHERE c.user_id = $1 AND c.status = ANY($2)
		ORDER BY c.created_at, c.id, pi.seq
	`, userID, statusStrings(statuses))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	held := make([]domain.HeldItem, 0, 8)
	for rows.Next() {
		var status string
		var updated time.Time
		var reservation int64
		item, err := scanProductItem(rows, &status, &updated, &reservation)
		if err != nil {
			return nil, err
		}
		held = append(held, domain.HeldItem{
			ProductItem:     item,
			UserID:          userID,
			CartStatus:      domain.CartStatus(status),
			CartReservedTil: updated.UTC().Add(time.Duration(reservation) * time.Second),
		})
	}
	return held, rows.Err()
}

func (t *tx) ListHeldDiscounts(ctx context.Context, userID string, statuses ...domain.CartStatus) ([]domain.HeldDiscount, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT di.cart_id, di.discount_id, di.product_id, di.quantity, c.status
		FROM discount_items di
		JOIN carts c ON c.id = di.cart_id
		WHERE c.user_id = $1 AND c.status = ANY($2)
		ORDER BY c.created_at, c.id
	`, userID, statusStrings(statuses))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	held := make([]domain.HeldDiscount, 0, 4)
	for rows.Next() {
		var item domain.HeldDiscount
		var status string
		if err := rows.Scan(&item.CartID, &item.DiscountID, &item.ProductID, &item.Quantity, &status); err != nil {
			return nil, err
		}
		item.UserID = userID
		item.CartStatus = domain.CartStatus(status)
		held = append(held, item)
	}
	return held, rows.Err()
}

// stockHeld matches carts that hold stock: paid, or active and still reserved.
const stockHeld = `c.id <> $2 AND (c.status = 'paid' OR
	(c.status = 'active' AND c.time_last_updated + c.reservation_seconds * interval '1 second' > $3))`

func (t *tx) CountProductUsage(ctx context.Context, productIDs []string, excludeCartID string, now time.Time) (int, error) {
	var total int
	err := t.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(pi.quantity), 0)
		FROM product_items pi
		JOIN carts c ON c.id = pi.cart_id
		WHERE pi.product_id = ANY($1) AND `+stockHeld, productIDs, excludeCartID, now).Scan(&total)
	return total, err
}

func (t *tx) CountDiscountUsage(ctx context.Context, discountID string, excludeCartID string, now time.Time) (int, error) {
	var total int
	err := t.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(di.quantity), 0)
		FROM discount_items di
		JOIN carts c ON c.id = di.cart_id
		WHERE di.discount_id = $1 AND `+stockHeld, discountID, excludeCartID, now).Scan(&total)
	return total, err
}

func (t *tx) CountVoucherUsage(ctx context.Context, voucherID string, excludeCartID string, now time.Time) (int, error) {
	var total int
	err := t.q.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT c.id)
		FROM cart_vouchers cv
		JOIN carts c ON c.id = cv.cart_id
		WHERE cv.voucher_id = $1 AND `+stockHeld, voucherID, excludeCartID, now).Scan(&total)
	return total, err
}

const invoiceColumns = `id, user_id, cart_id, cart_revision, status, recipient, issue_time, due_time, value_cents`

func scanInvoice(row scanner) (domain.Invoice, error) {
	var inv domain.Invoice
	var cartID sql.NullString
	var revision sql.NullInt64
	var status string
	if err := row.Scan(&inv.ID, &inv.UserID, &cartID, &revision, &status, &inv.Recipient,
		&inv.IssueTime, &inv.DueTime, &inv.ValueCents); err != nil {
		return inv, err
	}
	inv.CartID = cartID.String
	if revision.Valid {
		r := revision.Int64
		inv.CartRevision = &r
	}
	inv.Status = domain.InvoiceStatus(status)
	inv.IssueTime = inv.IssueTime.UTC()
	inv.DueTime = inv.DueTime.UTC()
	return inv, nil
}

func (t *tx) CreateInvoice(ctx context.Context, invoice domain.Invoice) error {
	if invoice.ID == "" || invoice.UserID == "" {
		return store.ErrInvalidInput
	}
	var revision any
	if invoice.CartRevision != nil {
		revision = *invoice.CartRevision
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, invoice.ID, invoice.UserID, nullIfEmpty(invoice.CartID), revision, string(invoice.Status),
		invoice.Recipient, invoice.IssueTime, invoice.DueTime, invoice.ValueCents)
	if err != nil {
		return mapError(err)
	}

	for _, line := range invoice.LineItems {
		data, err := nullJSON(line.AdditionalData)
		if err != nil {
			return err
		}
		_, err = t.q.ExecContext(ctx, `
			INSERT INTO line_items (
				id, invoice_id, position, description, quantity, price_cents, product_id,
				cancelled, is_refund, additional_data
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, line.ID, invoice.ID, line.Position, line.Description, line.Quantity, line.PriceCents,
			nullIfEmpty(line.ProductID), line.Cancelled, line.IsRefund, data)
		if err != nil {
			return mapError(err)
		}
	}
	return nil
}

func (t *tx) UpdateInvoiceStatus(ctx context.Context, invoiceID string, from domain.InvoiceStatus, to domain.InvoiceStatus) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE invoices SET status = $3 WHERE id = $1 AND status = $2
	`, invoiceID, string(from), string(to))
	if err != nil {
		return mapError(err)
	}
	return t.expectOne(ctx, res, `SELECT 1 FROM invoices WHERE id = $1`, invoiceID)
}

func (t *tx) GetInvoice(ctx context.Context, invoiceID string) (*domain.Invoice, error) {
	inv, err := scanInvoice(t.q.QueryRowContext(ctx, `
		SELECT `+invoiceColumns+` FROM invoices WHERE id = $1 FOR UPDATE
	`, invoiceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := t.q.QueryContext(ctx, `
		SELECT id, invoice_id, position, description, quantity, price_cents, product_id,
			cancelled, is_refund, additional_data
		FROM line_items
		WHERE invoice_id = $1
		ORDER BY position
	`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	inv.LineItems = make([]domain.LineItem, 0, 8)
	for rows.Next() {
		var line domain.LineItem
		var productID sql.NullString
		var data []byte
		if err := rows.Scan(&line.ID, &line.InvoiceID, &line.Position, &line.Description, &line.Quantity,
			&line.PriceCents, &productID, &line.Cancelled, &line.IsRefund, &data); err != nil {
			return nil, err
		}
		line.ProductID = productID.String
		if err := decodeJSON(data, &line.AdditionalData); err != nil {
			return nil, err
		}
		inv.LineItems = append(inv.LineItems, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (t *tx) ListInvoicesByCart(ctx context.Context, cartID string) ([]domain.Invoice, error) {
	return t.invoices(ctx, `WHERE cart_id = $1 ORDER BY seq`, cartID)
}

func (t *tx) ListInvoicesByUser(ctx context.Context, userID string, statuses ...domain.InvoiceStatus) ([]domain.Invoice, error) {
	if len(statuses) == 0 {
		return t.invoices(ctx, `WHERE user_id = $1 ORDER BY seq`, userID)
	}
	return t.invoices(ctx, `WHERE user_id = $1 AND status = ANY($2) ORDER BY seq`, userID, statusStrings(statuses))
}

// invoices lists headers only; GetInvoice loads line items.
func (t *tx) invoices(ctx context.Context, where string, args ...any) ([]domain.Invoice, error) {
	rows, err := t.q.QueryContext(ctx, `SELECT `+invoiceColumns+` FROM invoices `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Invoice, 0, 4)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (t *tx) CreatePayment(ctx context.Context, payment domain.Payment) error {
	if payment.ID == "" {
		return store.ErrInvalidInput
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO payments (id, invoice_id, kind, reference, amount_cents, time)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, payment.ID, payment.InvoiceID, string(payment.Kind), payment.Reference, payment.AmountCents, payment.Time)
	return mapError(err)
}

func (t *tx) ListPayments(ctx context.Context, invoiceID string) ([]domain.Payment, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT id, invoice_id, kind, reference, amount_cents, time
		FROM payments
		WHERE invoice_id = $1
		ORDER BY seq
	`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]domain.Payment, 0, 4)
	for rows.Next() {
		var p domain.Payment
		var kind string
		if err := rows.Scan(&p.ID, &p.InvoiceID, &kind, &p.Reference, &p.AmountCents, &p.Time); err != nil {
			return nil, err
		}
		p.Kind = domain.PaymentKind(kind)
		p.Time = p.Time.UTC()
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (t *tx) CreateCreditNote(ctx context.Context, note domain.CreditNote, payment domain.Payment) error {
	if note.ID == "" || note.ID != payment.ID || note.ValueCents <= 0 || payment.AmountCents != -note.ValueCents {
		return store.ErrInvalidInput
	}
	if err := t.CreatePayment(ctx, payment); err != nil {
		return err
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO credit_notes (id, invoice_id, user_id, value_cents, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, note.ID, note.InvoiceID, note.UserID, note.ValueCents, note.CreatedAt)
	return mapError(err)
}

func (t *tx) CreateCreditNoteApplication(ctx context.Context, app domain.CreditNoteApplication, payment domain.Payment) error {
	if app.ID == "" || app.ID != payment.ID || app.AmountCents <= 0 || payment.AmountCents != app.AmountCents {
		return store.ErrInvalidInput
	}
	note, err := t.creditNote(ctx, app.ParentID, true)
	if err != nil {
		return err
	}
	if note.Refunded || app.AmountCents > note.RemainingCents() {
		return store.ErrConflict
	}
	if err := t.CreatePayment(ctx, payment); err != nil {
		return err
	}
	if _, err := t.q.ExecContext(ctx, `
		UPDATE credit_notes SET applied_cents = applied_cents + $2 WHERE id = $1
	`, note.ID, app.AmountCents); err != nil {
		return mapError(err)
	}
	_, err = t.q.ExecContext(ctx, `
		INSERT INTO credit_note_applications (id, parent_id, invoice_id, amount_cents, time)
		VALUES ($1,$2,$3,$4,$5)
	`, app.ID, app.ParentID, app.InvoiceID, app.AmountCents, app.Time)
	return mapError(err)
}

func (t *tx) CreateCreditNoteRefund(ctx context.Context, refund domain.CreditNoteRefund) error {
	note, err := t.creditNote(ctx, refund.ParentID, true)
	if err != nil {
		return err
	}
	if note.Refunded || refund.AmountCents != note.RemainingCents() {
		return store.ErrConflict
	}
	if _, err := t.q.ExecContext(ctx, `
		UPDATE credit_notes SET refunded = true, refunded_cents = $2 WHERE id = $1
	`, note.ID, refund.AmountCents); err != nil {
		return mapError(err)
	}
	_, err = t.q.ExecContext(ctx, `
		INSERT INTO credit_note_refunds (id, parent_id, reference, amount_cents, time)
		VALUES ($1,$2,$3,$4,$5)
	`, refund.ID, refund.ParentID, refund.Reference, refund.AmountCents, refund.Time)
	return mapError(err)
}

const creditNoteColumns = `id, invoice_id, user_id, value_cents, applied_cents, refunded_cents, refunded, created_at`

func scanCreditNote(row scanner) (domain.CreditNote, error) {
	var n domain.CreditNote
	err := row.Scan(&n.ID, &n.InvoiceID, &n.UserID, &n.ValueCents, &n.AppliedCents, &n.RefundedCents, &n.Refunded, &n.CreatedAt)
	n.CreatedAt = n.CreatedAt.UTC()
	return n, err
}

func (t *tx) creditNote(ctx context.Context, noteID string, lock bool) (*domain.CreditNote, error) {
	query := `SELECT ` + creditNoteColumns + ` FROM credit_notes WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	note, err := scanCreditNote(t.q.QueryRowContext(ctx, query, noteID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &note, nil
}

func (t *tx) GetCreditNote(ctx context.Context, noteID string) (*domain.CreditNote, error) {
	return t.creditNote(ctx, noteID, false)
}

func (t *tx) ListCreditNotesByUser(ctx context.Context, userID string) ([]domain.CreditNote, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT `+creditNoteColumns+`
		FROM credit_notes
		WHERE user_id = $1
		ORDER BY created_at, seq
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	notes := make([]domain.CreditNote, 0, 4)
	for rows.Next() {
		note, err := scanCreditNote(rows)
		if err != nil {
			return nil, err
		}
		notes = append(notes, note)
	}
	return notes, rows.Err()
}

func (t *tx) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return mapError(err)
}

func (t *tx) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	// LIMIT NULL returns every row.
	var rowLimit any
	if limit > 0 {
		rowLimit = limit
	}
	rows, err := t.q.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		ORDER BY created_at DESC, seq DESC
		LIMIT $1
	`, rowLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, 32)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action,
			&entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func marshalString(val any) (string, error) {
	raw, err := json.Marshal(val)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
