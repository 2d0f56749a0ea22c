package store

import (
	"context"
	"errors"
	"time"

	"confreg/backend/internal/domain"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("concurrent modification")
	ErrInvalidInput = errors.New("invalid input")
)

// Store runs every state-changing operation as one unit of work. fn's writes
// commit together when it returns nil and are discarded otherwise.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	ImportCatalog(ctx context.Context, catalog domain.Catalog) error
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type Tx interface {
	CatalogReader
	CommerceReader

	UpsertAttendee(ctx context.Context, attendee domain.Attendee) error

	CreateCart(ctx context.Context, cart domain.Cart) error
	// UpdateCart writes status, revision, timestamps and reservation of the cart,
	// failing with ErrConflict when the stored revision is not expectedRevision.
	UpdateCart(ctx context.Context, cart domain.Cart, expectedRevision int64) error
	AddCartVoucher(ctx context.Context, cartID string, voucherID string) error
	RemoveCartVoucher(ctx context.Context, cartID string, voucherID string) error
	// SetProductItem upserts the item; a quantity of zero removes it.
	SetProductItem(ctx context.Context, item domain.ProductItem) error
	ReplaceDiscountItems(ctx context.Context, cartID string, items []domain.DiscountItem) error

	CreateInvoice(ctx context.Context, invoice domain.Invoice) error
	// UpdateInvoiceStatus fails with ErrConflict when the stored status is not from.
	UpdateInvoiceStatus(ctx context.Context, invoiceID string, from domain.InvoiceStatus, to domain.InvoiceStatus) error
	CreatePayment(ctx context.Context, payment domain.Payment) error
	CreateCreditNote(ctx context.Context, note domain.CreditNote, payment domain.Payment) error
	CreateCreditNoteApplication(ctx context.Context, app domain.CreditNoteApplication, payment domain.Payment) error
	CreateCreditNoteRefund(ctx context.Context, refund domain.CreditNoteRefund) error

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error)
}

type CatalogReader interface {
	ListCategories(ctx context.Context) ([]domain.Category, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	ListDiscounts(ctx context.Context) ([]domain.Discount, error)
	ListFlags(ctx context.Context) ([]domain.Flag, error)
	GetVoucher(ctx context.Context, voucherID string) (*domain.Voucher, error)
	GetVoucherByCode(ctx context.Context, code string) (*domain.Voucher, error)
}

type CommerceReader interface {
	GetAttendee(ctx context.Context, userID string) (*domain.Attendee, error)
	GetAttendeeByAccessCode(ctx context.Context, accessCode string) (*domain.Attendee, error)

	// GetActiveCart returns the user's active cart, locked for the rest of the transaction.
	GetActiveCart(ctx context.Context, userID string) (*domain.Cart, error)
	GetCart(ctx context.Context, cartID string) (*domain.Cart, error)
	ListProductItems(ctx context.Context, cartID string) ([]domain.ProductItem, error)
	ListDiscountItems(ctx context.Context, cartID string) ([]domain.DiscountItem, error)
	// ListHeldItems returns the user's product items in carts with any of the given statuses.
	ListHeldItems(ctx context.Context, userID string, statuses ...domain.CartStatus) ([]domain.HeldItem, error)
	// ListHeldDiscounts returns the user's discount items in carts with any of the given statuses.
	ListHeldDiscounts(ctx context.Context, userID string, statuses ...domain.CartStatus) ([]domain.HeldDiscount, error)
	// CountProductUsage sums quantities of the products held in paid carts plus
	// active carts still reserved at now, skipping excludeCartID.
	CountProductUsage(ctx context.Context, productIDs []string, excludeCartID string, now time.Time) (int, error)
	// CountDiscountUsage is CountProductUsage for discount items of one discount.
	CountDiscountUsage(ctx context.Context, discountID string, excludeCartID string, now time.Time) (int, error)
	// CountVoucherUsage counts paid or still-reserved carts holding the voucher, skipping excludeCartID.
	CountVoucherUsage(ctx context.Context, voucherID string, excludeCartID string, now time.Time) (int, error)

	// GetInvoice returns the invoice with its line items, locked for the rest of the transaction.
	GetInvoice(ctx context.Context, invoiceID string) (*domain.Invoice, error)
	ListInvoicesByCart(ctx context.Context, cartID string) ([]domain.Invoice, error)
	ListInvoicesByUser(ctx context.Context, userID string, statuses ...domain.InvoiceStatus) ([]domain.Invoice, error)
	ListPayments(ctx context.Context, invoiceID string) ([]domain.Payment, error)

	GetCreditNote(ctx context.Context, noteID string) (*domain.CreditNote, error)
	// ListCreditNotesByUser returns the user's notes oldest first.
	ListCreditNotesByUser(ctx context.Context, userID string) ([]domain.CreditNote, error)
}
