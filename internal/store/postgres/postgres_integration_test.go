package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"confreg/backend/internal/domain"
	"confreg/backend/internal/store"
)

func TestCheckoutLedgerRoundTrip(t *testing.T) {
	databaseURL := os.Getenv("CONFREG_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set CONFREG_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	require.NoError(t, s.Migrate(ctx))

	stamp := time.Now().UnixNano()
	categoryID := fmt.Sprintf("cat-it-%d", stamp)
	productID := fmt.Sprintf("prod-it-%d", stamp)
	userID := fmt.Sprintf("user-it-%d", stamp)
	cartID := fmt.Sprintf("cart-it-%d", stamp)
	invoiceID := fmt.Sprintf("inv-it-%d", stamp)
	now := time.Now().UTC().Truncate(time.Microsecond)

	catalog := domain.Catalog{
		Categories: []domain.Category{{ID: categoryID, Name: "Integration", RenderType: domain.RenderQuantity}},
		Products:   []domain.Product{{ID: productID, CategoryID: categoryID, Name: "Integration ticket", PriceCents: 5000}},
	}
	require.NoError(t, s.ImportCatalog(ctx, catalog))

	revision := int64(1)
	err = s.WithTx(ctx, func(tx store.Tx) error {
		cart := domain.Cart{ID: cartID, UserID: userID, Status: domain.CartActive, Revision: 1, TimeLastUpdated: now, ReservationDuration: time.Hour, CreatedAt: now}
		if err := tx.CreateCart(ctx, cart); err != nil {
			return fmt.Errorf("create cart: %w", err)
		}
		if err := tx.SetProductItem(ctx, domain.ProductItem{CartID: cartID, ProductID: productID, Quantity: 2}); err != nil {
			return fmt.Errorf("set item: %w", err)
		}
		return tx.CreateInvoice(ctx, domain.Invoice{
			ID: invoiceID, UserID: userID, CartID: cartID, CartRevision: &revision, Status: domain.InvoiceUnpaid,
			IssueTime: now, DueTime: now.Add(time.Hour), ValueCents: 10000,
			LineItems: []domain.LineItem{{ID: invoiceID + "-1", InvoiceID: invoiceID, Position: 1, Description: "Integration ticket", Quantity: 2, PriceCents: 5000, ProductID: productID}},
		})
	})
	require.NoError(t, err, "checkout tx")

	err = s.WithTx(ctx, func(tx store.Tx) error {
		return tx.CreateInvoice(ctx, domain.Invoice{
			ID: invoiceID + "-dup", UserID: userID, CartID: cartID, CartRevision: &revision, Status: domain.InvoiceUnpaid,
			IssueTime: now, DueTime: now,
		})
	})
	require.ErrorIs(t, err, store.ErrConflict, "second live invoice for the same cart revision")

	err = s.WithTx(ctx, func(tx store.Tx) error {
		used, err := tx.CountProductUsage(ctx, []string{productID}, "", now)
		if err != nil {
			return err
		}
		if used != 2 {
			return fmt.Errorf("expected 2 reserved, got %d", used)
		}

		if err := tx.CreatePayment(ctx, domain.Payment{ID: invoiceID + "-p1", InvoiceID: invoiceID, Kind: domain.PaymentManual, AmountCents: 12000, Time: now}); err != nil {
			return err
		}
		if err := tx.UpdateInvoiceStatus(ctx, invoiceID, domain.InvoiceUnpaid, domain.InvoicePaid); err != nil {
			return err
		}
		note := domain.CreditNote{ID: invoiceID + "-cn", InvoiceID: invoiceID, UserID: userID, ValueCents: 2000, CreatedAt: now}
		return tx.CreateCreditNote(ctx, note, domain.Payment{ID: note.ID, InvoiceID: invoiceID, Kind: domain.PaymentCreditNote, AmountCents: -2000, Time: now})
	})
	require.NoError(t, err, "payment tx")

	err = s.WithTx(ctx, func(tx store.Tx) error {
		inv, err := tx.GetInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.Status != domain.InvoicePaid || len(inv.LineItems) != 1 {
			return fmt.Errorf("unexpected invoice %+v", inv)
		}
		payments, err := tx.ListPayments(ctx, invoiceID)
		if err != nil {
			return err
		}
		if total := domain.TotalPayments(payments); total != 10000 {
			return fmt.Errorf("expected net payments 10000, got %d", total)
		}
		notes, err := tx.ListCreditNotesByUser(ctx, userID)
		if err != nil {
			return err
		}
		if len(notes) != 1 || notes[0].RemainingCents() != 2000 {
			return fmt.Errorf("unexpected credit notes %+v", notes)
		}
		return nil
	})
	require.NoError(t, err, "verify tx")
}
