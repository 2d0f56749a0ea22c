package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confreg/backend/internal/domain"
	"confreg/backend/internal/store"
)

func setupMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

func TestWithTxCommitsOnSuccess(t *testing.T) {
	s, mock := setupMockStore(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO audit_logs`)).
		WithArgs("a1", "staff", domain.RoleStaff, "void_invoice", "invoice", "inv-1", "", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.WithTx(context.Background(), func(tx store.Tx) error {
		return tx.CreateAuditLog(context.Background(), domain.AuditLog{
			ID: "a1", ActorUsername: "staff", ActorRole: domain.RoleStaff,
			Action: "void_invoice", EntityType: "invoice", EntityID: "inv-1", CreatedAt: at,
		})
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s, mock := setupMockStore(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := s.WithTx(context.Background(), func(store.Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateCartStaleRevisionConflicts(t *testing.T) {
	s, mock := setupMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE carts`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM carts WHERE id = $1`)).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	mock.ExpectRollback()

	err := s.WithTx(context.Background(), func(tx store.Tx) error {
		return tx.UpdateCart(context.Background(), domain.Cart{ID: "c1", Status: domain.CartActive, Revision: 3}, 2)
	})
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateInvoiceStatusMissingInvoice(t *testing.T) {
	s, mock := setupMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE invoices SET status`)).
		WithArgs("inv-9", "unpaid", "paid").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM invoices WHERE id = $1`)).
		WithArgs("inv-9").
		WillReturnRows(sqlmock.NewRows([]string{"one"}))
	mock.ExpectRollback()

	err := s.WithTx(context.Background(), func(tx store.Tx) error {
		return tx.UpdateInvoiceStatus(context.Background(), "inv-9", domain.InvoiceUnpaid, domain.InvoicePaid)
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateInvoiceUniqueViolationIsConflict(t *testing.T) {
	s, mock := setupMockStore(t)
	revision := int64(2)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO invoices`)).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()

	err := s.WithTx(context.Background(), func(tx store.Tx) error {
		return tx.CreateInvoice(context.Background(), domain.Invoice{
			ID: "inv-2", UserID: "u1", CartID: "c1", CartRevision: &revision, Status: domain.InvoiceUnpaid,
		})
	})
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSerializationFailureOnCommitIsConflict(t *testing.T) {
	s, mock := setupMockStore(t)

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(&pgconn.PgError{Code: "40001", Message: "could not serialize access"})

	err := s.WithTx(context.Background(), func(store.Tx) error { return nil })
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetVoucherByCodeNormalises(t *testing.T) {
	s, mock := setupMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM vouchers WHERE code = $1`)).
		WithArgs("SPEAKERS").
		WillReturnRows(sqlmock.NewRows([]string{"id", "code", "recipient", "usage_limit"}).
			AddRow("v-speakers", "SPEAKERS", "Speakers", 50))
	mock.ExpectCommit()

	var got *domain.Voucher
	err := s.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		got, err = tx.GetVoucherByCode(context.Background(), "  speakers ")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "v-speakers", got.ID)
	assert.Equal(t, 50, got.Limit)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetProductItemZeroDeletes(t *testing.T) {
	s, mock := setupMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM product_items`)).
		WithArgs("c1", "ticket").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.WithTx(context.Background(), func(tx store.Tx) error {
		if err := tx.SetProductItem(context.Background(), domain.ProductItem{CartID: "c1", ProductID: "ticket", Quantity: -1}); !errors.Is(err, store.ErrInvalidInput) {
			return err
		}
		return tx.SetProductItem(context.Background(), domain.ProductItem{CartID: "c1", ProductID: "ticket"})
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreditNoteRefundMustClaimRemainder(t *testing.T) {
	s, mock := setupMockStore(t)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM credit_notes WHERE id = $1 FOR UPDATE`)).
		WithArgs("cn1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "invoice_id", "user_id", "value_cents", "applied_cents", "refunded_cents", "refunded", "created_at"}).
			AddRow("cn1", "inv-1", "u1", int64(1000), int64(400), int64(0), false, created))
	mock.ExpectRollback()

	err := s.WithTx(context.Background(), func(tx store.Tx) error {
		return tx.CreateCreditNoteRefund(context.Background(), domain.CreditNoteRefund{ID: "r1", ParentID: "cn1", AmountCents: 1000})
	})
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMapError(t *testing.T) {
	plain := errors.New("plain")
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "unique", err: &pgconn.PgError{Code: "23505"}, want: store.ErrConflict},
		{name: "deadlock", err: &pgconn.PgError{Code: "40P01"}, want: store.ErrConflict},
		{name: "foreign key", err: &pgconn.PgError{Code: "23503"}, want: store.ErrNotFound},
		{name: "check", err: &pgconn.PgError{Code: "23514"}, want: store.ErrInvalidInput},
		{name: "other", err: plain, want: plain},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, mapError(tt.err), tt.want)
		})
	}
	assert.NoError(t, mapError(nil))
}
