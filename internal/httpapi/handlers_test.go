package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confreg/backend/internal/domain"
	"confreg/backend/internal/service"
	"confreg/backend/internal/store/memory"
)

const (
	testOrigin           = "http://localhost:5173"
	testStaffPassword    = "staff-password-1"
	testAttendeePassword = "attendee-password-1"
)

// newTestAPI builds the full stack on the seeded in-memory store so handler
// tests exercise the complete request path.
func newTestAPI(t *testing.T, opts ...Option) *API {
	t.Helper()
	t.Setenv("SEED_STAFF_PASSWORD", testStaffPassword)
	t.Setenv("SEED_ATTENDEE_PASSWORD", testAttendeePassword)

	repo := memory.NewSeeded()
	svc := service.New(repo)
	auth := NewAuthManager(context.Background(), "test-secret-key-test-secret-key!", time.Hour, repo)
	return New(svc, auth, testOrigin, opts...)
}

type client struct {
	t     *testing.T
	api   *API
	token string
	csrf  string
}

func newClient(t *testing.T, api *API, username, password string) *client {
	t.Helper()
	c := &client{t: t, api: api, csrf: fetchCSRFToken(t, api)}
	if username != "" {
		c.token = login(t, api, username, password)
	}
	return c
}

func (c *client) do(method, path string, body any) *httptest.ResponseRecorder {
	c.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(c.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-CSRF-Token", c.csrf)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	res := httptest.NewRecorder()
	c.api.Handler().ServeHTTP(res, req)
	return res
}

func decode[T any](t *testing.T, res *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out), res.Body.String())
	return out
}

type countingCache struct {
	mu          sync.Mutex
	value       *domain.PublicCatalog
	gets        int
	sets        int
	invalidates int
}

func (c *countingCache) Get(_ context.Context) (*domain.PublicCatalog, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	return c.value, c.value != nil, nil
}

func (c *countingCache) Set(_ context.Context, value *domain.PublicCatalog, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	c.value = value
	return nil
}

func (c *countingCache) Invalidate(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidates++
	c.value = nil
	return nil
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	res := newClient(t, api, "", "").do(http.MethodGet, "/healthz", nil)

	require.Equal(t, http.StatusOK, res.Code)
	body := decode[map[string]any](t, res)
	assert.Equal(t, true, body["ok"])
}

func TestProductsServedThroughCatalogCache(t *testing.T) {
	cc := &countingCache{}
	api := newTestAPI(t, WithCatalogCache(cc, time.Minute))
	anon := newClient(t, api, "", "")

	first := anon.do(http.MethodGet, "/api/v1/products", nil)
	require.Equal(t, http.StatusOK, first.Code)
	catalog := decode[domain.PublicCatalog](t, first)
	assert.NotEmpty(t, catalog.Products)
	assert.Equal(t, 1, cc.sets)

	second := anon.do(http.MethodGet, "/api/v1/products", nil)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, 1, cc.sets, "second read is a cache hit")
	assert.Equal(t, 2, cc.gets)

	staff := newClient(t, api, "staff", testStaffPassword)
	imported := staff.do(http.MethodPost, "/api/v1/catalog/import", memory.DemoCatalog(time.Now().UTC()))
	require.Equal(t, http.StatusOK, imported.Code, imported.Body.String())
	assert.Equal(t, 1, cc.invalidates)
}

func TestCatalogImportRequiresStaff(t *testing.T) {
	api := newTestAPI(t)
	attendee := newClient(t, api, "attendee", testAttendeePassword)

	res := attendee.do(http.MethodPost, "/api/v1/catalog/import", memory.DemoCatalog(time.Now().UTC()))
	assert.Equal(t, http.StatusForbidden, res.Code)
}

func TestAttendeeCheckoutAndStaffPayment(t *testing.T) {
	api := newTestAPI(t)
	attendee := newClient(t, api, "attendee", testAttendeePassword)
	staff := newClient(t, api, "staff", testStaffPassword)

	res := attendee.do(http.MethodPut, "/api/v1/cart", domain.SetQuantitiesRequest{
		Items: []domain.QuantityChange{{ProductID: "prod-student", Quantity: 1}},
	})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	cart := decode[domain.CartView](t, res)
	require.Len(t, cart.Items, 1)

	res = attendee.do(http.MethodPost, "/api/v1/checkout", nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	invoice := decode[domain.InvoiceView](t, res)
	assert.Equal(t, domain.InvoiceUnpaid, invoice.Invoice.Status)
	assert.Equal(t, int64(9000), invoice.Invoice.ValueCents)
	invoiceID := invoice.Invoice.ID

	res = attendee.do(http.MethodPost, "/api/v1/invoices/"+invoiceID+"/payments", domain.PaymentRequest{Reference: "self", AmountCents: 9000})
	assert.Equal(t, http.StatusForbidden, res.Code)

	res = staff.do(http.MethodPost, "/api/v1/invoices/"+invoiceID+"/payments", domain.PaymentRequest{Reference: "bank-1", AmountCents: 9000})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	paid := decode[domain.InvoiceView](t, res)
	assert.Equal(t, domain.InvoicePaid, paid.Invoice.Status)
	assert.Equal(t, int64(0), paid.RemainderCents)

	res = attendee.do(http.MethodGet, "/api/v1/invoices/"+invoiceID, nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, domain.InvoicePaid, decode[domain.InvoiceView](t, res).Invoice.Status)

	res = staff.do(http.MethodGet, "/api/v1/audit-logs?limit=5", nil)
	require.Equal(t, http.StatusOK, res.Code)
	logs := decode[map[string][]domain.AuditLog](t, res)
	assert.NotEmpty(t, logs["audit_logs"])
}

func TestInvoiceAccessCodeLookup(t *testing.T) {
	api := newTestAPI(t)
	staff := newClient(t, api, "staff", testStaffPassword)

	res := staff.do(http.MethodPost, "/api/v1/attendees", AccountRequest{
		Username: "alice", Password: "alice-password", Name: "Alice Example", Email: "alice@example.com",
	})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	created := decode[struct {
		Account  Account         `json:"account"`
		Attendee domain.Attendee `json:"attendee"`
	}](t, res)
	require.NotEmpty(t, created.Attendee.AccessCode)

	alice := newClient(t, api, "alice", "alice-password")
	res = alice.do(http.MethodPut, "/api/v1/cart", domain.SetQuantitiesRequest{
		Items: []domain.QuantityChange{{ProductID: "prod-student", Quantity: 1}},
	})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	res = alice.do(http.MethodPost, "/api/v1/checkout", nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	invoiceID := decode[domain.InvoiceView](t, res).Invoice.ID

	anon := newClient(t, api, "", "")
	res = anon.do(http.MethodGet, "/api/v1/invoices/"+invoiceID+"?access_code="+created.Attendee.AccessCode, nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	assert.Equal(t, "Alice Example <alice@example.com>", decode[domain.InvoiceView](t, res).Invoice.Recipient)

	res = anon.do(http.MethodGet, "/api/v1/invoices/"+invoiceID+"?access_code=WRONG", nil)
	assert.Equal(t, http.StatusNotFound, res.Code)

	res = anon.do(http.MethodGet, "/api/v1/invoices/"+invoiceID, nil)
	assert.Equal(t, http.StatusUnauthorized, res.Code)

	other := newClient(t, api, "attendee", testAttendeePassword)
	res = other.do(http.MethodGet, "/api/v1/invoices/"+invoiceID, nil)
	assert.Equal(t, http.StatusNotFound, res.Code, "other attendees cannot tell the invoice exists")
}

func TestValidationErrorsListProblems(t *testing.T) {
	api := newTestAPI(t)
	attendee := newClient(t, api, "attendee", testAttendeePassword)

	res := attendee.do(http.MethodPut, "/api/v1/cart", domain.SetQuantitiesRequest{
		Items: []domain.QuantityChange{
			{ProductID: "prod-missing", Quantity: 1},
			{ProductID: "prod-student", Quantity: -1},
		},
	})
	require.Equal(t, http.StatusUnprocessableEntity, res.Code)
	body := decode[struct {
		Error    string                    `json:"error"`
		Problems []*domain.ValidationError `json:"problems"`
	}](t, res)
	require.Len(t, body.Problems, 2)
	assert.Equal(t, "prod-missing", body.Problems[0].ProductID)
	assert.Equal(t, "prod-student", body.Problems[1].ProductID)
}

func TestUnknownFieldsRejected(t *testing.T) {
	api := newTestAPI(t)
	attendee := newClient(t, api, "attendee", testAttendeePassword)

	res := attendee.do(http.MethodPost, "/api/v1/cart/voucher", map[string]string{"voucher": "SPEAKERS"})
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestVoucherAndEligibilityViews(t *testing.T) {
	api := newTestAPI(t)
	attendee := newClient(t, api, "attendee", testAttendeePassword)

	res := attendee.do(http.MethodPost, "/api/v1/cart/voucher", domain.VoucherRequest{Code: "speakers"})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	cart := decode[domain.CartView](t, res)
	assert.Equal(t, []string{"voucher-speakers"}, cart.Cart.VoucherIDs)

	res = attendee.do(http.MethodGet, "/api/v1/eligibility/available?category_id=cat-ticket", nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	available := decode[map[string][]domain.Product](t, res)
	assert.NotEmpty(t, available["products"])

	res = attendee.do(http.MethodGet, "/api/v1/eligibility/discounts?product_ids=prod-professional", nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	discounts := decode[map[string][]domain.DiscountAvailability](t, res)
	require.NotEmpty(t, discounts["discounts"])
	assert.Equal(t, "disc-speaker-ticket", discounts["discounts"][0].DiscountID)

	res = attendee.do(http.MethodGet, "/api/v1/eligibility/nope", nil)
	assert.Equal(t, http.StatusNotFound, res.Code)
}

func TestCreditNoteLifecycleOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	attendee := newClient(t, api, "attendee", testAttendeePassword)
	staff := newClient(t, api, "staff", testStaffPassword)

	res := attendee.do(http.MethodPut, "/api/v1/cart", domain.SetQuantitiesRequest{
		Items: []domain.QuantityChange{{ProductID: "prod-student", Quantity: 1}},
	})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	res = attendee.do(http.MethodPost, "/api/v1/checkout", nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	invoiceID := decode[domain.InvoiceView](t, res).Invoice.ID

	res = staff.do(http.MethodPost, "/api/v1/invoices/"+invoiceID+"/payments", domain.PaymentRequest{Reference: "bank-2", AmountCents: 12000})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())

	res = attendee.do(http.MethodGet, "/api/v1/credit-notes", nil)
	require.Equal(t, http.StatusOK, res.Code)
	notes := decode[map[string][]domain.CreditNoteView](t, res)
	require.Len(t, notes["credit_notes"], 1)
	note := notes["credit_notes"][0]
	assert.Equal(t, int64(3000), note.CreditNote.ValueCents)
	assert.Equal(t, string(domain.CreditNoteUnclaimed), note.Status)

	res = staff.do(http.MethodPost, "/api/v1/credit-notes/"+note.CreditNote.ID+"/refund", domain.RefundCreditNoteRequest{})
	assert.Equal(t, http.StatusUnprocessableEntity, res.Code)

	res = staff.do(http.MethodPost, "/api/v1/credit-notes/"+note.CreditNote.ID+"/refund", domain.RefundCreditNoteRequest{Reference: "bank-refund-1"})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	refunded := decode[domain.CreditNoteView](t, res)
	assert.Equal(t, string(domain.CreditNoteRefunded), refunded.Status)

	res = staff.do(http.MethodPost, "/api/v1/credit-notes/missing/apply", domain.ApplyCreditNoteRequest{InvoiceID: invoiceID})
	assert.Equal(t, http.StatusNotFound, res.Code)
}

func TestVoidRejectedOncePaid(t *testing.T) {
	api := newTestAPI(t)
	attendee := newClient(t, api, "attendee", testAttendeePassword)
	staff := newClient(t, api, "staff", testStaffPassword)

	res := attendee.do(http.MethodPut, "/api/v1/cart", domain.SetQuantitiesRequest{
		Items: []domain.QuantityChange{{ProductID: "prod-student", Quantity: 1}},
	})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	res = attendee.do(http.MethodPost, "/api/v1/checkout", nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	invoiceID := decode[domain.InvoiceView](t, res).Invoice.ID

	res = staff.do(http.MethodPost, "/api/v1/invoices/"+invoiceID+"/payments", domain.PaymentRequest{Reference: "bank-3", AmountCents: 9000})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())

	res = staff.do(http.MethodPost, "/api/v1/invoices/"+invoiceID+"/void", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, res.Code)

	res = staff.do(http.MethodPost, "/api/v1/invoices/"+invoiceID+"/refund", nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	assert.Equal(t, domain.InvoiceRefunded, decode[domain.InvoiceView](t, res).Invoice.Status)
}

func TestManualInvoiceUsesDueDays(t *testing.T) {
	api := newTestAPI(t)
	staff := newClient(t, api, "staff", testStaffPassword)

	res := staff.do(http.MethodPost, "/api/v1/invoices/manual", domain.ManualInvoiceRequest{
		UserID:  "attendee",
		DueDays: 3,
		Lines:   []domain.ManualLine{{Description: "Sponsorship", PriceCents: 50000, Quantity: 1}},
	})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	view := decode[domain.InvoiceView](t, res)
	assert.Equal(t, int64(50000), view.Invoice.ValueCents)
	assert.WithinDuration(t, view.Invoice.IssueTime.Add(72*time.Hour), view.Invoice.DueTime, time.Minute)
}
