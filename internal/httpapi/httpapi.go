package httpapi

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"confreg/backend/internal/cache"
	"confreg/backend/internal/domain"
	"confreg/backend/internal/service"
	"confreg/backend/internal/store"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	catalog       cache.CatalogCache
	catalogTTL    time.Duration
	logger        *zap.Logger
	allowedOrigin string
	loginLimiter  *attemptLimiter
	csrfSecret    []byte
}

type Option func(*API)

func WithLogger(logger *zap.Logger) Option {
	return func(a *API) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithCatalogCache serves GET /products through c, refreshing entries after ttl.
func WithCatalogCache(c cache.CatalogCache, ttl time.Duration) Option {
	return func(a *API) {
		if c != nil {
			a.catalog = c
		}
		if ttl > 0 {
			a.catalogTTL = ttl
		}
	}
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, opts ...Option) *API {
	csrfSecret := make([]byte, 32)
	if _, err := rand.Read(csrfSecret); err != nil {
		csrfSecret = []byte("csrf-fallback-secret-change-me!!")
	}
	a := &API{
		service:       svc,
		auth:          auth,
		catalog:       cache.NoopCatalogCache{},
		catalogTTL:    30 * time.Second,
		logger:        zap.NewNop(),
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		csrfSecret:    csrfSecret,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// csrfTokenForHour is an HMAC over the hour bucket, hex encoded.
func (a *API) csrfTokenForHour(hourBucket int64) string {
	h := hmac.New(sha256.New, a.csrfSecret)
	fmt.Fprintf(h, "%d", hourBucket)
	return hex.EncodeToString(h.Sum(nil))
}

func (a *API) generateCSRFToken() string {
	bucket := time.Now().UTC().Truncate(time.Hour).Unix()
	return a.csrfTokenForHour(bucket)
}

// validateCSRFToken accepts tokens of the current and previous hour bucket.
func (a *API) validateCSRFToken(token string) bool {
	if token == "" {
		return false
	}
	currentBucket := time.Now().UTC().Truncate(time.Hour).Unix()
	prevBucket := currentBucket - 3600

	return hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(currentBucket))) ||
		hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(prevBucket)))
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)
	mux.HandleFunc("/api/v1/auth/csrf-token", a.handleCSRFToken)
	mux.HandleFunc("/api/v1/products", a.handleProducts)

	attendee := []string{domain.RoleAttendee, domain.RoleStaff}
	mux.HandleFunc("/api/v1/eligibility/{view}", a.requireAuth(a.handleEligibility, attendee...))
	mux.HandleFunc("/api/v1/cart", a.requireAuth(a.handleCart, attendee...))
	mux.HandleFunc("/api/v1/cart/voucher", a.requireAuth(a.handleCartVoucher, attendee...))
	mux.HandleFunc("/api/v1/cart/fix", a.requireAuth(a.handleCartFix, attendee...))
	mux.HandleFunc("/api/v1/cart/validate", a.requireAuth(a.handleCartValidate, attendee...))
	mux.HandleFunc("/api/v1/checkout", a.requireAuth(a.handleCheckout, attendee...))
	mux.HandleFunc("/api/v1/invoices/{id}", a.handleInvoice)
	mux.HandleFunc("/api/v1/credit-notes", a.requireAuth(a.handleCreditNotes, attendee...))

	mux.HandleFunc("/api/v1/invoices/manual", a.requireAuth(a.handleManualInvoice, domain.RoleStaff))
	mux.HandleFunc("/api/v1/invoices/{id}/{action}", a.requireAuth(a.handleInvoiceAction, domain.RoleStaff))
	mux.HandleFunc("/api/v1/credit-notes/{id}/{action}", a.requireAuth(a.handleCreditNoteAction, domain.RoleStaff))
	mux.HandleFunc("/api/v1/attendees", a.requireAuth(a.handleAttendees, domain.RoleStaff))
	mux.HandleFunc("/api/v1/audit-logs", a.requireAuth(a.handleAuditLogs, domain.RoleStaff))
	mux.HandleFunc("/api/v1/catalog/import", a.requireAuth(a.handleCatalogImport, domain.RoleStaff))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok, err := a.bearerActor(r)
		if !ok {
			if err == nil {
				err = errors.New("missing bearer token")
			}
			a.writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			a.writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

// bearerActor reports ok=false with a nil error when no bearer token was sent.
func (a *API) bearerActor(r *http.Request) (domain.Actor, bool, error) {
	authorization := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
		return domain.Actor{}, false, nil
	}
	actor, err := a.auth.ParseToken(strings.TrimSpace(authorization[len("Bearer "):]))
	if err != nil {
		return domain.Actor{}, false, err
	}
	return actor, true, nil
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

// subject is the attendee a request acts for. Staff may name another
// attendee with ?user_id=.
func subject(r *http.Request) string {
	actor, _ := service.ActorFromContext(r.Context())
	if actor.IsStaff() {
		if userID := strings.TrimSpace(r.URL.Query().Get("user_id")); userID != "" {
			return userID
		}
	}
	return actor.Username
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		a.writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		a.writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleCSRFToken returns a token for the X-CSRF-Token header of mutating requests.
func (a *API) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"csrf_token": a.generateCSRFToken(),
	})
}

var csrfExemptPaths = []string{
	"/api/v1/auth/login",
}

func (a *API) checkCSRF(w http.ResponseWriter, r *http.Request) bool {
	method := r.Method
	if method != http.MethodPost && method != http.MethodPut && method != http.MethodPatch {
		return true
	}
	for _, exempt := range csrfExemptPaths {
		if r.URL.Path == exempt {
			return true
		}
	}
	token := strings.TrimSpace(r.Header.Get("X-CSRF-Token"))
	if !a.validateCSRFToken(token) {
		a.writeError(w, http.StatusForbidden, errors.New("missing or invalid CSRF token"))
		return false
	}
	return true
}

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}

	cached, ok, err := a.catalog.Get(r.Context())
	if err != nil {
		a.logger.Warn("catalog cache read failed", zap.Error(err))
	}
	if ok {
		writeJSON(w, http.StatusOK, cached)
		return
	}

	catalog, err := a.service.Catalog(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	if err := a.catalog.Set(r.Context(), &catalog, a.catalogTTL); err != nil {
		a.logger.Warn("catalog cache write failed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, catalog)
}

func (a *API) handleEligibility(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}

	query := r.URL.Query()
	sel := domain.Selection{
		CategoryID: strings.TrimSpace(query.Get("category_id")),
		ProductIDs: splitList(query.Get("product_ids")),
	}
	userID := subject(r)

	switch r.PathValue("view") {
	case "available":
		products, err := a.service.Available(r.Context(), userID, sel)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"products": products})
	case "sold-out":
		products, err := a.service.SoldOut(r.Context(), userID, sel)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"products": products})
	case "disabled":
		disabled, err := a.service.Disabled(r.Context(), userID, sel)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, disabled)
	case "discounts":
		discounts, err := a.service.AvailableDiscounts(r.Context(), userID, sel.ProductIDs)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"discounts": discounts})
	default:
		a.writeError(w, http.StatusNotFound, errors.New("unknown eligibility view"))
	}
}

func (a *API) handleCart(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		view, err := a.service.Cart(r.Context(), subject(r))
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	case http.MethodPut:
		var req domain.SetQuantitiesRequest
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		enforce := req.EnforceLimits == nil || *req.EnforceLimits
		view, err := a.service.SetQuantities(r.Context(), subject(r), req.Items, enforce)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	default:
		a.writeMethodNotAllowed(w)
	}
}

func (a *API) handleCartVoucher(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	var req domain.VoucherRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	view, err := a.service.ApplyVoucher(r.Context(), subject(r), req.Code)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleCartFix(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	view, err := a.service.FixSimpleErrors(r.Context(), subject(r))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleCartValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}
	if err := a.service.ValidateCart(r.Context(), subject(r)); err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	view, err := a.service.Checkout(r.Context(), subject(r))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleInvoice serves both bearer-authenticated viewers and anonymous holders
// of the owner's access code.
func (a *API) handleInvoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}

	actor, ok, err := a.bearerActor(r)
	if err != nil {
		a.writeError(w, http.StatusUnauthorized, err)
		return
	}
	accessCode := strings.TrimSpace(r.URL.Query().Get("access_code"))
	if !ok && accessCode == "" {
		a.writeError(w, http.StatusUnauthorized, errors.New("missing bearer token or access code"))
		return
	}

	ctx := r.Context()
	if ok {
		ctx = service.WithActor(ctx, actor)
	}
	view, err := a.service.Invoice(ctx, r.PathValue("id"), actor, accessCode)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleManualInvoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	var req domain.ManualInvoiceRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	dueDelta := time.Duration(req.DueDays) * 24 * time.Hour
	view, err := a.service.ManualInvoice(r.Context(), strings.TrimSpace(req.UserID), dueDelta, req.Lines)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (a *API) handleInvoiceAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	invoiceID := r.PathValue("id")

	switch r.PathValue("action") {
	case "payments":
		var req domain.PaymentRequest
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		view, err := a.service.RecordPayment(r.Context(), invoiceID, req.Reference, req.AmountCents)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, view)
	case "status":
		a.writeInvoiceView(w, http.StatusOK)(a.service.UpdateStatus(r.Context(), invoiceID))
	case "void":
		a.writeInvoiceView(w, http.StatusOK)(a.service.VoidInvoice(r.Context(), invoiceID))
	case "refund":
		a.writeInvoiceView(w, http.StatusOK)(a.service.RefundInvoice(r.Context(), invoiceID))
	case "credit-notes":
		var req domain.CreditNoteRequest
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		view, err := a.service.GenerateCreditNote(r.Context(), invoiceID, req.AmountCents)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, view)
	default:
		a.writeError(w, http.StatusNotFound, errors.New("unknown invoice action"))
	}
}

func (a *API) writeInvoiceView(w http.ResponseWriter, status int) func(domain.InvoiceView, error) {
	return func(view domain.InvoiceView, err error) {
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, status, view)
	}
}

func (a *API) handleCreditNotes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}
	notes, err := a.service.CreditNotes(r.Context(), subject(r))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"credit_notes": notes})
}

func (a *API) handleCreditNoteAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	noteID := r.PathValue("id")

	switch r.PathValue("action") {
	case "apply":
		var req domain.ApplyCreditNoteRequest
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		a.writeInvoiceView(w, http.StatusOK)(a.service.ApplyCreditNote(r.Context(), noteID, req.InvoiceID))
	case "refund":
		var req domain.RefundCreditNoteRequest
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		view, err := a.service.RefundCreditNote(r.Context(), noteID, req.Reference)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	default:
		a.writeError(w, http.StatusNotFound, errors.New("unknown credit note action"))
	}
}

func (a *API) handleAttendees(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"attendees": a.auth.ListAccounts(r.Context(), domain.RoleAttendee)})
	case http.MethodPost:
		var req AccountRequest
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}

		account, err := a.auth.CreateAttendeeAccount(r.Context(), req)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		attendee, err := a.service.RegisterAttendee(r.Context(), domain.Attendee{
			UserID: account.Username,
			Name:   strings.TrimSpace(req.Name),
			Email:  strings.TrimSpace(req.Email),
		})
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"account": account, "attendee": attendee})
	default:
		a.writeMethodNotAllowed(w)
	}
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)
	logs, err := a.service.ListAuditLogs(r.Context(), limit)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit_logs": logs})
}

func (a *API) handleCatalogImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	var catalog domain.Catalog
	if err := decodeJSON(r, &catalog); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.service.ImportCatalog(r.Context(), catalog); err != nil {
		a.writeServiceError(w, err)
		return
	}
	if err := a.catalog.Invalidate(r.Context()); err != nil {
		a.logger.Warn("catalog cache invalidation failed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"categories": len(catalog.Categories),
		"products":   len(catalog.Products),
		"discounts":  len(catalog.Discounts),
		"flags":      len(catalog.Flags),
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-CSRF-Token")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if !a.checkCSRF(w, r) {
			return
		}

		startedAt := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("latency", time.Since(startedAt)),
		)
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func (a *API) writeMethodNotAllowed(w http.ResponseWriter) {
	a.writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

// writeServiceError maps engine errors onto statuses. Permission failures are
// reported as not found so invoice ids cannot be probed.
func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":    err.Error(),
			"problems": domain.ValidationProblems(err),
		})
	case errors.Is(err, domain.ErrForbidden), errors.Is(err, store.ErrNotFound):
		a.writeError(w, http.StatusNotFound, errors.New("not found"))
	case errors.Is(err, store.ErrConflict):
		a.writeError(w, http.StatusConflict, err)
	case errors.Is(err, store.ErrInvalidInput):
		a.writeError(w, http.StatusBadRequest, err)
	default:
		a.writeError(w, http.StatusInternalServerError, err)
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies stay generic; the cause goes to the log.
	msg := err.Error()
	if status >= 500 {
		a.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
