package discount

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confreg/backend/internal/batch"
	"confreg/backend/internal/domain"
	"confreg/backend/internal/eligibility"
	"confreg/backend/internal/store"
	"confreg/backend/internal/store/memory"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func f64(v float64) *float64 { return &v }
func i64(v int64) *int64     { return &v }
func intp(v int) *int        { return &v }

func catalog(discounts ...domain.Discount) domain.Catalog {
	return domain.Catalog{
		Categories: []domain.Category{
			{ID: "tickets", Name: "Tickets", Order: 1, RenderType: domain.RenderRadio},
			{ID: "shirts", Name: "Shirts", Order: 2, RenderType: domain.RenderQuantity},
		},
		Products: []domain.Product{
			{ID: "ticket", CategoryID: "tickets", Name: "Ticket", PriceCents: 10000, Order: 1},
			{ID: "shirt-basic", CategoryID: "shirts", Name: "Basic", PriceCents: 2000, Order: 1},
			{ID: "shirt-fancy", CategoryID: "shirts", Name: "Fancy", PriceCents: 4000, Order: 2},
		},
		Vouchers:  []domain.Voucher{{ID: "v1", Code: "FREE", Limit: 10}},
		Discounts: discounts,
	}
}

func included(ids ...string) domain.Condition {
	return domain.Condition{Kind: domain.ConditionIncludedProduct, IncludedProduct: &domain.IncludedProductCondition{EnablingProductIDs: ids}}
}

func newStore(t *testing.T, c domain.Catalog) *memory.Store {
	t.Helper()
	require.NoError(t, c.Validate())
	return memory.New(c)
}

func cartWith(t *testing.T, s *memory.Store, cart domain.Cart, items map[string]int, discounts []domain.DiscountItem) {
	t.Helper()
	if cart.ReservationDuration == 0 {
		cart.ReservationDuration = time.Hour
	}
	if cart.TimeLastUpdated.IsZero() {
		cart.TimeLastUpdated = testNow
	}
	require.NoError(t, s.WithTx(context.Background(), func(tx store.Tx) error {
		ctx := context.Background()
		if err := tx.CreateCart(ctx, cart); err != nil {
			return err
		}
		for id, qty := range items {
			if err := tx.SetProductItem(ctx, domain.ProductItem{CartID: cart.ID, ProductID: id, Quantity: qty}); err != nil {
				return err
			}
		}
		return tx.ReplaceDiscountItems(ctx, cart.ID, discounts)
	}))
}

func inTx(t *testing.T, s *memory.Store, fn func(ctx context.Context, tx store.Tx, r *Resolver)) {
	t.Helper()
	scope := batch.New()
	exit := scope.Enter()
	defer exit()
	require.NoError(t, s.WithTx(context.Background(), func(tx store.Tx) error {
		fn(context.Background(), tx, New(eligibility.New(tx, scope, testNow)))
		return nil
	}))
}

func TestPercentageDiscountOnHundredDollars(t *testing.T) {
	product := domain.Product{ID: "ticket", PriceCents: 10000}
	clause := domain.DiscountAvailability{Product: &domain.DiscountForProduct{ProductID: "ticket", Percentage: f64(10), Quantity: 1}}
	assert.Equal(t, int64(1000), ResolveValue(product, clause))

	flat := domain.DiscountAvailability{Product: &domain.DiscountForProduct{ProductID: "ticket", PriceCents: i64(2500), Quantity: 1}}
	assert.Equal(t, int64(2500), ResolveValue(product, flat))

	category := domain.DiscountAvailability{Category: &domain.DiscountForCategory{CategoryID: "tickets", Percentage: 33.333, Quantity: 1}}
	assert.Equal(t, int64(3333), ResolveValue(product, category))
}

func TestRecalculateMatchesMostExpensiveItemFirst(t *testing.T) {
	s := newStore(t, catalog(domain.Discount{
		ID:              "free-shirt",
		Description:     "Free shirt",
		Condition:       included("ticket"),
		CategoryClauses: []domain.DiscountForCategory{{CategoryID: "shirts", Percentage: 100, Quantity: 1}},
	}))
	cart := domain.Cart{ID: "c1", UserID: "u1", Status: domain.CartActive}
	cartWith(t, s, cart, map[string]int{"ticket": 1, "shirt-basic": 1, "shirt-fancy": 2}, nil)

	inTx(t, s, func(ctx context.Context, tx store.Tx, r *Resolver) {
		items, err := r.Recalculate(ctx, tx, cart)
		require.NoError(t, err)
		assert.Equal(t, []domain.DiscountItem{
			{CartID: "c1", DiscountID: "free-shirt", ProductID: "shirt-fancy", Quantity: 1},
		}, items)

		stored, err := tx.ListDiscountItems(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, items, stored)
	})
}

func TestRecalculatePrefersHigherValueDiscount(t *testing.T) {
	s := newStore(t, catalog(
		domain.Discount{
			ID:             "small",
			Description:    "Small",
			Condition:      included("ticket"),
			ProductClauses: []domain.DiscountForProduct{{ProductID: "shirt-fancy", PriceCents: i64(500), Quantity: 5}},
		},
		domain.Discount{
			ID:              "big",
			Description:     "Big",
			Condition:       included("ticket"),
			CategoryClauses: []domain.DiscountForCategory{{CategoryID: "shirts", Percentage: 50, Quantity: 1}},
		},
	))
	cart := domain.Cart{ID: "c1", UserID: "u1", Status: domain.CartActive}
	cartWith(t, s, cart, map[string]int{"ticket": 1, "shirt-fancy": 3}, nil)

	inTx(t, s, func(ctx context.Context, tx store.Tx, r *Resolver) {
		items, err := r.Recalculate(ctx, tx, cart)
		require.NoError(t, err)
		assert.Equal(t, []domain.DiscountItem{
			{CartID: "c1", DiscountID: "big", ProductID: "shirt-fancy", Quantity: 1},
			{CartID: "c1", DiscountID: "small", ProductID: "shirt-fancy", Quantity: 2},
		}, items)
	})
}

func TestQuantityCapCountsPaidCarts(t *testing.T) {
	s := newStore(t, catalog(domain.Discount{
		ID:              "free-shirt",
		Description:     "Free shirt",
		Condition:       included("ticket"),
		CategoryClauses: []domain.DiscountForCategory{{CategoryID: "shirts", Percentage: 100, Quantity: 1}},
	}))
	cartWith(t, s, domain.Cart{ID: "paid", UserID: "u1", Status: domain.CartPaid, CreatedAt: testNow.Add(-time.Hour)},
		map[string]int{"ticket": 1, "shirt-basic": 1},
		[]domain.DiscountItem{{CartID: "paid", DiscountID: "free-shirt", ProductID: "shirt-basic", Quantity: 1}})
	cart := domain.Cart{ID: "c2", UserID: "u1", Status: domain.CartActive, CreatedAt: testNow}
	cartWith(t, s, cart, map[string]int{"shirt-fancy": 1}, nil)

	inTx(t, s, func(ctx context.Context, tx store.Tx, r *Resolver) {
		available, err := r.Available(ctx, "u1", []string{"shirt-fancy"})
		require.NoError(t, err)
		assert.Empty(t, available)

		items, err := r.Recalculate(ctx, tx, cart)
		require.NoError(t, err)
		assert.Empty(t, items)
	})
}

func TestVoucherDiscountNeedsVoucherInCart(t *testing.T) {
	s := newStore(t, catalog(domain.Discount{
		ID:             "speaker",
		Description:    "Speaker",
		Condition:      domain.Condition{Kind: domain.ConditionVoucher, Voucher: &domain.VoucherCondition{VoucherID: "v1"}},
		ProductClauses: []domain.DiscountForProduct{{ProductID: "ticket", Percentage: f64(100), Quantity: 1}},
	}))
	cart := domain.Cart{ID: "c1", UserID: "u1", Status: domain.CartActive}
	cartWith(t, s, cart, map[string]int{"ticket": 1}, nil)

	inTx(t, s, func(ctx context.Context, tx store.Tx, r *Resolver) {
		available, err := r.Available(ctx, "u1", []string{"ticket"})
		require.NoError(t, err)
		assert.Empty(t, available)

		require.NoError(t, tx.AddCartVoucher(ctx, "c1", "v1"))
		available, err = r.Available(ctx, "u1", []string{"ticket"})
		require.NoError(t, err)
		require.Len(t, available, 1)
		assert.Equal(t, "speaker", available[0].DiscountID)
		assert.Equal(t, 1, available[0].Quantity)
	})
}

func TestStockLimitedDiscountAndCheck(t *testing.T) {
	s := newStore(t, catalog(domain.Discount{
		ID:          "early",
		Description: "Early",
		Condition: domain.Condition{
			Kind:        domain.ConditionTimeOrStock,
			TimeOrStock: &domain.TimeOrStockCondition{Limit: intp(2)},
		},
		ProductClauses: []domain.DiscountForProduct{{ProductID: "ticket", Percentage: f64(20), Quantity: 5}},
	}))
	cartWith(t, s, domain.Cart{ID: "other", UserID: "u2", Status: domain.CartPaid},
		map[string]int{"ticket": 1},
		[]domain.DiscountItem{{CartID: "other", DiscountID: "early", ProductID: "ticket", Quantity: 1}})
	cart := domain.Cart{ID: "c1", UserID: "u1", Status: domain.CartActive}
	cartWith(t, s, cart, map[string]int{"ticket": 1}, nil)

	inTx(t, s, func(ctx context.Context, tx store.Tx, r *Resolver) {
		items, err := r.Recalculate(ctx, tx, cart)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.NoError(t, r.Check(ctx, cart, items))

		over := []domain.DiscountItem{{CartID: "c1", DiscountID: "early", ProductID: "ticket", Quantity: 2}}
		err = r.Check(ctx, cart, over)
		assert.ErrorIs(t, err, domain.ErrValidation)
	})
}

func TestStockIsSharedAcrossClausesOfOneDiscount(t *testing.T) {
	s := newStore(t, catalog(domain.Discount{
		ID:          "launch",
		Description: "Launch special",
		Condition: domain.Condition{
			Kind:        domain.ConditionTimeOrStock,
			TimeOrStock: &domain.TimeOrStockCondition{Limit: intp(1)},
		},
		ProductClauses: []domain.DiscountForProduct{
			{ProductID: "ticket", Percentage: f64(50), Quantity: 1},
			{ProductID: "shirt-fancy", Percentage: f64(50), Quantity: 1},
		},
	}))
	cart := domain.Cart{ID: "c1", UserID: "u1", Status: domain.CartActive}
	cartWith(t, s, cart, map[string]int{"ticket": 1, "shirt-fancy": 1}, nil)

	inTx(t, s, func(ctx context.Context, tx store.Tx, r *Resolver) {
		available, err := r.Available(ctx, "u1", []string{"ticket", "shirt-fancy"})
		require.NoError(t, err)
		assert.Len(t, available, 2)

		items, err := r.Recalculate(ctx, tx, cart)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "ticket", items[0].ProductID)
		assert.NoError(t, r.Check(ctx, cart, items))

		both := []domain.DiscountItem{
			{CartID: "c1", DiscountID: "launch", ProductID: "ticket", Quantity: 1},
			{CartID: "c1", DiscountID: "launch", ProductID: "shirt-fancy", Quantity: 1},
		}
		assert.ErrorIs(t, r.Check(ctx, cart, both), domain.ErrValidation)
	})
}
