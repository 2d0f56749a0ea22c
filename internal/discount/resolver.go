// Package discount finds the discounts a user may claim and materialises them
// as discount items on the active cart.
package discount

import (
	"context"
	"errors"
	"math"
	"slices"
	"sort"

	"confreg/backend/internal/domain"
	"confreg/backend/internal/eligibility"
	"confreg/backend/internal/store"
)

type Resolver struct {
	e *eligibility.Engine
}

func New(e *eligibility.Engine) *Resolver {
	return &Resolver{e: e}
}

// ResolveValue is the per-unit amount a clause takes off the product price.
func ResolveValue(product domain.Product, clause domain.DiscountAvailability) int64 {
	switch {
	case clause.Product != nil && clause.Product.Percentage != nil:
		return percentOf(product.PriceCents, *clause.Product.Percentage)
	case clause.Product != nil && clause.Product.PriceCents != nil:
		return *clause.Product.PriceCents
	case clause.Category != nil:
		return percentOf(product.PriceCents, clause.Category.Percentage)
	}
	return 0
}

func percentOf(price int64, pct float64) int64 {
	return int64(math.Round(float64(price) * pct / 100))
}

// Covers reports whether the clause applies to the product.
func Covers(clause domain.DiscountAvailability, product domain.Product) bool {
	if clause.Product != nil {
		return clause.Product.ProductID == product.ID
	}
	return clause.Category != nil && clause.Category.CategoryID == product.CategoryID
}

// Available lists the clauses of every discount whose condition holds for the
// user and that covers one of productIDs, with the quantity the user may still
// claim. Catalog validation keeps a discount's product and category clauses
// disjoint, so each product is covered by at most one clause per discount.
func (r *Resolver) Available(ctx context.Context, userID string, productIDs []string) ([]domain.DiscountAvailability, error) {
	out, _, err := r.available(ctx, userID, productIDs)
	return out, err
}

// stockLeft holds the remaining stock of stock-limited discounts, shared by
// all clauses of the same discount.
type stockLeft map[string]int

func (s stockLeft) cap(discountID string, qty int) int {
	if left, ok := s[discountID]; ok {
		return min(qty, left)
	}
	return qty
}

func (s stockLeft) take(discountID string, qty int) {
	if _, ok := s[discountID]; ok {
		s[discountID] -= qty
	}
}

func (r *Resolver) available(ctx context.Context, userID string, productIDs []string) ([]domain.DiscountAvailability, stockLeft, error) {
	catalog, err := r.e.Catalog(ctx)
	if err != nil {
		return nil, nil, err
	}
	used, err := r.pastUses(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	categories := make(map[string]struct{})
	for _, id := range productIDs {
		if product, ok := catalog.Products[id]; ok {
			categories[product.CategoryID] = struct{}{}
		}
	}

	var out []domain.DiscountAvailability
	stocks := make(stockLeft)
	for _, discount := range catalog.Discounts {
		stock, ok, err := r.conditionMet(ctx, userID, discount)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			continue
		}
		if stock != eligibility.Unlimited {
			stocks[discount.ID] = stock
		}

		for _, clause := range discount.ProductClauses {
			if !slices.Contains(productIDs, clause.ProductID) {
				continue
			}
			remaining := min(clause.Quantity-used[useKey{discount.ID, clause.ProductID}], stock)
			if remaining <= 0 {
				continue
			}
			c := clause
			out = append(out, domain.DiscountAvailability{
				DiscountID:  discount.ID,
				Description: discount.Description,
				Product:     &c,
				Quantity:    remaining,
			})
		}
		for _, clause := range discount.CategoryClauses {
			if _, ok := categories[clause.CategoryID]; !ok {
				continue
			}
			remaining := min(clause.Quantity-used[useKey{discount.ID, "category:" + clause.CategoryID}], stock)
			if remaining <= 0 {
				continue
			}
			c := clause
			out = append(out, domain.DiscountAvailability{
				DiscountID:  discount.ID,
				Description: discount.Description,
				Category:    &c,
				Quantity:    remaining,
			})
		}
	}
	return out, stocks, nil
}

type useKey struct {
	discountID string
	target     string
}

// pastUses counts discount units the user has claimed in paid carts, keyed by
// product and by category.
func (r *Resolver) pastUses(ctx context.Context, userID string) (map[useKey]int, error) {
	catalog, err := r.e.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	held, err := r.e.Reader().ListHeldDiscounts(ctx, userID, domain.CartPaid)
	if err != nil {
		return nil, err
	}
	out := make(map[useKey]int)
	for _, item := range held {
		out[useKey{item.DiscountID, item.ProductID}] += item.Quantity
		out[useKey{item.DiscountID, "category:" + catalog.Products[item.ProductID].CategoryID}] += item.Quantity
	}
	return out, nil
}

// conditionMet evaluates the discount's condition and returns how many units
// its stock still allows (eligibility.Unlimited when unbounded).
func (r *Resolver) conditionMet(ctx context.Context, userID string, discount domain.Discount) (int, bool, error) {
	ok, err := r.e.Holds(ctx, userID, discount.Condition)
	if err != nil || !ok {
		return 0, false, err
	}
	cond := discount.Condition.TimeOrStock
	if discount.Condition.Kind != domain.ConditionTimeOrStock || cond.Limit == nil {
		return eligibility.Unlimited, true, nil
	}

	excludeCart, err := r.activeCartID(ctx, userID)
	if err != nil {
		return 0, false, err
	}
	usage, err := r.e.Reader().CountDiscountUsage(ctx, discount.ID, excludeCart, r.e.Now())
	if err != nil {
		return 0, false, err
	}
	stock := *cond.Limit - usage
	return stock, stock > 0, nil
}

func (r *Resolver) activeCartID(ctx context.Context, userID string) (string, error) {
	cart, err := r.e.Reader().GetActiveCart(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return cart.ID, nil
}

// Writer is the slice of a transaction Recalculate needs.
type Writer interface {
	ListProductItems(ctx context.Context, cartID string) ([]domain.ProductItem, error)
	ReplaceDiscountItems(ctx context.Context, cartID string, items []domain.DiscountItem) error
}

// Recalculate replaces the cart's discount items: the most expensive products
// are matched first, each against the best-value clause still available.
func (r *Resolver) Recalculate(ctx context.Context, w Writer, cart domain.Cart) ([]domain.DiscountItem, error) {
	catalog, err := r.e.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	items, err := w.ListProductItems(ctx, cart.ID)
	if err != nil {
		return nil, err
	}
	productIDs := make([]string, 0, len(items))
	for _, item := range items {
		productIDs = append(productIDs, item.ProductID)
	}
	available, stocks, err := r.available(ctx, cart.UserID, productIDs)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(items, func(i, j int) bool {
		pi, pj := catalog.Products[items[i].ProductID], catalog.Products[items[j].ProductID]
		if pi.PriceCents != pj.PriceCents {
			return pi.PriceCents > pj.PriceCents
		}
		return catalog.Less(pi.ID, pj.ID)
	})

	var out []domain.DiscountItem
	for _, item := range items {
		product := catalog.Products[item.ProductID]
		candidates := make([]int, 0, len(available))
		for i, clause := range available {
			if clause.Quantity > 0 && Covers(clause, product) {
				candidates = append(candidates, i)
			}
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			return ResolveValue(product, available[candidates[i]]) > ResolveValue(product, available[candidates[j]])
		})

		remaining := item.Quantity
		for _, idx := range candidates {
			if remaining == 0 {
				break
			}
			clause := &available[idx]
			qty := stocks.cap(clause.DiscountID, min(remaining, clause.Quantity))
			if qty <= 0 {
				continue
			}
			out = append(out, domain.DiscountItem{
				CartID:     cart.ID,
				DiscountID: clause.DiscountID,
				ProductID:  product.ID,
				Quantity:   qty,
			})
			clause.Quantity -= qty
			stocks.take(clause.DiscountID, qty)
			remaining -= qty
		}
	}

	if err := w.ReplaceDiscountItems(ctx, cart.ID, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Check verifies that every discount item of the cart is still claimable.
func (r *Resolver) Check(ctx context.Context, cart domain.Cart, items []domain.DiscountItem) error {
	if len(items) == 0 {
		return nil
	}
	catalog, err := r.e.Catalog(ctx)
	if err != nil {
		return err
	}
	productIDs := make([]string, 0, len(items))
	for _, item := range items {
		productIDs = append(productIDs, item.ProductID)
	}
	available, stocks, err := r.available(ctx, cart.UserID, productIDs)
	if err != nil {
		return err
	}

	var problems []error
	for _, item := range items {
		product := catalog.Products[item.ProductID]
		claimable := 0
		for i := range available {
			clause := &available[i]
			if clause.DiscountID == item.DiscountID && Covers(*clause, product) {
				claimable = stocks.cap(clause.DiscountID, clause.Quantity)
				taken := min(item.Quantity, claimable)
				clause.Quantity -= taken
				stocks.take(clause.DiscountID, taken)
				break
			}
		}
		if item.Quantity > claimable {
			problems = append(problems, domain.NewValidationError(item.ProductID, "discounts are no longer available"))
		}
	}
	return errors.Join(problems...)
}
