// Package eligibility decides which products a user may currently buy: per-user
// quota remainders, flag conditions, time/stock limits and slot conflicts.
package eligibility

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"confreg/backend/internal/batch"
	"confreg/backend/internal/domain"
	"confreg/backend/internal/store"
)

// Unlimited is the remainder reported for products and categories without a
// per-user limit.
const Unlimited = 99999999

type Reader interface {
	store.CatalogReader
	store.CommerceReader
}

// Engine evaluates eligibility against one transaction snapshot at a fixed
// instant. Per-user results derived from paid carts are memoised in scope.
type Engine struct {
	r     Reader
	scope *batch.Scope
	now   time.Time
}

func New(r Reader, scope *batch.Scope, now time.Time) *Engine {
	return &Engine{r: r, scope: scope, now: now}
}

func (e *Engine) Now() time.Time { return e.now }

func (e *Engine) Reader() Reader { return e.r }

func (e *Engine) Scope() *batch.Scope { return e.scope }

// Catalog is an indexed view of the configured inventory.
type Catalog struct {
	Categories map[string]domain.Category
	Products   map[string]domain.Product
	Ordered    []domain.Product
	Flags      []domain.Flag
	Discounts  []domain.Discount
}

func (c *Catalog) Category(productID string) domain.Category {
	return c.Categories[c.Products[productID].CategoryID]
}

// Less orders products by category order, then product order.
func (c *Catalog) Less(a, b string) bool {
	pa, pb := c.Products[a], c.Products[b]
	ca, cb := c.Categories[pa.CategoryID], c.Categories[pb.CategoryID]
	if ca.Order != cb.Order {
		return ca.Order < cb.Order
	}
	if pa.Order != pb.Order {
		return pa.Order < pb.Order
	}
	return pa.ID < pb.ID
}

func (e *Engine) Catalog(ctx context.Context) (*Catalog, error) {
	return batch.Memo(e.scope, "catalog", func() (*Catalog, error) {
		categories, err := e.r.ListCategories(ctx)
		if err != nil {
			return nil, err
		}
		products, err := e.r.ListProducts(ctx)
		if err != nil {
			return nil, err
		}
		flags, err := e.r.ListFlags(ctx)
		if err != nil {
			return nil, err
		}
		discounts, err := e.r.ListDiscounts(ctx)
		if err != nil {
			return nil, err
		}
		c := &Catalog{
			Categories: make(map[string]domain.Category, len(categories)),
			Products:   make(map[string]domain.Product, len(products)),
			Flags:      flags,
			Discounts:  discounts,
		}
		for _, category := range categories {
			c.Categories[category.ID] = category
		}
		for _, product := range products {
			c.Products[product.ID] = product
			c.Ordered = append(c.Ordered, product)
		}
		sort.SliceStable(c.Ordered, func(i, j int) bool { return c.Less(c.Ordered[i].ID, c.Ordered[j].ID) })
		return c, nil
	})
}

// Candidates resolves a selection to catalog products, ordered for display.
func (e *Engine) Candidates(ctx context.Context, sel domain.Selection) ([]domain.Product, error) {
	if sel.CategoryID == "" && len(sel.ProductIDs) == 0 {
		return nil, domain.NewValidationError("", "a category or a list of products is required")
	}
	catalog, err := e.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	if sel.CategoryID != "" {
		if _, ok := catalog.Categories[sel.CategoryID]; !ok {
			return nil, fmt.Errorf("category %s: %w", sel.CategoryID, store.ErrNotFound)
		}
	}

	seen := make(map[string]struct{})
	out := make([]domain.Product, 0, len(sel.ProductIDs))
	for _, product := range catalog.Ordered {
		if sel.CategoryID != "" && product.CategoryID == sel.CategoryID {
			seen[product.ID] = struct{}{}
			out = append(out, product)
		}
	}
	for _, id := range sel.ProductIDs {
		product, ok := catalog.Products[id]
		if !ok {
			return nil, fmt.Errorf("product %s: %w", id, store.ErrNotFound)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, product)
	}
	sort.SliceStable(out, func(i, j int) bool { return catalog.Less(out[i].ID, out[j].ID) })
	return out, nil
}

type Remainders struct {
	Products   map[string]int
	Categories map[string]int
}

func (r Remainders) Product(id string) int {
	if v, ok := r.Products[id]; ok {
		return v
	}
	return Unlimited
}

func (r Remainders) Category(id string) int {
	if v, ok := r.Categories[id]; ok {
		return v
	}
	return Unlimited
}

// Remainders computes how many more units of each product and category the user
// may buy, based on paid carts only.
func (e *Engine) Remainders(ctx context.Context, userID string) (Remainders, error) {
	return batch.Memo(e.scope, batch.UserKey(userID, "remainders"), func() (Remainders, error) {
		catalog, err := e.Catalog(ctx)
		if err != nil {
			return Remainders{}, err
		}
		paid, err := e.paidItems(ctx, userID)
		if err != nil {
			return Remainders{}, err
		}

		byProduct := make(map[string]int)
		byCategory := make(map[string]int)
		for _, item := range paid {
			byProduct[item.ProductID] += item.Quantity
			byCategory[catalog.Products[item.ProductID].CategoryID] += item.Quantity
		}

		out := Remainders{
			Products:   make(map[string]int, len(catalog.Products)),
			Categories: make(map[string]int, len(catalog.Categories)),
		}
		for id, product := range catalog.Products {
			out.Products[id] = remainder(product.LimitPerUser, byProduct[id])
		}
		for id, category := range catalog.Categories {
			out.Categories[id] = remainder(category.LimitPerUser, byCategory[id])
		}
		return out, nil
	})
}

func remainder(limit *int, used int) int {
	if limit == nil {
		return Unlimited
	}
	return *limit - used
}

func (e *Engine) passesQuota(ctx context.Context, userID string, products []domain.Product) ([]domain.Product, error) {
	remainders, err := e.Remainders(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Product, 0, len(products))
	for _, product := range products {
		if remainders.Category(product.CategoryID) > 0 && remainders.Product(product.ID) > 0 {
			out = append(out, product)
		}
	}
	return out, nil
}

// Available returns the candidates that pass quota and every flag.
func (e *Engine) Available(ctx context.Context, userID string, sel domain.Selection) ([]domain.Product, error) {
	candidates, err := e.Candidates(ctx, sel)
	if err != nil {
		return nil, err
	}
	passed, err := e.passesQuota(ctx, userID, candidates)
	if err != nil {
		return nil, err
	}
	failures, err := e.TestFlags(ctx, userID, passed, nil)
	if err != nil {
		return nil, err
	}
	failed := failedIDs(failures)
	return slices.DeleteFunc(passed, func(p domain.Product) bool {
		_, ok := failed[p.ID]
		return ok
	}), nil
}

// SoldOut returns the candidates that pass quota but fail their flags while
// being governed by a stock-limited flag.
func (e *Engine) SoldOut(ctx context.Context, userID string, sel domain.Selection) ([]domain.Product, error) {
	candidates, err := e.Candidates(ctx, sel)
	if err != nil {
		return nil, err
	}
	passed, err := e.passesQuota(ctx, userID, candidates)
	if err != nil {
		return nil, err
	}
	failures, err := e.TestFlags(ctx, userID, passed, nil)
	if err != nil {
		return nil, err
	}
	catalog, err := e.Catalog(ctx)
	if err != nil {
		return nil, err
	}

	failed := failedIDs(failures)
	out := make([]domain.Product, 0, len(failed))
	for _, product := range passed {
		if _, ok := failed[product.ID]; ok && stockLimited(catalog.Flags, product) {
			out = append(out, product)
		}
	}
	return out, nil
}

func stockLimited(flags []domain.Flag, product domain.Product) bool {
	for _, flag := range flags {
		cond := flag.Condition.TimeOrStock
		if flag.Condition.Kind == domain.ConditionTimeOrStock && cond != nil && cond.Limit != nil && flag.Affects(product) {
			return true
		}
	}
	return false
}

func failedIDs(failures []Failure) map[string]struct{} {
	out := make(map[string]struct{}, len(failures))
	for _, f := range failures {
		out[f.ProductID] = struct{}{}
	}
	return out
}

// Disabled reports candidates whose time slot overlaps a slotted product the
// user has already bought (Purchased) or holds in the active cart (Pending).
func (e *Engine) Disabled(ctx context.Context, userID string, sel domain.Selection) (domain.DisabledProducts, error) {
	out := domain.DisabledProducts{Purchased: []domain.Product{}, Pending: []domain.Product{}}
	candidates, err := e.Candidates(ctx, sel)
	if err != nil {
		return out, err
	}
	catalog, err := e.Catalog(ctx)
	if err != nil {
		return out, err
	}
	paid, err := e.paidItems(ctx, userID)
	if err != nil {
		return out, err
	}
	_, pending, err := e.activeCart(ctx, userID)
	if err != nil {
		return out, err
	}

	slotsOf := func(productIDs []string) []domain.TimeSlot {
		var slots []domain.TimeSlot
		for _, id := range productIDs {
			if slot := catalog.Products[id].Slot; slot != nil {
				slots = append(slots, *slot)
			}
		}
		return slots
	}
	purchasedSlots := slotsOf(heldProductIDs(paid))
	pendingSlots := slotsOf(itemProductIDs(pending))

	for _, product := range candidates {
		if product.Slot == nil {
			continue
		}
		if overlapsAny(*product.Slot, purchasedSlots) {
			out.Purchased = append(out.Purchased, product)
		}
		if overlapsAny(*product.Slot, pendingSlots) {
			out.Pending = append(out.Pending, product)
		}
	}
	return out, nil
}

func overlapsAny(slot domain.TimeSlot, others []domain.TimeSlot) bool {
	for _, other := range others {
		if slot.Overlaps(other) {
			return true
		}
	}
	return false
}

func heldProductIDs(items []domain.HeldItem) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item.Quantity > 0 {
			out = append(out, item.ProductID)
		}
	}
	return out
}

func itemProductIDs(items []domain.ProductItem) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item.Quantity > 0 {
			out = append(out, item.ProductID)
		}
	}
	return out
}

func (e *Engine) paidItems(ctx context.Context, userID string) ([]domain.HeldItem, error) {
	return batch.Memo(e.scope, batch.UserKey(userID, "paid-items"), func() ([]domain.HeldItem, error) {
		return e.r.ListHeldItems(ctx, userID, domain.CartPaid)
	})
}

func (e *Engine) attendee(ctx context.Context, userID string) (*domain.Attendee, error) {
	return batch.Memo(e.scope, batch.UserKey(userID, "attendee"), func() (*domain.Attendee, error) {
		attendee, err := e.r.GetAttendee(ctx, userID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return attendee, err
	})
}

// activeCart is read fresh on every call: it changes within an operation.
func (e *Engine) activeCart(ctx context.Context, userID string) (*domain.Cart, []domain.ProductItem, error) {
	cart, err := e.r.GetActiveCart(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	items, err := e.r.ListProductItems(ctx, cart.ID)
	if err != nil {
		return nil, nil, err
	}
	return cart, items, nil
}
