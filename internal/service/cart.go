package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"confreg/backend/internal/batch"
	"confreg/backend/internal/domain"
	"confreg/backend/internal/store"
	"confreg/backend/internal/xid"
)

// Cart returns the user's active cart, creating it on first access.
func (s *Service) Cart(ctx context.Context, userID string) (domain.CartView, error) {
	var view domain.CartView
	_, err := s.run(ctx, func(o *op) error {
		cart, err := o.cartFor(userID)
		if err != nil {
			return err
		}
		view, err = o.cartView(*cart)
		return err
	})
	return view, err
}

// SetQuantities writes the given product quantities into the active cart. With
// enforceLimits the resulting cart must pass quota and flag checks; any
// failure leaves the cart untouched and reports every offending product.
func (s *Service) SetQuantities(ctx context.Context, userID string, changes []domain.QuantityChange, enforceLimits bool) (domain.CartView, error) {
	if !enforceLimits {
		if err := requireStaff(ctx); err != nil {
			return domain.CartView{}, err
		}
	}
	var view domain.CartView
	events, err := s.run(ctx, func(o *op) error {
		cart, err := o.cartFor(userID)
		if err != nil {
			return err
		}
		if err := o.setQuantities(cart, changes, enforceLimits); err != nil {
			return err
		}
		view, err = o.cartView(*cart)
		return err
	})
	view.Events = events
	return view, err
}

func (s *Service) ApplyVoucher(ctx context.Context, userID string, code string) (domain.CartView, error) {
	var view domain.CartView
	events, err := s.run(ctx, func(o *op) error {
		cart, err := o.cartFor(userID)
		if err != nil {
			return err
		}
		if err := o.applyVoucher(cart, code); err != nil {
			return err
		}
		view, err = o.cartView(*cart)
		return err
	})
	view.Events = events
	return view, err
}

// ValidateCart re-checks the whole active cart and returns the joined
// validation errors, if any.
func (s *Service) ValidateCart(ctx context.Context, userID string) error {
	_, err := s.run(ctx, func(o *op) error {
		cart, err := o.cartFor(userID)
		if err != nil {
			return err
		}
		return o.validateCart(*cart)
	})
	return err
}

func (s *Service) FixSimpleErrors(ctx context.Context, userID string) (domain.CartView, error) {
	var view domain.CartView
	events, err := s.run(ctx, func(o *op) error {
		cart, err := o.cartFor(userID)
		if err != nil {
			return err
		}
		if err := o.fixSimpleErrors(cart); err != nil {
			return err
		}
		view, err = o.cartView(*cart)
		return err
	})
	view.Events = events
	return view, err
}

func (o *op) cartFor(userID string) (*domain.Cart, error) {
	if userID == "" {
		return nil, domain.NewValidationError("", "user id is required")
	}
	if _, err := o.attendee(userID); err != nil {
		return nil, err
	}
	cart, err := o.tx.GetActiveCart(o.ctx, userID)
	if err == nil {
		return cart, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	created := domain.Cart{
		ID:              xid.New("cart"),
		UserID:          userID,
		Status:          domain.CartActive,
		Revision:        1,
		TimeLastUpdated: o.now,
		CreatedAt:       o.now,
	}
	if err := o.tx.CreateCart(o.ctx, created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (o *op) cartView(cart domain.Cart) (domain.CartView, error) {
	items, err := o.tx.ListProductItems(o.ctx, cart.ID)
	if err != nil {
		return domain.CartView{}, err
	}
	discounts, err := o.tx.ListDiscountItems(o.ctx, cart.ID)
	if err != nil {
		return domain.CartView{}, err
	}
	if items == nil {
		items = []domain.ProductItem{}
	}
	if discounts == nil {
		discounts = []domain.DiscountItem{}
	}
	return domain.CartView{Cart: cart, Items: items, Discounts: discounts}, nil
}

// touch records a mutation: the revision moves forward, the reservation
// restarts from now and is re-derived from the cart's contents.
func (o *op) touch(cart *domain.Cart) error {
	items, err := o.tx.ListProductItems(o.ctx, cart.ID)
	if err != nil {
		return err
	}
	catalog, err := o.elig.Catalog(o.ctx)
	if err != nil {
		return err
	}

	var reservation time.Duration
	if len(cart.VoucherIDs) > 0 {
		reservation = domain.VoucherReservation
	}
	for _, item := range items {
		if product, ok := catalog.Products[item.ProductID]; ok {
			reservation = max(reservation, product.Reservation())
		}
	}

	expected := cart.Revision
	cart.Revision++
	cart.TimeLastUpdated = o.now
	cart.ReservationDuration = reservation
	if err := o.tx.UpdateCart(o.ctx, *cart, expected); err != nil {
		return err
	}
	o.emit(domain.Event{Kind: domain.EventCartUpdated, UserID: cart.UserID, CartID: cart.ID})
	return nil
}

func (o *op) setQuantities(cart *domain.Cart, changes []domain.QuantityChange, enforceLimits bool) error {
	catalog, err := o.elig.Catalog(o.ctx)
	if err != nil {
		return err
	}

	var problems []error
	for _, change := range changes {
		product, ok := catalog.Products[change.ProductID]
		switch {
		case !ok:
			problems = append(problems, domain.NewValidationError(change.ProductID, "unknown product"))
		case change.Quantity < 0:
			problems = append(problems, domain.NewValidationError(change.ProductID, "value must be zero or greater"))
		case change.PriceOverrideCents != nil && !product.PayWhatYouWant:
			problems = append(problems, domain.NewValidationError(change.ProductID, "%s does not accept a custom price", product.Name))
		case change.PriceOverrideCents != nil && *change.PriceOverrideCents < 0:
			problems = append(problems, domain.NewValidationError(change.ProductID, "price must be zero or greater"))
		}
	}
	if err := errors.Join(problems...); err != nil {
		return err
	}

	for _, change := range changes {
		err := o.tx.SetProductItem(o.ctx, domain.ProductItem{
			CartID:             cart.ID,
			ProductID:          change.ProductID,
			Quantity:           change.Quantity,
			PriceOverrideCents: change.PriceOverrideCents,
			AdditionalData:     change.AdditionalData,
		})
		if err != nil {
			return err
		}
	}

	if enforceLimits {
		quantities, err := o.cartQuantities(cart.ID)
		if err != nil {
			return err
		}
		if err := o.elig.CheckQuantities(o.ctx, cart.UserID, quantities); err != nil {
			return err
		}
	}

	if err := o.touch(cart); err != nil {
		return err
	}
	if _, err := o.disc.Recalculate(o.ctx, o.tx, *cart); err != nil {
		return err
	}
	o.audit("set_quantities", "cart", cart.ID, fmt.Sprintf("changes=%d,revision=%d", len(changes), cart.Revision))
	return nil
}

func (o *op) cartQuantities(cartID string) (map[string]int, error) {
	items, err := o.tx.ListProductItems(o.ctx, cartID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(items))
	for _, item := range items {
		out[item.ProductID] += item.Quantity
	}
	return out, nil
}

func (o *op) applyVoucher(cart *domain.Cart, code string) error {
	code = domain.NormalizeVoucherCode(code)
	if code == "" {
		return domain.NewValidationError("", "a voucher code is required")
	}
	voucher, err := o.tx.GetVoucherByCode(o.ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return &domain.ValidationError{Field: "voucher", Message: "no voucher with that code exists"}
	}
	if err != nil {
		return err
	}
	if cart.HasVoucher(voucher.ID) {
		return nil
	}
	if err := o.testVoucher(*cart, *voucher); err != nil {
		return err
	}

	if err := o.tx.AddCartVoucher(o.ctx, cart.ID, voucher.ID); err != nil {
		return err
	}
	cart.VoucherIDs = append(slices.Clone(cart.VoucherIDs), voucher.ID)
	if err := o.touch(cart); err != nil {
		return err
	}
	if _, err := o.disc.Recalculate(o.ctx, o.tx, *cart); err != nil {
		return err
	}
	o.audit("apply_voucher", "cart", cart.ID, voucher.Code)
	return nil
}

// testVoucher fails once the voucher is held by as many other paid or reserved
// carts as its limit allows.
func (o *op) testVoucher(cart domain.Cart, voucher domain.Voucher) error {
	used, err := o.tx.CountVoucherUsage(o.ctx, voucher.ID, cart.ID, o.now)
	if err != nil {
		return err
	}
	if used >= voucher.Limit {
		return &domain.ValidationError{Field: "voucher", Message: fmt.Sprintf("voucher %s is no longer available", voucher.Code)}
	}
	return nil
}

// validateCart re-derives from scratch that the cart's products, vouchers,
// required categories and discounts are all still valid.
func (o *op) validateCart(cart domain.Cart) error {
	var problems []error

	for _, voucherID := range cart.VoucherIDs {
		voucher, err := o.tx.GetVoucher(o.ctx, voucherID)
		if errors.Is(err, store.ErrNotFound) {
			problems = append(problems, &domain.ValidationError{Field: "voucher", Message: "voucher no longer exists"})
			continue
		}
		if err != nil {
			return err
		}
		if err := o.testVoucher(cart, *voucher); err != nil {
			problems = append(problems, err)
		}
	}

	quantities, err := o.cartQuantities(cart.ID)
	if err != nil {
		return err
	}
	if err := o.elig.CheckQuantities(o.ctx, cart.UserID, quantities); err != nil {
		if len(domain.ValidationProblems(err)) == 0 {
			return err
		}
		problems = append(problems, err)
	}

	if err := o.checkRequiredCategories(cart.UserID, quantities); err != nil {
		problems = append(problems, err)
	}

	discountItems, err := o.tx.ListDiscountItems(o.ctx, cart.ID)
	if err != nil {
		return err
	}
	if err := o.disc.Check(o.ctx, cart, discountItems); err != nil {
		if len(domain.ValidationProblems(err)) == 0 {
			return err
		}
		problems = append(problems, err)
	}
	return errors.Join(problems...)
}

func (o *op) checkRequiredCategories(userID string, quantities map[string]int) error {
	catalog, err := o.elig.Catalog(o.ctx)
	if err != nil {
		return err
	}
	paid, err := o.tx.ListHeldItems(o.ctx, userID, domain.CartPaid)
	if err != nil {
		return err
	}
	held := make(map[string]bool)
	for _, item := range paid {
		if item.Quantity > 0 {
			held[catalog.Products[item.ProductID].CategoryID] = true
		}
	}
	for id, qty := range quantities {
		if qty > 0 {
			held[catalog.Products[id].CategoryID] = true
		}
	}

	var problems []error
	for _, product := range catalog.Ordered {
		category := catalog.Categories[product.CategoryID]
		if !category.Required || held[category.ID] {
			continue
		}
		held[category.ID] = true
		problems = append(problems, &domain.ValidationError{
			Field:   "category:" + category.ID,
			Message: fmt.Sprintf("you must have at least one item from category %s", category.Name),
		})
	}
	return errors.Join(problems...)
}

// fixSimpleErrors drops vouchers that no longer validate and zeroes products
// the user can no longer have, then recomputes discounts. The revision only
// moves when something changed.
func (o *op) fixSimpleErrors(cart *domain.Cart) error {
	changed := false
	for _, voucherID := range slices.Clone(cart.VoucherIDs) {
		voucher, err := o.tx.GetVoucher(o.ctx, voucherID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err == nil {
			if err := o.testVoucher(*cart, *voucher); err == nil {
				continue
			} else if len(domain.ValidationProblems(err)) == 0 {
				return err
			}
		}
		if err := o.tx.RemoveCartVoucher(o.ctx, cart.ID, voucherID); err != nil {
			return err
		}
		cart.VoucherIDs = slices.DeleteFunc(slices.Clone(cart.VoucherIDs), func(id string) bool { return id == voucherID })
		changed = true
	}

	items, err := o.tx.ListProductItems(o.ctx, cart.ID)
	if err != nil {
		return err
	}
	productIDs := make([]string, 0, len(items))
	for _, item := range items {
		productIDs = append(productIDs, item.ProductID)
	}
	if len(productIDs) > 0 {
		available, err := o.elig.Available(o.ctx, cart.UserID, domain.Selection{ProductIDs: productIDs})
		if err != nil {
			return err
		}
		for _, item := range items {
			if slices.ContainsFunc(available, func(p domain.Product) bool { return p.ID == item.ProductID }) {
				continue
			}
			item.Quantity = 0
			if err := o.tx.SetProductItem(o.ctx, item); err != nil {
				return err
			}
			changed = true
		}
	}

	before, err := o.tx.ListDiscountItems(o.ctx, cart.ID)
	if err != nil {
		return err
	}
	after, err := o.disc.Recalculate(o.ctx, o.tx, *cart)
	if err != nil {
		return err
	}
	if !sameDiscountItems(before, after) {
		changed = true
	}

	if !changed {
		return nil
	}
	if err := o.touch(cart); err != nil {
		return err
	}
	o.audit("fix_cart", "cart", cart.ID, fmt.Sprintf("revision=%d", cart.Revision))
	return nil
}

func sameDiscountItems(a, b []domain.DiscountItem) bool {
	if len(a) != len(b) {
		return false
	}
	counted := make(map[domain.DiscountItem]int, len(a))
	for _, item := range a {
		counted[item]++
	}
	for _, item := range b {
		counted[item]--
		if counted[item] < 0 {
			return false
		}
	}
	return true
}

// markCart moves the cart to a new status without touching its revision.
func (o *op) markCart(cartID string, status domain.CartStatus) error {
	cart, err := o.tx.GetCart(o.ctx, cartID)
	if err != nil {
		return err
	}
	if cart.Status == status {
		return nil
	}
	cart.Status = status
	if err := o.tx.UpdateCart(o.ctx, *cart, cart.Revision); err != nil {
		return err
	}
	o.scope.Invalidate(batch.UserKey(cart.UserID, ""))
	return nil
}
