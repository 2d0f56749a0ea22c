package eligibility

import (
	"context"
	"fmt"
	"slices"

	"confreg/backend/internal/domain"
)

// Failure attributes a failed flag check to one product.
type Failure struct {
	ProductID string
	Message   string
}

func (f Failure) Err() *domain.ValidationError {
	return domain.NewValidationError(f.ProductID, "%s", f.Message)
}

// holdings is what conditions are evaluated against.
type holdings struct {
	attendee *domain.Attendee
	cart     *domain.Cart
	paid     []domain.HeldItem
	pending  []domain.ProductItem
}

func (h holdings) holdsProduct(productIDs []string) bool {
	for _, item := range h.paid {
		if item.Quantity > 0 && slices.Contains(productIDs, item.ProductID) {
			return true
		}
	}
	for _, item := range h.pending {
		if item.Quantity > 0 && slices.Contains(productIDs, item.ProductID) {
			return true
		}
	}
	return false
}

func (e *Engine) holdings(ctx context.Context, userID string) (holdings, error) {
	var h holdings
	var err error
	if h.attendee, err = e.attendee(ctx, userID); err != nil {
		return h, err
	}
	if h.paid, err = e.paidItems(ctx, userID); err != nil {
		return h, err
	}
	if h.cart, h.pending, err = e.activeCart(ctx, userID); err != nil {
		return h, err
	}
	return h, nil
}

// Holds evaluates a condition that does not depend on stock. A time_or_stock
// condition only has its time window checked here; stock is counted by the
// owner of the condition (flag products or discount items).
func (e *Engine) Holds(ctx context.Context, userID string, cond domain.Condition) (bool, error) {
	h, err := e.holdings(ctx, userID)
	if err != nil {
		return false, err
	}
	catalog, err := e.Catalog(ctx)
	if err != nil {
		return false, err
	}
	return e.holds(h, catalog, cond), nil
}

func (e *Engine) holds(h holdings, catalog *Catalog, cond domain.Condition) bool {
	switch cond.Kind {
	case domain.ConditionTimeOrStock:
		return cond.TimeOrStock != nil && cond.TimeOrStock.InWindow(e.now)
	case domain.ConditionVoucher:
		return cond.Voucher != nil && h.cart != nil && h.cart.HasVoucher(cond.Voucher.VoucherID)
	case domain.ConditionIncludedProduct:
		return cond.IncludedProduct != nil && h.holdsProduct(cond.IncludedProduct.EnablingProductIDs)
	case domain.ConditionCategory:
		if cond.Category == nil {
			return false
		}
		var inCategory []string
		for _, product := range catalog.Ordered {
			if product.CategoryID == cond.Category.EnablingCategoryID {
				inCategory = append(inCategory, product.ID)
			}
		}
		return h.holdsProduct(inCategory)
	case domain.ConditionSpeaker:
		return cond.Speaker != nil && h.attendee != nil && speakerMatches(*cond.Speaker, h.attendee.SpeakerRoles)
	case domain.ConditionGroupMember:
		if cond.GroupMember == nil || h.attendee == nil {
			return false
		}
		for _, group := range cond.GroupMember.Groups {
			if slices.Contains(h.attendee.Groups, group) {
				return true
			}
		}
	}
	return false
}

func speakerMatches(cond domain.SpeakerCondition, roles []domain.SpeakerRole) bool {
	for _, role := range roles {
		if len(cond.ProposalKinds) > 0 && !slices.Contains(cond.ProposalKinds, role.ProposalKind) {
			continue
		}
		if (cond.IsPresenter && !role.Copresenter) || (cond.IsCopresenter && role.Copresenter) {
			return true
		}
	}
	return false
}

// TestFlags checks every flag affecting the given products. quantities holds
// the user's requested quantities; nil means an availability check where only
// remaining stock matters.
func (e *Engine) TestFlags(ctx context.Context, userID string, products []domain.Product, quantities map[string]int) ([]Failure, error) {
	if len(products) == 0 {
		return nil, nil
	}
	catalog, err := e.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	h, err := e.holdings(ctx, userID)
	if err != nil {
		return nil, err
	}

	met := make(map[string]bool, len(catalog.Flags))
	evaluate := func(flag domain.Flag) (bool, error) {
		if v, ok := met[flag.ID]; ok {
			return v, nil
		}
		ok := e.holds(h, catalog, flag.Condition)
		if ok && flag.Condition.Kind == domain.ConditionTimeOrStock {
			var err error
			if ok, err = e.stockAvailable(ctx, h, catalog, flag, quantities); err != nil {
				return false, err
			}
		}
		met[flag.ID] = ok
		return ok, nil
	}

	var failures []Failure
	for _, product := range products {
		var enabling, enabled bool
		var message string
		for _, flag := range catalog.Flags {
			if !flag.Affects(product) {
				continue
			}
			ok, err := evaluate(flag)
			if err != nil {
				return nil, err
			}
			switch flag.Mode {
			case domain.DisableIfFalse:
				if !ok && message == "" {
					message = flagMessage(product, flag)
				}
			case domain.EnableIfTrue:
				enabling = true
				enabled = enabled || ok
			}
		}
		if message == "" && enabling && !enabled {
			message = fmt.Sprintf("%s is not available to you", product.Name)
		}
		if message != "" {
			failures = append(failures, Failure{ProductID: product.ID, Message: message})
		}
	}
	return failures, nil
}

func flagMessage(product domain.Product, flag domain.Flag) string {
	if flag.Condition.Kind == domain.ConditionTimeOrStock {
		return fmt.Sprintf("%s is no longer available", product.Name)
	}
	return fmt.Sprintf("%s is not available to you", product.Name)
}

// stockAvailable reports whether a time/stock flag still has units left for the
// user: usage by every other paid or reserved cart leaves a positive remainder
// that covers the user's own pending quantity of the affected products.
func (e *Engine) stockAvailable(ctx context.Context, h holdings, catalog *Catalog, flag domain.Flag, quantities map[string]int) (bool, error) {
	limit := flag.Condition.TimeOrStock.Limit
	if limit == nil {
		return true, nil
	}
	var affected []string
	for _, product := range catalog.Ordered {
		if flag.Affects(product) {
			affected = append(affected, product.ID)
		}
	}

	excludeCart := ""
	if h.cart != nil {
		excludeCart = h.cart.ID
	}
	used, err := e.r.CountProductUsage(ctx, affected, excludeCart, e.now)
	if err != nil {
		return false, err
	}
	remaining := *limit - used
	if remaining <= 0 {
		return false, nil
	}

	pending := 0
	for _, id := range affected {
		pending += quantities[id]
	}
	return pending <= remaining, nil
}
