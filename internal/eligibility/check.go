package eligibility

import (
	"context"
	"errors"
	"sort"

	"confreg/backend/internal/domain"
)

// CheckQuantities validates a complete cart selection (product id to quantity)
// against quota remainders, category render rules and flags. Every problem is
// reported; the result is nil or a join of *domain.ValidationError.
func (e *Engine) CheckQuantities(ctx context.Context, userID string, quantities map[string]int) error {
	catalog, err := e.Catalog(ctx)
	if err != nil {
		return err
	}
	remainders, err := e.Remainders(ctx, userID)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(quantities))
	for id, qty := range quantities {
		if qty > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return catalog.Less(ids[i], ids[j]) })

	var problems []error
	byCategory := make(map[string][]string)
	products := make([]domain.Product, 0, len(ids))
	for _, id := range ids {
		product, ok := catalog.Products[id]
		if !ok {
			problems = append(problems, domain.NewValidationError(id, "unknown product"))
			continue
		}
		products = append(products, product)
		byCategory[product.CategoryID] = append(byCategory[product.CategoryID], id)

		qty := quantities[id]
		if limit := remainders.Product(id); qty > limit {
			problems = append(problems, domain.NewValidationError(id, "you may only have %d of %s", max(limit, 0), product.Name))
		}
		if catalog.Categories[product.CategoryID].UnitOnly() && qty > 1 {
			problems = append(problems, domain.NewValidationError(id, "you may only have one of %s", product.Name))
		}
	}

	categoryIDs := make([]string, 0, len(byCategory))
	for id := range byCategory {
		categoryIDs = append(categoryIDs, id)
	}
	sort.Slice(categoryIDs, func(i, j int) bool {
		return catalog.Categories[categoryIDs[i]].Order < catalog.Categories[categoryIDs[j]].Order
	})
	for _, categoryID := range categoryIDs {
		category := catalog.Categories[categoryID]
		held := byCategory[categoryID]
		total := 0
		for _, id := range held {
			total += quantities[id]
		}
		if limit := remainders.Category(categoryID); total > limit {
			for _, id := range held {
				problems = append(problems, domain.NewValidationError(id, "you may only have %d items in category %s", max(limit, 0), category.Name))
			}
		}
		if category.SingleChoice() && len(held) > 1 {
			for _, id := range held {
				problems = append(problems, domain.NewValidationError(id, "choose only one product from %s", category.Name))
			}
		}
	}

	failures, err := e.TestFlags(ctx, userID, products, quantities)
	if err != nil {
		return err
	}
	for _, failure := range failures {
		problems = append(problems, failure.Err())
	}
	return errors.Join(problems...)
}
