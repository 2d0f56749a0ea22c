package service

import (
	"context"
	"fmt"

	"confreg/backend/internal/domain"
)

// Catalog lists the browsable inventory. Vouchers are never listed.
func (s *Service) Catalog(ctx context.Context) (domain.PublicCatalog, error) {
	var out domain.PublicCatalog
	_, err := s.run(ctx, func(o *op) error {
		var err error
		if out.Categories, err = o.tx.ListCategories(o.ctx); err != nil {
			return err
		}
		out.Products, err = o.tx.ListProducts(o.ctx)
		return err
	})
	return out, err
}

func (s *Service) ImportCatalog(ctx context.Context, catalog domain.Catalog) error {
	if err := requireStaff(ctx); err != nil {
		return err
	}
	if err := catalog.Validate(); err != nil {
		return &domain.ValidationError{Field: "catalog", Message: err.Error()}
	}
	if err := s.repo.ImportCatalog(ctx, catalog); err != nil {
		return err
	}
	detail := fmt.Sprintf("categories=%d,products=%d,discounts=%d,flags=%d",
		len(catalog.Categories), len(catalog.Products), len(catalog.Discounts), len(catalog.Flags))
	s.writeAudits(ctx, []domain.AuditLog{newAuditLog(ctx, s.now(), "import_catalog", "catalog", "catalog", detail)})
	return nil
}

func (s *Service) Available(ctx context.Context, userID string, sel domain.Selection) ([]domain.Product, error) {
	var out []domain.Product
	_, err := s.run(ctx, func(o *op) error {
		var err error
		out, err = o.elig.Available(o.ctx, userID, sel)
		return err
	})
	return out, err
}

func (s *Service) SoldOut(ctx context.Context, userID string, sel domain.Selection) ([]domain.Product, error) {
	var out []domain.Product
	_, err := s.run(ctx, func(o *op) error {
		var err error
		out, err = o.elig.SoldOut(o.ctx, userID, sel)
		return err
	})
	return out, err
}

func (s *Service) Disabled(ctx context.Context, userID string, sel domain.Selection) (domain.DisabledProducts, error) {
	var out domain.DisabledProducts
	_, err := s.run(ctx, func(o *op) error {
		var err error
		out, err = o.elig.Disabled(o.ctx, userID, sel)
		return err
	})
	return out, err
}

func (s *Service) AvailableDiscounts(ctx context.Context, userID string, productIDs []string) ([]domain.DiscountAvailability, error) {
	var out []domain.DiscountAvailability
	_, err := s.run(ctx, func(o *op) error {
		var err error
		out, err = o.disc.Available(o.ctx, userID, productIDs)
		return err
	})
	if out == nil {
		out = []domain.DiscountAvailability{}
	}
	return out, err
}
