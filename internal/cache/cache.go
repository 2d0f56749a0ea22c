package cache

import (
	"context"
	"time"

	"confreg/backend/internal/domain"
)

// CatalogCache holds the rendered public catalog between imports.
type CatalogCache interface {
	Get(ctx context.Context) (*domain.PublicCatalog, bool, error)
	Set(ctx context.Context, value *domain.PublicCatalog, ttl time.Duration) error
	Invalidate(ctx context.Context) error
}

type NoopCatalogCache struct{}

func (NoopCatalogCache) Get(_ context.Context) (*domain.PublicCatalog, bool, error) {
	return nil, false, nil
}

func (NoopCatalogCache) Set(_ context.Context, _ *domain.PublicCatalog, _ time.Duration) error {
	return nil
}

func (NoopCatalogCache) Invalidate(_ context.Context) error {
	return nil
}
