package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confreg/backend/internal/domain"
)

func TestNoopCatalogCacheAlwaysMisses(t *testing.T) {
	var c CatalogCache = NoopCatalogCache{}
	require.NoError(t, c.Set(context.Background(), &domain.PublicCatalog{}, time.Minute))

	got, ok, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)
	assert.NoError(t, c.Invalidate(context.Background()))
}

func TestRedisCatalogCacheReportsUnreachableServer(t *testing.T) {
	c := NewRedisCatalogCache("127.0.0.1:1", "", 0)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, ok, err := c.Get(ctx)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestRedisCatalogCacheRoundTrip(t *testing.T) {
	addr := os.Getenv("CONFREG_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CONFREG_TEST_REDIS_ADDR not set")
	}
	c := NewRedisCatalogCache(addr, "", 0)
	defer c.Close()
	ctx := context.Background()
	require.NoError(t, c.Ping(ctx))

	catalog := &domain.PublicCatalog{
		Categories: []domain.Category{{ID: "tickets", Name: "Tickets"}},
		Products:   []domain.Product{{ID: "ticket", CategoryID: "tickets", Name: "Ticket", PriceCents: 5000}},
	}
	require.NoError(t, c.Set(ctx, catalog, time.Minute))

	got, ok, err := c.Get(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(5000), got.Products[0].PriceCents)

	require.NoError(t, c.Invalidate(ctx))
	_, ok, err = c.Get(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}
