// Package catalog caches the product list so reconcilers can name variants
// without hitting the service on every pass.
package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"terminal.sh/coffee-operator/internal/terminal"
)

const (
	cacheKey   = "products"
	defaultTTL = 10 * time.Minute
)

// Catalog is a TTL cache over product.list. Concurrent refreshes of a stale
// catalog share one request.
type Catalog struct {
	api   terminal.ProductAPI
	cache *expirable.LRU[string, []terminal.Product]
	sf    singleflight.Group
}

// New returns a Catalog refreshing at most every ttl. A zero ttl uses the
// default of ten minutes.
func New(api terminal.ProductAPI, ttl time.Duration) *Catalog {
	if ttl == 0 {
		ttl = defaultTTL
	}

	return &Catalog{
		api:   api,
		cache: expirable.NewLRU[string, []terminal.Product](1, nil, ttl),
	}
}

// Products returns the product list, refreshing the cache when stale.
func (c *Catalog) Products(ctx context.Context) ([]terminal.Product, error) {
	if products, ok := c.cache.Get(cacheKey); ok {
		CacheHitCounterTotal.Inc()

		return products, nil
	}
	CacheMissCounterTotal.Inc()

	result, err, shared := c.sf.Do(cacheKey, func() (any, error) {
		started := time.Now()
		products, err := c.api.ListProducts(ctx)
		if err != nil {
			return nil, err
		}
		RefreshDurationHistogram.Observe(time.Since(started).Seconds())
		ProductCountGauge.Set(float64(len(products)))

		c.cache.Add(cacheKey, products)

		return products, nil
	})
	if shared {
		CacheShareCounterTotal.Inc()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to refresh product catalog: %w", err)
	}

	products, ok := result.([]terminal.Product)
	if !ok {
		return nil, fmt.Errorf("unexpected catalog entry type %T", result)
	}

	return products, nil
}

// KnownVariant reports whether the catalog lists the variant. The boolean is
// only meaningful when err is nil.
func (c *Catalog) KnownVariant(ctx context.Context, variantID string) (bool, error) {
	products, err := c.Products(ctx)
	if err != nil {
		return false, err
	}

	_, _, known := lookup(products, variantID)

	return known, nil
}

// Line renders a human-readable order line for a variant. When the catalog
// cannot name the variant the raw identifier is used; naming is cosmetic and
// must never fail an order.
func (c *Catalog) Line(ctx context.Context, variantID string, quantity int) string {
	if products, err := c.Products(ctx); err == nil {
		if product, variant, ok := lookup(products, variantID); ok {
			return fmt.Sprintf("%s - %s x%d", product.Name, variant.Name, quantity)
		}
	}

	return fmt.Sprintf("%s x%d", variantID, quantity)
}

func lookup(products []terminal.Product, variantID string) (*terminal.Product, *terminal.ProductVariant, bool) {
	for i := range products {
		for j := range products[i].Variants {
			if products[i].Variants[j].ID == variantID {
				return &products[i], &products[i].Variants[j], true
			}
		}
	}

	return nil, nil, false
}
