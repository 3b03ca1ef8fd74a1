package catalog_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"terminal.sh/coffee-operator/internal/catalog"
	"terminal.sh/coffee-operator/internal/terminal"
	"terminal.sh/coffee-operator/internal/terminal/terminaltest"
)

func seededFake() *terminaltest.Fake {
	fake := terminaltest.NewFake()
	fake.Products = []terminal.Product{
		{
			ID:   "prd_segfault",
			Name: "Segfault",
			Variants: []terminal.ProductVariant{
				{ID: "var_segfault_12oz", Name: "12oz", Price: 2200},
			},
		},
	}

	return fake
}

func TestProductsServesFromCache(t *testing.T) {
	fake := seededFake()
	c := catalog.New(fake, time.Minute)

	first, err := c.Products(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 1)

	_, err = c.Products(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fake.Calls("product.list"), "second read must be served from cache")
}

func TestProductsRefreshesAfterTTL(t *testing.T) {
	fake := seededFake()
	c := catalog.New(fake, 20*time.Millisecond)

	_, err := c.Products(context.Background())
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)

	_, err = c.Products(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, fake.Calls("product.list"))
}

func TestProductsDoesNotCacheFailures(t *testing.T) {
	fake := seededFake()
	fake.SetError("product.list", errors.New("upstream down"))
	c := catalog.New(fake, time.Minute)

	_, err := c.Products(context.Background())
	require.Error(t, err)

	fake.ClearError("product.list")

	products, err := c.Products(context.Background())
	require.NoError(t, err)
	assert.Len(t, products, 1)
	assert.Equal(t, 2, fake.Calls("product.list"))
}

func TestKnownVariant(t *testing.T) {
	fake := seededFake()
	c := catalog.New(fake, time.Minute)

	known, err := c.KnownVariant(context.Background(), "var_segfault_12oz")
	require.NoError(t, err)
	assert.True(t, known)

	known, err = c.KnownVariant(context.Background(), "var_unknown")
	require.NoError(t, err)
	assert.False(t, known)

	fake.SetError("product.list", errors.New("upstream down"))
	miss := catalog.New(fake, time.Minute)
	_, err = miss.KnownVariant(context.Background(), "var_segfault_12oz")
	require.Error(t, err)
}

func TestLine(t *testing.T) {
	fake := seededFake()
	c := catalog.New(fake, time.Minute)

	assert.Equal(t, "Segfault - 12oz x2", c.Line(context.Background(), "var_segfault_12oz", 2))
	assert.Equal(t, "var_unknown x1", c.Line(context.Background(), "var_unknown", 1))
}
