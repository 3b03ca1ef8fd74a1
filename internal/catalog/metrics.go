package catalog

import (
	kmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"terminal.sh/coffee-operator/internal/metrics"
	"terminal.sh/coffee-operator/internal/terminal"
)

func init() {
	kmetrics.Registry.MustRegister(
		CacheHitCounterTotal,
		CacheMissCounterTotal,
		CacheShareCounterTotal,
		ProductCountGauge,
		RefreshDurationHistogram,
	)
}

const (
	// CacheHitCounterLabel tracks how many catalog cache hits happened.
	CacheHitCounterLabel = "cache_hit"
	// CacheMissCounterLabel tracks how many catalog cache misses happened.
	CacheMissCounterLabel = "cache_miss"
	// CacheShareCounterLabel tracks how many refreshes were de-duplicated with singleflight.
	CacheShareCounterLabel = "cache_share"
	// ProductCountGaugeLabel tracks the size of the last refreshed catalog.
	ProductCountGaugeLabel = "products"
	// RefreshDurationHistogramLabel tracks the duration of catalog refreshes.
	RefreshDurationHistogramLabel = "refresh_duration_seconds"

	// CatalogComponent is the name of the component registering for these metrics.
	CatalogComponent = "catalog"
)

// CacheHitCounterTotal counts the number of times the cached catalog was served.
var CacheHitCounterTotal = metrics.MustRegisterCounter(
	terminal.MetricsNamespace,
	CatalogComponent,
	CacheHitCounterLabel,
	"Number of times the cached product catalog was served.",
)

// CacheMissCounterTotal counts the number of times the catalog had to be refreshed.
var CacheMissCounterTotal = metrics.MustRegisterCounter(
	terminal.MetricsNamespace,
	CatalogComponent,
	CacheMissCounterLabel,
	"Number of times the product catalog was stale and refreshed.",
)

// CacheShareCounterTotal counts the number of refreshes de-duplicated across callers.
var CacheShareCounterTotal = metrics.MustRegisterCounter(
	terminal.MetricsNamespace,
	CatalogComponent,
	CacheShareCounterLabel,
	"Number of catalog refreshes shared between concurrent callers.",
)

// ProductCountGauge reports the number of products in the last refreshed catalog.
var ProductCountGauge = metrics.MustRegisterGauge(
	terminal.MetricsNamespace,
	CatalogComponent,
	ProductCountGaugeLabel,
	"Number of products in the last refreshed catalog.",
)

// RefreshDurationHistogram tracks the duration of catalog refreshes.
var RefreshDurationHistogram = metrics.MustRegisterHistogram(
	terminal.MetricsNamespace,
	CatalogComponent,
	RefreshDurationHistogramLabel,
	"Duration of product catalog refreshes in seconds.",
	[]float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
)
