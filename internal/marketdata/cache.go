package marketdata

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/oiwatch/internal/models"
)

// Metrics is the latest known value of every metric for one symbol
type Metrics struct {
	OpenInterest decimal.NullDecimal
	Price        decimal.NullDecimal
	Volume       decimal.NullDecimal
	FundingRate  decimal.NullDecimal
	UpdatedAt    time.Time
}

// MetricCache is a concurrency-safe per-symbol metric store written by stream
// connections and read by the scanner. Each setter updates one metric key under
// the lock, so readers never observe a half-written update.
type MetricCache struct {
	mu      sync.RWMutex
	metrics map[models.Symbol]Metrics
}

// NewMetricCache creates an empty cache
func NewMetricCache() *MetricCache {
	return &MetricCache{metrics: make(map[models.Symbol]Metrics)}
}

func (c *MetricCache) update(symbol models.Symbol, at time.Time, apply func(m *Metrics)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.metrics[symbol]
	apply(&m)
	if at.After(m.UpdatedAt) {
		m.UpdatedAt = at
	}
	c.metrics[symbol] = m
}

// SetOpenInterest records an open-interest update
func (c *MetricCache) SetOpenInterest(symbol models.Symbol, oi decimal.Decimal, at time.Time) {
	c.update(symbol, at, func(m *Metrics) { m.OpenInterest = decimal.NewNullDecimal(oi) })
}

// SetTicker records a ticker update
func (c *MetricCache) SetTicker(symbol models.Symbol, price, quoteVolume decimal.Decimal, at time.Time) {
	c.update(symbol, at, func(m *Metrics) {
		m.Price = decimal.NewNullDecimal(price)
		m.Volume = decimal.NewNullDecimal(quoteVolume)
	})
}

// SetFundingRate records a mark-price update
func (c *MetricCache) SetFundingRate(symbol models.Symbol, rate decimal.Decimal, at time.Time) {
	c.update(symbol, at, func(m *Metrics) { m.FundingRate = decimal.NewNullDecimal(rate) })
}

// Get returns a copy of the metrics for symbol
func (c *MetricCache) Get(symbol models.Symbol) (Metrics, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.metrics[symbol]
	return m, ok
}

// Len returns the number of symbols with at least one metric
func (c *MetricCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.metrics)
}

// Sample builds a sample stamped at from the cached metrics. It reports false until
// open interest for the symbol has been seen.
func (c *MetricCache) Sample(symbol models.Symbol, at time.Time) (models.Sample, bool) {
	m, ok := c.Get(symbol)
	if !ok || !m.OpenInterest.Valid {
		return models.Sample{}, false
	}
	return models.Sample{
		Symbol:       symbol,
		Timestamp:    at,
		OpenInterest: m.OpenInterest.Decimal,
		Price:        m.Price,
		Volume:       m.Volume,
		FundingRate:  m.FundingRate,
	}, true
}
