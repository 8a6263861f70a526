// Package catalog resolves the set of symbols eligible for monitoring and caches it
// with a time-to-live.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/rewired-gh/oiwatch/internal/logger"
	"github.com/rewired-gh/oiwatch/internal/models"
)

const (
	quoteAssetUSDT    = "USDT"
	statusTrading     = "TRADING"
	contractPerpetual = "PERPETUAL"
)

var (
	// ErrFetch marks a failed catalog refresh; the previous snapshot stays in use
	ErrFetch = errors.New("catalog fetch failed")
	// ErrNoSymbols is returned when filtering leaves no eligible instruments
	ErrNoSymbols = errors.New("no eligible symbols")
)

// FetchError wraps the cause of a failed refresh
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%v: %v", ErrFetch, e.Err)
}

func (e *FetchError) Unwrap() []error {
	return []error{ErrFetch, e.Err}
}

// Fetcher retrieves the raw instrument list and, optionally, 24h quote volumes
// used to rank symbols.
type Fetcher interface {
	Instruments(ctx context.Context) ([]models.Instrument, error)
	QuoteVolumes(ctx context.Context) (map[models.Symbol]decimal.Decimal, error)
}

// Catalog caches the filtered symbol set
type Catalog struct {
	fetcher          Fetcher
	ttl              time.Duration
	topN             int
	requirePerpetual bool

	mu       sync.RWMutex
	snapshot models.CatalogSnapshot
}

// New creates a catalog. topN <= 0 keeps every eligible symbol.
func New(fetcher Fetcher, ttl time.Duration, topN int, requirePerpetual bool) *Catalog {
	return &Catalog{
		fetcher:          fetcher,
		ttl:              ttl,
		topN:             topN,
		requirePerpetual: requirePerpetual,
	}
}

// Snapshot returns the current snapshot, which may be zero or stale
func (c *Catalog) Snapshot() models.CatalogSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// IsStale reports whether Refresh would hit the network at now
func (c *Catalog) IsStale(now time.Time) bool {
	return c.Snapshot().IsStale(now, c.ttl)
}

// Refresh returns the cached snapshot while it is fresh. Otherwise it fetches and
// filters the instrument list and replaces the snapshot wholesale. On failure the
// previous snapshot is returned together with a *FetchError and its timestamp is
// left untouched, so the next call retries.
func (c *Catalog) Refresh(ctx context.Context, now time.Time) (models.CatalogSnapshot, error) {
	current := c.Snapshot()
	if !current.IsStale(now, c.ttl) {
		return current, nil
	}

	symbols, err := c.fetch(ctx)
	if err != nil {
		return current, &FetchError{Err: err}
	}

	next := models.CatalogSnapshot{Symbols: symbols, FetchedAt: now}
	c.mu.Lock()
	c.snapshot = next
	c.mu.Unlock()

	logger.Info("Catalog refreshed: %d symbols", len(symbols))
	return next, nil
}

func (c *Catalog) fetch(ctx context.Context) ([]models.Symbol, error) {
	instruments, err := c.fetcher.Instruments(ctx)
	if err != nil {
		return nil, err
	}

	eligible := Filter(instruments, c.requirePerpetual)
	if len(eligible) == 0 {
		return nil, ErrNoSymbols
	}

	if c.topN <= 0 || len(eligible) <= c.topN {
		return lo.Map(eligible, func(in models.Instrument, _ int) models.Symbol { return in.Symbol }), nil
	}

	volumes, err := c.fetcher.QuoteVolumes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to rank symbols by volume: %w", err)
	}
	return TopByVolume(eligible, volumes, c.topN), nil
}

// Filter keeps USDT-quoted instruments that are currently trading and, when
// requirePerpetual is set, perpetual contracts.
func Filter(instruments []models.Instrument, requirePerpetual bool) []models.Instrument {
	return lo.Filter(instruments, func(in models.Instrument, _ int) bool {
		if in.QuoteAsset != quoteAssetUSDT || in.Status != statusTrading {
			return false
		}
		return !requirePerpetual || in.ContractType == contractPerpetual
	})
}

// TopByVolume returns at most n symbols ordered by descending 24h quote volume.
// Symbols without a volume figure rank last; ties keep the input order.
func TopByVolume(instruments []models.Instrument, volumes map[models.Symbol]decimal.Decimal, n int) []models.Symbol {
	ranked := lo.Map(instruments, func(in models.Instrument, _ int) models.Symbol { return in.Symbol })
	sort.SliceStable(ranked, func(i, j int) bool {
		return volumes[ranked[i]].GreaterThan(volumes[ranked[j]])
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}
