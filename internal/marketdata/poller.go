package marketdata

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/rewired-gh/oiwatch/internal/binance"
	"github.com/rewired-gh/oiwatch/internal/logger"
	"github.com/rewired-gh/oiwatch/internal/models"
)

// RESTClient is the subset of the exchange client used by the poller
type RESTClient interface {
	OpenInterest(ctx context.Context, symbol models.Symbol) (decimal.Decimal, error)
	Price(ctx context.Context, symbol models.Symbol) (decimal.Decimal, error)
	Tickers(ctx context.Context) (map[models.Symbol]binance.Ticker, error)
	FundingRates(ctx context.Context) (map[models.Symbol]decimal.Decimal, error)
}

// PollConfig tunes request pacing. With Enrich set, price, volume and funding come
// from two bulk calls per cycle; otherwise only price is fetched, per symbol.
type PollConfig struct {
	Concurrency       int
	RequestsPerSecond float64
	Timeout           time.Duration
	Enrich            bool
}

// Poller fetches open interest symbol by symbol every cycle
type Poller struct {
	client  RESTClient
	cfg     PollConfig
	limiter *rate.Limiter
}

// NewPoller creates a REST polling source
func NewPoller(client RESTClient, cfg PollConfig) *Poller {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	burst := cfg.Concurrency
	return &Poller{
		client:  client,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
	}
}

// Name implements Source
func (p *Poller) Name() string { return "poll" }

// Close implements Source
func (p *Poller) Close() error { return nil }

type enrichment struct {
	tickers map[models.Symbol]binance.Ticker
	funding map[models.Symbol]decimal.Decimal
}

// Collect issues one open-interest request per symbol with bounded parallelism. A
// failed symbol yields no sample. Samples come back in the order of symbols.
func (p *Poller) Collect(ctx context.Context, symbols []models.Symbol, at time.Time) ([]models.Sample, error) {
	if len(symbols) == 0 {
		return nil, nil
	}

	results := make([]*models.Sample, len(symbols))
	var failed atomic.Int64
	var extra enrichment

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)

	if p.cfg.Enrich {
		g.Go(func() error {
			extra = p.enrich(gctx)
			return nil
		})
	}

	for i, symbol := range symbols {
		g.Go(func() error {
			if err := p.limiter.Wait(gctx); err != nil {
				return err
			}
			oi, err := p.fetch(gctx, symbol, p.client.OpenInterest)
			if err != nil {
				failed.Add(1)
				logger.Debug("Skipping %s this cycle: %v", symbol, fmt.Errorf("%w: %v", ErrFetch, err))
				return nil
			}
			sample := &models.Sample{Symbol: symbol, Timestamp: at, OpenInterest: oi}
			results[i] = sample

			if p.cfg.Enrich {
				return nil
			}
			if err := p.limiter.Wait(gctx); err != nil {
				return err
			}
			price, err := p.fetch(gctx, symbol, p.client.Price)
			if err != nil {
				logger.Debug("No price for %s this cycle: %v", symbol, err)
				return nil
			}
			sample.Price = decimal.NewNullDecimal(price)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	samples := lo.FilterMap(results, func(s *models.Sample, _ int) (models.Sample, bool) {
		if s == nil {
			return models.Sample{}, false
		}
		return extra.apply(*s), true
	})

	if n := failed.Load(); n > 0 {
		logger.Info("Open interest unavailable for %d of %d symbols", n, len(symbols))
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: all %d open interest requests failed", ErrFetch, len(symbols))
	}
	return samples, nil
}

func (p *Poller) fetch(ctx context.Context, symbol models.Symbol, call func(context.Context, models.Symbol) (decimal.Decimal, error)) (decimal.Decimal, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	return call(callCtx, symbol)
}

// enrich fetches bulk price, volume and funding. Failures only leave those fields empty.
func (p *Poller) enrich(ctx context.Context) enrichment {
	var e enrichment

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	tickers, err := p.client.Tickers(callCtx)
	if err != nil {
		logger.Warn("Ticker enrichment failed: %v", err)
	} else {
		e.tickers = tickers
	}

	funding, err := p.client.FundingRates(callCtx)
	if err != nil {
		logger.Warn("Funding enrichment failed: %v", err)
	} else {
		e.funding = funding
	}
	return e
}

func (e enrichment) apply(s models.Sample) models.Sample {
	if t, ok := e.tickers[s.Symbol]; ok {
		s.Price = decimal.NewNullDecimal(t.Price)
		s.Volume = decimal.NewNullDecimal(t.QuoteVolume)
	}
	if r, ok := e.funding[s.Symbol]; ok {
		s.FundingRate = decimal.NewNullDecimal(r)
	}
	return s
}
