// Package binance provides read-only access to the Binance USDT-M futures REST API.
// It wraps the go-binance futures client and converts its string-typed payloads into
// decimal values and domain models.
package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/rewired-gh/oiwatch/internal/models"
)

// ErrMalformed is returned when a response lacks an expected field
var ErrMalformed = errors.New("malformed response")

// Client provides access to the Binance futures API
type Client struct {
	cli     *futures.Client
	timeout time.Duration
}

// Ticker holds the 24h rolling statistics used to enrich samples
type Ticker struct {
	Price       decimal.Decimal
	QuoteVolume decimal.Decimal
}

// NewClient creates a new Binance futures client against baseURL. No credentials are
// needed: every endpoint used here is public market data.
func NewClient(baseURL string, timeout time.Duration) *Client {
	cli := futures.NewClient("", "")
	cli.BaseURL = strings.TrimRight(baseURL, "/")
	cli.HTTPClient = &http.Client{Timeout: timeout}
	return &Client{cli: cli, timeout: timeout}
}

// Instruments retrieves the full instrument list from exchangeInfo
func (c *Client) Instruments(ctx context.Context) ([]models.Instrument, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	info, err := c.cli.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch exchange info: %w", err)
	}
	if info == nil || len(info.Symbols) == 0 {
		return nil, fmt.Errorf("exchange info: no symbols: %w", ErrMalformed)
	}

	instruments := make([]models.Instrument, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Symbol == "" || s.QuoteAsset == "" || string(s.Status) == "" {
			return nil, fmt.Errorf("exchange info: symbol entry missing symbol, quoteAsset or status: %w", ErrMalformed)
		}
		instruments = append(instruments, models.Instrument{
			Symbol:       models.Symbol(s.Symbol),
			QuoteAsset:   s.QuoteAsset,
			Status:       string(s.Status),
			ContractType: string(s.ContractType),
		})
	}
	return instruments, nil
}

// QuoteVolumes returns the 24h quote volume per symbol
func (c *Client) QuoteVolumes(ctx context.Context) (map[models.Symbol]decimal.Decimal, error) {
	tickers, err := c.Tickers(ctx)
	if err != nil {
		return nil, err
	}
	return lo.MapValues(tickers, func(t Ticker, _ models.Symbol) decimal.Decimal {
		return t.QuoteVolume
	}), nil
}

// Tickers returns last price and 24h quote volume for every symbol in one request
func (c *Client) Tickers(ctx context.Context) (map[models.Symbol]Ticker, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	stats, err := c.cli.NewListPriceChangeStatsService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch 24h tickers: %w", err)
	}

	result := make(map[models.Symbol]Ticker, len(stats))
	for _, s := range stats {
		price, err := decimal.NewFromString(s.LastPrice)
		if err != nil {
			continue
		}
		volume, err := decimal.NewFromString(s.QuoteVolume)
		if err != nil {
			continue
		}
		result[models.Symbol(s.Symbol)] = Ticker{Price: price, QuoteVolume: volume}
	}
	return result, nil
}

// OpenInterest fetches the current open interest of one symbol
func (c *Client) OpenInterest(ctx context.Context, symbol models.Symbol) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.cli.NewGetOpenInterestService().Symbol(symbol.String()).Do(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to fetch open interest for %s: %w", symbol, err)
	}
	if res == nil || res.OpenInterest == "" {
		return decimal.Zero, fmt.Errorf("open interest for %s: missing openInterest: %w", symbol, ErrMalformed)
	}

	oi, err := decimal.NewFromString(res.OpenInterest)
	if err != nil {
		return decimal.Zero, fmt.Errorf("open interest for %s: %v: %w", symbol, err, ErrMalformed)
	}
	return oi, nil
}

// Price fetches the latest price of one symbol
func (c *Client) Price(ctx context.Context, symbol models.Symbol) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	prices, err := c.cli.NewListPricesService().Symbol(symbol.String()).Do(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to fetch price for %s: %w", symbol, err)
	}
	if len(prices) == 0 || prices[0].Price == "" {
		return decimal.Zero, fmt.Errorf("price for %s: missing price: %w", symbol, ErrMalformed)
	}

	price, err := decimal.NewFromString(prices[0].Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price for %s: %v: %w", symbol, err, ErrMalformed)
	}
	return price, nil
}

// FundingRates returns the last funding rate for every symbol in one request
func (c *Client) FundingRates(ctx context.Context) (map[models.Symbol]decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	indexes, err := c.cli.NewPremiumIndexService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch premium index: %w", err)
	}

	result := make(map[models.Symbol]decimal.Decimal, len(indexes))
	for _, idx := range indexes {
		rate, err := decimal.NewFromString(idx.LastFundingRate)
		if err != nil {
			continue
		}
		result[models.Symbol(idx.Symbol)] = rate
	}
	return result, nil
}
