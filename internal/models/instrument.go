// Package models defines the core domain entities for oiwatch.
// These models represent tradeable instruments, open-interest samples, detected
// threshold crossings and the alerts delivered to operators.
//
// Terminology (matching Binance USDT-M futures naming):
//   - Symbol: an exchange-unique instrument token such as BTCUSDT.
//   - Open interest: total outstanding contracts for a symbol at a point in time.
package models

import (
	"time"
)

// Symbol is an instrument identifier, e.g. "BTCUSDT"
type Symbol string

func (s Symbol) String() string {
	return string(s)
}

// Instrument is one row of the exchange's instrument list, before filtering.
type Instrument struct {
	Symbol       Symbol `json:"symbol"`
	QuoteAsset   string `json:"quote_asset"`
	Status       string `json:"status"`
	ContractType string `json:"contract_type"`
}

// CatalogSnapshot is the set of symbols eligible for monitoring at FetchedAt.
// A snapshot is replaced wholesale, never mutated.
type CatalogSnapshot struct {
	Symbols   []Symbol  `json:"symbols"`
	FetchedAt time.Time `json:"fetched_at"`
}

// IsZero reports whether no catalog has been fetched yet
func (c CatalogSnapshot) IsZero() bool {
	return c.FetchedAt.IsZero()
}

// IsStale reports whether the snapshot is absent or older than ttl at now
func (c CatalogSnapshot) IsStale(now time.Time, ttl time.Duration) bool {
	return c.IsZero() || now.Sub(c.FetchedAt) > ttl
}
