package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Sample is a point-in-time market reading for one symbol. Open interest is always
// present; price, quote volume and funding rate are filled when the source has them.
type Sample struct {
	Symbol       Symbol              `json:"symbol"`
	Timestamp    time.Time           `json:"timestamp"`
	OpenInterest decimal.Decimal     `json:"open_interest"`
	Price        decimal.NullDecimal `json:"price"`
	Volume       decimal.NullDecimal `json:"volume"`
	FundingRate  decimal.NullDecimal `json:"funding_rate"`
}

// Validate checks that all sample fields are valid
func (s *Sample) Validate() error {
	if s.Symbol == "" {
		return errors.New("symbol must not be empty")
	}
	if s.Timestamp.IsZero() {
		return errors.New("timestamp must be set")
	}
	if s.OpenInterest.IsNegative() {
		return errors.New("open interest must not be negative")
	}
	if s.Price.Valid && s.Price.Decimal.IsNegative() {
		return errors.New("price must not be negative")
	}
	if s.Volume.Valid && s.Volume.Decimal.IsNegative() {
		return errors.New("volume must not be negative")
	}
	return nil
}
