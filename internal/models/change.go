package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// TriggerEvent is a detected open-interest increase over the rolling window that met
// the configured threshold. Reference is the oldest retained sample, Current the newest.
type TriggerEvent struct {
	ID             string        `json:"id"`
	Symbol         Symbol        `json:"symbol"`
	OIChangePct    float64       `json:"oi_change_pct"`
	PriceChangePct *float64      `json:"price_change_pct,omitempty"` // display only
	Reference      Sample        `json:"reference"`
	Current        Sample        `json:"current"`
	Window         time.Duration `json:"window"`
	DetectedAt     time.Time     `json:"detected_at"`
}

// Validate checks that all trigger fields are valid
func (t *TriggerEvent) Validate() error {
	if t.ID == "" {
		return errors.New("trigger ID must not be empty")
	}
	if t.Symbol == "" {
		return errors.New("symbol must not be empty")
	}
	if t.Reference.Symbol != t.Symbol || t.Current.Symbol != t.Symbol {
		return errors.New("reference and current samples must belong to the trigger symbol")
	}
	if !t.Current.Timestamp.After(t.Reference.Timestamp) {
		return errors.New("current sample must be newer than reference sample")
	}
	if t.Window <= 0 {
		return errors.New("window must be positive")
	}
	return nil
}

// Alert is the structured event handed to the notification sink.
type Alert struct {
	ID             string              `json:"id"`
	Symbol         Symbol              `json:"symbol"`
	OIChangePct    float64             `json:"oi_change_pct"`
	PriceChangePct *float64            `json:"price_change_pct,omitempty"`
	OpenInterest   decimal.Decimal     `json:"open_interest"`
	Price          decimal.NullDecimal `json:"price"`
	Volume         decimal.NullDecimal `json:"volume"`
	FundingRate    decimal.NullDecimal `json:"funding_rate"`
	Window         time.Duration       `json:"window"`
	DailyCount     int                 `json:"daily_signal_count"`
	Timestamp      time.Time           `json:"timestamp"`
}

// NewAlert builds the outgoing alert for an admitted trigger. count is the running
// number of signals for the symbol today, including this one.
func NewAlert(t TriggerEvent, count int) Alert {
	return Alert{
		ID:             t.ID,
		Symbol:         t.Symbol,
		OIChangePct:    t.OIChangePct,
		PriceChangePct: t.PriceChangePct,
		OpenInterest:   t.Current.OpenInterest,
		Price:          t.Current.Price,
		Volume:         t.Current.Volume,
		FundingRate:    t.Current.FundingRate,
		Window:         t.Window,
		DailyCount:     count,
		Timestamp:      t.DetectedAt,
	}
}
