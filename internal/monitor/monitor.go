// Package monitor detects open-interest run-ups within a rolling window.
//
// For a history of at least two samples the change is measured from the oldest
// retained sample to the newest:
//
//	pct = (latest.oi - oldest.oi) / oldest.oi × 100
//
// A trigger fires when pct >= threshold. The arithmetic is done in decimal, so a
// move from 1000 to 1050 is exactly 5% and meets a 5% threshold. Histories whose
// oldest open interest is zero are skipped. The companion price change is computed
// for display only and never affects the decision.
package monitor

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rewired-gh/oiwatch/internal/logger"
	"github.com/rewired-gh/oiwatch/internal/models"
)

var hundred = decimal.NewFromInt(100)

// Detector evaluates windowed histories against the threshold rule
type Detector struct {
	now   func() time.Time
	newID func() string
}

// New creates a new Detector
func New() *Detector {
	return &Detector{
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}
}

// Evaluate applies the threshold rule to history, which must be ordered oldest first.
// It returns the trigger and true when the open-interest increase meets thresholdPct.
func (d *Detector) Evaluate(symbol models.Symbol, history []models.Sample, thresholdPct float64, window time.Duration) (*models.TriggerEvent, bool) {
	if len(history) < 2 {
		return nil, false
	}
	if math.IsNaN(thresholdPct) || math.IsInf(thresholdPct, 0) {
		logger.Warn("Skipping %s: threshold %v is not a finite number", symbol, thresholdPct)
		return nil, false
	}

	oldest := history[0]
	latest := history[len(history)-1]

	pct, ok := PercentChange(oldest.OpenInterest, latest.OpenInterest)
	if !ok {
		logger.Debug("Skipping %s: oldest open interest in window is zero", symbol)
		return nil, false
	}
	if pct.LessThan(decimal.NewFromFloat(thresholdPct)) {
		return nil, false
	}

	trigger := &models.TriggerEvent{
		ID:          d.newID(),
		Symbol:      symbol,
		OIChangePct: pct.InexactFloat64(),
		Reference:   oldest,
		Current:     latest,
		Window:      window,
		DetectedAt:  d.now(),
	}
	if oldest.Price.Valid && latest.Price.Valid {
		if pricePct, ok := PercentChange(oldest.Price.Decimal, latest.Price.Decimal); ok {
			v := pricePct.InexactFloat64()
			trigger.PriceChangePct = &v
		}
	}

	logger.Debug("Trigger %s: open interest %s -> %s (%.2f%%) over %d samples",
		symbol, oldest.OpenInterest, latest.OpenInterest, trigger.OIChangePct, len(history))
	return trigger, true
}

// PercentChange returns (to - from) / from × 100. It reports false when from is zero.
func PercentChange(from, to decimal.Decimal) (decimal.Decimal, bool) {
	if from.IsZero() {
		return decimal.Zero, false
	}
	return to.Sub(from).Div(from).Mul(hundred), true
}
