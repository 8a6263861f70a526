// Package marketdata turns exchange market data into open-interest samples.
//
// Two interchangeable sources are provided: Poller issues REST requests every cycle,
// Streamer keeps websocket subscriptions open and serves samples from a shared
// MetricCache. The scanner depends only on the Source interface.
package marketdata

import (
	"context"
	"errors"
	"time"

	"github.com/rewired-gh/oiwatch/internal/models"
)

// ErrFetch marks a failed upstream request for a single unit of work
var ErrFetch = errors.New("market data fetch failed")

// Source produces one sample per symbol and cycle. Symbols without data for the cycle
// are omitted. Every sample carries the cycle timestamp at.
type Source interface {
	Name() string
	Collect(ctx context.Context, symbols []models.Symbol, at time.Time) ([]models.Sample, error)
	Close() error
}
