// Package window keeps a time-bounded history of samples per symbol.
package window

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rewired-gh/oiwatch/internal/models"
)

// ErrOutOfOrder is returned for a sample that is not newer than the newest retained one
var ErrOutOfOrder = errors.New("sample is not newer than the last observed sample")

// Aggregator holds one history per symbol, ordered by timestamp. Histories are
// created on the first sample and emptied, never removed, by Clear.
type Aggregator struct {
	mu        sync.Mutex
	histories map[models.Symbol][]models.Sample
}

// New creates an empty aggregator
func New() *Aggregator {
	return &Aggregator{histories: make(map[models.Symbol][]models.Sample)}
}

// Observe appends sample to the symbol's history, evicts every sample older than
// sample.Timestamp - window and returns a copy of what remains.
func (a *Aggregator) Observe(sample models.Sample, window time.Duration) ([]models.Sample, error) {
	if window <= 0 {
		return nil, fmt.Errorf("window must be positive, got %s", window)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	history := a.histories[sample.Symbol]
	if n := len(history); n > 0 && !sample.Timestamp.After(history[n-1].Timestamp) {
		return nil, fmt.Errorf("%w: %s at %s", ErrOutOfOrder, sample.Symbol, sample.Timestamp.Format(time.RFC3339Nano))
	}
	history = append(history, sample)

	now := sample.Timestamp
	cut := 0
	for cut < len(history) && now.Sub(history[cut].Timestamp) > window {
		cut++
	}
	if cut > 0 {
		history = slices.Delete(history, 0, cut)
	}

	a.histories[sample.Symbol] = history
	return slices.Clone(history), nil
}

// Clear empties the history for symbol
func (a *Aggregator) Clear(symbol models.Symbol) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.histories[symbol]; ok {
		a.histories[symbol] = a.histories[symbol][:0]
	}
}

// History returns a copy of the history for symbol
func (a *Aggregator) History(symbol models.Symbol) []models.Sample {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.histories[symbol])
}

// Len returns the number of symbols with a history, including empty ones
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.histories)
}
