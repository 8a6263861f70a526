// Package throttle caps alerts per symbol per calendar day.
package throttle

import (
	"sync"
	"time"

	"github.com/rewired-gh/oiwatch/internal/models"
)

const dateLayout = "2006-01-02"

type key struct {
	symbol models.Symbol
	date   string
}

// Throttler counts admitted alerts keyed by symbol and calendar date in loc.
// Counters are reset implicitly when the date changes.
type Throttler struct {
	loc       *time.Location
	retention time.Duration

	mu     sync.Mutex
	counts map[key]int
}

// New creates a throttler. Prune drops counters whose date ended more than
// retention ago.
func New(loc *time.Location, retention time.Duration) *Throttler {
	if loc == nil {
		loc = time.UTC
	}
	return &Throttler{
		loc:       loc,
		retention: retention,
		counts:    make(map[key]int),
	}
}

func (t *Throttler) keyFor(symbol models.Symbol, now time.Time) key {
	return key{symbol: symbol, date: now.In(t.loc).Format(dateLayout)}
}

// Admit increments the counter for symbol today and returns the new count when it
// is below max. Otherwise it returns the current count and false.
func (t *Throttler) Admit(symbol models.Symbol, now time.Time, max int) (int, bool) {
	k := t.keyFor(symbol, now)

	t.mu.Lock()
	defer t.mu.Unlock()

	count := t.counts[k]
	if count >= max {
		return count, false
	}
	count++
	t.counts[k] = count
	return count, true
}

// Count returns today's count for symbol
func (t *Throttler) Count(symbol models.Symbol, now time.Time) int {
	k := t.keyFor(symbol, now)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[k]
}

// Prune evicts counters older than the retention horizon and returns how many
// were removed.
func (t *Throttler) Prune(now time.Time) int {
	cutoff := now.In(t.loc).Add(-t.retention).Format(dateLayout)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for k := range t.counts {
		// ISO dates compare lexically
		if k.date < cutoff {
			delete(t.counts, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of live counters
func (t *Throttler) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.counts)
}
