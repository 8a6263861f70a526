// Package settings holds the operator-editable engine settings. The engine reads a
// Snapshot at every check; the command and HTTP surfaces edit through the setters,
// which validate, apply and persist.
package settings

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"
)

// ErrInvalid is returned for a rejected edit
var ErrInvalid = errors.New("invalid settings")

// Upper bounds for operator edits
const (
	MaxWindowMinutes = 24 * 60
	MaxDailySignals  = 1000
)

// WindowFromMinutes converts an operator-supplied minute count, rejecting values
// outside 1..MaxWindowMinutes before the multiplication can overflow.
func WindowFromMinutes(m int64) (time.Duration, error) {
	if m < 1 || m > MaxWindowMinutes {
		return 0, fmt.Errorf("%w: window must be between 1 and %d minutes, got %d", ErrInvalid, MaxWindowMinutes, m)
	}
	return time.Duration(m) * time.Minute, nil
}

// Persisted keys
const (
	keyWindowMinutes    = "window_minutes"
	keyThresholdPct     = "threshold_pct"
	keyEnabled          = "enabled"
	keyDestination      = "destination"
	keyMaxSignalsPerDay = "max_signals_per_day"
)

// Settings is one consistent view of the live configuration
type Settings struct {
	Window           time.Duration
	ThresholdPct     float64
	Enabled          bool
	Destination      string // empty until an operator binds a chat
	MaxSignalsPerDay int
}

// Validate checks that all settings values are valid
func (s Settings) Validate() error {
	if s.Window < time.Minute || s.Window > MaxWindowMinutes*time.Minute {
		return fmt.Errorf("%w: window must be between 1 and %d minutes, got %s", ErrInvalid, MaxWindowMinutes, s.Window)
	}
	if s.Window%time.Minute != 0 {
		return fmt.Errorf("%w: window must be a whole number of minutes, got %s", ErrInvalid, s.Window)
	}
	if math.IsNaN(s.ThresholdPct) || math.IsInf(s.ThresholdPct, 0) || s.ThresholdPct <= 0 {
		return fmt.Errorf("%w: threshold must be a positive finite number, got %g", ErrInvalid, s.ThresholdPct)
	}
	if s.MaxSignalsPerDay < 1 || s.MaxSignalsPerDay > MaxDailySignals {
		return fmt.Errorf("%w: max signals per day must be between 1 and %d, got %d", ErrInvalid, MaxDailySignals, s.MaxSignalsPerDay)
	}
	return nil
}

// Active reports whether the engine should scan: enabled with a destination bound
func (s Settings) Active() bool {
	return s.Enabled && s.Destination != ""
}

// Patch is a partial edit; nil fields are left unchanged
type Patch struct {
	Window           *time.Duration
	ThresholdPct     *float64
	Enabled          *bool
	Destination      *string
	MaxSignalsPerDay *int
}

func (p Patch) apply(s *Settings) {
	if p.Window != nil {
		s.Window = *p.Window
	}
	if p.ThresholdPct != nil {
		s.ThresholdPct = *p.ThresholdPct
	}
	if p.Enabled != nil {
		s.Enabled = *p.Enabled
	}
	if p.Destination != nil {
		s.Destination = *p.Destination
	}
	if p.MaxSignalsPerDay != nil {
		s.MaxSignalsPerDay = *p.MaxSignalsPerDay
	}
}

// Persister stores settings as string key/value pairs
type Persister interface {
	LoadSettings(ctx context.Context) (map[string]string, error)
	SaveSettings(ctx context.Context, values map[string]string) error
}

// Store is the concurrency-safe owner of the live settings
type Store struct {
	mu        sync.RWMutex
	current   Settings
	persister Persister

	// saveMu serializes Apply so saves land in the order edits were applied
	saveMu sync.Mutex
}

// NewStore creates a store seeded with initial. persister may be nil.
func NewStore(initial Settings, persister Persister) (*Store, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	return &Store{current: initial, persister: persister}, nil
}

// Load overlays persisted values on the current settings. Unknown keys are ignored;
// a persisted set that fails validation is rejected as a whole.
func (s *Store) Load(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	values, err := s.persister.LoadSettings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := decode(s.current, values)
	if err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("persisted settings rejected: %w", err)
	}
	s.current = next
	return nil
}

// Snapshot returns a copy of the current settings
func (s *Store) Snapshot() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Apply validates and applies p, then persists the result. A persistence failure is
// returned but the new value stays in effect.
func (s *Store) Apply(ctx context.Context, p Patch) (Settings, error) {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	next := s.current
	p.apply(&next)
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return s.Snapshot(), err
	}
	s.current = next
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.SaveSettings(ctx, encode(next)); err != nil {
			return next, fmt.Errorf("settings applied but not persisted: %w", err)
		}
	}
	return next, nil
}

// SetWindow changes the rolling window length
func (s *Store) SetWindow(ctx context.Context, d time.Duration) (Settings, error) {
	return s.Apply(ctx, Patch{Window: &d})
}

// SetThreshold changes the trigger threshold in percent
func (s *Store) SetThreshold(ctx context.Context, pct float64) (Settings, error) {
	return s.Apply(ctx, Patch{ThresholdPct: &pct})
}

// SetEnabled turns scanning on or off
func (s *Store) SetEnabled(ctx context.Context, enabled bool) (Settings, error) {
	return s.Apply(ctx, Patch{Enabled: &enabled})
}

// SetDestination binds the alert destination
func (s *Store) SetDestination(ctx context.Context, dest string) (Settings, error) {
	return s.Apply(ctx, Patch{Destination: &dest})
}

// SetMaxSignalsPerDay changes the per-symbol daily alert cap
func (s *Store) SetMaxSignalsPerDay(ctx context.Context, n int) (Settings, error) {
	return s.Apply(ctx, Patch{MaxSignalsPerDay: &n})
}

func encode(s Settings) map[string]string {
	return map[string]string{
		keyWindowMinutes:    strconv.FormatInt(int64(s.Window/time.Minute), 10),
		keyThresholdPct:     strconv.FormatFloat(s.ThresholdPct, 'f', -1, 64),
		keyEnabled:          strconv.FormatBool(s.Enabled),
		keyDestination:      s.Destination,
		keyMaxSignalsPerDay: strconv.Itoa(s.MaxSignalsPerDay),
	}
}

func decode(base Settings, values map[string]string) (Settings, error) {
	s := base
	if v, ok := values[keyWindowMinutes]; ok {
		m, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return base, fmt.Errorf("%w: %s: %v", ErrInvalid, keyWindowMinutes, err)
		}
		if s.Window, err = WindowFromMinutes(m); err != nil {
			return base, err
		}
	}
	if v, ok := values[keyThresholdPct]; ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return base, fmt.Errorf("%w: %s: %v", ErrInvalid, keyThresholdPct, err)
		}
		s.ThresholdPct = f
	}
	if v, ok := values[keyEnabled]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return base, fmt.Errorf("%w: %s: %v", ErrInvalid, keyEnabled, err)
		}
		s.Enabled = b
	}
	if v, ok := values[keyDestination]; ok {
		s.Destination = v
	}
	if v, ok := values[keyMaxSignalsPerDay]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return base, fmt.Errorf("%w: %s: %v", ErrInvalid, keyMaxSignalsPerDay, err)
		}
		s.MaxSignalsPerDay = n
	}
	return s, nil
}
