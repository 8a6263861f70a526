// Package scanner drives the monitoring loop: refresh the catalog when stale,
// collect samples, feed the rolling windows, evaluate the threshold rule, throttle
// and deliver alerts.
//
// At most one cycle runs at a time; a concurrent RunCycle returns immediately
// without doing anything. Failures inside a cycle, panics
// included, are contained at the cycle boundary and followed by a fixed backoff.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rewired-gh/oiwatch/internal/logger"
	"github.com/rewired-gh/oiwatch/internal/marketdata"
	"github.com/rewired-gh/oiwatch/internal/models"
	"github.com/rewired-gh/oiwatch/internal/monitor"
	"github.com/rewired-gh/oiwatch/internal/settings"
	"github.com/rewired-gh/oiwatch/internal/throttle"
	"github.com/rewired-gh/oiwatch/internal/window"
)

var (
	// ErrUnexpected wraps a panic recovered at the cycle boundary
	ErrUnexpected = errors.New("unexpected cycle failure")
)

// State is the orchestrator state
type State int32

const (
	StateIdle State = iota
	StateRefreshingCatalog
	StateScanning
	StateSleeping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRefreshingCatalog:
		return "refreshing_catalog"
	case StateScanning:
		return "scanning"
	case StateSleeping:
		return "sleeping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Catalog supplies the symbol universe
type Catalog interface {
	Refresh(ctx context.Context, now time.Time) (models.CatalogSnapshot, error)
	Snapshot() models.CatalogSnapshot
	IsStale(now time.Time) bool
}

// SettingsSource supplies the live settings
type SettingsSource interface {
	Snapshot() settings.Settings
}

// Notifier delivers alerts
type Notifier interface {
	Notify(ctx context.Context, alert models.Alert) error
}

// HealthNotifier is told about runs of failing cycles
type HealthNotifier interface {
	SendError(err error) error
	SendRecovery(failures int) error
}

// AlertRecorder keeps an audit log of delivered alerts
type AlertRecorder interface {
	RecordAlert(ctx context.Context, alert models.Alert) error
}

// Config holds loop timing
type Config struct {
	ScanInterval time.Duration // pause after a completed cycle
	IdleInterval time.Duration // pause while disabled or without a destination
	ErrorBackoff time.Duration // pause after a failed cycle
}

// Deps are the collaborators of a Scanner. Health and Recorder are optional.
type Deps struct {
	Catalog   Catalog
	Source    marketdata.Source
	Windows   *window.Aggregator
	Detector  *monitor.Detector
	Throttler *throttle.Throttler
	Settings  SettingsSource
	Notifier  Notifier
	Health    HealthNotifier
	Recorder  AlertRecorder
}

// Scanner is the scan orchestrator
type Scanner struct {
	Deps
	cfg Config
	now func() time.Time

	running atomic.Bool
	state   atomic.Int32

	mu                  sync.Mutex
	cycles              int64
	alertsSent          int64
	lastCycleStart      time.Time
	lastCycleDuration   time.Duration
	consecutiveFailures int
}

// New creates a scanner
func New(deps Deps, cfg Config) *Scanner {
	return &Scanner{Deps: deps, cfg: cfg, now: time.Now}
}

func (s *Scanner) setState(st State) {
	s.state.Store(int32(st))
}

// State returns the current orchestrator state
func (s *Scanner) State() State {
	return State(s.state.Load())
}

// Run loops until ctx is done, then closes the source
func (s *Scanner) Run(ctx context.Context) error {
	defer func() {
		if err := s.Source.Close(); err != nil {
			logger.Warn("Failed to close %s source: %v", s.Source.Name(), err)
		}
	}()

	logger.Info("Scanner started (source: %s, scan interval: %v, error backoff: %v)",
		s.Source.Name(), s.cfg.ScanInterval, s.cfg.ErrorBackoff)

	for {
		delay, err := s.RunCycle(ctx)
		if ctx.Err() != nil {
			s.setState(StateIdle)
			logger.Info("Scanner stopped")
			return nil
		}

		s.handleCycleResult(err)
		if err != nil {
			delay = s.cfg.ErrorBackoff
		}

		s.setState(StateSleeping)
		if delay > 0 {
			select {
			case <-ctx.Done():
				s.setState(StateIdle)
				logger.Info("Scanner stopped")
				return nil
			case <-time.After(delay):
			}
		}
		s.setState(StateIdle)
	}
}

func (s *Scanner) handleCycleResult(err error) {
	s.mu.Lock()
	if err != nil {
		s.consecutiveFailures++
	}
	failures := s.consecutiveFailures
	if err == nil {
		s.consecutiveFailures = 0
	}
	s.mu.Unlock()

	if err != nil {
		logger.Error("Scan cycle failed: %v", err)
		if failures == 1 && s.Health != nil {
			if sendErr := s.Health.SendError(err); sendErr != nil {
				logger.Warn("Failed to send error notification: %v", sendErr)
			}
		}
		return
	}
	if failures > 0 && s.Health != nil {
		if sendErr := s.Health.SendRecovery(failures); sendErr != nil {
			logger.Warn("Failed to send recovery notification: %v", sendErr)
		}
	}
}

// RunCycle runs one scan cycle and returns how long to wait before the next one.
// A call made while another cycle is active is a no-op.
func (s *Scanner) RunCycle(ctx context.Context) (time.Duration, error) {
	if !s.running.CompareAndSwap(false, true) {
		logger.Debug("Scan cycle already in progress, skipping")
		return 0, nil
	}
	defer s.running.Store(false)
	return s.cycle(ctx)
}

func (s *Scanner) cycle(ctx context.Context) (delay time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic in scan cycle: %v\n%s", r, debug.Stack())
			delay, err = 0, fmt.Errorf("%w: %v", ErrUnexpected, r)
		}
	}()

	if cur := s.Settings.Snapshot(); !cur.Active() {
		logger.Debug("Scanning paused (enabled: %v, destination set: %v)", cur.Enabled, cur.Destination != "")
		s.setState(StateSleeping)
		return s.cfg.IdleInterval, nil
	}

	start := s.now()

	snap := s.Catalog.Snapshot()
	if s.Catalog.IsStale(start) {
		s.setState(StateRefreshingCatalog)
		var refreshErr error
		snap, refreshErr = s.Catalog.Refresh(ctx, start)
		if refreshErr != nil {
			if len(snap.Symbols) == 0 {
				logger.Warn("Catalog unavailable, no symbols to scan: %v", refreshErr)
				s.setState(StateSleeping)
				return s.cfg.ErrorBackoff, nil
			}
			logger.Warn("Catalog refresh failed, continuing with %d cached symbols: %v", len(snap.Symbols), refreshErr)
		}
	}
	if len(snap.Symbols) == 0 {
		s.setState(StateSleeping)
		return s.cfg.IdleInterval, nil
	}

	s.setState(StateScanning)
	samples, err := s.Source.Collect(ctx, snap.Symbols, start)
	if err != nil {
		return 0, fmt.Errorf("failed to collect market data: %w", err)
	}

	sent := 0
	for _, sample := range samples {
		if s.process(ctx, sample) {
			sent++
		}
	}
	s.Throttler.Prune(start)

	duration := s.now().Sub(start)
	s.mu.Lock()
	s.cycles++
	s.alertsSent += int64(sent)
	s.lastCycleStart = start
	s.lastCycleDuration = duration
	s.mu.Unlock()

	logger.Info("Scan cycle completed in %v: %d samples from %d symbols, %d alerts",
		duration, len(samples), len(snap.Symbols), sent)

	s.setState(StateSleeping)
	return s.cfg.ScanInterval, nil
}

// process runs one sample through window, detector, throttler and notifier. It
// reports whether an alert was delivered. A failure is contained to the symbol.
func (s *Scanner) process(ctx context.Context, sample models.Sample) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic while processing %s: %v", sample.Symbol, r)
			sent = false
		}
	}()

	if err := sample.Validate(); err != nil {
		logger.Warn("Dropping invalid sample for %s: %v", sample.Symbol, err)
		return false
	}

	// settings may change mid-cycle; each check uses the value in effect now
	cur := s.Settings.Snapshot()

	history, err := s.Windows.Observe(sample, cur.Window)
	if err != nil {
		logger.Warn("Failed to observe %s: %v", sample.Symbol, err)
		return false
	}

	trigger, ok := s.Detector.Evaluate(sample.Symbol, history, cur.ThresholdPct, cur.Window)
	if !ok {
		return false
	}
	s.Windows.Clear(sample.Symbol)

	count, ok := s.Throttler.Admit(sample.Symbol, sample.Timestamp, cur.MaxSignalsPerDay)
	if !ok {
		logger.Info("Daily limit reached for %s (%d), alert dropped", sample.Symbol, count)
		return false
	}

	alert := models.NewAlert(*trigger, count)
	if err := s.Notifier.Notify(ctx, alert); err != nil {
		logger.Error("Failed to deliver alert for %s: %v", sample.Symbol, err)
		return false
	}
	logger.Info("Alert sent for %s: open interest +%.2f%% over %v (signal %d today)",
		sample.Symbol, alert.OIChangePct, alert.Window, count)

	if s.Recorder != nil {
		if err := s.Recorder.RecordAlert(ctx, alert); err != nil {
			logger.Warn("Failed to record alert %s: %v", alert.ID, err)
		}
	}
	return true
}

// Status returns a snapshot of the engine state
func (s *Scanner) Status() models.EngineStatus {
	snap := s.Catalog.Snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()
	return models.EngineStatus{
		State:               s.State().String(),
		Source:              s.Source.Name(),
		Symbols:             len(snap.Symbols),
		CatalogFetchedAt:    snap.FetchedAt,
		TrackedHistories:    s.Windows.Len(),
		Cycles:              s.cycles,
		LastCycleStart:      s.lastCycleStart,
		LastCycleDuration:   s.lastCycleDuration,
		ConsecutiveFailures: s.consecutiveFailures,
		AlertsSent:          s.alertsSent,
	}
}
