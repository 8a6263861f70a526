package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/oiwatch/internal/catalog"
	"github.com/rewired-gh/oiwatch/internal/models"
	"github.com/rewired-gh/oiwatch/internal/monitor"
	"github.com/rewired-gh/oiwatch/internal/settings"
	"github.com/rewired-gh/oiwatch/internal/throttle"
	"github.com/rewired-gh/oiwatch/internal/window"
)

type fakeFetcher struct {
	mu          sync.Mutex
	instruments []models.Instrument
	err         error
	calls       int
}

func (f *fakeFetcher) Instruments(ctx context.Context) ([]models.Instrument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.instruments, nil
}

func (f *fakeFetcher) QuoteVolumes(ctx context.Context) (map[models.Symbol]decimal.Decimal, error) {
	return nil, nil
}

func (f *fakeFetcher) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// scriptedSource returns the open interest values queued per symbol, one per cycle
type scriptedSource struct {
	mu      sync.Mutex
	script  map[models.Symbol][]string
	calls   int
	symbols [][]models.Symbol
	collect func(ctx context.Context) error // optional hook run before collecting
	closed  bool
}

func (s *scriptedSource) Name() string { return "scripted" }

func (s *scriptedSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *scriptedSource) Collect(ctx context.Context, symbols []models.Symbol, at time.Time) ([]models.Sample, error) {
	if s.collect != nil {
		if err := s.collect(ctx); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.symbols = append(s.symbols, symbols)

	var out []models.Sample
	for _, sym := range symbols {
		queue := s.script[sym]
		if len(queue) == 0 {
			continue
		}
		s.script[sym] = queue[1:]
		if queue[0] == "" {
			continue
		}
		out = append(out, models.Sample{Symbol: sym, Timestamp: at, OpenInterest: decimal.RequireFromString(queue[0])})
	}
	return out, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []models.Alert
	err    error
}

func (n *recordingNotifier) Notify(ctx context.Context, a models.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.alerts = append(n.alerts, a)
	return nil
}

func (n *recordingNotifier) sent() []models.Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.Alert(nil), n.alerts...)
}

type recordingHealth struct {
	mu         sync.Mutex
	errors     []error
	recoveries []int
}

func (h *recordingHealth) SendError(err error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errors = append(h.errors, err)
	return nil
}

func (h *recordingHealth) SendRecovery(n int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recoveries = append(h.recoveries, n)
	return nil
}

type memRecorder struct {
	mu     sync.Mutex
	alerts []models.Alert
}

func (r *memRecorder) RecordAlert(ctx context.Context, a models.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

type harness struct {
	scanner  *Scanner
	fetcher  *fakeFetcher
	source   *scriptedSource
	notifier *recordingNotifier
	health   *recordingHealth
	recorder *memRecorder
	store    *settings.Store
	clock    time.Time
}

var t0 = time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)

func perp(symbol string) models.Instrument {
	return models.Instrument{Symbol: models.Symbol(symbol), QuoteAsset: "USDT", Status: "TRADING", ContractType: "PERPETUAL"}
}

func newHarness(t *testing.T, s settings.Settings, symbols ...string) *harness {
	t.Helper()
	store, err := settings.NewStore(s, nil)
	require.NoError(t, err)

	h := &harness{
		fetcher:  &fakeFetcher{},
		source:   &scriptedSource{script: make(map[models.Symbol][]string)},
		notifier: &recordingNotifier{},
		health:   &recordingHealth{},
		recorder: &memRecorder{},
		store:    store,
		clock:    t0,
	}
	for _, sym := range symbols {
		h.fetcher.instruments = append(h.fetcher.instruments, perp(sym))
	}

	h.scanner = New(Deps{
		Catalog:   catalog.New(h.fetcher, time.Hour, 0, true),
		Source:    h.source,
		Windows:   window.New(),
		Detector:  monitor.New(),
		Throttler: throttle.New(time.UTC, 48*time.Hour),
		Settings:  store,
		Notifier:  h.notifier,
		Health:    h.health,
		Recorder:  h.recorder,
	}, Config{ScanInterval: 0, IdleInterval: time.Second, ErrorBackoff: 5 * time.Second})
	h.scanner.now = func() time.Time { return h.clock }
	return h
}

func activeSettings() settings.Settings {
	return settings.Settings{Window: 10 * time.Minute, ThresholdPct: 5, Enabled: true, Destination: "42", MaxSignalsPerDay: 5}
}

// cycleAt runs one cycle with the clock at t0+offset
func (h *harness) cycleAt(t *testing.T, offset time.Duration) time.Duration {
	t.Helper()
	h.clock = t0.Add(offset)
	delay, err := h.scanner.RunCycle(context.Background())
	require.NoError(t, err)
	return delay
}

func TestScenarioTriggerAfterAccumulation(t *testing.T) {
	h := newHarness(t, activeSettings(), "XYZUSDT")
	h.source.script["XYZUSDT"] = []string{"1000", "1030", "1060", "1061"}

	h.cycleAt(t, 0)
	h.cycleAt(t, 5*time.Minute)
	assert.Empty(t, h.notifier.sent(), "3% must not trigger")
	assert.Len(t, h.scanner.Windows.History("XYZUSDT"), 2)

	h.cycleAt(t, 9*time.Minute)
	sent := h.notifier.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, models.Symbol("XYZUSDT"), sent[0].Symbol)
	assert.InDelta(t, 6.0, sent[0].OIChangePct, 1e-9)
	assert.Equal(t, 1, sent[0].DailyCount)
	assert.Equal(t, 10*time.Minute, sent[0].Window)
	assert.Empty(t, h.scanner.Windows.History("XYZUSDT"), "history is cleared on trigger")

	// a single fresh sample cannot re-trigger
	h.cycleAt(t, 10*time.Minute)
	assert.Len(t, h.notifier.sent(), 1)
	assert.Len(t, h.recorder.alerts, 1)

	st := h.scanner.Status()
	assert.Equal(t, int64(4), st.Cycles)
	assert.Equal(t, int64(1), st.AlertsSent)
	assert.Equal(t, 1, st.Symbols)
	assert.Equal(t, "scripted", st.Source)
}

func TestScenarioDailyLimit(t *testing.T) {
	s := activeSettings()
	s.MaxSignalsPerDay = 2
	h := newHarness(t, s, "XYZUSDT")
	h.source.script["XYZUSDT"] = []string{"1000", "1100", "1100", "1200", "1200", "1300"}

	for i := 0; i < 6; i++ {
		h.cycleAt(t, time.Duration(i)*time.Minute)
	}

	sent := h.notifier.sent()
	require.Len(t, sent, 2, "third qualifying trigger is dropped")
	assert.Equal(t, 1, sent[0].DailyCount)
	assert.Equal(t, 2, sent[1].DailyCount)
	assert.Empty(t, h.scanner.Windows.History("XYZUSDT"), "dropped trigger still clears history")
}

func TestScenarioCatalogFailureKeepsSymbols(t *testing.T) {
	var symbols []string
	for i := 0; i < 50; i++ {
		symbols = append(symbols, fmt.Sprintf("S%02dUSDT", i))
	}
	h := newHarness(t, activeSettings(), symbols...)

	h.cycleAt(t, 0)
	h.fetcher.fail(errors.New("connection reset by peer"))
	h.cycleAt(t, 2*time.Hour)

	require.Len(t, h.source.symbols, 2)
	assert.Len(t, h.source.symbols[1], 50)
	assert.Equal(t, h.source.symbols[0], h.source.symbols[1])
	assert.Equal(t, 2, h.fetcher.calls)
}

func TestCatalogFailureWithoutSnapshotSleeps(t *testing.T) {
	h := newHarness(t, activeSettings(), "XYZUSDT")
	h.fetcher.fail(errors.New("timeout"))

	delay, err := h.scanner.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, delay)
	assert.Equal(t, StateSleeping, h.scanner.State())
	assert.Equal(t, 0, h.source.calls)

	h.fetcher.fail(nil)
	h.cycleAt(t, time.Minute)
	assert.Equal(t, 1, h.source.calls, "next cycle retries the catalog")
}

func TestInactiveSettingsIdleWithoutIO(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *settings.Settings)
	}{
		{"disabled", func(s *settings.Settings) { s.Enabled = false }},
		{"no destination", func(s *settings.Settings) { s.Destination = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := activeSettings()
			tt.mutate(&s)
			h := newHarness(t, s, "XYZUSDT")

			delay := h.cycleAt(t, 0)
			assert.Equal(t, time.Second, delay)
			assert.Equal(t, 0, h.fetcher.calls)
			assert.Equal(t, 0, h.source.calls)
		})
	}
}

func TestSingleFlight(t *testing.T) {
	h := newHarness(t, activeSettings(), "XYZUSDT")
	entered := make(chan struct{})
	release := make(chan struct{})
	h.source.collect = func(ctx context.Context) error {
		close(entered)
		<-release
		return nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.scanner.RunCycle(context.Background())
		done <- err
	}()

	<-entered
	assert.Equal(t, StateScanning, h.scanner.State())
	delay, err := h.scanner.RunCycle(context.Background())
	assert.NoError(t, err, "a concurrent call is a no-op, not an error")
	assert.Zero(t, delay)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, h.source.calls, "the concurrent call must not collect")
}

func TestNotifierFailureDoesNotAffectState(t *testing.T) {
	h := newHarness(t, activeSettings(), "XYZUSDT")
	h.notifier.err = errors.New("telegram down")
	h.source.script["XYZUSDT"] = []string{"1000", "1100"}

	h.cycleAt(t, 0)
	h.cycleAt(t, time.Minute)

	assert.Empty(t, h.scanner.Windows.History("XYZUSDT"))
	assert.Equal(t, 1, h.scanner.Throttler.Count("XYZUSDT", t0))
	assert.Empty(t, h.recorder.alerts)
	assert.Equal(t, int64(0), h.scanner.Status().AlertsSent)
}

func TestSettingsReadPerCheck(t *testing.T) {
	h := newHarness(t, activeSettings(), "XYZUSDT")
	h.source.script["XYZUSDT"] = []string{"1000", "1030"}

	h.cycleAt(t, 0)
	_, err := h.store.SetThreshold(context.Background(), 2.5)
	require.NoError(t, err)
	h.cycleAt(t, time.Minute)

	require.Len(t, h.notifier.sent(), 1, "lowered threshold applies on the next evaluation")
}

func TestRunRecoversFromPanicAndReportsHealth(t *testing.T) {
	h := newHarness(t, activeSettings(), "XYZUSDT")
	h.scanner.cfg.ErrorBackoff = time.Millisecond
	h.scanner.cfg.ScanInterval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	call := 0
	h.source.collect = func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		call++
		switch call {
		case 1:
			panic("boom")
		case 2:
			return errors.New("upstream unavailable")
		case 4:
			cancel()
		}
		return nil
	}

	require.NoError(t, h.scanner.Run(ctx))

	h.health.mu.Lock()
	defer h.health.mu.Unlock()
	require.Len(t, h.health.errors, 1, "only the first failure of a run is reported")
	assert.ErrorIs(t, h.health.errors[0], ErrUnexpected)
	assert.Equal(t, []int{2}, h.health.recoveries)
	assert.True(t, h.source.closed, "Run closes the source on shutdown")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "refreshing_catalog", StateRefreshingCatalog.String())
	assert.Equal(t, "scanning", StateScanning.String())
	assert.Equal(t, "sleeping", StateSleeping.String())
	assert.Equal(t, "state(9)", State(9).String())
}
