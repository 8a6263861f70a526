package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/rewired-gh/oiwatch/internal/logger"
	"github.com/rewired-gh/oiwatch/internal/models"
)

// Channels subscribed per symbol
var streamSuffixes = []string{"@openInterest", "@ticker", "@markPrice"}

const (
	eventOpenInterest = "openInterest"
	eventTicker       = "24hrTicker"
	eventMarkPrice    = "markPriceUpdate"
)

// StreamConfig tunes the websocket connections
type StreamConfig struct {
	URL                      string
	ChunkSize                int
	MaxStreamsPerConnection  int
	SubscribeBatchSize       int
	ControlMessagesPerSecond float64
	ReconnectDelay           time.Duration
}

// Streamer keeps multiplexed websocket subscriptions for the current symbol set and
// serves samples from the metric cache they feed.
type Streamer struct {
	cfg    StreamConfig
	cache  *MetricCache
	dialer *websocket.Dialer
	nextID atomic.Int64

	mu      sync.Mutex
	symbols []models.Symbol
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
}

// NewStreamer creates a streaming source. Connections are opened by the first Collect.
func NewStreamer(cfg StreamConfig, cache *MetricCache) *Streamer {
	if cache == nil {
		cache = NewMetricCache()
	}
	return &Streamer{
		cfg:    cfg,
		cache:  cache,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Name implements Source
func (s *Streamer) Name() string { return "stream" }

// Cache exposes the metric cache fed by the connections
func (s *Streamer) Cache() *MetricCache { return s.cache }

// Collect (re)subscribes when the symbol set changed, then emits a sample stamped at
// for every symbol whose open interest has been received.
func (s *Streamer) Collect(ctx context.Context, symbols []models.Symbol, at time.Time) ([]models.Sample, error) {
	if err := s.ensure(symbols); err != nil {
		return nil, err
	}
	return lo.FilterMap(symbols, func(sym models.Symbol, _ int) (models.Sample, bool) {
		return s.cache.Sample(sym, at)
	}), nil
}

// Close stops every connection and waits for them to exit
func (s *Streamer) Close() error {
	s.mu.Lock()
	s.closed = true
	s.stopLocked()
	s.mu.Unlock()
	return nil
}

func (s *Streamer) ensure(symbols []models.Symbol) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("streamer closed")
	}

	wanted := slices.Clone(symbols)
	slices.Sort(wanted)
	if s.cancel != nil && slices.Equal(wanted, s.symbols) {
		return nil
	}

	s.stopLocked()
	s.symbols = wanted
	if len(wanted) == 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	chunks := lo.Chunk(wanted, s.chunkSize())
	for i, chunk := range chunks {
		s.wg.Add(1)
		go s.runConnection(ctx, i, chunk)
	}
	logger.Info("Streaming %d symbols over %d connections", len(wanted), len(chunks))
	return nil
}

func (s *Streamer) stopLocked() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.cancel = nil
}

func (s *Streamer) chunkSize() int {
	size := s.cfg.ChunkSize
	if limit := s.cfg.MaxStreamsPerConnection / len(streamSuffixes); limit > 0 && (size <= 0 || size > limit) {
		size = limit
	}
	if size <= 0 {
		size = 1
	}
	return size
}

// runConnection owns one websocket for its lifetime, reconnecting after a fixed delay
// and subscribing from scratch each time.
func (s *Streamer) runConnection(ctx context.Context, id int, symbols []models.Symbol) {
	defer s.wg.Done()

	for {
		err := s.session(ctx, symbols)
		if ctx.Err() != nil {
			return
		}
		logger.Warn("Stream connection %d dropped: %v, reconnecting in %s", id, err, s.cfg.ReconnectDelay)

		select {
		case <-time.After(s.cfg.ReconnectDelay):
		case <-ctx.Done():
			return
		}
	}
}

func (s *Streamer) session(ctx context.Context, symbols []models.Symbol) error {
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// Unblocks ReadMessage on shutdown
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := s.subscribe(ctx, conn, symbols); err != nil {
		return err
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		s.handleFrame(raw, time.Now())
	}
}

type controlMessage struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func (s *Streamer) subscribe(ctx context.Context, conn *websocket.Conn, symbols []models.Symbol) error {
	channels := make([]string, 0, len(symbols)*len(streamSuffixes))
	for _, sym := range symbols {
		lower := strings.ToLower(sym.String())
		for _, suffix := range streamSuffixes {
			channels = append(channels, lower+suffix)
		}
	}

	batch := s.cfg.SubscribeBatchSize
	if batch <= 0 {
		batch = len(channels)
	}
	limiter := rate.NewLimiter(rate.Limit(s.cfg.ControlMessagesPerSecond), 1)

	for _, params := range lo.Chunk(channels, batch) {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		msg := controlMessage{Method: "SUBSCRIBE", Params: params, ID: s.nextID.Add(1)}
		if err := conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}
	return nil
}

// handleFrame decodes a combined-stream envelope or a raw event and writes the
// carried metric into the cache. Keys are looked up exactly because Binance payloads
// contain keys that differ only in case ("c" and "C").
func (s *Streamer) handleFrame(raw []byte, received time.Time) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		logger.Debug("Dropping undecodable stream frame: %v", err)
		return
	}

	if data, ok := fields["data"]; ok {
		fields = nil
		if err := json.Unmarshal(data, &fields); err != nil {
			logger.Debug("Dropping undecodable stream payload: %v", err)
			return
		}
	}

	if errMsg, ok := fields["error"]; ok {
		logger.Warn("Stream control error: %s", errMsg)
		return
	}

	event := stringField(fields, "e")
	symbol := models.Symbol(stringField(fields, "s"))
	if event == "" || symbol == "" {
		return // subscription ack or unknown frame
	}

	at := received
	var ms int64
	if v, ok := fields["E"]; ok && json.Unmarshal(v, &ms) == nil && ms > 0 {
		at = time.UnixMilli(ms)
	}

	switch event {
	case eventOpenInterest:
		if oi, ok := decimalField(fields, "o"); ok {
			s.cache.SetOpenInterest(symbol, oi, at)
		}
	case eventTicker:
		price, okPrice := decimalField(fields, "c")
		volume, okVolume := decimalField(fields, "q")
		if okPrice && okVolume {
			s.cache.SetTicker(symbol, price, volume, at)
		}
	case eventMarkPrice:
		if r, ok := decimalField(fields, "r"); ok {
			s.cache.SetFundingRate(symbol, r, at)
		}
	}
}

func stringField(fields map[string]json.RawMessage, key string) string {
	var v string
	if raw, ok := fields[key]; ok {
		_ = json.Unmarshal(raw, &v)
	}
	return v
}

func decimalField(fields map[string]json.RawMessage, key string) (decimal.Decimal, bool) {
	v := stringField(fields, key)
	if v == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}
