package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"

	"github.com/rewired-gh/oiwatch/internal/models"
	"github.com/rewired-gh/oiwatch/internal/settings"
)

type fakeBot struct {
	mu       sync.Mutex
	sent     []tgbotapi.MessageConfig
	failures int // number of Send calls to fail before succeeding
	updates  chan tgbotapi.Update
	stopped  bool
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return tgbotapi.Message{}, errors.New("Too Many Requests")
	}
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg)
	}
	return tgbotapi.Message{}, nil
}

func (f *fakeBot) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeBot) StopReceivingUpdates() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *fakeBot) messages() []tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tgbotapi.MessageConfig(nil), f.sent...)
}

func newTestClient(t *testing.T, dest string) (*Client, *fakeBot, *settings.Store) {
	t.Helper()
	store, err := settings.NewStore(settings.Settings{
		Window:           10 * time.Minute,
		ThresholdPct:     5,
		Enabled:          true,
		Destination:      dest,
		MaxSignalsPerDay: 5,
	}, nil)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	bot := &fakeBot{updates: make(chan tgbotapi.Update)}
	return newClient(bot, store, []int64{111}, time.UTC, 3, time.Millisecond), bot, store
}

func textUpdate(userID, chatID int64, text string) tgbotapi.Update {
	msg := &tgbotapi.Message{
		From: &tgbotapi.User{ID: userID},
		Chat: &tgbotapi.Chat{ID: chatID},
		Text: text,
	}
	if strings.HasPrefix(text, "/") {
		cmd := strings.SplitN(text, " ", 2)[0]
		msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}}
	}
	return tgbotapi.Update{Message: msg}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{1 * time.Hour, "1h"},
		{2 * time.Hour, "2h"},
		{30 * time.Minute, "30m"},
		{1 * time.Minute, "1m"},
		{90 * time.Minute, "90m"},
	}

	for _, tt := range tests {
		result := formatDuration(tt.duration)
		if result != tt.expected {
			t.Errorf("formatDuration(%v) = %s, expected %s", tt.duration, result, tt.expected)
		}
	}
}

func TestEscapeMarkdownV2(t *testing.T) {
	got := escapeMarkdownV2("+6.00% (1_000)!")
	want := `\+6\.00% \(1\_000\)\!`
	if got != want {
		t.Errorf("escapeMarkdownV2() = %s, want %s", got, want)
	}
}

func TestFormatAlert(t *testing.T) {
	pricePct := -1.5
	alert := models.Alert{
		Symbol:         "XYZUSDT",
		OIChangePct:    6,
		PriceChangePct: &pricePct,
		Price:          decimal.NewNullDecimal(decimal.RequireFromString("0.0421")),
		Volume:         decimal.NewNullDecimal(decimal.RequireFromString("1234567.89")),
		FundingRate:    decimal.NewNullDecimal(decimal.RequireFromString("0.0001")),
		Window:         10 * time.Minute,
		DailyCount:     2,
	}

	msg := formatAlert(alert)
	for _, want := range []string{
		"[XYZUSDT](https://www.coinglass.com/tv/Binance_XYZUSDT)",
		`OI growth: *\+6\.00%*`,
		`Price: *\-1\.50%*`,
		`Last price: 0\.0421`,
		"24h volume: 1,234,567 USDT",
		`Funding: 0\.0100%`,
		"Window: 10m",
		"*Signal today:* 2",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}

	// optional fields are omitted when unknown
	bare := formatAlert(models.Alert{Symbol: "ABCUSDT", OIChangePct: 5, Window: time.Hour, DailyCount: 1})
	if strings.Contains(bare, "Price") || strings.Contains(bare, "Funding") {
		t.Errorf("expected no optional lines:\n%s", bare)
	}
}

func TestNotify(t *testing.T) {
	c, bot, _ := newTestClient(t, "-100200")
	bot.failures = 2

	if err := c.Notify(context.Background(), models.Alert{Symbol: "XYZUSDT", Window: time.Minute, DailyCount: 1}); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	sent := bot.messages()
	if len(sent) != 1 {
		t.Fatalf("expected one delivered message, got %d", len(sent))
	}
	if sent[0].ChatID != -100200 || sent[0].ParseMode != tgbotapi.ModeMarkdownV2 {
		t.Errorf("unexpected message config: chat=%d mode=%s", sent[0].ChatID, sent[0].ParseMode)
	}
}

func TestNotifyErrors(t *testing.T) {
	c, _, _ := newTestClient(t, "")
	if err := c.Notify(context.Background(), models.Alert{}); !errors.Is(err, ErrNoDestination) {
		t.Errorf("expected ErrNoDestination, got %v", err)
	}

	c, bot, _ := newTestClient(t, "42")
	bot.failures = 10
	if err := c.Notify(context.Background(), models.Alert{Symbol: "XYZUSDT"}); err == nil {
		t.Error("expected error after exhausting retries")
	}
	if bot.failures != 7 {
		t.Errorf("expected 3 attempts, %d failures left", bot.failures)
	}
}

func TestHealthMessages(t *testing.T) {
	c, bot, _ := newTestClient(t, "42")
	if err := c.SendError(errors.New("dial tcp: `timeout`")); err != nil {
		t.Fatalf("SendError failed: %v", err)
	}
	if err := c.SendRecovery(3); err != nil {
		t.Fatalf("SendRecovery failed: %v", err)
	}
	sent := bot.messages()
	if len(sent) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(sent))
	}
	if !strings.Contains(sent[0].Text, "dial tcp: \\`timeout\\`") {
		t.Errorf("error text not escaped: %s", sent[0].Text)
	}
	if !strings.Contains(sent[1].Text, "3 failed cycles") {
		t.Errorf("unexpected recovery text: %s", sent[1].Text)
	}
}

func TestStartBindsChat(t *testing.T) {
	c, bot, store := newTestClient(t, "")

	c.handleUpdate(context.Background(), textUpdate(111, 555, "/start"))

	if got := store.Snapshot().Destination; got != "555" {
		t.Errorf("expected destination 555, got %q", got)
	}
	sent := bot.messages()
	if len(sent) != 1 || sent[0].ReplyMarkup == nil {
		t.Fatalf("expected status reply with keyboard, got %+v", sent)
	}
}

func TestUnauthorizedUserIgnored(t *testing.T) {
	c, bot, store := newTestClient(t, "")

	c.handleUpdate(context.Background(), textUpdate(999, 555, "/start"))
	c.handleUpdate(context.Background(), textUpdate(999, 555, "/threshold 1"))

	if store.Snapshot().Destination != "" || store.Snapshot().ThresholdPct != 5 {
		t.Errorf("unauthorized user changed settings: %+v", store.Snapshot())
	}
	if len(bot.messages()) != 0 {
		t.Errorf("expected no replies to unauthorized user")
	}
}

func TestSettingCommands(t *testing.T) {
	c, _, store := newTestClient(t, "42")
	ctx := context.Background()

	c.handleUpdate(ctx, textUpdate(111, 42, "/window 15"))
	c.handleUpdate(ctx, textUpdate(111, 42, "/threshold 3,5"))
	c.handleUpdate(ctx, textUpdate(111, 42, "/limit 2"))
	c.handleUpdate(ctx, textUpdate(111, 42, "/disable"))

	got := store.Snapshot()
	if got.Window != 15*time.Minute || got.ThresholdPct != 3.5 || got.MaxSignalsPerDay != 2 || got.Enabled {
		t.Errorf("unexpected settings after commands: %+v", got)
	}

	c.handleUpdate(ctx, textUpdate(111, 42, "/threshold -1"))
	if store.Snapshot().ThresholdPct != 3.5 {
		t.Errorf("invalid threshold must be rejected")
	}
}

func TestSettingCommandsRejectBadValues(t *testing.T) {
	tests := []struct {
		name    string
		command string
	}{
		{"NaN threshold", "/threshold nan"},
		{"infinite threshold", "/threshold inf"},
		{"negative infinite threshold", "/threshold -Inf"},
		{"fractional window", "/window 1.5"},
		{"oversized window", "/window 1e12"},
		{"overflowing window", "/window 9223372036854775807"},
		{"window above one day", "/window 1441"},
		{"fractional limit", "/limit 2.5"},
		{"oversized limit", "/limit 100000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, bot, store := newTestClient(t, "42")
			before := store.Snapshot()

			c.handleUpdate(context.Background(), textUpdate(111, 42, tt.command))

			if got := store.Snapshot(); got != before {
				t.Errorf("%q changed settings: %+v", tt.command, got)
			}
			msgs := bot.messages()
			if len(msgs) != 1 || !strings.HasPrefix(msgs[0].Text, "❌") {
				t.Errorf("expected a rejection reply, got %+v", msgs)
			}
		})
	}
}

func TestKeyboardEditFlow(t *testing.T) {
	c, bot, store := newTestClient(t, "42")
	ctx := context.Background()

	c.handleUpdate(ctx, textUpdate(111, 42, buttonThreshold))
	c.handleUpdate(ctx, textUpdate(111, 42, "abc"))
	if store.Snapshot().ThresholdPct != 5 {
		t.Fatalf("non-numeric input must not change settings")
	}

	c.handleUpdate(ctx, textUpdate(111, 42, "7.5"))
	if store.Snapshot().ThresholdPct != 7.5 {
		t.Errorf("expected threshold 7.5, got %v", store.Snapshot().ThresholdPct)
	}

	// edit state is consumed; a further number is ignored
	before := len(bot.messages())
	c.handleUpdate(ctx, textUpdate(111, 42, "9"))
	if store.Snapshot().ThresholdPct != 7.5 || len(bot.messages()) != before {
		t.Errorf("stray number must be ignored once the edit completed")
	}
}

type staticStatus struct{ st models.EngineStatus }

func (s staticStatus) Status() models.EngineStatus { return s.st }

func TestStatusText(t *testing.T) {
	c, _, _ := newTestClient(t, "42")
	c.SetStatusSource(staticStatus{models.EngineStatus{State: "sleeping", Source: "poll", Symbols: 200, Cycles: 12, AlertsSent: 3}})

	text := c.statusText()
	for _, want := range []string{"Window: 10m", "Threshold: 5%", "Daily limit: 5", "Engine: sleeping \\(poll\\)", "Symbols: 200"} {
		if !strings.Contains(text, want) {
			t.Errorf("status missing %q:\n%s", want, text)
		}
	}
}

func TestListenForCommandsStopsOnCancel(t *testing.T) {
	c, bot, store := newTestClient(t, "")
	ctx, cancel := context.WithCancel(context.Background())

	c.ListenForCommands(ctx)
	bot.updates <- textUpdate(111, 77, "/start")

	deadline := time.Now().Add(time.Second)
	for store.Snapshot().Destination != "77" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if store.Snapshot().Destination != "77" {
		t.Fatalf("update was not handled")
	}

	cancel()
	deadline = time.Now().Add(time.Second)
	for {
		bot.mu.Lock()
		stopped := bot.stopped
		bot.mu.Unlock()
		if stopped {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("listener did not stop")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
