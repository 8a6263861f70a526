// Package telegram delivers alerts through the Telegram Bot API and serves the
// operator command surface.
//
// Messages use MarkdownV2. Delivery is retried with a linear backoff; a failed
// delivery is reported to the caller and never touches monitoring state.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"

	"github.com/rewired-gh/oiwatch/internal/models"
	"github.com/rewired-gh/oiwatch/internal/settings"
)

// ErrNoDestination is returned when no chat is bound yet
var ErrNoDestination = errors.New("no destination chat configured")

const chartURL = "https://www.coinglass.com/tv/Binance_"

// botAPI is the subset of *tgbotapi.BotAPI used by the client
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// SettingsStore is the live settings owner edited by commands
type SettingsStore interface {
	Snapshot() settings.Settings
	Apply(ctx context.Context, p settings.Patch) (settings.Settings, error)
}

// StatusSource reports engine state for /status
type StatusSource interface {
	Status() models.EngineStatus
}

// Client handles Telegram notifications and commands
type Client struct {
	bot            botAPI
	store          SettingsStore
	allowed        map[int64]bool
	loc            *time.Location
	maxRetries     int
	retryDelayBase time.Duration

	mu      sync.Mutex
	status  StatusSource
	pending map[int64]editField // user id -> field awaiting a value
}

// NewClient creates a new Telegram client
func NewClient(botToken string, store SettingsStore, allowedUsers []int64, loc *time.Location, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	return newClient(bot, store, allowedUsers, loc, maxRetries, retryDelayBase), nil
}

func newClient(bot botAPI, store SettingsStore, allowedUsers []int64, loc *time.Location, maxRetries int, retryDelayBase time.Duration) *Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	if loc == nil {
		loc = time.UTC
	}

	allowed := make(map[int64]bool, len(allowedUsers))
	for _, id := range allowedUsers {
		allowed[id] = true
	}

	return &Client{
		bot:            bot,
		store:          store,
		allowed:        allowed,
		loc:            loc,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
		pending:        make(map[int64]editField),
	}
}

// SetStatusSource attaches the engine status reporter
func (c *Client) SetStatusSource(s StatusSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = s
}

func (c *Client) destination() (int64, error) {
	dest := c.store.Snapshot().Destination
	if dest == "" {
		return 0, ErrNoDestination
	}
	chatID, err := strconv.ParseInt(dest, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat ID %q: %w", dest, err)
	}
	return chatID, nil
}

// Notify sends one alert to the bound chat
func (c *Client) Notify(ctx context.Context, alert models.Alert) error {
	chatID, err := c.destination()
	if err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(chatID, formatAlert(alert))
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	msg.DisableWebPagePreview = true
	return c.send(ctx, msg)
}

// SendError reports the first failure of a run of failing scan cycles
func (c *Client) SendError(err error) error {
	chatID, destErr := c.destination()
	if destErr != nil {
		return destErr
	}
	text := fmt.Sprintf("⚠️ *Scan cycle failing*\n\n`%s`", escapeCode(err.Error()))
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	return c.send(context.Background(), msg)
}

// SendRecovery reports that scanning works again after failures consecutive failures
func (c *Client) SendRecovery(failures int) error {
	chatID, err := c.destination()
	if err != nil {
		return err
	}
	text := escapeMarkdownV2(fmt.Sprintf("✅ Scanning recovered after %d failed cycles.", failures))
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	return c.send(context.Background(), msg)
}

// send delivers msg, retrying with a linear backoff
func (c *Client) send(ctx context.Context, msg tgbotapi.Chattable) error {
	var lastErr error

	for i := 0; i < c.maxRetries; i++ {
		_, err := c.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err

		if i == c.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("send aborted: %w", ctx.Err())
		case <-time.After(c.retryDelayBase * time.Duration(i+1)):
		}
	}

	return fmt.Errorf("failed to send message after %d retries: %w", c.maxRetries, lastErr)
}

// formatAlert renders an alert as a MarkdownV2 message
func formatAlert(a models.Alert) string {
	var b strings.Builder

	symbol := a.Symbol.String()
	fmt.Fprintf(&b, "🪙 *[%s](%s%s)*\n", escapeMarkdownV2(symbol), chartURL, symbol)
	fmt.Fprintf(&b, "📊 OI growth: *%s*\n", escapeMarkdownV2(signedPct(a.OIChangePct)))
	if a.PriceChangePct != nil {
		fmt.Fprintf(&b, "📈 Price: *%s*\n", escapeMarkdownV2(signedPct(*a.PriceChangePct)))
	}
	if a.Price.Valid {
		fmt.Fprintf(&b, "💵 Last price: %s\n", escapeMarkdownV2(a.Price.Decimal.String()))
	}
	if a.Volume.Valid {
		fmt.Fprintf(&b, "💧 24h volume: %s USDT\n", escapeMarkdownV2(humanize.Comma(a.Volume.Decimal.IntPart())))
	}
	if a.FundingRate.Valid {
		funding := a.FundingRate.Decimal.Mul(decimal.NewFromInt(100)).StringFixed(4) + "%"
		fmt.Fprintf(&b, "💸 Funding: %s\n", escapeMarkdownV2(funding))
	}
	fmt.Fprintf(&b, "⏱ Window: %s\n", escapeMarkdownV2(formatDuration(a.Window)))
	fmt.Fprintf(&b, "🔁 *Signal today:* %d", a.DailyCount)

	return b.String()
}

func signedPct(v float64) string {
	return fmt.Sprintf("%+.2f%%", v)
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}

// escapeCode escapes text placed inside a MarkdownV2 code span
func escapeCode(text string) string {
	r := strings.NewReplacer("\\", "\\\\", "`", "\\`")
	return r.Replace(text)
}

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	if d >= time.Hour && d%time.Hour == 0 {
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return fmt.Sprintf("%dm", int(d.Minutes()))
}
