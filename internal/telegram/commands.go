package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/oiwatch/internal/logger"
	"github.com/rewired-gh/oiwatch/internal/settings"
)

type editField int

const (
	editNone editField = iota
	editWindow
	editThreshold
	editLimit
)

// Reply keyboard labels
const (
	buttonWindow    = "⏱ OI window"
	buttonThreshold = "📈 OI %"
	buttonLimit     = "🔁 Daily limit"
	buttonStatus    = "📊 Status"
)

var buttonFields = map[string]editField{
	buttonWindow:    editWindow,
	buttonThreshold: editThreshold,
	buttonLimit:     editLimit,
}

const helpText = `Commands:
/start - bind this chat for alerts
/status - show settings and engine state
/window <minutes> - set the rolling window
/threshold <percent> - set the trigger threshold
/limit <n> - set max alerts per symbol per day
/enable, /disable - turn scanning on or off`

func keyboard() tgbotapi.ReplyKeyboardMarkup {
	kb := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(buttonWindow),
			tgbotapi.NewKeyboardButton(buttonThreshold),
		),
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(buttonLimit),
			tgbotapi.NewKeyboardButton(buttonStatus),
		),
	)
	kb.ResizeKeyboard = true
	return kb
}

// ListenForCommands starts a goroutine that serves operator commands until ctx is done.
// Messages from users outside the allow list are ignored.
func (c *Client) ListenForCommands(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		defer c.bot.StopReceivingUpdates()
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				c.handleUpdate(ctx, update)
			}
		}
	}()
	logger.Info("Listening for Telegram commands from %d allowed users", len(c.allowed))
}

func (c *Client) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}
	if !c.allowed[msg.From.ID] {
		logger.Debug("Ignoring Telegram message from user %d", msg.From.ID)
		return
	}

	if msg.IsCommand() {
		c.clearPending(msg.From.ID)
		c.handleCommand(ctx, msg)
		return
	}
	c.handleText(ctx, msg)
}

func (c *Client) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	args := strings.TrimSpace(msg.CommandArguments())

	switch msg.Command() {
	case "start":
		if _, err := c.store.Apply(ctx, settings.Patch{Destination: ptr(strconv.FormatInt(chatID, 10))}); err != nil {
			logger.Error("Failed to bind chat %d: %v", chatID, err)
		} else {
			logger.Info("Alerts bound to chat %d", chatID)
		}
		c.reply(ctx, chatID, c.statusText(), true)
	case "status":
		c.reply(ctx, chatID, c.statusText(), false)
	case "window":
		c.applyValue(ctx, chatID, editWindow, args)
	case "threshold":
		c.applyValue(ctx, chatID, editThreshold, args)
	case "limit":
		c.applyValue(ctx, chatID, editLimit, args)
	case "enable":
		c.applyPatch(ctx, chatID, settings.Patch{Enabled: ptr(true)})
	case "disable":
		c.applyPatch(ctx, chatID, settings.Patch{Enabled: ptr(false)})
	default:
		c.reply(ctx, chatID, escapeMarkdownV2(helpText), false)
	}
}

func (c *Client) handleText(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	text := strings.TrimSpace(msg.Text)

	if text == buttonStatus {
		c.reply(ctx, chatID, c.statusText(), false)
		return
	}
	if field, ok := buttonFields[text]; ok {
		c.mu.Lock()
		c.pending[msg.From.ID] = field
		c.mu.Unlock()
		c.reply(ctx, chatID, escapeMarkdownV2("Send a number:"), false)
		return
	}

	c.mu.Lock()
	field := c.pending[msg.From.ID]
	c.mu.Unlock()
	if field == editNone {
		return
	}
	if c.applyValue(ctx, chatID, field, text) {
		c.clearPending(msg.From.ID)
	}
}

func (c *Client) clearPending(userID int64) {
	c.mu.Lock()
	delete(c.pending, userID)
	c.mu.Unlock()
}

// applyValue parses raw for field and applies it. It reports whether the edit was
// accepted. Window and limit take whole numbers only.
func (c *Client) applyValue(ctx context.Context, chatID int64, field editField, raw string) bool {
	var p settings.Patch
	switch field {
	case editWindow:
		minutes, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.reply(ctx, chatID, escapeMarkdownV2("❌ Send a whole number of minutes"), false)
			return false
		}
		window, err := settings.WindowFromMinutes(minutes)
		if err != nil {
			c.reply(ctx, chatID, escapeMarkdownV2("❌ "+err.Error()), false)
			return false
		}
		p.Window = &window
	case editThreshold:
		value, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", "."), 64)
		if err != nil {
			c.reply(ctx, chatID, escapeMarkdownV2("❌ Send a number"), false)
			return false
		}
		p.ThresholdPct = &value
	case editLimit:
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.reply(ctx, chatID, escapeMarkdownV2("❌ Send a whole number"), false)
			return false
		}
		p.MaxSignalsPerDay = &n
	default:
		return false
	}
	return c.applyPatch(ctx, chatID, p)
}

func (c *Client) applyPatch(ctx context.Context, chatID int64, p settings.Patch) bool {
	_, err := c.store.Apply(ctx, p)
	switch {
	case errors.Is(err, settings.ErrInvalid):
		c.reply(ctx, chatID, escapeMarkdownV2("❌ "+err.Error()), false)
		return false
	case err != nil:
		// applied in memory, only persistence failed
		logger.Error("Failed to persist settings: %v", err)
	}
	c.reply(ctx, chatID, escapeMarkdownV2("✅ Saved"), true)
	return true
}

func (c *Client) reply(ctx context.Context, chatID int64, text string, withKeyboard bool) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	if withKeyboard {
		msg.ReplyMarkup = keyboard()
	}
	if err := c.send(ctx, msg); err != nil {
		logger.Warn("Failed to reply to chat %d: %v", chatID, err)
	}
}

func (c *Client) statusText() string {
	s := c.store.Snapshot()

	var b strings.Builder
	b.WriteString("📊 *Binance Open Interest Screener*\n\n")
	state := "on"
	if !s.Enabled {
		state = "off"
	}
	fmt.Fprintf(&b, "• Scanning: %s\n", state)
	fmt.Fprintf(&b, "• Window: %s\n", escapeMarkdownV2(formatDuration(s.Window)))
	fmt.Fprintf(&b, "• Threshold: %s\n", escapeMarkdownV2(strconv.FormatFloat(s.ThresholdPct, 'f', -1, 64)+"%"))
	fmt.Fprintf(&b, "• Daily limit: %d per symbol\n", s.MaxSignalsPerDay)

	c.mu.Lock()
	src := c.status
	c.mu.Unlock()
	if src != nil {
		st := src.Status()
		b.WriteString("\n")
		fmt.Fprintf(&b, "• Engine: %s \\(%s\\)\n", escapeMarkdownV2(st.State), escapeMarkdownV2(st.Source))
		fmt.Fprintf(&b, "• Symbols: %d, tracked: %d\n", st.Symbols, st.TrackedHistories)
		fmt.Fprintf(&b, "• Cycles: %d, alerts sent: %d\n", st.Cycles, st.AlertsSent)
		if st.ConsecutiveFailures > 0 {
			fmt.Fprintf(&b, "• Failing cycles: %d\n", st.ConsecutiveFailures)
		}
	}

	now := time.Now().In(c.loc).Format("15:04:05 MST")
	fmt.Fprintf(&b, "\n⏱ Updated: _%s_", escapeMarkdownV2(now))
	return b.String()
}

func ptr[T any](v T) *T { return &v }
