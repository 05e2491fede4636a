package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/songzhibin97/cycletrader/internal/models"
)

// Notifier pushes cycle outcomes to an operator.
type Notifier interface {
	NotifyCycle(ctx context.Context, c *models.Cycle) error
	NotifyError(ctx context.Context, rec models.ErrorRecord) error
}

// Nop drops every notification.
type Nop struct{}

func (Nop) NotifyCycle(ctx context.Context, c *models.Cycle) error { return nil }

func (Nop) NotifyError(ctx context.Context, rec models.ErrorRecord) error { return nil }

// Telegram sends plain text messages to one chat.
type Telegram struct {
	api    *tgbotapi.BotAPI
	chatID int64
	logger *slog.Logger
}

// NewTelegram authorizes the bot token. endpoint may be empty for the public API.
func NewTelegram(token string, chatID int64, endpoint string, logger *slog.Logger) (*Telegram, error) {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	api, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("telegram notifier authorized", "bot", api.Self.UserName)
	return &Telegram{api: api, chatID: chatID, logger: logger}, nil
}

func (t *Telegram) NotifyCycle(ctx context.Context, c *models.Cycle) error {
	return t.send(FormatCycle(c))
}

func (t *Telegram) NotifyError(ctx context.Context, rec models.ErrorRecord) error {
	return t.send(fmt.Sprintf("❌ %s cycle #%d aborted\n%s", rec.Symbol, rec.Cycle, rec.Error))
}

func (t *Telegram) send(text string) error {
	if _, err := t.api.Send(tgbotapi.NewMessage(t.chatID, text)); err != nil {
		t.logger.Warn("failed to send telegram message", "error", err)
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}

// FormatCycle renders a finished cycle as a short multi-line message.
func FormatCycle(c *models.Cycle) string {
	var b strings.Builder

	icon := "✅"
	switch {
	case c.Status == models.CycleFailed:
		icon = "❌"
	case c.Status == models.CycleCanceled:
		icon = "⚠️"
	}
	fmt.Fprintf(&b, "%s %s cycle #%d %s", icon, c.Symbol, c.Index, c.Status)
	if c.ExitReason != "" {
		fmt.Fprintf(&b, " (%s)", c.ExitReason)
	}
	if c.Simulated {
		b.WriteString(" [simulated]")
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "buy: %s @ %s\n", c.BuyQuantity.String(), c.BuyPrice.String())
	fmt.Fprintf(&b, "sell: %s @ %s\n", c.Quantity.String(), c.SellPrice.String())
	if c.SoldQty.IsPositive() {
		fmt.Fprintf(&b, "sold: %s @ %s\n", c.SoldQty.String(), c.SoldPrice.String())
	}
	fmt.Fprintf(&b, "profit: %s", c.Profit().StringFixed(8))
	if c.Error != "" {
		fmt.Fprintf(&b, "\nerror: %s", c.Error)
	}
	return b.String()
}
