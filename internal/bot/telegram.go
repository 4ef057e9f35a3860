// Package bot sends task notifications to Telegram and answers status
// commands.
package bot

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/erkineren/agentgate/internal/logging"
	"github.com/erkineren/agentgate/internal/models"
)

// API is the part of *tgbotapi.BotAPI the bot uses.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

type Bot struct {
	API    API
	logger *zap.Logger
}

func New(token string, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	return NewWithAPI(api, logger), nil
}

func NewWithAPI(api API, logger *zap.Logger) *Bot {
	return &Bot{API: api, logger: logging.OrNop(logger)}
}

func (b *Bot) SendNotification(chatID int64, notification models.Notification) error {
	icon := "✅"
	if !notification.Success {
		icon = "❌"
	}

	var text strings.Builder
	text.WriteString(icon + " *" + escapeMarkdown(notification.Title) + "*")
	if notification.Message != "" {
		text.WriteString("\n" + escapeMarkdown(notification.Message))
	}
	if notification.URL != "" {
		text.WriteString("\n" + escapeMarkdown(notification.URL))
	}

	msg := tgbotapi.NewMessage(chatID, text.String())
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	msg.DisableWebPagePreview = true

	if _, err := b.API.Send(msg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

func (b *Bot) reply(chatID int64, text string) error {
	_, err := b.API.Send(tgbotapi.NewMessage(chatID, text))
	return err
}

// Listen long-polls for updates and hands them to h until ctx is done.
func (b *Bot) Listen(ctx context.Context, h *Handler, timeout int) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = timeout
	updates := b.API.GetUpdatesChan(u)
	b.logger.Info("Telegram bot listening for updates")

	for {
		select {
		case <-ctx.Done():
			b.API.StopReceivingUpdates()
			b.logger.Info("Telegram bot stopped")
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message != nil && update.Message.IsCommand() {
				b.logger.Debug("Received command",
					zap.String("command", update.Message.Command()),
					zap.Int64("chat_id", update.Message.Chat.ID))
			}
			if err := h.HandleUpdate(ctx, update); err != nil {
				b.logger.Warn("Error handling update", zap.Error(err))
			}
		}
	}
}

func escapeMarkdown(text string) string {
	replacer := strings.NewReplacer(
		"\\", "\\\\",
		"_", "\\_",
		"*", "\\*",
		"[", "\\[",
		"]", "\\]",
		"(", "\\(",
		")", "\\)",
		"~", "\\~",
		"`", "\\`",
		">", "\\>",
		"#", "\\#",
		"+", "\\+",
		"-", "\\-",
		"=", "\\=",
		"|", "\\|",
		"{", "\\{",
		"}", "\\}",
		".", "\\.",
		"!", "\\!",
	)
	return replacer.Replace(text)
}
