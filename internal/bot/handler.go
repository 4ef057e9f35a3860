package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/erkineren/agentgate/internal/models"
	"github.com/erkineren/agentgate/internal/store"
)

// Status is the runtime summary shown by /status.
type Status struct {
	MachineID       string
	QueueLength     int
	ActiveSubagents int
	MaxSubagents    int
	Connections     int
}

type StatusFunc func() Status

type Handler struct {
	Bot    *Bot
	store  store.Store
	status StatusFunc
}

func NewHandler(bot *Bot, store store.Store, status StatusFunc) *Handler {
	return &Handler{
		Bot:    bot,
		store:  store,
		status: status,
	}
}

func (h *Handler) HandleUpdate(ctx context.Context, update tgbotapi.Update) error {
	if update.Message == nil || !update.Message.IsCommand() {
		return nil
	}

	var err error
	switch update.Message.Command() {
	case "start", "help":
		err = h.handleHelp(update.Message)
	case "status":
		err = h.handleStatus(update.Message)
	case "task":
		err = h.handleTask(ctx, update.Message)
	case "event":
		err = h.handleEvent(ctx, update.Message)
	default:
		err = h.handleUnknown(update.Message)
	}

	if err != nil {
		_ = h.Bot.reply(update.Message.Chat.ID, fmt.Sprintf("Error: %v", err))
	}
	return err
}

func (h *Handler) handleHelp(message *tgbotapi.Message) error {
	text := `agentgate bot

Available commands:
/status - Show queue and subagent status
/task <task_id> - Show a task
/event <event_id> - Show a webhook event
/help - Show this help message`
	return h.Bot.reply(message.Chat.ID, text)
}

func (h *Handler) handleStatus(message *tgbotapi.Message) error {
	s := h.status()
	text := fmt.Sprintf("🟢 %s\nQueue: %d\nSubagents: %d/%d\nConnections: %d",
		s.MachineID, s.QueueLength, s.ActiveSubagents, s.MaxSubagents, s.Connections)
	return h.Bot.reply(message.Chat.ID, text)
}

func (h *Handler) handleTask(ctx context.Context, message *tgbotapi.Message) error {
	id := strings.TrimSpace(message.CommandArguments())
	if id == "" {
		return fmt.Errorf("usage: /task <task_id>")
	}
	task, err := h.store.GetTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("task %s not found", id)
	} else if err != nil {
		return err
	}

	var text strings.Builder
	fmt.Fprintf(&text, "%s %s\n", statusIcon(string(task.Status)), task.ID)
	fmt.Fprintf(&text, "Provider: %s\nCommand: %s\nAgent: %s\nStatus: %s\n", task.Provider, task.Command, task.Agent, task.Status)
	fmt.Fprintf(&text, "Created: %s\n", task.CreatedAt.Format("2006-01-02 15:04:05"))
	if task.CostUSD > 0 {
		fmt.Fprintf(&text, "Cost: $%.4f\n", task.CostUSD)
	}
	if task.Error != "" {
		fmt.Fprintf(&text, "Error: %s\n", truncate(task.Error, 300))
	}
	if task.Result != "" {
		fmt.Fprintf(&text, "\n%s", truncate(task.Result, 1000))
	}
	return h.Bot.reply(message.Chat.ID, text.String())
}

func (h *Handler) handleEvent(ctx context.Context, message *tgbotapi.Message) error {
	id := strings.TrimSpace(message.CommandArguments())
	if id == "" {
		return fmt.Errorf("usage: /event <event_id>")
	}
	event, err := h.store.GetEvent(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("event %s not found", id)
	} else if err != nil {
		return err
	}

	var text strings.Builder
	fmt.Fprintf(&text, "%s %s\n", statusIcon(string(event.Status)), event.ID)
	fmt.Fprintf(&text, "Webhook: %s\nType: %s\nStatus: %s\n", event.WebhookName, event.EventType, event.Status)
	if event.MatchedCommand != "" {
		fmt.Fprintf(&text, "Command: %s\n", event.MatchedCommand)
	}
	if event.TaskID != "" {
		fmt.Fprintf(&text, "Task: %s\n", event.TaskID)
	}
	if event.Reason != "" {
		fmt.Fprintf(&text, "Reason: %s\n", event.Reason)
	}
	fmt.Fprintf(&text, "Received: %s", event.CreatedAt.Format("2006-01-02 15:04:05"))
	return h.Bot.reply(message.Chat.ID, text.String())
}

func (h *Handler) handleUnknown(message *tgbotapi.Message) error {
	return h.Bot.reply(message.Chat.ID, "Unknown command. Use /help to see available commands.")
}

func statusIcon(status string) string {
	switch status {
	case string(models.TaskCompleted), string(models.EventProcessed):
		return "🟢"
	case string(models.TaskFailed), string(models.EventRejected):
		return "🔴"
	case string(models.TaskRunning), string(models.TaskQueued):
		return "🟡"
	default:
		return "⚪"
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
