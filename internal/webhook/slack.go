package webhook

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/erkineren/agentgate/internal/logging"
	"github.com/erkineren/agentgate/internal/models"
)

const slackURLVerification = "url_verification"

type Slack struct {
	base
	client SlackAPI
	now    func() time.Time
}

func NewSlack(cfg *Config, secret string, client SlackAPI, logger *zap.Logger) *Slack {
	return &Slack{
		base:   base{config: cfg, secret: secret, logger: logging.OrNop(logger)},
		client: client,
		now:    time.Now,
	}
}

// Verify checks the v0 signature. Without a secret the check is skipped.
func (s *Slack) Verify(r *http.Request, body []byte) error {
	if s.secret == "" {
		s.logger.Warn("Slack signing secret not configured, skipping verification")
		return nil
	}
	return VerifySlack(s.secret, body,
		r.Header.Get("X-Slack-Signature"),
		r.Header.Get("X-Slack-Request-Timestamp"),
		s.now())
}

func (s *Slack) EventType(_ *http.Request, payload map[string]any) string {
	if String(payload, "type") == slackURLVerification {
		return slackURLVerification
	}
	if eventType := String(payload, "event.type"); eventType != "" {
		return eventType
	}
	return "unknown"
}

// Respond answers the URL verification handshake with its challenge.
func (s *Slack) Respond(eventType string, payload map[string]any) (any, bool) {
	if eventType != slackURLVerification {
		return nil, false
	}
	return map[string]string{"challenge": String(payload, "challenge")}, true
}

func (s *Slack) Match(_ string, payload map[string]any) Match {
	botID := String(payload, "event.bot_id")
	if botID != "" || String(payload, "event.subtype") == "bot_message" {
		s.logger.Info("Skipped bot message", zap.String("bot_id", botID))
		return rejected("bot message")
	}
	text := String(payload, "event.text")
	name, content, ok := ExtractCommand(text)
	if !ok {
		s.logger.Debug("No agent command", zap.String("text_preview", preview(text)))
		return ignored("no agent command")
	}
	return s.findCommand(name, content)
}

func (s *Slack) Routing(payload map[string]any) map[string]any {
	routing := map[string]any{}
	if channel := String(payload, "event.channel"); channel != "" {
		routing["channel_id"] = channel
	}
	ts := String(payload, "event.ts")
	if ts != "" {
		routing["message_ts"] = ts
	}
	if thread := firstNonEmpty(String(payload, "event.thread_ts"), ts); thread != "" {
		routing["thread_ts"] = thread
	}
	if user := String(payload, "event.user"); user != "" {
		routing["user_id"] = user
	}
	return routing
}

func (s *Slack) Acknowledge(ctx context.Context, _ string, payload map[string]any, _ *Command) bool {
	channel := String(payload, "event.channel")
	user := String(payload, "event.user")
	if channel == "" || user == "" {
		return false
	}
	if err := s.client.PostEphemeral(ctx, channel, user, "👀 I received your request. Processing now..."); err != nil {
		s.logger.Warn("Failed to send ephemeral message",
			zap.String("channel", channel),
			zap.String("user", user),
			zap.Error(err))
		return false
	}
	return true
}

// Complete replies in the thread of the message that triggered the task.
func (s *Slack) Complete(ctx context.Context, task *models.Task, meta *models.TaskMetadata) error {
	channel := String(meta.Routing, "channel_id")
	if channel == "" {
		return ErrNoRoute
	}
	if _, err := s.client.PostMessage(ctx, channel, replyText(task), String(meta.Routing, "thread_ts")); err != nil {
		return err
	}
	s.logger.Info("Posted task result to Slack", zap.String("task_id", task.ID), zap.String("channel", channel))
	return nil
}
