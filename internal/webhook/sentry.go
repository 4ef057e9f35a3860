package webhook

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/erkineren/agentgate/internal/logging"
	"github.com/erkineren/agentgate/internal/models"
)

// Sentry resources that describe an error and start a task.
var sentryAlertResources = map[string]bool{
	"event_alert":  true,
	"issue":        true,
	"error":        true,
	"metric_alert": true,
}

// Sentry turns alerts into tasks without a command prefix. It has no reply
// channel, so acknowledgements and results are only logged.
type Sentry struct {
	base
}

func NewSentry(cfg *Config, secret string, logger *zap.Logger) *Sentry {
	return &Sentry{base: base{config: cfg, secret: secret, logger: logging.OrNop(logger)}}
}

// Verify requires Sentry-Hook-Signature whenever a secret is configured.
func (s *Sentry) Verify(r *http.Request, body []byte) error {
	if s.secret == "" {
		s.logger.Warn("Sentry webhook secret not configured, skipping verification")
		return nil
	}
	signature := r.Header.Get(s.config.SignatureHeader)
	if signature == "" {
		return ErrMissingSignature
	}
	return VerifyHMAC(s.secret, body, signature)
}

// EventType is the Sentry-Hook-Resource header, suffixed with ".<action>".
func (s *Sentry) EventType(r *http.Request, payload map[string]any) string {
	resource := r.Header.Get("Sentry-Hook-Resource")
	if resource == "" {
		resource = "sentry"
	}
	action := String(payload, "action")
	if action == "" {
		action = "unknown"
	}
	return resource + "." + action
}

func (s *Sentry) Match(eventType string, payload map[string]any) Match {
	resource, _, _ := strings.Cut(eventType, ".")
	if resource != "sentry" && !sentryAlertResources[resource] {
		return ignored("sentry resource not handled: " + resource)
	}
	action := strings.ToLower(String(payload, "action"))
	if strings.Contains(action, "resolve") || strings.Contains(action, "fix") {
		if cmd := s.config.FindCommand("fix-error"); cmd != nil {
			return matched(cmd, "")
		}
	}
	if cmd := s.config.Default(); cmd != nil {
		return matched(cmd, "")
	}
	if len(s.config.Commands) > 0 {
		return matched(&s.config.Commands[0], "")
	}
	return ignored("no sentry command configured")
}

func (s *Sentry) Routing(payload map[string]any) map[string]any {
	routing := map[string]any{}
	if id := firstNonEmpty(String(payload, "data.issue.id"), String(payload, "data.event.issue_id")); id != "" {
		routing["issue_id"] = id
	}
	if project := firstNonEmpty(String(payload, "data.event.project"), String(payload, "data.issue.project.slug")); project != "" {
		routing["project"] = project
	}
	if url := firstNonEmpty(String(payload, "data.event.web_url"), String(payload, "data.issue.web_url")); url != "" {
		routing["url"] = url
	}
	return routing
}

func (s *Sentry) Acknowledge(_ context.Context, eventType string, payload map[string]any, cmd *Command) bool {
	s.logger.Info("Sentry alert accepted",
		zap.String("event_type", eventType),
		zap.String("sentry_event_id", String(payload, "data.event.event_id")),
		zap.String("command", cmd.Name))
	return true
}

func (s *Sentry) Complete(_ context.Context, task *models.Task, meta *models.TaskMetadata) error {
	s.logger.Info("Sentry task finished",
		zap.String("task_id", task.ID),
		zap.String("status", string(task.Status)),
		zap.String("issue_id", String(meta.Routing, "issue_id")))
	return nil
}
