package webhook

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/erkineren/agentgate/internal/models"
)

// ErrNoRoute is returned by Complete when the task metadata does not say where
// the result should be posted.
var ErrNoRoute = errors.New("task has no reply route")

// Match is the command selected for a webhook delivery. When Command is nil
// the delivery is skipped and Status and Reason say why.
type Match struct {
	Command     *Command
	UserContent string
	Status      models.EventStatus
	Reason      string
}

func matched(cmd *Command, content string) Match {
	return Match{Command: cmd, UserContent: content, Status: models.EventProcessed}
}

func ignored(reason string) Match {
	return Match{Status: models.EventIgnored, Reason: reason}
}

func rejected(reason string) Match {
	return Match{Status: models.EventRejected, Reason: reason}
}

type Provider interface {
	Name() string
	Config() *Config
	Verify(r *http.Request, body []byte) error
	EventType(r *http.Request, payload map[string]any) string
	// Respond returns a body to send back without creating a task, such as
	// the Slack URL verification challenge.
	Respond(eventType string, payload map[string]any) (any, bool)
	Match(eventType string, payload map[string]any) Match
	Routing(payload map[string]any) map[string]any
	Acknowledge(ctx context.Context, eventType string, payload map[string]any, cmd *Command) bool
	Complete(ctx context.Context, task *models.Task, meta *models.TaskMetadata) error
}

type GitHubAPI interface {
	PostIssueComment(ctx context.Context, owner, repo string, number int, body string) (int64, error)
	AddReaction(ctx context.Context, owner, repo string, commentID int64, reaction string) error
	AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error
}

type JiraAPI interface {
	PostComment(ctx context.Context, issueKey, body string) (string, error)
}

type SlackAPI interface {
	PostMessage(ctx context.Context, channel, text, threadTS string) (string, error)
	PostEphemeral(ctx context.Context, channel, user, text string) error
}

// ResolveSecret returns the value of the config's secret variable, or
// fallback when it is unset.
func ResolveSecret(cfg *Config, fallback string) string {
	if cfg.SecretEnvVar != "" {
		if value := strings.TrimSpace(os.Getenv(cfg.SecretEnvVar)); value != "" {
			return value
		}
	}
	return fallback
}

type base struct {
	config *Config
	secret string
	logger *zap.Logger
}

func (b *base) Name() string    { return b.config.Name }
func (b *base) Config() *Config { return b.config }

func (b *base) Respond(string, map[string]any) (any, bool) { return nil, false }

// verifyHeader checks the hex HMAC carried in the config's signature header.
// A signature without a configured secret is always rejected.
func (b *base) verifyHeader(r *http.Request, body []byte) error {
	signature := r.Header.Get(b.config.SignatureHeader)
	if signature == "" {
		if b.secret == "" {
			return nil
		}
		if b.config.RequiresSignature {
			return ErrMissingSignature
		}
		b.logger.Warn("Webhook secret configured but no signature provided",
			zap.String("webhook", b.config.Name),
			zap.String("header", b.config.SignatureHeader))
		return nil
	}
	return VerifyHMAC(b.secret, body, signature)
}

// findCommand resolves an extracted command name against the config.
func (b *base) findCommand(name, content string) Match {
	if cmd := b.config.FindCommand(name); cmd != nil {
		return matched(cmd, content)
	}
	b.logger.Warn("Command not configured",
		zap.String("webhook", b.config.Name),
		zap.String("command", name))
	return ignored("command not configured: " + name)
}

// replyText is the message posted back to the source when a task finishes.
func replyText(task *models.Task) string {
	if task.Status == models.TaskCompleted {
		if text := strings.TrimSpace(task.Result); text != "" {
			return text
		}
		if text := strings.TrimSpace(task.Output); text != "" {
			return text
		}
		return "✅ Task completed."
	}
	msg := task.Error
	if msg == "" {
		msg = string(task.Status)
	}
	return "❌ " + msg
}

func preview(text string) string {
	if utf8.RuneCountInString(text) > 100 {
		return string([]rune(text)[:100])
	}
	return text
}
