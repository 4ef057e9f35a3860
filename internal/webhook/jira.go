package webhook

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/erkineren/agentgate/internal/logging"
	"github.com/erkineren/agentgate/internal/models"
)

type Jira struct {
	base
	client    JiraAPI
	agentName string
}

// NewJira builds the Jira provider. Assigning a ticket to agentName runs the
// default command.
func NewJira(cfg *Config, secret string, client JiraAPI, agentName string, logger *zap.Logger) *Jira {
	if agentName == "" {
		agentName = "AI Agent"
	}
	return &Jira{
		base:      base{config: cfg, secret: secret, logger: logging.OrNop(logger)},
		client:    client,
		agentName: agentName,
	}
}

func (j *Jira) Verify(r *http.Request, body []byte) error {
	return j.verifyHeader(r, body)
}

func (j *Jira) EventType(_ *http.Request, payload map[string]any) string {
	if eventType := String(payload, "webhookEvent"); eventType != "" {
		return eventType
	}
	return "unknown"
}

func (j *Jira) Match(eventType string, payload map[string]any) Match {
	comment := Map(payload, "comment")
	authorType := String(comment, "author.accountType")
	authorName := String(comment, "author.displayName")
	if authorType == "app" || strings.Contains(strings.ToLower(authorName), "bot") {
		j.logger.Info("Skipped bot comment",
			zap.String("author", authorName),
			zap.String("author_type", authorType))
		return rejected("bot comment: " + authorName)
	}

	if j.assignedToAgent(eventType, payload) {
		if cmd := j.config.Default(); cmd != nil {
			return matched(cmd, "")
		}
		j.logger.Warn("Default command not found", zap.String("default_command", j.config.DefaultCommand))
		return ignored("default command not configured")
	}

	text := String(comment, "body")
	if text == "" {
		text = firstNonEmpty(String(payload, "issue.fields.description"), String(payload, "issue.fields.summary"))
	}
	name, content, ok := ExtractCommand(text)
	if !ok {
		j.logger.Debug("No agent command",
			zap.String("event_type", eventType),
			zap.Bool("is_comment", comment != nil),
			zap.String("text_preview", preview(text)))
		return ignored("no agent command")
	}
	return j.findCommand(name, content)
}

// assignedToAgent reports whether the ticket was just assigned to the agent,
// either through a changelog entry or at creation.
func (j *Jira) assignedToAgent(eventType string, payload map[string]any) bool {
	agent := strings.ToLower(j.agentName)
	if items, ok := mustLookup(payload, "changelog.items").([]any); ok {
		for _, item := range items {
			if String(item, "field") != "assignee" {
				continue
			}
			if to := String(item, "toString"); to != "" && strings.Contains(strings.ToLower(to), agent) {
				j.logger.Info("Ticket assigned to agent",
					zap.String("issue_key", String(payload, "issue.key")),
					zap.String("assignee", to))
				return true
			}
		}
	}
	if eventType == "jira:issue_created" || eventType == "issue_created" {
		assignee := firstNonEmpty(String(payload, "issue.fields.assignee.displayName"), String(payload, "issue.fields.assignee.name"))
		if assignee != "" && strings.Contains(strings.ToLower(assignee), agent) {
			return true
		}
	}
	return false
}

func (j *Jira) Routing(payload map[string]any) map[string]any {
	routing := map[string]any{}
	if key := String(payload, "issue.key"); key != "" {
		routing["ticket_key"] = key
		if project, _, ok := strings.Cut(key, "-"); ok {
			routing["project_key"] = project
		}
	}
	if id := String(payload, "issue.id"); id != "" {
		routing["issue_id"] = id
	}
	if project := String(payload, "issue.fields.project.key"); project != "" {
		routing["project_key"] = project
	}
	if id := String(payload, "comment.id"); id != "" {
		routing["comment_id"] = id
	}
	if id := String(payload, "user.accountId"); id != "" {
		routing["user_id"] = id
	} else if name := String(payload, "user.name"); name != "" {
		routing["user_name"] = name
	}
	return routing
}

func acknowledgement(cmd *Command) string {
	switch cmd.Name {
	case "analyze":
		return "👀 AI Agent: I'll analyze this issue and provide insights shortly."
	case "plan":
		return "📋 AI Agent: Creating a plan to resolve this issue..."
	case "fix":
		return "🔧 AI Agent: Starting to implement a fix for this issue..."
	default:
		return "🤖 AI Agent: Processing '" + cmd.Name + "' command..."
	}
}

// Acknowledge comments on the ticket when the delivery was a comment or an
// assignment to the agent.
func (j *Jira) Acknowledge(ctx context.Context, eventType string, payload map[string]any, cmd *Command) bool {
	key := String(payload, "issue.key")
	if key == "" {
		return false
	}
	if String(payload, "comment.body") == "" && !j.assignedToAgent(eventType, payload) {
		return false
	}
	if _, err := j.client.PostComment(ctx, key, acknowledgement(cmd)); err != nil {
		j.logger.Warn("Failed to post acknowledgement", zap.String("issue_key", key), zap.Error(err))
		return false
	}
	return true
}

func (j *Jira) Complete(ctx context.Context, task *models.Task, meta *models.TaskMetadata) error {
	key := String(meta.Routing, "ticket_key")
	if key == "" {
		return ErrNoRoute
	}
	if _, err := j.client.PostComment(ctx, key, replyText(task)); err != nil {
		return err
	}
	j.logger.Info("Posted task result to Jira", zap.String("task_id", task.ID), zap.String("issue_key", key))
	return nil
}

func mustLookup(data any, path string) any {
	value, _ := Lookup(data, path)
	return value
}
