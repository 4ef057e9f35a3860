package webhook

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/erkineren/agentgate/internal/logging"
	"github.com/erkineren/agentgate/internal/models"
)

type GitHub struct {
	base
	client GitHubAPI
}

func NewGitHub(cfg *Config, secret string, client GitHubAPI, logger *zap.Logger) *GitHub {
	return &GitHub{base: base{config: cfg, secret: secret, logger: logging.OrNop(logger)}, client: client}
}

func (g *GitHub) Verify(r *http.Request, body []byte) error {
	return g.verifyHeader(r, body)
}

// EventType is the X-GitHub-Event header, suffixed with ".<action>" when the
// payload has one.
func (g *GitHub) EventType(r *http.Request, payload map[string]any) string {
	eventType := r.Header.Get("X-GitHub-Event")
	if eventType == "" {
		eventType = "unknown"
	}
	if action := String(payload, "action"); action != "" {
		eventType += "." + action
	}
	return eventType
}

func (g *GitHub) Match(eventType string, payload map[string]any) Match {
	login := String(payload, "sender.login")
	if IsBot(login, String(payload, "sender.type"), "") {
		g.logger.Info("Skipped bot sender", zap.String("sender", login))
		return rejected("bot sender: " + login)
	}

	var text string
	switch {
	case strings.HasPrefix(eventType, "issue_comment"),
		strings.HasPrefix(eventType, "pull_request_review_comment"):
		text = String(payload, "comment.body")
	case strings.HasPrefix(eventType, "issues"):
		text = firstNonEmpty(String(payload, "issue.body"), String(payload, "issue.title"))
	case strings.HasPrefix(eventType, "pull_request"):
		text = firstNonEmpty(String(payload, "pull_request.body"), String(payload, "pull_request.title"))
	}

	name, content, ok := ExtractCommand(text)
	if !ok {
		g.logger.Debug("No agent command",
			zap.String("event_type", eventType),
			zap.String("text_preview", preview(text)))
		return ignored("no agent command")
	}
	return g.findCommand(name, content)
}

func (g *GitHub) Routing(payload map[string]any) map[string]any {
	routing := map[string]any{}
	if owner, repo, ok := strings.Cut(String(payload, "repository.full_name"), "/"); ok {
		routing["owner"] = owner
		routing["repo"] = repo
	}
	issueNumber, hasIssue := Int(payload, "issue.number")
	if hasIssue {
		routing["issue_number"] = issueNumber
	}
	if n, ok := Int(payload, "pull_request.number"); ok {
		routing["pr_number"] = n
	} else if hasIssue && Map(payload, "issue.pull_request") != nil {
		routing["pr_number"] = issueNumber
	}
	if id, ok := Int(payload, "comment.id"); ok {
		routing["comment_id"] = id
	}
	if login := String(payload, "sender.login"); login != "" {
		routing["sender"] = login
	}
	return routing
}

// processingLabel marks issues an agent has picked up.
const processingLabel = "bot-processing"

// Acknowledge reacts with eyes to comments and comments on new issues and
// pull requests. Acknowledged issues are also labelled.
func (g *GitHub) Acknowledge(ctx context.Context, eventType string, payload map[string]any, cmd *Command) bool {
	owner := String(payload, "repository.owner.login")
	repo := String(payload, "repository.name")
	if owner == "" || repo == "" {
		g.logger.Warn("Cannot acknowledge GitHub event without repository", zap.String("event_type", eventType))
		return false
	}

	switch {
	case strings.HasPrefix(eventType, "issue_comment"):
		commentID, ok := Int(payload, "comment.id")
		if !ok {
			return false
		}
		if err := g.client.AddReaction(ctx, owner, repo, commentID, "eyes"); err != nil {
			g.logger.Warn("Failed to add reaction", zap.Int64("comment_id", commentID), zap.Error(err))
			return false
		}
		return true
	case strings.HasPrefix(eventType, "issues"):
		if !g.comment(ctx, owner, repo, payload, "issue.number", "👀 I'll analyze this issue and get back to you shortly.") {
			return false
		}
		number, _ := Int(payload, "issue.number")
		if err := g.client.AddLabels(ctx, owner, repo, int(number), []string{processingLabel}); err != nil {
			g.logger.Warn("Failed to label issue", zap.Int64("number", number), zap.Error(err))
		}
		return true
	case strings.HasPrefix(eventType, "pull_request"):
		return g.comment(ctx, owner, repo, payload, "pull_request.number", "👀 I'll review this PR and provide feedback shortly.")
	}
	return false
}

func (g *GitHub) comment(ctx context.Context, owner, repo string, payload map[string]any, numberPath, body string) bool {
	number, ok := Int(payload, numberPath)
	if !ok {
		return false
	}
	if _, err := g.client.PostIssueComment(ctx, owner, repo, int(number), body); err != nil {
		g.logger.Warn("Failed to post acknowledgement", zap.Int64("number", number), zap.Error(err))
		return false
	}
	return true
}

// Complete posts the task result on the pull request or issue it came from.
func (g *GitHub) Complete(ctx context.Context, task *models.Task, meta *models.TaskMetadata) error {
	owner := String(meta.Routing, "owner")
	repo := String(meta.Routing, "repo")
	number, ok := Int(meta.Routing, "pr_number")
	if !ok {
		number, ok = Int(meta.Routing, "issue_number")
	}
	if owner == "" || repo == "" || !ok {
		return ErrNoRoute
	}
	if _, err := g.client.PostIssueComment(ctx, owner, repo, int(number), replyText(task)); err != nil {
		return err
	}
	g.logger.Info("Posted task result to GitHub",
		zap.String("task_id", task.ID),
		zap.String("repo", owner+"/"+repo),
		zap.Int64("number", number))
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
