package webhook

import (
	"fmt"

	"go.uber.org/zap"
)

// Clients holds the APIs providers acknowledge and reply through.
type Clients struct {
	GitHub        GitHubAPI
	Jira          JiraAPI
	Slack         SlackAPI
	JiraAgentName string
}

// NewProvider builds the provider for cfg.Source.
func NewProvider(cfg *Config, secret string, clients Clients, logger *zap.Logger) (Provider, error) {
	switch cfg.Source {
	case "github":
		return NewGitHub(cfg, secret, clients.GitHub, logger), nil
	case "jira":
		return NewJira(cfg, secret, clients.Jira, clients.JiraAgentName, logger), nil
	case "slack":
		return NewSlack(cfg, secret, clients.Slack, logger), nil
	case "sentry":
		return NewSentry(cfg, secret, logger), nil
	default:
		return nil, fmt.Errorf("webhook %q: unsupported source %q", cfg.Name, cfg.Source)
	}
}
