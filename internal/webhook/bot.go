package webhook

import "strings"

var knownBots = map[string]bool{
	"github-actions":      true,
	"github-actions[bot]": true,
	"dependabot":          true,
	"dependabot[bot]":     true,
	"renovate":            true,
	"renovate[bot]":       true,
	"codecov":             true,
	"codecov[bot]":        true,
	"claude-agent":        true,
	"claude-agent[bot]":   true,
	"agentgate":           true,
	"agentgate[bot]":      true,
}

// IsBot reports whether a webhook sender is an automated account.
func IsBot(login, userType, botID string) bool {
	if botID != "" {
		return true
	}
	if strings.EqualFold(userType, "bot") {
		return true
	}
	login = strings.ToLower(strings.TrimSpace(login))
	if strings.HasSuffix(login, "[bot]") {
		return true
	}
	return knownBots[login]
}
