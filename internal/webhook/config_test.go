package webhook

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinConfigsAreValid(t *testing.T) {
	configs := BuiltinConfigs()
	require.NoError(t, validateAll(configs))

	var names []string
	for _, cfg := range configs {
		names = append(names, cfg.Name)
		assert.NotNil(t, cfg.Default(), cfg.Name)
	}
	assert.Equal(t, []string{"github", "jira", "slack", "sentry"}, names)
}

func TestBuiltinConfigsAreCopies(t *testing.T) {
	first := BuiltinConfigs()
	first[0].Commands[0].Name = "changed"
	assert.Equal(t, "analyze", BuiltinConfigs()[0].Commands[0].Name)
}

func TestFindCommand(t *testing.T) {
	cfg, ok := FindConfig(BuiltinConfigs(), "github")
	require.True(t, ok)

	assert.Equal(t, "fix", cfg.FindCommand("IMPLEMENT").Name)
	assert.Equal(t, "review", cfg.FindCommand("review-pr").Name)
	assert.Nil(t, cfg.FindCommand("deploy"))
	assert.Nil(t, cfg.FindCommand(""))

	assert.Equal(t, "executor", cfg.AgentFor(cfg.FindCommand("fix")))
	assert.Equal(t, "brain", cfg.AgentFor(&Command{Name: "x"}))
	assert.Equal(t, "brain", (&Config{}).AgentFor(nil))

	_, ok = FindConfig(BuiltinConfigs(), "gitlab")
	assert.False(t, ok)
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "webhooks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigsMergesFile(t *testing.T) {
	path := writeFile(t, `
webhooks:
  - name: slack
    endpoint: /webhooks/slack
    source: slack
    commands:
      - name: summarize
        prompt_template: "Summarize {{event.text}}"
    default_command: summarize
  - name: gitlab
    endpoint: /webhooks/gitlab
    source: gitlab
    target_agent: executor
    commands:
      - name: analyze
        aliases: [look]
        prompt_template: "Analyze {{object_attributes.title}}"
`)
	configs, err := LoadConfigs(path)
	require.NoError(t, err)
	require.Len(t, configs, 5)

	slack, ok := FindConfig(configs, "slack")
	require.True(t, ok)
	require.Len(t, slack.Commands, 1)
	assert.Equal(t, "summarize", slack.Default().Name)

	gitlab, ok := FindConfig(configs, "gitlab")
	require.True(t, ok)
	assert.Equal(t, "analyze", gitlab.FindCommand("look").Name)
	assert.Equal(t, "executor", gitlab.AgentFor(gitlab.FindCommand("look")))
}

func TestLoadConfigsEmptyPath(t *testing.T) {
	configs, err := LoadConfigs("")
	require.NoError(t, err)
	assert.Len(t, configs, 4)
}

func TestLoadConfigsErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name: "duplicate endpoint",
			content: `
webhooks:
  - name: other
    endpoint: /webhooks/github
    commands: [{name: a, prompt_template: x}]`,
			want: "duplicate webhook endpoint",
		},
		{
			name: "missing template",
			content: `
webhooks:
  - name: other
    endpoint: /webhooks/other
    commands: [{name: a}]`,
			want: "has no prompt template",
		},
		{
			name: "unknown default",
			content: `
webhooks:
  - name: other
    endpoint: /webhooks/other
    default_command: b
    commands: [{name: a, prompt_template: x}]`,
			want: `default command "b" is not defined`,
		},
		{
			name: "bad endpoint",
			content: `
webhooks:
  - name: other
    endpoint: webhooks/other
    commands: [{name: a, prompt_template: x}]`,
			want: "must start with /",
		},
		{
			name:    "invalid yaml",
			content: "webhooks: [",
			want:    "failed to parse webhook config",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfigs(writeFile(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadConfigsMissingFile(t *testing.T) {
	_, err := LoadConfigs(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestResolveSecret(t *testing.T) {
	cfg := &Config{SecretEnvVar: "AGENTGATE_TEST_SECRET"}
	t.Setenv("AGENTGATE_TEST_SECRET", "")
	assert.Equal(t, "fallback", ResolveSecret(cfg, "fallback"))
	t.Setenv("AGENTGATE_TEST_SECRET", "from-env")
	assert.Equal(t, "from-env", ResolveSecret(cfg, "fallback"))
}

func TestNewProvider(t *testing.T) {
	clients := Clients{GitHub: &fakeGitHubAPI{}, Jira: &fakeJiraAPI{}, Slack: &fakeSlackAPI{}}
	for _, cfg := range BuiltinConfigs() {
		cfg := cfg
		p, err := NewProvider(&cfg, "", clients, nil)
		require.NoError(t, err)
		assert.Equal(t, cfg.Name, p.Name())
	}

	_, err := NewProvider(&Config{Name: "custom", Source: "gitlab"}, "", clients, nil)
	require.ErrorContains(t, err, `unsupported source "gitlab"`)
}
