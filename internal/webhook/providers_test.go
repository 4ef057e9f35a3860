package webhook

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/erkineren/agentgate/internal/models"
)

type githubCall struct {
	Method   string
	Owner    string
	Repo     string
	Number   int64
	Body     string
	Reaction string
}

type fakeGitHubAPI struct {
	mu    sync.Mutex
	calls []githubCall
	err   error
}

func (f *fakeGitHubAPI) PostIssueComment(_ context.Context, owner, repo string, number int, body string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, githubCall{Method: "comment", Owner: owner, Repo: repo, Number: int64(number), Body: body})
	return 1, f.err
}

func (f *fakeGitHubAPI) AddLabels(_ context.Context, owner, repo string, number int, labels []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, githubCall{Method: "labels", Owner: owner, Repo: repo, Number: int64(number), Body: strings.Join(labels, ",")})
	return f.err
}

func (f *fakeGitHubAPI) AddReaction(_ context.Context, owner, repo string, commentID int64, reaction string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, githubCall{Method: "reaction", Owner: owner, Repo: repo, Number: commentID, Reaction: reaction})
	return f.err
}

type jiraCall struct {
	Key  string
	Body string
}

type fakeJiraAPI struct {
	mu    sync.Mutex
	calls []jiraCall
}

func (f *fakeJiraAPI) PostComment(_ context.Context, key, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, jiraCall{Key: key, Body: body})
	return "10001", nil
}

type slackCall struct {
	Method  string
	Channel string
	User    string
	Text    string
	Thread  string
}

type fakeSlackAPI struct {
	mu    sync.Mutex
	calls []slackCall
}

func (f *fakeSlackAPI) PostMessage(_ context.Context, channel, text, threadTS string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, slackCall{Method: "message", Channel: channel, Text: text, Thread: threadTS})
	return "1.1", nil
}

func (f *fakeSlackAPI) PostEphemeral(_ context.Context, channel, user, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, slackCall{Method: "ephemeral", Channel: channel, User: user, Text: text})
	return nil
}

func builtin(t *testing.T, name string) *Config {
	t.Helper()
	cfg, ok := FindConfig(BuiltinConfigs(), name)
	require.True(t, ok)
	return cfg
}

func signedRequest(header, signature string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	if signature != "" {
		req.Header.Set(header, signature)
	}
	return req
}

func TestGitHubVerify(t *testing.T) {
	body := []byte(`{}`)
	signed := "sha256=" + Sign("s3cret", body)

	strict := NewGitHub(builtin(t, "github"), "s3cret", &fakeGitHubAPI{}, nil)
	require.NoError(t, strict.Verify(signedRequest("X-Hub-Signature-256", signed), body))
	require.ErrorIs(t, strict.Verify(signedRequest("X-Hub-Signature-256", "sha256=00"), body), ErrInvalidSignature)
	require.ErrorIs(t, strict.Verify(signedRequest("X-Hub-Signature-256", ""), body), ErrMissingSignature)

	noSecret := NewGitHub(builtin(t, "github"), "", &fakeGitHubAPI{}, nil)
	require.NoError(t, noSecret.Verify(signedRequest("X-Hub-Signature-256", ""), body))
	require.ErrorIs(t, noSecret.Verify(signedRequest("X-Hub-Signature-256", signed), body), ErrInvalidSignature)

	cfg := builtin(t, "github")
	cfg.RequiresSignature = false
	core, logs := observer.New(zapcore.WarnLevel)
	lenient := NewGitHub(cfg, "s3cret", &fakeGitHubAPI{}, zap.New(core))
	require.NoError(t, lenient.Verify(signedRequest("X-Hub-Signature-256", ""), body))
	assert.Equal(t, 1, logs.FilterMessage("Webhook secret configured but no signature provided").Len())
}

func TestGitHubEventType(t *testing.T) {
	g := NewGitHub(builtin(t, "github"), "", &fakeGitHubAPI{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("X-GitHub-Event", "issue_comment")
	assert.Equal(t, "issue_comment.created", g.EventType(req, map[string]any{"action": "created"}))
	assert.Equal(t, "issue_comment", g.EventType(req, map[string]any{}))
	assert.Equal(t, "unknown", g.EventType(httptest.NewRequest(http.MethodPost, "/", nil), map[string]any{}))
}

func TestGitHubMatch(t *testing.T) {
	g := NewGitHub(builtin(t, "github"), "", &fakeGitHubAPI{}, nil)

	tests := []struct {
		name        string
		eventType   string
		payload     string
		wantCommand string
		wantContent string
		wantStatus  models.EventStatus
	}{
		{
			name:        "comment command",
			eventType:   "issue_comment.created",
			payload:     `{"sender":{"login":"octocat","type":"User"},"comment":{"body":"@agent analyze why does it crash"}}`,
			wantCommand: "analyze", wantContent: "why does it crash", wantStatus: models.EventProcessed,
		},
		{
			name:        "alias in review comment",
			eventType:   "pull_request_review_comment.created",
			payload:     `{"sender":{"login":"octocat"},"comment":{"body":"/agent implement"}}`,
			wantCommand: "fix", wantStatus: models.EventProcessed,
		},
		{
			name:        "issue title fallback",
			eventType:   "issues.opened",
			payload:     `{"sender":{"login":"octocat"},"issue":{"body":"","title":"@claude plan login bug"}}`,
			wantCommand: "plan", wantContent: "login bug", wantStatus: models.EventProcessed,
		},
		{
			name:        "pull request body",
			eventType:   "pull_request.opened",
			payload:     `{"sender":{"login":"octocat"},"pull_request":{"body":"@agent review","title":"x"}}`,
			wantCommand: "review", wantStatus: models.EventProcessed,
		},
		{
			name:       "bot sender",
			eventType:  "issue_comment.created",
			payload:    `{"sender":{"login":"agentgate[bot]","type":"Bot"},"comment":{"body":"@agent fix"}}`,
			wantStatus: models.EventRejected,
		},
		{
			name:       "no command",
			eventType:  "issue_comment.created",
			payload:    `{"sender":{"login":"octocat"},"comment":{"body":"thanks!"}}`,
			wantStatus: models.EventIgnored,
		},
		{
			name:       "unknown command",
			eventType:  "issue_comment.created",
			payload:    `{"sender":{"login":"octocat"},"comment":{"body":"@agent deploy"}}`,
			wantStatus: models.EventIgnored,
		},
		{
			name:       "unhandled event",
			eventType:  "push",
			payload:    `{"sender":{"login":"octocat"}}`,
			wantStatus: models.EventIgnored,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := g.Match(tt.eventType, decode(t, tt.payload))
			assert.Equal(t, tt.wantStatus, m.Status)
			if tt.wantCommand == "" {
				assert.Nil(t, m.Command)
				assert.NotEmpty(t, m.Reason)
				return
			}
			require.NotNil(t, m.Command)
			assert.Equal(t, tt.wantCommand, m.Command.Name)
			assert.Equal(t, tt.wantContent, m.UserContent)
		})
	}
}

func TestGitHubRouting(t *testing.T) {
	g := NewGitHub(builtin(t, "github"), "", &fakeGitHubAPI{}, nil)
	routing := g.Routing(decode(t, `{
		"repository":{"full_name":"acme/widgets"},
		"issue":{"number":7,"pull_request":{"url":"x"}},
		"comment":{"id":555},
		"sender":{"login":"octocat"}
	}`))
	assert.Equal(t, map[string]any{
		"owner": "acme", "repo": "widgets",
		"issue_number": int64(7), "pr_number": int64(7),
		"comment_id": int64(555), "sender": "octocat",
	}, routing)
}

func TestGitHubAcknowledge(t *testing.T) {
	ctx := context.Background()
	repo := `"repository":{"name":"widgets","owner":{"login":"acme"}}`
	cmd := &Command{Name: "analyze"}

	api := &fakeGitHubAPI{}
	g := NewGitHub(builtin(t, "github"), "", api, nil)

	assert.True(t, g.Acknowledge(ctx, "issue_comment.created", decode(t, `{`+repo+`,"comment":{"id":555}}`), cmd))
	assert.True(t, g.Acknowledge(ctx, "issues.opened", decode(t, `{`+repo+`,"issue":{"number":7}}`), cmd))
	assert.True(t, g.Acknowledge(ctx, "pull_request.opened", decode(t, `{`+repo+`,"pull_request":{"number":8}}`), cmd))
	assert.False(t, g.Acknowledge(ctx, "issues.opened", decode(t, `{"issue":{"number":7}}`), cmd))
	assert.False(t, g.Acknowledge(ctx, "push", decode(t, `{`+repo+`}`), cmd))

	require.Len(t, api.calls, 4)
	assert.Equal(t, githubCall{Method: "reaction", Owner: "acme", Repo: "widgets", Number: 555, Reaction: "eyes"}, api.calls[0])
	assert.Equal(t, int64(7), api.calls[1].Number)
	assert.Contains(t, api.calls[1].Body, "analyze this issue")
	assert.Equal(t, githubCall{Method: "labels", Owner: "acme", Repo: "widgets", Number: 7, Body: "bot-processing"}, api.calls[2])
	assert.Equal(t, "comment", api.calls[3].Method)
	assert.Equal(t, int64(8), api.calls[3].Number)
	assert.Contains(t, api.calls[3].Body, "review this PR")

	failing := NewGitHub(builtin(t, "github"), "", &fakeGitHubAPI{err: errors.New("boom")}, nil)
	assert.False(t, failing.Acknowledge(ctx, "issue_comment.created", decode(t, `{`+repo+`,"comment":{"id":555}}`), cmd))
}

func TestGitHubComplete(t *testing.T) {
	ctx := context.Background()
	api := &fakeGitHubAPI{}
	g := NewGitHub(builtin(t, "github"), "", api, nil)

	task := &models.Task{ID: "task-1", Status: models.TaskCompleted, Result: "All good"}
	// Routing values come back from JSON as float64.
	meta := &models.TaskMetadata{Routing: map[string]any{"owner": "acme", "repo": "widgets", "issue_number": float64(7), "pr_number": float64(9)}}
	require.NoError(t, g.Complete(ctx, task, meta))
	require.Len(t, api.calls, 1)
	assert.Equal(t, int64(9), api.calls[0].Number)
	assert.Equal(t, "All good", api.calls[0].Body)

	failed := &models.Task{ID: "task-2", Status: models.TaskFailed, Error: "Timeout exceeded"}
	require.NoError(t, g.Complete(ctx, failed, &models.TaskMetadata{Routing: map[string]any{"owner": "acme", "repo": "widgets", "issue_number": float64(7)}}))
	assert.Equal(t, "❌ Timeout exceeded", api.calls[1].Body)
	assert.Equal(t, int64(7), api.calls[1].Number)

	require.ErrorIs(t, g.Complete(ctx, task, &models.TaskMetadata{}), ErrNoRoute)
}

func TestJiraMatch(t *testing.T) {
	j := NewJira(builtin(t, "jira"), "", &fakeJiraAPI{}, "AI Agent", nil)

	m := j.Match("comment_created", decode(t, `{"comment":{"body":"@agent plan rollout","author":{"displayName":"Dana","accountType":"atlassian"}}}`))
	require.NotNil(t, m.Command)
	assert.Equal(t, "plan", m.Command.Name)
	assert.Equal(t, "rollout", m.UserContent)

	m = j.Match("comment_created", decode(t, `{"comment":{"body":"@agent fix","author":{"displayName":"Automation","accountType":"app"}}}`))
	assert.Nil(t, m.Command)
	assert.Equal(t, models.EventRejected, m.Status)

	m = j.Match("comment_created", decode(t, `{"comment":{"body":"@agent fix","author":{"displayName":"Build Bot"}}}`))
	assert.Equal(t, models.EventRejected, m.Status)

	m = j.Match("jira:issue_updated", decode(t, `{
		"issue":{"key":"PROJ-1","fields":{"summary":"no mention"}},
		"changelog":{"items":[{"field":"status","toString":"Done"},{"field":"assignee","toString":"ai agent"}]}
	}`))
	require.NotNil(t, m.Command)
	assert.Equal(t, "analyze", m.Command.Name)
	assert.Empty(t, m.UserContent)

	m = j.Match("jira:issue_created", decode(t, `{"issue":{"key":"PROJ-2","fields":{"assignee":{"displayName":"AI Agent"}}}}`))
	require.NotNil(t, m.Command)
	assert.Equal(t, "analyze", m.Command.Name)

	m = j.Match("jira:issue_updated", decode(t, `{"issue":{"key":"PROJ-3","fields":{"description":"","summary":"@agent fix now"}}}`))
	require.NotNil(t, m.Command)
	assert.Equal(t, "fix", m.Command.Name)

	m = j.Match("jira:issue_updated", decode(t, `{"issue":{"key":"PROJ-4","fields":{"summary":"plain"}}}`))
	assert.Equal(t, models.EventIgnored, m.Status)
}

func TestJiraAcknowledgeAndComplete(t *testing.T) {
	ctx := context.Background()
	api := &fakeJiraAPI{}
	j := NewJira(builtin(t, "jira"), "", api, "", nil)
	cfg := j.Config()

	payload := decode(t, `{"issue":{"key":"PROJ-1","fields":{"project":{"key":"PROJ"}}},"comment":{"id":"99","body":"@agent plan"}}`)
	assert.True(t, j.Acknowledge(ctx, "comment_created", payload, cfg.FindCommand("plan")))
	assert.False(t, j.Acknowledge(ctx, "jira:issue_updated", decode(t, `{"issue":{"key":"PROJ-1"}}`), cfg.FindCommand("plan")))
	assert.False(t, j.Acknowledge(ctx, "comment_created", decode(t, `{"comment":{"body":"x"}}`), cfg.FindCommand("plan")))
	require.Len(t, api.calls, 1)
	assert.Equal(t, "PROJ-1", api.calls[0].Key)
	assert.Contains(t, api.calls[0].Body, "Creating a plan")

	routing := j.Routing(payload)
	assert.Equal(t, "PROJ-1", routing["ticket_key"])
	assert.Equal(t, "PROJ", routing["project_key"])
	assert.Equal(t, "99", routing["comment_id"])

	task := &models.Task{ID: "task-1", Status: models.TaskCompleted, Output: "done"}
	require.NoError(t, j.Complete(ctx, task, &models.TaskMetadata{Routing: routing}))
	assert.Equal(t, jiraCall{Key: "PROJ-1", Body: "done"}, api.calls[1])
	require.ErrorIs(t, j.Complete(ctx, task, &models.TaskMetadata{}), ErrNoRoute)
}

func TestAcknowledgementMessages(t *testing.T) {
	assert.Contains(t, acknowledgement(&Command{Name: "analyze"}), "analyze this issue")
	assert.Contains(t, acknowledgement(&Command{Name: "fix"}), "implement a fix")
	assert.Contains(t, acknowledgement(&Command{Name: "custom"}), "'custom'")
}

func TestSlackVerify(t *testing.T) {
	body := []byte(`{"type":"event_callback"}`)
	s := NewSlack(builtin(t, "slack"), "s3cret", &fakeSlackAPI{}, nil)
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }
	ts := strconv.FormatInt(now.Unix(), 10)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("X-Slack-Signature", SignSlack("s3cret", body, ts))
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	require.NoError(t, s.Verify(req, body))

	require.ErrorIs(t, s.Verify(httptest.NewRequest(http.MethodPost, "/", nil), body), ErrMissingSignature)

	open := NewSlack(builtin(t, "slack"), "", &fakeSlackAPI{}, nil)
	require.NoError(t, open.Verify(httptest.NewRequest(http.MethodPost, "/", nil), body))
}

func TestSlackFlow(t *testing.T) {
	ctx := context.Background()
	api := &fakeSlackAPI{}
	s := NewSlack(builtin(t, "slack"), "", api, nil)
	req := httptest.NewRequest(http.MethodPost, "/", nil)

	challenge := decode(t, `{"type":"url_verification","challenge":"abc"}`)
	eventType := s.EventType(req, challenge)
	assert.Equal(t, "url_verification", eventType)
	resp, ok := s.Respond(eventType, challenge)
	require.True(t, ok)
	assert.Equal(t, map[string]string{"challenge": "abc"}, resp)

	payload := decode(t, `{"type":"event_callback","event":{"type":"app_mention","text":"<@U0> @agent run tests","user":"U1","channel":"C1","ts":"1700.01"}}`)
	eventType = s.EventType(req, payload)
	assert.Equal(t, "app_mention", eventType)
	_, ok = s.Respond(eventType, payload)
	assert.False(t, ok)

	m := s.Match(eventType, payload)
	require.NotNil(t, m.Command)
	assert.Equal(t, "execute", m.Command.Name)
	assert.Equal(t, "tests", m.UserContent)

	bot := s.Match(eventType, decode(t, `{"event":{"text":"@agent help","bot_id":"B1"}}`))
	assert.Equal(t, models.EventRejected, bot.Status)
	bot = s.Match(eventType, decode(t, `{"event":{"text":"@agent help","subtype":"bot_message"}}`))
	assert.Equal(t, models.EventRejected, bot.Status)

	assert.True(t, s.Acknowledge(ctx, eventType, payload, m.Command))
	assert.False(t, s.Acknowledge(ctx, eventType, decode(t, `{"event":{"channel":"C1"}}`), m.Command))

	routing := s.Routing(payload)
	assert.Equal(t, map[string]any{"channel_id": "C1", "message_ts": "1700.01", "thread_ts": "1700.01", "user_id": "U1"}, routing)

	task := &models.Task{ID: "task-1", Status: models.TaskCompleted, Result: "tests pass"}
	require.NoError(t, s.Complete(ctx, task, &models.TaskMetadata{Routing: routing}))
	require.Len(t, api.calls, 2)
	assert.Equal(t, slackCall{Method: "ephemeral", Channel: "C1", User: "U1", Text: api.calls[0].Text}, api.calls[0])
	assert.Equal(t, slackCall{Method: "message", Channel: "C1", Text: "tests pass", Thread: "1700.01"}, api.calls[1])
	require.ErrorIs(t, s.Complete(ctx, task, &models.TaskMetadata{}), ErrNoRoute)
}

func TestSentry(t *testing.T) {
	body := []byte(`{"action":"triggered"}`)
	s := NewSentry(builtin(t, "sentry"), "s3cret", nil)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Sentry-Hook-Signature", Sign("s3cret", body))
	req.Header.Set("Sentry-Hook-Resource", "event_alert")
	require.NoError(t, s.Verify(req, body))
	require.ErrorIs(t, s.Verify(httptest.NewRequest(http.MethodPost, "/", nil), body), ErrMissingSignature)

	payload := decode(t, string(body))
	eventType := s.EventType(req, payload)
	assert.Equal(t, "event_alert.triggered", eventType)

	m := s.Match(eventType, payload)
	require.NotNil(t, m.Command)
	assert.Equal(t, "analyze-error", m.Command.Name)

	m = s.Match("issue.resolved", decode(t, `{"action":"resolved"}`))
	require.NotNil(t, m.Command)
	assert.Equal(t, "fix-error", m.Command.Name)

	m = s.Match("installation.created", decode(t, `{"action":"created"}`))
	assert.Nil(t, m.Command)
	assert.Equal(t, models.EventIgnored, m.Status)

	assert.True(t, s.Acknowledge(context.Background(), eventType, payload, &Command{Name: "analyze-error"}))

	routing := s.Routing(decode(t, `{"data":{"issue":{"id":"123","web_url":"https://sentry.io/i/123"}}}`))
	assert.Equal(t, "123", routing["issue_id"])
	assert.True(t, strings.HasSuffix(routing["url"].(string), "/i/123"))
	require.NoError(t, s.Complete(context.Background(), &models.Task{ID: "task-1"}, &models.TaskMetadata{Routing: routing}))
}
