package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erkineren/agentgate/internal/models"
	"github.com/erkineren/agentgate/internal/queue"
	"github.com/erkineren/agentgate/internal/store/sqlstore"
)

type routerFixture struct {
	router *Router
	store  *sqlstore.Store
	queue  *queue.Memory
	github *fakeGitHubAPI
	slack  *fakeSlackAPI
}

func newRouterFixture(t *testing.T, opts ...RouterOption) *routerFixture {
	t.Helper()
	st, err := sqlstore.New(sqlstore.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &routerFixture{store: st, queue: queue.NewMemory(10), github: &fakeGitHubAPI{}, slack: &fakeSlackAPI{}}
	f.router = NewRouter(st, f.queue, nil, opts...)
	f.router.Register(NewGitHub(builtin(t, "github"), "s3cret", f.github, nil))
	f.router.Register(NewSlack(builtin(t, "slack"), "", f.slack, nil))
	return f
}

func (f *routerFixture) post(t *testing.T, name string, body string, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	handler, ok := f.router.Handler(name)
	require.True(t, ok)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/"+name, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler(rec, req)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func githubHeaders(event, body string) map[string]string {
	return map[string]string{
		"X-GitHub-Event":      event,
		"X-Hub-Signature-256": "sha256=" + Sign("s3cret", []byte(body)),
	}
}

const issueComment = `{
	"action": "created",
	"repository": {"name": "widgets", "full_name": "acme/widgets", "owner": {"login": "acme"}},
	"issue": {"number": 7, "title": "Crash on save", "body": "Stack trace attached"},
	"comment": {"id": 555, "body": "@agent analyze check the stack trace"},
	"sender": {"login": "octocat", "type": "User"}
}`

func TestRouterProcessesCommand(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	rec, resp := f.post(t, "github", issueComment, githubHeaders("issue_comment", issueComment))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "processed", resp["status"])
	assert.Equal(t, "analyze", resp["command"])
	assert.Equal(t, true, resp["immediate_response_sent"])
	taskID := resp["task_id"].(string)
	eventID := resp["event_id"].(string)
	assert.Regexp(t, `^task-[0-9a-f]{12}$`, taskID)
	assert.Regexp(t, `^evt-[0-9a-f]{12}$`, eventID)

	task, err := f.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskQueued, task.Status)
	assert.Equal(t, "planning", task.Agent)
	assert.Equal(t, "github", task.Provider)
	assert.Equal(t, eventID, task.EventID)
	assert.Contains(t, task.Prompt, "Analyze GitHub issue_comment.created #7 in repository acme/widgets.")
	assert.Contains(t, task.Prompt, "Request: check the stack trace")

	var meta models.TaskMetadata
	require.NoError(t, json.Unmarshal(task.Metadata, &meta))
	assert.Equal(t, "github", meta.WebhookName)
	assert.Equal(t, "analyze", meta.Command)
	assert.Equal(t, "planning", meta.OriginalTargetAgent)
	assert.Equal(t, "check the stack trace", meta.UserContent)
	assert.Equal(t, "acme", meta.Routing["owner"])
	assert.EqualValues(t, 7, meta.Routing["issue_number"])

	event, err := f.store.GetEvent(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, models.EventProcessed, event.Status)
	assert.Equal(t, taskID, event.TaskID)
	assert.True(t, event.ResponseSent)
	assert.JSONEq(t, issueComment, string(event.Payload))

	assert.Equal(t, 1, f.queue.Len())
	require.Len(t, f.github.calls, 1)
	assert.Equal(t, "eyes", f.github.calls[0].Reaction)
}

func TestRouterRejectsBadSignature(t *testing.T) {
	f := newRouterFixture(t)
	rec, resp := f.post(t, "github", issueComment, map[string]string{
		"X-GitHub-Event":      "issue_comment",
		"X-Hub-Signature-256": "sha256=0000",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, resp["error"], "invalid webhook signature")
	assert.Equal(t, 0, f.queue.Len())
}

func TestRouterRejectsInvalidJSON(t *testing.T) {
	f := newRouterFixture(t)
	rec, resp := f.post(t, "slack", `{"type":`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid JSON payload", resp["error"])
}

func TestRouterRejectsOversizedBody(t *testing.T) {
	f := newRouterFixture(t)
	body := `{"pad":"` + strings.Repeat("x", maxBodyBytes) + `"}`
	rec, _ := f.post(t, "slack", body, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRouterStoresIgnoredEvents(t *testing.T) {
	f := newRouterFixture(t)
	body := `{"type":"event_callback","event":{"type":"message","text":"hello team","user":"U1","channel":"C1"}}`
	rec, resp := f.post(t, "slack", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"status": "received", "actions": float64(0)}, resp)

	events, err := f.store.ListEvents(context.Background(), "slack", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventIgnored, events[0].Status)
	assert.Equal(t, "no agent command", events[0].Reason)
	assert.Empty(t, events[0].TaskID)
	assert.Equal(t, 0, f.queue.Len())
}

func TestRouterAnswersSlackChallenge(t *testing.T) {
	f := newRouterFixture(t)
	rec, resp := f.post(t, "slack", `{"type":"url_verification","challenge":"3eZbrw1a"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"challenge": "3eZbrw1a"}, resp)

	events, err := f.store.ListEvents(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRouterFailsWhenQueueIsClosed(t *testing.T) {
	f := newRouterFixture(t)
	require.NoError(t, f.queue.Close())
	ctx := context.Background()

	rec, resp := f.post(t, "github", issueComment, githubHeaders("issue_comment", issueComment))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "failed to process webhook", resp["error"])

	events, err := f.store.ListEvents(ctx, "github", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventFailed, events[0].Status)
	require.NotEmpty(t, events[0].TaskID)

	task, err := f.store.GetTask(ctx, events[0].TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, task.Status)
	assert.Contains(t, task.Error, "failed to enqueue task")
}

func TestRouterForwardsProcessedEvents(t *testing.T) {
	received := make(chan models.WebhookEvent, 1)
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var event models.WebhookEvent
		_ = json.Unmarshal(body, &event)
		received <- event
		w.WriteHeader(http.StatusAccepted)
	}))
	defer collector.Close()

	f := newRouterFixture(t, WithForwarder(NewForwarder(collector.URL)))
	rec, resp := f.post(t, "github", issueComment, githubHeaders("issue_comment", issueComment))
	require.Equal(t, http.StatusOK, rec.Code)

	event := <-received
	assert.Equal(t, resp["event_id"], event.ID)
	assert.Equal(t, "analyze", event.MatchedCommand)
}

func TestForwarderReportsErrors(t *testing.T) {
	assert.Nil(t, NewForwarder(""))

	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer collector.Close()

	err := NewForwarder(collector.URL).Forward(context.Background(), &models.WebhookEvent{ID: "evt-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestRouterComplete(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	_, resp := f.post(t, "github", issueComment, githubHeaders("issue_comment", issueComment))
	task, err := f.store.GetTask(ctx, resp["task_id"].(string))
	require.NoError(t, err)

	task.Status = models.TaskCompleted
	task.Result = "Root cause: nil map"
	require.NoError(t, f.router.Complete(ctx, task))
	last := f.github.calls[len(f.github.calls)-1]
	assert.Equal(t, githubCall{Method: "comment", Owner: "acme", Repo: "widgets", Number: 7, Body: "Root cause: nil map"}, last)

	require.NoError(t, f.router.Complete(ctx, &models.Task{ID: "task-manual"}))

	orphan := &models.Task{ID: "task-x", Metadata: json.RawMessage(`{"webhook_name":"gitlab"}`)}
	require.Error(t, f.router.Complete(ctx, orphan))
}

func TestRouterRegistry(t *testing.T) {
	f := newRouterFixture(t)
	_, ok := f.router.Handler("jira")
	assert.False(t, ok)

	var names []string
	for _, cfg := range f.router.Configs() {
		names = append(names, cfg.Name)
	}
	assert.Equal(t, []string{"github", "slack"}, names)

	p, ok := f.router.Provider("slack")
	require.True(t, ok)
	assert.Equal(t, "slack", p.Name())
}
