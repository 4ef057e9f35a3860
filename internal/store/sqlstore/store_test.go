package sqlstore_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erkineren/agentgate/internal/models"
	"github.com/erkineren/agentgate/internal/store"
	"github.com/erkineren/agentgate/internal/store/sqlstore"
)

func newTestStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	s, err := sqlstore.New(sqlstore.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	_, err := sqlstore.New("mysql", "dsn")
	require.Error(t, err)
}

func TestNewCreatesSQLiteDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "db", "agentgate.db")
	s, err := sqlstore.New(sqlstore.DriverSQLite, path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.FileExists(t, path)
}

func TestEvents(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	events := []*models.WebhookEvent{
		{ID: "evt-1", WebhookName: "github", Provider: "github", EventType: "issue_comment.created",
			Payload: json.RawMessage(`{"action":"created"}`), MatchedCommand: "analyze", TaskID: "task-1",
			ResponseSent: true, Status: models.EventProcessed, CreatedAt: base},
		{ID: "evt-2", WebhookName: "slack", Provider: "slack", EventType: "app_mention",
			Payload: json.RawMessage(`{}`), Status: models.EventIgnored, Reason: "no command matched",
			CreatedAt: base.Add(time.Minute)},
		{ID: "evt-3", WebhookName: "github", Provider: "github", EventType: "issues.opened",
			Payload: json.RawMessage(`{}`), Status: models.EventRejected, CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, event := range events {
		require.NoError(t, s.SaveEvent(ctx, event))
	}

	got, err := s.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, "analyze", got.MatchedCommand)
	assert.Equal(t, "task-1", got.TaskID)
	assert.True(t, got.ResponseSent)
	assert.Equal(t, models.EventProcessed, got.Status)
	assert.JSONEq(t, `{"action":"created"}`, string(got.Payload))
	assert.True(t, base.Equal(got.CreatedAt))

	_, err = s.GetEvent(ctx, "evt-missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	all, err := s.ListEvents(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"evt-3", "evt-2", "evt-1"}, eventIDs(all))

	github, err := s.ListEvents(ctx, "github", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"evt-3"}, eventIDs(github))
}

func TestTasks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	created := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	task := &models.Task{
		ID:        "task-1",
		Provider:  "github",
		Command:   "review",
		Agent:     "planning",
		Status:    models.TaskQueued,
		Prompt:    "Review pull request #7",
		Metadata:  json.RawMessage(`{"webhook_source":"github"}`),
		CreatedAt: created,
	}
	require.NoError(t, s.CreateTask(ctx, task))
	require.NoError(t, s.CreateTask(ctx, &models.Task{
		ID: "task-2", Agent: "brain", Status: models.TaskQueued, Prompt: "p", CreatedAt: created.Add(time.Second),
	}))

	started := created.Add(time.Minute)
	finished := started.Add(time.Minute)
	task.Status = models.TaskCompleted
	task.Output = "chunk1chunk2"
	task.Result = "done"
	task.CostUSD = 0.42
	task.InputTokens = 100
	task.OutputTokens = 20
	task.StartedAt = &started
	task.CompletedAt = &finished
	require.NoError(t, s.UpdateTask(ctx, task))

	got, err := s.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, got.Status)
	assert.Equal(t, "done", got.Result)
	assert.InDelta(t, 0.42, got.CostUSD, 1e-9)
	assert.Equal(t, 100, got.InputTokens)
	require.NotNil(t, got.StartedAt)
	assert.True(t, started.Equal(*got.StartedAt))
	require.NotNil(t, got.CompletedAt)
	assert.JSONEq(t, `{"webhook_source":"github"}`, string(got.Metadata))

	queued, err := s.ListTasks(ctx, models.TaskQueued, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "task-2", queued[0].ID)
	assert.Nil(t, queued[0].StartedAt)

	_, err = s.GetTask(ctx, "task-missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	err = s.UpdateTask(ctx, &models.Task{ID: "task-missing", Status: models.TaskFailed})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSubagents(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	subagent := &models.Subagent{
		ID:             "subagent-abc",
		AgentType:      "executor",
		Mode:           models.ModeBackground,
		PermissionMode: models.PermissionModeFor(models.ModeBackground),
		Status:         models.SubagentRunning,
		TaskID:         "task-1",
		StartedAt:      time.Now().UTC(),
	}
	require.NoError(t, s.SaveSubagent(ctx, subagent))

	completed := time.Now().UTC()
	subagent.Status = models.SubagentStopped
	subagent.CompletedAt = &completed
	require.NoError(t, s.UpdateSubagent(ctx, subagent))

	got, err := s.GetSubagent(ctx, "subagent-abc")
	require.NoError(t, err)
	assert.Equal(t, models.SubagentStopped, got.Status)
	assert.Equal(t, "auto-deny", got.PermissionMode)
	assert.Equal(t, models.ModeBackground, got.Mode)
	require.NotNil(t, got.CompletedAt)

	_, err = s.GetSubagent(ctx, "subagent-missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func eventIDs(events []*models.WebhookEvent) []string {
	ids := make([]string, 0, len(events))
	for _, event := range events {
		ids = append(ids, event.ID)
	}
	return ids
}
