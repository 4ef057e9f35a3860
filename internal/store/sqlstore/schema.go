package sqlstore

import (
	"encoding/json"
	"time"

	"github.com/erkineren/agentgate/internal/models"
)

type dialect struct {
	driverName string
	timestamp  string
	float      string
	boolean    string
}

var dialects = map[string]dialect{
	DriverSQLite:   {driverName: "sqlite3", timestamp: "TIMESTAMP", float: "REAL", boolean: "BOOLEAN"},
	DriverPostgres: {driverName: "postgres", timestamp: "TIMESTAMP WITH TIME ZONE", float: "DOUBLE PRECISION", boolean: "BOOLEAN"},
}

func (d dialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS webhook_events (
			event_id TEXT PRIMARY KEY,
			webhook_name TEXT NOT NULL,
			provider TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			matched_command TEXT NOT NULL DEFAULT '',
			task_id TEXT NOT NULL DEFAULT '',
			response_sent ` + d.boolean + ` NOT NULL DEFAULT false,
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at ` + d.timestamp + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_events_provider_created
			ON webhook_events(provider, created_at)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			task_id TEXT PRIMARY KEY,
			provider TEXT NOT NULL DEFAULT '',
			command TEXT NOT NULL DEFAULT '',
			agent TEXT NOT NULL,
			status TEXT NOT NULL,
			prompt TEXT NOT NULL,
			output TEXT NOT NULL DEFAULT '',
			result TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			cost_usd ` + d.float + ` NOT NULL DEFAULT 0,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			metadata TEXT NOT NULL DEFAULT '',
			event_id TEXT NOT NULL DEFAULT '',
			created_at ` + d.timestamp + ` NOT NULL,
			started_at ` + d.timestamp + `,
			completed_at ` + d.timestamp + `
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks(status, created_at)`,
		`CREATE TABLE IF NOT EXISTS subagent_executions (
			subagent_id TEXT PRIMARY KEY,
			agent_type TEXT NOT NULL,
			mode TEXT NOT NULL,
			permission_mode TEXT NOT NULL,
			status TEXT NOT NULL,
			task_id TEXT NOT NULL DEFAULT '',
			group_id TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			started_at ` + d.timestamp + ` NOT NULL,
			completed_at ` + d.timestamp + `
		)`,
	}
}

// JSON columns are kept as TEXT so both drivers scan them the same way.
type eventRow struct {
	ID             string    `db:"event_id"`
	WebhookName    string    `db:"webhook_name"`
	Provider       string    `db:"provider"`
	EventType      string    `db:"event_type"`
	Payload        string    `db:"payload"`
	MatchedCommand string    `db:"matched_command"`
	TaskID         string    `db:"task_id"`
	ResponseSent   bool      `db:"response_sent"`
	Status         string    `db:"status"`
	Reason         string    `db:"reason"`
	CreatedAt      time.Time `db:"created_at"`
}

func eventToRow(event *models.WebhookEvent) eventRow {
	return eventRow{
		ID:             event.ID,
		WebhookName:    event.WebhookName,
		Provider:       event.Provider,
		EventType:      event.EventType,
		Payload:        rawToText(event.Payload),
		MatchedCommand: event.MatchedCommand,
		TaskID:         event.TaskID,
		ResponseSent:   event.ResponseSent,
		Status:         string(event.Status),
		Reason:         event.Reason,
		CreatedAt:      event.CreatedAt.UTC(),
	}
}

func (r *eventRow) toModel() *models.WebhookEvent {
	return &models.WebhookEvent{
		ID:             r.ID,
		WebhookName:    r.WebhookName,
		Provider:       r.Provider,
		EventType:      r.EventType,
		Payload:        textToRaw(r.Payload),
		MatchedCommand: r.MatchedCommand,
		TaskID:         r.TaskID,
		ResponseSent:   r.ResponseSent,
		Status:         models.EventStatus(r.Status),
		Reason:         r.Reason,
		CreatedAt:      r.CreatedAt.UTC(),
	}
}

type taskRow struct {
	ID           string     `db:"task_id"`
	Provider     string     `db:"provider"`
	Command      string     `db:"command"`
	Agent        string     `db:"agent"`
	Status       string     `db:"status"`
	Prompt       string     `db:"prompt"`
	Output       string     `db:"output"`
	Result       string     `db:"result"`
	Error        string     `db:"error"`
	CostUSD      float64    `db:"cost_usd"`
	InputTokens  int        `db:"input_tokens"`
	OutputTokens int        `db:"output_tokens"`
	Metadata     string     `db:"metadata"`
	EventID      string     `db:"event_id"`
	CreatedAt    time.Time  `db:"created_at"`
	StartedAt    *time.Time `db:"started_at"`
	CompletedAt  *time.Time `db:"completed_at"`
}

func taskToRow(task *models.Task) taskRow {
	return taskRow{
		ID:           task.ID,
		Provider:     task.Provider,
		Command:      task.Command,
		Agent:        task.Agent,
		Status:       string(task.Status),
		Prompt:       task.Prompt,
		Output:       task.Output,
		Result:       task.Result,
		Error:        task.Error,
		CostUSD:      task.CostUSD,
		InputTokens:  task.InputTokens,
		OutputTokens: task.OutputTokens,
		Metadata:     rawToText(task.Metadata),
		EventID:      task.EventID,
		CreatedAt:    task.CreatedAt.UTC(),
		StartedAt:    utcPtr(task.StartedAt),
		CompletedAt:  utcPtr(task.CompletedAt),
	}
}

func (r *taskRow) toModel() *models.Task {
	return &models.Task{
		ID:           r.ID,
		Provider:     r.Provider,
		Command:      r.Command,
		Agent:        r.Agent,
		Status:       models.TaskStatus(r.Status),
		Prompt:       r.Prompt,
		Output:       r.Output,
		Result:       r.Result,
		Error:        r.Error,
		CostUSD:      r.CostUSD,
		InputTokens:  r.InputTokens,
		OutputTokens: r.OutputTokens,
		Metadata:     textToRaw(r.Metadata),
		EventID:      r.EventID,
		CreatedAt:    r.CreatedAt.UTC(),
		StartedAt:    utcPtr(r.StartedAt),
		CompletedAt:  utcPtr(r.CompletedAt),
	}
}

func rawToText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	return string(raw)
}

func textToRaw(text string) json.RawMessage {
	if text == "" {
		return nil
	}
	return json.RawMessage(text)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	utc := t.UTC()
	return &utc
}
