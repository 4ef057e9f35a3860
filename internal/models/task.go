package models

import (
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

type Task struct {
	ID           string          `json:"task_id" db:"task_id"`
	Provider     string          `json:"provider" db:"provider"`
	Command      string          `json:"command" db:"command"`
	Agent        string          `json:"agent" db:"agent"`
	Status       TaskStatus      `json:"status" db:"status"`
	Prompt       string          `json:"prompt" db:"prompt"`
	Output       string          `json:"output,omitempty" db:"output"`
	Result       string          `json:"result,omitempty" db:"result"`
	Error        string          `json:"error,omitempty" db:"error"`
	CostUSD      float64         `json:"cost_usd" db:"cost_usd"`
	InputTokens  int             `json:"input_tokens" db:"input_tokens"`
	OutputTokens int             `json:"output_tokens" db:"output_tokens"`
	Metadata     json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	EventID      string          `json:"event_id,omitempty" db:"event_id"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty" db:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// TaskMetadata is stored in Task.Metadata and carries what a provider needs to
// route the result back to where the request came from.
type TaskMetadata struct {
	WebhookSource       string          `json:"webhook_source"`
	WebhookName         string          `json:"webhook_name"`
	Command             string          `json:"command"`
	OriginalTargetAgent string          `json:"original_target_agent"`
	UserContent         string          `json:"user_content,omitempty"`
	Routing             map[string]any  `json:"routing,omitempty"`
	Payload             json.RawMessage `json:"payload,omitempty"`
}
