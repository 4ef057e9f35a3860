package models

import "time"

type SubagentMode string

const (
	ModeForeground SubagentMode = "foreground"
	ModeBackground SubagentMode = "background"
	ModeParallel   SubagentMode = "parallel"
)

type SubagentStatus string

const (
	SubagentRunning   SubagentStatus = "running"
	SubagentCompleted SubagentStatus = "completed"
	SubagentFailed    SubagentStatus = "failed"
	SubagentStopped   SubagentStatus = "stopped"
)

type Subagent struct {
	ID             string         `json:"subagent_id" db:"subagent_id"`
	AgentType      string         `json:"agent_type" db:"agent_type"`
	Mode           SubagentMode   `json:"mode" db:"mode"`
	PermissionMode string         `json:"permission_mode" db:"permission_mode"`
	Status         SubagentStatus `json:"status" db:"status"`
	TaskID         string         `json:"task_id,omitempty" db:"task_id"`
	GroupID        string         `json:"group_id,omitempty" db:"group_id"`
	Error          string         `json:"error,omitempty" db:"error"`
	StartedAt      time.Time      `json:"started_at" db:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
}

// PermissionModeFor returns auto-deny for background agents and default for
// every other mode.
func PermissionModeFor(mode SubagentMode) string {
	if mode == ModeBackground {
		return "auto-deny"
	}
	return "default"
}
