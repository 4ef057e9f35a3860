package models

import (
	"encoding/json"
	"time"
)

type EventStatus string

const (
	EventProcessed EventStatus = "processed"
	EventRejected  EventStatus = "rejected"
	EventIgnored   EventStatus = "ignored"
	EventFailed    EventStatus = "failed"
)

// WebhookEvent is the log entry written for every webhook delivery.
type WebhookEvent struct {
	ID             string          `json:"event_id" db:"event_id"`
	WebhookName    string          `json:"webhook_name" db:"webhook_name"`
	Provider       string          `json:"provider" db:"provider"`
	EventType      string          `json:"event_type" db:"event_type"`
	Payload        json.RawMessage `json:"payload" db:"payload"`
	MatchedCommand string          `json:"matched_command,omitempty" db:"matched_command"`
	TaskID         string          `json:"task_id,omitempty" db:"task_id"`
	ResponseSent   bool            `json:"response_sent" db:"response_sent"`
	Status         EventStatus     `json:"status" db:"status"`
	Reason         string          `json:"reason,omitempty" db:"reason"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}
