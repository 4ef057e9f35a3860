package store

import (
	"context"
	"errors"

	"github.com/erkineren/agentgate/internal/models"
)

var ErrNotFound = errors.New("not found")

type Store interface {
	Close() error

	SaveEvent(ctx context.Context, event *models.WebhookEvent) error
	GetEvent(ctx context.Context, eventID string) (*models.WebhookEvent, error)
	ListEvents(ctx context.Context, provider string, limit int) ([]*models.WebhookEvent, error)

	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, taskID string) (*models.Task, error)
	ListTasks(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error)
	UpdateTask(ctx context.Context, task *models.Task) error

	SaveSubagent(ctx context.Context, subagent *models.Subagent) error
	UpdateSubagent(ctx context.Context, subagent *models.Subagent) error
	GetSubagent(ctx context.Context, subagentID string) (*models.Subagent, error)
}
