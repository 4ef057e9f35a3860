// Package sqlstore implements store.Store on top of sqlx, backed by either
// sqlite (default) or postgres.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/erkineren/agentgate/internal/models"
	"github.com/erkineren/agentgate/internal/store"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Store struct {
	db      *sqlx.DB
	dialect dialect
}

var _ store.Store = (*Store)(nil)

// New opens the database for driver ("sqlite" or "postgres") and creates the
// schema if needed.
func New(driver, dsn string) (*Store, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	if driver == DriverSQLite {
		var err error
		if dsn, err = prepareSQLite(dsn); err != nil {
			return nil, err
		}
	}

	db, err := sqlx.Open(d.driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		// sqlite allows a single writer; one connection also keeps :memory:
		// databases alive across queries.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initDatabase(db, d); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return &Store{db: db, dialect: d}, nil
}

func prepareSQLite(dsn string) (string, error) {
	if dsn == "" {
		return "", fmt.Errorf("sqlite database path is empty")
	}
	if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return "", fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000"
	}
	return dsn, nil
}

func initDatabase(db *sqlx.DB, d dialect) error {
	for _, query := range d.schema() {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query %q: %w", query, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) SaveEvent(ctx context.Context, event *models.WebhookEvent) error {
	row := eventToRow(event)
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO webhook_events (event_id, webhook_name, provider, event_type, payload,
			matched_command, task_id, response_sent, status, reason, created_at)
		VALUES (:event_id, :webhook_name, :provider, :event_type, :payload,
			:matched_command, :task_id, :response_sent, :status, :reason, :created_at)
	`, row)
	if err != nil {
		return fmt.Errorf("failed to save webhook event: %w", err)
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, eventID string) (*models.WebhookEvent, error) {
	var row eventRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT * FROM webhook_events WHERE event_id = ?`), eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to query webhook event: %w", err)
	}
	return row.toModel(), nil
}

func (s *Store) ListEvents(ctx context.Context, provider string, limit int) ([]*models.WebhookEvent, error) {
	query := `SELECT * FROM webhook_events`
	var args []any
	if provider != "" {
		query += ` WHERE provider = ?`
		args = append(args, provider)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list webhook events: %w", err)
	}
	events := make([]*models.WebhookEvent, 0, len(rows))
	for i := range rows {
		events = append(events, rows[i].toModel())
	}
	return events, nil
}

func (s *Store) CreateTask(ctx context.Context, task *models.Task) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO tasks (task_id, provider, command, agent, status, prompt, output, result, error,
			cost_usd, input_tokens, output_tokens, metadata, event_id, created_at, started_at, completed_at)
		VALUES (:task_id, :provider, :command, :agent, :status, :prompt, :output, :result, :error,
			:cost_usd, :input_tokens, :output_tokens, :metadata, :event_id, :created_at, :started_at, :completed_at)
	`, taskToRow(task))
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT * FROM tasks WHERE task_id = ?`), taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	return row.toModel(), nil
}

func (s *Store) ListTasks(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error) {
	query := `SELECT * FROM tasks`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	tasks := make([]*models.Task, 0, len(rows))
	for i := range rows {
		tasks = append(tasks, rows[i].toModel())
	}
	return tasks, nil
}

func (s *Store) UpdateTask(ctx context.Context, task *models.Task) error {
	result, err := s.db.NamedExecContext(ctx, `
		UPDATE tasks SET status = :status, output = :output, result = :result, error = :error,
			cost_usd = :cost_usd, input_tokens = :input_tokens, output_tokens = :output_tokens,
			metadata = :metadata, event_id = :event_id, started_at = :started_at, completed_at = :completed_at
		WHERE task_id = :task_id
	`, taskToRow(task))
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	return requireRow(result)
}

func (s *Store) SaveSubagent(ctx context.Context, subagent *models.Subagent) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO subagent_executions (subagent_id, agent_type, mode, permission_mode, status,
			task_id, group_id, error, started_at, completed_at)
		VALUES (:subagent_id, :agent_type, :mode, :permission_mode, :status,
			:task_id, :group_id, :error, :started_at, :completed_at)
	`, subagent)
	if err != nil {
		return fmt.Errorf("failed to save subagent: %w", err)
	}
	return nil
}

func (s *Store) UpdateSubagent(ctx context.Context, subagent *models.Subagent) error {
	result, err := s.db.NamedExecContext(ctx, `
		UPDATE subagent_executions SET status = :status, error = :error, completed_at = :completed_at
		WHERE subagent_id = :subagent_id
	`, subagent)
	if err != nil {
		return fmt.Errorf("failed to update subagent: %w", err)
	}
	return requireRow(result)
}

func (s *Store) GetSubagent(ctx context.Context, subagentID string) (*models.Subagent, error) {
	var subagent models.Subagent
	err := s.db.GetContext(ctx, &subagent,
		s.db.Rebind(`SELECT * FROM subagent_executions WHERE subagent_id = ?`), subagentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to query subagent: %w", err)
	}
	return &subagent, nil
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return store.ErrNotFound
	}
	return nil
}
