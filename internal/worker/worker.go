// Package worker executes queued webhook tasks through the subagent manager
// and reports their results back to the originating provider.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/erkineren/agentgate/internal/logging"
	"github.com/erkineren/agentgate/internal/models"
	"github.com/erkineren/agentgate/internal/queue"
	"github.com/erkineren/agentgate/internal/store"
	"github.com/erkineren/agentgate/internal/subagent"
)

const (
	defaultAgent    = "general-purpose"
	previewLength   = 500
	shutdownMessage = "Worker shutting down"
	abortGrace      = 10 * time.Second
	recoverLimit    = 1000
)

type Spawner interface {
	Spawn(ctx context.Context, req subagent.SpawnRequest) (*models.Subagent, error)
	Wait(ctx context.Context, id string) (*subagent.Outcome, error)
	Stop(id string) error
}

type Completer interface {
	Complete(ctx context.Context, task *models.Task) error
}

type Notifier interface {
	SendNotification(chatID int64, notification models.Notification) error
}

type Option func(*Worker)

// WithNotifier sends a notification to chatID after every finished task.
func WithNotifier(n Notifier, chatID int64) Option {
	return func(w *Worker) {
		w.notifier = n
		w.chatID = chatID
	}
}

// WithRetryDelay sets how long to wait before retrying a spawn rejected for
// capacity.
func WithRetryDelay(d time.Duration) Option {
	return func(w *Worker) {
		w.retryDelay = d
	}
}

type Worker struct {
	queue     queue.Queue
	store     store.Store
	spawner   Spawner
	completer Completer
	notifier  Notifier
	chatID    int64
	logger    *zap.Logger

	sem        chan struct{}
	retryDelay time.Duration
	wg         sync.WaitGroup
	cancel     context.CancelFunc
	abort      context.CancelFunc
	consumed   chan struct{}
}

func New(maxConcurrent int, q queue.Queue, st store.Store, spawner Spawner, completer Completer, logger *zap.Logger, opts ...Option) *Worker {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	w := &Worker{
		queue:      q,
		store:      st,
		spawner:    spawner,
		completer:  completer,
		logger:     logging.OrNop(logger),
		sem:        make(chan struct{}, maxConcurrent),
		retryDelay: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start consumes the queue in the background until Stop is called or ctx is
// done.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	// Running tasks outlive consumption; Stop aborts them only on timeout.
	taskCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	w.abort = abort
	w.consumed = make(chan struct{})
	w.logger.Info("Task worker started", zap.Int("max_concurrent_tasks", cap(w.sem)))

	go func() {
		defer close(w.consumed)
		err := w.queue.Consume(ctx, func(taskID string) error {
			select {
			case w.sem <- struct{}{}:
			case <-ctx.Done():
				w.logger.Info("Worker stopping, returning task to the queue", zap.String("task_id", taskID))
				return ctx.Err()
			}
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				defer func() { <-w.sem }()
				w.Process(taskCtx, taskID)
			}()
			return nil
		})
		if err != nil && !errors.Is(err, queue.ErrClosed) {
			w.logger.Error("Queue consumer stopped", zap.Error(err))
		}
	}()
}

// Stop ends consumption and waits for in-flight tasks until timeout. Tasks
// still running then are aborted: their subagents are stopped and the tasks
// are recorded as cancelled before Stop returns.
func (w *Worker) Stop(timeout time.Duration) error {
	if w.cancel == nil {
		return nil
	}
	w.cancel()
	<-w.consumed

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.abort()
		w.logger.Info("Task worker stopped")
		return nil
	case <-time.After(timeout):
	}

	w.logger.Warn("Aborting running tasks", zap.Duration("timeout", timeout))
	w.abort()
	select {
	case <-done:
	case <-time.After(abortGrace):
		w.logger.Error("Running tasks did not stop", zap.Duration("grace", abortGrace))
	}
	return fmt.Errorf("timed out after %s waiting for running tasks", timeout)
}

// Recover pushes tasks still marked queued back onto the queue. It is meant
// for queues that do not survive a restart.
func (w *Worker) Recover(ctx context.Context) (int, error) {
	tasks, err := w.store.ListTasks(ctx, models.TaskQueued, recoverLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to list queued tasks: %w", err)
	}
	// ListTasks is newest first.
	for i := len(tasks) - 1; i >= 0; i-- {
		if err := w.queue.Push(ctx, tasks[i].ID); err != nil {
			return len(tasks) - 1 - i, fmt.Errorf("failed to requeue task %s: %w", tasks[i].ID, err)
		}
	}
	return len(tasks), nil
}

// Process runs a single task to completion. Cancelling ctx stops the agent;
// the task is still recorded and reported.
func (w *Worker) Process(ctx context.Context, taskID string) {
	logger := w.logger.With(zap.String("task_id", taskID))
	persistCtx := context.WithoutCancel(ctx)

	task, err := w.store.GetTask(persistCtx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn("Dropping unknown task")
		return
	}
	if err != nil {
		logger.Error("Failed to load task", zap.Error(err))
		return
	}
	if task.Status.IsTerminal() {
		logger.Info("Skipping finished task", zap.String("status", string(task.Status)))
		return
	}

	started := time.Now().UTC()
	task.Status = models.TaskRunning
	task.StartedAt = &started
	if err := w.store.UpdateTask(persistCtx, task); err != nil {
		logger.Error("Failed to mark task running", zap.Error(err))
	}
	logger.Info("Task started", zap.String("agent", task.Agent), zap.String("command", task.Command))

	w.execute(ctx, logger, task)

	completed := time.Now().UTC()
	task.CompletedAt = &completed
	if err := w.store.UpdateTask(persistCtx, task); err != nil {
		logger.Error("Failed to save task result", zap.Error(err))
	}
	logger.Info("Task finished",
		zap.String("status", string(task.Status)),
		zap.Float64("cost_usd", task.CostUSD),
		zap.Duration("duration", completed.Sub(started)))

	if w.completer != nil {
		if err := w.completer.Complete(persistCtx, task); err != nil {
			logger.Error("Failed to report task result", zap.Error(err))
		}
	}
	w.notify(logger, task)
}

func (w *Worker) execute(ctx context.Context, logger *zap.Logger, task *models.Task) {
	agent := task.Agent
	if agent == "" {
		agent = defaultAgent
	}
	req := subagent.SpawnRequest{
		AgentType: agent,
		Mode:      models.ModeBackground,
		TaskID:    task.ID,
		Prompt:    task.Prompt,
	}

	sa, err := w.spawn(ctx, logger, req)
	if err != nil {
		if ctx.Err() != nil {
			task.Status = models.TaskCancelled
			task.Error = shutdownMessage
			return
		}
		task.Status = models.TaskFailed
		task.Error = fmt.Sprintf("failed to start agent: %v", err)
		return
	}

	outcome, err := w.spawner.Wait(ctx, sa.ID)
	if err != nil && ctx.Err() != nil {
		logger.Warn("Stopping subagent", zap.String("subagent_id", sa.ID))
		if err := w.spawner.Stop(sa.ID); err != nil && !errors.Is(err, subagent.ErrNotFound) {
			logger.Error("Failed to stop subagent", zap.String("subagent_id", sa.ID), zap.Error(err))
		}
		outcome, err = w.spawner.Wait(context.WithoutCancel(ctx), sa.ID)
	}
	if err != nil {
		task.Status = models.TaskFailed
		task.Error = fmt.Sprintf("failed waiting for agent: %v", err)
		return
	}

	res := outcome.Result
	task.Output = res.Output
	task.Result = res.CleanOutput
	task.CostUSD = res.CostUSD
	task.InputTokens = res.InputTokens
	task.OutputTokens = res.OutputTokens
	switch outcome.Subagent.Status {
	case models.SubagentCompleted:
		task.Status = models.TaskCompleted
		task.Error = ""
	case models.SubagentStopped:
		task.Status = models.TaskCancelled
		if ctx.Err() != nil {
			task.Error = shutdownMessage
		} else {
			task.Error = firstNonEmpty(res.Error, "Cancelled")
		}
	default:
		task.Status = models.TaskFailed
		task.Error = firstNonEmpty(outcome.Subagent.Error, res.Error, "agent failed")
	}
}

// spawn retries while the manager is at capacity.
func (w *Worker) spawn(ctx context.Context, logger *zap.Logger, req subagent.SpawnRequest) (*models.Subagent, error) {
	for {
		sa, err := w.spawner.Spawn(ctx, req)
		if !errors.Is(err, subagent.ErrCapacity) {
			return sa, err
		}
		logger.Debug("Subagent capacity reached, retrying", zap.Duration("delay", w.retryDelay))
		select {
		case <-time.After(w.retryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (w *Worker) notify(logger *zap.Logger, task *models.Task) {
	if w.notifier == nil || w.chatID == 0 {
		return
	}
	if err := w.notifier.SendNotification(w.chatID, Notification(task)); err != nil {
		logger.Warn("Failed to send task notification", zap.Error(err))
	}
}

// Notification summarises a finished task.
func Notification(task *models.Task) models.Notification {
	success := task.Status == models.TaskCompleted
	title := "Task completed"
	body := task.Result
	if !success {
		title = "Task " + string(task.Status)
		body = task.Error
	}

	var meta models.TaskMetadata
	if len(task.Metadata) > 0 {
		_ = json.Unmarshal(task.Metadata, &meta)
	}
	source := firstNonEmpty(meta.WebhookName, task.Provider)

	var msg strings.Builder
	fmt.Fprintf(&msg, "%s %s (%s)", source, task.Command, task.ID)
	if body = strings.TrimSpace(body); body != "" {
		if utf8.RuneCountInString(body) > previewLength {
			body = string([]rune(body)[:previewLength]) + "..."
		}
		msg.WriteString("\n\n" + body)
	}

	url, _ := meta.Routing["url"].(string)
	return models.Notification{
		Title:   title,
		Message: msg.String(),
		URL:     url,
		Success: success,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
