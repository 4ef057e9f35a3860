// Package subagent runs agent CLI executions in the background and tracks
// their state and output.
package subagent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/erkineren/agentgate/internal/hub"
	"github.com/erkineren/agentgate/internal/logging"
	"github.com/erkineren/agentgate/internal/models"
	"github.com/erkineren/agentgate/internal/runner"
	"github.com/erkineren/agentgate/internal/store"
)

var (
	ErrCapacity = errors.New("maximum parallel subagents reached")
	ErrNotFound = errors.New("subagent not found")
	ErrInvalid  = errors.New("invalid subagent request")
)

// Finished executions kept in memory so their output stays readable.
const keepFinished = 100

type Executor interface {
	Run(ctx context.Context, req runner.Request, out chan<- string) (runner.Result, error)
}

type Publisher interface {
	Publish(msg hub.Message)
}

type SpawnRequest struct {
	AgentType string              `json:"agent_type"`
	Mode      models.SubagentMode `json:"mode"`
	TaskID    string              `json:"task_id,omitempty"`
	Prompt    string              `json:"prompt"`
	WorkDir   string              `json:"work_dir,omitempty"`
	Model     string              `json:"model,omitempty"`
}

func (r SpawnRequest) validate() error {
	if strings.TrimSpace(r.AgentType) == "" {
		return fmt.Errorf("%w: agent_type is required", ErrInvalid)
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return fmt.Errorf("%w: prompt is required", ErrInvalid)
	}
	switch r.Mode {
	case "", models.ModeForeground, models.ModeBackground, models.ModeParallel:
		return nil
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalid, r.Mode)
	}
}

// Outcome is the final state of an execution.
type Outcome struct {
	Subagent models.Subagent
	Result   runner.Result
}

type execution struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	record  models.Subagent
	output  strings.Builder
	result  runner.Result
	stopped bool
}

func (e *execution) snapshot() models.Subagent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record
}

type Config struct {
	MaxParallel  int
	WorkDir      string
	AllowedTools string
}

type Manager struct {
	cfg      Config
	executor Executor
	hub      Publisher
	store    store.Store
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	active   map[string]*execution
	finished map[string]*execution
	order    []string
}

func NewManager(cfg Config, executor Executor, publisher Publisher, st store.Store, logger *zap.Logger) *Manager {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 10
	}
	return &Manager{
		cfg:      cfg,
		executor: executor,
		hub:      publisher,
		store:    st,
		logger:   logging.OrNop(logger),
		now:      time.Now,
		active:   map[string]*execution{},
		finished: map[string]*execution{},
	}
}

func (m *Manager) MaxParallel() int {
	return m.cfg.MaxParallel
}

// Spawn starts one execution and returns its record.
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) (*models.Subagent, error) {
	subagents, err := m.spawn(ctx, []SpawnRequest{req}, "")
	if err != nil {
		return nil, err
	}
	return subagents[0], nil
}

// SpawnParallel starts every request under one group id. Either all of them
// start or none do.
func (m *Manager) SpawnParallel(ctx context.Context, reqs []SpawnRequest) (string, []*models.Subagent, error) {
	if len(reqs) == 0 {
		return "", nil, fmt.Errorf("%w: no agents requested", ErrInvalid)
	}
	groupID := models.NewID("group")
	group := make([]SpawnRequest, len(reqs))
	copy(group, reqs)
	for i := range group {
		if group[i].Mode == "" {
			group[i].Mode = models.ModeParallel
		}
	}
	subagents, err := m.spawn(ctx, group, groupID)
	if err != nil {
		return "", nil, err
	}
	return groupID, subagents, nil
}

func (m *Manager) spawn(ctx context.Context, reqs []SpawnRequest, groupID string) ([]*models.Subagent, error) {
	for _, req := range reqs {
		if err := req.validate(); err != nil {
			return nil, err
		}
	}

	execs := make([]*execution, len(reqs))
	m.mu.Lock()
	if len(m.active)+len(reqs) > m.cfg.MaxParallel {
		active := len(m.active)
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %d active, limit %d", ErrCapacity, active, m.cfg.MaxParallel)
	}
	for i, req := range reqs {
		mode := req.Mode
		if mode == "" {
			mode = models.ModeForeground
		}
		e := &execution{
			done: make(chan struct{}),
			record: models.Subagent{
				ID:             models.NewID("subagent"),
				AgentType:      req.AgentType,
				Mode:           mode,
				PermissionMode: models.PermissionModeFor(mode),
				Status:         models.SubagentRunning,
				TaskID:         req.TaskID,
				GroupID:        groupID,
				StartedAt:      m.now().UTC(),
			},
		}
		e.ctx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))
		m.active[e.record.ID] = e
		execs[i] = e
	}
	m.mu.Unlock()

	for i, e := range execs {
		if err := m.store.SaveSubagent(ctx, &e.record); err != nil {
			m.rollback(ctx, execs, i, err)
			return nil, fmt.Errorf("failed to save subagent: %w", err)
		}
	}

	subagents := make([]*models.Subagent, len(execs))
	for i, e := range execs {
		record := e.snapshot()
		subagents[i] = &record
		m.logger.Info("Subagent spawned",
			zap.String("subagent_id", record.ID),
			zap.String("agent_type", record.AgentType),
			zap.String("mode", string(record.Mode)),
			zap.String("task_id", record.TaskID),
			zap.String("group_id", groupID))
		go m.run(e, reqs[i])
	}
	return subagents, nil
}

// rollback unregisters a group that failed to start. The first saved members
// were already persisted as running and are marked failed.
func (m *Manager) rollback(ctx context.Context, execs []*execution, saved int, cause error) {
	m.mu.Lock()
	for _, e := range execs {
		e.cancel()
		delete(m.active, e.record.ID)
	}
	m.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	completed := m.now().UTC()
	for _, e := range execs[:saved] {
		e.mu.Lock()
		e.record.Status = models.SubagentFailed
		e.record.Error = fmt.Sprintf("spawn aborted: %v", cause)
		e.record.CompletedAt = &completed
		record := e.record
		e.mu.Unlock()
		if err := m.store.UpdateSubagent(ctx, &record); err != nil {
			m.logger.Error("Failed to mark aborted subagent", zap.String("subagent_id", record.ID), zap.Error(err))
		}
	}
}

func (m *Manager) run(e *execution, req SpawnRequest) {
	defer e.cancel()
	id := e.record.ID
	taskID := req.TaskID
	if taskID == "" {
		taskID = id
	}
	workDir := req.WorkDir
	if workDir == "" {
		workDir = m.cfg.WorkDir
	}

	out := make(chan string, 64)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for chunk := range out {
			e.mu.Lock()
			e.output.WriteString(chunk)
			e.mu.Unlock()
			m.hub.Publish(hub.Message{Type: hub.MessageOutput, SubagentID: id, TaskID: req.TaskID, Chunk: chunk})
		}
	}()

	res, err := m.executor.Run(e.ctx, runner.Request{
		TaskID:       taskID,
		Prompt:       req.Prompt,
		WorkDir:      workDir,
		Model:        req.Model,
		AllowedTools: m.cfg.AllowedTools,
	}, out)
	close(out)
	<-forwarded

	e.mu.Lock()
	e.result = res
	now := m.now().UTC()
	e.record.CompletedAt = &now
	switch {
	case e.stopped:
		e.record.Status = models.SubagentStopped
	case err != nil:
		e.record.Status = models.SubagentFailed
		e.record.Error = err.Error()
		e.result.Error = err.Error()
	case res.Success:
		e.record.Status = models.SubagentCompleted
	default:
		e.record.Status = models.SubagentFailed
		e.record.Error = res.Error
	}
	record := e.record
	e.mu.Unlock()

	if err := m.store.UpdateSubagent(context.Background(), &record); err != nil {
		m.logger.Error("Failed to update subagent", zap.String("subagent_id", id), zap.Error(err))
	}
	m.hub.Publish(hub.Message{
		Type:       hub.MessageStatus,
		SubagentID: id,
		TaskID:     req.TaskID,
		Status:     string(record.Status),
		Error:      record.Error,
	})
	m.logger.Info("Subagent finished",
		zap.String("subagent_id", id),
		zap.String("status", string(record.Status)),
		zap.Float64("cost_usd", res.CostUSD))

	m.mu.Lock()
	delete(m.active, id)
	m.finished[id] = e
	m.order = append(m.order, id)
	for len(m.order) > keepFinished {
		delete(m.finished, m.order[0])
		m.order = m.order[1:]
	}
	m.mu.Unlock()
	close(e.done)
}

func (m *Manager) lookup(id string) (*execution, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.active[id]; ok {
		return e, true
	}
	e, ok := m.finished[id]
	return e, ok
}

// Wait blocks until the execution finishes or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (*Outcome, error) {
	e, ok := m.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}
	select {
	case <-e.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return &Outcome{Subagent: e.record, Result: e.result}, nil
}

// Active returns the running executions, oldest first.
func (m *Manager) Active() []models.Subagent {
	m.mu.Lock()
	execs := make([]*execution, 0, len(m.active))
	for _, e := range m.active {
		execs = append(execs, e)
	}
	m.mu.Unlock()

	subagents := make([]models.Subagent, 0, len(execs))
	for _, e := range execs {
		subagents = append(subagents, e.snapshot())
	}
	sort.SliceStable(subagents, func(i, j int) bool {
		return subagents[i].StartedAt.Before(subagents[j].StartedAt)
	})
	return subagents
}

func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Get returns a subagent from memory, falling back to the store for older
// executions.
func (m *Manager) Get(ctx context.Context, id string) (*models.Subagent, error) {
	if e, ok := m.lookup(id); ok {
		record := e.snapshot()
		return &record, nil
	}
	record, err := m.store.GetSubagent(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return record, err
}

// Stop cancels a running execution. Its final status is stopped.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	e, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	e.cancel()
	m.logger.Info("Subagent stop requested", zap.String("subagent_id", id))
	return nil
}

// Output returns everything the execution has streamed so far.
func (m *Manager) Output(id string) (string, error) {
	e, ok := m.lookup(id)
	if !ok {
		return "", ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.output.String(), nil
}

// StopAll cancels every running execution.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		_ = m.Stop(id)
	}
}
