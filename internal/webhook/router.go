package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/erkineren/agentgate/internal/logging"
	"github.com/erkineren/agentgate/internal/models"
	"github.com/erkineren/agentgate/internal/queue"
	"github.com/erkineren/agentgate/internal/store"
)

const maxBodyBytes = 5 << 20

type RouterOption func(*Router)

func WithForwarder(f *Forwarder) RouterOption {
	return func(r *Router) { r.forwarder = f }
}

// Router receives webhook deliveries, turns matched commands into queued
// tasks and posts finished task results back to their source.
type Router struct {
	providers map[string]Provider
	order     []string
	store     store.Store
	queue     queue.Queue
	forwarder *Forwarder
	logger    *zap.Logger
	now       func() time.Time
}

func NewRouter(st store.Store, q queue.Queue, logger *zap.Logger, opts ...RouterOption) *Router {
	r := &Router{
		providers: map[string]Provider{},
		store:     st,
		queue:     q,
		logger:    logging.OrNop(logger),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Router) Register(p Provider) {
	if _, exists := r.providers[p.Name()]; !exists {
		r.order = append(r.order, p.Name())
	}
	r.providers[p.Name()] = p
}

// Providers returns the registered providers in registration order.
func (r *Router) Providers() []Provider {
	providers := make([]Provider, 0, len(r.order))
	for _, name := range r.order {
		providers = append(providers, r.providers[name])
	}
	return providers
}

func (r *Router) Configs() []Config {
	configs := make([]Config, 0, len(r.order))
	for _, p := range r.Providers() {
		configs = append(configs, *p.Config())
	}
	return configs
}

func (r *Router) Provider(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Handler returns the HTTP handler for the named provider.
func (r *Router) Handler(name string) (http.HandlerFunc, bool) {
	p, ok := r.providers[name]
	if !ok {
		return nil, false
	}
	return func(w http.ResponseWriter, req *http.Request) { r.handle(p, w, req) }, true
}

func (r *Router) handle(p Provider, w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	logger := r.logger.With(zap.String("webhook", p.Name()))

	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if err := p.Verify(req, body); err != nil {
		logger.Warn("Webhook signature rejected", zap.Error(err))
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	payload, err := decodePayload(body)
	if err != nil {
		logger.Warn("Invalid webhook payload", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	eventType := p.EventType(req, payload)
	logger = logger.With(zap.String("event_type", eventType))
	logger.Info("Webhook received")

	if response, ok := p.Respond(eventType, payload); ok {
		writeJSON(w, http.StatusOK, response)
		return
	}

	event := &models.WebhookEvent{
		ID:          models.NewID("evt"),
		WebhookName: p.Name(),
		Provider:    p.Config().Source,
		EventType:   eventType,
		Payload:     json.RawMessage(body),
		CreatedAt:   r.now().UTC(),
	}

	m := p.Match(eventType, payload)
	if m.Command == nil {
		event.Status = m.Status
		event.Reason = m.Reason
		r.saveEvent(ctx, logger, event)
		writeJSON(w, http.StatusOK, map[string]any{"status": "received", "actions": 0})
		return
	}
	cmd := m.Command
	event.MatchedCommand = cmd.Name
	logger = logger.With(zap.String("command", cmd.Name))

	event.ResponseSent = p.Acknowledge(ctx, eventType, payload, cmd)

	task, err := r.newTask(p, event, cmd, m.UserContent, payload)
	if err != nil {
		r.fail(ctx, logger, w, event, err)
		return
	}
	if err := r.store.CreateTask(ctx, task); err != nil {
		r.fail(ctx, logger, w, event, fmt.Errorf("failed to store task: %w", err))
		return
	}
	event.TaskID = task.ID

	if err := r.queue.Push(ctx, task.ID); err != nil {
		task.Status = models.TaskFailed
		task.Error = "failed to enqueue task: " + err.Error()
		if updateErr := r.store.UpdateTask(context.WithoutCancel(ctx), task); updateErr != nil {
			logger.Error("Failed to mark task failed", zap.String("task_id", task.ID), zap.Error(updateErr))
		}
		r.fail(ctx, logger, w, event, fmt.Errorf("failed to enqueue task: %w", err))
		return
	}

	event.Status = models.EventProcessed
	if err := r.store.SaveEvent(ctx, event); err != nil {
		logger.Error("Failed to store webhook event", zap.String("event_id", event.ID), zap.Error(err))
	}

	if r.forwarder != nil {
		if err := r.forwarder.Forward(ctx, event); err != nil {
			logger.Warn("Failed to forward webhook event", zap.String("event_id", event.ID), zap.Error(err))
		}
	}

	logger.Info("Webhook processed",
		zap.String("task_id", task.ID),
		zap.String("event_id", event.ID),
		zap.Bool("immediate_response_sent", event.ResponseSent))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":                  "processed",
		"task_id":                 task.ID,
		"command":                 cmd.Name,
		"event_id":                event.ID,
		"immediate_response_sent": event.ResponseSent,
	})
}

func (r *Router) newTask(p Provider, event *models.WebhookEvent, cmd *Command, userContent string, payload map[string]any) (*models.Task, error) {
	cfg := p.Config()
	taskID := models.NewID("task")

	data := make(map[string]any, len(payload)+3)
	for k, v := range payload {
		data[k] = v
	}
	data["_user_content"] = userContent
	data["_task_id"] = taskID
	data["_event_type"] = event.EventType

	meta, err := json.Marshal(models.TaskMetadata{
		WebhookSource:       cfg.Source,
		WebhookName:         cfg.Name,
		Command:             cmd.Name,
		OriginalTargetAgent: cmd.TargetAgent,
		UserContent:         userContent,
		Routing:             p.Routing(payload),
		Payload:             event.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode task metadata: %w", err)
	}

	return &models.Task{
		ID:        taskID,
		Provider:  cfg.Source,
		Command:   cmd.Name,
		Agent:     cfg.AgentFor(cmd),
		Status:    models.TaskQueued,
		Prompt:    Render(cmd.PromptTemplate, data),
		Metadata:  meta,
		EventID:   event.ID,
		CreatedAt: r.now().UTC(),
	}, nil
}

func (r *Router) saveEvent(ctx context.Context, logger *zap.Logger, event *models.WebhookEvent) {
	if err := r.store.SaveEvent(ctx, event); err != nil {
		logger.Error("Failed to store webhook event", zap.String("event_id", event.ID), zap.Error(err))
	}
}

func (r *Router) fail(ctx context.Context, logger *zap.Logger, w http.ResponseWriter, event *models.WebhookEvent, err error) {
	logger.Error("Webhook processing failed", zap.String("event_id", event.ID), zap.Error(err))
	event.Status = models.EventFailed
	event.Reason = err.Error()
	r.saveEvent(context.WithoutCancel(ctx), logger, event)
	writeError(w, http.StatusInternalServerError, "failed to process webhook")
}

// Complete posts a finished task's result back through the provider that
// created it. Tasks that did not come from a webhook are ignored.
func (r *Router) Complete(ctx context.Context, task *models.Task) error {
	if len(task.Metadata) == 0 {
		return nil
	}
	var meta models.TaskMetadata
	if err := json.Unmarshal(task.Metadata, &meta); err != nil {
		return fmt.Errorf("failed to decode metadata of task %s: %w", task.ID, err)
	}
	name := meta.WebhookName
	if name == "" {
		name = meta.WebhookSource
	}
	p, ok := r.providers[name]
	if !ok {
		return fmt.Errorf("no webhook provider %q for task %s", name, task.ID)
	}
	if err := p.Complete(ctx, task, &meta); err != nil {
		return fmt.Errorf("failed to post result of task %s to %s: %w", task.ID, name, err)
	}
	return nil
}

func decodePayload(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, errors.New("payload is not a JSON object")
	}
	return payload, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
