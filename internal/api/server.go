// Package api exposes the webhook endpoints, the task and subagent REST API
// and the subagent output WebSockets.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/erkineren/agentgate/internal/logging"
	"github.com/erkineren/agentgate/internal/models"
	"github.com/erkineren/agentgate/internal/queue"
	"github.com/erkineren/agentgate/internal/store"
	"github.com/erkineren/agentgate/internal/subagent"
	"github.com/erkineren/agentgate/internal/webhook"
)

const shutdownTimeout = 10 * time.Second

type Subagents interface {
	Spawn(ctx context.Context, req subagent.SpawnRequest) (*models.Subagent, error)
	SpawnParallel(ctx context.Context, reqs []subagent.SpawnRequest) (string, []*models.Subagent, error)
	Active() []models.Subagent
	ActiveCount() int
	MaxParallel() int
	Get(ctx context.Context, id string) (*models.Subagent, error)
	Stop(id string) error
	Output(id string) (string, error)
}

type Streams interface {
	ServeSubagent(w http.ResponseWriter, r *http.Request, subagentID string)
	ServeAll(w http.ResponseWriter, r *http.Request)
	ConnectionCount() int
}

type Config struct {
	MachineID   string
	CORSOrigins []string
}

type Server struct {
	cfg       Config
	store     store.Store
	queue     queue.Queue
	webhooks  *webhook.Router
	subagents Subagents
	streams   Streams
	logger    *zap.Logger
	started   time.Time
}

func NewServer(cfg Config, st store.Store, q queue.Queue, webhooks *webhook.Router, subagents Subagents, streams Streams, logger *zap.Logger) *Server {
	return &Server{
		cfg:       cfg,
		store:     st,
		queue:     q,
		webhooks:  webhooks,
		subagents: subagents,
		streams:   streams,
		logger:    logging.OrNop(logger),
		started:   time.Now(),
	}
}

// Routes builds the complete HTTP handler.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	for _, p := range s.webhooks.Providers() {
		endpoint := p.Config().Endpoint
		if endpoint == "" {
			endpoint = "/webhooks/" + p.Name()
		}
		handler, _ := s.webhooks.Handler(p.Name())
		r.Handle(endpoint, handler).Methods(http.MethodPost)
	}

	ar := r.PathPrefix("/api").Subrouter()
	ar.HandleFunc("/health", s.health).Methods(http.MethodGet)
	ar.HandleFunc("/webhooks", s.listWebhooks).Methods(http.MethodGet)
	ar.HandleFunc("/webhooks/events/recent", s.recentEvents).Methods(http.MethodGet)
	ar.HandleFunc("/webhooks/events/{event_id}", s.getEvent).Methods(http.MethodGet)
	ar.HandleFunc("/tasks", s.listTasks).Methods(http.MethodGet)
	ar.HandleFunc("/tasks/{task_id}", s.getTask).Methods(http.MethodGet)

	sr := ar.PathPrefix("/v2/subagents").Subrouter()
	sr.HandleFunc("/spawn", s.spawnSubagent).Methods(http.MethodPost)
	sr.HandleFunc("/parallel", s.spawnParallel).Methods(http.MethodPost)
	sr.HandleFunc("/active", s.activeSubagents).Methods(http.MethodGet)
	sr.HandleFunc("/{subagent_id}", s.getSubagent).Methods(http.MethodGet)
	sr.HandleFunc("/{subagent_id}/stop", s.stopSubagent).Methods(http.MethodPost)
	sr.HandleFunc("/{subagent_id}/output", s.subagentOutput).Methods(http.MethodGet)

	r.HandleFunc("/ws/subagents/output", s.streams.ServeAll)
	r.HandleFunc("/ws/subagents/{subagent_id}/output", func(w http.ResponseWriter, req *http.Request) {
		s.streams.ServeSubagent(w, req, mux.Vars(req)["subagent_id"])
	})

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return cors(s.cfg.CORSOrigins, r)
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("HTTP server stopped")
	return nil
}
