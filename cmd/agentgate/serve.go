package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/erkineren/agentgate/internal/api"
	"github.com/erkineren/agentgate/internal/bot"
	"github.com/erkineren/agentgate/internal/config"
	"github.com/erkineren/agentgate/internal/github"
	"github.com/erkineren/agentgate/internal/hub"
	"github.com/erkineren/agentgate/internal/jira"
	"github.com/erkineren/agentgate/internal/logging"
	"github.com/erkineren/agentgate/internal/queue"
	"github.com/erkineren/agentgate/internal/runner"
	"github.com/erkineren/agentgate/internal/slack"
	"github.com/erkineren/agentgate/internal/store/sqlstore"
	"github.com/erkineren/agentgate/internal/subagent"
	"github.com/erkineren/agentgate/internal/webhook"
	"github.com/erkineren/agentgate/internal/worker"
)

const (
	workerStopTimeout = 30 * time.Second
	telegramPollTime  = 60
)

func newServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server, task worker and Telegram bot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a.settings, a.logger)
		},
	}
}

func serve(ctx context.Context, settings *config.Settings, logger *zap.Logger) error {
	logger.Info("Starting agentgate", zap.String("machine_id", settings.MachineID))

	logger.Info("Connecting to database",
		zap.String("driver", settings.DatabaseDriver),
		zap.String("url", logging.MaskURL(settings.DatabaseURL)))
	st, err := sqlstore.New(settings.DatabaseDriver, settings.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer st.Close()

	q, err := newQueue(settings, logger)
	if err != nil {
		return err
	}
	defer q.Close()

	gh, err := newGitHubClient(settings, logger)
	if err != nil {
		return err
	}
	if _, ok := settings.ResolveGitHubToken(); ok {
		validateGitHub(ctx, gh, logger)
	}

	configs, err := webhook.LoadConfigs(settings.WebhookConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load webhook configs: %w", err)
	}
	router := webhook.NewRouter(st, q, logger, webhook.WithForwarder(webhook.NewForwarder(settings.EventForwardURL)))
	clients := webhook.Clients{
		GitHub:        gh,
		Jira:          jira.NewClient(settings.JiraURL, settings.JiraEmail, settings.JiraAPIToken),
		Slack:         slack.NewClient(settings.SlackBotToken),
		JiraAgentName: settings.JiraAIAgentName,
	}
	for i := range configs {
		cfg := &configs[i]
		secret := webhook.ResolveSecret(cfg, settings.WebhookSecret(cfg.Source))
		p, err := webhook.NewProvider(cfg, secret, clients, logger.Named(cfg.Name))
		if err != nil {
			logger.Warn("Skipping webhook", zap.Error(err))
			continue
		}
		if secret == "" {
			logger.Warn("Webhook has no secret, signatures are not verified", zap.String("webhook", cfg.Name))
		}
		router.Register(p)
		logger.Info("Webhook registered", zap.String("webhook", cfg.Name), zap.String("endpoint", cfg.Endpoint))
	}

	streams := hub.New(logger, hub.WithAllowedOrigins(settings.CORSOrigins))
	manager := subagent.NewManager(subagent.Config{
		MaxParallel:  settings.MaxParallelSubagents,
		WorkDir:      settings.AppDir,
		AllowedTools: settings.AllowedTools,
	}, runner.New(settings.AgentCommand, settings.TaskTimeout, logger), streams, st, logger)

	var workerOpts []worker.Option
	var telegram *bot.Bot
	if settings.TelegramBotToken != "" {
		telegram, err = bot.New(settings.TelegramBotToken, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize Telegram bot: %w", err)
		}
		if settings.TelegramChatID != 0 {
			workerOpts = append(workerOpts, worker.WithNotifier(telegram, settings.TelegramChatID))
		}
		logger.Info("Telegram bot initialized")
	}

	w := worker.New(settings.MaxConcurrentTasks, q, st, manager, router, logger, workerOpts...)
	if settings.QueueBackend != "rabbitmq" {
		n, err := w.Recover(ctx)
		if err != nil {
			logger.Warn("Failed to requeue pending tasks", zap.Error(err))
		}
		if n > 0 {
			logger.Info("Requeued pending tasks", zap.Int("count", n))
		}
	}
	w.Start(ctx)

	var wg sync.WaitGroup
	if telegram != nil {
		handler := bot.NewHandler(telegram, st, func() bot.Status {
			return bot.Status{
				MachineID:       settings.MachineID,
				QueueLength:     q.Len(),
				ActiveSubagents: manager.ActiveCount(),
				MaxSubagents:    manager.MaxParallel(),
				Connections:     streams.ConnectionCount(),
			}
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			telegram.Listen(ctx, handler, telegramPollTime)
		}()
	}

	server := api.NewServer(api.Config{MachineID: settings.MachineID, CORSOrigins: settings.CORSOrigins},
		st, q, router, manager, streams, logger)
	serveErr := server.Run(ctx, settings.Addr())
	if serveErr != nil {
		logger.Error("HTTP server failed", zap.Error(serveErr))
	}

	logger.Info("Shutting down")
	if err := w.Stop(workerStopTimeout); err != nil {
		logger.Warn("Stopping running subagents", zap.Error(err))
		manager.StopAll()
	}
	wg.Wait()
	logger.Info("Shutdown complete")
	return serveErr
}

func newQueue(settings *config.Settings, logger *zap.Logger) (queue.Queue, error) {
	if settings.QueueBackend == "rabbitmq" {
		logger.Info("Connecting to RabbitMQ", zap.String("url", logging.MaskURL(settings.RabbitMQURL)))
		q, err := queue.NewRabbitMQ(settings.RabbitMQURL, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		return q, nil
	}
	return queue.NewMemory(0), nil
}

// newGitHubClient prefers a personal token and falls back to GitHub App
// credentials. Without either, replies to GitHub are skipped.
func newGitHubClient(settings *config.Settings, logger *zap.Logger) (*github.Client, error) {
	if token, ok := settings.ResolveGitHubToken(); ok {
		logger.Info("Using GitHub token authentication")
		return github.NewClient(token)
	}
	if settings.GitHubAppID != "" && settings.GitHubPrivateKey != "" {
		logger.Info("Using GitHub App authentication",
			zap.String("app_id", settings.GitHubAppID),
			zap.String("installation", settings.GitHubAppOwner+"/"+settings.GitHubAppRepo))
		client, err := github.NewAppClient(settings.GitHubAppID, settings.GitHubPrivateKey,
			settings.GitHubAppOwner, settings.GitHubAppRepo)
		if err != nil {
			return nil, fmt.Errorf("failed to configure GitHub App: %w", err)
		}
		return client, nil
	}
	logger.Warn("No GitHub credentials configured, GitHub replies are disabled")
	return github.NewClient("")
}

// validateGitHub checks a personal token with GET /user. A rejected token is
// logged and GitHub replies will fail until it is replaced.
func validateGitHub(ctx context.Context, gh *github.Client, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	login, err := gh.ValidateToken(ctx)
	if err != nil {
		logger.Warn("GitHub token validation failed", zap.Error(err))
		return
	}
	logger.Info("GitHub token validated", zap.String("login", login))
}
