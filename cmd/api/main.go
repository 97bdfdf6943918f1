package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/ticket-automation/internal/api/http"
	"github.com/spec-kit/ticket-automation/internal/api/http/handlers"
	"github.com/spec-kit/ticket-automation/internal/auth"
	"github.com/spec-kit/ticket-automation/internal/config"
	"github.com/spec-kit/ticket-automation/internal/events"
	"github.com/spec-kit/ticket-automation/internal/graph"
	"github.com/spec-kit/ticket-automation/internal/inbox"
	"github.com/spec-kit/ticket-automation/internal/mail"
	"github.com/spec-kit/ticket-automation/internal/observability"
	"github.com/spec-kit/ticket-automation/internal/persistence"
	"github.com/spec-kit/ticket-automation/internal/repository"
	"github.com/spec-kit/ticket-automation/internal/service"
	"github.com/spec-kit/ticket-automation/internal/worker"
)

const (
	localInboxTimeout = 2 * time.Minute
	ingestLockPrefix  = "ticket-automation:ingest:"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := cfg.Automation.Validate(); err != nil {
		logger.Warn("automation endpoint will refuse requests", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()
	if pg.PoolHandle() == nil {
		logger.Fatal("POSTGRES_DSN is required")
	}

	if cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(ctx, pg.PoolHandle(), logger); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	redis := persistence.NewRedis(ctx, cfg.Redis, logger)
	defer redis.Close()

	metrics := observability.NewMetrics()
	dispatcher := events.NewInMemoryDispatcher(logger)
	store := repository.NewStore(pg.PoolHandle())
	deps := service.Dependencies{
		Store:      store,
		Dispatcher: dispatcher,
		Metrics:    metrics,
		Logger:     logger,
		Now:        time.Now,
	}

	sender := mail.NewSender(cfg.Mail, logger)
	if sender == nil {
		logger.Warn("SMTP not configured; customer and escalation emails are skipped")
	}
	composer := mail.NewComposer(cfg.Mail)

	notifications := service.NewNotificationService(dispatcher, store, sender, composer, metrics, logger)
	worker.StartNotificationWorker(notifications, logger)

	runner := service.NewBatchRunner(service.BatchRunnerOptions{
		SLA:      service.NewSLAScanner(deps),
		Seeder:   service.NewEscalationSeeder(deps),
		Advancer: service.NewEscalationAdvancer(deps),
		Closer: service.NewAutoCloser(deps, service.AutoCloseOptions{
			Window:   cfg.Automation.AutoCloseWindow(),
			Sender:   sender,
			Composer: composer,
		}),
		DefaultLimit: cfg.Automation.DefaultLimit,
		MaxLimit:     cfg.Automation.MaxLimit,
		Logger:       logger,
	})

	var fetcher service.MessageFetcher
	if cfg.Graph.Enabled() {
		client, err := graph.NewClient(ctx, cfg.Graph, logger)
		if err != nil {
			logger.Fatal("failed to init graph client", zap.Error(err))
		}
		fetcher = client
	} else {
		logger.Warn("graph credentials not configured; inbound email is ignored")
	}
	if cfg.Inbound.ClientState == "" {
		logger.Warn("INBOUND_CLIENT_STATE not configured; inbound notifications are ignored")
	}
	correlator := service.NewEmailCorrelator(deps, service.EmailCorrelatorOptions{
		Fetcher:     fetcher,
		Locker:      inbox.NewRedisLocker(redis.Client, ingestLockPrefix),
		ClientState: cfg.Inbound.ClientState,
		LockTTL:     cfg.Inbound.LockTTL(),
	})

	var (
		queue      inbox.Queue
		localQueue *inbox.LocalQueue
		consumer   <-chan struct{}
	)
	switch cfg.Inbound.Queue {
	case config.InboundQueueRedis:
		redisQueue := inbox.NewRedisQueue(redis.Client, cfg.Inbound.QueueKey, logger)
		queue = redisQueue
		consumer = worker.StartCorrelationWorker(ctx, redisQueue, correlator, logger.Named("correlation_worker"))
	default:
		// room to wait out a held in-flight lock before ingesting
		localQueue = inbox.NewLocalQueue(correlator.Handle, cfg.Inbound.LockTTL()+localInboxTimeout, logger)
		queue = localQueue
	}

	scheduler := worker.StartAutomationWorker(ctx, runner, cfg.Automation.Interval(), logger.Named("automation_worker"))

	app := fiber.New(fiber.Config{
		AppName:               cfg.App.Name,
		DisableStartupMessage: true,
	})
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())

	tokens := auth.NewTokenManager(cfg.Automation.Secret, 15)
	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health:         handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, pg, redis),
		Automation:     handlers.NewAutomationHandler(runner),
		InboundEmail:   handlers.NewInboundEmailHandler(queue, logger),
		AutomationAuth: auth.NewAutomationMiddleware(cfg.Automation, tokens, logger),
		Metrics:        metrics,
	})

	go func() {
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()
	logger.Info("listening", zap.String("addr", cfg.App.Addr()), zap.String("inbound_queue", cfg.Inbound.Queue))

	waitForShutdown(logger)

	_ = app.Shutdown()
	cancel()
	<-scheduler
	if consumer != nil {
		<-consumer
	}
	if localQueue != nil {
		localQueue.Wait()
	}
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
