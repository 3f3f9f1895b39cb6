package control

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/payguard/internal/core/config"
	"github.com/vietddude/payguard/internal/core/worker"
	"github.com/vietddude/payguard/internal/infra/ai"
	"github.com/vietddude/payguard/internal/infra/guard"
	"github.com/vietddude/payguard/internal/infra/payments"
	redisclient "github.com/vietddude/payguard/internal/infra/redis"
	"github.com/vietddude/payguard/internal/infra/storage"
	"github.com/vietddude/payguard/internal/infra/storage/memory"
	"github.com/vietddude/payguard/internal/infra/storage/postgres"
	"github.com/vietddude/payguard/internal/ingest"
	"github.com/vietddude/payguard/internal/notify"
	"github.com/vietddude/payguard/internal/processing/dispatch"
	"github.com/vietddude/payguard/internal/processing/escalation"
	"github.com/vietddude/payguard/internal/processing/handlers"
	"github.com/vietddude/payguard/internal/processing/idempotency"
	"github.com/vietddude/payguard/internal/processing/recovery"
	"github.com/vietddude/payguard/internal/processing/retry"
	"github.com/vietddude/payguard/internal/transport/httpapi"
)

// App owns every long-lived component and its lifecycle.
type App struct {
	cfg *config.AppConfig
	log *slog.Logger

	db          *postgres.DB
	redisClient *redisclient.Client

	ledger      *idempotency.Store
	coordinator *retry.Coordinator
	escalator   *escalation.Escalator
	notifier    *notify.Notifier
	emailWorker *notify.RetryWorker
	pruner      *worker.Pruner
	guards      []*guard.Guard

	server *httpapi.Server
	engine http.Handler

	cancel context.CancelFunc
	group  *errgroup.Group

	// processing bounds webhook processing; Stop cancels it before draining HTTP.
	processing     context.Context
	stopProcessing context.CancelFunc
}

// Stores groups the repositories chosen for this run.
type Stores struct {
	Records  storage.ProcessingRecordRepository
	Reviews  storage.ReviewRepository
	Business storage.BusinessStateStore
	Emails   storage.EmailRetryQueue
}

// NewApp connects storage and wires the pipeline. Without a database URL it runs in memory.
func NewApp(ctx context.Context, cfg *config.AppConfig) (*App, error) {
	app := &App{cfg: cfg, log: slog.Default()}
	app.processing, app.stopProcessing = context.WithCancel(context.Background())

	stores, err := app.openStores(ctx)
	if err != nil {
		app.stopProcessing()
		app.closeConnections()
		return nil, err
	}

	// Alerts
	var sink escalation.AlertSink = escalation.LogSink{}
	if app.redisClient != nil {
		sink = escalation.MultiSink{escalation.LogSink{}, redisclient.NewAlertPublisher(app.redisClient)}
	}
	app.escalator = escalation.NewEscalator(stores.Reviews, sink)

	// Outbound dependencies, each behind its own guard
	aiGuard := guard.New(cfg.Resilience.Guard("ai"))
	paymentsGuard := guard.New(cfg.Resilience.Guard("payments"))
	app.guards = []*guard.Guard{aiGuard, paymentsGuard}

	var provider payments.Provider
	if cfg.Payments.APIKey != "" {
		provider = payments.NewGuardedProvider(payments.NewHTTPProvider(cfg.Payments), paymentsGuard)
	} else {
		app.log.Warn("Payment provider not configured, upstream payment checks disabled")
	}

	var assistant httpapi.Assistant
	if cfg.AI.APIKey != "" {
		assistant = ai.NewClient(ai.NewHTTPBackend(cfg.AI), aiGuard)
	}

	// Processing pipeline
	sender := notify.LogSender{}
	app.notifier = notify.NewNotifier(sender, 0)
	app.ledger = idempotency.NewStore(cfg.Idempotency, stores.Records)

	registry := recovery.NewRegistry(cfg.Recovery, recovery.Deps{
		Store:     stores.Business,
		Provider:  provider,
		Notifier:  app.notifier,
		Emails:    stores.Emails,
		Escalator: app.escalator,
		Records:   app.ledger,
	})
	app.notifier.OnFailure(registry.HandleDeliveryFailure)

	dispatcher := dispatch.NewDispatcher()
	handlers.New(stores.Business, app.notifier).Register(dispatcher)

	app.coordinator = retry.NewCoordinator(cfg.Resilience.Retry(), app.ledger, dispatcher, registry, app.escalator)
	app.emailWorker = notify.NewRetryWorker(cfg.EmailRetry, stores.Emails, sender)
	app.pruner = worker.NewPruner(cfg.Retention, stores.Records, stores.Reviews)

	// Transport
	verifierOpts := []ingest.Option{}
	if cfg.Webhook.Tolerance != nil {
		verifierOpts = append(verifierOpts, ingest.WithTolerance(*cfg.Webhook.Tolerance))
	}
	if cfg.Webhook.Secret == "" {
		app.log.Warn("Webhook secret not set, every delivery will be rejected")
	}

	checks := map[string]httpapi.Check{}
	if app.db != nil {
		checks["database"] = app.db.Health
	}
	if app.redisClient != nil {
		checks["redis"] = app.redisClient.Ping
	}

	engine := httpapi.NewRouter(httpapi.Deps{
		Verifier:  ingest.NewVerifier(cfg.Webhook.Secret, verifierOpts...),
		Processor: app.coordinator,
		Assistant: assistant,
		Reviews:   app.escalator,
		Guards:    app.guards,
		Checks:    checks,
		Lifecycle: app.processing,
	})
	app.engine = engine
	app.server = httpapi.NewServer(engine, cfg.Server.Port)

	app.log.Info("Registered event handlers", "types", dispatcher.Types())
	return app, nil
}

func (a *App) openStores(ctx context.Context) (*Stores, error) {
	stores := &Stores{}

	if a.cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, a.cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		a.db = db
		if err := db.Migrate(); err != nil {
			return nil, err
		}
		stores.Records = postgres.NewRecordRepo(db)
		stores.Reviews = postgres.NewReviewRepo(db)
		stores.Business = postgres.NewBusinessStore(db)
		a.log.Info("Using PostgreSQL storage")
	} else {
		mem := memory.NewMemoryStorage()
		stores.Records = memory.NewRecordRepo(mem)
		stores.Reviews = memory.NewReviewRepo(mem)
		stores.Business = memory.NewBusinessStore(mem)
		stores.Emails = memory.NewEmailQueue(mem)
		a.log.Info("Using Memory storage")
	}

	if a.cfg.Redis.URL != "" {
		client, err := redisclient.NewClient(ctx, a.cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.redisClient = client
		stores.Emails = redisclient.NewEmailQueue(client)
		a.log.Info("Using Redis email retry queue")
	} else if stores.Emails == nil {
		stores.Emails = memory.NewEmailQueue(memory.NewMemoryStorage())
	}

	return stores, nil
}

// Handler returns the HTTP handler, for tests.
func (a *App) Handler() http.Handler {
	return a.engine
}

// Escalator exposes the manual review queue.
func (a *App) Escalator() *escalation.Escalator {
	return a.escalator
}

// Start launches the HTTP server and background workers.
func (a *App) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	g, ctx := errgroup.WithContext(ctx)
	a.group = g

	if a.db != nil {
		a.db.StartMetricsCollector(ctx)
	}

	g.Go(func() error {
		a.log.Info("HTTP server listening", "port", a.cfg.Server.Port)
		return a.server.Start()
	})
	g.Go(func() error { return a.ledger.Run(ctx) })
	g.Go(func() error { return a.emailWorker.Run(ctx) })
	g.Go(func() error { return a.pruner.Run(ctx) })

	return nil
}

// Stop drains HTTP, stops workers, waits for pending notifications and closes connections.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping payguard...")

	// Events waiting out a backoff stop here and stay retrying for redelivery.
	a.stopProcessing()
	if err := a.server.Stop(ctx); err != nil {
		a.log.Warn("HTTP shutdown incomplete", "error", err)
	}
	if a.cancel != nil {
		a.cancel()
	}

	var err error
	if a.group != nil {
		err = a.group.Wait()
	}
	a.notifier.Wait()
	a.closeConnections()

	a.log.Info("Stopped")
	return err
}

func (a *App) closeConnections() {
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("Failed to close database", "error", err)
		}
	}
}
