package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"go.uber.org/zap"

	"github.com/colorlab/backend/internal/auth"
	"github.com/colorlab/backend/internal/billing"
	"github.com/colorlab/backend/internal/config"
	"github.com/colorlab/backend/internal/events"
	"github.com/colorlab/backend/internal/execution"
	"github.com/colorlab/backend/internal/ledger"
	"github.com/colorlab/backend/internal/observer"
	"github.com/colorlab/backend/internal/orchestrator"
	"github.com/colorlab/backend/internal/pricing"
	"github.com/colorlab/backend/internal/providers"
	"github.com/colorlab/backend/internal/repository"
	"github.com/colorlab/backend/internal/storage"
	"github.com/colorlab/backend/internal/validator"
)

// app holds every long-lived component of the serve command.
type app struct {
	cfg   *config.Config
	log   *zap.Logger
	pool  *pgxpool.Pool
	bus   events.Bus
	river *river.Client[pgx.Tx]

	tasks     *repository.TaskRepo
	ledger    ledger.Service
	pricing   *pricing.Calculator
	providers *providers.Registry
	orch      *orchestrator.Orchestrator
	observer  observer.Observer
	auth      auth.Service
	billing   *billing.Service
	media     http.Handler
}

func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger, pool *pgxpool.Pool) (*app, error) {
	a := &app{cfg: cfg, log: log, pool: pool}

	schemas, err := validator.New()
	if err != nil {
		return nil, fmt.Errorf("load schemas: %w", err)
	}

	balances := repository.NewBalanceRepo(pool)
	a.tasks = repository.NewTaskRepo(pool)
	a.ledger = ledger.NewService(pool, balances, repository.NewTransactionRepo(pool), schemas, log.Named("ledger"))
	a.pricing = pricing.NewCalculator(cfg.Pricing.Strict, log.Named("pricing"))
	a.providers = newProviderRegistry(cfg.Providers, log)

	uploader, media, err := newUploader(cfg.Storage, log)
	if err != nil {
		return nil, err
	}
	a.media = media

	a.bus, err = events.New(cfg.Events.Backend, cfg.Events.Channel, cfg.Events.RedisAddr, pool, log.Named("events"))
	if err != nil {
		return nil, fmt.Errorf("event bus: %w", err)
	}

	// The orchestrator enqueues jobs through River, and River's workers call
	// back into the orchestrator. The insert func is bound once the client exists.
	var insertMu sync.Mutex
	var insertFn orchestrator.InsertJobTxFunc
	insertJob := func(ctx context.Context, tx pgx.Tx, args river.JobArgs) error {
		insertMu.Lock()
		fn := insertFn
		insertMu.Unlock()
		if fn == nil {
			return fmt.Errorf("job queue not ready")
		}
		return fn(ctx, tx, args)
	}

	a.orch = orchestrator.New(orchestrator.Deps{
		DB:        pool,
		Ledger:    a.ledger,
		Tasks:     a.tasks,
		Providers: a.providers,
		Pricing:   a.pricing,
		Validator: schemas,
		Rehoster:  storage.NewRehoster(uploader, cfg.Storage.MaxBytes, log.Named("storage")),
		Publisher: a.bus,
		InsertJob: insertJob,
		Logger:    log.Named("orchestrator"),
	})

	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewResolveTaskWorker(
		a.tasks, a.providers, a.orch,
		cfg.Worker.PollInterval.Duration, cfg.Worker.MaxPollAttempts, log.Named("worker"),
	))
	river.AddWorker(workers, execution.NewRefundTaskWorker(a.orch))

	a.river, err = river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.Worker.MaxWorkers},
		},
		Workers: workers,
	})
	if err != nil {
		return nil, fmt.Errorf("create River client: %w", err)
	}

	insertMu.Lock()
	insertFn = func(ctx context.Context, tx pgx.Tx, args river.JobArgs) error {
		_, err := a.river.InsertTx(ctx, tx, args, &river.InsertOpts{MaxAttempts: cfg.Worker.MaxAttempts})
		return err
	}
	insertMu.Unlock()

	a.observer = observer.New(cfg.Observer, a.tasks, a.bus, log.Named("observer"))
	a.auth = auth.NewService(auth.NewRepository(pool), balances, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL.Duration, log.Named("auth"))
	a.billing = billing.NewService(cfg.Billing.StripeWebhookSecret, repository.NewWebhookEventRepo(pool), a.ledger, log.Named("billing"))
	if cfg.Billing.StripeSecretKey != "" {
		a.billing.WithPayments(billing.NewIntentClient(cfg.Billing.StripeSecretKey), cfg.Billing.Currency)
	} else {
		log.Warn("Stripe secret key not set; payment intents are disabled")
	}
	return a, nil
}

func newProviderRegistry(cfg config.ProvidersConfig, log *zap.Logger) *providers.Registry {
	reg := providers.NewRegistry()
	if cfg.DashScope.APIKey != "" {
		ds := providers.NewDashScope(cfg.DashScope.APIKey, cfg.DashScope.BaseURL, cfg.DashScope.Timeout.Duration, log)
		reg.Register(ds, providers.DashScopeImageFeatures...)
		reg.Register(ds, providers.DashScopeVideoFeatures...)
	} else {
		log.Warn("DashScope API key not set; its features are disabled")
	}
	if cfg.AI302.APIKey != "" {
		reg.Register(providers.NewAI302(cfg.AI302.APIKey, cfg.AI302.BaseURL, cfg.AI302.Timeout.Duration, log), providers.AI302Features...)
	} else {
		log.Warn("302.AI API key not set; colorization disabled")
	}
	return reg
}

// newUploader returns the result store and, for local storage, the handler
// that serves it.
func newUploader(cfg config.StorageConfig, log *zap.Logger) (storage.Uploader, http.Handler, error) {
	switch cfg.Backend {
	case "supabase":
		return storage.NewSupabase(cfg.Supabase.URL, cfg.Supabase.ServiceKey, cfg.Supabase.Bucket, log.Named("storage")), nil, nil
	case "local":
		local := storage.NewLocal(cfg.Local.Dir, cfg.Local.PublicBaseURL)
		return local, http.FileServer(http.Dir(local.Dir())), nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func (a *app) close() {
	if c, ok := a.bus.(io.Closer); ok {
		if err := c.Close(); err != nil {
			a.log.Warn("close event bus", zap.Error(err))
		}
	}
}
