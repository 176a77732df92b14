package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/miragespace/billing/audit"
	"github.com/miragespace/billing/broker"
	"github.com/miragespace/billing/config"
	"github.com/miragespace/billing/customer"
	"github.com/miragespace/billing/db"
	"github.com/miragespace/billing/dispatch"
	"github.com/miragespace/billing/external"
	"github.com/miragespace/billing/idempotency"
	"github.com/miragespace/billing/ingest"
	"github.com/miragespace/billing/invoice"
	"github.com/miragespace/billing/lifecycle"
	"github.com/miragespace/billing/metrics"
	"github.com/miragespace/billing/publisher"
	"github.com/miragespace/billing/scheduler"
	specBroker "github.com/miragespace/billing/spec/broker"
	"github.com/miragespace/billing/subscription"
	"github.com/miragespace/billing/webhook"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// Version is set at build time
var Version = "dev"

type bus interface {
	specBroker.Producer
	specBroker.Consumer
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Cannot load configurations: %v\n", err)
	}

	var logger *zap.Logger
	if cfg.Production() {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("Cannot initialize logger: %v\n", err)
	}
	logger = logger.With(zap.String("Version", Version))

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Environment: string(cfg.Environment),
		Release:     Version,
		Debug:       !cfg.Production(),
	}); err != nil {
		logger.Fatal("Cannot initialize sentry",
			zap.Error(err),
		)
	}
	defer sentry.Flush(time.Second * 2)

	// Attach sentry to zap so we can do automatic error capturing
	core, err := zapsentry.NewCore(zapsentry.Configuration{
		Level: zapcore.ErrorLevel,
		Tags: map[string]string{
			"component": "billing",
		},
	}, zapsentry.NewSentryClientFromClient(sentry.CurrentHub().Client()))
	if err != nil {
		logger.Fatal("Cannot attach sentry to logger",
			zap.Error(err),
		)
	}
	logger = zapsentry.AttachCoreToLogger(core, logger)
	defer logger.Sync()

	m := metrics.New()

	// Initialize backend connections
	gdb, err := db.New(db.Options{
		URI:    cfg.PostgresURI,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot connect to Postgres",
			zap.Error(err),
		)
	}

	var gate idempotency.Gate = idempotency.NoopGate{}
	if cfg.RedisURI != "" {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.RedisURI},
			Password: cfg.RedisPassword,
			DB:       0,
		})
		defer rdb.Close()
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Fatal("Cannot connect to Redis",
				zap.Error(err),
			)
		}
		gate, err = idempotency.NewRedisGate(idempotency.GateOptions{
			Redis:  rdb,
			Logger: logger,
		})
		if err != nil {
			logger.Fatal("Cannot initialize RedisGate",
				zap.Error(err),
			)
		}
	}

	var mq bus
	switch cfg.Broker {
	case config.BrokerNATS:
		mq, err = broker.NewNATSBroker(broker.NATSOptions{
			URL:    cfg.NATSURI,
			Logger: logger,
		})
	default:
		mq, err = broker.NewAMQPBroker(broker.AMQPOptions{
			URI:    cfg.AMQPURI,
			Logger: logger,
		})
	}
	if err != nil {
		logger.Fatal("Cannot connect to Broker",
			zap.Error(err),
		)
	}
	defer mq.Close()

	subscriptionManager, err := subscription.NewManager(subscription.ManagerOptions{
		DB:             gdb,
		Logger:         logger,
		PathToPlanJSON: cfg.PlansPath,
	})
	if err != nil {
		logger.Fatal("Cannot initialize SubscriptionManager",
			zap.Error(err),
		)
	}
	if _, err := invoice.NewManager(invoice.ManagerOptions{
		DB:     gdb,
		Logger: logger,
	}); err != nil {
		logger.Fatal("Cannot initialize InvoiceManager",
			zap.Error(err),
		)
	}
	if _, err := customer.NewManager(customer.ManagerOptions{
		DB:     gdb,
		Logger: logger,
	}); err != nil {
		logger.Fatal("Cannot initialize CustomerManager",
			zap.Error(err),
		)
	}
	if _, err := audit.NewManager(audit.ManagerOptions{
		DB:     gdb,
		Logger: logger,
	}); err != nil {
		logger.Fatal("Cannot initialize AuditManager",
			zap.Error(err),
		)
	}
	ledger, err := idempotency.NewLedger(idempotency.LedgerOptions{
		DB:     gdb,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Ledger",
			zap.Error(err),
		)
	}

	outbox, err := publisher.New(publisher.Options{
		DB:          gdb,
		Logger:      logger,
		Producer:    mq,
		Metrics:     m,
		MaxAttempts: cfg.MaxPublishAttempts,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Publisher",
			zap.Error(err),
		)
	}

	processor, err := external.NewStripeProcessor(external.StripeOptions{
		Client: external.NewStripeClient(cfg.StripeKey),
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize StripeProcessor",
			zap.Error(err),
		)
	}

	engine, err := lifecycle.NewEngine(lifecycle.Options{
		DB:              gdb,
		Logger:          logger,
		Processor:       processor,
		Notifier:        outbox,
		Metrics:         m,
		Policy:          cfg.Policy,
		ExternalTimeout: cfg.ExternalTimeout,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Engine",
			zap.Error(err),
		)
	}

	dispatcher, err := dispatch.New(dispatch.Options{
		Applier: engine,
		Logger:  logger,
		Metrics: m,
		Workers: cfg.Workers,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Dispatcher",
			zap.Error(err),
		)
	}

	pipeline, err := ingest.NewPipeline(ingest.PipelineOptions{
		Ledger:     ledger,
		Gate:       gate,
		Dispatcher: dispatcher,
		Logger:     logger,
		Metrics:    m,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Pipeline",
			zap.Error(err),
		)
	}

	verifier, err := webhook.NewVerifier(cfg.StripeWebhookSecret, 0)
	if err != nil {
		logger.Fatal("Cannot initialize webhook Verifier",
			zap.Error(err),
		)
	}
	webhookRouter, err := webhook.NewService(webhook.ServiceOptions{
		Verifier: verifier,
		Pipeline: pipeline,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Webhook Service Router",
			zap.Error(err),
		)
	}

	eventTask, err := ingest.NewTask(ingest.TaskOptions{
		Pipeline:      pipeline,
		Consumer:      mq,
		Subscriptions: subscriptionManager,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("Cannot get event task",
			zap.Error(err),
		)
	}

	ticker, err := scheduler.NewTicker(scheduler.TickerOptions{
		Schedule: cfg.SweepSchedule,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Ticker",
			zap.Error(err),
		)
	}
	sweeper, err := scheduler.NewSweeper(scheduler.SweeperOptions{
		Ticker:        ticker,
		Subscriptions: subscriptionManager,
		Dispatcher:    dispatcher,
		Publisher:     outbox,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Sweeper",
			zap.Error(err),
		)
	}

	rootRouter := chi.NewRouter()
	rootRouter.Mount("/webhooks", webhookRouter.Router())
	rootRouter.Handle("/metrics", m.Handler())
	rootRouter.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      rootRouter,
		ReadTimeout:  time.Second * 15,
		WriteTimeout: time.Second * 30,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eventTask.HandleEvents(ctx); err != nil {
		logger.Fatal("Cannot handle bus events",
			zap.Error(err),
		)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Webhook ingress listening",
			zap.String("Addr", cfg.ListenAddr),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*15)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		outbox.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Billing engine stopped with error",
			zap.Error(err),
		)
	}

	logger.Info("Waiting for in-flight commands")
	dispatcher.Close()

	drainCtx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	if _, err := outbox.Drain(drainCtx); err != nil {
		logger.Warn("Cannot drain outbox on shutdown",
			zap.Error(err),
		)
	}
	logger.Info("Billing engine stopped")
}
