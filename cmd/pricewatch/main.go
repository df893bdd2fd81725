package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"

	"github.com/Checker-Finance/pricewatch/internal/alert"
	"github.com/Checker-Finance/pricewatch/internal/api"
	"github.com/Checker-Finance/pricewatch/internal/catalog"
	"github.com/Checker-Finance/pricewatch/internal/config"
	"github.com/Checker-Finance/pricewatch/internal/extract"
	"github.com/Checker-Finance/pricewatch/internal/httpclient"
	"github.com/Checker-Finance/pricewatch/internal/ingest"
	"github.com/Checker-Finance/pricewatch/internal/jobs"
	"github.com/Checker-Finance/pricewatch/internal/matching"
	"github.com/Checker-Finance/pricewatch/internal/notify"
	"github.com/Checker-Finance/pricewatch/internal/orchestrator"
	"github.com/Checker-Finance/pricewatch/internal/pricehistory"
	"github.com/Checker-Finance/pricewatch/internal/publisher"
	"github.com/Checker-Finance/pricewatch/internal/queue"
	"github.com/Checker-Finance/pricewatch/internal/rate"
	"github.com/Checker-Finance/pricewatch/internal/scheduler"
	intsecrets "github.com/Checker-Finance/pricewatch/internal/secrets"
	"github.com/Checker-Finance/pricewatch/internal/store"
	"github.com/Checker-Finance/pricewatch/pkg/logger"
	pkgsecrets "github.com/Checker-Finance/pricewatch/pkg/secrets"
	"github.com/Checker-Finance/pricewatch/pkg/utils"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// --- Load configuration ---
	cfg := config.Load()

	logger.Init(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	defer logger.Sync()
	logg := logger.S()
	logg.Info("starting [pricewatch]...")

	// --- Resolve the Postgres DSN (optionally from AWS Secrets Manager) ---
	dsn := cfg.DatabaseURL
	if cfg.DatabaseSecret != "" {
		awsProvider, err := pkgsecrets.NewAWSProvider(ctx, cfg.AWSRegion)
		if err != nil {
			logg.Fatalw("failed to init AWS provider", "error", err)
		}
		resolver := intsecrets.NewResolver(logger.Named("secrets"), awsProvider, pkgsecrets.NewCache[string](cfg.SecretCacheTTL))
		dsn, err = resolver.DSN(ctx, cfg.DatabaseSecret)
		if err != nil {
			logg.Fatalw("failed to resolve database secret", "secret", cfg.DatabaseSecret, "error", err)
		}
	}
	if dsn != "" {
		logg.Info("connection to DSN: ", utils.MaskDSN(dsn))
	} else {
		logg.Warn("no DATABASE_URL configured; catalog and history are kept in memory")
	}

	// --- Store (Redis + Postgres hybrid) ---
	st, err := store.NewHybrid(cfg.RedisAddr, cfg.RedisDB, dsn, cfg.PGPool, logger.Named("store"))
	if err != nil {
		logg.Fatalw("failed to init store", "error", err)
	}
	defer st.Close() //nolint:errcheck

	var cat catalog.Catalog = catalog.NewMemory()
	if st.PG != nil {
		cat = catalog.NewPostgres(st.PG, logger.Named("catalog"))
	}

	// --- Extraction / matching / history ---
	tables, err := extract.LoadTables(cfg.ReferenceTablesPath)
	if err != nil {
		logg.Fatalw("failed to load reference tables", "path", cfg.ReferenceTablesPath, "error", err)
	}
	extractor := extract.New(tables, cfg.Extract, logger.Named("extract"))
	matcher := matching.NewEngine(cfg.Matching)
	tracker := pricehistory.New(cfg.PriceHistory, st, logger.Named("pricehistory"))

	// --- Connect to NATS ---
	nc, err := nats.Connect(cfg.NATSURL, nats.Name(cfg.ServiceName))
	if err != nil {
		logg.Fatalw("failed to connect to NATS", "error", err)
	}
	defer nc.Drain() //nolint:errcheck

	pub, err := publisher.New(nc, cfg.AlertSubject, cfg.ServiceName)
	if err != nil {
		logg.Fatalw("failed to init publisher", "error", err)
	}

	// --- Alert dispatch: JetStream, plus an optional webhook ---
	dispatchers := notify.Multi{pub}
	if cfg.WebhookURL != "" {
		exec := httpclient.New(logger.Named("webhook"), rate.NewManager(cfg.WebhookRate), nil, cfg.WebhookRetryMax, "webhook", nil)
		wh, err := notify.NewWebhook(cfg.WebhookURL, cfg.WebhookToken, exec)
		if err != nil {
			logg.Fatalw("invalid alert webhook", "error", err)
		}
		dispatchers = append(dispatchers, wh)
	}
	dispatch := notify.NewAsync(dispatchers, cfg.DispatchBuffer, cfg.DispatchWorkers, logger.Named("notify"))
	dispatch.Start(ctx)

	suppressor := alert.NewRedisSuppressor(st.Redis(), cfg.SuppressionPrefix)
	alerts := alert.NewEngine(cfg.Alert, tracker, suppressor, dispatch, logger.Named("alert"), alert.WithRecorder(st))

	// --- Deferred queue (RabbitMQ); without it deferred listings wait in the unmatched pool ---
	var deferrer orchestrator.Deferrer
	var rabbit *queue.Rabbit
	if cfg.RabbitURL != "" {
		rabbit, err = queue.Dial(cfg.RabbitURL, cfg.DeferredQueue, cfg.DeferredMaxAttempt, logger.Named("queue"),
			queue.WithParker(cat),
			queue.WithRetryDelay(cfg.DeferredRetryDelay, cfg.DeferredRetryMax))
		if err != nil {
			logg.Fatalw("failed to connect to RabbitMQ", "error", err)
		}
		deferrer = rabbit
	}

	pipeline := orchestrator.NewPipeline(cfg.Orchestrator, extractor, matcher, cat, tracker, alerts, deferrer, logger.Named("pipeline"))
	if rabbit != nil {
		if err := rabbit.Start(ctx, pipeline.Redeliver); err != nil {
			logg.Fatalw("failed to start deferred consumer", "error", err)
		}
	}

	// --- Listing source ---
	var source orchestrator.Source = ingest.NewNATSSource(nc, cfg.ScrapePrefix, cfg.ScrapeTimeout, logger.Named("ingest"))
	if cfg.FixtureDir != "" {
		source = ingest.NewFileSource(cfg.FixtureDir)
		logg.Infow("ingesting from fixture files", "dir", cfg.FixtureDir)
	}

	orch := orchestrator.New(cfg.Orchestrator, source, rate.NewPoliteness(cfg.Politeness), pipeline, cat, logger.Named("orchestrator"))

	if len(cfg.Orchestrator.Vendors) == 0 {
		logg.Warn("no vendors configured; skipping cycle scheduler startup")
	}
	sched := scheduler.New(cfg.CycleSchedule, orch, logger.Named("scheduler"))
	if len(cfg.Orchestrator.Vendors) > 0 {
		if err := sched.Start(ctx); err != nil {
			logg.Fatalw("invalid cycle schedule", "schedule", cfg.CycleSchedule, "error", err)
		}
	}

	reprocessor := jobs.NewReprocessor(logger.Named("reprocessor"), orch, pub, cfg.ReprocessInterval)
	go reprocessor.Start(ctx)

	// --- Ops API ---
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	api.RegisterRoutes(app, &api.Handler{
		Logger: logger.Named("api"),
		Checks: map[string]api.Check{
			"store": st.HealthCheck,
			"nats": func(context.Context) error {
				if s := nc.Status(); s != nats.CONNECTED {
					return fmt.Errorf("nats status %s", s)
				}
				return nil
			},
		},
	})

	go func() {
		logg.Infof("HTTP API listening on :%d", cfg.Port)
		if err := app.Listen(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			logg.Fatalw("fiber.listen_failed", "error", err)
		}
	}()

	// --- Main process stays alive until interrupted ---
	logg.Infow("[pricewatch] running",
		"nats", cfg.NATSURL,
		"vendors", cfg.Orchestrator.Vendors,
		"schedule", cfg.CycleSchedule)

	<-ctx.Done()
	stop()
	logg.Info("shutting down [pricewatch]...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reprocessor.Stop()
	select {
	case <-sched.Stop().Done():
	case <-shutdownCtx.Done():
		logg.Warn("cycle did not finish before shutdown deadline")
	}
	if rabbit != nil {
		rabbit.Close() //nolint:errcheck
	}
	dispatch.Stop()
	app.ShutdownWithContext(shutdownCtx) //nolint:errcheck
}
