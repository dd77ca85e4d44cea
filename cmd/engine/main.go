package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/campaign-engine/internal/abtest"
	"github.com/ignite/campaign-engine/internal/config"
	"github.com/ignite/campaign-engine/internal/delivery"
	"github.com/ignite/campaign-engine/internal/drip"
	"github.com/ignite/campaign-engine/internal/pkg/distlock"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/pkg/tracing"
	"github.com/ignite/campaign-engine/internal/provider"
	"github.com/ignite/campaign-engine/internal/render"
	"github.com/ignite/campaign-engine/internal/repository/memory"
	"github.com/ignite/campaign-engine/internal/repository/postgres"
	"github.com/ignite/campaign-engine/internal/segmentation"
	"github.com/ignite/campaign-engine/internal/service/campaign"
	"github.com/ignite/campaign-engine/internal/webhook"
)

// store is everything the services need from persistence. Both
// *postgres.Store and *memory.Store satisfy it.
type store interface {
	delivery.ProviderStore
	delivery.RecordStore
	drip.Store
	abtest.Store
	webhook.Store
	webhook.Unsubscriber
	segmentation.RecipientStore
	campaign.Repository
	render.TemplateSource
}

func main() {
	log.Println("[Engine] Starting campaign engine...")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("[Engine] Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[Engine] Invalid config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		log.Printf("[Engine] Tracing disabled: %v", err)
	}

	// Persistence
	var (
		db *sql.DB
		st store
	)
	if cfg.Database.URL != "" {
		db, err = postgres.Open(ctx, cfg.Database.URL, postgres.PoolConfig{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime(),
		})
		if err != nil {
			log.Fatalf("[Engine] Failed to connect to database: %v", err)
		}
		defer db.Close()
		st = postgres.New(db)
		log.Println("[Engine] Connected to PostgreSQL")
	} else {
		st = memory.New()
		log.Println("[Engine] No database configured, using in-memory store")
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("[Engine] Failed to connect to Redis: %v", err)
		}
		defer rdb.Close()
		log.Printf("[Engine] Connected to Redis at %s", cfg.Redis.Addr)
	}

	var awsCfg *aws.Config
	loadAWS := func() aws.Config {
		if awsCfg != nil {
			return *awsCfg
		}
		opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWS.Region)}
		if cfg.AWS.Profile != "" {
			opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.AWS.Profile))
		}
		c, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			log.Fatalf("[Engine] Failed to load AWS config: %v", err)
		}
		awsCfg = &c
		return c
	}

	// Delivery
	var ledger delivery.QuotaLedger
	switch cfg.Delivery.Ledger {
	case config.LedgerRedis:
		ledger = delivery.NewRedisLedger(rdb, cfg.Redis.KeyPrefix+":quota")
	case config.LedgerPostgres:
		ledger = postgres.NewLedger(db)
	default:
		ledger = delivery.NewMemoryLedger()
	}
	log.Printf("[Engine] Quota ledger: %s", cfg.Delivery.Ledger)

	orchestrator := delivery.NewOrchestrator(st, st, ledger,
		delivery.WithSendTimeout(cfg.Delivery.SendTimeout()),
		delivery.WithProviderOptions(provider.Options{
			MaxRetries: cfg.Delivery.MaxRetries,
			RetryBase:  cfg.Delivery.RetryBase(),
			RetryMax:   cfg.Delivery.RetryMax(),
		}),
	)

	// Segmentation and content
	loc, _ := cfg.Segmentation.Location()
	compiler := segmentation.NewCompiler(
		segmentation.WithLocation(loc),
		segmentation.WithStrict(cfg.Segmentation.Strict),
	)
	segments := segmentation.NewEngine(st, compiler, cfg.Segmentation.BatchSize)
	renderer := render.New(
		render.WithFeeds(render.NewFeedCache(&http.Client{Timeout: cfg.Render.FeedTimeout()},
			cfg.Render.FeedTTL(), cfg.Render.FeedMaxItems)),
		render.WithTemplates(st),
	)

	// Experiments
	var abOpts []abtest.Option
	if rdb != nil {
		abOpts = append(abOpts, abtest.WithCounters(abtest.NewRedisCounters(rdb, cfg.Redis.KeyPrefix+":abtest")))
	}
	experiments := abtest.NewService(st, abOpts...)
	var abWorker *abtest.Worker
	if cfg.ABTest.Enabled {
		abWorker = abtest.NewWorker(experiments, st, cfg.ABTest.Interval())
		abWorker.Start()
		log.Printf("[Engine] A/B evaluator started (every %s)", cfg.ABTest.Interval())
	}

	// Campaigns
	campaigns := campaign.NewService(st, segments, orchestrator, renderer,
		campaign.WithExperiments(experiments),
		campaign.WithConcurrency(cfg.Campaign.Concurrency),
	)
	go runEvery(ctx, "campaign-scheduler", cfg.Campaign.Interval(),
		distlock.NewLock(rdb, db, "campaign-scheduler", 5*time.Minute),
		func(ctx context.Context) error {
			n, err := campaigns.RunScheduled(ctx, time.Now().UTC())
			if n > 0 {
				log.Printf("[Engine] Started %d scheduled campaigns", n)
			}
			return err
		})
	go runEvery(ctx, "quota-reset", cfg.Delivery.CounterResetInterval(),
		distlock.NewLock(rdb, db, "quota-reset", time.Minute),
		func(ctx context.Context) error {
			_, err := orchestrator.ResetCounters(ctx, time.Now().UTC())
			return err
		})

	// Drips
	var scheduler *drip.Scheduler
	if cfg.Drip.Enabled {
		proc := drip.NewProcessor(st, st, orchestrator, renderer, compiler, drip.ProcessorConfig{
			ClaimTTL:  cfg.Drip.ClaimTTL(),
			RetryBase: cfg.Drip.RetryBase(),
			RetryMax:  cfg.Drip.RetryMax(),
		})
		scheduler = drip.NewScheduler(st, proc, distlock.NewLock(rdb, db, "drip-scheduler", 2*cfg.Drip.TickInterval()),
			drip.SchedulerConfig{
				TickInterval: cfg.Drip.TickInterval(),
				Workers:      cfg.Drip.Workers,
				BatchSize:    cfg.Drip.BatchSize,
			})
		scheduler.Start()
		log.Printf("[Engine] Drip scheduler started (tick %s)", cfg.Drip.TickInterval())
	}

	// Webhooks
	var dedupe webhook.Deduper
	switch cfg.Webhook.Dedupe {
	case config.DedupeRedis:
		dedupe = webhook.NewRedisDeduper(rdb, cfg.Redis.KeyPrefix+":webhook", cfg.Webhook.DedupeTTL())
	case config.DedupeDynamoDB:
		dedupe = webhook.NewDynamoDeduper(dynamodb.NewFromConfig(loadAWS()), cfg.Webhook.DynamoDBTable, cfg.Webhook.DedupeTTL())
	default:
		dedupe = webhook.NewMemoryDeduper(cfg.Webhook.DedupeTTL())
	}
	var archiver webhook.Archiver
	if cfg.Webhook.ArchiveBucket != "" {
		archiver = webhook.NewS3Archiver(s3.NewFromConfig(loadAWS()), cfg.Webhook.ArchiveBucket, cfg.Webhook.ArchivePrefix)
		log.Printf("[Engine] Archiving raw webhooks to s3://%s/%s", cfg.Webhook.ArchiveBucket, cfg.Webhook.ArchivePrefix)
	}
	ingest := webhook.NewService(
		webhook.NewNormalizer(orchestrator, cfg.Webhook.VerifyTimeout()),
		webhook.NewApplier(st, dedupe, webhook.WithABRecorder(experiments), webhook.WithUnsubscriber(st)),
		archiver,
	)
	handler := webhook.NewHandler(ingest, webhook.HandlerConfig{
		MaxBodyBytes:   cfg.Webhook.MaxBodyBytes,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[Engine] Webhook server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[Engine] Server error: %v", err)
		}
	}()

	// Setup graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done
	log.Println("[Engine] Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Engine] Server shutdown error: %v", err)
	}
	cancel()
	if scheduler != nil {
		scheduler.Stop()
	}
	if abWorker != nil {
		abWorker.Stop()
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Printf("[Engine] Tracing shutdown error: %v", err)
	}
	log.Println("[Engine] Stopped")
}

// runEvery calls fn on every tick while holding lock, so only one engine
// instance runs it per interval.
func runEvery(ctx context.Context, name string, interval time.Duration, lock distlock.DistLock, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := distlock.Run(ctx, lock, fn); err != nil && ctx.Err() == nil {
				logger.Error("engine: periodic job failed", "job", name, "error", err)
			}
		}
	}
}
