// Command tailord runs the resume tailoring pipeline worker. It registers the
// pipeline workflow and stage activities on a Temporal task queue and serves
// runs until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.temporal.io/sdk/client"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"

	contentanthropic "github.com/tailorworks/tailor/features/content/anthropic"
	contentmiddleware "github.com/tailorworks/tailor/features/content/middleware"
	knowledgeopenai "github.com/tailorworks/tailor/features/knowledge/openai"
	knowledgeredis "github.com/tailorworks/tailor/features/knowledge/redis"
	notifypulse "github.com/tailorworks/tailor/features/notify/pulse"
	publishmongo "github.com/tailorworks/tailor/features/publish/mongo"
	runmongo "github.com/tailorworks/tailor/features/run/mongo"
	"github.com/tailorworks/tailor/runtime/pipeline/engine/temporal"
	"github.com/tailorworks/tailor/runtime/pipeline/orchestrator"
	"github.com/tailorworks/tailor/runtime/pipeline/telemetry"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to YAML configuration file")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := LoadConfig(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "invalid configuration")
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatalf(ctx, err, "tailord exited")
	}
}

func run(ctx context.Context, cfg *Config) error {
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()
	tracer := telemetry.NewClueTracer()

	// Storage and transport clients.
	mongoClient, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	defer func() {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			log.Errorf(ctx, err, "mongo disconnect")
		}
	}()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	runStore, err := runmongo.New(runmongo.Options{
		Client:   mongoClient,
		Database: cfg.Mongo.Database,
	})
	if err != nil {
		return fmt.Errorf("run store: %w", err)
	}

	sink, err := publishmongo.New(publishmongo.Options{
		Client:   mongoClient,
		Database: cfg.Mongo.Database,
	})
	if err != nil {
		return fmt.Errorf("publish sink: %w", err)
	}

	notifier, err := notifypulse.New(notifypulse.Options{Redis: rdb})
	if err != nil {
		return fmt.Errorf("notifier: %w", err)
	}

	// Generative services.
	embedder, err := knowledgeopenai.NewFromAPIKey(cfg.OpenAI.APIKey, cfg.OpenAI.EmbeddingModel)
	if err != nil {
		return fmt.Errorf("embedder: %w", err)
	}
	index, err := knowledgeredis.New(rdb, embedder, knowledgeredis.Options{
		DefaultTopK: cfg.Pipeline.TopK,
	})
	if err != nil {
		return fmt.Errorf("knowledge index: %w", err)
	}

	contentSvc, err := contentanthropic.NewFromAPIKey(cfg.Anthropic.APIKey, cfg.Anthropic.Model)
	if err != nil {
		return fmt.Errorf("content service: %w", err)
	}

	var budget *rmap.Map
	if cfg.RateLimit.ClusterKey != "" {
		budget, err = rmap.Join(ctx, "tailor-ratelimit", rdb)
		if err != nil {
			log.Errorf(ctx, err, "rate limit cluster map unavailable, using process-local limiter")
			budget = nil
		}
	}
	limiter := contentmiddleware.NewAdaptiveRateLimiter(ctx, budget, cfg.RateLimit.ClusterKey, cfg.RateLimit.InitialTPM, cfg.RateLimit.MaxTPM)
	limited := limiter.Middleware()(contentSvc)

	// Durable execution engine.
	eng, err := temporal.New(temporal.Options{
		ClientOptions: &client.Options{
			HostPort:  cfg.Temporal.HostPort,
			Namespace: cfg.Temporal.Namespace,
		},
		WorkerOptions: temporal.WorkerOptions{TaskQueue: cfg.Temporal.TaskQueue},
		Logger:        logger,
		Metrics:       metrics,
		Tracer:        tracer,
	})
	if err != nil {
		return fmt.Errorf("temporal engine: %w", err)
	}
	defer eng.Close()

	orch, err := orchestrator.New(orchestrator.Options{
		Engine:           eng,
		Signaler:         eng,
		Store:            runStore,
		Content:          limited,
		Knowledge:        index,
		Sink:             sink,
		Notifier:         notifier,
		TaskQueue:        cfg.Temporal.TaskQueue,
		MaxRevisionLoops: cfg.Pipeline.MaxRevisionLoops,
		TopK:             cfg.Pipeline.TopK,
		Blocklist:        cfg.Pipeline.Blocklist,
		Recipient:        cfg.Pipeline.Recipient,
		Logger:           logger,
		Metrics:          metrics,
		Tracer:           tracer,
	})
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	if err := orch.Register(ctx); err != nil {
		return err
	}
	if err := eng.Worker().Start(); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}

	// Health endpoint reporting the mongo and redis dependencies.
	check := health.Handler(health.NewChecker(runStore, sink, redisPinger{rdb: rdb}))
	mux := http.NewServeMux()
	mux.Handle("/healthz", check)
	mux.Handle("/livez", check)
	httpServer := &http.Server{Addr: cfg.HTTP.Addr, Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf(ctx, err, "health endpoint")
		}
	}()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(sctx); err != nil {
			log.Errorf(ctx, err, "health endpoint shutdown")
		}
	}()

	log.Print(ctx, log.KV{K: "msg", V: "tailord worker started"},
		log.KV{K: "task_queue", V: cfg.Temporal.TaskQueue},
		log.KV{K: "http_addr", V: cfg.HTTP.Addr})

	// Block until interrupted, then stop workers gracefully.
	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()
	log.Printf(ctx, "exiting (%v)", <-errc)
	eng.Worker().Stop()
	log.Printf(ctx, "exited")
	return nil
}

// redisPinger adapts the redis client to clue's health.Pinger.
type redisPinger struct {
	rdb *redis.Client
}

func (p redisPinger) Name() string { return "redis" }

func (p redisPinger) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}
