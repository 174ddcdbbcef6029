package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"poster-generation-service/internal/broadcast"
	"poster-generation-service/internal/broker"
	"poster-generation-service/internal/config"
	"poster-generation-service/internal/logger"
	"poster-generation-service/internal/ratelimit"
	"poster-generation-service/internal/render"
	"poster-generation-service/internal/storage"
	"poster-generation-service/internal/store"
	"poster-generation-service/internal/telemetry"
	"poster-generation-service/internal/template"
	"poster-generation-service/internal/webhook"
	workerproc "poster-generation-service/internal/worker"
)

func main() {
	cfg := config.Load()

	lg, err := logger.New(cfg.Env)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer lg.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		lg.Fatal("connect postgres", "error", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		lg.Fatal("migrations", "error", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	b := broker.New(client, cfg)
	if err := b.EnsureGroups(ctx); err != nil {
		lg.Fatal("ensure consumer groups", "error", err)
	}

	if cfg.TemplateRegistryURL == "" {
		lg.Fatal("TEMPLATE_REGISTRY_URL is required")
	}
	registry := template.NewHTTPRegistry(cfg.TemplateRegistryURL, cfg.CollaboratorTimeout)

	var renderer render.Renderer
	if cfg.RenderServiceURL != "" {
		renderer = render.NewHTTPRenderer(cfg.RenderServiceURL, cfg.CollaboratorTimeout)
	} else {
		local, err := render.NewLocalRenderer(cfg.PosterWidth, cfg.PosterHeight, cfg.FontPath)
		if err != nil {
			lg.Fatal("init local renderer", "error", err)
		}
		renderer = local
	}

	var objects storage.ObjectStore
	if cfg.StorageBackend == "s3" {
		s3s, err := storage.NewS3Store(ctx, cfg)
		if err != nil {
			lg.Fatal("init s3 storage", "error", err)
		}
		objects = s3s
	} else {
		objects = storage.NewLocalStore(cfg.OutputDir, cfg.PublicBaseURL)
	}

	var webhooks *webhook.Client
	if cfg.WebhookURL != "" {
		webhooks = webhook.New(cfg.WebhookURL, cfg.WebhookTimeout)
	}

	throttle := ratelimit.NewTokenBucket(client, cfg.RenderRateCapacity, cfg.RenderRateRefill, time.Hour)
	relay := broadcast.NewRelay(client, lg)

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	pool := workerproc.New(cfg, st, b, registry, renderer, objects, webhooks, throttle, relay, lg, workerID)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			lg.Warn("metrics server stopped", "error", err)
		}
	}()

	lg.Info("worker starting",
		"worker_id", workerID,
		"workers", cfg.WorkerCount,
		"visibility", cfg.VisibilityTimeout.String(),
		"backoff_initial", cfg.BackoffInitial.String(),
	)
	if err := pool.Run(ctx); err != nil {
		lg.Warn("worker stopped", "error", err)
	}
}
