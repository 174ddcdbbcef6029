package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"poster-generation-service/internal/api"
	"poster-generation-service/internal/broadcast"
	"poster-generation-service/internal/broker"
	"poster-generation-service/internal/config"
	"poster-generation-service/internal/logger"
	"poster-generation-service/internal/store"
	"poster-generation-service/internal/template"
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

	hub := broadcast.NewHub(lg)
	relay := broadcast.NewRelay(client, lg)
	go func() {
		if err := relay.Run(ctx, hub); err != nil && ctx.Err() == nil {
			lg.Error("event relay stopped", "error", err)
		}
	}()

	server := api.New(cfg, st, b, registry, hub, relay, lg)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	lg.Info("api listening", "port", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Fatal("listen", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
