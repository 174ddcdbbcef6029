package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"poster-generation-service/internal/broadcast"
	"poster-generation-service/internal/broker"
	"poster-generation-service/internal/config"
	"poster-generation-service/internal/logger"
	"poster-generation-service/internal/reconcile"
	"poster-generation-service/internal/store"
	"poster-generation-service/internal/telemetry"
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

	relay := broadcast.NewRelay(client, lg)

	consumer := os.Getenv("RECONCILER_ID")
	if consumer == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			consumer = hostname
		} else {
			consumer = fmt.Sprintf("reconciler-%d", os.Getpid())
		}
	}

	rec := reconcile.New(cfg, st, b, relay, lg, consumer)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			lg.Warn("metrics server stopped", "error", err)
		}
	}()

	lg.Info("reconciler starting", "consumer", consumer)
	if err := rec.Run(ctx); err != nil {
		lg.Warn("reconciler stopped", "error", err)
	}
}
