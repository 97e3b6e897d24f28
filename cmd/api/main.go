package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"process-engine/internal/api"
	"process-engine/internal/auth"
	"process-engine/internal/batch"
	"process-engine/internal/clock"
	"process-engine/internal/config"
	"process-engine/internal/engine"
	"process-engine/internal/migration"
	"process-engine/internal/ratelimit"
	"process-engine/internal/store"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg.Env)
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal("migrations", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	clk := clock.Real{}
	limiter := ratelimit.NewActorLimiter(redisClient, clk, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	authz := auth.AllowAll{}
	migrator := migration.NewExecutor(st, log)
	batches := batch.NewOrchestrator(st, clk, authz, migrator, log, batch.Config{
		BatchJobsPerSeed:   cfg.BatchJobsPerSeed,
		DefaultInvocations: cfg.InvocationsPerBatchJob,
		MonitorInterval:    cfg.MonitorInterval,
		JobRetries:         cfg.DefaultRetries,
	})
	eng := engine.New(st, clk, authz, batches, migrator, log)

	server := api.New(eng, limiter, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info("api listening", zap.String("port", cfg.HTTPPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func newLogger(env string) *zap.Logger {
	if env == "dev" {
		log, _ := zap.NewDevelopment()
		return log
	}
	log, _ := zap.NewProduction()
	return log
}
