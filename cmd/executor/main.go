package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"process-engine/internal/archive"
	"process-engine/internal/auth"
	"process-engine/internal/batch"
	"process-engine/internal/clock"
	"process-engine/internal/config"
	"process-engine/internal/executor"
	"process-engine/internal/migration"
	"process-engine/internal/store"
	"process-engine/internal/telemetry"
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

	// Each executor needs a stable identity for job locks.
	owner := os.Getenv("EXECUTOR_ID")
	if owner == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			owner = hostname
		} else {
			owner = fmt.Sprintf("executor-%d", os.Getpid())
		}
	}

	clk := clock.Real{}
	authz := auth.AllowAll{}
	migrator := migration.NewExecutor(st, log)
	batches := batch.NewOrchestrator(st, clk, authz, migrator, log, batch.Config{
		BatchJobsPerSeed:   cfg.BatchJobsPerSeed,
		DefaultInvocations: cfg.InvocationsPerBatchJob,
		MonitorInterval:    cfg.MonitorInterval,
		JobRetries:         cfg.DefaultRetries,
	})

	registry := executor.NewRegistry()
	batches.RegisterHandlers(registry)

	if cfg.CleanupEnabled {
		var archiver batch.Archiver
		if cfg.ArchiveBucket != "" {
			s3Archiver, err := archive.NewS3(ctx, cfg, log)
			if err != nil {
				log.Fatal("init archive", zap.Error(err))
			}
			archiver = s3Archiver
		}
		cleanup := batch.NewCleanup(st, clk, archiver, log, batch.CleanupConfig{
			BatchSize:      cfg.CleanupBatchSize,
			TTLByType:      cfg.CleanupTTLByType,
			WindowLowHour:  cfg.CleanupWindowLow,
			WindowHighHour: cfg.CleanupWindowHigh,
			Interval:       cfg.CleanupInterval,
		})
		cleanup.Register(registry)
		if err := cleanup.EnsureScheduled(ctx); err != nil {
			log.Fatal("schedule history cleanup", zap.Error(err))
		}
	}

	pool := executor.NewPool(st, registry, clk, log, executor.PoolConfig{
		Workers:        cfg.WorkerCount,
		DefaultRetries: cfg.DefaultRetries,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
	})
	acquisition := executor.NewAcquisition(st, pool, clk, log, owner, executor.AcquisitionConfig{
		Interval:     cfg.AcquisitionInterval,
		MaxJobs:      cfg.MaxJobsPerAcquisition,
		LockDuration: cfg.LockDuration,
	})

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	go pool.Run(ctx)

	log.Info("executor started",
		zap.String("owner", owner),
		zap.Duration("acquisition_interval", cfg.AcquisitionInterval),
		zap.Duration("lock_duration", cfg.LockDuration))
	if err := acquisition.Run(ctx); err != nil {
		log.Warn("executor stopped", zap.Error(err))
	}
}

func newLogger(env string) *zap.Logger {
	if env == "dev" {
		log, _ := zap.NewDevelopment()
		return log
	}
	log, _ := zap.NewProduction()
	return log
}
