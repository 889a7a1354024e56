package crs

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"crucible/internal/broker"
	"crucible/internal/db"
	"crucible/internal/models"
	"crucible/internal/models/config"
	"crucible/internal/registry"
	"crucible/internal/repository/postgres"
	"crucible/internal/scheduler"
	"crucible/internal/taskserver"
	"crucible/internal/worker"
)

// RunScheduler wires up and runs a scheduler instance until ctx is cancelled.
// Migrations run first, under the migration lock.
func RunScheduler(ctx context.Context, cfg *config.CRSConfig, log *zap.Logger) error {
	sqlDB, err := setupPostgres(ctx, cfg.PostgresConfig)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	redisClient, err := setupRedis(ctx, cfg.RedisConfig)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	lockMgr, err := newDistributedLockManager(cfg, sqlDB, redisClient)
	if err != nil {
		return err
	}

	if err := db.Init(sqlDB, lockMgr, log); err != nil {
		return fmt.Errorf("init task store: %w", err)
	}

	intake, err := newIntakeBroker(cfg)
	if err != nil {
		return fmt.Errorf("connect intake queue: %w", err)
	}
	if intake != nil {
		defer intake.Close()
	}

	sched, err := scheduler.NewScheduler(
		postgres.NewPostgresTaskRepository(sqlDB),
		broker.NewRedisBroker(redisClient),
		registry.NewWorkerRegistry(redisClient),
		lockMgr,
		intake,
		cfg,
		log,
	)
	if err != nil {
		return err
	}
	return sched.Run(ctx)
}

// RunTaskServer wires up and serves the competition-facing HTTP API.
func RunTaskServer(ctx context.Context, cfg *config.CRSConfig, log *zap.Logger) error {
	sqlDB, err := setupPostgres(ctx, cfg.PostgresConfig)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	redisClient, err := setupRedis(ctx, cfg.RedisConfig)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	lockMgr, err := newDistributedLockManager(cfg, sqlDB, redisClient)
	if err != nil {
		return err
	}

	if err := db.Init(sqlDB, lockMgr, log); err != nil {
		return fmt.Errorf("init task store: %w", err)
	}

	server := taskserver.NewServer(
		postgres.NewPostgresTaskRepository(sqlDB),
		postgres.NewPostgresCampaignRepository(sqlDB),
		broker.NewRedisBroker(redisClient),
		cfg,
		log,
	)
	return server.Run(ctx)
}

// RunWorker wires up and runs a worker pool of the given kind. The worker ID
// combines the instance name with a random suffix so replicas sharing one
// config stay distinguishable.
func RunWorker(ctx context.Context, cfg *config.CRSConfig, log *zap.Logger, kind models.TaskKind, toolPath string, artifactsDir string) error {
	sqlDB, err := setupPostgres(ctx, cfg.PostgresConfig)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	redisClient, err := setupRedis(ctx, cfg.RedisConfig)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	executor, err := newExecutor(kind, toolPath, artifactsDir)
	if err != nil {
		return err
	}

	workerID := fmt.Sprintf("%s-%s-%s", cfg.Instance, kind, uuid.NewString()[:8])
	pool := worker.NewPool(
		workerID,
		executor,
		registry.NewWorkerRegistry(redisClient),
		postgres.NewPostgresTaskRepository(sqlDB),
		broker.NewRedisBroker(redisClient),
		cfg,
		log,
	)
	return pool.Run(ctx)
}
