package crs

import (
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"

	"crucible/internal/broker"
	"crucible/internal/lock"
	"crucible/internal/models"
	"crucible/internal/models/config"
	"crucible/internal/worker"
)

func newDistributedLockManager(cfg *config.CRSConfig, db *sql.DB, redisClient *redis.Client) (lock.DistributedLockManager, error) {
	switch cfg.LockDriver {
	case config.Postgres:
		return lock.NewPostgresDistributedLockManager(db), nil
	case config.Redis:
		return lock.NewRedisDistributedLockManager(redisClient, cfg.Instance, cfg.HeartbeatTimeout), nil
	default:
		return nil, fmt.Errorf("unsupported lock driver %s", cfg.LockDriver)
	}
}

func newIntakeBroker(cfg *config.CRSConfig) (broker.MessageBroker, error) {
	if !cfg.UseIntakeQueue {
		return nil, nil
	}
	mq := cfg.RabbitMQConfig
	return broker.NewRabbitMQ(mq.URL, mq.Exchange, mq.Queue, mq.RoutingKey)
}

func newExecutor(kind models.TaskKind, toolPath string, artifactsDir string) (worker.Executor, error) {
	switch kind {
	case models.KindFuzz:
		return &worker.FuzzExecutor{ToolPath: toolPath, ArtifactsDir: artifactsDir}, nil
	case models.KindSeedGen:
		return &worker.SeedGenExecutor{ToolPath: toolPath, ArtifactsDir: artifactsDir, DefaultCount: 100}, nil
	case models.KindPatch:
		return &worker.PatchExecutor{ToolPath: toolPath, ArtifactsDir: artifactsDir}, nil
	case models.KindAnalyze:
		return &worker.AnalyzeExecutor{ToolPath: toolPath, ArtifactsDir: artifactsDir}, nil
	default:
		return nil, fmt.Errorf("unsupported task kind %s", kind)
	}
}
