package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"crucible/internal/models"
)

const (
	workersKey    = "crucible:workers"
	heartbeatsKey = "crucible:heartbeats"
)

// ErrWorkerNotFound is returned when a worker ID is not registered.
var ErrWorkerNotFound = errors.New("worker not found")

// WorkerRegistry tracks execution agents and their liveness in Redis so that
// every scheduler instance sees the same membership.
type WorkerRegistry struct {
	client *redis.Client
}

func NewWorkerRegistry(client *redis.Client) *WorkerRegistry {
	return &WorkerRegistry{client: client}
}

func (reg *WorkerRegistry) Register(ctx context.Context, worker models.Worker) error {
	now := time.Now()
	worker.State = models.WorkerAlive
	worker.RegisteredAt = now
	worker.LastHeartbeat = now

	raw, err := json.Marshal(worker)
	if err != nil {
		return fmt.Errorf("registry: encode worker %s: %w", worker.ID, err)
	}

	pipe := reg.client.TxPipeline()
	pipe.HSet(ctx, workersKey, worker.ID, raw)
	pipe.ZAdd(ctx, heartbeatsKey, redis.Z{Score: float64(now.Unix()), Member: worker.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("registry: register worker %s: %w", worker.ID, err)
	}
	return nil
}

func (reg *WorkerRegistry) Heartbeat(ctx context.Context, workerID string) error {
	err := reg.client.ZAdd(ctx, heartbeatsKey, redis.Z{
		Score:  float64(time.Now().Unix()),
		Member: workerID,
	}).Err()
	if err != nil {
		return fmt.Errorf("registry: heartbeat for %s: %w", workerID, err)
	}
	return nil
}

func (reg *WorkerRegistry) Deregister(ctx context.Context, workerID string) error {
	pipe := reg.client.TxPipeline()
	pipe.HDel(ctx, workersKey, workerID)
	pipe.ZRem(ctx, heartbeatsKey, workerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("registry: deregister worker %s: %w", workerID, err)
	}
	return nil
}

func (reg *WorkerRegistry) Get(ctx context.Context, workerID string) (*models.Worker, error) {
	raw, err := reg.client.HGet(ctx, workersKey, workerID).Result()
	if err == redis.Nil {
		return nil, ErrWorkerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("registry: get worker %s: %w", workerID, err)
	}

	var worker models.Worker
	if err := json.Unmarshal([]byte(raw), &worker); err != nil {
		return nil, fmt.Errorf("registry: decode worker %s: %w", workerID, err)
	}

	hb, err := reg.client.ZScore(ctx, heartbeatsKey, workerID).Result()
	if err == nil {
		worker.LastHeartbeat = time.Unix(int64(hb), 0)
	}
	return &worker, nil
}

func (reg *WorkerRegistry) List(ctx context.Context) ([]models.Worker, error) {
	raw, err := reg.client.HGetAll(ctx, workersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: list workers: %w", err)
	}

	workers := make([]models.Worker, 0, len(raw))
	for id, v := range raw {
		var worker models.Worker
		if err := json.Unmarshal([]byte(v), &worker); err != nil {
			return nil, fmt.Errorf("registry: decode worker %s: %w", id, err)
		}
		workers = append(workers, worker)
	}
	return workers, nil
}

// Expired returns the IDs of alive workers whose last heartbeat is older than
// the timeout. Workers already marked dead are excluded.
func (reg *WorkerRegistry) Expired(ctx context.Context, timeout time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-timeout).Unix()
	ids, err := reg.client.ZRangeByScore(ctx, heartbeatsKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: scan expired heartbeats: %w", err)
	}

	var expired []string
	for _, id := range ids {
		worker, err := reg.Get(ctx, id)
		if err == ErrWorkerNotFound {
			// heartbeat entry outlived the worker record; clean it up
			reg.client.ZRem(ctx, heartbeatsKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if worker.State == models.WorkerAlive {
			expired = append(expired, id)
		}
	}
	return expired, nil
}

// MarkDead flags the worker as dead but keeps its record for inspection. The
// heartbeat entry is dropped so the sweep does not pick it up again.
func (reg *WorkerRegistry) MarkDead(ctx context.Context, workerID string) error {
	worker, err := reg.Get(ctx, workerID)
	if err != nil {
		return err
	}
	worker.State = models.WorkerDead

	raw, err := json.Marshal(worker)
	if err != nil {
		return fmt.Errorf("registry: encode worker %s: %w", workerID, err)
	}

	pipe := reg.client.TxPipeline()
	pipe.HSet(ctx, workersKey, workerID, raw)
	pipe.ZRem(ctx, heartbeatsKey, workerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("registry: mark worker %s dead: %w", workerID, err)
	}
	return nil
}
