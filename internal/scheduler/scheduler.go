package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"crucible/internal/broker"
	"crucible/internal/lock"
	"crucible/internal/models"
	"crucible/internal/models/config"
	"crucible/internal/repository"
	"crucible/internal/state"
)

// WorkerDirectory is the slice of the worker registry the scheduler needs.
type WorkerDirectory interface {
	List(ctx context.Context) ([]models.Worker, error)
	Expired(ctx context.Context, timeout time.Duration) ([]string, error)
	MarkDead(ctx context.Context, workerID string) error
}

// Scheduler reconciles the task store, the broker and the worker registry.
// It holds no authoritative state of its own: a crashed instance is replaced
// by replaying the stores, and multiple instances may run at once because all
// mutations go through compare-and-set operations.
type Scheduler struct {
	tasks   repository.TaskRepository
	brk     broker.Broker
	workers WorkerDirectory
	lockMgr lock.DistributedLockManager
	intake  broker.MessageBroker
	cfg     *config.CRSConfig
	log     *zap.Logger

	sweepSchedule cron.Schedule
}

func NewScheduler(
	tasks repository.TaskRepository,
	brk broker.Broker,
	workers WorkerDirectory,
	lockMgr lock.DistributedLockManager,
	intake broker.MessageBroker,
	cfg *config.CRSConfig,
	log *zap.Logger,
) (*Scheduler, error) {
	schedule, err := cron.ParseStandard(cfg.SweepSchedule)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", cfg.SweepSchedule, err)
	}

	return &Scheduler{
		tasks:         tasks,
		brk:           brk,
		workers:       workers,
		lockMgr:       lockMgr,
		intake:        intake,
		cfg:           cfg,
		log:           log.Named("scheduler"),
		sweepSchedule: schedule,
	}, nil
}

// Run blocks until the context is cancelled. It starts the reconciliation
// loop, the cron-driven sweep and, when configured, the intake consumer.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.recoverInFlight(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	if s.intake != nil {
		go s.consumeIntake(ctx)
	}
	go s.runSweepSchedule(ctx)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.reconcilePending(ctx); err != nil {
				s.log.Warn("reconcile pass failed", zap.Error(err))
			}
		}
	}
}

// recoverInFlight runs once at startup: any task the store believes is held
// by a worker that the registry no longer knows (or knows dead) is requeued.
// A fresh deployment after a crash therefore loses no work.
func (s *Scheduler) recoverInFlight(ctx context.Context) error {
	stale, err := s.tasks.StaleInFlight(ctx)
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}

	workers, err := s.workers.List(ctx)
	if err != nil {
		return err
	}
	alive := make(map[string]bool, len(workers))
	for _, w := range workers {
		if w.State == models.WorkerAlive {
			alive[w.ID] = true
		}
	}

	for _, task := range stale {
		if task.AssignedWorker != nil && alive[*task.AssignedWorker] {
			continue
		}
		status, err := s.tasks.Requeue(ctx, task.ID, "scheduler restart recovery")
		if err != nil {
			if errors.Is(err, repository.ErrTaskNotFound) {
				continue
			}
			return err
		}
		s.log.Info("recovered in-flight task",
			zap.String("task_id", task.ID),
			zap.String("status", status.String()))
	}
	return nil
}

// reconcilePending replays pending store rows into the broker. Enqueues are
// idempotent, so a pass after a broker restart restores the whole queue and
// a pass during normal operation is a no-op.
func (s *Scheduler) reconcilePending(ctx context.Context) error {
	page := 1
	for {
		result, err := s.tasks.ListByStatus(ctx, state.StatusPending, page, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		for _, task := range result.Items {
			added, err := s.brk.EnsurePending(ctx, task)
			if err != nil {
				return err
			}
			if added {
				s.log.Debug("re-enqueued pending task", zap.String("task_id", task.ID))
			}
		}
		if !result.HasNextPage {
			break
		}
		page++
	}
	return nil
}
