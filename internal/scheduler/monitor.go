package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"crucible/internal/constants"
	"crucible/internal/repository"
)

// runSweepSchedule fires Sweep on the configured cron schedule using a
// lightweight timer, until the context is cancelled.
func (s *Scheduler) runSweepSchedule(ctx context.Context) {
	for {
		next := s.sweepSchedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if err := s.Sweep(ctx); err != nil {
				s.log.Warn("sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep is the periodic reconciliation pass: workers whose heartbeat expired
// are marked dead and their in-flight tasks requeued, and broker claims whose
// lease lapsed go back to pending. The sweep lock keeps concurrent scheduler
// instances from duplicating the work; losing the lock race is not an error.
func (s *Scheduler) Sweep(ctx context.Context) error {
	if err := s.lockMgr.Acquire(constants.SweepLock); err != nil {
		s.log.Debug("sweep running on another instance", zap.Error(err))
		return nil
	}
	defer s.lockMgr.Release(constants.SweepLock)

	if err := s.sweepDeadWorkers(ctx); err != nil {
		return err
	}
	return s.sweepExpiredClaims(ctx)
}

func (s *Scheduler) sweepDeadWorkers(ctx context.Context) error {
	expired, err := s.workers.Expired(ctx, s.cfg.HeartbeatTimeout)
	if err != nil {
		return err
	}

	for _, workerID := range expired {
		requeued, err := s.tasks.RequeueWorkerTasks(ctx, workerID, "worker heartbeat expired")
		if err != nil {
			return err
		}

		for _, taskID := range requeued {
			// The broker claim may already be gone if its lease lapsed
			// first; the store transition above is the authoritative one.
			if err := s.brk.Requeue(ctx, taskID); err != nil {
				s.log.Debug("broker claim already released",
					zap.String("task_id", taskID), zap.Error(err))
			}
		}

		if err := s.workers.MarkDead(ctx, workerID); err != nil {
			return err
		}
		s.log.Info("worker marked dead",
			zap.String("worker_id", workerID),
			zap.Int("requeued_tasks", len(requeued)))
	}
	return nil
}

func (s *Scheduler) sweepExpiredClaims(ctx context.Context) error {
	swept, err := s.brk.SweepExpired(ctx)
	if err != nil {
		return err
	}

	for _, taskID := range swept {
		status, err := s.tasks.Requeue(ctx, taskID, "claim lease expired")
		if err != nil {
			if errors.Is(err, repository.ErrTaskNotFound) {
				// already completed or requeued through another path
				continue
			}
			return err
		}
		s.log.Info("requeued task after lease expiry",
			zap.String("task_id", taskID),
			zap.String("status", status.String()))
	}
	return nil
}
