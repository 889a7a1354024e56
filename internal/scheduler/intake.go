package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"crucible/internal/models"
)

// intakeFlushInterval bounds how long a partial batch waits before being
// written to the store.
const intakeFlushInterval = 2 * time.Second

// consumeIntake drains bulk task submissions published to the intake queue by
// internal producers (such as program analysis emitting follow-up work) and
// writes them to the store in batches. The public HTTP submit path persists
// synchronously and does not go through here.
func (s *Scheduler) consumeIntake(ctx context.Context) {
	msgs, err := s.intake.Consume(ctx, s.cfg.RabbitMQConfig.Queue)
	if err != nil {
		s.log.Error("intake consumer failed to start", zap.Error(err))
		return
	}

	batch := make([]models.Task, 0, s.cfg.BatchSize)
	ticker := time.NewTicker(intakeFlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.tasks.InsertBatch(ctx, batch); err != nil {
			s.log.Error("intake batch insert failed", zap.Error(err), zap.Int("batch_size", len(batch)))
			return
		}
		for _, task := range batch {
			if _, err := s.brk.EnsurePending(ctx, task); err != nil {
				// reconcilePending will pick it up on the next pass
				s.log.Warn("intake enqueue failed", zap.String("task_id", task.ID), zap.Error(err))
			}
		}
		s.log.Info("intake batch stored", zap.Int("batch_size", len(batch)))
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-ticker.C:
			flush()
		case raw, ok := <-msgs:
			if !ok {
				flush()
				return
			}
			task, err := s.decodeIntakeTask(raw)
			if err != nil {
				s.log.Warn("dropping malformed intake message", zap.Error(err))
				continue
			}
			batch = append(batch, task)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}
		}
	}
}

func (s *Scheduler) decodeIntakeTask(raw []byte) (models.Task, error) {
	var task models.Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return models.Task{}, err
	}
	if !task.Kind.Valid() {
		return models.Task{}, fmt.Errorf("unknown task kind %q", task.Kind)
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.MaxAttempts == 0 {
		task.MaxAttempts = s.cfg.MaxAttempts
	}
	if task.Deadline == 0 {
		task.Deadline = s.cfg.TaskTimeout
	}
	return task, nil
}
