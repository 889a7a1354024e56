package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"crucible/internal/broker"
	"crucible/internal/models"
	"crucible/internal/models/config"
	"crucible/internal/repository"
	"crucible/internal/state"
)

// reportTimeout bounds the store and broker calls made while reporting a
// finished task, so a slow store cannot wedge the result processor.
const reportTimeout = 10 * time.Second

// Registry is the slice of the worker registry a pool needs.
type Registry interface {
	Register(ctx context.Context, worker models.Worker) error
	Heartbeat(ctx context.Context, workerID string) error
	Deregister(ctx context.Context, workerID string) error
}

// Pool is a single worker process: it registers itself, polls the broker for
// tasks of its executor's kind and runs up to cfg.WorkerCount of them
// concurrently. Completed tasks flow through the results channel so that
// store reporting never blocks an execution slot.
type Pool struct {
	id       string
	executor Executor
	registry Registry
	tasks    repository.TaskRepository
	brk      broker.Broker
	cfg      *config.CRSConfig
	log      *zap.Logger

	sem     *semaphore.Weighted
	results chan models.TaskResult

	mu   sync.Mutex
	held map[string]struct{}
}

func NewPool(
	id string,
	executor Executor,
	registry Registry,
	tasks repository.TaskRepository,
	brk broker.Broker,
	cfg *config.CRSConfig,
	log *zap.Logger,
) *Pool {
	return &Pool{
		id:       id,
		executor: executor,
		registry: registry,
		tasks:    tasks,
		brk:      brk,
		cfg:      cfg,
		log:      log.Named("worker").With(zap.String("worker_id", id), zap.String("kind", executor.Kind().String())),
		sem:      semaphore.NewWeighted(int64(cfg.WorkerCount)),
		results:  make(chan models.TaskResult, cfg.WorkerCount),
		held:     make(map[string]struct{}),
	}
}

// Run blocks until the context is cancelled, then waits for in-flight tasks
// to finish reporting before deregistering.
func (p *Pool) Run(ctx context.Context) error {
	worker := models.Worker{
		ID:       p.id,
		Kind:     p.executor.Kind(),
		Capacity: int64(p.cfg.WorkerCount),
	}
	if err := p.registry.Register(ctx, worker); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	p.log.Info("worker registered", zap.Int("capacity", p.cfg.WorkerCount))

	go p.heartbeatLoop(ctx)

	processorDone := make(chan struct{})
	go func() {
		defer close(processorDone)
		for result := range p.results {
			p.report(result)
		}
	}()

	var running sync.WaitGroup
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

poll:
	for {
		select {
		case <-ctx.Done():
			break poll
		case <-ticker.C:
			p.fill(ctx, &running)
		}
	}

	// Cancelled executions report through the results channel like any
	// other; close it only after the last one has done so.
	running.Wait()
	close(p.results)
	<-processorDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	if err := p.registry.Deregister(shutdownCtx, p.id); err != nil {
		p.log.Warn("deregister failed", zap.Error(err))
	}
	p.log.Info("worker stopped")
	return ctx.Err()
}

// fill claims tasks until the queue is empty or all slots are busy.
func (p *Pool) fill(ctx context.Context, running *sync.WaitGroup) {
	for {
		if !p.sem.TryAcquire(1) {
			return
		}

		claim, err := p.brk.Dequeue(ctx, p.executor.Kind(), p.id, p.cfg.HeartbeatTimeout)
		if err != nil {
			p.sem.Release(1)
			if !errors.Is(err, broker.ErrNoTask) && ctx.Err() == nil {
				p.log.Warn("dequeue failed", zap.Error(err))
			}
			return
		}

		running.Add(1)
		go func() {
			defer running.Done()
			defer p.sem.Release(1)
			p.run(ctx, claim)
		}()
	}
}

func (p *Pool) run(ctx context.Context, claim *broker.Claim) {
	assigned, err := p.tasks.Assign(ctx, claim.TaskID, p.id)
	if err != nil {
		p.log.Warn("assign failed, releasing claim", zap.String("task_id", claim.TaskID), zap.Error(err))
		if err := p.brk.Requeue(ctx, claim.TaskID); err != nil {
			p.log.Warn("release claim failed", zap.String("task_id", claim.TaskID), zap.Error(err))
		}
		return
	}
	if !assigned {
		// The task went terminal (or to another worker) while its ID sat in
		// the queue; drop the stale claim.
		p.log.Debug("stale claim dropped", zap.String("task_id", claim.TaskID))
		if err := p.brk.Ack(ctx, claim.TaskID); err != nil {
			p.log.Warn("ack stale claim failed", zap.String("task_id", claim.TaskID), zap.Error(err))
		}
		return
	}

	task, err := p.tasks.FindByID(ctx, claim.TaskID)
	if err != nil {
		p.log.Error("fetch assigned task failed", zap.String("task_id", claim.TaskID), zap.Error(err))
		return
	}

	ok, err := p.tasks.MarkRunning(ctx, task.ID, p.id)
	if err != nil {
		p.log.Error("mark running failed", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	if !ok {
		// the sweep requeued it between assign and start
		p.log.Debug("lost assignment before start", zap.String("task_id", task.ID))
		return
	}

	p.mu.Lock()
	p.held[task.ID] = struct{}{}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.held, task.ID)
		p.mu.Unlock()
	}()

	deadline := task.Deadline
	if deadline <= 0 {
		deadline = p.cfg.TaskTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	p.log.Info("task started", zap.String("task_id", task.ID), zap.Int("attempt", task.Attempts))
	resultRef, execErr := p.executor.Execute(runCtx, *task)

	p.results <- models.TaskResult{
		TaskID:      task.ID,
		WorkerID:    p.id,
		Err:         execErr,
		ResultRef:   resultRef,
		Attempts:    task.Attempts,
		MaxAttempts: task.MaxAttempts,
	}
}

// report writes a finished task's outcome to the store and settles the broker
// claim. Timeouts and shutdown interruptions requeue; other failures are
// terminal.
func (p *Pool) report(result models.TaskResult) {
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()

	switch {
	case result.Err == nil:
		if err := p.tasks.MarkSucceeded(ctx, result.TaskID, result.ResultRef); err != nil {
			p.log.Error("mark succeeded failed", zap.String("task_id", result.TaskID), zap.Error(err))
			return
		}
		p.log.Info("task succeeded",
			zap.String("task_id", result.TaskID),
			zap.String("result_ref", result.ResultRef))
		p.ack(ctx, result.TaskID)

	case errors.Is(result.Err, context.DeadlineExceeded), errors.Is(result.Err, context.Canceled):
		status, err := p.tasks.Requeue(ctx, result.TaskID, "execution interrupted")
		if err != nil {
			if !errors.Is(err, repository.ErrTaskNotFound) {
				p.log.Error("requeue failed", zap.String("task_id", result.TaskID), zap.Error(err))
				return
			}
			p.ack(ctx, result.TaskID)
			return
		}
		p.log.Warn("task interrupted",
			zap.String("task_id", result.TaskID),
			zap.String("status", status.String()),
			zap.Error(result.Err))
		if state.IsTerminal(status) {
			p.ack(ctx, result.TaskID)
			return
		}
		if err := p.brk.Requeue(ctx, result.TaskID); err != nil {
			p.log.Warn("broker requeue failed", zap.String("task_id", result.TaskID), zap.Error(err))
		}

	default:
		if err := p.tasks.MarkFailed(ctx, result.TaskID, result.Err.Error()); err != nil {
			p.log.Error("mark failed failed", zap.String("task_id", result.TaskID), zap.Error(err))
			return
		}
		p.log.Warn("task failed",
			zap.String("task_id", result.TaskID),
			zap.Error(result.Err))
		p.ack(ctx, result.TaskID)
	}
}

func (p *Pool) ack(ctx context.Context, taskID string) {
	if err := p.brk.Ack(ctx, taskID); err != nil {
		p.log.Warn("ack failed", zap.String("task_id", taskID), zap.Error(err))
	}
}

// heartbeatLoop refreshes the registry heartbeat and extends the broker lease
// of every task this pool is currently running.
func (p *Pool) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.registry.Heartbeat(ctx, p.id); err != nil {
				p.log.Warn("heartbeat failed", zap.Error(err))
			}

			p.mu.Lock()
			held := make([]string, 0, len(p.held))
			for taskID := range p.held {
				held = append(held, taskID)
			}
			p.mu.Unlock()

			for _, taskID := range held {
				if err := p.brk.ExtendLease(ctx, taskID, p.cfg.HeartbeatTimeout); err != nil {
					p.log.Warn("lease extension failed", zap.String("task_id", taskID), zap.Error(err))
				}
			}
		}
	}
}
