package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"crucible/internal/broker"
	"crucible/internal/models"
	"crucible/internal/models/config"
	"crucible/internal/state"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ===================== Mocks =========================

type MockExecutor struct {
	MockKind    func() models.TaskKind
	MockExecute func(ctx context.Context, task models.Task) (string, error)
}

func (m *MockExecutor) Kind() models.TaskKind {
	if m.MockKind != nil {
		return m.MockKind()
	}
	return models.KindFuzz
}
func (m *MockExecutor) Execute(ctx context.Context, task models.Task) (string, error) {
	return m.MockExecute(ctx, task)
}

type MockRegistry struct {
	MockRegister   func(ctx context.Context, worker models.Worker) error
	MockHeartbeat  func(ctx context.Context, workerID string) error
	MockDeregister func(ctx context.Context, workerID string) error
}

func (m *MockRegistry) Register(ctx context.Context, worker models.Worker) error {
	return m.MockRegister(ctx, worker)
}
func (m *MockRegistry) Heartbeat(ctx context.Context, workerID string) error {
	return m.MockHeartbeat(ctx, workerID)
}
func (m *MockRegistry) Deregister(ctx context.Context, workerID string) error {
	return m.MockDeregister(ctx, workerID)
}

type MockBroker struct {
	MockEnqueue       func(ctx context.Context, task models.Task) error
	MockEnsurePending func(ctx context.Context, task models.Task) (bool, error)
	MockDequeue       func(ctx context.Context, kind models.TaskKind, workerID string, lease time.Duration) (*broker.Claim, error)
	MockAck           func(ctx context.Context, taskID string) error
	MockRequeue       func(ctx context.Context, taskID string) error
	MockExtendLease   func(ctx context.Context, taskID string, lease time.Duration) error
	MockSweepExpired  func(ctx context.Context) ([]string, error)
	MockPendingCounts func(ctx context.Context) (map[models.TaskKind]int64, int64, error)
}

func (m *MockBroker) Enqueue(ctx context.Context, task models.Task) error {
	return m.MockEnqueue(ctx, task)
}
func (m *MockBroker) EnsurePending(ctx context.Context, task models.Task) (bool, error) {
	return m.MockEnsurePending(ctx, task)
}
func (m *MockBroker) Dequeue(ctx context.Context, kind models.TaskKind, workerID string, lease time.Duration) (*broker.Claim, error) {
	return m.MockDequeue(ctx, kind, workerID, lease)
}
func (m *MockBroker) Ack(ctx context.Context, taskID string) error {
	return m.MockAck(ctx, taskID)
}
func (m *MockBroker) Requeue(ctx context.Context, taskID string) error {
	return m.MockRequeue(ctx, taskID)
}
func (m *MockBroker) ExtendLease(ctx context.Context, taskID string, lease time.Duration) error {
	return m.MockExtendLease(ctx, taskID, lease)
}
func (m *MockBroker) SweepExpired(ctx context.Context) ([]string, error) {
	return m.MockSweepExpired(ctx)
}
func (m *MockBroker) PendingCounts(ctx context.Context) (map[models.TaskKind]int64, int64, error) {
	return m.MockPendingCounts(ctx)
}

type MockTaskRepository struct {
	MockInsert                         func(ctx context.Context, task models.Task) error
	MockInsertBatch                    func(ctx context.Context, tasks []models.Task) error
	MockFindByID                       func(ctx context.Context, id string) (*models.Task, error)
	MockListByCampaign                 func(ctx context.Context, campaignID string, page int, pageSize int, statuses []state.TaskStatus) (*models.PaginationResult[models.Task], error)
	MockListByStatus                   func(ctx context.Context, status state.TaskStatus, page int, pageSize int) (*models.PaginationResult[models.Task], error)
	MockAssign                         func(ctx context.Context, taskID string, workerID string) (bool, error)
	MockMarkRunning                    func(ctx context.Context, taskID string, workerID string) (bool, error)
	MockMarkSucceeded                  func(ctx context.Context, taskID string, resultRef string) error
	MockMarkFailed                     func(ctx context.Context, taskID string, errMsg string) error
	MockRequeue                        func(ctx context.Context, taskID string, reason string) (state.TaskStatus, error)
	MockRequeueWorkerTasks             func(ctx context.Context, workerID string, reason string) ([]string, error)
	MockStaleInFlight                  func(ctx context.Context) ([]models.Task, error)
	MockCountGroupedByStatus           func(ctx context.Context) (map[state.TaskStatus]int, error)
	MockCountByCampaignGroupedByStatus func(ctx context.Context, campaignID string) (map[state.TaskStatus]int, error)
	MockClose                          func() error
}

func (m *MockTaskRepository) Insert(ctx context.Context, task models.Task) error {
	return m.MockInsert(ctx, task)
}
func (m *MockTaskRepository) InsertBatch(ctx context.Context, tasks []models.Task) error {
	return m.MockInsertBatch(ctx, tasks)
}
func (m *MockTaskRepository) FindByID(ctx context.Context, id string) (*models.Task, error) {
	return m.MockFindByID(ctx, id)
}
func (m *MockTaskRepository) ListByCampaign(ctx context.Context, campaignID string, page int, pageSize int, statuses []state.TaskStatus) (*models.PaginationResult[models.Task], error) {
	return m.MockListByCampaign(ctx, campaignID, page, pageSize, statuses)
}
func (m *MockTaskRepository) ListByStatus(ctx context.Context, status state.TaskStatus, page int, pageSize int) (*models.PaginationResult[models.Task], error) {
	return m.MockListByStatus(ctx, status, page, pageSize)
}
func (m *MockTaskRepository) Assign(ctx context.Context, taskID string, workerID string) (bool, error) {
	return m.MockAssign(ctx, taskID, workerID)
}
func (m *MockTaskRepository) MarkRunning(ctx context.Context, taskID string, workerID string) (bool, error) {
	return m.MockMarkRunning(ctx, taskID, workerID)
}
func (m *MockTaskRepository) MarkSucceeded(ctx context.Context, taskID string, resultRef string) error {
	return m.MockMarkSucceeded(ctx, taskID, resultRef)
}
func (m *MockTaskRepository) MarkFailed(ctx context.Context, taskID string, errMsg string) error {
	return m.MockMarkFailed(ctx, taskID, errMsg)
}
func (m *MockTaskRepository) Requeue(ctx context.Context, taskID string, reason string) (state.TaskStatus, error) {
	return m.MockRequeue(ctx, taskID, reason)
}
func (m *MockTaskRepository) RequeueWorkerTasks(ctx context.Context, workerID string, reason string) ([]string, error) {
	return m.MockRequeueWorkerTasks(ctx, workerID, reason)
}
func (m *MockTaskRepository) StaleInFlight(ctx context.Context) ([]models.Task, error) {
	return m.MockStaleInFlight(ctx)
}
func (m *MockTaskRepository) CountGroupedByStatus(ctx context.Context) (map[state.TaskStatus]int, error) {
	return m.MockCountGroupedByStatus(ctx)
}
func (m *MockTaskRepository) CountByCampaignGroupedByStatus(ctx context.Context, campaignID string) (map[state.TaskStatus]int, error) {
	return m.MockCountByCampaignGroupedByStatus(ctx, campaignID)
}
func (m *MockTaskRepository) Close() error {
	return m.MockClose()
}

// ===================== Tests =========================

func newTestPool(t *testing.T, executor Executor, tasks *MockTaskRepository, brk *MockBroker) *Pool {
	t.Helper()
	cfg, err := config.NewCRSConfig("test-worker")
	require.NoError(t, err)
	return NewPool("fuzzer-1", executor, &MockRegistry{}, tasks, brk, cfg, zap.NewNop())
}

func TestRun_StaleClaimIsAckedAndDropped(t *testing.T) {
	var acked []string
	executed := false

	tasks := &MockTaskRepository{
		MockAssign: func(ctx context.Context, taskID string, workerID string) (bool, error) {
			return false, nil
		},
	}
	brk := &MockBroker{
		MockAck: func(ctx context.Context, taskID string) error {
			acked = append(acked, taskID)
			return nil
		},
	}
	executor := &MockExecutor{
		MockExecute: func(ctx context.Context, task models.Task) (string, error) {
			executed = true
			return "", nil
		},
	}

	p := newTestPool(t, executor, tasks, brk)
	p.run(context.Background(), &broker.Claim{TaskID: "task-1", WorkerID: "fuzzer-1"})

	assert.Equal(t, []string{"task-1"}, acked)
	assert.False(t, executed, "a stale claim must never execute")
}

func TestRun_AssignErrorReleasesClaim(t *testing.T) {
	var released []string
	tasks := &MockTaskRepository{
		MockAssign: func(ctx context.Context, taskID string, workerID string) (bool, error) {
			return false, errors.New("store unreachable")
		},
	}
	brk := &MockBroker{
		MockRequeue: func(ctx context.Context, taskID string) error {
			released = append(released, taskID)
			return nil
		},
	}

	p := newTestPool(t, &MockExecutor{}, tasks, brk)
	p.run(context.Background(), &broker.Claim{TaskID: "task-1", WorkerID: "fuzzer-1"})

	assert.Equal(t, []string{"task-1"}, released)
}

func TestRun_ExecutesAndQueuesResult(t *testing.T) {
	task := models.Task{
		ID:          "task-1",
		Kind:        models.KindFuzz,
		Status:      state.StatusAssigned,
		Attempts:    1,
		MaxAttempts: 3,
		Deadline:    time.Minute,
	}

	tasks := &MockTaskRepository{
		MockAssign: func(ctx context.Context, taskID string, workerID string) (bool, error) {
			assert.Equal(t, "fuzzer-1", workerID)
			return true, nil
		},
		MockFindByID: func(ctx context.Context, id string) (*models.Task, error) {
			cp := task
			return &cp, nil
		},
		MockMarkRunning: func(ctx context.Context, taskID string, workerID string) (bool, error) {
			return true, nil
		},
	}
	executor := &MockExecutor{
		MockExecute: func(ctx context.Context, got models.Task) (string, error) {
			assert.Equal(t, task.ID, got.ID)
			_, hasDeadline := ctx.Deadline()
			assert.True(t, hasDeadline, "execution context must carry the task deadline")
			return "/artifacts/task-1", nil
		},
	}

	p := newTestPool(t, executor, tasks, &MockBroker{})
	p.run(context.Background(), &broker.Claim{TaskID: "task-1", WorkerID: "fuzzer-1"})

	result := <-p.results
	assert.Equal(t, "task-1", result.TaskID)
	assert.NoError(t, result.Err)
	assert.Equal(t, "/artifacts/task-1", result.ResultRef)
}

func TestReport_SuccessMarksAndAcks(t *testing.T) {
	var succeeded, acked []string
	tasks := &MockTaskRepository{
		MockMarkSucceeded: func(ctx context.Context, taskID string, resultRef string) error {
			assert.Equal(t, "/artifacts/task-1", resultRef)
			succeeded = append(succeeded, taskID)
			return nil
		},
	}
	brk := &MockBroker{
		MockAck: func(ctx context.Context, taskID string) error {
			acked = append(acked, taskID)
			return nil
		},
	}

	p := newTestPool(t, &MockExecutor{}, tasks, brk)
	p.report(models.TaskResult{TaskID: "task-1", ResultRef: "/artifacts/task-1"})

	assert.Equal(t, []string{"task-1"}, succeeded)
	assert.Equal(t, []string{"task-1"}, acked)
}

func TestReport_TimeoutRequeues(t *testing.T) {
	var requeued []string
	acked := false

	tasks := &MockTaskRepository{
		MockRequeue: func(ctx context.Context, taskID string, reason string) (state.TaskStatus, error) {
			return state.StatusPending, nil
		},
	}
	brk := &MockBroker{
		MockRequeue: func(ctx context.Context, taskID string) error {
			requeued = append(requeued, taskID)
			return nil
		},
		MockAck: func(ctx context.Context, taskID string) error {
			acked = true
			return nil
		},
	}

	p := newTestPool(t, &MockExecutor{}, tasks, brk)
	p.report(models.TaskResult{TaskID: "task-1", Err: context.DeadlineExceeded})

	assert.Equal(t, []string{"task-1"}, requeued)
	assert.False(t, acked, "a requeued task keeps its queue position")
}

func TestReport_TimeoutWithExhaustedAttemptsAcks(t *testing.T) {
	requeued := false
	var acked []string

	tasks := &MockTaskRepository{
		MockRequeue: func(ctx context.Context, taskID string, reason string) (state.TaskStatus, error) {
			return state.StatusExpired, nil
		},
	}
	brk := &MockBroker{
		MockRequeue: func(ctx context.Context, taskID string) error {
			requeued = true
			return nil
		},
		MockAck: func(ctx context.Context, taskID string) error {
			acked = append(acked, taskID)
			return nil
		},
	}

	p := newTestPool(t, &MockExecutor{}, tasks, brk)
	p.report(models.TaskResult{TaskID: "task-1", Err: context.DeadlineExceeded})

	assert.False(t, requeued)
	assert.Equal(t, []string{"task-1"}, acked)
}

func TestReport_ExecutionFailureIsTerminal(t *testing.T) {
	var failed []string
	tasks := &MockTaskRepository{
		MockMarkFailed: func(ctx context.Context, taskID string, errMsg string) error {
			assert.Equal(t, "harness build failed", errMsg)
			failed = append(failed, taskID)
			return nil
		},
	}
	brk := &MockBroker{
		MockAck: func(ctx context.Context, taskID string) error { return nil },
	}

	p := newTestPool(t, &MockExecutor{}, tasks, brk)
	p.report(models.TaskResult{TaskID: "task-1", Err: errors.New("harness build failed")})

	assert.Equal(t, []string{"task-1"}, failed)
}

func TestFill_EmptyQueueReleasesAllSlots(t *testing.T) {
	brk := &MockBroker{
		MockDequeue: func(ctx context.Context, kind models.TaskKind, workerID string, lease time.Duration) (*broker.Claim, error) {
			return nil, broker.ErrNoTask
		},
	}

	p := newTestPool(t, &MockExecutor{}, &MockTaskRepository{}, brk)

	var running sync.WaitGroup
	p.fill(context.Background(), &running)
	running.Wait()

	// every slot must be free again
	assert.True(t, p.sem.TryAcquire(int64(p.cfg.WorkerCount)))
}
