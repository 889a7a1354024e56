package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crucible/internal/models"
	"crucible/internal/repository"
	"crucible/internal/state"
)

var taskRowColumns = []string{
	"id", "campaign_id", "kind", "target", "priority", "payload", "status",
	"attempts", "max_attempts", "assigned_worker", "result_ref", "last_error",
	"deadline_ms", "created_at", "assigned_at", "started_at", "completed_at",
}

func taskRow(id string, status state.TaskStatus) *sqlmock.Rows {
	return sqlmock.NewRows(taskRowColumns).AddRow(
		id, "campaign-1", "fuzz", "libpng", 5, []byte(`{"harness":"decode"}`), status,
		0, 3, nil, nil, nil, int64(60000), time.Now(), nil, nil, nil,
	)
}

func TestNewPostgresTaskRepository(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresTaskRepository(db)
	require.NotNil(t, repo)
}

func TestPostgresTaskRepository_Insert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresTaskRepository(db)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO crs.tasks").
		WithArgs("task-1", "campaign-1", models.KindFuzz, "libpng", 5, sqlmock.AnyArg(),
			state.StatusPending, 3, int64(60000)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.Insert(ctx, models.Task{
		ID:          "task-1",
		CampaignID:  "campaign-1",
		Kind:        models.KindFuzz,
		Target:      "libpng",
		Priority:    5,
		Payload:     []byte(`{"harness":"decode"}`),
		MaxAttempts: 3,
		Deadline:    time.Minute,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTaskRepository_FindByID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresTaskRepository(db)

	mock.ExpectQuery("SELECT (.+) FROM crs.tasks WHERE id").
		WithArgs("task-1").
		WillReturnRows(taskRow("task-1", state.StatusPending))

	task, err := repo.FindByID(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, "task-1", task.ID)
	assert.Equal(t, models.KindFuzz, task.Kind)
	assert.Equal(t, state.StatusPending, task.Status)
	assert.Equal(t, time.Minute, task.Deadline)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTaskRepository_FindByID_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresTaskRepository(db)

	mock.ExpectQuery("SELECT (.+) FROM crs.tasks WHERE id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(taskRowColumns))

	_, err = repo.FindByID(context.Background(), "missing")
	assert.ErrorIs(t, err, repository.ErrTaskNotFound)
}

func TestPostgresTaskRepository_Assign(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresTaskRepository(db)

	mock.ExpectExec("UPDATE crs.tasks").
		WithArgs(state.StatusAssigned, "fuzzer-1", "task-1", state.StatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.Assign(context.Background(), "task-1", "fuzzer-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTaskRepository_Assign_LostRace(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresTaskRepository(db)

	// Another scheduler instance already moved the task out of pending.
	mock.ExpectExec("UPDATE crs.tasks").
		WithArgs(state.StatusAssigned, "fuzzer-2", "task-1", state.StatusPending).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.Assign(context.Background(), "task-1", "fuzzer-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgresTaskRepository_MarkRunning_WrongWorker(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresTaskRepository(db)

	mock.ExpectExec("UPDATE crs.tasks").
		WithArgs(state.StatusRunning, "task-1", state.StatusAssigned, "other-worker").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.MarkRunning(context.Background(), "task-1", "other-worker")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgresTaskRepository_MarkSucceeded(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresTaskRepository(db)

	mock.ExpectExec("UPDATE crs.tasks").
		WithArgs(state.StatusSucceeded, "/artifacts/task-1/crashes", "task-1",
			state.StatusRunning, state.StatusAssigned).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.MarkSucceeded(context.Background(), "task-1", "/artifacts/task-1/crashes")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTaskRepository_Requeue(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresTaskRepository(db)

	mock.ExpectQuery("UPDATE crs.tasks").
		WithArgs("task-1", "worker heartbeat expired").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("pending"))

	status, err := repo.Requeue(context.Background(), "task-1", "worker heartbeat expired")
	require.NoError(t, err)
	assert.Equal(t, state.StatusPending, status)
}

func TestPostgresTaskRepository_Requeue_Exhausted(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresTaskRepository(db)

	mock.ExpectQuery("UPDATE crs.tasks").
		WithArgs("task-1", "worker heartbeat expired").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("expired"))

	status, err := repo.Requeue(context.Background(), "task-1", "worker heartbeat expired")
	require.NoError(t, err)
	assert.Equal(t, state.StatusExpired, status)
}

func TestPostgresTaskRepository_Requeue_NotInFlight(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresTaskRepository(db)

	mock.ExpectQuery("UPDATE crs.tasks").
		WithArgs("task-9", "sweep").
		WillReturnError(sql.ErrNoRows)

	_, err = repo.Requeue(context.Background(), "task-9", "sweep")
	assert.ErrorIs(t, err, repository.ErrTaskNotFound)
}

func TestPostgresTaskRepository_RequeueWorkerTasks(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresTaskRepository(db)

	mock.ExpectQuery("UPDATE crs.tasks").
		WithArgs("fuzzer-1", "worker dead").
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).
			AddRow("task-1", "pending").
			AddRow("task-2", "expired").
			AddRow("task-3", "pending"))

	requeued, err := repo.RequeueWorkerTasks(context.Background(), "fuzzer-1", "worker dead")
	require.NoError(t, err)
	// expired tasks are terminal and must not go back to the broker
	assert.Equal(t, []string{"task-1", "task-3"}, requeued)
}

func TestPostgresTaskRepository_CountGroupedByStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresTaskRepository(db)

	mock.ExpectQuery("SELECT status, COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("pending", 4).
			AddRow("running", 2))

	counts, err := repo.CountGroupedByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, counts[state.StatusPending])
	assert.Equal(t, 2, counts[state.StatusRunning])
	// every known status is present even when zero
	assert.Contains(t, counts, state.StatusExpired)
	assert.Equal(t, 0, counts[state.StatusExpired])
}

func TestPostgresTaskRepository_ListByCampaign(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresTaskRepository(db)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM crs.tasks").
		WithArgs("campaign-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(31))

	mock.ExpectQuery("SELECT (.+) FROM crs.tasks").
		WithArgs("campaign-1", 15, 15).
		WillReturnRows(taskRow("task-16", state.StatusRunning))

	result, err := repo.ListByCampaign(context.Background(), "campaign-1", 2, 15, nil)
	require.NoError(t, err)
	assert.Equal(t, 31, result.TotalItems)
	assert.Equal(t, 3, result.TotalPages)
	assert.True(t, result.HasNextPage)
	assert.True(t, result.HasPreviousPage)
	assert.Len(t, result.Items, 1)
}
