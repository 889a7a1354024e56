package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"crucible/internal/models"
	"crucible/internal/repository"
	"crucible/internal/state"
)

type PostgresTaskRepository struct {
	db *sql.DB
}

func NewPostgresTaskRepository(db *sql.DB) *PostgresTaskRepository {
	return &PostgresTaskRepository{
		db: db,
	}
}

const taskColumns = `id, campaign_id, kind, target, priority, payload, status,
	       attempts, max_attempts, assigned_worker, result_ref, last_error,
	       deadline_ms, created_at, assigned_at, started_at, completed_at`

func (r *PostgresTaskRepository) Insert(ctx context.Context, task models.Task) error {
	query := `
        INSERT INTO crs.tasks (
            id,
            campaign_id,
            kind,
            target,
            priority,
            payload,
            status,
            max_attempts,
            deadline_ms,
            created_at
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
    `

	_, err := r.db.ExecContext(ctx, query,
		task.ID,
		task.CampaignID,
		task.Kind,
		task.Target,
		task.Priority,
		[]byte(task.Payload),
		state.StatusPending,
		task.MaxAttempts,
		task.Deadline.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", task.ID, err)
	}
	return nil
}

func (r *PostgresTaskRepository) InsertBatch(ctx context.Context, tasks []models.Task) error {
	if len(tasks) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO crs.tasks (
            id, campaign_id, kind, target, priority, payload, status, max_attempts, deadline_ms, created_at
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
        ON CONFLICT (id) DO NOTHING
    `)
	if err != nil {
		return fmt.Errorf("failed to prepare batch insert: %w", err)
	}
	defer stmt.Close()

	for _, task := range tasks {
		if _, err := stmt.ExecContext(ctx,
			task.ID,
			task.CampaignID,
			task.Kind,
			task.Target,
			task.Priority,
			[]byte(task.Payload),
			state.StatusPending,
			task.MaxAttempts,
			task.Deadline.Milliseconds(),
		); err != nil {
			return fmt.Errorf("failed to insert task %s in batch: %w", task.ID, err)
		}
	}

	return tx.Commit()
}

func (r *PostgresTaskRepository) FindByID(ctx context.Context, id string) (*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM crs.tasks WHERE id = $1`

	rows, err := r.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, repository.ErrTaskNotFound
	}
	return r.mapSqlRowsToTask(rows)
}

func (r *PostgresTaskRepository) ListByCampaign(
	ctx context.Context,
	campaignID string,
	page int,
	pageSize int,
	statuses []state.TaskStatus) (*models.PaginationResult[models.Task], error) {

	if page < 1 {
		page = 1
	}
	offset := (page - 1) * pageSize

	where := "campaign_id = $1"
	args := []interface{}{campaignID}
	argIndex := 2

	if len(statuses) > 0 {
		placeholders := []string{}
		for _, s := range statuses {
			placeholders = append(placeholders, fmt.Sprintf("$%d", argIndex))
			args = append(args, s)
			argIndex++
		}
		where += " AND status IN (" + strings.Join(placeholders, ", ") + ")"
	}

	countQuery := `SELECT COUNT(*) FROM crs.tasks WHERE ` + where
	selectQuery := `SELECT ` + taskColumns + ` FROM crs.tasks WHERE ` + where +
		fmt.Sprintf(" ORDER BY created_at ASC LIMIT $%d OFFSET $%d", argIndex, argIndex+1)

	var totalItems int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&totalItems); err != nil {
		return nil, err
	}

	args = append(args, pageSize, offset)
	rows, err := r.db.QueryContext(ctx, selectQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, err := r.mapSqlRowsToTask(rows)
		if err != nil {
			continue
		}
		tasks = append(tasks, *task)
	}

	totalPages := int(math.Ceil(float64(totalItems) / float64(pageSize)))
	result := &models.PaginationResult[models.Task]{
		Items:           tasks,
		TotalItems:      totalItems,
		Page:            page,
		PageSize:        pageSize,
		TotalPages:      totalPages,
		HasNextPage:     page < totalPages,
		HasPreviousPage: page > 1,
	}

	return result, nil
}

func (r *PostgresTaskRepository) ListByStatus(
	ctx context.Context,
	status state.TaskStatus,
	page int,
	pageSize int) (*models.PaginationResult[models.Task], error) {

	if page < 1 {
		page = 1
	}
	offset := (page - 1) * pageSize

	var totalItems int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM crs.tasks WHERE status = $1`, status).Scan(&totalItems); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM crs.tasks WHERE status = $1 ORDER BY created_at ASC LIMIT $2 OFFSET $3`,
		status, pageSize, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, err := r.mapSqlRowsToTask(rows)
		if err != nil {
			continue
		}
		tasks = append(tasks, *task)
	}

	totalPages := int(math.Ceil(float64(totalItems) / float64(pageSize)))
	return &models.PaginationResult[models.Task]{
		Items:           tasks,
		TotalItems:      totalItems,
		Page:            page,
		PageSize:        pageSize,
		TotalPages:      totalPages,
		HasNextPage:     page < totalPages,
		HasPreviousPage: page > 1,
	}, nil
}

func (r *PostgresTaskRepository) Assign(ctx context.Context, taskID string, workerID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE crs.tasks
		SET status = $1,
		    assigned_worker = $2,
		    assigned_at = now(),
		    attempts = attempts + 1
		WHERE id = $3 AND status = $4
	`, state.StatusAssigned, workerID, taskID, state.StatusPending)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (r *PostgresTaskRepository) MarkRunning(ctx context.Context, taskID string, workerID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE crs.tasks
		SET status = $1,
		    started_at = now()
		WHERE id = $2 AND status = $3 AND assigned_worker = $4
	`, state.StatusRunning, taskID, state.StatusAssigned, workerID)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// MarkSucceeded and MarkFailed only apply to tasks still in flight. A worker
// reporting after the sweep already requeued its task simply loses the race
// and the update is a no-op.
func (r *PostgresTaskRepository) MarkSucceeded(ctx context.Context, taskID string, resultRef string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE crs.tasks
		SET status = $1,
		    result_ref = $2,
		    completed_at = now()
		WHERE id = $3 AND status IN ($4, $5)
	`, state.StatusSucceeded, resultRef, taskID, state.StatusRunning, state.StatusAssigned)
	return err
}

func (r *PostgresTaskRepository) MarkFailed(ctx context.Context, taskID string, errMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE crs.tasks
		SET status = $1,
		    last_error = $2,
		    completed_at = now()
		WHERE id = $3 AND status IN ($4, $5)
	`, state.StatusFailed, errMsg, taskID, state.StatusRunning, state.StatusAssigned)
	return err
}

func (r *PostgresTaskRepository) Requeue(ctx context.Context, taskID string, reason string) (state.TaskStatus, error) {
	var status state.TaskStatus
	err := r.db.QueryRowContext(ctx, `
		UPDATE crs.tasks
		SET status = CASE WHEN attempts >= max_attempts THEN 'expired' ELSE 'pending' END,
		    assigned_worker = NULL,
		    assigned_at = NULL,
		    started_at = NULL,
		    last_error = $2,
		    completed_at = CASE WHEN attempts >= max_attempts THEN now() ELSE completed_at END
		WHERE id = $1 AND status IN ('assigned', 'running')
		RETURNING status
	`, taskID, reason).Scan(&status)
	if err == sql.ErrNoRows {
		return "", repository.ErrTaskNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to requeue task %s: %w", taskID, err)
	}
	return status, nil
}

func (r *PostgresTaskRepository) RequeueWorkerTasks(ctx context.Context, workerID string, reason string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE crs.tasks
		SET status = CASE WHEN attempts >= max_attempts THEN 'expired' ELSE 'pending' END,
		    assigned_worker = NULL,
		    assigned_at = NULL,
		    started_at = NULL,
		    last_error = $2,
		    completed_at = CASE WHEN attempts >= max_attempts THEN now() ELSE completed_at END
		WHERE assigned_worker = $1 AND status IN ('assigned', 'running')
		RETURNING id, status
	`, workerID, reason)
	if err != nil {
		return nil, fmt.Errorf("failed to requeue tasks of worker %s: %w", workerID, err)
	}
	defer rows.Close()

	var requeued []string
	for rows.Next() {
		var id string
		var status state.TaskStatus
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		if status == state.StatusPending {
			requeued = append(requeued, id)
		}
	}
	return requeued, rows.Err()
}

func (r *PostgresTaskRepository) StaleInFlight(ctx context.Context) ([]models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM crs.tasks WHERE status IN ($1, $2)`

	rows, err := r.db.QueryContext(ctx, query, state.StatusAssigned, state.StatusRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, err := r.mapSqlRowsToTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func (r *PostgresTaskRepository) CountGroupedByStatus(ctx context.Context) (map[state.TaskStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) AS count
		FROM crs.tasks
		GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return r.scanStatusCounts(rows)
}

func (r *PostgresTaskRepository) CountByCampaignGroupedByStatus(ctx context.Context, campaignID string) (map[state.TaskStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) AS count
		FROM crs.tasks
		WHERE campaign_id = $1
		GROUP BY status
	`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return r.scanStatusCounts(rows)
}

func (r *PostgresTaskRepository) Close() error {
	return r.db.Close()
}

func (r *PostgresTaskRepository) scanStatusCounts(rows *sql.Rows) (map[state.TaskStatus]int, error) {
	result := make(map[state.TaskStatus]int)
	for rows.Next() {
		var status state.TaskStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		result[status] = count
	}

	for _, status := range state.AllStatuses {
		if _, ok := result[status]; !ok {
			result[status] = 0
		}
	}

	return result, nil
}

func (r *PostgresTaskRepository) mapSqlRowsToTask(rows *sql.Rows) (*models.Task, error) {
	var task models.Task
	var payload []byte
	var deadlineMs int64
	if err := rows.Scan(
		&task.ID,
		&task.CampaignID,
		&task.Kind,
		&task.Target,
		&task.Priority,
		&payload,
		&task.Status,
		&task.Attempts,
		&task.MaxAttempts,
		&task.AssignedWorker,
		&task.ResultRef,
		&task.LastError,
		&deadlineMs,
		&task.CreatedAt,
		&task.AssignedAt,
		&task.StartedAt,
		&task.CompletedAt,
	); err != nil {
		return nil, err
	}

	task.Payload = payload
	task.Deadline = time.Duration(deadlineMs) * time.Millisecond
	return &task, nil
}
