package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bobarin/renderforge/internal/models"
	"github.com/google/uuid"
)

// CreateRenderJob inserts the durable audit row for one render attempt.
// The row is created already "running" (the orchestrator runs it
// synchronously in-request), so started_at is stamped here rather than
// waiting on a later status transition — GetStuckRunningJobs depends on
// started_at being set the moment a job goes running.
func (db *DB) CreateRenderJob(ctx context.Context, job *models.RenderJob) error {
	query := `
		INSERT INTO render_jobs (
			id, project_id, user_id, status, attempts, payload, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING started_at, created_at, updated_at
	`

	now := time.Now()
	return db.QueryRowContext(
		ctx, query,
		job.ID, job.ProjectID, job.UserID, job.Status, job.Attempts, job.Payload, now,
	).Scan(&job.StartedAt, &job.CreatedAt, &job.UpdatedAt)
}

// GetRenderJob fetches a render job by its primary key.
func (db *DB) GetRenderJob(ctx context.Context, id uuid.UUID) (*models.RenderJob, error) {
	query := `
		SELECT
			id, project_id, user_id, status, attempts, payload,
			started_at, finished_at, error_message, created_at, updated_at
		FROM render_jobs
		WHERE id = $1
	`

	job := &models.RenderJob{}
	err := db.QueryRowContext(ctx, query, id).Scan(
		&job.ID, &job.ProjectID, &job.UserID, &job.Status, &job.Attempts, &job.Payload,
		&job.StartedAt, &job.FinishedAt, &job.ErrorMessage,
		&job.CreatedAt, &job.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("render job not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get render job: %w", err)
	}

	return job, nil
}

// GetRenderJobsByProject lists every render attempt for a project, oldest first.
func (db *DB) GetRenderJobsByProject(ctx context.Context, projectID string) ([]models.RenderJob, error) {
	query := `
		SELECT
			id, project_id, user_id, status, attempts, payload,
			started_at, finished_at, error_message, created_at, updated_at
		FROM render_jobs
		WHERE project_id = $1
		ORDER BY created_at
	`

	rows, err := db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query render jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.RenderJob
	for rows.Next() {
		var job models.RenderJob
		err := rows.Scan(
			&job.ID, &job.ProjectID, &job.UserID, &job.Status, &job.Attempts, &job.Payload,
			&job.StartedAt, &job.FinishedAt, &job.ErrorMessage,
			&job.CreatedAt, &job.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan render job: %w", err)
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

// GetStuckRunningJobs returns jobs still marked "running" whose started_at
// is older than the cutoff — candidates for the reconciliation sweep to
// re-drive after a dead instance leaves them orphaned.
func (db *DB) GetStuckRunningJobs(ctx context.Context, cutoff time.Time) ([]models.RenderJob, error) {
	query := `
		SELECT
			id, project_id, user_id, status, attempts, payload,
			started_at, finished_at, error_message, created_at, updated_at
		FROM render_jobs
		WHERE status = 'running' AND started_at IS NOT NULL AND started_at < $1
		ORDER BY started_at
	`

	rows, err := db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stuck render jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.RenderJob
	for rows.Next() {
		var job models.RenderJob
		err := rows.Scan(
			&job.ID, &job.ProjectID, &job.UserID, &job.Status, &job.Attempts, &job.Payload,
			&job.StartedAt, &job.FinishedAt, &job.ErrorMessage,
			&job.CreatedAt, &job.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stuck render job: %w", err)
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

// UpdateRenderJobStatus transitions a job's status, stamping started_at on
// the move into "running" and finished_at on a terminal status.
func (db *DB) UpdateRenderJobStatus(ctx context.Context, id uuid.UUID, status string) error {
	now := time.Now()

	if status == "running" {
		query := `UPDATE render_jobs SET status = $1, started_at = $2, updated_at = $2 WHERE id = $3`
		_, err := db.ExecContext(ctx, query, status, now, id)
		return err
	}

	query := `UPDATE render_jobs SET status = $1, finished_at = $2, updated_at = $2 WHERE id = $3`
	_, err := db.ExecContext(ctx, query, status, now, id)
	return err
}

// UpdateRenderJobError marks a job failed, records the error, and bumps
// the attempt counter.
func (db *DB) UpdateRenderJobError(ctx context.Context, id uuid.UUID, errorMessage string) error {
	query := `
		UPDATE render_jobs
		SET status = 'failed', error_message = $1, finished_at = $2, updated_at = $2, attempts = attempts + 1
		WHERE id = $3
	`
	_, err := db.ExecContext(ctx, query, errorMessage, time.Now(), id)
	return err
}
