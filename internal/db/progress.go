package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bobarin/renderforge/internal/models"
)

// UpsertProgress writes the durable mirror of a job's progress snapshot.
// The progress bus throttles how often this is called (at most once per
// 900ms, always on a terminal update); this layer just persists whatever
// it is given.
func (db *DB) UpsertProgress(ctx context.Context, p *models.ProgressRecord) error {
	perScene, err := json.Marshal(p.PerScene)
	if err != nil {
		return fmt.Errorf("marshal per_scene: %w", err)
	}

	query := `
		INSERT INTO progress_records (
			job_id, percent, stage, message, eta_seconds, done, error,
			per_scene, scene_count, current_scene, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (job_id) DO UPDATE SET
			percent = EXCLUDED.percent,
			stage = EXCLUDED.stage,
			message = EXCLUDED.message,
			eta_seconds = EXCLUDED.eta_seconds,
			done = EXCLUDED.done,
			error = EXCLUDED.error,
			per_scene = EXCLUDED.per_scene,
			scene_count = EXCLUDED.scene_count,
			current_scene = EXCLUDED.current_scene,
			updated_at = EXCLUDED.updated_at
	`

	_, err = db.ExecContext(
		ctx, query,
		p.JobID, p.Percent, p.Stage, p.Message, p.ETASeconds, p.Done, p.Error,
		perScene, p.SceneCount, p.CurrentScene, p.UpdatedAt,
	)
	return err
}

// GetProgress reads the last durable snapshot for a job_id, used to
// reconstruct state for a subscriber that connects after the in-memory
// registry has no live publisher for that job (process restart, or a
// subscriber joining late).
func (db *DB) GetProgress(ctx context.Context, jobID string) (*models.ProgressRecord, error) {
	query := `
		SELECT
			job_id, percent, stage, message, eta_seconds, done, error,
			per_scene, scene_count, current_scene, updated_at
		FROM progress_records
		WHERE job_id = $1
	`

	var p models.ProgressRecord
	var perScene []byte

	err := db.QueryRowContext(ctx, query, jobID).Scan(
		&p.JobID, &p.Percent, &p.Stage, &p.Message, &p.ETASeconds, &p.Done, &p.Error,
		&perScene, &p.SceneCount, &p.CurrentScene, &p.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get progress: %w", err)
	}

	if len(perScene) > 0 {
		if err := json.Unmarshal(perScene, &p.PerScene); err != nil {
			return nil, fmt.Errorf("unmarshal per_scene: %w", err)
		}
	}

	return &p, nil
}

// PruneProgressOlderThan is used by the janitor goroutine in cmd/api to keep
// progress_records from growing unbounded; not called by the request path.
func (db *DB) PruneProgressOlderThan(ctx context.Context, age time.Duration) error {
	query := `DELETE FROM progress_records WHERE done = true AND updated_at < $1`
	_, err := db.ExecContext(ctx, query, time.Now().Add(-age))
	return err
}
