package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/bobarin/renderforge/internal/models"
	"github.com/bobarin/renderforge/internal/queue"
)

// requestPayload captures a RenderRequest as JSONB for durable storage
// alongside its RenderJob row, so a reconciliation sweep can rebuild and
// re-drive the request if the instance that accepted it dies mid-render.
func requestPayload(req models.RenderRequest) models.JSONB {
	data, err := json.Marshal(req)
	if err != nil {
		log.Printf("[orchestrator] failed to marshal request payload: %v", err)
		return nil
	}
	var m models.JSONB
	if err := json.Unmarshal(data, &m); err != nil {
		log.Printf("[orchestrator] failed to convert request payload to JSONB: %v", err)
		return nil
	}
	return m
}

func requestFromPayload(payload models.JSONB) (models.RenderRequest, error) {
	var req models.RenderRequest
	data, err := json.Marshal(payload)
	if err != nil {
		return req, fmt.Errorf("marshaling payload: %w", err)
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("unmarshaling payload into RenderRequest: %w", err)
	}
	return req, nil
}

// Reconcile scans for jobs stuck "running" past twice the soft deadline —
// left behind by an instance that died mid-render — and re-enqueues them
// onto queue:render for a worker loop to re-drive. The ledger's Reserve
// idempotency key (user_id, operation, job_id) makes the re-drive safe:
// a job that already completed settles its reservation a second time as a
// no-op rather than double-charging.
func (o *Orchestrator) Reconcile(ctx context.Context, q *queue.Queue, softDeadline time.Duration) error {
	if o.db == nil {
		return nil
	}

	cutoff := time.Now().Add(-2 * softDeadline)
	stuck, err := o.db.GetStuckRunningJobs(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("scanning stuck render jobs: %w", err)
	}

	for _, job := range stuck {
		if len(job.Payload) == 0 {
			log.Printf("[orchestrator] reconcile: job %s has no stored payload, cannot re-drive, marking failed", job.ID)
			if updateErr := o.db.UpdateRenderJobError(ctx, job.ID, "reconciliation: no stored request payload"); updateErr != nil {
				log.Printf("[orchestrator] reconcile: failed to mark job %s failed: %v", job.ID, updateErr)
			}
			continue
		}

		data := map[string]interface{}(job.Payload)
		data["user_id"] = job.UserID

		qJob := &queue.Job{
			ID:        job.ID.String(),
			ProjectID: job.ProjectID,
			Data:      data,
			CreatedAt: time.Now(),
		}
		if err := q.Enqueue(ctx, qJob); err != nil {
			log.Printf("[orchestrator] reconcile: failed to re-enqueue job %s: %v", job.ID, err)
			continue
		}
		log.Printf("[orchestrator] reconcile: re-enqueued stuck job %s (project %s)", job.ID, job.ProjectID)
	}

	return nil
}

// RunFromQueueJob rebuilds a RenderRequest from a dequeued Job's payload
// and re-drives it. Used by the worker loop that services queue:render —
// the reconciliation sweep's only consumer, since the primary POST /render
// path calls Run directly in-request.
func (o *Orchestrator) RunFromQueueJob(ctx context.Context, job *queue.Job) error {
	userID, _ := job.Data["user_id"].(string)

	req, err := requestFromPayload(job.Data)
	if err != nil {
		return fmt.Errorf("rebuilding request for job %s: %w", job.ID, err)
	}

	_, err = o.Run(ctx, userID, req)
	return err
}
