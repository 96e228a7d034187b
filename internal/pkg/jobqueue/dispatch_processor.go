package jobqueue

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/VisionForgeApp/VisionForge/app/models"
	"github.com/VisionForgeApp/VisionForge/internal/pkg/database"
	"github.com/VisionForgeApp/VisionForge/internal/pkg/generation"
)

// processGenerationDispatchJob submits a pending generation job to the
// model-hosting provider and records the returned prediction id.
func (q *Queue) processGenerationDispatchJob(ctx context.Context, job *Job) error {
	payload, err := GenerationDispatchPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid generation dispatch payload: %w", err)
	}

	repo := generation.NewRepository(database.GetDB())
	genJob, err := repo.GetJob(payload.GenerationJobID)
	if err != nil {
		return fmt.Errorf("generation job %d not found: %w", payload.GenerationJobID, err)
	}

	// Dispatch is only valid from pending. Anything else means the job was
	// already dispatched or already finished (e.g. retried after a partial
	// failure or cancelled meanwhile).
	if genJob.Status != models.GenerationJobStatusPending {
		log.Infof("[JobQueue] Generation job %d is %s, skipping dispatch", genJob.ID, genJob.Status)
		return nil
	}

	client := generation.NewProviderClientFromEnv()
	predictionID, err := client.SubmitJob(ctx, genJob)
	if err != nil {
		return fmt.Errorf("submit generation job %d: %w", genJob.ID, err)
	}

	if err := repo.SetJobDispatched(genJob.ID, predictionID); err != nil {
		return fmt.Errorf("record dispatch of generation job %d: %w", genJob.ID, err)
	}

	log.Infof("[JobQueue] Generation job %d dispatched (prediction %s)", genJob.ID, predictionID)
	return nil
}
