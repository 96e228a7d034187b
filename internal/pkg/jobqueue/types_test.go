package jobqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerationDispatchPayloadRoundTrip(t *testing.T) {
	payload := GenerationDispatchPayload{
		GenerationJobID: 42,
		JobUUID:         "4fc5a0c3-3b41-4cf6-9d3b-0a4dfc2a1a11",
	}

	restored, err := GenerationDispatchPayloadFromMap(payload.ToMap())
	require.NoError(t, err)
	assert.Equal(t, payload, *restored)
}

func TestGenerationDispatchPayloadFromJSONNumbers(t *testing.T) {
	// Payloads read back from Redis carry float64 numbers.
	restored, err := GenerationDispatchPayloadFromMap(map[string]interface{}{
		"generation_job_id": float64(7),
		"job_uuid":          "u-7",
	})
	require.NoError(t, err)
	assert.Equal(t, uint(7), restored.GenerationJobID)
	assert.Equal(t, "u-7", restored.JobUUID)
}

func TestJobLifecycleMarkers(t *testing.T) {
	job := &Job{Status: JobStatusPending, MaxRetries: DefaultMaxRetries}

	job.MarkAsProcessing()
	assert.Equal(t, JobStatusProcessing, job.Status)
	require.NotNil(t, job.ProcessedAt)

	job.MarkAsFailed("provider unreachable")
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	assert.True(t, job.IsRetryable())

	job.RetryCount = job.MaxRetries
	assert.False(t, job.IsRetryable())

	job.MarkAsCompleted()
	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.Empty(t, job.ErrorMsg)
	require.NotNil(t, job.CompletedAt)
}
