package jobqueue

import (
	"sync"

	"github.com/gofiber/fiber/v2/log"
)

var (
	globalQueue *Queue
	once        sync.Once
)

// InitializeQueue initializes the global job queue
func InitializeQueue(workers int) {
	once.Do(func() {
		globalQueue = NewQueue(workers)
		globalQueue.Start()
		log.Info("[JobQueue] Global job queue initialized")
	})
}

// GetQueue returns the global job queue instance
func GetQueue() *Queue {
	if globalQueue == nil {
		InitializeQueue(3)
	}
	return globalQueue
}

// ShutdownQueue gracefully shuts down the global job queue
func ShutdownQueue() {
	if globalQueue != nil {
		globalQueue.Stop()
	}
}

// EnqueueGenerationDispatch enqueues a dispatch job for a newly created
// generation job.
func EnqueueGenerationDispatch(generationJobID uint, jobUUID string) (*Job, error) {
	payload := GenerationDispatchPayload{
		GenerationJobID: generationJobID,
		JobUUID:         jobUUID,
	}
	return GetQueue().EnqueueJob(JobTypeGenerationDispatch, payload.ToMap())
}
