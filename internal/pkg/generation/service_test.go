package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/VisionForgeApp/VisionForge/app/models"
)

type fakeGenRepo struct {
	mu      sync.Mutex
	jobs    map[uint]*models.GenerationJob
	credits map[uint]int64

	refundErr   error
	refundCalls int
	failCalls   int
}

func newFakeGenRepo() *fakeGenRepo {
	return &fakeGenRepo{
		jobs:    map[uint]*models.GenerationJob{},
		credits: map[uint]int64{},
	}
}

func (f *fakeGenRepo) CreateJob(job *models.GenerationJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job.ID == 0 {
		job.ID = uint(len(f.jobs) + 1)
	}
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeGenRepo) GetJob(id uint) (*models.GenerationJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[id]; ok {
		copied := *j
		return &copied, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeGenRepo) GetJobByUUID(uuid string) (*models.GenerationJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.UUID == uuid {
			copied := *j
			return &copied, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeGenRepo) SetJobDispatched(id uint, predictionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	j.PredictionID = predictionID
	j.Status = models.GenerationJobStatusProcessing
	return nil
}

func (f *fakeGenRepo) MarkJobFailed(id uint, errorMessage string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failCalls++
	j := f.jobs[id]
	if j.IsTerminal() {
		return false, nil
	}
	now := time.Now()
	j.Status = models.GenerationJobStatusFailed
	j.ErrorMessage = errorMessage
	j.CompletedAt = &now
	return true, nil
}

func (f *fakeGenRepo) CompleteJob(id uint, outputURLs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, err := json.Marshal(outputURLs)
	if err != nil {
		return err
	}
	now := time.Now()
	j := f.jobs[id]
	j.Status = models.GenerationJobStatusSucceeded
	j.OutputURLs = string(raw)
	j.ErrorMessage = ""
	j.CompletedAt = &now
	return nil
}

func (f *fakeGenRepo) ConsumeCredits(userID uint, cost int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.credits[userID] < cost {
		return ErrInsufficientCredits
	}
	f.credits[userID] -= cost
	return nil
}

func (f *fakeGenRepo) RefundCredits(userID uint, amount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refundCalls++
	if f.refundErr != nil {
		return f.refundErr
	}
	f.credits[userID] += amount
	return nil
}

type fakeStore struct {
	mu      sync.Mutex
	uploads map[string]string // key -> content type
	err     error
}

func (f *fakeStore) UploadBytes(ctx context.Context, objectKey string, body []byte, contentType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if f.uploads == nil {
		f.uploads = map[string]string{}
	}
	f.uploads[objectKey] = contentType
	return "https://cdn.test/" + objectKey, nil
}

func TestHandleFailureRefundsOnce(t *testing.T) {
	repo := newFakeGenRepo()
	repo.credits[10] = 96
	job := &models.GenerationJob{ID: 1, UserID: 10, CreditCost: 4, Status: models.GenerationJobStatusProcessing}
	require.NoError(t, repo.CreateJob(job))
	svc := NewService(repo, &fakeStore{}, nil)

	require.NoError(t, svc.HandleFailure(context.Background(), job, "NSFW content detected"))

	assert.Equal(t, int64(100), repo.credits[10])
	stored, err := repo.GetJob(1)
	require.NoError(t, err)
	assert.Equal(t, models.GenerationJobStatusFailed, stored.Status)
	assert.Equal(t, "NSFW content detected", stored.ErrorMessage)
	require.NotNil(t, stored.CompletedAt)

	// Redelivery: the reloaded job is terminal, so nothing moves.
	require.NoError(t, svc.HandleFailure(context.Background(), stored, "NSFW content detected"))
	assert.Equal(t, int64(100), repo.credits[10])
	assert.Equal(t, 1, repo.refundCalls)
	assert.Equal(t, 1, repo.failCalls)
}

func TestHandleFailureLostTerminalRaceSkipsRefund(t *testing.T) {
	repo := newFakeGenRepo()
	repo.credits[10] = 96
	job := &models.GenerationJob{ID: 1, UserID: 10, CreditCost: 4, Status: models.GenerationJobStatusProcessing}
	require.NoError(t, repo.CreateJob(job))
	svc := NewService(repo, &fakeStore{}, nil)

	// A concurrent delivery already flipped the stored row; the caller's
	// loaded copy still says processing. The conditional write loses and
	// no refund may follow.
	stale := *job
	repo.jobs[1].Status = models.GenerationJobStatusFailed

	require.NoError(t, svc.HandleFailure(context.Background(), &stale, "boom"))
	assert.Equal(t, 0, repo.refundCalls)
	assert.Equal(t, int64(96), repo.credits[10])
}

func TestHandleFailureZeroCostSkipsRefund(t *testing.T) {
	repo := newFakeGenRepo()
	job := &models.GenerationJob{ID: 1, UserID: 10, CreditCost: 0, Status: models.GenerationJobStatusProcessing}
	require.NoError(t, repo.CreateJob(job))
	svc := NewService(repo, &fakeStore{}, nil)

	require.NoError(t, svc.HandleFailure(context.Background(), job, ""))
	assert.Equal(t, 0, repo.refundCalls)

	stored, _ := repo.GetJob(1)
	assert.Equal(t, "generation failed", stored.ErrorMessage)
}

func TestHandleFailureRefundErrorStaysAcknowledged(t *testing.T) {
	repo := newFakeGenRepo()
	repo.refundErr = errors.New("profile row gone")
	job := &models.GenerationJob{ID: 1, UserID: 10, CreditCost: 4, Status: models.GenerationJobStatusProcessing}
	require.NoError(t, repo.CreateJob(job))
	svc := NewService(repo, &fakeStore{}, nil)

	// The terminal write succeeded, so the webhook must not be retried.
	require.NoError(t, svc.HandleFailure(context.Background(), job, "boom"))
	stored, _ := repo.GetJob(1)
	assert.Equal(t, models.GenerationJobStatusFailed, stored.Status)
}

func TestHandleSuccessTransfersAllOutputs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/a.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("png-bytes"))
		case "/b.mp4":
			w.Header().Set("Content-Type", "video/mp4")
			_, _ = w.Write([]byte("mp4-bytes"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	repo := newFakeGenRepo()
	store := &fakeStore{}
	job := &models.GenerationJob{ID: 1, UserID: 10, CreditCost: 4, Status: models.GenerationJobStatusProcessing}
	require.NoError(t, repo.CreateJob(job))
	svc := NewService(repo, store, nil)

	output, _ := json.Marshal([]string{srv.URL + "/a.png", srv.URL + "/b.mp4"})
	pred := &Prediction{ID: "pred_1", Status: PredictionStatusSucceeded, Output: output}

	require.NoError(t, svc.HandleSuccess(context.Background(), job, pred))

	stored, err := repo.GetJob(1)
	require.NoError(t, err)
	assert.Equal(t, models.GenerationJobStatusSucceeded, stored.Status)
	require.NotNil(t, stored.CompletedAt)

	var urls []string
	require.NoError(t, json.Unmarshal([]byte(stored.OutputURLs), &urls))
	// Provider order is preserved regardless of transfer completion order.
	assert.Equal(t, []string{
		"https://cdn.test/generations/pred_1/0.png",
		"https://cdn.test/generations/pred_1/1.mp4",
	}, urls)
	assert.Equal(t, "image/png", store.uploads["generations/pred_1/0.png"])
	assert.Equal(t, "video/mp4", store.uploads["generations/pred_1/1.mp4"])

	// No refund on the success path.
	assert.Equal(t, 0, repo.refundCalls)

	// Redelivered success is a no-op on the terminal job.
	require.NoError(t, svc.HandleSuccess(context.Background(), stored, pred))
}

func TestHandleSuccessZeroOutputsRefunds(t *testing.T) {
	repo := newFakeGenRepo()
	repo.credits[10] = 96
	job := &models.GenerationJob{ID: 1, UserID: 10, CreditCost: 4, Status: models.GenerationJobStatusProcessing}
	require.NoError(t, repo.CreateJob(job))
	svc := NewService(repo, &fakeStore{}, nil)

	pred := &Prediction{ID: "pred_1", Status: PredictionStatusSucceeded, Output: json.RawMessage(`[]`)}
	require.NoError(t, svc.HandleSuccess(context.Background(), job, pred))

	stored, _ := repo.GetJob(1)
	assert.Equal(t, models.GenerationJobStatusFailed, stored.Status)
	assert.Equal(t, int64(100), repo.credits[10])
}

func TestHandleSuccessTransferErrorDivertsToFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	repo := newFakeGenRepo()
	repo.credits[10] = 96
	job := &models.GenerationJob{ID: 1, UserID: 10, CreditCost: 4, Status: models.GenerationJobStatusProcessing}
	require.NoError(t, repo.CreateJob(job))
	svc := NewService(repo, &fakeStore{}, nil)

	output, _ := json.Marshal([]string{srv.URL + "/a.png"})
	pred := &Prediction{ID: "pred_1", Status: PredictionStatusSucceeded, Output: output}
	require.NoError(t, svc.HandleSuccess(context.Background(), job, pred))

	stored, _ := repo.GetJob(1)
	assert.Equal(t, models.GenerationJobStatusFailed, stored.Status)
	assert.Equal(t, int64(100), repo.credits[10])

	// The completion write never happened.
	assert.Empty(t, stored.OutputURLs)
}

func TestHandleSuccessUploadErrorDivertsToFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	repo := newFakeGenRepo()
	repo.credits[10] = 96
	job := &models.GenerationJob{ID: 1, UserID: 10, CreditCost: 4, Status: models.GenerationJobStatusProcessing}
	require.NoError(t, repo.CreateJob(job))
	svc := NewService(repo, &fakeStore{err: fmt.Errorf("bucket unavailable")}, nil)

	output, _ := json.Marshal([]string{srv.URL + "/a.png"})
	pred := &Prediction{ID: "pred_1", Status: PredictionStatusSucceeded, Output: output}
	require.NoError(t, svc.HandleSuccess(context.Background(), job, pred))

	stored, _ := repo.GetJob(1)
	assert.Equal(t, models.GenerationJobStatusFailed, stored.Status)
	assert.Equal(t, int64(100), repo.credits[10])
}

func TestConsumeCreditsInsufficient(t *testing.T) {
	repo := newFakeGenRepo()
	repo.credits[10] = 3
	svc := NewService(repo, &fakeStore{}, nil)

	err := svc.ConsumeCredits(10, 5)
	assert.ErrorIs(t, err, ErrInsufficientCredits)
	assert.Equal(t, int64(3), repo.credits[10])

	require.NoError(t, svc.ConsumeCredits(10, 3))
	assert.Equal(t, int64(0), repo.credits[10])
}

func TestObjectKeyFor(t *testing.T) {
	assert.Equal(t, "generations/p1/0.png", objectKeyFor("p1", 0, "https://x/out", "image/png"))
	assert.Equal(t, "generations/p1/1.webp", objectKeyFor("p1", 1, "https://x/out.webp", ""))
	assert.Equal(t, "generations/p1/2.bin", objectKeyFor("p1", 2, "https://x/out", "application/weird"))
}
