package generation

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/VisionForgeApp/VisionForge/app/models"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
)

// maxOutputSize caps a single downloaded provider output (256 MiB, videos included).
const maxOutputSize = 256 << 20

// MediaStore persists generated outputs under a key and returns a public URL.
type MediaStore interface {
	UploadBytes(ctx context.Context, objectKey string, body []byte, contentType string) (string, error)
}

// OutputFetcher downloads one provider output URL.
type OutputFetcher interface {
	Fetch(ctx context.Context, url string) (body []byte, contentType string, err error)
}

// Service drives generation jobs to a terminal state from provider webhooks:
// on failure it refunds the consumed credits exactly once, on success it
// transfers the outputs to durable storage and records their final locations.
type Service struct {
	repo    Repository
	store   MediaStore
	fetcher OutputFetcher
}

// NewService creates a generation service from injected dependencies.
func NewService(repo Repository, store MediaStore, fetcher OutputFetcher) *Service {
	if fetcher == nil {
		fetcher = &httpFetcher{client: &http.Client{Timeout: 60 * time.Second}}
	}
	return &Service{repo: repo, store: store, fetcher: fetcher}
}

// NewServiceFromDB creates a generation service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, store MediaStore) *Service {
	return NewService(NewRepository(db), store, nil)
}

// CreateJob persists a new pending job.
func (s *Service) CreateJob(ctx context.Context, job *models.GenerationJob) error {
	_ = ctx
	return s.repo.CreateJob(job)
}

// ConsumeCredits debits a submission's cost from the user's balance.
func (s *Service) ConsumeCredits(userID uint, cost int64) error {
	return s.repo.ConsumeCredits(userID, cost)
}

// RefundCredits returns credits to the user's balance.
func (s *Service) RefundCredits(userID uint, amount int64) error {
	return s.repo.RefundCredits(userID, amount)
}

// GetJob loads a job by numeric id.
func (s *Service) GetJob(id uint) (*models.GenerationJob, error) {
	return s.repo.GetJob(id)
}

// GetJobByUUID loads a job by its public identifier.
func (s *Service) GetJobByUUID(uuid string) (*models.GenerationJob, error) {
	return s.repo.GetJobByUUID(uuid)
}

// HandleFailure marks the job failed and refunds its credit cost. A job
// already in a terminal state is treated as an already-processed duplicate:
// no write, no refund. The refund is gated on the conditional terminal write
// winning, so even two concurrent failure deliveries cannot refund twice.
func (s *Service) HandleFailure(ctx context.Context, job *models.GenerationJob, errorMessage string) error {
	_ = ctx
	if job.IsTerminal() {
		log.Infof("[Generation] Job %d already terminal (%s), skipping duplicate failure event", job.ID, job.Status)
		return nil
	}
	if errorMessage == "" {
		errorMessage = "generation failed"
	}

	transitioned, err := s.repo.MarkJobFailed(job.ID, errorMessage)
	if err != nil {
		return fmt.Errorf("mark job %d failed: %w", job.ID, err)
	}
	if !transitioned {
		log.Infof("[Generation] Job %d reached a terminal state concurrently, skipping refund", job.ID)
		return nil
	}

	if job.CreditCost > 0 {
		if err := s.repo.RefundCredits(job.UserID, job.CreditCost); err != nil {
			// The job is already terminal; failing the webhook here would make
			// the provider retry an event we can no longer act on. Surface the
			// credit loss for manual reconciliation instead.
			log.Errorf("[Generation] CRITICAL: refund of %d credits for job %d (user %d) failed: %v",
				job.CreditCost, job.ID, job.UserID, err)
		}
	}
	return nil
}

// HandleSuccess normalizes the provider output, transfers every output to
// durable storage concurrently and completes the job with the stored URLs.
// Zero outputs or any transfer error diverts to the failure path so the job
// never sticks in a non-terminal state.
func (s *Service) HandleSuccess(ctx context.Context, job *models.GenerationJob, pred *Prediction) error {
	if job.IsTerminal() {
		log.Infof("[Generation] Job %d already terminal (%s), skipping duplicate success event", job.ID, job.Status)
		return nil
	}

	outputs := NormalizeOutputs(pred.Output)
	if len(outputs) == 0 {
		return s.HandleFailure(ctx, job, "provider reported success with no outputs")
	}

	storedURLs, err := s.transferOutputs(ctx, pred.ID, outputs)
	if err != nil {
		log.Errorf("[Generation] Output transfer failed for job %d: %v", job.ID, err)
		return s.HandleFailure(ctx, job, fmt.Sprintf("output transfer failed: %v", err))
	}

	if err := s.repo.CompleteJob(job.ID, storedURLs); err != nil {
		return fmt.Errorf("complete job %d: %w", job.ID, err)
	}
	log.Infof("[Generation] Job %d completed with %d outputs", job.ID, len(storedURLs))
	return nil
}

// transferOutputs fetches and uploads all outputs concurrently, preserving
// the provider's output order. The first error wins.
func (s *Service) transferOutputs(ctx context.Context, predictionID string, outputs []string) ([]string, error) {
	if s.store == nil {
		return nil, fmt.Errorf("media store is not configured")
	}

	storedURLs := make([]string, len(outputs))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for i, outputURL := range outputs {
		wg.Add(1)
		go func(index int, srcURL string) {
			defer wg.Done()

			body, contentType, err := s.fetcher.Fetch(ctx, srcURL)
			if err == nil {
				key := objectKeyFor(predictionID, index, srcURL, contentType)
				var publicURL string
				publicURL, err = s.store.UploadBytes(ctx, key, body, contentType)
				if err == nil {
					mu.Lock()
					storedURLs[index] = publicURL
					mu.Unlock()
					return
				}
			}

			mu.Lock()
			if firstErr == nil {
				firstErr = fmt.Errorf("output %d: %w", index, err)
			}
			mu.Unlock()
		}(i, outputURL)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return storedURLs, nil
}

// objectKeyFor derives the storage key from the prediction id and output
// index, keeping the source extension when the content type is unhelpful.
func objectKeyFor(predictionID string, index int, srcURL, contentType string) string {
	ext := extensionFor(contentType)
	if ext == "" {
		ext = strings.ToLower(path.Ext(srcURL))
	}
	if ext == "" {
		ext = ".bin"
	}
	return fmt.Sprintf("generations/%s/%d%s", predictionID, index, ext)
}

func extensionFor(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(contentType)) {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	default:
		return ""
	}
}

type httpFetcher struct {
	client *http.Client
}

func (f *httpFetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch %s: unexpected status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxOutputSize))
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", url, err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}
