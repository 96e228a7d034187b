package controllers

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/VisionForgeApp/VisionForge/app/models"
	"github.com/VisionForgeApp/VisionForge/internal/pkg/billing"
	"github.com/VisionForgeApp/VisionForge/internal/pkg/generation"
)

const (
	testBillingSecret    = "billing-secret!"
	testGenerationSecret = "generation-secret!"
)

// fakeBillingRepo backs the billing service with in-memory state.
type fakeBillingRepo struct {
	profiles map[string]*models.Profile
	products map[string]*models.Product
	events   map[string]*models.BillingWebhookEvent

	subsUpserted int
	nextEventID  uint
}

func newFakeBillingRepo() *fakeBillingRepo {
	return &fakeBillingRepo{
		profiles: map[string]*models.Profile{},
		products: map[string]*models.Product{},
		events:   map[string]*models.BillingWebhookEvent{},
	}
}

func (f *fakeBillingRepo) UpsertPayment(p *models.Payment) error { return nil }

func (f *fakeBillingRepo) UpsertSubscription(s *models.Subscription) error {
	f.subsUpserted++
	return nil
}

func (f *fakeBillingRepo) GetSubscription(subscriptionID string) (*models.Subscription, error) {
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeBillingRepo) UpdateSubscriptionCancellation(subscriptionID string, cancelAtNext bool, cancelledAt *time.Time) error {
	return nil
}

func (f *fakeBillingRepo) GetProduct(productID string) (*models.Product, error) {
	if p, ok := f.products[productID]; ok {
		return p, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeBillingRepo) GetProfileByCustomerID(customerID string) (*models.Profile, error) {
	if p, ok := f.profiles[customerID]; ok {
		return p, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeBillingRepo) ApplyPlanChange(profileID uint, creditDelta int64, upd billing.ProfileSubscriptionUpdate) error {
	for _, p := range f.profiles {
		if p.ID == profileID {
			p.SubscriptionCredits = billing.ApplyDelta(p.SubscriptionCredits, creditDelta)
			p.SubscriptionTier = upd.Tier
			p.SubscriptionStatus = models.SubscriptionStatusActive
		}
	}
	return nil
}

func (f *fakeBillingRepo) ResetCredits(profileID uint, credits int64, renewalDate *time.Time) error {
	for _, p := range f.profiles {
		if p.ID == profileID {
			p.SubscriptionCredits = credits
			p.SubscriptionStatus = models.SubscriptionStatusActive
		}
	}
	return nil
}

func (f *fakeBillingRepo) DowngradeProfile(profileID uint) error {
	for _, p := range f.profiles {
		if p.ID == profileID {
			p.SubscriptionCredits = models.FreeTierCredits
			p.SubscriptionTier = models.FreeTierName
			p.SubscriptionStatus = models.SubscriptionStatusInactive
		}
	}
	return nil
}

func (f *fakeBillingRepo) CreateWebhookEventIfNotExists(event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	key := event.Provider + "/" + event.ProviderEventID
	if stored, ok := f.events[key]; ok {
		return false, stored, nil
	}
	f.nextEventID++
	event.ID = f.nextEventID
	f.events[key] = event
	return true, event, nil
}

func (f *fakeBillingRepo) MarkWebhookProcessed(id uint, processingError string) error {
	now := time.Now()
	for _, ev := range f.events {
		if ev.ID == id {
			ev.ProcessedAt = &now
			ev.ProcessingError = processingError
		}
	}
	return nil
}

// fakeGenerationRepo backs the generation service with in-memory state.
type fakeGenerationRepo struct {
	mu      sync.Mutex
	jobs    map[uint]*models.GenerationJob
	credits map[uint]int64
}

func newFakeGenerationRepo() *fakeGenerationRepo {
	return &fakeGenerationRepo{
		jobs:    map[uint]*models.GenerationJob{},
		credits: map[uint]int64{},
	}
}

func (f *fakeGenerationRepo) CreateJob(job *models.GenerationJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeGenerationRepo) GetJob(id uint) (*models.GenerationJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[id]; ok {
		copied := *j
		return &copied, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeGenerationRepo) GetJobByUUID(uuid string) (*models.GenerationJob, error) {
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

func (f *fakeGenerationRepo) SetJobDispatched(id uint, predictionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	j.PredictionID = predictionID
	j.Status = models.GenerationJobStatusProcessing
	return nil
}

func (f *fakeGenerationRepo) MarkJobFailed(id uint, errorMessage string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
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

func (f *fakeGenerationRepo) CompleteJob(id uint, outputURLs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, _ := json.Marshal(outputURLs)
	now := time.Now()
	j := f.jobs[id]
	j.Status = models.GenerationJobStatusSucceeded
	j.OutputURLs = string(raw)
	j.CompletedAt = &now
	return nil
}

func (f *fakeGenerationRepo) ConsumeCredits(userID uint, cost int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.credits[userID] < cost {
		return generation.ErrInsufficientCredits
	}
	f.credits[userID] -= cost
	return nil
}

func (f *fakeGenerationRepo) RefundCredits(userID uint, amount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.credits[userID] += amount
	return nil
}

func newTestApp(billingRepo *fakeBillingRepo, genRepo *fakeGenerationRepo, billingSecret, generationSecret string) *fiber.App {
	wc := NewWebhookController(
		billing.NewService(billingRepo),
		generation.NewService(genRepo, nil, nil),
		billingSecret,
		generationSecret,
	)
	app := fiber.New()
	app.Post("/api/webhooks/billing", wc.HandleBillingWebhook)
	app.Post("/api/webhooks/generation", wc.HandleGenerationWebhook)
	return app
}

func signWebhook(secret, msgID, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(msgID + "." + timestamp + "."))
	mac.Write(payload)
	return "v1," + base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func postWebhook(t *testing.T, app *fiber.App, target, secret, msgID string, payload []byte, sign bool) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest("POST", target, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if sign {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set("webhook-id", msgID)
		req.Header.Set("webhook-timestamp", ts)
		req.Header.Set("webhook-signature", signWebhook(secret, msgID, ts, payload))
	}

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &body))
	}
	return resp.StatusCode, body
}

func TestBillingWebhookMissingSecret(t *testing.T) {
	app := newTestApp(newFakeBillingRepo(), newFakeGenerationRepo(), "", testGenerationSecret)

	status, _ := postWebhook(t, app, "/api/webhooks/billing", testBillingSecret, "msg_1", []byte(`{}`), true)
	assert.Equal(t, fiber.StatusInternalServerError, status)
}

func TestBillingWebhookInvalidSignature(t *testing.T) {
	repo := newFakeBillingRepo()
	app := newTestApp(repo, newFakeGenerationRepo(), testBillingSecret, testGenerationSecret)

	// Unsigned request
	status, _ := postWebhook(t, app, "/api/webhooks/billing", testBillingSecret, "msg_1", []byte(`{}`), false)
	assert.Equal(t, fiber.StatusUnauthorized, status)

	// Signed with the wrong secret
	status, _ = postWebhook(t, app, "/api/webhooks/billing", "wrong-secret", "msg_1", []byte(`{}`), true)
	assert.Equal(t, fiber.StatusUnauthorized, status)

	// Nothing reached the ledger.
	assert.Empty(t, repo.events)
}

func TestBillingWebhookUnknownTypeAcknowledged(t *testing.T) {
	repo := newFakeBillingRepo()
	app := newTestApp(repo, newFakeGenerationRepo(), testBillingSecret, testGenerationSecret)

	payload := []byte(`{"type":"license_key.created","data":{"id":"lk_1"}}`)
	status, body := postWebhook(t, app, "/api/webhooks/billing", testBillingSecret, "msg_u", payload, true)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, true, body["ignored"])
	assert.Equal(t, 0, repo.subsUpserted)
}

func TestBillingWebhookMalformedPayload(t *testing.T) {
	repo := newFakeBillingRepo()
	app := newTestApp(repo, newFakeGenerationRepo(), testBillingSecret, testGenerationSecret)

	payload := []byte(`{"type":"subscription.active","data":{}}`)
	status, _ := postWebhook(t, app, "/api/webhooks/billing", testBillingSecret, "msg_m", payload, true)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestBillingWebhookRenewalFlow(t *testing.T) {
	repo := newFakeBillingRepo()
	repo.profiles["cus_1"] = &models.Profile{ID: 1, CustomerID: "cus_1", SubscriptionCredits: 37}
	repo.products["prod_pro"] = &models.Product{ProductID: "prod_pro", Name: "pro", Credits: 1500}
	app := newTestApp(repo, newFakeGenerationRepo(), testBillingSecret, testGenerationSecret)

	payload := []byte(`{
		"type": "subscription.renewed",
		"data": {
			"subscription_id": "sub_1",
			"customer": {"customer_id": "cus_1"},
			"product_id": "prod_pro",
			"payment_frequency_interval": "Month"
		}
	}`)
	status, body := postWebhook(t, app, "/api/webhooks/billing", testBillingSecret, "msg_r", payload, true)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, int64(1500), repo.profiles["cus_1"].SubscriptionCredits)

	// Redelivery with the same message id short-circuits on the ledger.
	repo.profiles["cus_1"].SubscriptionCredits = 42
	status, body = postWebhook(t, app, "/api/webhooks/billing", testBillingSecret, "msg_r", payload, true)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["duplicate"])
	assert.Equal(t, int64(42), repo.profiles["cus_1"].SubscriptionCredits)
}

func TestBillingWebhookUnknownCustomerFails(t *testing.T) {
	repo := newFakeBillingRepo()
	repo.products["prod_pro"] = &models.Product{ProductID: "prod_pro", Name: "pro", Credits: 1500}
	app := newTestApp(repo, newFakeGenerationRepo(), testBillingSecret, testGenerationSecret)

	payload := []byte(`{
		"type": "subscription.active",
		"data": {
			"subscription_id": "sub_1",
			"customer": {"customer_id": "cus_ghost"},
			"product_id": "prod_pro"
		}
	}`)
	status, _ := postWebhook(t, app, "/api/webhooks/billing", testBillingSecret, "msg_g", payload, true)
	assert.Equal(t, fiber.StatusInternalServerError, status)
}

func TestBillingWebhookRetryAfterFailureReprocesses(t *testing.T) {
	repo := newFakeBillingRepo()
	repo.products["prod_pro"] = &models.Product{ProductID: "prod_pro", Name: "pro", Credits: 1500}
	app := newTestApp(repo, newFakeGenerationRepo(), testBillingSecret, testGenerationSecret)

	payload := []byte(`{
		"type": "subscription.active",
		"data": {
			"subscription_id": "sub_1",
			"customer": {"customer_id": "cus_late"},
			"product_id": "prod_pro"
		}
	}`)

	// The activation arrives before the profile is provisioned and fails.
	status, _ := postWebhook(t, app, "/api/webhooks/billing", testBillingSecret, "msg_late", payload, true)
	assert.Equal(t, fiber.StatusInternalServerError, status)

	// The provider retries the identical delivery once the profile exists.
	// The failed ledger row must not swallow the retry as a duplicate.
	repo.profiles["cus_late"] = &models.Profile{ID: 7, CustomerID: "cus_late"}
	status, body := postWebhook(t, app, "/api/webhooks/billing", testBillingSecret, "msg_late", payload, true)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Nil(t, body["duplicate"])
	assert.Equal(t, int64(1500), repo.profiles["cus_late"].SubscriptionCredits)

	// A third delivery now short-circuits on the processed ledger row.
	repo.profiles["cus_late"].SubscriptionCredits = 42
	status, body = postWebhook(t, app, "/api/webhooks/billing", testBillingSecret, "msg_late", payload, true)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["duplicate"])
	assert.Equal(t, int64(42), repo.profiles["cus_late"].SubscriptionCredits)
}

func TestGenerationWebhookInvalidSignature(t *testing.T) {
	app := newTestApp(newFakeBillingRepo(), newFakeGenerationRepo(), testBillingSecret, testGenerationSecret)

	status, _ := postWebhook(t, app, "/api/webhooks/generation?jobId=1", testGenerationSecret, "msg_1", []byte(`{}`), false)
	assert.Equal(t, fiber.StatusUnauthorized, status)
}

func TestGenerationWebhookMissingJobID(t *testing.T) {
	app := newTestApp(newFakeBillingRepo(), newFakeGenerationRepo(), testBillingSecret, testGenerationSecret)

	status, body := postWebhook(t, app, "/api/webhooks/generation", testGenerationSecret, "msg_1", []byte(`{"id":"p1","status":"failed"}`), true)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Contains(t, body["detail"], "jobId")
}

func TestGenerationWebhookUnknownJob(t *testing.T) {
	app := newTestApp(newFakeBillingRepo(), newFakeGenerationRepo(), testBillingSecret, testGenerationSecret)

	status, _ := postWebhook(t, app, "/api/webhooks/generation?jobId=99", testGenerationSecret, "msg_1", []byte(`{"id":"p1","status":"failed"}`), true)
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestGenerationWebhookFailureRefunds(t *testing.T) {
	genRepo := newFakeGenerationRepo()
	genRepo.credits[10] = 96
	genRepo.jobs[5] = &models.GenerationJob{ID: 5, UserID: 10, CreditCost: 4, Status: models.GenerationJobStatusProcessing}
	app := newTestApp(newFakeBillingRepo(), genRepo, testBillingSecret, testGenerationSecret)

	payload := []byte(`{"id":"pred_5","status":"failed","error":"NSFW content detected"}`)
	status, body := postWebhook(t, app, "/api/webhooks/generation?jobId=5", testGenerationSecret, "msg_f", payload, true)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "ok", body["detail"])

	assert.Equal(t, int64(100), genRepo.credits[10])
	assert.Equal(t, models.GenerationJobStatusFailed, genRepo.jobs[5].Status)
	assert.Equal(t, "NSFW content detected", genRepo.jobs[5].ErrorMessage)

	// Redelivery changes nothing.
	status, _ = postWebhook(t, app, "/api/webhooks/generation?jobId=5", testGenerationSecret, "msg_f2", payload, true)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, int64(100), genRepo.credits[10])
}

func TestGenerationWebhookIntermediateStatusIgnored(t *testing.T) {
	genRepo := newFakeGenerationRepo()
	genRepo.jobs[5] = &models.GenerationJob{ID: 5, UserID: 10, CreditCost: 4, Status: models.GenerationJobStatusProcessing}
	app := newTestApp(newFakeBillingRepo(), genRepo, testBillingSecret, testGenerationSecret)

	payload := []byte(`{"id":"pred_5","status":"processing"}`)
	status, _ := postWebhook(t, app, "/api/webhooks/generation?jobId=5", testGenerationSecret, "msg_p", payload, true)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, models.GenerationJobStatusProcessing, genRepo.jobs[5].Status)
}
