package controllers

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/VisionForgeApp/VisionForge/app/models"
	"github.com/VisionForgeApp/VisionForge/internal/pkg/billing"
	"github.com/VisionForgeApp/VisionForge/internal/pkg/generation"
)

// WebhookController receives provider callbacks. It owns nothing but the
// transport concerns: signature verification, idempotency short-circuit and
// status-code mapping. All state transitions live in the injected services.
type WebhookController struct {
	billingService    *billing.Service
	generationService *generation.Service
	billingSecret     string
	generationSecret  string
}

// NewWebhookController creates a webhook controller with injected services
// and signing secrets.
func NewWebhookController(billingService *billing.Service, generationService *generation.Service, billingSecret, generationSecret string) *WebhookController {
	return &WebhookController{
		billingService:    billingService,
		generationService: generationService,
		billingSecret:     strings.TrimSpace(billingSecret),
		generationSecret:  strings.TrimSpace(generationSecret),
	}
}

// HandleBillingWebhook processes one billing provider delivery. The exact raw
// body is verified first, recorded in the event ledger (deliveries already
// processed successfully are acknowledged before any state change) and only
// then parsed and applied.
func (wc *WebhookController) HandleBillingWebhook(c *fiber.Ctx) error {
	if wc.billingSecret == "" {
		log.Error("[Webhook] Billing webhook secret is not configured")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "error": "webhook secret not configured"})
	}

	body := c.Body()
	msgID := c.Get("webhook-id")
	signature := c.Get("webhook-signature")
	timestamp := c.Get("webhook-timestamp")

	valid := billing.VerifyWebhookSignature(body, msgID, signature, timestamp, wc.billingSecret)
	if !valid {
		log.Warnf("[Webhook] Rejected billing webhook with invalid signature (id=%s)", msgID)
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"success": false, "error": "invalid signature"})
	}

	var probe struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(body, &probe)

	created, record, err := wc.billingService.RecordWebhookEvent(c.Context(), billing.WebhookEventInput{
		Provider:        models.BillingProviderDodo,
		ProviderEventID: msgID,
		EventType:       probe.Type,
		PayloadJSON:     string(body),
		SignatureValid:  valid,
	})
	if err != nil {
		log.Errorf("[Webhook] Failed to record billing webhook event: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "error": "failed to record event"})
	}
	if !created {
		// Only a successfully processed event is a true duplicate. A ledger
		// row from a failed attempt means no credit math ran, so the retried
		// delivery must be processed again.
		if record.Processed() {
			log.Infof("[Webhook] Duplicate billing webhook delivery %s, acknowledging without processing", msgID)
			return c.Status(fiber.StatusOK).JSON(fiber.Map{"success": true, "duplicate": true})
		}
		log.Infof("[Webhook] Redelivered billing webhook %s after a failed attempt, reprocessing", msgID)
	}

	ev, err := billing.ParseEvent(body)
	if err != nil {
		_ = wc.billingService.MarkWebhookProcessed(c.Context(), record.ID, err)
		log.Warnf("[Webhook] Malformed billing webhook payload (id=%s): %v", msgID, err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "malformed payload"})
	}

	if !ev.Type.Known() {
		_ = wc.billingService.MarkWebhookProcessed(c.Context(), record.ID, nil)
		log.Infof("[Webhook] Ignoring unhandled billing event type %q (id=%s)", ev.Type, msgID)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"success": true, "ignored": true})
	}

	if err := wc.billingService.ProcessEvent(c.Context(), ev); err != nil {
		_ = wc.billingService.MarkWebhookProcessed(c.Context(), record.ID, err)
		if errors.Is(err, billing.ErrProfileNotFound) {
			log.Errorf("[Webhook] Billing event %s references unknown customer: %v", ev.Type, err)
		} else {
			log.Errorf("[Webhook] Processing billing event %s failed: %v", ev.Type, err)
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "error": "event processing failed"})
	}

	if err := wc.billingService.MarkWebhookProcessed(c.Context(), record.ID, nil); err != nil {
		log.Warnf("[Webhook] Failed to mark billing event %d processed: %v", record.ID, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"success": true})
}

// HandleGenerationWebhook processes one generation provider callback. The job
// is resolved from the jobId query parameter the dispatch step put into the
// callback URL.
func (wc *WebhookController) HandleGenerationWebhook(c *fiber.Ctx) error {
	if wc.generationSecret == "" {
		log.Error("[Webhook] Generation webhook secret is not configured")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"detail": "webhook secret not configured"})
	}

	body := c.Body()
	msgID := c.Get("webhook-id")
	signature := c.Get("webhook-signature")
	timestamp := c.Get("webhook-timestamp")

	if !billing.VerifyWebhookSignature(body, msgID, signature, timestamp, wc.generationSecret) {
		log.Warnf("[Webhook] Rejected generation webhook with invalid signature (id=%s)", msgID)
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"detail": "invalid signature"})
	}

	jobIDParam := strings.TrimSpace(c.Query("jobId"))
	if jobIDParam == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"detail": "missing jobId parameter"})
	}
	jobID, err := strconv.ParseUint(jobIDParam, 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"detail": "invalid jobId parameter"})
	}

	job, err := wc.generationService.GetJob(uint(jobID))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"detail": "job not found"})
		}
		log.Errorf("[Webhook] Failed to load generation job %d: %v", jobID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"detail": "failed to load job"})
	}

	pred, err := generation.ParsePrediction(body)
	if err != nil {
		log.Warnf("[Webhook] Malformed generation webhook payload for job %d: %v", job.ID, err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"detail": "malformed payload"})
	}

	switch pred.Status {
	case generation.PredictionStatusSucceeded:
		err = wc.generationService.HandleSuccess(c.Context(), job, pred)
	case generation.PredictionStatusFailed, generation.PredictionStatusCanceled:
		err = wc.generationService.HandleFailure(c.Context(), job, pred.Error)
	default:
		// Intermediate statuses carry no state we track.
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"detail": "ok"})
	}
	if err != nil {
		log.Errorf("[Webhook] Processing generation webhook for job %d failed: %v", job.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"detail": "event processing failed"})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"detail": "ok"})
}
