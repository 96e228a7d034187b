package controllers

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/VisionForgeApp/VisionForge/app/models"
	"github.com/VisionForgeApp/VisionForge/internal/pkg/generation"
	"github.com/VisionForgeApp/VisionForge/internal/pkg/jobqueue"
	"github.com/VisionForgeApp/VisionForge/internal/pkg/middleware"
)

// Credit cost per generation kind. Video runs are an order of magnitude more
// expensive at the provider.
const (
	CreditCostImage int64 = 5
	CreditCostVideo int64 = 50
)

// GenerationController exposes the authenticated generation submission API.
type GenerationController struct {
	service  *generation.Service
	validate *validator.Validate
}

// NewGenerationController creates a generation controller with an injected service.
func NewGenerationController(service *generation.Service) *GenerationController {
	return &GenerationController{
		service:  service,
		validate: validator.New(),
	}
}

type createGenerationRequest struct {
	Prompt string `json:"prompt" validate:"required,min=1,max=4000"`
	Model  string `json:"model" validate:"required,min=1,max=150"`
	Kind   string `json:"kind" validate:"omitempty,oneof=image video"`
}

// HandleCreateGeneration submits a new generation job. Credits are debited
// atomically before the job row exists; a rejected debit never creates a job.
func (gc *GenerationController) HandleCreateGeneration(c *fiber.Ctx) error {
	userID, ok := c.Locals(middleware.KeyUserID).(uint)
	if !ok || userID == 0 {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing authentication"})
	}

	var req createGenerationRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid request body"})
	}
	if req.Kind == "" {
		req.Kind = "image"
	}
	if err := gc.validate.Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": err.Error()})
	}

	cost := CreditCostImage
	if req.Kind == "video" {
		cost = CreditCostVideo
	}

	if err := gc.service.ConsumeCredits(userID, cost); err != nil {
		if errors.Is(err, generation.ErrInsufficientCredits) {
			return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{"error": "insufficient_credits", "message": "Not enough credits for this generation"})
		}
		log.Errorf("[Generation] Failed to consume %d credits for user %d: %v", cost, userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to reserve credits"})
	}

	job := &models.GenerationJob{
		UUID:       uuid.New().String(),
		UserID:     userID,
		Prompt:     req.Prompt,
		Model:      req.Model,
		Kind:       req.Kind,
		Status:     models.GenerationJobStatusPending,
		CreditCost: cost,
	}
	if err := gc.service.CreateJob(c.Context(), job); err != nil {
		log.Errorf("[Generation] Failed to create job for user %d: %v", userID, err)
		// The debit already happened; give the credits back.
		if rerr := gc.service.RefundCredits(userID, cost); rerr != nil {
			log.Errorf("[Generation] CRITICAL: refund of %d credits for user %d after failed job creation also failed: %v", cost, userID, rerr)
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to create generation job"})
	}

	if _, err := jobqueue.EnqueueGenerationDispatch(job.ID, job.UUID); err != nil {
		log.Errorf("[Generation] Failed to enqueue dispatch for job %d: %v", job.ID, err)
		if ferr := gc.service.HandleFailure(c.Context(), job, "dispatch enqueue failed"); ferr != nil {
			log.Errorf("[Generation] Failed to fail job %d after enqueue error: %v", job.ID, ferr)
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to queue generation job"})
	}

	return c.Status(fiber.StatusCreated).JSON(job)
}

// HandleGetGeneration returns the state of one of the caller's jobs.
func (gc *GenerationController) HandleGetGeneration(c *fiber.Ctx) error {
	userID, ok := c.Locals(middleware.KeyUserID).(uint)
	if !ok || userID == 0 {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing authentication"})
	}

	jobUUID := c.Params("uuid")
	job, err := gc.service.GetJobByUUID(jobUUID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Generation job not found"})
		}
		log.Errorf("[Generation] Failed to load job %s: %v", jobUUID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load generation job"})
	}
	// Jobs are private to their owner; an existing but foreign uuid reads as absent.
	if job.UserID != userID {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Generation job not found"})
	}

	return c.Status(fiber.StatusOK).JSON(job)
}
