package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/cors"

	"github.com/VisionForgeApp/VisionForge/app/controllers"
	"github.com/VisionForgeApp/VisionForge/internal/pkg/billing"
	"github.com/VisionForgeApp/VisionForge/internal/pkg/database"
	"github.com/VisionForgeApp/VisionForge/internal/pkg/env"
	"github.com/VisionForgeApp/VisionForge/internal/pkg/generation"
	"github.com/VisionForgeApp/VisionForge/internal/pkg/storage"
)

type WebhookRouter struct {
}

// InstallRouter registers the provider callback endpoints. Both are
// signature-verified in the controller; billing gets permissive CORS because
// some providers preflight their deliveries.
func (h WebhookRouter) InstallRouter(app *fiber.App) {
	db := database.GetDB()

	// Without a media store successful generations cannot be persisted; the
	// service then diverts success events to the failure/refund path.
	var store generation.MediaStore
	if cfg, err := storage.LoadConfig(); err != nil {
		log.Warnf("[Router] S3 storage not configured, generation outputs cannot be stored: %v", err)
	} else if client, err := storage.NewClient(cfg); err != nil {
		log.Errorf("[Router] S3 client initialization failed: %v", err)
	} else {
		store = client
	}

	wc := controllers.NewWebhookController(
		billing.NewServiceFromDB(db),
		generation.NewServiceFromDB(db, store),
		env.GetEnv("BILLING_WEBHOOK_SECRET", ""),
		env.GetEnv("GENERATION_WEBHOOK_SECRET", ""),
	)

	webhooks := app.Group("/api/webhooks", cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "POST,OPTIONS",
		AllowHeaders: "Content-Type,webhook-id,webhook-signature,webhook-timestamp",
	}))
	webhooks.Post("/billing", wc.HandleBillingWebhook)
	webhooks.Post("/generation", wc.HandleGenerationWebhook)
}

func NewWebhookRouter() *WebhookRouter {
	return &WebhookRouter{}
}
