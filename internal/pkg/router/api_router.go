package router

import (
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	redisstorage "github.com/gofiber/storage/redis"

	"github.com/VisionForgeApp/VisionForge/app/controllers"
	"github.com/VisionForgeApp/VisionForge/internal/pkg/cache"
	"github.com/VisionForgeApp/VisionForge/internal/pkg/database"
	"github.com/VisionForgeApp/VisionForge/internal/pkg/env"
	"github.com/VisionForgeApp/VisionForge/internal/pkg/generation"
	"github.com/VisionForgeApp/VisionForge/internal/pkg/middleware"
)

type ApiRouter struct {
}

// InstallRouter registers the authenticated generation API under /api/v1.
// Rate limiting is backed by Redis so limits hold across instances.
func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        60,
		Expiration: 1 * time.Minute,
		Storage:    newLimiterStorage(),
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "VisionForge API",
		})
	})

	gc := controllers.NewGenerationController(generation.NewServiceFromDB(database.GetDB(), nil))

	v1 := api.Group("/v1", middleware.APIKeyAuthMiddleware())
	v1.Post("/generations", gc.HandleCreateGeneration)
	v1.Get("/generations/:uuid", gc.HandleGetGeneration)
}

// newLimiterStorage derives a Redis storage for the rate limiter from the
// cache client configuration, using database 1 (cache uses DB 0).
func newLimiterStorage() *redisstorage.Storage {
	host := "localhost"
	port := 6379
	password := env.GetEnv("CACHE_PASSWORD", "")
	if cacheClient := cache.GetClient(); cacheClient != nil {
		addr := cacheClient.Options().Addr
		if h, p, err := net.SplitHostPort(addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		if p := cacheClient.Options().Password; p != "" {
			password = p
		}
	}

	return redisstorage.New(redisstorage.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: 1,
		Reset:    false,
	})
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
