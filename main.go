package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/VisionForgeApp/VisionForge/internal/pkg/cache"
	"github.com/VisionForgeApp/VisionForge/internal/pkg/database"
	"github.com/VisionForgeApp/VisionForge/internal/pkg/env"
	"github.com/VisionForgeApp/VisionForge/internal/pkg/jobqueue"
	"github.com/VisionForgeApp/VisionForge/internal/pkg/router"
)

func main() {
	app := NewApplication()

	// Graceful shutdown: drain the dispatch workers before the listener dies.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		jobqueue.ShutdownQueue()
		_ = app.Shutdown()
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	jobqueue.InitializeQueue(3)

	app := fiber.New(fiber.Config{
		BodyLimit: 10485760, // 10 MiB, webhook payloads and JSON requests only
	})
	app.Use(recover.New(), logger.New())
	app.Get("/metrics", monitor.New())

	// ROUTER
	router.InstallRouter(app)

	return app
}
