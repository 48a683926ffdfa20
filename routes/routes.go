package routes

import (
	"log"
	"os"

	controller "maildesk/controllers"
	"maildesk/worker"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
)

func SetupRoutes(app *fiber.App, engine *worker.Engine) {
	syncLogger := log.New(os.Stdout, "SYNC: ", log.Ldate|log.Ltime|log.Lshortfile)

	syncController := controller.NewSyncController(engine, syncLogger)

	// Sync routes group with logging middleware
	sync := app.Group("/sync", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// The engine's single wire surface: run one invocation of a job
	sync.Post("/jobs/run", syncController.RunJob)

	syncLogger.Println("Sync routes initialized successfully")
}
