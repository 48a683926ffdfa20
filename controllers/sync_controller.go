package controller

import (
	"context"
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"

	"maildesk/utils"
	"maildesk/worker"
)

// JobRunner is the engine seam; the controller only translates HTTP.
type JobRunner interface {
	ProcessJob(ctx context.Context, jobID uint) (*worker.RunResult, error)
}

type SyncController struct {
	engine JobRunner
	logger *log.Logger
}

func NewSyncController(engine JobRunner, logger *log.Logger) *SyncController {
	return &SyncController{
		engine: engine,
		logger: logger,
	}
}

// RunJob is the engine's single synchronous entrypoint: it runs one invocation
// of the given sync job and reports the cumulative progress.
func (sc *SyncController) RunJob(c *fiber.Ctx) error {
	var req struct {
		JobID uint `json:"job_id" validate:"required"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	result, err := sc.engine.ProcessJob(c.Context(), req.JobID)
	if err != nil {
		switch {
		case errors.Is(err, worker.ErrJobNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Sync job not found",
			})
		case errors.Is(err, worker.ErrMailboxBusy):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "Mailbox sync already in progress",
			})
		case errors.Is(err, worker.ErrJobNotRunnable):
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
				"error": err.Error(),
			})
		default:
			sc.logger.Printf("Sync job %d failed: %v", req.JobID, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
	}

	return c.JSON(fiber.Map{
		"success":   true,
		"job_id":    result.JobID,
		"completed": result.Completed,
		"progress":  result.Progress,
	})
}
