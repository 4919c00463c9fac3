package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/lecturelab/api/internal/dispatch"
	"github.com/lecturelab/api/internal/model"
	"github.com/lecturelab/api/internal/store"
	"github.com/lecturelab/api/pkg/response"
)

// WorkerHandler is the worker service's run endpoint: it accepts the hand-off
// from the API, enqueues the job on the local asynq server, and answers
// before processing starts. Authorization happened in middleware.
type WorkerHandler struct {
	store  *store.JobStore
	runner dispatch.Runner
}

func NewWorkerHandler(jobStore *store.JobStore, runner dispatch.Runner) *WorkerHandler {
	return &WorkerHandler{
		store:  jobStore,
		runner: runner,
	}
}

// Run handles POST /worker/run
func (h *WorkerHandler) Run(c *fiber.Ctx) error {
	var req dispatch.TaskPayload
	if err := c.BodyParser(&req); err != nil || req.JobID == "" {
		return response.ValidationError(c, "jobId is required", nil)
	}

	rec, err := h.store.Get(c.Context(), req.JobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, "Internal error")
	}

	snapshot := model.StatusFromRecord(rec)
	if rec.Status.Terminal() {
		return response.OK(c, snapshot)
	}

	if err := h.runner.Dispatch(c.Context(), rec.ID, rec.Attempts); err != nil {
		return response.ServiceError(c, "Failed to enqueue job")
	}

	return response.Accepted(c, snapshot)
}
