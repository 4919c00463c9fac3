package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/lecturelab/api/internal/gate"
	"github.com/lecturelab/api/internal/middleware"
	"github.com/lecturelab/api/internal/model"
	"github.com/lecturelab/api/internal/service"
	"github.com/lecturelab/api/internal/store"
	"github.com/lecturelab/api/pkg/response"
)

type JobHandler struct {
	service   *service.JobService
	validator *validator.Validate
}

func NewJobHandler(svc *service.JobService, v *validator.Validate) *JobHandler {
	return &JobHandler{
		service:   svc,
		validator: v,
	}
}

// credentials assembles what the caller presented: a verified admin token
// subject from the auth middleware, and/or a demo code from the request.
func credentials(c *fiber.Ctx, demoCode string) gate.Credentials {
	if demoCode == "" {
		demoCode = c.Query("demoCode")
	}
	return gate.Credentials{
		AdminID:  middleware.GetUserID(c),
		DemoCode: demoCode,
	}
}

// Create handles POST /api/jobs
// @Summary      Create study-guide job
// @Description  Create a queued job from previously uploaded lecture media
// @Tags         Jobs
// @Accept       json
// @Produce      json
// @Param        request body model.CreateJobRequest true "Job creation request"
// @Success      201 {object} model.CreateJobResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      403 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Router       /api/jobs [post]
func (h *JobHandler) Create(c *fiber.Ctx) error {
	var req model.CreateJobRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Create(c.Context(), &req, credentials(c, req.DemoCode))
	if err != nil {
		return mapJobError(c, err)
	}

	return response.Created(c, result)
}

// Run handles POST /api/jobs/:jobId/run
// @Summary      Run job
// @Description  Dispatch a queued job; a no-op for jobs already running or finished
// @Tags         Jobs
// @Accept       json
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.JobStatusResponse "terminal"
// @Success      202 {object} model.JobStatusResponse "in flight"
// @Failure      401 {object} response.ErrorResponse
// @Failure      403 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Router       /api/jobs/{jobId}/run [post]
func (h *JobHandler) Run(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	// The body is optional; demo callers carry their code in it.
	var req model.RunJobRequest
	_ = c.BodyParser(&req)

	result, err := h.service.Run(c.Context(), jobID, credentials(c, req.DemoCode))
	if err != nil {
		return mapJobError(c, err)
	}

	if result.Status.Terminal() {
		return response.OK(c, result)
	}
	return response.Accepted(c, result)
}

// Status handles GET /api/jobs/:jobId
// @Summary      Get job status
// @Description  Read-only snapshot of a job record
// @Tags         Jobs
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.JobStatusResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      403 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Router       /api/jobs/{jobId} [get]
func (h *JobHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.Status(c.Context(), jobID, credentials(c, ""))
	if err != nil {
		return mapJobError(c, err)
	}

	return response.OK(c, result)
}

// Result handles GET /api/jobs/:jobId/result
// @Summary      Get job result
// @Description  Result URL and parsed artifact sections of a completed job
// @Tags         Jobs
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.JobResultResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      403 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Router       /api/jobs/{jobId}/result [get]
func (h *JobHandler) Result(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.Result(c.Context(), jobID, credentials(c, ""))
	if err != nil {
		return mapJobError(c, err)
	}

	return response.OK(c, result)
}

// mapJobError converts service-level errors into the HTTP envelope. The
// default branch deliberately hides internal detail.
func mapJobError(c *fiber.Ctx, err error) error {
	var failed *service.JobFailedError
	switch {
	case errors.Is(err, service.ErrNoMedia):
		return response.ValidationError(c, "At least one of audio or slides is required", nil)
	case errors.Is(err, service.ErrBadObjectRef):
		return response.ValidationError(c, "Invalid media object reference", nil)
	case errors.Is(err, gate.ErrUnauthorized):
		return response.Unauthorized(c, "Missing or invalid credentials")
	case errors.Is(err, gate.ErrAccessDenied):
		return response.Forbidden(c, "Access denied")
	case errors.Is(err, store.ErrNotFound):
		return response.NotFound(c, "Job not found")
	case errors.Is(err, service.ErrNotCompleted):
		return response.JobNotReady(c, "Job has not completed yet", nil)
	case errors.As(err, &failed):
		return response.JobFailed(c, failed.JobError.Message, fiber.Map{"code": failed.JobError.Code})
	default:
		return response.ServiceError(c, "Internal error")
	}
}

// formatValidationErrors formats validator errors for response
func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}
