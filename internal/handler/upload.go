package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/lecturelab/api/internal/gate"
	"github.com/lecturelab/api/internal/service"
	"github.com/lecturelab/api/pkg/response"
)

const maxUploadSize = 200 * 1024 * 1024 // 200MB, lecture recordings are large

type UploadHandler struct {
	service *service.UploadService
	gate    gate.Gate
}

func NewUploadHandler(svc *service.UploadService, accessGate gate.Gate) *UploadHandler {
	return &UploadHandler{
		service: svc,
		gate:    accessGate,
	}
}

var validMediaTypes = map[string]bool{
	"audio/mpeg":      true,
	"audio/mp3":       true,
	"audio/mp4":       true,
	"audio/x-m4a":     true,
	"audio/aac":       true,
	"audio/wav":       true,
	"audio/x-wav":     true,
	"audio/wave":      true,
	"application/pdf": true,
	"image/png":       true,
	"image/jpeg":      true,
}

// Media handles POST /api/uploads
// @Summary      Upload lecture media
// @Description  Stage an audio recording or slide deck for job creation
// @Tags         Uploads
// @Accept       multipart/form-data
// @Produce      json
// @Param        demoCode formData string false "Demo access code"
// @Param        file     formData file   true  "Media file (MP3, M4A, AAC, WAV, PDF, PNG, JPEG; max 200MB)"
// @Success      201 {object} model.UploadMediaResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      403 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Router       /api/uploads [post]
func (h *UploadHandler) Media(c *fiber.Ctx) error {
	// Uploads precede job creation, so the credential is checked without
	// spending demo quota; the quota burns when the job is created.
	cred := credentials(c, c.FormValue("demoCode"))
	if err := h.gate.Verify(c.Context(), cred); err != nil {
		switch {
		case errors.Is(err, gate.ErrUnauthorized):
			return response.Unauthorized(c, "Missing or invalid credentials")
		case errors.Is(err, gate.ErrAccessDenied):
			return response.Forbidden(c, "Access denied")
		default:
			return response.ServiceError(c, "Internal error")
		}
	}

	file, err := c.FormFile("file")
	if err != nil {
		return response.ValidationError(c, "File is required", nil)
	}

	if file.Size > maxUploadSize {
		return response.ValidationError(c, "File size exceeds 200MB limit", map[string]interface{}{
			"maxSize":  maxUploadSize,
			"fileSize": file.Size,
		})
	}

	contentType := file.Header.Get("Content-Type")
	if !validMediaTypes[contentType] {
		return response.ValidationError(c, "Invalid file type. Supported: MP3, M4A, AAC, WAV, PDF, PNG, JPEG", map[string]interface{}{
			"contentType": contentType,
		})
	}

	f, err := file.Open()
	if err != nil {
		return response.ServiceError(c, "Failed to open file")
	}
	defer f.Close()

	result, err := h.service.UploadMedia(c.Context(), contentType, f, file.Size)
	if err != nil {
		return response.ServiceError(c, "Failed to store file")
	}

	return response.Created(c, result)
}
