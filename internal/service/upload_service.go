package service

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/lecturelab/api/internal/client"
	"github.com/lecturelab/api/internal/model"
)

// UploadService stages raw lecture media in object storage under the
// uploads/ namespace, where job creation expects to find it.
type UploadService struct {
	storage client.StorageClient
}

func NewUploadService(storage client.StorageClient) *UploadService {
	return &UploadService{storage: storage}
}

var extByMime = map[string]string{
	"audio/mpeg":      ".mp3",
	"audio/mp3":       ".mp3",
	"audio/mp4":       ".m4a",
	"audio/x-m4a":     ".m4a",
	"audio/aac":       ".aac",
	"audio/wav":       ".wav",
	"audio/x-wav":     ".wav",
	"audio/wave":      ".wav",
	"application/pdf": ".pdf",
	"image/png":       ".png",
	"image/jpeg":      ".jpg",
}

// UploadMedia stores one media blob and returns the object reference the
// caller passes to job creation.
func (s *UploadService) UploadMedia(ctx context.Context, mimeType string, file io.Reader, size int64) (*model.UploadMediaResponse, error) {
	key := fmt.Sprintf("uploads/%s%s", uuid.New().String(), extByMime[mimeType])

	if _, err := s.storage.Upload(ctx, key, file, mimeType); err != nil {
		return nil, fmt.Errorf("failed to upload media: %w", err)
	}

	return &model.UploadMediaResponse{
		ObjectRef: key,
		MimeType:  mimeType,
		Size:      size,
		CreatedAt: time.Now().UTC(),
	}, nil
}
