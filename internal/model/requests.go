package model

import "time"

// CreateJobRequest represents the request body for job creation
type CreateJobRequest struct {
	Audio       *MediaRef  `json:"audio" validate:"omitempty"`
	Slides      []MediaRef `json:"slides" validate:"omitempty,max=10,dive"`
	UserContext string     `json:"userContext" validate:"omitempty,max=4000"`
	ModelID     string     `json:"modelId" validate:"omitempty,max=64"`
	DemoCode    string     `json:"demoCode" validate:"omitempty,max=64"`
}

// CreateJobResponse represents the response for job creation
type CreateJobResponse struct {
	JobID  string    `json:"jobId"`
	Status JobStatus `json:"status"`
	Stage  JobStage  `json:"stage"`
}

// RunJobRequest represents the request body for starting a queued job
type RunJobRequest struct {
	DemoCode string `json:"demoCode" validate:"omitempty,max=64"`
}

// JobStatusResponse represents the polled view of a job
type JobStatusResponse struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	Stage     JobStage  `json:"stage"`
	Progress  int       `json:"progress"`
	Attempts  int       `json:"attempts"`
	ResultURL string    `json:"resultUrl,omitempty"`
	Preview   string    `json:"preview,omitempty"`
	Error     *JobError `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// JobResultResponse represents the final artifact of a completed job
type JobResultResponse struct {
	JobID      string            `json:"jobId"`
	ResultURL  string            `json:"resultUrl"`
	Preview    string            `json:"preview,omitempty"`
	Sections   map[string]string `json:"sections,omitempty"`
	StudyGuide string            `json:"studyGuide,omitempty"`
	Transcript string            `json:"transcript,omitempty"`
}

// UploadMediaResponse represents the response for a media upload
type UploadMediaResponse struct {
	ObjectRef string    `json:"objectRef"`
	MimeType  string    `json:"mimeType"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

// StatusFromRecord projects a record into its polled view.
func StatusFromRecord(j *JobRecord) JobStatusResponse {
	return JobStatusResponse{
		JobID:     j.ID,
		Status:    j.Status,
		Stage:     j.Stage,
		Progress:  j.Progress,
		Attempts:  j.Attempts,
		ResultURL: j.ResultURL,
		Preview:   j.Preview,
		Error:     j.Error,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
}
