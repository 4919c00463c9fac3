package model

import "time"

// MediaRef points at an uploaded source blob in object storage.
type MediaRef struct {
	ObjectRef string `json:"objectRef" validate:"required,max=512"`
	MimeType  string `json:"mimeType" validate:"required,max=128"`
}

// ProviderFile is a remote file handle issued by the generation provider.
type ProviderFile struct {
	Name     string `json:"name"`
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
}

// JobRequest is the input snapshot taken when the job is created. It is
// never mutated afterwards.
type JobRequest struct {
	Audio       *MediaRef  `json:"audio,omitempty"`
	Slides      []MediaRef `json:"slides,omitempty"`
	UserContext string     `json:"userContext,omitempty"`
	ModelID     string     `json:"modelId"`
}

// AccessContext records the authorization the job was created under.
type AccessContext struct {
	Mode     AccessMode `json:"mode"`
	DemoCode string     `json:"demoCode,omitempty"`
}

// JobError carries the stable error code plus a human-readable message.
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JobRecord is the durable state of one study-guide job. Every field the
// pipeline touches lives here so that a crashed run can be resumed or
// diagnosed from the record alone.
type JobRecord struct {
	ID        string         `json:"id"`
	Status    JobStatus      `json:"status"`
	Stage     JobStage       `json:"stage"`
	Request   JobRequest     `json:"request"`
	Access    AccessContext  `json:"access"`
	Uploaded  []ProviderFile `json:"uploaded,omitempty"`
	Progress  int            `json:"progress"`
	Attempts  int            `json:"attempts"`
	ResultURL string         `json:"resultUrl,omitempty"`
	Preview   string         `json:"preview,omitempty"`
	Error     *JobError      `json:"error,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Retryable reports whether the record is sitting in the queue with a
// transient error from a previous run.
func (j *JobRecord) Retryable() bool {
	return j.Status == JobStatusQueued && j.Error != nil && TransientCode(j.Error.Code)
}

// Startable reports whether a run call can still pick the job up. A job
// already past dispatch is owned by a worker and must not be started twice.
func (j *JobRecord) Startable() bool {
	if j.Status == JobStatusQueued {
		return true
	}
	return j.Status == JobStatusProcessing &&
		(j.Stage == StageQueued || j.Stage == StageDispatching)
}
