package model

// Job status
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Pipeline stages
type JobStage string

const (
	StageQueued      JobStage = "queued"
	StageDispatching JobStage = "dispatching"
	StageUploading   JobStage = "uploading"
	StagePolling     JobStage = "polling"
	StageGenerating  JobStage = "generating"
)

// Access modes
type AccessMode string

const (
	AccessAdmin AccessMode = "admin"
	AccessDemo  AccessMode = "demo"
)

// Job error codes. Transient codes requeue the job for another run;
// the rest are final.
const (
	ErrCodeDispatchFailed    = "dispatch_failed"
	ErrCodeOverloadedRetry   = "overloaded_retry"
	ErrCodeGenerationRetry   = "generation_retry"
	ErrCodeTranscriptMissing = "transcript_missing"
	ErrCodeFileFailed        = "file_failed"
	ErrCodeProcessingTimeout = "processing_timeout"
	ErrCodeInternal          = "internal_error"
)

var transientCodes = map[string]bool{
	ErrCodeDispatchFailed:  true,
	ErrCodeOverloadedRetry: true,
	ErrCodeGenerationRetry: true,
}

// TransientCode reports whether the code marks a job that may be run again.
func TransientCode(code string) bool {
	return transientCodes[code]
}
