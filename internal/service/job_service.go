package service

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lecturelab/api/internal/artifact"
	"github.com/lecturelab/api/internal/client"
	"github.com/lecturelab/api/internal/config"
	"github.com/lecturelab/api/internal/dispatch"
	"github.com/lecturelab/api/internal/gate"
	"github.com/lecturelab/api/internal/model"
	"github.com/lecturelab/api/internal/store"
)

var (
	// ErrNoMedia rejects a creation request carrying neither audio nor slides.
	ErrNoMedia = errors.New("at least one of audio or slides is required")
	// ErrBadObjectRef rejects an object reference outside the upload namespace.
	ErrBadObjectRef = errors.New("object reference outside the upload namespace")
	// ErrNotCompleted rejects a result fetch for a job that is still running.
	ErrNotCompleted = errors.New("job not completed")
)

// JobFailedError is returned by Result when the job ended in failure; it
// carries the record-level error for the caller to surface.
type JobFailedError struct {
	JobError model.JobError
}

func (e *JobFailedError) Error() string {
	return e.JobError.Code + ": " + e.JobError.Message
}

// ValidateObjectRef checks that a media reference points into the upload
// namespace and cannot traverse out of it.
func ValidateObjectRef(ref string) error {
	if !strings.HasPrefix(ref, "uploads/") {
		return ErrBadObjectRef
	}
	if strings.Contains(ref, "..") || strings.Contains(ref, "\\") || strings.Contains(ref, "//") {
		return ErrBadObjectRef
	}
	return nil
}

// JobService is the dispatcher: it creates job records, hands queued jobs
// to the runner, and projects record state for the polling client.
type JobService struct {
	store   *store.JobStore
	gate    gate.Gate
	runner  dispatch.Runner
	storage client.StorageClient
	gemini  *config.GeminiConfig
	jobs    *config.JobsConfig

	now func() time.Time
}

func NewJobService(
	jobStore *store.JobStore,
	accessGate gate.Gate,
	runner dispatch.Runner,
	storage client.StorageClient,
	geminiCfg *config.GeminiConfig,
	jobsCfg *config.JobsConfig,
) *JobService {
	return &JobService{
		store:   jobStore,
		gate:    accessGate,
		runner:  runner,
		storage: storage,
		gemini:  geminiCfg,
		jobs:    jobsCfg,
		now:     time.Now,
	}
}

// Create validates the request, authorizes the caller (consuming demo
// quota), and writes the initial queued record. Nothing is dispatched yet;
// the caller drives execution through Run.
func (s *JobService) Create(ctx context.Context, req *model.CreateJobRequest, cred gate.Credentials) (*model.CreateJobResponse, error) {
	if req.Audio == nil && len(req.Slides) == 0 {
		return nil, ErrNoMedia
	}
	if req.Audio != nil {
		if err := ValidateObjectRef(req.Audio.ObjectRef); err != nil {
			return nil, err
		}
	}
	for _, slide := range req.Slides {
		if err := ValidateObjectRef(slide.ObjectRef); err != nil {
			return nil, err
		}
	}

	access, err := s.gate.Authorize(ctx, cred)
	if err != nil {
		return nil, err
	}

	rec := &model.JobRecord{
		ID:     uuid.New().String(),
		Status: model.JobStatusQueued,
		Stage:  model.StageQueued,
		Request: model.JobRequest{
			Audio:       req.Audio,
			Slides:      req.Slides,
			UserContext: req.UserContext,
			ModelID:     s.resolveModel(req.ModelID, access.Mode),
		},
		Access:    access,
		CreatedAt: s.now().UTC(),
	}

	if err := s.store.Put(ctx, rec); err != nil {
		return nil, err
	}

	log.Printf("[Jobs] created job %s (%s access, model %s)", rec.ID, access.Mode, rec.Request.ModelID)
	return &model.CreateJobResponse{JobID: rec.ID, Status: rec.Status, Stage: rec.Stage}, nil
}

// resolveModel clamps the requested model against the allow-list. Unknown
// IDs fall back to the default; the premium model needs admin access.
func (s *JobService) resolveModel(requested string, mode model.AccessMode) string {
	switch requested {
	case s.gemini.PremiumModel:
		if mode != model.AccessAdmin {
			return s.gemini.Model
		}
		return s.gemini.PremiumModel
	case s.gemini.Model:
		return s.gemini.Model
	default:
		return s.gemini.Model
	}
}

// Run re-authorizes against the job's stored access and dispatches it if it
// is still queued. Terminal and in-flight jobs come back unchanged.
func (s *JobService) Run(ctx context.Context, jobID string, cred gate.Credentials) (*model.JobStatusResponse, error) {
	rec, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := s.gate.Recheck(ctx, rec.Access, cred); err != nil {
		return nil, err
	}
	return s.start(ctx, rec)
}

// RunTrusted dispatches without an access check. Only server-internal
// callers (the requeue sweeper) use it; the job's access was validated at
// creation.
func (s *JobService) RunTrusted(ctx context.Context, jobID string) (*model.JobStatusResponse, error) {
	rec, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return s.start(ctx, rec)
}

func (s *JobService) start(ctx context.Context, rec *model.JobRecord) (*model.JobStatusResponse, error) {
	// Anything past queued is either owned by a worker or finished; both
	// cases return the current payload without re-invoking dispatch.
	if rec.Status != model.JobStatusQueued {
		resp := model.StatusFromRecord(rec)
		return &resp, nil
	}

	rec, err := s.store.Patch(ctx, rec.ID, func(j *model.JobRecord) {
		j.Status = model.JobStatusProcessing
		j.Stage = model.StageDispatching
		j.Attempts++
		j.Error = nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.runner.Dispatch(ctx, rec.ID, rec.Attempts); err != nil {
		// A failed hand-off is not a failed generation: the job goes back
		// to the queue and the poller re-drives the run call.
		log.Printf("[Jobs] dispatch of job %s (attempt %d) failed: %v", rec.ID, rec.Attempts, err)
		requeued, patchErr := s.store.Patch(ctx, rec.ID, func(j *model.JobRecord) {
			j.Status = model.JobStatusQueued
			j.Stage = model.StageQueued
			j.Progress = 0
			j.Error = &model.JobError{
				Code:    model.ErrCodeDispatchFailed,
				Message: "could not hand the job to a worker; it will be retried",
			}
		})
		if patchErr != nil {
			return nil, patchErr
		}
		resp := model.StatusFromRecord(requeued)
		return &resp, nil
	}

	log.Printf("[Jobs] dispatched job %s (attempt %d)", rec.ID, rec.Attempts)
	resp := model.StatusFromRecord(rec)
	return &resp, nil
}

// Status projects the record for the polling client. A processing job whose
// last update is older than the staleness threshold is failed here — a
// crashed worker leaves no other trace.
func (s *JobService) Status(ctx context.Context, jobID string, cred gate.Credentials) (*model.JobStatusResponse, error) {
	rec, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := s.gate.Recheck(ctx, rec.Access, cred); err != nil {
		return nil, err
	}

	if rec.Status == model.JobStatusProcessing && s.now().Sub(rec.UpdatedAt) > s.jobs.Staleness {
		log.Printf("[Jobs] job %s stale since %s, marking failed", rec.ID, rec.UpdatedAt.Format(time.RFC3339))
		rec, err = s.store.Patch(ctx, jobID, func(j *model.JobRecord) {
			if j.Status != model.JobStatusProcessing {
				return
			}
			j.Status = model.JobStatusFailed
			j.Error = &model.JobError{
				Code:    model.ErrCodeProcessingTimeout,
				Message: "the worker stopped reporting progress",
			}
		})
		if err != nil {
			return nil, err
		}
	}

	resp := model.StatusFromRecord(rec)
	return &resp, nil
}

// Result returns the finished artifact for a completed job, with a freshly
// signed URL and the parsed sections.
func (s *JobService) Result(ctx context.Context, jobID string, cred gate.Credentials) (*model.JobResultResponse, error) {
	rec, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := s.gate.Recheck(ctx, rec.Access, cred); err != nil {
		return nil, err
	}

	switch rec.Status {
	case model.JobStatusCompleted:
	case model.JobStatusFailed:
		jobErr := model.JobError{Code: model.ErrCodeInternal, Message: "job failed"}
		if rec.Error != nil {
			jobErr = *rec.Error
		}
		return nil, &JobFailedError{JobError: jobErr}
	default:
		return nil, ErrNotCompleted
	}

	key := artifact.ResultKey(rec.ID)
	resultURL, err := s.storage.GetSignedURL(ctx, key, s.jobs.TTL)
	if err != nil {
		// The URL minted at completion may still be valid.
		log.Printf("[Jobs] failed to re-sign result URL for job %s: %v", rec.ID, err)
		resultURL = rec.ResultURL
	}

	resp := &model.JobResultResponse{
		JobID:     rec.ID,
		ResultURL: resultURL,
		Preview:   rec.Preview,
	}

	data, _, err := s.storage.Fetch(ctx, key)
	if err != nil {
		log.Printf("[Jobs] failed to fetch result document for job %s: %v", rec.ID, err)
		return resp, nil
	}
	doc := artifact.Split(string(data))
	resp.Sections = doc.Sections()
	resp.StudyGuide = doc.StudyGuide
	resp.Transcript = doc.Transcript
	return resp, nil
}
