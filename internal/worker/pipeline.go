package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"
	"time"

	"github.com/lecturelab/api/internal/artifact"
	"github.com/lecturelab/api/internal/client"
	"github.com/lecturelab/api/internal/config"
	"github.com/lecturelab/api/internal/model"
	"github.com/lecturelab/api/internal/store"
	"github.com/lecturelab/api/internal/websocket"
)

// FailureKind classifies what went wrong in a pipeline run. Overload and
// Retry send the job back to the queue; everything else is final.
type FailureKind int

const (
	FailFatal FailureKind = iota
	FailOverload
	FailRetry
	FailTranscriptMissing
	FailFileFailed
)

// Failure is the single error type the pipeline stages return, so the top
// level decides requeue-vs-fail with a switch instead of unwrapping chains.
type Failure struct {
	Kind    FailureKind
	Code    string
	Message string
}

func (f *Failure) Error() string {
	return f.Message
}

func fatal(format string, args ...interface{}) *Failure {
	return &Failure{Kind: FailFatal, Code: model.ErrCodeInternal, Message: fmt.Sprintf(format, args...)}
}

const maxErrorMessageLen = 240

// sanitize caps an error message before it is stored on the record and
// surfaced to the caller, cutting on a rune boundary.
func sanitize(msg string) string {
	msg = strings.TrimSpace(msg)
	runes := []rune(msg)
	if len(runes) > maxErrorMessageLen {
		msg = string(runes[:maxErrorMessageLen])
	}
	return msg
}

// Pipeline advances one job through upload, readiness polling, generation,
// validation and persistence. A single invocation owns the job; the record
// store is the only thing it shares with the rest of the system.
type Pipeline struct {
	store     *store.JobStore
	storage   client.StorageClient
	generator client.Generator
	hub       *websocket.Hub
	gemini    *config.GeminiConfig
	jobs      *config.JobsConfig

	// Injected so tests can drive the poll loop without real waiting.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewPipeline(
	jobStore *store.JobStore,
	storage client.StorageClient,
	generator client.Generator,
	hub *websocket.Hub,
	geminiCfg *config.GeminiConfig,
	jobsCfg *config.JobsConfig,
) *Pipeline {
	return &Pipeline{
		store:     jobStore,
		storage:   storage,
		generator: generator,
		hub:       hub,
		gemini:    geminiCfg,
		jobs:      jobsCfg,
		now:       time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		},
	}
}

// attempt is the mutable state of one pipeline run.
type attempt struct {
	rec *model.JobRecord
	// handles are the provider files this run works with, either carried
	// over from a previous attempt or uploaded now.
	handles []model.ProviderFile
	// consumed is set once this attempt uploaded the source blobs to the
	// provider; the blobs are deleted exactly once, by that attempt.
	consumed bool
}

// Run executes the full pipeline for one job. It never returns an error for
// job-level failures — those are written to the record — only for cases
// where the record itself could not be read.
func (p *Pipeline) Run(ctx context.Context, jobID string) error {
	rec, err := p.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Printf("[Pipeline] job %s no longer exists, dropping task", jobID)
			return nil
		}
		return err
	}

	// A re-delivered task for a finished job must not redo side effects.
	if rec.Status.Terminal() {
		log.Printf("[Pipeline] job %s already %s, nothing to do", jobID, rec.Status)
		return nil
	}

	a := &attempt{rec: rec, handles: append([]model.ProviderFile(nil), rec.Uploaded...)}

	fail := p.execute(ctx, a)

	switch {
	case fail == nil:
		log.Printf("[Pipeline] job %s completed", jobID)
	case fail.Kind == FailOverload || fail.Kind == FailRetry:
		p.requeue(a, fail)
	default:
		p.fail(a, fail)
	}

	terminal := fail == nil || (fail.Kind != FailOverload && fail.Kind != FailRetry)
	p.cleanup(a, terminal)
	return nil
}

// execute runs the stages in order, returning nil on completion.
func (p *Pipeline) execute(ctx context.Context, a *attempt) *Failure {
	rec := a.rec

	if len(a.handles) == 0 {
		if fail := p.uploadStage(ctx, a); fail != nil {
			return fail
		}
	} else {
		log.Printf("[Pipeline] job %s resuming with %d uploaded file(s), skipping upload", rec.ID, len(a.handles))
	}

	if fail := p.pollStage(ctx, a); fail != nil {
		return fail
	}

	text, fail := p.generateStage(ctx, a)
	if fail != nil {
		return fail
	}

	doc := artifact.Split(text)
	if !doc.HasTranscript() {
		return &Failure{
			Kind:    FailTranscriptMissing,
			Code:    model.ErrCodeTranscriptMissing,
			Message: "generated document contains no transcript section",
		}
	}

	return p.persistStage(ctx, a, text, doc)
}

// uploadStage fetches each source blob from object storage and uploads it
// to the provider. The handles are patched into the record as a block so a
// requeued attempt skips this stage entirely.
func (p *Pipeline) uploadStage(ctx context.Context, a *attempt) *Failure {
	rec := a.rec
	p.advance(ctx, rec, model.StageUploading, 5)

	refs := sourceRefs(&rec.Request)
	for i, ref := range refs {
		data, storedType, err := p.storage.Fetch(ctx, ref.ObjectRef)
		if err != nil {
			return fatal("failed to fetch source media %s: %v", ref.ObjectRef, err)
		}

		mimeType := ref.MimeType
		if mimeType == "" {
			mimeType = storedType
		}

		uctx, cancel := context.WithTimeout(ctx, p.gemini.UploadTimeout)
		handle, err := p.generator.UploadFile(uctx, path.Base(ref.ObjectRef), mimeType, data)
		cancel()
		if err != nil {
			return fatal("failed to upload media to provider: %v", err)
		}

		a.handles = append(a.handles, handle)
		p.advance(ctx, rec, model.StageUploading, 5+30*(i+1)/len(refs))
	}
	a.consumed = true

	handles := a.handles
	p.patch(ctx, rec, func(j *model.JobRecord) {
		j.Uploaded = handles
	})
	return nil
}

// pollStage waits for the provider to finish preprocessing every uploaded
// file, advancing progress with the ready fraction. The budget is a local
// deadline, not a per-call timeout.
func (p *Pipeline) pollStage(ctx context.Context, a *attempt) *Failure {
	rec := a.rec
	p.advance(ctx, rec, model.StagePolling, 35)

	deadline := p.now().Add(p.gemini.PollTimeout)
	pollNum := 0
	for {
		pollNum++
		ready := 0
		for _, h := range a.handles {
			info, err := p.generator.GetFile(ctx, h.Name)
			if err != nil {
				return p.classify(err, "readiness check failed")
			}
			switch info.State {
			case client.FileStateReady:
				ready++
			case client.FileStateFailed:
				return &Failure{
					Kind:    FailFileFailed,
					Code:    model.ErrCodeFileFailed,
					Message: "provider marked file " + h.Name + " as failed",
				}
			}
		}

		log.Printf("[Pipeline] job %s poll #%d — %d/%d file(s) ready", rec.ID, pollNum, ready, len(a.handles))
		if ready == len(a.handles) {
			return nil
		}
		p.advance(ctx, rec, model.StagePolling, 35+35*ready/len(a.handles))

		if !p.now().Before(deadline) {
			return &Failure{
				Kind:    FailRetry,
				Code:    model.ErrCodeGenerationRetry,
				Message: fmt.Sprintf("file processing did not finish within %v", p.gemini.PollTimeout),
			}
		}
		if err := p.sleep(ctx, p.gemini.PollInterval); err != nil {
			return p.classify(err, "readiness polling interrupted")
		}
	}
}

func (p *Pipeline) generateStage(ctx context.Context, a *attempt) (string, *Failure) {
	rec := a.rec
	p.advance(ctx, rec, model.StageGenerating, 70)

	gctx, cancel := context.WithTimeout(ctx, p.gemini.GenerateTimeout)
	defer cancel()

	text, err := p.generator.Generate(gctx, rec.Request.ModelID, BuildPrompt(&rec.Request), a.handles)
	if err != nil {
		return "", p.classify(err, "generation failed")
	}
	return text, nil
}

func (p *Pipeline) persistStage(ctx context.Context, a *attempt, text string, doc artifact.Document) *Failure {
	rec := a.rec
	p.advance(ctx, rec, model.StageGenerating, 90)

	key := artifact.ResultKey(rec.ID)
	if _, err := p.storage.Upload(ctx, key, strings.NewReader(text), "text/markdown"); err != nil {
		return fatal("failed to store result document: %v", err)
	}

	resultURL, err := p.storage.GetSignedURL(ctx, key, p.jobs.TTL)
	if err != nil {
		return fatal("failed to sign result URL: %v", err)
	}
	preview := doc.Preview(p.jobs.PreviewLen)

	updated, err := p.store.Patch(ctx, rec.ID, func(j *model.JobRecord) {
		j.Status = model.JobStatusCompleted
		j.Progress = 100
		j.ResultURL = resultURL
		j.Preview = preview
		j.Error = nil
	})
	if err != nil {
		return fatal("failed to record completion: %v", err)
	}
	a.rec = updated

	p.hub.BroadcastProgress(rec.ID, 100, model.JobStatusCompleted, model.StageGenerating)
	p.hub.BroadcastComplete(rec.ID, model.StatusFromRecord(updated))
	return nil
}

// classify maps a provider or transport error onto a failure kind. Capacity
// and timeout errors requeue, anything else is final.
func (p *Pipeline) classify(err error, context_ string) *Failure {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.Overloaded() {
		return &Failure{
			Kind:    FailOverload,
			Code:    model.ErrCodeOverloadedRetry,
			Message: fmt.Sprintf("%s: provider overloaded: %v", context_, err),
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Failure{
			Kind:    FailRetry,
			Code:    model.ErrCodeGenerationRetry,
			Message: fmt.Sprintf("%s: timed out: %v", context_, err),
		}
	}
	return fatal("%s: %v", context_, err)
}

// requeue puts the job back where the poller will pick it up, keeping the
// uploaded handles so the next attempt skips the upload stage.
func (p *Pipeline) requeue(a *attempt, fail *Failure) {
	jobErr := model.JobError{Code: fail.Code, Message: sanitize(fail.Message)}
	log.Printf("[Pipeline] job %s requeued (%s): %s", a.rec.ID, jobErr.Code, jobErr.Message)

	ctx, cancel := cleanupContext()
	defer cancel()
	updated, err := p.store.Patch(ctx, a.rec.ID, func(j *model.JobRecord) {
		j.Status = model.JobStatusQueued
		j.Stage = model.StageQueued
		j.Progress = 0
		j.Error = &jobErr
	})
	if err != nil {
		log.Printf("[Pipeline] failed to requeue job %s: %v", a.rec.ID, err)
		return
	}
	a.rec = updated
	p.hub.BroadcastProgress(a.rec.ID, 0, model.JobStatusQueued, model.StageQueued)
}

func (p *Pipeline) fail(a *attempt, fail *Failure) {
	code := fail.Code
	if code == "" {
		code = model.ErrCodeInternal
	}
	jobErr := model.JobError{Code: code, Message: sanitize(fail.Message)}
	log.Printf("[Pipeline] job %s failed (%s): %s", a.rec.ID, jobErr.Code, jobErr.Message)

	ctx, cancel := cleanupContext()
	defer cancel()
	updated, err := p.store.Patch(ctx, a.rec.ID, func(j *model.JobRecord) {
		j.Status = model.JobStatusFailed
		j.Error = &jobErr
	})
	if err != nil {
		log.Printf("[Pipeline] failed to record failure for job %s: %v", a.rec.ID, err)
		return
	}
	a.rec = updated
	p.hub.BroadcastError(a.rec.ID, jobErr)
}

// cleanup releases the external resources this attempt owned. Provider
// handles survive a requeue so the next attempt can resume; source blobs
// are removed by whichever attempt consumed them, whatever its outcome.
// Nothing here changes the job's status.
func (p *Pipeline) cleanup(a *attempt, terminal bool) {
	ctx, cancel := cleanupContext()
	defer cancel()

	if terminal {
		for _, h := range a.handles {
			if err := p.generator.DeleteFile(ctx, h.Name); err != nil {
				log.Printf("[Pipeline] cleanup: failed to delete provider file %s: %v", h.Name, err)
			}
		}
	}

	if a.consumed {
		for _, ref := range sourceRefs(&a.rec.Request) {
			if err := p.storage.Delete(ctx, ref.ObjectRef); err != nil {
				log.Printf("[Pipeline] cleanup: failed to delete source blob %s: %v", ref.ObjectRef, err)
			}
		}
	}
}

func cleanupContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// advance patches stage and progress and broadcasts the update. A failed
// patch is logged and skipped — progress reporting never aborts a run.
func (p *Pipeline) advance(ctx context.Context, rec *model.JobRecord, stage model.JobStage, progress int) {
	updated, err := p.store.Patch(ctx, rec.ID, func(j *model.JobRecord) {
		j.Status = model.JobStatusProcessing
		j.Stage = stage
		if progress > j.Progress {
			j.Progress = progress
		}
	})
	if err != nil {
		log.Printf("[Pipeline] failed to update progress for job %s: %v", rec.ID, err)
		return
	}
	*rec = *updated
	p.hub.BroadcastProgress(rec.ID, rec.Progress, model.JobStatusProcessing, stage)
}

func (p *Pipeline) patch(ctx context.Context, rec *model.JobRecord, mutate func(*model.JobRecord)) {
	updated, err := p.store.Patch(ctx, rec.ID, mutate)
	if err != nil {
		log.Printf("[Pipeline] failed to patch job %s: %v", rec.ID, err)
		return
	}
	*rec = *updated
}

// sourceRefs lists the object-store blobs a request reads from, audio
// first.
func sourceRefs(req *model.JobRequest) []model.MediaRef {
	refs := make([]model.MediaRef, 0, len(req.Slides)+1)
	if req.Audio != nil {
		refs = append(refs, *req.Audio)
	}
	refs = append(refs, req.Slides...)
	return refs
}
