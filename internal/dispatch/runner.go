// Package dispatch hands queued jobs to an executor. The embedded asynq
// server and the standalone worker service are both reached through the
// same Runner interface, so the job service never knows which one is wired.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/lecturelab/api/internal/client"
)

const (
	// TaskTypeStudy is the asynq task type for one generation run.
	TaskTypeStudy = "study:generate"
	// QueueStudy is the asynq queue study tasks land on.
	QueueStudy = "study"
)

// TaskPayload carries only the job ID. The stored record is the source of
// truth for everything else, so a stale queue entry can never resurrect
// old request data.
type TaskPayload struct {
	JobID string `json:"jobId"`
}

// Runner hands one run of a job to an executor. Attempt scopes the
// delivery: dispatching the same attempt twice is a no-op, a new attempt
// is a fresh delivery.
type Runner interface {
	Dispatch(ctx context.Context, jobID string, attempt int) error
}

// NewStudyTask builds the asynq task for a job run.
func NewStudyTask(jobID string) (*asynq.Task, error) {
	data, err := json.Marshal(TaskPayload{JobID: jobID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeStudy, data), nil
}

// AsynqRunner enqueues runs on the asynq queue consumed by the embedded
// worker server. Retries stay at zero: requeueing is the job service's
// protocol, not the queue's.
type AsynqRunner struct {
	client *asynq.Client
}

func NewAsynqRunner(asynqClient *asynq.Client) *AsynqRunner {
	return &AsynqRunner{client: asynqClient}
}

func (r *AsynqRunner) Dispatch(ctx context.Context, jobID string, attempt int) error {
	task, err := NewStudyTask(jobID)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	_, err = r.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueStudy),
		asynq.TaskID(fmt.Sprintf("%s:%d", jobID, attempt)),
		asynq.MaxRetry(0),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		// The task for this attempt is already queued; dispatch is done.
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// HTTPRunner hands runs to a separate worker service over HTTP. The worker
// enqueues on its own asynq server and answers before processing starts.
type HTTPRunner struct {
	worker client.WorkerRunner
}

func NewHTTPRunner(worker client.WorkerRunner) *HTTPRunner {
	return &HTTPRunner{worker: worker}
}

func (r *HTTPRunner) Dispatch(ctx context.Context, jobID string, _ int) error {
	return r.worker.Run(ctx, jobID)
}
