package studyclient

import (
	"context"
	"errors"
	"time"
)

// Polling parameters. The delay grows by half each round until the cap;
// the attempt bound keeps a wedged job from pinning the caller forever.
const (
	pollInitialDelay = 1 * time.Second
	pollBackoff      = 1.5
	pollMaxDelay     = 8 * time.Second
	pollMaxAttempts  = 120
)

// ErrPollTimeout means the poller exhausted its attempt budget before the
// job reached a terminal state. The job itself may still finish.
var ErrPollTimeout = errors.New("gave up waiting for the job to finish")

// JobFailedError reports a job that ended in a terminal failure.
type JobFailedError struct {
	JobError JobError
}

func (e *JobFailedError) Error() string {
	return "job failed (" + e.JobError.Code + "): " + e.JobError.Message
}

// transientCodes are error codes a snapshot can carry while the job is
// still worth polling: the server (or the next run call) retries these.
var transientCodes = map[string]bool{
	"dispatch_failed":  true,
	"overloaded_retry": true,
	"generation_retry": true,
}

// startable reports whether a run call could still move the job forward. A
// dispatch failure leaves the job queued with nothing else to resume it, so
// the poller must keep re-issuing run. Runs against a job a worker already
// owns are no-ops on the server.
func startable(snap *JobSnapshot) bool {
	if snap.Status == StatusQueued {
		return true
	}
	return snap.Status == StatusProcessing &&
		(snap.Stage == StageQueued || snap.Stage == StageDispatching)
}

// PollUntilDone drives a job to completion: it issues an initial run, then
// polls status with capped exponential backoff, re-running whenever the job
// is startable. It returns the final snapshot on completion, a
// JobFailedError on terminal failure, and ErrPollTimeout when the attempt
// budget runs out.
func (c *Client) PollUntilDone(ctx context.Context, jobID string) (*JobSnapshot, error) {
	// The initial run may fail transiently; polling will retry it.
	_, _ = c.RunJob(ctx, jobID)

	delay := pollInitialDelay
	for attempt := 0; attempt < pollMaxAttempts; attempt++ {
		snap, err := c.Status(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Transport hiccups are part of what the loop absorbs.
		} else {
			switch snap.Status {
			case StatusCompleted:
				return snap, nil
			case StatusFailed:
				jobErr := JobError{Code: "internal_error", Message: "job failed"}
				if snap.Error != nil {
					jobErr = *snap.Error
				}
				return snap, &JobFailedError{JobError: jobErr}
			}

			// A non-transient error code on a live record ends the loop
			// early; waiting longer will not change it.
			if snap.Error != nil && !transientCodes[snap.Error.Code] {
				return snap, &JobFailedError{JobError: *snap.Error}
			}

			if startable(snap) {
				_, _ = c.RunJob(ctx, jobID)
			}
		}

		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
		delay = time.Duration(float64(delay) * pollBackoff)
		if delay > pollMaxDelay {
			delay = pollMaxDelay
		}
	}

	return nil, ErrPollTimeout
}
