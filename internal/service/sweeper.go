package service

import (
	"context"
	"log"
	"time"

	"github.com/lecturelab/api/internal/model"
	"github.com/lecturelab/api/internal/store"
)

// Sweeper periodically re-dispatches jobs that a transient failure sent
// back to the queue. It is a safety net for clients that stopped polling;
// an interval of zero disables it.
type Sweeper struct {
	store    *store.JobStore
	jobs     *JobService
	interval time.Duration
}

func NewSweeper(jobStore *store.JobStore, jobs *JobService, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:    jobStore,
		jobs:     jobs,
		interval: interval,
	}
}

// Run blocks until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	log.Printf("[Sweeper] requeue sweep every %v", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep walks the stored records once and re-dispatches every job sitting
// in the queue with a transient error. Access was validated at creation, so
// the trusted run path is used.
func (s *Sweeper) Sweep(ctx context.Context) {
	swept := 0
	err := s.store.Scan(ctx, func(rec *model.JobRecord) {
		if !rec.Retryable() {
			return
		}
		if _, err := s.jobs.RunTrusted(ctx, rec.ID); err != nil {
			log.Printf("[Sweeper] failed to re-dispatch job %s: %v", rec.ID, err)
			return
		}
		swept++
	})
	if err != nil {
		log.Printf("[Sweeper] scan failed: %v", err)
	}
	if swept > 0 {
		log.Printf("[Sweeper] re-dispatched %d job(s)", swept)
	}
}
