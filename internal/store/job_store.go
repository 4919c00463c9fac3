package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lecturelab/api/internal/model"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when no record exists for a job ID.
var ErrNotFound = errors.New("job not found")

const (
	keyPrefix    = "job:"
	writeRetries = 3
)

// Key returns the Redis key for a job ID.
func Key(id string) string {
	return keyPrefix + id
}

// JobStore persists job records as JSON under job:<id>. Every write
// re-applies the TTL, so a record expires only after sitting untouched
// for the full window.
type JobStore struct {
	redis *redis.Client
	ttl   time.Duration
	now   func() time.Time
}

func NewJobStore(redisClient *redis.Client, ttl time.Duration) *JobStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &JobStore{
		redis: redisClient,
		ttl:   ttl,
		now:   time.Now,
	}
}

// Put writes the full record, refreshing UpdatedAt and the TTL.
func (s *JobStore) Put(ctx context.Context, job *model.JobRecord) error {
	job.UpdatedAt = s.now().UTC()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	var lastErr error
	for i := 0; i < writeRetries; i++ {
		lastErr = s.redis.Set(ctx, Key(job.ID), data, s.ttl).Err()
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("failed to save job: %w", lastErr)
}

// Get loads a record by ID.
func (s *JobStore) Get(ctx context.Context, id string) (*model.JobRecord, error) {
	data, err := s.redis.Get(ctx, Key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var job model.JobRecord
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// Patch loads the record, applies mutate, and writes it back. Concurrent
// patches are last-writer-wins; the mutator must not assume it runs alone.
func (s *JobStore) Patch(ctx context.Context, id string, mutate func(*model.JobRecord)) (*model.JobRecord, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	mutate(job)
	if err := s.Put(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Scan walks every stored record and invokes fn for each one that still
// unmarshals. Records that fail to load are skipped.
func (s *JobStore) Scan(ctx context.Context, fn func(*model.JobRecord)) error {
	iter := s.redis.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.redis.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var job model.JobRecord
		if err := json.Unmarshal(data, &job); err != nil {
			continue
		}
		fn(&job)
	}
	return iter.Err()
}
