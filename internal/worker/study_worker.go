package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/hibiken/asynq"
	"github.com/lecturelab/api/internal/dispatch"
)

// StudyWorker executes study-guide generation tasks off the asynq queue.
type StudyWorker struct {
	pipeline *Pipeline
}

func NewStudyWorker(pipeline *Pipeline) *StudyWorker {
	return &StudyWorker{pipeline: pipeline}
}

// ProcessTask handles one study:generate task.
func (w *StudyWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload dispatch.TaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w", err)
	}
	if payload.JobID == "" {
		return fmt.Errorf("task payload carries no job ID")
	}

	log.Printf("[Worker] starting job %s", payload.JobID)
	return w.pipeline.Run(ctx, payload.JobID)
}
