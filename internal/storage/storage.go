package storage

import (
	"context"

	"github.com/omrkit/omr/internal/model"
)

// JobRepository is the interface for the dispatched jobs journal.
type JobRepository interface {
	CreateJob(ctx context.Context, r model.JobRecord) error
	// GetJob returns the most recent record of a task.
	GetJob(ctx context.Context, taskID string) (*model.JobRecord, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, jobErr error) error
	// ListJobs returns the most recent records first, limit <= 0 means no limit.
	ListJobs(ctx context.Context, limit int) ([]model.JobRecord, error)
}
