package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/omrkit/omr/internal/log"
	"github.com/omrkit/omr/internal/model"
)

// RepositoryConfig is the configuration for the memory repository.
type RepositoryConfig struct {
	Logger log.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.Memory"})
	return nil
}

// Repository is an in-memory implementation of storage.JobRepository.
type Repository struct {
	jobs map[string]model.JobRecord
	// order has the record IDs in insertion order.
	order  []string
	mu     sync.RWMutex
	logger log.Logger
}

// NewRepository creates a new memory repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Repository{
		jobs:   make(map[string]model.JobRecord),
		logger: cfg.Logger,
	}, nil
}

// CreateJob stores a new job record.
func (r *Repository) CreateJob(ctx context.Context, j model.JobRecord) error {
	if j.ID == "" || j.TaskID == "" {
		return fmt.Errorf("job id and task id are required: %w", model.ErrNotValid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[j.ID]; ok {
		return fmt.Errorf("job %s: %w", j.ID, model.ErrAlreadyExists)
	}

	r.jobs[j.ID] = j
	r.order = append(r.order, j.ID)
	r.logger.Debugf("Created job in repository: %s (task %s)", j.ID, j.TaskID)

	return nil
}

// GetJob returns the most recent record of a task.
func (r *Repository) GetJob(ctx context.Context, taskID string) (*model.JobRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range slices.Backward(r.order) {
		j := r.jobs[id]
		if j.TaskID == taskID {
			return &j, nil
		}
	}

	return nil, fmt.Errorf("job of task %s: %w", taskID, model.ErrNotFound)
}

// CompleteJob marks a job as done.
func (r *Repository) CompleteJob(ctx context.Context, id string) error {
	return r.finish(id, model.JobStatusDone, "")
}

// FailJob marks a job as failed with an error message.
func (r *Repository) FailJob(ctx context.Context, id string, jobErr error) error {
	errMsg := ""
	if jobErr != nil {
		errMsg = jobErr.Error()
	}
	return r.finish(id, model.JobStatusFailed, errMsg)
}

func (r *Repository) finish(id string, status model.JobStatus, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, model.ErrNotFound)
	}

	now := time.Now().UTC()
	j.Status = status
	j.Error = errMsg
	j.FinishedAt = &now
	r.jobs[id] = j

	r.logger.Debugf("Finished job %s: %s", id, status)
	return nil
}

// ListJobs returns the most recent job records first.
func (r *Repository) ListJobs(ctx context.Context, limit int) ([]model.JobRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(r.order)
	if limit > 0 && limit < n {
		n = limit
	}

	jobs := make([]model.JobRecord, 0, n)
	for _, id := range slices.Backward(r.order) {
		if len(jobs) == n {
			break
		}
		jobs = append(jobs, r.jobs[id])
	}

	return jobs, nil
}
