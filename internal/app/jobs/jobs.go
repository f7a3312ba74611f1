package jobs

import (
	"context"
	"fmt"

	"github.com/omrkit/omr/internal/log"
	"github.com/omrkit/omr/internal/model"
	"github.com/omrkit/omr/internal/storage"
)

const (
	// DefaultListLimit is used when the list request doesn't set a limit.
	DefaultListLimit = 50
	// MaxListLimit is the maximum number of records returned by a list.
	MaxListLimit = 1000
)

// ServiceConfig is the configuration for the jobs service.
type ServiceConfig struct {
	Repository storage.JobRepository
	Logger     log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Jobs"})

	return nil
}

// Service queries the dispatched jobs journal.
type Service struct {
	repo   storage.JobRepository
	logger log.Logger
}

// NewService creates a new jobs service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:   cfg.Repository,
		logger: cfg.Logger,
	}, nil
}

// Get returns the latest journal record of a task.
func (s *Service) Get(ctx context.Context, taskID string) (*model.JobRecord, error) {
	if taskID == "" {
		return nil, fmt.Errorf("task id is required: %w", model.ErrNotValid)
	}

	j, err := s.repo.GetJob(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("could not get job: %w", err)
	}

	return j, nil
}

// ListRequest represents the list request parameters.
type ListRequest struct {
	// Limit of 0 uses DefaultListLimit.
	Limit int
}

// List returns the most recent journal records first.
func (s *Service) List(ctx context.Context, req ListRequest) ([]model.JobRecord, error) {
	limit := req.Limit
	switch {
	case limit < 0:
		return nil, fmt.Errorf("limit can't be negative: %w", model.ErrNotValid)
	case limit == 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}

	s.logger.Debugf("Listing last %d jobs", limit)

	jobs, err := s.repo.ListJobs(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("could not list jobs: %w", err)
	}

	return jobs, nil
}
