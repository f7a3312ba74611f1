// Package storagemock has testify mocks of the storage interfaces.
package storagemock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/omrkit/omr/internal/model"
	"github.com/omrkit/omr/internal/storage"
)

var _ storage.JobRepository = &MockJobRepository{}

// MockJobRepository is a mock of storage.JobRepository.
type MockJobRepository struct {
	mock.Mock
}

func (m *MockJobRepository) CreateJob(ctx context.Context, r model.JobRecord) error {
	args := m.Called(ctx, r)
	return args.Error(0)
}

func (m *MockJobRepository) GetJob(ctx context.Context, taskID string) (*model.JobRecord, error) {
	args := m.Called(ctx, taskID)
	if r := args.Get(0); r != nil {
		return r.(*model.JobRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockJobRepository) CompleteJob(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockJobRepository) FailJob(ctx context.Context, id string, jobErr error) error {
	args := m.Called(ctx, id, jobErr)
	return args.Error(0)
}

func (m *MockJobRepository) ListJobs(ctx context.Context, limit int) ([]model.JobRecord, error) {
	args := m.Called(ctx, limit)
	if r := args.Get(0); r != nil {
		return r.([]model.JobRecord), args.Error(1)
	}
	return nil, args.Error(1)
}
