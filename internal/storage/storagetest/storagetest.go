// Package storagetest has a test suite every storage.JobRepository
// implementation must pass.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omrkit/omr/internal/model"
	"github.com/omrkit/omr/internal/storage"
)

func newRecord(id, taskID string, createdAt time.Time) model.JobRecord {
	return model.JobRecord{
		ID:        id,
		TaskID:    taskID,
		Command:   model.CommandFindCircles,
		WorkerID:  "w1",
		SessionID: "s1",
		Status:    model.JobStatusPending,
		CreatedAt: createdAt,
	}
}

// TestJobRepository runs the suite, newRepo must return an empty repository.
func TestJobRepository(t *testing.T, newRepo func(t *testing.T) storage.JobRepository) {
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	tests := map[string]struct {
		actions func(ctx context.Context, t *testing.T, repo storage.JobRepository)
	}{
		"Creating and getting a job should work.": {
			actions: func(ctx context.Context, t *testing.T, repo storage.JobRepository) {
				require.NoError(t, repo.CreateJob(ctx, newRecord("j1", "t1", t0)))

				got, err := repo.GetJob(ctx, "t1")
				require.NoError(t, err)
				assert.Equal(t, "j1", got.ID)
				assert.Equal(t, model.CommandFindCircles, got.Command)
				assert.Equal(t, "w1", got.WorkerID)
				assert.Equal(t, "s1", got.SessionID)
				assert.Equal(t, model.JobStatusPending, got.Status)
				assert.True(t, t0.Equal(got.CreatedAt))
				assert.Nil(t, got.FinishedAt)
			},
		},

		"Creating a duplicated job should fail.": {
			actions: func(ctx context.Context, t *testing.T, repo storage.JobRepository) {
				require.NoError(t, repo.CreateJob(ctx, newRecord("j1", "t1", t0)))
				err := repo.CreateJob(ctx, newRecord("j1", "t2", t0))
				assert.ErrorIs(t, err, model.ErrAlreadyExists)
			},
		},

		"Creating a job without task id should fail.": {
			actions: func(ctx context.Context, t *testing.T, repo storage.JobRepository) {
				err := repo.CreateJob(ctx, newRecord("j1", "", t0))
				assert.ErrorIs(t, err, model.ErrNotValid)
			},
		},

		"Getting a missing task should fail.": {
			actions: func(ctx context.Context, t *testing.T, repo storage.JobRepository) {
				_, err := repo.GetJob(ctx, "missing")
				assert.ErrorIs(t, err, model.ErrNotFound)
			},
		},

		"Getting a reused task id should return the latest record.": {
			actions: func(ctx context.Context, t *testing.T, repo storage.JobRepository) {
				require.NoError(t, repo.CreateJob(ctx, newRecord("j1", "t1", t0)))
				require.NoError(t, repo.CreateJob(ctx, newRecord("j2", "t1", t0.Add(time.Second))))

				got, err := repo.GetJob(ctx, "t1")
				require.NoError(t, err)
				assert.Equal(t, "j2", got.ID)
			},
		},

		"Completing a job should mark it as done.": {
			actions: func(ctx context.Context, t *testing.T, repo storage.JobRepository) {
				require.NoError(t, repo.CreateJob(ctx, newRecord("j1", "t1", t0)))
				require.NoError(t, repo.CompleteJob(ctx, "j1"))

				got, err := repo.GetJob(ctx, "t1")
				require.NoError(t, err)
				assert.Equal(t, model.JobStatusDone, got.Status)
				assert.Empty(t, got.Error)
				assert.NotNil(t, got.FinishedAt)
			},
		},

		"Failing a job should store the error.": {
			actions: func(ctx context.Context, t *testing.T, repo storage.JobRepository) {
				require.NoError(t, repo.CreateJob(ctx, newRecord("j1", "t1", t0)))
				require.NoError(t, repo.FailJob(ctx, "j1", errors.New("bad image")))

				got, err := repo.GetJob(ctx, "t1")
				require.NoError(t, err)
				assert.Equal(t, model.JobStatusFailed, got.Status)
				assert.Equal(t, "bad image", got.Error)
				assert.NotNil(t, got.FinishedAt)
			},
		},

		"Finishing a missing job should fail.": {
			actions: func(ctx context.Context, t *testing.T, repo storage.JobRepository) {
				assert.ErrorIs(t, repo.CompleteJob(ctx, "missing"), model.ErrNotFound)
				assert.ErrorIs(t, repo.FailJob(ctx, "missing", nil), model.ErrNotFound)
			},
		},

		"Listing jobs should return the most recent first.": {
			actions: func(ctx context.Context, t *testing.T, repo storage.JobRepository) {
				require.NoError(t, repo.CreateJob(ctx, newRecord("j1", "t1", t0)))
				require.NoError(t, repo.CreateJob(ctx, newRecord("j2", "t2", t0.Add(time.Second))))
				require.NoError(t, repo.CreateJob(ctx, newRecord("j3", "t3", t0.Add(2*time.Second))))

				jobs, err := repo.ListJobs(ctx, 0)
				require.NoError(t, err)
				require.Len(t, jobs, 3)
				assert.Equal(t, "j3", jobs[0].ID)
				assert.Equal(t, "j2", jobs[1].ID)
				assert.Equal(t, "j1", jobs[2].ID)

				jobs, err = repo.ListJobs(ctx, 2)
				require.NoError(t, err)
				require.Len(t, jobs, 2)
				assert.Equal(t, "j3", jobs[0].ID)
				assert.Equal(t, "j2", jobs[1].ID)
			},
		},

		"Listing an empty repository should return no jobs.": {
			actions: func(ctx context.Context, t *testing.T, repo storage.JobRepository) {
				jobs, err := repo.ListJobs(ctx, 10)
				require.NoError(t, err)
				assert.Empty(t, jobs)
			},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			test.actions(context.Background(), t, newRepo(t))
		})
	}
}
