package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/omrkit/omr/internal/log"
	"github.com/omrkit/omr/internal/model"
	"github.com/omrkit/omr/internal/storage/sqlite/migrations"
)

// RepositoryConfig is the configuration for the SQLite repository.
type RepositoryConfig struct {
	DBPath string
	Logger log.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.DBPath == "" {
		return fmt.Errorf("db path is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.SQLite"})
	return nil
}

// Repository is a SQLite implementation of storage.JobRepository.
type Repository struct {
	db     *sql.DB
	logger log.Logger
}

// NewRepository opens the database and applies the pending migrations.
func NewRepository(ctx context.Context, cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	dir := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("could not create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	migrator, err := migrations.NewMigrator(db, cfg.Logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create migrator: %w", err)
	}
	if err := migrator.Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not run migrations: %w", err)
	}

	cfg.Logger.Debugf("SQLite repository initialized at %s", cfg.DBPath)

	return &Repository{db: db, logger: cfg.Logger}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error { return r.db.Close() }

// CreateJob stores a new job record.
func (r *Repository) CreateJob(ctx context.Context, j model.JobRecord) error {
	if j.ID == "" || j.TaskID == "" {
		return fmt.Errorf("job id and task id are required: %w", model.ErrNotValid)
	}

	query := `
		INSERT INTO jobs (
			id, task_id, command,
			worker_id, session_id,
			status, error,
			created_at, finished_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(
		ctx,
		query,
		j.ID,
		j.TaskID,
		j.Command,
		j.WorkerID,
		j.SessionID,
		j.Status,
		j.Error,
		j.CreatedAt.UnixMilli(),
		unixMilliOrNil(j.FinishedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: jobs.") {
			return fmt.Errorf("job %s: %w", j.ID, model.ErrAlreadyExists)
		}
		return fmt.Errorf("could not insert job: %w", err)
	}

	r.logger.Debugf("Created job in repository: %s (task %s)", j.ID, j.TaskID)
	return nil
}

// GetJob returns the most recent record of a task.
func (r *Repository) GetJob(ctx context.Context, taskID string) (*model.JobRecord, error) {
	query := `
		SELECT
			id, task_id, command,
			worker_id, session_id,
			status, error,
			created_at, finished_at
		FROM jobs
		WHERE task_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`

	j, err := scanRow(r.db.QueryRowContext(ctx, query, taskID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job of task %s: %w", taskID, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query job: %w", err)
	}

	return &j, nil
}

// CompleteJob marks a job as done.
func (r *Repository) CompleteJob(ctx context.Context, id string) error {
	return r.finish(ctx, id, model.JobStatusDone, "")
}

// FailJob marks a job as failed with an error message.
func (r *Repository) FailJob(ctx context.Context, id string, jobErr error) error {
	errMsg := ""
	if jobErr != nil {
		errMsg = jobErr.Error()
	}
	return r.finish(ctx, id, model.JobStatusFailed, errMsg)
}

func (r *Repository) finish(ctx context.Context, id string, status model.JobStatus, errMsg string) error {
	query := `UPDATE jobs SET status = ?, error = ?, finished_at = ? WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query, status, errMsg, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("could not update job: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("job %s: %w", id, model.ErrNotFound)
	}

	r.logger.Debugf("Finished job %s: %s", id, status)
	return nil
}

// ListJobs returns the most recent job records first.
func (r *Repository) ListJobs(ctx context.Context, limit int) ([]model.JobRecord, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit.
	}

	query := `
		SELECT
			id, task_id, command,
			worker_id, session_id,
			status, error,
			created_at, finished_at
		FROM jobs
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("could not query jobs: %w", err)
	}
	defer rows.Close()

	jobs := []model.JobRecord{}
	for rows.Next() {
		j, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("could not iterate jobs: %w", err)
	}

	return jobs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(s scanner) (model.JobRecord, error) {
	var j model.JobRecord
	var createdAt int64
	var finishedAt sql.NullInt64

	err := s.Scan(
		&j.ID,
		&j.TaskID,
		&j.Command,
		&j.WorkerID,
		&j.SessionID,
		&j.Status,
		&j.Error,
		&createdAt,
		&finishedAt,
	)
	if err != nil {
		return model.JobRecord{}, err
	}

	j.CreatedAt = time.UnixMilli(createdAt).UTC()
	if finishedAt.Valid {
		t := time.UnixMilli(finishedAt.Int64).UTC()
		j.FinishedAt = &t
	}

	return j, nil
}

func unixMilliOrNil(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	u := t.UnixMilli()
	return &u
}
