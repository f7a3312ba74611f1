package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/omrkit/omr/internal/broker"
	"github.com/omrkit/omr/internal/correlation"
	"github.com/omrkit/omr/internal/log"
	"github.com/omrkit/omr/internal/model"
	"github.com/omrkit/omr/internal/protocol"
	"github.com/omrkit/omr/internal/storage"
	"github.com/omrkit/omr/internal/transfer"
)

// SendingJobMessage is the progress message sent to the frontend before the job is transmitted.
const SendingJobMessage = "Sending job to processing server..."

// WorkerLister returns the workers that can receive jobs.
type WorkerLister interface {
	Workers() []*broker.Worker
}

// ProgressNotifier forwards task progress to a frontend session.
type ProgressNotifier interface {
	NotifyProgress(sessionID, taskID, message string) bool
}

type noopProgressNotifier struct{}

func (noopProgressNotifier) NotifyProgress(string, string, string) bool { return false }

// ServiceConfig is the configuration for the dispatch service.
type ServiceConfig struct {
	Workers    WorkerLister
	Notifier   ProgressNotifier
	Repository storage.JobRepository
	Selection  model.SelectionPolicy
	ChunkSize  int
	// Timeout of 0 means no dispatch deadline.
	Timeout time.Duration
	Logger  log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Workers == nil {
		return fmt.Errorf("workers is required")
	}
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Notifier == nil {
		c.Notifier = noopProgressNotifier{}
	}

	switch c.Selection {
	case "":
		c.Selection = model.SelectionRandom
	case model.SelectionRandom, model.SelectionLeastLoaded:
	default:
		return fmt.Errorf("unknown selection policy %q", c.Selection)
	}

	if c.ChunkSize == 0 {
		c.ChunkSize = transfer.DefaultChunkSize
	}
	if c.ChunkSize < 0 {
		return fmt.Errorf("chunk size can't be negative")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout can't be negative")
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Dispatch"})

	return nil
}

// Service sends jobs to the workers and waits for their results.
type Service struct {
	workers   WorkerLister
	notifier  ProgressNotifier
	repo      storage.JobRepository
	selection model.SelectionPolicy
	chunkSize int
	timeout   time.Duration
	logger    log.Logger
}

// NewService creates a new dispatch service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		workers:   cfg.Workers,
		notifier:  cfg.Notifier,
		repo:      cfg.Repository,
		selection: cfg.Selection,
		chunkSize: cfg.ChunkSize,
		timeout:   cfg.Timeout,
		logger:    cfg.Logger,
	}, nil
}

// Dispatch sends the job to a worker and blocks until the worker resolves it,
// the worker is lost or ctx is done.
func (s *Service) Dispatch(ctx context.Context, job model.Job) (*model.JobResult, error) {
	if err := job.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job: %w", err)
	}

	w, err := s.pickWorker()
	if err != nil {
		return nil, err
	}

	taskID := job.TaskID
	if taskID == "" {
		taskID = ulid.Make().String()
	}
	logger := s.logger.WithValues(log.Kv{"task-id": taskID, "worker-id": w.ID()})

	inbox, err := w.OpenTask(taskID, func(message string) {
		s.notifier.NotifyProgress(job.SessionID, taskID, message)
	})
	if err != nil {
		return nil, fmt.Errorf("could not open task %s on worker %s: %w", taskID, w.ID(), err)
	}
	defer w.CloseTask(taskID)

	release := w.StartJob()
	defer release()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	jobID := s.journalCreate(ctx, logger, taskID, w.ID(), job)

	logger.Infof("Dispatching %s job with %d attachments", job.Params.Command(), len(job.Attachments))
	start := time.Now()

	res, err := s.dispatch(ctx, w, inbox, taskID, job)
	if err != nil && s.timeout > 0 && errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("task %s exceeded %s: %w", taskID, s.timeout, model.ErrDispatchTimeout)
	}

	s.journalFinish(ctx, logger, jobID, err)

	if err != nil {
		logger.Warningf("Job failed after %s: %s", time.Since(start).Truncate(time.Millisecond), err)
		return nil, err
	}

	logger.Infof("Job completed in %s with %d files", time.Since(start).Truncate(time.Millisecond), len(res.Files))
	return res, nil
}

func (s *Service) dispatch(ctx context.Context, w *broker.Worker, inbox *correlation.Inbox, taskID string, job model.Job) (*model.JobResult, error) {
	s.notifier.NotifyProgress(job.SessionID, taskID, SendingJobMessage)

	if err := s.send(ctx, w, taskID, job); err != nil {
		return nil, err
	}

	return s.await(ctx, w, inbox, taskID)
}

// send transmits the job command followed by every attachment in chunks.
func (s *Service) send(ctx context.Context, w *broker.Worker, taskID string, job model.Job) error {
	fileIDs := make([]string, 0, len(job.Attachments))
	for range job.Attachments {
		fileIDs = append(fileIDs, ulid.Make().String())
	}

	data, err := protocol.MergeObjects(job.Params, protocol.JobRef{
		TaskID:    taskID,
		FileIDs:   fileIDs,
		SessionID: job.SessionID,
	})
	if err != nil {
		return fmt.Errorf("could not encode job: %w", err)
	}

	cmd := protocol.Message{Command: protocol.Command(job.Params.Command()), Data: data}
	if err := w.Send(cmd); err != nil {
		return err
	}

	for i, a := range job.Attachments {
		for c := range transfer.Split(a.Data, s.chunkSize) {
			if err := ctx.Err(); err != nil {
				return err
			}

			status := protocol.StatusSendingChunk
			if c.Final {
				status = protocol.StatusFinalChunk
			}
			msg, err := protocol.NewStatus(status, protocol.Chunk{TaskID: taskID, FileID: fileIDs[i], Chunk: c.Data})
			if err != nil {
				return err
			}
			if err := w.Send(msg); err != nil {
				return err
			}
		}
	}

	return nil
}

// await drains the task inbox until the worker resolves the task.
func (s *Service) await(ctx context.Context, w *broker.Worker, inbox *correlation.Inbox, taskID string) (*model.JobResult, error) {
	asm := transfer.NewAssembler()
	defer asm.Discard()
	files := map[string][]byte{}

	for {
		msg, err := inbox.Next(ctx)
		if err != nil {
			return nil, err
		}

		switch msg.Status {
		case protocol.StatusSendingChunk, protocol.StatusFinalChunk:
			var c protocol.Chunk
			if err := msg.DecodeData(&c); err != nil {
				return nil, fmt.Errorf("invalid chunk of task %s: %w", taskID, err)
			}
			if payload, ok := asm.Add(c.FileID, c.Chunk, msg.Status == protocol.StatusFinalChunk); ok {
				files[c.FileID] = payload
			}

		case protocol.StatusError:
			return nil, &model.WorkerReportedError{TaskID: taskID, Message: failureMessage(msg)}

		case protocol.StatusCompletedTask:
			return &model.JobResult{
				TaskID:   taskID,
				WorkerID: w.ID(),
				Data:     msg.Data,
				Files:    files,
			}, nil
		}
	}
}

// failureMessage returns the error reported by the worker, the payload can be
// a failure object or a bare string.
func failureMessage(msg protocol.Message) string {
	var f protocol.Failure
	if err := json.Unmarshal(msg.Data, &f); err == nil && f.Error != "" {
		return f.Error
	}

	var s string
	if err := json.Unmarshal(msg.Data, &s); err == nil && s != "" {
		return s
	}

	return string(msg.Data)
}

func (s *Service) pickWorker() (*broker.Worker, error) {
	workers := s.workers.Workers()
	if len(workers) == 0 {
		return nil, model.ErrNoWorkersAvailable
	}

	if s.selection != model.SelectionLeastLoaded {
		return workers[rand.IntN(len(workers))], nil
	}

	var candidates []*broker.Worker
	least := -1
	for _, w := range workers {
		switch n := w.ActiveJobs(); {
		case least < 0 || n < least:
			least = n
			candidates = append(candidates[:0], w)
		case n == least:
			candidates = append(candidates, w)
		}
	}

	return candidates[rand.IntN(len(candidates))], nil
}

func (s *Service) journalCreate(ctx context.Context, logger log.Logger, taskID, workerID string, job model.Job) string {
	r := model.JobRecord{
		ID:        ulid.Make().String(),
		TaskID:    taskID,
		Command:   job.Params.Command(),
		WorkerID:  workerID,
		SessionID: job.SessionID,
		Status:    model.JobStatusPending,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.repo.CreateJob(ctx, r); err != nil {
		logger.Errorf("Could not record job: %s", err)
		return ""
	}

	return r.ID
}

func (s *Service) journalFinish(ctx context.Context, logger log.Logger, jobID string, jobErr error) {
	if jobID == "" {
		return
	}

	ctx = context.WithoutCancel(ctx)

	var err error
	if jobErr != nil {
		err = s.repo.FailJob(ctx, jobID, jobErr)
	} else {
		err = s.repo.CompleteJob(ctx, jobID)
	}
	if err != nil {
		logger.Errorf("Could not record job resolution: %s", err)
	}
}
