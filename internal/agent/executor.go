package agent

import (
	"context"
	"encoding/json"

	"github.com/omrkit/omr/internal/model"
)

// File is a binary file exchanged with the broker.
type File struct {
	ID   string
	Data []byte
}

// Job is a job received from the broker with all its files.
type Job struct {
	TaskID  string
	Command model.Command
	// Params is the raw command payload as sent by the broker.
	Params json.RawMessage
	Files  []File
}

// Result is the outcome of an executed job.
type Result struct {
	// Data is the structured payload, it must encode to a JSON object.
	Data any
	// Files are streamed back to the broker before the completion.
	Files []File
}

// Executor runs the jobs received by the agent.
type Executor interface {
	Execute(ctx context.Context, job Job, progress func(message string)) (*Result, error)
}

// ExecutorFunc is a helper to use functions as Executor.
type ExecutorFunc func(ctx context.Context, job Job, progress func(message string)) (*Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, job Job, progress func(message string)) (*Result, error) {
	return f(ctx, job, progress)
}

// EchoExecutor returns the received files unchanged. It's useful to check the
// whole pipeline without image processing.
type EchoExecutor struct{}

func (EchoExecutor) Execute(ctx context.Context, job Job, progress func(message string)) (*Result, error) {
	progress("Echoing files")

	ids := make([]string, 0, len(job.Files))
	for _, f := range job.Files {
		ids = append(ids, f.ID)
	}

	return &Result{
		Data: map[string]any{
			"command":  job.Command,
			"file_ids": ids,
		},
		Files: job.Files,
	}, nil
}
