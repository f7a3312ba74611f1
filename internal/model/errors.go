package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a resource is not found.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a resource already exists.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotValid is returned when a resource is not valid.
	ErrNotValid = errors.New("not valid")

	// ErrNoWorkersAvailable is returned when a job is dispatched and no worker is connected.
	ErrNoWorkersAvailable = errors.New("no workers available")
	// ErrDuplicateTask is returned when a task id is already in flight on the selected worker.
	ErrDuplicateTask = errors.New("duplicate task")
	// ErrWorkerDisconnected is delivered to every task of a worker that dropped or stopped answering heartbeats.
	ErrWorkerDisconnected = errors.New("worker disconnected")
	// ErrTransferCorruption is used when a message arrives for an unknown or already closed task.
	ErrTransferCorruption = errors.New("transfer corruption")
	// ErrDispatchTimeout is returned when a job exceeds the configured dispatch timeout.
	ErrDispatchTimeout = errors.New("dispatch timeout")
)

// WorkerReportedError is the error a worker explicitly returned for a task.
type WorkerReportedError struct {
	TaskID  string
	Message string
}

func (e *WorkerReportedError) Error() string {
	return fmt.Sprintf("worker reported error on task %s: %s", e.TaskID, e.Message)
}
