package model

import "time"

// JobStatus represents the state of a dispatched job.
type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

// JobRecord is the journal entry of a dispatched job.
type JobRecord struct {
	ID         string
	TaskID     string
	Command    Command
	WorkerID   string
	SessionID  string
	Status     JobStatus
	Error      string
	CreatedAt  time.Time
	FinishedAt *time.Time
}
