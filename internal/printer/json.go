package printer

import (
	"encoding/json"
	"io"
	"time"

	"github.com/omrkit/omr/internal/model"
)

// JSONPrinter prints broker information in JSON format.
type JSONPrinter struct {
	writer io.Writer
}

// NewJSONPrinter creates a new JSON printer.
func NewJSONPrinter(w io.Writer) *JSONPrinter {
	return &JSONPrinter{writer: w}
}

type workerOutput struct {
	ID              string    `json:"id"`
	Version         string    `json:"version"`
	RemoteAddr      string    `json:"remote_addr"`
	ActiveJobs      int       `json:"active_jobs"`
	OpenTasks       int       `json:"open_tasks"`
	DroppedMessages int64     `json:"dropped_messages"`
	ConnectedAt     time.Time `json:"connected_at"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
}

type systemOutput struct {
	NumGoroutine    int     `json:"num_goroutine"`
	HeapAllocBytes  uint64  `json:"heap_alloc_bytes"`
	TotalRAMBytes   uint64  `json:"total_ram_bytes"`
	AvailableRAM    uint64  `json:"available_ram_bytes"`
	UsedRAMPercent  float64 `json:"used_ram_percent"`
	CPUCores        int     `json:"cpu_cores"`
	CPUUsagePercent float64 `json:"cpu_usage_percent"`
}

type statusOutput struct {
	Timestamp time.Time      `json:"timestamp"`
	Sessions  int            `json:"sessions"`
	Workers   []workerOutput `json:"workers"`
	System    systemOutput   `json:"system"`
}

type jobOutput struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"task_id"`
	Command    string     `json:"command"`
	WorkerID   string     `json:"worker_id"`
	SessionID  string     `json:"session_id,omitempty"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at"`
}

type messageOutput struct {
	Message string `json:"message"`
}

// PrintStatus prints the broker status in JSON format.
func (j *JSONPrinter) PrintStatus(status model.BrokerStatus) error {
	sys := status.System
	return j.encode(statusOutput{
		Timestamp: status.Timestamp.UTC(),
		Sessions:  status.Sessions,
		Workers:   mapWorkers(status.Workers),
		System: systemOutput{
			NumGoroutine:    sys.NumGoroutine,
			HeapAllocBytes:  sys.HeapAllocBytes,
			TotalRAMBytes:   sys.TotalRAMBytes,
			AvailableRAM:    sys.AvailableRAM,
			UsedRAMPercent:  sys.UsedRAMPercent,
			CPUCores:        sys.CPUCores,
			CPUUsagePercent: sys.CPUUsagePercent,
		},
	})
}

// PrintWorkers prints the connected workers in JSON format.
func (j *JSONPrinter) PrintWorkers(workers []model.WorkerInfo) error {
	return j.encode(mapWorkers(workers))
}

// PrintJobs prints journal records in JSON format.
func (j *JSONPrinter) PrintJobs(jobs []model.JobRecord) error {
	items := make([]jobOutput, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, mapJob(job))
	}
	return j.encode(items)
}

// PrintJob prints a journal record in JSON format.
func (j *JSONPrinter) PrintJob(job model.JobRecord) error {
	return j.encode(mapJob(job))
}

// PrintMessage prints a simple message in JSON format.
func (j *JSONPrinter) PrintMessage(msg string) error {
	return j.encode(messageOutput{Message: msg})
}

func (j *JSONPrinter) encode(v any) error {
	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func mapWorkers(workers []model.WorkerInfo) []workerOutput {
	items := make([]workerOutput, 0, len(workers))
	for _, w := range workers {
		items = append(items, workerOutput{
			ID:              w.ID,
			Version:         w.Version,
			RemoteAddr:      w.RemoteAddr,
			ActiveJobs:      w.ActiveJobs,
			OpenTasks:       w.OpenTasks,
			DroppedMessages: w.DroppedMessages,
			ConnectedAt:     w.ConnectedAt.UTC(),
			LastHeartbeat:   w.LastHeartbeat.UTC(),
		})
	}
	return items
}

func mapJob(j model.JobRecord) jobOutput {
	out := jobOutput{
		ID:        j.ID,
		TaskID:    j.TaskID,
		Command:   string(j.Command),
		WorkerID:  j.WorkerID,
		SessionID: j.SessionID,
		Status:    string(j.Status),
		Error:     j.Error,
		CreatedAt: j.CreatedAt.UTC(),
	}
	if j.FinishedAt != nil {
		utcTime := j.FinishedAt.UTC()
		out.FinishedAt = &utcTime
	}
	return out
}
