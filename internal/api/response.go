package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/omrkit/omr/internal/model"
	"github.com/omrkit/omr/internal/protocol"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// JobResultResponse is the body of a completed job, data has the worker
// payload fields plus the returned files (base64) under "files".
type JobResultResponse struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

type WorkerResponse struct {
	ID              string    `json:"id"`
	Version         string    `json:"version"`
	RemoteAddr      string    `json:"remote_addr"`
	ActiveJobs      int       `json:"active_jobs"`
	OpenTasks       int       `json:"open_tasks"`
	DroppedMessages int64     `json:"dropped_messages"`
	ConnectedAt     time.Time `json:"connected_at"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
}

type SystemResponse struct {
	NumGoroutine    int     `json:"num_goroutine"`
	HeapAllocBytes  uint64  `json:"heap_alloc_bytes"`
	SysBytes        uint64  `json:"sys_bytes"`
	TotalRAMBytes   uint64  `json:"total_ram_bytes"`
	AvailableRAM    uint64  `json:"available_ram_bytes"`
	UsedRAMPercent  float64 `json:"used_ram_percent"`
	CPUCores        int     `json:"cpu_cores"`
	CPUUsagePercent float64 `json:"cpu_usage_percent"`
}

// StatusResponse is the body of the status endpoint.
type StatusResponse struct {
	Timestamp time.Time        `json:"timestamp"`
	Workers   []WorkerResponse `json:"workers"`
	Sessions  int              `json:"sessions"`
	System    SystemResponse   `json:"system"`
}

type JobResponse struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"task_id"`
	Command    string     `json:"command"`
	WorkerID   string     `json:"worker_id"`
	SessionID  string     `json:"session_id,omitempty"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type ListJobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

func mapStatusToResponse(s model.BrokerStatus) StatusResponse {
	workers := make([]WorkerResponse, 0, len(s.Workers))
	for _, w := range s.Workers {
		workers = append(workers, WorkerResponse{
			ID:              w.ID,
			Version:         w.Version,
			RemoteAddr:      w.RemoteAddr,
			ActiveJobs:      w.ActiveJobs,
			OpenTasks:       w.OpenTasks,
			DroppedMessages: w.DroppedMessages,
			ConnectedAt:     w.ConnectedAt,
			LastHeartbeat:   w.LastHeartbeat,
		})
	}

	return StatusResponse{
		Timestamp: s.Timestamp,
		Workers:   workers,
		Sessions:  s.Sessions,
		System: SystemResponse{
			NumGoroutine:    s.System.NumGoroutine,
			HeapAllocBytes:  s.System.HeapAllocBytes,
			SysBytes:        s.System.SysBytes,
			TotalRAMBytes:   s.System.TotalRAMBytes,
			AvailableRAM:    s.System.AvailableRAM,
			UsedRAMPercent:  s.System.UsedRAMPercent,
			CPUCores:        s.System.CPUCores,
			CPUUsagePercent: s.System.CPUUsagePercent,
		},
	}
}

func mapResponseToStatus(r StatusResponse) model.BrokerStatus {
	workers := make([]model.WorkerInfo, 0, len(r.Workers))
	for _, w := range r.Workers {
		workers = append(workers, model.WorkerInfo{
			ID:              w.ID,
			Version:         w.Version,
			RemoteAddr:      w.RemoteAddr,
			ActiveJobs:      w.ActiveJobs,
			OpenTasks:       w.OpenTasks,
			DroppedMessages: w.DroppedMessages,
			ConnectedAt:     w.ConnectedAt,
			LastHeartbeat:   w.LastHeartbeat,
		})
	}

	return model.BrokerStatus{
		Timestamp: r.Timestamp,
		Workers:   workers,
		Sessions:  r.Sessions,
		System: model.SystemStats{
			NumGoroutine:    r.System.NumGoroutine,
			HeapAllocBytes:  r.System.HeapAllocBytes,
			SysBytes:        r.System.SysBytes,
			TotalRAMBytes:   r.System.TotalRAMBytes,
			AvailableRAM:    r.System.AvailableRAM,
			UsedRAMPercent:  r.System.UsedRAMPercent,
			CPUCores:        r.System.CPUCores,
			CPUUsagePercent: r.System.CPUUsagePercent,
		},
	}
}

func mapJobToResponse(j model.JobRecord) JobResponse {
	return JobResponse{
		ID:         j.ID,
		TaskID:     j.TaskID,
		Command:    string(j.Command),
		WorkerID:   j.WorkerID,
		SessionID:  j.SessionID,
		Status:     string(j.Status),
		Error:      j.Error,
		CreatedAt:  j.CreatedAt,
		FinishedAt: j.FinishedAt,
	}
}

func mapResponseToJob(r JobResponse) model.JobRecord {
	return model.JobRecord{
		ID:         r.ID,
		TaskID:     r.TaskID,
		Command:    model.Command(r.Command),
		WorkerID:   r.WorkerID,
		SessionID:  r.SessionID,
		Status:     model.JobStatus(r.Status),
		Error:      r.Error,
		CreatedAt:  r.CreatedAt,
		FinishedAt: r.FinishedAt,
	}
}

// resultData merges the worker payload with the returned files.
func resultData(res *model.JobResult) (json.RawMessage, error) {
	files := map[string]any{"files": res.Files}

	var payload any
	if len(res.Data) > 0 {
		payload = json.RawMessage(res.Data)
	}

	data, err := protocol.MergeObjects(payload, files)
	if err != nil {
		// Not an object, keep it apart.
		return json.Marshal(map[string]any{"result": json.RawMessage(res.Data), "files": res.Files})
	}
	return data, nil
}

func errorStatusCode(err error) int {
	var wErr *model.WorkerReportedError
	switch {
	case errors.Is(err, model.ErrNoWorkersAvailable), errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrNotValid):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrDuplicateTask):
		return http.StatusConflict
	case errors.As(err, &wErr):
		return http.StatusInternalServerError
	case errors.Is(err, model.ErrWorkerDisconnected):
		return http.StatusBadGateway
	case errors.Is(err, model.ErrDispatchTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}

	var mbErr *http.MaxBytesError
	if errors.As(err, &mbErr) {
		return http.StatusRequestEntityTooLarge
	}

	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	msg := err.Error()
	// Worker errors are passed through verbatim.
	var wErr *model.WorkerReportedError
	if errors.As(err, &wErr) {
		msg = wErr.Message
	}

	c.JSON(errorStatusCode(err), ErrorResponse{Status: string(protocol.StatusError), Error: msg})
}
