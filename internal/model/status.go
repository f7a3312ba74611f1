package model

import "time"

// WorkerInfo is a point in time view of a connected worker.
type WorkerInfo struct {
	ID         string
	Version    string
	RemoteAddr string
	ActiveJobs int
	OpenTasks  int

	// DroppedMessages counts the task messages received for unknown tasks.
	DroppedMessages int64
	ConnectedAt     time.Time
	LastHeartbeat   time.Time
}

// SystemStats are the resource stats of the broker process and its host.
type SystemStats struct {
	NumGoroutine    int
	HeapAllocBytes  uint64
	SysBytes        uint64
	TotalRAMBytes   uint64
	AvailableRAM    uint64
	UsedRAMPercent  float64
	CPUCores        int
	CPUUsagePercent float64
}

// BrokerStatus is the monitoring snapshot of a broker.
type BrokerStatus struct {
	Timestamp time.Time
	Workers   []WorkerInfo
	Sessions  int
	System    SystemStats
}
