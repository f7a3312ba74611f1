// Package sysinfo samples the resource usage of the current process and its host.
package sysinfo

import (
	"context"
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/omrkit/omr/internal/model"
)

// Sampler returns the current system stats.
type Sampler interface {
	Sample(ctx context.Context) (model.SystemStats, error)
}

// SamplerFunc is a helper to use functions as Sampler.
type SamplerFunc func(ctx context.Context) (model.SystemStats, error)

func (f SamplerFunc) Sample(ctx context.Context) (model.SystemStats, error) { return f(ctx) }

// HostSampler samples the process runtime and the host memory and CPU.
type HostSampler struct{}

// Sample returns the process stats, host stats are best effort: when they can't be
// read the process stats are returned together with the error.
func (HostSampler) Sample(ctx context.Context) (model.SystemStats, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	stats := model.SystemStats{
		NumGoroutine:   runtime.NumGoroutine(),
		HeapAllocBytes: ms.HeapAlloc,
		SysBytes:       ms.Sys,
		CPUCores:       runtime.NumCPU(),
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return stats, fmt.Errorf("could not read host memory: %w", err)
	}
	stats.TotalRAMBytes = vm.Total
	stats.AvailableRAM = vm.Available
	stats.UsedRAMPercent = vm.UsedPercent

	// Non blocking, compares against the previous call.
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return stats, fmt.Errorf("could not read host cpu: %w", err)
	}
	if len(percents) > 0 {
		stats.CPUUsagePercent = percents[0]
	}

	return stats, nil
}

// MemoryUsedPercent returns the percentage of host memory in use.
func MemoryUsedPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("could not read host memory: %w", err)
	}
	return vm.UsedPercent, nil
}
