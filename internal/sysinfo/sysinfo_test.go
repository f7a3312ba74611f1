package sysinfo_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omrkit/omr/internal/model"
	"github.com/omrkit/omr/internal/sysinfo"
)

func TestHostSampler(t *testing.T) {
	stats, err := sysinfo.HostSampler{}.Sample(context.Background())
	require.NoError(t, err)

	assert.Positive(t, stats.NumGoroutine)
	assert.Positive(t, stats.CPUCores)
	assert.Positive(t, stats.SysBytes)
	assert.Positive(t, stats.TotalRAMBytes)
	assert.GreaterOrEqual(t, stats.UsedRAMPercent, 0.0)
	assert.LessOrEqual(t, stats.UsedRAMPercent, 100.0)
}

func TestMemoryUsedPercent(t *testing.T) {
	p, err := sysinfo.MemoryUsedPercent(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, p, 0.0)
	assert.LessOrEqual(t, p, 100.0)
}

func TestSamplerFunc(t *testing.T) {
	var s sysinfo.Sampler = sysinfo.SamplerFunc(func(context.Context) (model.SystemStats, error) {
		return model.SystemStats{CPUCores: 3}, nil
	})

	stats, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.CPUCores)
}
