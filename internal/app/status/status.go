package status

import (
	"context"
	"fmt"
	"time"

	"github.com/omrkit/omr/internal/broker"
	"github.com/omrkit/omr/internal/log"
	"github.com/omrkit/omr/internal/model"
	"github.com/omrkit/omr/internal/sysinfo"
)

// WorkerLister returns the connected workers.
type WorkerLister interface {
	Workers() []*broker.Worker
}

// SessionCounter returns the number of registered frontend sessions.
type SessionCounter interface {
	Len() int
}

// ServiceConfig is the configuration for the status service.
type ServiceConfig struct {
	Workers  WorkerLister
	Sessions SessionCounter
	Sampler  sysinfo.Sampler
	Logger   log.Logger
	// TimeNow is used to timestamp the snapshots, defaults to time.Now.
	TimeNow func() time.Time
}

func (c *ServiceConfig) defaults() error {
	if c.Workers == nil {
		return fmt.Errorf("workers is required")
	}
	if c.Sessions == nil {
		return fmt.Errorf("sessions is required")
	}
	if c.Sampler == nil {
		c.Sampler = sysinfo.HostSampler{}
	}
	if c.TimeNow == nil {
		c.TimeNow = time.Now
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Status"})

	return nil
}

// Service returns the monitoring snapshot of the broker.
type Service struct {
	workers  WorkerLister
	sessions SessionCounter
	sampler  sysinfo.Sampler
	timeNow  func() time.Time
	logger   log.Logger
}

// NewService creates a new status service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		workers:  cfg.Workers,
		sessions: cfg.Sessions,
		sampler:  cfg.Sampler,
		timeNow:  cfg.TimeNow,
		logger:   cfg.Logger,
	}, nil
}

// Run returns the current broker status. System stats are best effort.
func (s *Service) Run(ctx context.Context) (*model.BrokerStatus, error) {
	workers := s.workers.Workers()
	infos := make([]model.WorkerInfo, 0, len(workers))
	for _, w := range workers {
		infos = append(infos, w.Info())
	}

	stats, err := s.sampler.Sample(ctx)
	if err != nil {
		s.logger.Warningf("Could not sample system stats: %s", err)
	}

	return &model.BrokerStatus{
		Timestamp: s.timeNow().UTC(),
		Workers:   infos,
		Sessions:  s.sessions.Len(),
		System:    stats,
	}, nil
}
