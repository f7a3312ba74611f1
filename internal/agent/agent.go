// Package agent is the worker side of the broker protocol: it connects to a
// broker, receives jobs with their files and runs them on an Executor.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/omrkit/omr/internal/log"
	"github.com/omrkit/omr/internal/protocol"
	"github.com/omrkit/omr/internal/sysinfo"
	"github.com/omrkit/omr/internal/transfer"
)

const (
	DefaultReconnectInterval = 5 * time.Second
	DefaultMemoryThreshold   = 90.0
	DefaultMonitorInterval   = 5 * time.Second
)

// ErrMemoryExhausted is reported to the broker when a job is refused because
// the host memory is over the threshold.
var ErrMemoryExhausted = errors.New("memory usage over threshold")

// AgentConfig is the configuration of the worker agent.
type AgentConfig struct {
	// BrokerURL is the broker socket URL, http(s) schemes are converted to ws(s).
	BrokerURL string
	// Version is announced in the handshake, it can't have dashes.
	Version  string
	ID       string
	Executor Executor
	// ChunkSize of the files sent back to the broker.
	ChunkSize         int
	ReconnectInterval time.Duration
	// MemoryThreshold is the used host memory percentage over which jobs are refused.
	MemoryThreshold float64
	MonitorInterval time.Duration
	MemoryUsage     func(ctx context.Context) (float64, error)
	Dialer          *websocket.Dialer
	Logger          log.Logger
}

func (c *AgentConfig) defaults() error {
	if c.BrokerURL == "" {
		return fmt.Errorf("broker url is required")
	}
	u, err := brokerSocketURL(c.BrokerURL)
	if err != nil {
		return err
	}
	c.BrokerURL = u

	if c.Version == "" {
		c.Version = "dev"
	}
	if strings.Contains(c.Version, "-") {
		return fmt.Errorf("version can't have dashes")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Executor == nil {
		return fmt.Errorf("executor is required")
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = transfer.DefaultChunkSize
	}
	if c.ChunkSize < 0 {
		return fmt.Errorf("chunk size can't be negative")
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.MemoryThreshold == 0 {
		c.MemoryThreshold = DefaultMemoryThreshold
	}
	if c.MemoryThreshold < 0 || c.MemoryThreshold > 100 {
		return fmt.Errorf("memory threshold must be a percentage")
	}
	if c.MonitorInterval == 0 {
		c.MonitorInterval = DefaultMonitorInterval
	}
	if c.MemoryUsage == nil {
		c.MemoryUsage = sysinfo.MemoryUsedPercent
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "agent.Agent", "worker-id": c.ID})

	return nil
}

func brokerSocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid broker url: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported broker url scheme %q", u.Scheme)
	}
	if u.Path == "" {
		u.Path = "/"
	}

	return u.String(), nil
}

// Agent is a worker connected to a broker.
type Agent struct {
	brokerURL         string
	id                string
	executor          Executor
	chunkSize         int
	reconnectInterval time.Duration
	memoryThreshold   float64
	monitorInterval   time.Duration
	memoryUsage       func(ctx context.Context) (float64, error)
	dialer            *websocket.Dialer
	logger            log.Logger
}

// NewAgent returns a new worker agent.
func NewAgent(cfg AgentConfig) (*Agent, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	dialer := *cfg.Dialer
	dialer.Subprotocols = []string{protocol.WorkerToken(cfg.Version, cfg.ID)}

	return &Agent{
		brokerURL:         cfg.BrokerURL,
		id:                cfg.ID,
		executor:          cfg.Executor,
		chunkSize:         cfg.ChunkSize,
		reconnectInterval: cfg.ReconnectInterval,
		memoryThreshold:   cfg.MemoryThreshold,
		monitorInterval:   cfg.MonitorInterval,
		memoryUsage:       cfg.MemoryUsage,
		dialer:            &dialer,
		logger:            cfg.Logger,
	}, nil
}

// ID returns the worker ID announced to the broker.
func (a *Agent) ID() string { return a.id }

// Run connects to the broker and serves jobs until ctx is done, the
// connection is retried on failure.
func (a *Agent) Run(ctx context.Context) error {
	for {
		err := a.connect(ctx)
		if ctx.Err() != nil {
			return nil
		}
		a.logger.Warningf("Connection with broker lost: %s, retrying in %s", err, a.reconnectInterval)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(a.reconnectInterval):
		}
	}
}

func (a *Agent) connect(ctx context.Context) error {
	ws, _, err := a.dialer.DialContext(ctx, a.brokerURL, nil)
	if err != nil {
		return fmt.Errorf("could not connect to %s: %w", a.brokerURL, err)
	}
	a.logger.Infof("Connected to broker %s", a.brokerURL)

	s := newSession(ws, a)
	return s.serve(ctx)
}

// MonitorMemory samples the host memory until ctx is done and warns when the
// usage is over the threshold.
func (a *Agent) MonitorMemory(ctx context.Context) error {
	ticker := time.NewTicker(a.monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		used, err := a.memoryUsage(ctx)
		if err != nil {
			a.logger.Errorf("Could not sample memory: %s", err)
			continue
		}
		if used > a.memoryThreshold {
			a.logger.Warningf("Memory usage %.1f%% is over the %.1f%% threshold, new jobs are refused", used, a.memoryThreshold)
			continue
		}
		a.logger.Debugf("Memory usage %.1f%%", used)
	}
}

// checkMemory returns ErrMemoryExhausted when the host can't take more jobs.
func (a *Agent) checkMemory(ctx context.Context) error {
	used, err := a.memoryUsage(ctx)
	if err != nil {
		// Unknown usage doesn't block the jobs.
		a.logger.Errorf("Could not sample memory: %s", err)
		return nil
	}
	if used > a.memoryThreshold {
		return fmt.Errorf("%.1f%% used: %w", used, ErrMemoryExhausted)
	}
	return nil
}
