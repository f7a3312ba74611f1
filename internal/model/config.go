package model

import (
	"fmt"
	"time"
)

// SelectionPolicy is how the dispatcher picks a worker for a job.
type SelectionPolicy string

const (
	// SelectionRandom picks a uniformly random connected worker.
	SelectionRandom SelectionPolicy = "random"
	// SelectionLeastLoaded picks the worker with less active jobs, ties broken randomly.
	SelectionLeastLoaded SelectionPolicy = "least-loaded"
)

// JournalKind is the backend used to record dispatched jobs.
type JournalKind string

const (
	JournalMemory JournalKind = "memory"
	JournalSQLite JournalKind = "sqlite"
)

const (
	DefaultListenAddr        = ":8080"
	DefaultHeartbeatInterval = 20 * time.Second
	DefaultHeartbeatTimeout  = 120 * time.Second
	DefaultChunkSize         = 200 * 1024
	// DefaultWriteTimeout bounds every socket write to a worker or a frontend.
	DefaultWriteTimeout = 10 * time.Second
)

// BrokerConfig is the runtime configuration of the broker.
type BrokerConfig struct {
	ListenAddr        string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ChunkSize         int
	Selection         SelectionPolicy
	// DispatchTimeout of 0 disables the timeout, jobs wait until the worker resolves them or drops.
	DispatchTimeout time.Duration
	Journal         JournalKind
	DBPath          string
}

// Defaults fills the unset fields with the default values.
func (c *BrokerConfig) Defaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.Selection == "" {
		c.Selection = SelectionRandom
	}
	if c.Journal == "" {
		c.Journal = JournalMemory
	}
}

// Validate validates the broker configuration.
func (c *BrokerConfig) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive: %w", ErrNotValid)
	}
	if c.HeartbeatTimeout < c.HeartbeatInterval {
		return fmt.Errorf("heartbeat timeout can't be lower than the interval: %w", ErrNotValid)
	}
	if c.ChunkSize < 1 {
		return fmt.Errorf("chunk size must be positive: %w", ErrNotValid)
	}
	if c.DispatchTimeout < 0 {
		return fmt.Errorf("dispatch timeout can't be negative: %w", ErrNotValid)
	}

	switch c.Selection {
	case SelectionRandom, SelectionLeastLoaded:
	default:
		return fmt.Errorf("unknown selection policy %q: %w", c.Selection, ErrNotValid)
	}

	switch c.Journal {
	case JournalMemory:
	case JournalSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("db path is required for sqlite journal: %w", ErrNotValid)
		}
	default:
		return fmt.Errorf("unknown journal %q: %w", c.Journal, ErrNotValid)
	}

	return nil
}
