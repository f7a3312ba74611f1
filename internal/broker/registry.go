package broker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/omrkit/omr/internal/log"
	"github.com/omrkit/omr/internal/model"
)

// WorkerCountNotifier is notified every time the number of workers changes.
type WorkerCountNotifier interface {
	BroadcastWorkerCount(count int)
}

type noopWorkerCountNotifier struct{}

func (noopWorkerCountNotifier) BroadcastWorkerCount(int) {}

// RegistryConfig is the configuration of the worker registry.
type RegistryConfig struct {
	Notifier          WorkerCountNotifier
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	Logger            log.Logger
}

func (c *RegistryConfig) defaults() error {
	if c.Notifier == nil {
		c.Notifier = noopWorkerCountNotifier{}
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = model.DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = model.DefaultHeartbeatTimeout
	}
	if c.HeartbeatInterval < 0 || c.HeartbeatTimeout < 0 {
		return fmt.Errorf("heartbeat durations can't be negative")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "broker.Registry"})
	return nil
}

// Registry is the set of connected workers. It owns their lifecycle: a worker
// that disconnects or stops answering heartbeats is failed out and removed.
type Registry struct {
	notifier          WorkerCountNotifier
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	logger            log.Logger

	mu      sync.RWMutex
	workers map[string]*Worker
}

// NewRegistry returns a new empty worker registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Registry{
		notifier:          cfg.Notifier,
		heartbeatInterval: cfg.HeartbeatInterval,
		heartbeatTimeout:  cfg.HeartbeatTimeout,
		logger:            cfg.Logger,
		workers:           map[string]*Worker{},
	}, nil
}

// Add registers a worker. A previous connection with the same worker ID is
// failed out and replaced.
func (r *Registry) Add(w *Worker) {
	r.mu.Lock()
	old := r.workers[w.id]
	r.workers[w.id] = w
	count := len(r.workers)
	r.mu.Unlock()

	if old != nil && old != w {
		n := old.fail(fmt.Errorf("replaced by a new connection: %w", model.ErrWorkerDisconnected))
		_ = old.Close()
		r.logger.Warningf("Worker %s reconnected, %d in-flight tasks of the previous connection failed", w.id, n)
	}

	r.logger.Infof("Worker %s connected (version %s), %d workers connected", w.id, w.version, count)
	r.notifier.BroadcastWorkerCount(count)
}

// Remove fails out every in-flight task of the worker with cause, removes it
// from the registry, closes its connection and notifies the new worker count.
// It returns false if the worker was not registered (e.g. already removed).
func (r *Registry) Remove(w *Worker, cause error) bool {
	r.mu.Lock()
	if r.workers[w.id] != w {
		r.mu.Unlock()
		return false
	}
	delete(r.workers, w.id)
	count := len(r.workers)
	r.mu.Unlock()

	n := w.fail(cause)
	_ = w.Close()

	r.logger.Infof("Worker %s removed (%s), %d in-flight tasks failed, %d workers connected", w.id, cause, n, count)
	r.notifier.BroadcastWorkerCount(count)

	return true
}

// Workers returns the connected workers ordered by ID.
func (r *Registry) Workers() []*Worker {
	r.mu.RLock()
	workers := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.mu.RUnlock()

	slices.SortFunc(workers, func(a, b *Worker) int { return strings.Compare(a.id, b.id) })
	return workers
}

// Get returns a connected worker.
func (r *Registry) Get(id string) (*Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[id]
	if !ok {
		return nil, fmt.Errorf("worker %s: %w", id, model.ErrNotFound)
	}
	return w, nil
}

// Len returns the number of connected workers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// Serve registers the worker and handles the messages it sends until the
// connection breaks or ctx is done, then the worker is failed out.
func (r *Registry) Serve(ctx context.Context, w *Worker) error {
	r.Add(w)
	defer r.Remove(w, fmt.Errorf("connection closed: %w", model.ErrWorkerDisconnected))

	stop := context.AfterFunc(ctx, func() { _ = w.Close() })
	defer stop()

	for {
		msg, err := readMessage(w.socket)
		if err != nil {
			if errors.Is(err, errMalformedMessage) {
				w.logger.Warningf("Ignoring malformed message: %s", err)
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("could not read from worker %s: %w", w.id, err)
		}

		if err := w.Handle(msg); err != nil {
			w.logger.Warningf("Could not handle message: %s", err)
		}
	}
}

// Run runs the heartbeat loop until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	r.logger.Infof("Heartbeat started (interval %s, timeout %s)", r.heartbeatInterval, r.heartbeatTimeout)

	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Infof("Heartbeat stopped")
			return nil
		case now := <-ticker.C:
			r.Heartbeat(now)
		}
	}
}

// Heartbeat evicts the workers whose last heartbeat is older than the timeout
// and sends a liveness probe to the rest. Probes are sent in the background so
// a stalled worker never delays the others, a worker that can't be probed is
// removed.
func (r *Registry) Heartbeat(now time.Time) {
	for _, w := range r.Workers() {
		if since := now.Sub(w.LastHeartbeat()); since > r.heartbeatTimeout {
			r.Remove(w, fmt.Errorf("no heartbeat for %s: %w", since.Truncate(time.Second), model.ErrWorkerDisconnected))
			continue
		}

		// Previous probe still waiting for the connection.
		if !w.pinging.CompareAndSwap(false, true) {
			continue
		}
		go func() {
			defer w.pinging.Store(false)
			if err := w.Ping(); err != nil {
				r.logger.Errorf("Could not ping worker %s: %s", w.id, err)
				r.Remove(w, errors.Join(fmt.Errorf("ping failed: %w", err), model.ErrWorkerDisconnected))
			}
		}()
	}
}

// Shutdown removes every worker, failing their in-flight tasks.
func (r *Registry) Shutdown() {
	for _, w := range r.Workers() {
		r.Remove(w, errors.Join(errors.New("broker shutting down"), model.ErrWorkerDisconnected))
	}
}
