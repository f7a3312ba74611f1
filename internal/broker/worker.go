package broker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/omrkit/omr/internal/correlation"
	"github.com/omrkit/omr/internal/log"
	"github.com/omrkit/omr/internal/model"
	"github.com/omrkit/omr/internal/protocol"
)

// WorkerConfig is the configuration of a worker connection.
type WorkerConfig struct {
	ID         string
	Version    string
	RemoteAddr string
	Socket     Socket

	// WriteTimeout bounds every write to the worker.
	WriteTimeout time.Duration
	Logger       log.Logger
}

func (c *WorkerConfig) defaults() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	if c.Socket == nil {
		return fmt.Errorf("socket is required")
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = model.DefaultWriteTimeout
	}
	if c.WriteTimeout < 0 {
		return fmt.Errorf("write timeout can't be negative")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "broker.Worker", "worker-id": c.ID})
	return nil
}

// Worker is a connection with a remote executor. Many tasks can be in flight
// on the same worker, each one with its own inbox.
type Worker struct {
	id           string
	version      string
	remoteAddr   string
	connectedAt  time.Time
	socket       Socket
	writeTimeout time.Duration
	tasks        *correlation.Registry
	logger       log.Logger

	writeMu       sync.Mutex
	pinging       atomic.Bool
	activeJobs    atomic.Int64
	lastHeartbeat atomic.Int64
	closeOnce     sync.Once
}

// NewWorker returns a new worker connection.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	now := time.Now()
	w := &Worker{
		id:           cfg.ID,
		version:      cfg.Version,
		remoteAddr:   cfg.RemoteAddr,
		connectedAt:  now,
		socket:       cfg.Socket,
		writeTimeout: cfg.WriteTimeout,
		tasks:        correlation.NewRegistry(),
		logger:       cfg.Logger,
	}
	w.lastHeartbeat.Store(now.UnixNano())

	return w, nil
}

func (w *Worker) ID() string { return w.id }

// ActiveJobs returns the number of jobs currently assigned to the worker.
func (w *Worker) ActiveJobs() int { return int(w.activeJobs.Load()) }

// LastHeartbeat returns the last time the worker answered a liveness probe.
func (w *Worker) LastHeartbeat() time.Time { return time.Unix(0, w.lastHeartbeat.Load()) }

// Info returns a snapshot of the worker state.
func (w *Worker) Info() model.WorkerInfo {
	return model.WorkerInfo{
		ID:              w.id,
		Version:         w.version,
		RemoteAddr:      w.remoteAddr,
		ActiveJobs:      w.ActiveJobs(),
		OpenTasks:       w.tasks.Len(),
		DroppedMessages: w.DroppedMessages(),
		ConnectedAt:     w.connectedAt,
		LastHeartbeat:   w.LastHeartbeat(),
	}
}

// Send writes a message to the worker. A write that fails or doesn't finish
// in the write timeout closes the connection, the reader then fails the
// worker out.
func (w *Worker) Send(msg protocol.Message) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if err := writeMessage(w.socket, msg, w.writeTimeout); err != nil {
		_ = w.Close()
		return fmt.Errorf("could not send message to worker %s: %w", w.id, err)
	}
	return nil
}

// Ping sends a liveness probe.
func (w *Worker) Ping() error {
	return w.Send(protocol.Message{Command: protocol.CommandPing})
}

// OpenTask creates the inbox of a task on this worker and registers its
// progress callback. It fails with model.ErrDuplicateTask if the task is
// already in flight on the worker.
func (w *Worker) OpenTask(taskID string, onProgress correlation.ProgressFunc) (*correlation.Inbox, error) {
	return w.tasks.Open(taskID, onProgress)
}

// CloseTask releases the task inbox and its progress callback.
func (w *Worker) CloseTask(taskID string) {
	w.tasks.Close(taskID)
}

// HasTask returns true if the task still holds resources on the worker.
func (w *Worker) HasTask(taskID string) bool { return w.tasks.Has(taskID) }

// StartJob accounts a new job on the worker, the returned func releases it.
// Calling release more than once has no effect.
func (w *Worker) StartJob() (release func()) {
	w.activeJobs.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() { w.activeJobs.Add(-1) })
	}
}

// Handle demultiplexes a message received from the worker.
func (w *Worker) Handle(msg protocol.Message) error {
	switch msg.Status {
	case protocol.StatusPong:
		w.lastHeartbeat.Store(time.Now().UnixNano())
		w.logger.Debugf("Received pong")
		return nil

	case protocol.StatusProgress:
		var p protocol.Progress
		if err := msg.DecodeData(&p); err != nil {
			return fmt.Errorf("invalid progress message: %w", err)
		}
		if !w.tasks.Progress(p.TaskID, p.Message) {
			w.logger.Debugf("Dropping progress of unknown task %s", p.TaskID)
		}
		return nil

	case protocol.StatusSendingChunk, protocol.StatusFinalChunk, protocol.StatusCompletedTask, protocol.StatusError:
		taskID, err := msg.TaskID()
		if err != nil {
			return fmt.Errorf("invalid %s message: %w", msg.Status, err)
		}
		if !w.tasks.Push(taskID, msg) {
			w.logger.Warningf("Dropping %s message of unknown task %s: %s", msg.Status, taskID, model.ErrTransferCorruption)
		}
		return nil
	}

	return fmt.Errorf("unknown message status %q: %w", msg.Status, model.ErrNotValid)
}

// fail delivers the terminal error to every in-flight task of the worker.
func (w *Worker) fail(cause error) int {
	return w.tasks.Fail(cause)
}

// DroppedMessages returns the number of task messages dropped because the task was unknown.
func (w *Worker) DroppedMessages() int64 { return w.tasks.Dropped() }

// Close closes the underlying connection.
func (w *Worker) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.socket.Close()
	})
	return err
}
