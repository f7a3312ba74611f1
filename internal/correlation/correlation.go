// Package correlation routes the asynchronous replies of a connection to the
// callers waiting for them, using the task ID as correlation ID.
package correlation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/omrkit/omr/internal/model"
	"github.com/omrkit/omr/internal/protocol"
)

// ProgressFunc receives the progress notifications of a task.
type ProgressFunc func(message string)

type entry struct {
	msg protocol.Message
	err error
}

// Inbox is the ordered message queue of a single task. Pushing never blocks,
// there is exactly one consumer.
type Inbox struct {
	taskID string
	signal chan struct{}

	mu      sync.Mutex
	queue   []entry
	failure error
}

func newInbox(taskID string) *Inbox {
	return &Inbox{
		taskID: taskID,
		signal: make(chan struct{}, 1),
	}
}

// TaskID returns the task the inbox belongs to.
func (i *Inbox) TaskID() string { return i.taskID }

func (i *Inbox) push(e entry) {
	i.mu.Lock()
	i.queue = append(i.queue, e)
	i.mu.Unlock()

	select {
	case i.signal <- struct{}{}:
	default:
	}
}

// Next returns the next message in arrival order, it blocks until one is
// available, the inbox owner is torn down or ctx is done. Once the owner is
// torn down all the following calls return the same error.
func (i *Inbox) Next(ctx context.Context) (protocol.Message, error) {
	for {
		i.mu.Lock()
		if len(i.queue) > 0 {
			e := i.queue[0]
			i.queue[0] = entry{}
			i.queue = i.queue[1:]
			if e.err != nil {
				i.failure = e.err
				i.queue = nil
			}
			i.mu.Unlock()
			return e.msg, e.err
		}
		if i.failure != nil {
			err := i.failure
			i.mu.Unlock()
			return protocol.Message{}, err
		}
		i.mu.Unlock()

		select {
		case <-i.signal:
		case <-ctx.Done():
			return protocol.Message{}, ctx.Err()
		}
	}
}

// Registry maps task IDs to their inbox and progress callback. All the tasks
// of a registry share the same owner (e.g. a worker connection).
type Registry struct {
	mu       sync.Mutex
	inboxes  map[string]*Inbox
	progress map[string]ProgressFunc
	failure  error
	dropped  atomic.Int64
}

// NewRegistry returns a new empty registry.
func NewRegistry() *Registry {
	return &Registry{
		inboxes:  map[string]*Inbox{},
		progress: map[string]ProgressFunc{},
	}
}

// Open creates the inbox of a task and registers its progress callback (optional).
func (r *Registry) Open(taskID string, onProgress ProgressFunc) (*Inbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failure != nil {
		return nil, fmt.Errorf("could not open task %s: %w", taskID, r.failure)
	}
	if _, ok := r.inboxes[taskID]; ok {
		return nil, fmt.Errorf("task %s: %w", taskID, model.ErrDuplicateTask)
	}

	inbox := newInbox(taskID)
	r.inboxes[taskID] = inbox
	if onProgress != nil {
		r.progress[taskID] = onProgress
	}

	return inbox, nil
}

// Push enqueues a message on the task inbox. If the task has no inbox the
// message is dropped and false is returned.
func (r *Registry) Push(taskID string, msg protocol.Message) bool {
	r.mu.Lock()
	inbox, ok := r.inboxes[taskID]
	r.mu.Unlock()

	if !ok {
		r.dropped.Add(1)
		return false
	}

	inbox.push(entry{msg: msg})
	return true
}

// Progress calls the progress callback of the task. It returns false if the
// task has no callback registered.
func (r *Registry) Progress(taskID, message string) bool {
	r.mu.Lock()
	fn, ok := r.progress[taskID]
	r.mu.Unlock()

	if !ok {
		return false
	}

	fn(message)
	return true
}

// Close removes the task inbox and its progress callback. It's idempotent.
func (r *Registry) Close(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.inboxes, taskID)
	delete(r.progress, taskID)
}

// Fail tears down the registry: every open inbox receives err as its terminal
// message and no more tasks can be opened. Only the first call has effect, it
// returns the number of inboxes that were failed.
func (r *Registry) Fail(err error) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failure != nil {
		return 0
	}
	r.failure = err

	for _, inbox := range r.inboxes {
		inbox.push(entry{err: err})
	}

	return len(r.inboxes)
}

// Len returns the number of open inboxes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inboxes)
}

// Has returns true if the task has an open inbox or progress callback.
func (r *Registry) Has(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, inbox := r.inboxes[taskID]
	_, progress := r.progress[taskID]
	return inbox || progress
}

// Dropped returns the number of messages dropped because their task was unknown.
func (r *Registry) Dropped() int64 { return r.dropped.Load() }
