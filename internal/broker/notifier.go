package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/omrkit/omr/internal/log"
	"github.com/omrkit/omr/internal/model"
	"github.com/omrkit/omr/internal/protocol"
)

const defaultOutboxSize = 64

var (
	// ErrSessionBusy is returned when a frontend doesn't keep up and its
	// pending messages queue is full, the message is dropped.
	ErrSessionBusy = errors.New("session busy")
	// ErrSessionClosed is returned when the frontend connection is gone.
	ErrSessionClosed = errors.New("session closed")
)

// NotifierConfig is the configuration of the frontend notifier.
type NotifierConfig struct {
	// WriteTimeout bounds every write to a frontend.
	WriteTimeout time.Duration
	// OutboxSize is the number of messages queued per frontend connection.
	OutboxSize int
	Logger     log.Logger
}

func (c *NotifierConfig) defaults() error {
	if c.WriteTimeout == 0 {
		c.WriteTimeout = model.DefaultWriteTimeout
	}
	if c.WriteTimeout < 0 {
		return fmt.Errorf("write timeout can't be negative")
	}
	if c.OutboxSize == 0 {
		c.OutboxSize = defaultOutboxSize
	}
	if c.OutboxSize < 0 {
		return fmt.Errorf("outbox size can't be negative")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "broker.Notifier"})
	return nil
}

// outbox queues the messages of a frontend connection and writes them from its
// own goroutine, so a slow frontend never blocks the sender.
type outbox struct {
	socket  Socket
	timeout time.Duration
	msgs    chan protocol.Message
	done    chan struct{}
	once    sync.Once
	logger  log.Logger
	// legacy is set when the frontend registered with the legacy command.
	legacy atomic.Bool
}

func newOutbox(socket Socket, size int, timeout time.Duration, logger log.Logger) *outbox {
	o := &outbox{
		socket:  socket,
		timeout: timeout,
		msgs:    make(chan protocol.Message, size),
		done:    make(chan struct{}),
		logger:  logger,
	}
	go o.run()
	return o
}

func (o *outbox) run() {
	for {
		select {
		case <-o.done:
			return
		case msg := <-o.msgs:
			if err := writeMessage(o.socket, msg, o.timeout); err != nil {
				o.logger.Debugf("Could not write to frontend, closing connection: %s", err)
				_ = o.socket.Close()
				o.stop()
				return
			}
		}
	}
}

func (o *outbox) push(msg protocol.Message) error {
	select {
	case <-o.done:
		return ErrSessionClosed
	default:
	}

	select {
	case o.msgs <- msg:
		return nil
	default:
		return ErrSessionBusy
	}
}

func (o *outbox) stop() { o.once.Do(func() { close(o.done) }) }

func (o *outbox) workerCountMessage(count int) (protocol.Message, error) {
	status := protocol.StatusWorkerCount
	if o.legacy.Load() {
		status = protocol.StatusInternalClientReport
	}
	return protocol.NewStatus(status, protocol.WorkerCount{NumWorkers: count, NumClients: count})
}

// Session is a frontend connection registered under a session ID. It's only
// a forwarding address, it holds no job state.
type Session struct {
	id string
	// out is shared by all the sessions of the same connection.
	out *outbox
	// owned is set when the session owns its outbox and stops it on unregister.
	owned bool
}

func (s *Session) ID() string { return s.id }

// Send queues a message to the frontend without blocking. It fails with
// ErrSessionBusy if the frontend isn't keeping up.
func (s *Session) Send(msg protocol.Message) error {
	return s.out.push(msg)
}

// Notifier forwards job progress and broker events to the frontend sessions.
// Delivery is best effort.
type Notifier struct {
	writeTimeout time.Duration
	outboxSize   int
	logger       log.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewNotifier returns a new frontend notifier.
func NewNotifier(cfg NotifierConfig) (*Notifier, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Notifier{
		writeTimeout: cfg.WriteTimeout,
		outboxSize:   cfg.OutboxSize,
		logger:       cfg.Logger,
		sessions:     map[string]*Session{},
	}, nil
}

// Register registers a frontend connection under a session ID, replacing any
// previous registration of the same ID.
func (n *Notifier) Register(sessionID string, socket Socket) *Session {
	s := n.register(sessionID, n.newOutbox(socket))
	s.owned = true
	return s
}

func (n *Notifier) newOutbox(socket Socket) *outbox {
	return newOutbox(socket, n.outboxSize, n.writeTimeout, n.logger)
}

func (n *Notifier) register(sessionID string, out *outbox) *Session {
	s := &Session{id: sessionID, out: out}

	n.mu.Lock()
	n.sessions[sessionID] = s
	n.mu.Unlock()

	n.logger.Debugf("Session %s registered", sessionID)
	return s
}

// Unregister removes a session. Nothing is removed if the session ID has been
// registered again by another connection.
func (n *Notifier) Unregister(s *Session) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if s.owned {
		s.out.stop()
	}
	if n.sessions[s.id] != s {
		return false
	}
	delete(n.sessions, s.id)
	n.logger.Debugf("Session %s unregistered", s.id)
	return true
}

// Len returns the number of registered sessions.
func (n *Notifier) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.sessions)
}

// NotifyProgress forwards a task progress message to a session. If the session
// is not registered or it's busy the message is dropped and false returned.
func (n *Notifier) NotifyProgress(sessionID, taskID, message string) bool {
	if sessionID == "" {
		return false
	}

	n.mu.RLock()
	s, ok := n.sessions[sessionID]
	n.mu.RUnlock()
	if !ok {
		return false
	}

	msg, err := protocol.NewStatus(protocol.StatusProgress, protocol.Progress{TaskID: taskID, Message: message})
	if err != nil {
		n.logger.Errorf("Could not create progress message: %s", err)
		return false
	}

	if err := s.Send(msg); err != nil {
		n.logger.Debugf("Could not send progress to session %s: %s", sessionID, err)
		return false
	}
	return true
}

// BroadcastWorkerCount sends the number of connected workers to every session.
func (n *Notifier) BroadcastWorkerCount(count int) {
	n.mu.RLock()
	sessions := make([]*Session, 0, len(n.sessions))
	for _, s := range n.sessions {
		sessions = append(sessions, s)
	}
	n.mu.RUnlock()

	for _, s := range sessions {
		msg, err := s.out.workerCountMessage(count)
		if err != nil {
			n.logger.Errorf("Could not create worker count message: %s", err)
			return
		}
		if err := s.Send(msg); err != nil {
			n.logger.Debugf("Could not send worker count to session %s: %s", s.id, err)
		}
	}
}

// WorkerCountMessage returns the message that reports the number of workers.
func WorkerCountMessage(count int) (protocol.Message, error) {
	return protocol.NewStatus(protocol.StatusWorkerCount, protocol.WorkerCount{NumWorkers: count, NumClients: count})
}

// Serve handles a frontend connection until it breaks or ctx is done. The
// current worker count is sent first, then the frontend is expected to
// register its session ID.
func (n *Notifier) Serve(ctx context.Context, socket Socket, workerCount func() int) error {
	defer socket.Close()

	stop := context.AfterFunc(ctx, func() { _ = socket.Close() })
	defer stop()

	out := n.newOutbox(socket)
	defer out.stop()

	hello, err := out.workerCountMessage(workerCount())
	if err != nil {
		return err
	}
	if err := out.push(hello); err != nil {
		return fmt.Errorf("could not greet frontend: %w", err)
	}

	var session *Session
	defer func() {
		if session != nil {
			n.Unregister(session)
		}
	}()

	for {
		msg, err := readMessage(socket)
		if err != nil {
			if errors.Is(err, errMalformedMessage) {
				n.logger.Warningf("Ignoring malformed frontend message: %s", err)
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("could not read from frontend: %w", err)
		}

		switch msg.Command {
		case protocol.CommandRegisterSession:
		case protocol.CommandSendID:
			out.legacy.Store(true)
		default:
			n.logger.Debugf("Ignoring frontend command %q", msg.Command)
			continue
		}

		var sessionID string
		if err := msg.DecodeData(&sessionID); err != nil || sessionID == "" {
			n.logger.Warningf("Ignoring session registration without a valid id")
			continue
		}

		if session != nil {
			n.Unregister(session)
		}
		session = n.register(sessionID, out)
	}
}
