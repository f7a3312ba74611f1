// Package brokertest has test helpers for the broker connections.
package brokertest

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/omrkit/omr/internal/protocol"
)

var (
	// ErrClosed is returned by a closed Socket.
	ErrClosed = errors.New("socket closed")
	// ErrWriteTimeout is returned by a blocked write when its deadline passes.
	ErrWriteTimeout = errors.New("write timeout")
)

// Socket is an in-memory broker.Socket. Messages are JSON encoded on both
// directions like a real connection would.
type Socket struct {
	reads  chan []byte
	writes chan protocol.Message
	closed chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	written   []protocol.Message
	writeErr  error
	deadline  time.Time
	// blocked is set while writes are blocked, it's closed to release them.
	blocked chan struct{}
}

// NewSocket returns a new open socket.
func NewSocket() *Socket {
	return &Socket{
		reads:  make(chan []byte),
		writes: make(chan protocol.Message, 4096),
		closed: make(chan struct{}),
	}
}

// ReadMessage blocks until a message is delivered or the socket is closed.
func (s *Socket) ReadMessage() (int, []byte, error) {
	select {
	case raw := <-s.reads:
		return websocket.TextMessage, raw, nil
	case <-s.closed:
		return 0, nil, ErrClosed
	}
}

// SetWriteDeadline sets the deadline of the following writes, only blocked
// writes honor it.
func (s *Socket) SetWriteDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadline = t
	return nil
}

// WriteJSON records the message written to the socket.
func (s *Socket) WriteJSON(v any) error {
	if s.IsClosed() {
		return ErrClosed
	}

	s.mu.Lock()
	blocked, deadline := s.blocked, s.deadline
	s.mu.Unlock()
	if blocked != nil {
		if err := s.waitWritable(blocked, deadline); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var msg protocol.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return err
	}

	s.written = append(s.written, msg)
	s.writes <- msg
	return nil
}

// Close closes the socket, it's idempotent.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// IsClosed returns true if the socket has been closed.
func (s *Socket) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Socket) waitWritable(blocked chan struct{}, deadline time.Time) error {
	var timeout <-chan time.Time
	if !deadline.IsZero() {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-blocked:
		return nil
	case <-s.closed:
		return ErrClosed
	case <-timeout:
		return ErrWriteTimeout
	}
}

// BlockWrites makes the following writes block like a peer that stopped
// reading: until UnblockWrites is called, the write deadline passes or the
// socket is closed.
func (s *Socket) BlockWrites() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blocked == nil {
		s.blocked = make(chan struct{})
	}
}

// UnblockWrites releases the blocked writes.
func (s *Socket) UnblockWrites() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blocked != nil {
		close(s.blocked)
		s.blocked = nil
	}
}

// SetWriteError makes all the following writes fail with err.
func (s *Socket) SetWriteError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

// Deliver makes the message available to the reader, it blocks until it's
// read or the socket is closed.
func (s *Socket) Deliver(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.DeliverRaw(raw)
}

// DeliverRaw is like Deliver with an already encoded message.
func (s *Socket) DeliverRaw(raw []byte) error {
	select {
	case s.reads <- raw:
		return nil
	case <-s.closed:
		return ErrClosed
	}
}

// Next returns the next written message in order, it returns false if none is
// written before the timeout.
func (s *Socket) Next(timeout time.Duration) (protocol.Message, bool) {
	select {
	case msg := <-s.writes:
		return msg, true
	case <-time.After(timeout):
		return protocol.Message{}, false
	}
}

// Written returns all the messages written so far.
func (s *Socket) Written() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Message(nil), s.written...)
}
