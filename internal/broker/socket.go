package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/omrkit/omr/internal/protocol"
)

// Socket is a persistent bidirectional message connection with a peer, it's
// satisfied by *websocket.Conn. Reads are done by a single goroutine, writes
// are serialized by the broker.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// errMalformedMessage is returned by readMessage when a frame is read but it's
// not a valid message. The connection is still usable.
var errMalformedMessage = errors.New("malformed message")

func readMessage(s Socket) (protocol.Message, error) {
	_, raw, err := s.ReadMessage()
	if err != nil {
		return protocol.Message{}, err
	}

	var msg protocol.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return protocol.Message{}, fmt.Errorf("%w: %w", errMalformedMessage, err)
	}
	return msg, nil
}

// writeMessage writes a message with a deadline.
func writeMessage(s Socket, msg protocol.Message, timeout time.Duration) error {
	if err := s.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("could not set write deadline: %w", err)
	}
	return s.WriteJSON(msg)
}
