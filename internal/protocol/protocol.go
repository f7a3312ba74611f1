// Package protocol has the JSON envelopes exchanged over the persistent sockets
// between the broker, its workers and the frontend sessions.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Command is sent to a peer asking it to do something.
type Command string

const (
	CommandConvertToImages Command = "CONVERT_TO_IMAGES"
	CommandFindCircles     Command = "FIND_CIRCLES"
	CommandPing            Command = "PING"
	// CommandRegisterSession is sent by frontends to register their session ID.
	CommandRegisterSession Command = "register_session"
	// CommandSendID is the legacy form of CommandRegisterSession.
	CommandSendID Command = "send_id"
)

// Status is sent by a peer reporting the state of something.
type Status string

const (
	StatusProgress      Status = "PROGRESS"
	StatusSendingChunk  Status = "SENDING_CHUNK"
	StatusFinalChunk    Status = "FINAL_CHUNK"
	StatusCompletedTask Status = "COMPLETED_TASK"
	StatusError         Status = "ERROR"
	StatusPong          Status = "PONG"
	// StatusWorkerCount is broadcasted to frontends when the number of workers changes.
	StatusWorkerCount Status = "WORKER_COUNT"
	// StatusInternalClientReport is the legacy form of StatusWorkerCount.
	StatusInternalClientReport Status = "INTERNAL_CLIENT_REPORT"
)

// Message is the envelope of every socket message, commands set Command and
// replies set Status.
type Message struct {
	Command Command         `json:"command,omitempty"`
	Status  Status          `json:"status,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// TaskRef is the part every task scoped payload has in common.
type TaskRef struct {
	TaskID string `json:"task_id"`
}

// Chunk is a slice of a file transfer. Chunk bytes are base64 encoded on the wire.
type Chunk struct {
	TaskID string `json:"task_id"`
	FileID string `json:"file_id"`
	Chunk  []byte `json:"chunk"`
}

// Progress is a human readable progress notification of a task.
type Progress struct {
	TaskID  string `json:"task_id"`
	Message string `json:"message"`
}

// Failure is the payload of an ERROR status.
type Failure struct {
	TaskID string `json:"task_id"`
	Error  string `json:"error"`
}

// WorkerCount is the payload of a WORKER_COUNT status. NumClients carries the
// same value for legacy frontends.
type WorkerCount struct {
	NumWorkers int `json:"num_workers"`
	NumClients int `json:"num_clients"`
}

// JobRef is the broker owned part of a job command payload, the command
// parameters are merged at the same level.
type JobRef struct {
	TaskID    string   `json:"task_id"`
	FileIDs   []string `json:"file_ids"`
	SessionID string   `json:"session_id,omitempty"`
}

// NewCommand returns a command message with data JSON encoded.
func NewCommand(cmd Command, data any) (Message, error) {
	raw, err := encode(data)
	if err != nil {
		return Message{}, fmt.Errorf("could not encode %s data: %w", cmd, err)
	}
	return Message{Command: cmd, Data: raw}, nil
}

// NewStatus returns a status message with data JSON encoded.
func NewStatus(status Status, data any) (Message, error) {
	raw, err := encode(data)
	if err != nil {
		return Message{}, fmt.Errorf("could not encode %s data: %w", status, err)
	}
	return Message{Status: status, Data: raw}, nil
}

func encode(data any) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	return json.Marshal(data)
}

// DecodeData decodes the message data into v.
func (m Message) DecodeData(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("message has no data")
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("could not decode message data: %w", err)
	}
	return nil
}

// TaskID returns the task the message is tagged with.
func (m Message) TaskID() (string, error) {
	var ref TaskRef
	if err := m.DecodeData(&ref); err != nil {
		return "", err
	}
	if ref.TaskID == "" {
		return "", fmt.Errorf("message is not tagged with a task id")
	}
	return ref.TaskID, nil
}

// MergeObjects JSON encodes all the objects and merges their fields into a single
// JSON object. On key collision later objects win.
func MergeObjects(objs ...any) (json.RawMessage, error) {
	merged := map[string]json.RawMessage{}
	for _, obj := range objs {
		if obj == nil {
			continue
		}

		raw, ok := obj.(json.RawMessage)
		if !ok {
			var err error
			raw, err = json.Marshal(obj)
			if err != nil {
				return nil, fmt.Errorf("could not encode object: %w", err)
			}
		}
		if len(raw) == 0 {
			continue
		}

		fields := map[string]json.RawMessage{}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("could not merge non object value: %w", err)
		}
		for k, v := range fields {
			merged[k] = v
		}
	}

	return json.Marshal(merged)
}
