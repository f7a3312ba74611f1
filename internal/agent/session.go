package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/omrkit/omr/internal/log"
	"github.com/omrkit/omr/internal/model"
	"github.com/omrkit/omr/internal/protocol"
	"github.com/omrkit/omr/internal/transfer"
)

const (
	allFilesReceivedMessage = "All files received on internal client, starting job"
	finalChunkMessageFmt    = "Received final chunk on Internal Client, total size: %d"
)

// pendingJob is a job waiting for its files.
type pendingJob struct {
	command model.Command
	params  json.RawMessage
	ref     protocol.JobRef
	files   map[string][]byte
}

func (p *pendingJob) ready() bool {
	for _, id := range p.ref.FileIDs {
		if _, ok := p.files[id]; !ok {
			return false
		}
	}
	return true
}

func (p *pendingJob) job() Job {
	files := make([]File, 0, len(p.ref.FileIDs))
	for _, id := range p.ref.FileIDs {
		files = append(files, File{ID: id, Data: p.files[id]})
	}

	return Job{
		TaskID:  p.ref.TaskID,
		Command: p.command,
		Params:  p.params,
		Files:   files,
	}
}

// session is a single broker connection. Reads happen on the serve loop and
// jobs run concurrently, writes are serialized.
type session struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	agent   *Agent
	logger  log.Logger

	asm     *transfer.Assembler
	pending map[string]*pendingJob
}

func newSession(ws *websocket.Conn, a *Agent) *session {
	return &session{
		ws:      ws,
		agent:   a,
		logger:  a.logger,
		asm:     transfer.NewAssembler(),
		pending: map[string]*pendingJob{},
	}
}

// serve reads broker messages until the connection breaks or ctx is done.
// Running jobs are canceled when the session ends.
func (s *session) serve(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(ctx, func() { _ = s.ws.Close() })
	defer stop()
	defer s.ws.Close()

	for {
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("could not read message: %w", err)
		}

		var msg protocol.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Warningf("Ignoring malformed message: %s", err)
			continue
		}

		job, err := s.handle(ctx, msg)
		if err != nil {
			s.logger.Warningf("Could not handle message: %s", err)
			continue
		}
		if job == nil {
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.run(ctx, *job)
		}()
	}
}

// handle processes a broker message and returns the job that is ready to run, if any.
func (s *session) handle(ctx context.Context, msg protocol.Message) (*Job, error) {
	switch {
	case msg.Command == protocol.CommandPing:
		return nil, s.send(protocol.Message{Status: protocol.StatusPong})

	case msg.Command == protocol.CommandConvertToImages, msg.Command == protocol.CommandFindCircles:
		return s.handleCommand(ctx, msg)

	case msg.Status == protocol.StatusSendingChunk, msg.Status == protocol.StatusFinalChunk:
		return s.handleChunk(msg)
	}

	return nil, fmt.Errorf("unexpected message %q%q", msg.Command, msg.Status)
}

func (s *session) handleCommand(ctx context.Context, msg protocol.Message) (*Job, error) {
	var ref protocol.JobRef
	if err := msg.DecodeData(&ref); err != nil {
		return nil, fmt.Errorf("invalid %s command: %w", msg.Command, err)
	}
	if ref.TaskID == "" {
		return nil, fmt.Errorf("%s command without task id", msg.Command)
	}
	logger := s.logger.WithValues(log.Kv{"task-id": ref.TaskID, "command": msg.Command})

	if err := s.agent.checkMemory(ctx); err != nil {
		logger.Warningf("Refusing job: %s", err)
		return nil, s.fail(ref.TaskID, err)
	}
	if _, ok := s.pending[ref.TaskID]; ok {
		return nil, s.fail(ref.TaskID, fmt.Errorf("task %s is already pending: %w", ref.TaskID, model.ErrDuplicateTask))
	}

	p := &pendingJob{
		command: model.Command(msg.Command),
		params:  msg.Data,
		ref:     ref,
		files:   map[string][]byte{},
	}
	logger.Infof("Job received, waiting for %d files", len(ref.FileIDs))

	if p.ready() {
		job := p.job()
		return &job, nil
	}
	s.pending[ref.TaskID] = p

	return nil, nil
}

func (s *session) handleChunk(msg protocol.Message) (*Job, error) {
	var c protocol.Chunk
	if err := msg.DecodeData(&c); err != nil {
		return nil, fmt.Errorf("invalid chunk: %w", err)
	}

	p, ok := s.pending[c.TaskID]
	if !ok || !slices.Contains(p.ref.FileIDs, c.FileID) {
		return nil, fmt.Errorf("chunk of unknown file %s/%s: %w", c.TaskID, c.FileID, model.ErrTransferCorruption)
	}

	payload, complete := s.asm.Add(c.TaskID+"/"+c.FileID, c.Chunk, msg.Status == protocol.StatusFinalChunk)
	if !complete {
		return nil, nil
	}
	p.files[c.FileID] = payload

	if err := s.progress(c.TaskID, fmt.Sprintf(finalChunkMessageFmt, len(payload))); err != nil {
		return nil, err
	}

	if !p.ready() {
		return nil, nil
	}
	delete(s.pending, c.TaskID)
	job := p.job()

	return &job, nil
}

// run executes the job and reports the outcome to the broker.
func (s *session) run(ctx context.Context, job Job) {
	logger := s.logger.WithValues(log.Kv{"task-id": job.TaskID, "command": job.Command})

	if err := s.progress(job.TaskID, allFilesReceivedMessage); err != nil {
		logger.Errorf("Could not send progress: %s", err)
		return
	}

	progress := func(message string) {
		if err := s.progress(job.TaskID, message); err != nil {
			logger.Warningf("Could not send progress: %s", err)
		}
	}

	res, err := s.agent.executor.Execute(ctx, job, progress)
	if err == nil {
		err = s.complete(ctx, job.TaskID, res)
	}
	if err != nil {
		logger.Errorf("Job failed: %s", err)
		if err := s.fail(job.TaskID, err); err != nil {
			logger.Errorf("Could not report failure: %s", err)
		}
		return
	}

	logger.Infof("Job completed")
}

// complete streams the result files and resolves the task.
func (s *session) complete(ctx context.Context, taskID string, res *Result) error {
	if res == nil {
		res = &Result{}
	}

	for _, f := range res.Files {
		for c := range transfer.Split(f.Data, s.agent.chunkSize) {
			if err := ctx.Err(); err != nil {
				return err
			}

			status := protocol.StatusSendingChunk
			if c.Final {
				status = protocol.StatusFinalChunk
			}
			msg, err := protocol.NewStatus(status, protocol.Chunk{TaskID: taskID, FileID: f.ID, Chunk: c.Data})
			if err != nil {
				return err
			}
			if err := s.send(msg); err != nil {
				return err
			}
		}
	}

	data, err := protocol.MergeObjects(res.Data, protocol.TaskRef{TaskID: taskID})
	if err != nil {
		return fmt.Errorf("could not encode result: %w", err)
	}

	return s.send(protocol.Message{Status: protocol.StatusCompletedTask, Data: data})
}

func (s *session) progress(taskID, message string) error {
	msg, err := protocol.NewStatus(protocol.StatusProgress, protocol.Progress{TaskID: taskID, Message: message})
	if err != nil {
		return err
	}
	return s.send(msg)
}

func (s *session) fail(taskID string, jobErr error) error {
	msg, err := protocol.NewStatus(protocol.StatusError, protocol.Failure{TaskID: taskID, Error: jobErr.Error()})
	if err != nil {
		return err
	}
	return s.send(msg)
}

func (s *session) send(msg protocol.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("could not send message: %w", err)
	}
	return nil
}
