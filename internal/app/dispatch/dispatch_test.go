package dispatch_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/omrkit/omr/internal/app/dispatch"
	"github.com/omrkit/omr/internal/broker"
	"github.com/omrkit/omr/internal/broker/brokertest"
	"github.com/omrkit/omr/internal/log"
	"github.com/omrkit/omr/internal/model"
	"github.com/omrkit/omr/internal/protocol"
	"github.com/omrkit/omr/internal/storage/memory"
	"github.com/omrkit/omr/internal/storage/storagemock"
)

const waitTimeout = 2 * time.Second

// remoteJob is a job as seen by the remote worker.
type remoteJob struct {
	Command protocol.Command
	Ref     protocol.JobRef
	Data    json.RawMessage
	Files   map[string][]byte
	// Chunks has the size of every chunk message received, in order.
	Chunks []int
	// Finals has the number of final chunk messages received.
	Finals int
}

func (j *remoteJob) complete() bool {
	for _, id := range j.Ref.FileIDs {
		if _, ok := j.Files[id]; !ok {
			return false
		}
	}
	return true
}

// remote plays the worker side of a connection.
type remote struct {
	t       *testing.T
	socket  *brokertest.Socket
	worker  *broker.Worker
	partial map[string]*bytes.Buffer
}

func startRemote(t *testing.T, reg *broker.Registry, id string) *remote {
	t.Helper()

	socket := brokertest.NewSocket()
	w, err := broker.NewWorker(broker.WorkerConfig{ID: id, Version: "test", Socket: socket})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = reg.Serve(ctx, w)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		got, err := reg.Get(id)
		return err == nil && got == w
	}, waitTimeout, 5*time.Millisecond)

	return &remote{t: t, socket: socket, worker: w, partial: map[string]*bytes.Buffer{}}
}

// receiveJobs reads from the connection until n jobs and all their files have been received.
func (r *remote) receiveJobs(n int) map[string]*remoteJob {
	r.t.Helper()

	jobs := map[string]*remoteJob{}
	done := func() bool {
		if len(jobs) < n {
			return false
		}
		for _, j := range jobs {
			if !j.complete() {
				return false
			}
		}
		return true
	}

	for !done() {
		msg, ok := r.socket.Next(waitTimeout)
		require.True(r.t, ok, "timeout waiting for jobs")

		switch {
		case msg.Command == protocol.CommandPing:
			continue

		case msg.Command != "":
			var ref protocol.JobRef
			require.NoError(r.t, msg.DecodeData(&ref))
			jobs[ref.TaskID] = &remoteJob{Command: msg.Command, Ref: ref, Data: msg.Data, Files: map[string][]byte{}}

		case msg.Status == protocol.StatusSendingChunk || msg.Status == protocol.StatusFinalChunk:
			var c protocol.Chunk
			require.NoError(r.t, msg.DecodeData(&c))
			j, ok := jobs[c.TaskID]
			require.True(r.t, ok, "chunk of unknown task %s", c.TaskID)

			j.Chunks = append(j.Chunks, len(c.Chunk))
			key := c.TaskID + "/" + c.FileID
			if r.partial[key] == nil {
				r.partial[key] = &bytes.Buffer{}
			}
			r.partial[key].Write(c.Chunk)

			if msg.Status == protocol.StatusFinalChunk {
				j.Finals++
				j.Files[c.FileID] = r.partial[key].Bytes()
				delete(r.partial, key)
			}
		}
	}

	return jobs
}

func (r *remote) reply(status protocol.Status, data any) {
	r.t.Helper()
	msg, err := protocol.NewStatus(status, data)
	require.NoError(r.t, err)
	require.NoError(r.t, r.socket.Deliver(msg))
}

func (r *remote) sendFile(taskID, fileID string, data []byte) {
	r.t.Helper()
	r.reply(protocol.StatusSendingChunk, protocol.Chunk{TaskID: taskID, FileID: fileID, Chunk: data[:len(data)/2]})
	r.reply(protocol.StatusFinalChunk, protocol.Chunk{TaskID: taskID, FileID: fileID, Chunk: data[len(data)/2:]})
}

type progressRecorder struct {
	mu       sync.Mutex
	messages []string
}

func (p *progressRecorder) NotifyProgress(sessionID, taskID, message string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, sessionID+"|"+taskID+"|"+message)
	return true
}

func (p *progressRecorder) Messages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.messages...)
}

type outcome struct {
	res *model.JobResult
	err error
}

func dispatchAsync(svc *dispatch.Service, job model.Job) <-chan outcome {
	c := make(chan outcome, 1)
	go func() {
		res, err := svc.Dispatch(context.Background(), job)
		c <- outcome{res: res, err: err}
	}()
	return c
}

func waitOutcome(t *testing.T, c <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-c:
		return o
	case <-time.After(waitTimeout):
		t.Fatal("timeout waiting for the dispatch result")
		return outcome{}
	}
}

func newRegistry(t *testing.T) *broker.Registry {
	t.Helper()
	reg, err := broker.NewRegistry(broker.RegistryConfig{Logger: log.Noop})
	require.NoError(t, err)
	return reg
}

func newMemoryService(t *testing.T, cfg dispatch.ServiceConfig) *dispatch.Service {
	t.Helper()
	if cfg.Repository == nil {
		repo, err := memory.NewRepository(memory.RepositoryConfig{})
		require.NoError(t, err)
		cfg.Repository = repo
	}
	svc, err := dispatch.NewService(cfg)
	require.NoError(t, err)
	return svc
}

func convertJob(taskID string, attachments ...[]byte) model.Job {
	job := model.Job{
		TaskID:    taskID,
		SessionID: "s1",
		Params:    model.ConvertToImagesParams{Filename: "exam.pdf"},
	}
	for _, a := range attachments {
		job.Attachments = append(job.Attachments, model.Attachment{Filename: "exam.pdf", Data: a})
	}
	return job
}

func findCirclesJob(taskID string, attachment []byte) model.Job {
	return model.Job{
		TaskID:    taskID,
		SessionID: "s1",
		Params: model.FindCirclesParams{
			Filename:          "page-1.png",
			DarknessThreshold: 0.6,
			Boxes: []model.Box{
				{Name: "q1", RectType: model.RectTypeColumnQuestions, Rect: model.Rect{X: 0.1, Y: 0.1, Width: 0.5, Height: 0.5}},
			},
		},
		Attachments: []model.Attachment{{Filename: "page-1.png", Data: attachment}},
	}
}

func TestNewService(t *testing.T) {
	tests := map[string]struct {
		cfg    dispatch.ServiceConfig
		expErr bool
	}{
		"Valid config should create the service.": {
			cfg: dispatch.ServiceConfig{
				Workers:    &broker.Registry{},
				Repository: &storagemock.MockJobRepository{},
			},
		},

		"Missing workers should fail.": {
			cfg: dispatch.ServiceConfig{
				Repository: &storagemock.MockJobRepository{},
			},
			expErr: true,
		},

		"Missing repository should fail.": {
			cfg: dispatch.ServiceConfig{
				Workers: &broker.Registry{},
			},
			expErr: true,
		},

		"Unknown selection policy should fail.": {
			cfg: dispatch.ServiceConfig{
				Workers:    &broker.Registry{},
				Repository: &storagemock.MockJobRepository{},
				Selection:  "round-robin",
			},
			expErr: true,
		},

		"Negative timeout should fail.": {
			cfg: dispatch.ServiceConfig{
				Workers:    &broker.Registry{},
				Repository: &storagemock.MockJobRepository{},
				Timeout:    -time.Second,
			},
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			svc, err := dispatch.NewService(test.cfg)
			if test.expErr {
				assert.Error(t, err)
				assert.Nil(t, svc)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, svc)
			}
		})
	}
}

func TestDispatch(t *testing.T) {
	tests := map[string]struct {
		job      model.Job
		remote   func(r *remote, job *remoteJob)
		mock     func(m *storagemock.MockJobRepository)
		expErr   error
		expData  map[string]any
		expFiles map[string][]byte
	}{
		"A completed job should return the worker payload and the returned files.": {
			job: convertJob("t1", []byte("%PDF-1.4 exam")),
			remote: func(r *remote, job *remoteJob) {
				r.reply(protocol.StatusProgress, protocol.Progress{TaskID: "t1", Message: "Page 1 of 2"})
				r.sendFile("t1", "img-1", []byte("png-one"))
				r.sendFile("t1", "img-2", []byte("png-two"))
				r.reply(protocol.StatusCompletedTask, map[string]any{"task_id": "t1", "pages": 2})
			},
			mock: func(m *storagemock.MockJobRepository) {
				m.On("CreateJob", mock.Anything, mock.MatchedBy(func(r model.JobRecord) bool {
					return r.TaskID == "t1" && r.WorkerID == "w1" && r.SessionID == "s1" &&
						r.Command == model.CommandConvertToImages && r.Status == model.JobStatusPending
				})).Once().Return(nil)
				m.On("CompleteJob", mock.Anything, mock.Anything).Once().Return(nil)
			},
			expData: map[string]any{"task_id": "t1", "pages": float64(2)},
			expFiles: map[string][]byte{
				"img-1": []byte("png-one"),
				"img-2": []byte("png-two"),
			},
		},

		"A job without attachments should complete.": {
			job: convertJob("t1"),
			remote: func(r *remote, job *remoteJob) {
				r.reply(protocol.StatusCompletedTask, map[string]any{"task_id": "t1"})
			},
			mock: func(m *storagemock.MockJobRepository) {
				m.On("CreateJob", mock.Anything, mock.Anything).Once().Return(nil)
				m.On("CompleteJob", mock.Anything, mock.Anything).Once().Return(nil)
			},
			expData:  map[string]any{"task_id": "t1"},
			expFiles: map[string][]byte{},
		},

		"A worker error should be returned verbatim.": {
			job: findCirclesJob("t1", []byte("png")),
			remote: func(r *remote, job *remoteJob) {
				r.reply(protocol.StatusError, protocol.Failure{TaskID: "t1", Error: "could not find the sheet"})
			},
			mock: func(m *storagemock.MockJobRepository) {
				m.On("CreateJob", mock.Anything, mock.Anything).Once().Return(nil)
				m.On("FailJob", mock.Anything, mock.Anything, mock.MatchedBy(func(err error) bool {
					var wErr *model.WorkerReportedError
					return errors.As(err, &wErr)
				})).Once().Return(nil)
			},
			expErr: &model.WorkerReportedError{TaskID: "t1", Message: "could not find the sheet"},
		},

		"A worker disconnection should fail the job.": {
			job: convertJob("t1", []byte("pdf")),
			remote: func(r *remote, job *remoteJob) {
				r.sendFile("t1", "img-1", []byte("partial"))
				require.NoError(r.t, r.socket.Close())
			},
			mock: func(m *storagemock.MockJobRepository) {
				m.On("CreateJob", mock.Anything, mock.Anything).Once().Return(nil)
				m.On("FailJob", mock.Anything, mock.Anything, mock.MatchedBy(func(err error) bool {
					return errors.Is(err, model.ErrWorkerDisconnected)
				})).Once().Return(nil)
			},
			expErr: model.ErrWorkerDisconnected,
		},

		"A journal failure should not fail the job.": {
			job: convertJob("t1", []byte("pdf")),
			remote: func(r *remote, job *remoteJob) {
				r.reply(protocol.StatusCompletedTask, map[string]any{"task_id": "t1"})
			},
			mock: func(m *storagemock.MockJobRepository) {
				m.On("CreateJob", mock.Anything, mock.Anything).Once().Return(errors.New("disk full"))
			},
			expData:  map[string]any{"task_id": "t1"},
			expFiles: map[string][]byte{},
		},

		"An invalid job should fail before reaching the worker.": {
			job: model.Job{TaskID: "t1", Params: model.FindCirclesParams{}},
			mock: func(m *storagemock.MockJobRepository) {},
			expErr: model.ErrNotValid,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			reg := newRegistry(t)
			r := startRemote(t, reg, "w1")

			repo := &storagemock.MockJobRepository{}
			test.mock(repo)

			svc, err := dispatch.NewService(dispatch.ServiceConfig{
				Workers:    reg,
				Repository: repo,
				ChunkSize:  4,
			})
			require.NoError(t, err)

			result := dispatchAsync(svc, test.job)

			if test.remote != nil {
				jobs := r.receiveJobs(1)
				job := jobs["t1"]
				require.NotNil(t, job)
				test.remote(r, job)
			}

			o := waitOutcome(t, result)

			if test.expErr != nil {
				var wErr *model.WorkerReportedError
				if errors.As(test.expErr, &wErr) {
					var got *model.WorkerReportedError
					require.ErrorAs(t, o.err, &got)
					assert.Equal(t, wErr, got)
				} else {
					assert.ErrorIs(t, o.err, test.expErr)
				}
				assert.Nil(t, o.res)
			} else {
				require.NoError(t, o.err)
				assert.Equal(t, "t1", o.res.TaskID)
				assert.Equal(t, "w1", o.res.WorkerID)
				assert.Equal(t, test.expFiles, o.res.Files)

				var data map[string]any
				require.NoError(t, json.Unmarshal(o.res.Data, &data))
				assert.Equal(t, test.expData, data)
			}

			// Resources are released on every path.
			assert.Equal(t, 0, r.worker.ActiveJobs())
			assert.False(t, r.worker.HasTask("t1"))
			repo.AssertExpectations(t)
		})
	}
}

func TestDispatchJobMessage(t *testing.T) {
	reg := newRegistry(t)
	r := startRemote(t, reg, "w1")
	svc := newMemoryService(t, dispatch.ServiceConfig{Workers: reg})

	result := dispatchAsync(svc, findCirclesJob("t1", []byte("png")))

	jobs := r.receiveJobs(1)
	job := jobs["t1"]
	require.NotNil(t, job)
	assert.Equal(t, protocol.CommandFindCircles, job.Command)
	assert.Equal(t, "s1", job.Ref.SessionID)
	require.Len(t, job.Ref.FileIDs, 1)
	assert.Equal(t, []byte("png"), job.Files[job.Ref.FileIDs[0]])

	// Command parameters are at the same level as the task fields.
	var data map[string]any
	require.NoError(t, json.Unmarshal(job.Data, &data))
	assert.Equal(t, "t1", data["task_id"])
	assert.Equal(t, "page-1.png", data["filename"])
	assert.Equal(t, 0.6, data["darkness_threshold"])
	assert.Len(t, data["boxes"], 1)

	r.reply(protocol.StatusCompletedTask, map[string]any{"task_id": "t1"})
	o := waitOutcome(t, result)
	require.NoError(t, o.err)
}

func TestDispatchGeneratesTaskID(t *testing.T) {
	reg := newRegistry(t)
	r := startRemote(t, reg, "w1")
	svc := newMemoryService(t, dispatch.ServiceConfig{Workers: reg})

	result := dispatchAsync(svc, convertJob(""))

	jobs := r.receiveJobs(1)
	require.Len(t, jobs, 1)
	var taskID string
	for id := range jobs {
		taskID = id
	}
	assert.NotEmpty(t, taskID)

	r.reply(protocol.StatusCompletedTask, map[string]any{"task_id": taskID})
	o := waitOutcome(t, result)
	require.NoError(t, o.err)
	assert.Equal(t, taskID, o.res.TaskID)
}

func TestDispatchNoWorkers(t *testing.T) {
	repo := &storagemock.MockJobRepository{}
	svc, err := dispatch.NewService(dispatch.ServiceConfig{
		Workers:    newRegistry(t),
		Repository: repo,
	})
	require.NoError(t, err)

	start := time.Now()
	_, err = svc.Dispatch(context.Background(), convertJob("t1", []byte("pdf")))

	assert.ErrorIs(t, err, model.ErrNoWorkersAvailable)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	repo.AssertNotCalled(t, "CreateJob", mock.Anything, mock.Anything)
}

func TestDispatchLargeAttachmentChunking(t *testing.T) {
	reg := newRegistry(t)
	r := startRemote(t, reg, "w1")
	svc := newMemoryService(t, dispatch.ServiceConfig{Workers: reg, ChunkSize: 200_000})

	payload := make([]byte, 3_500_000)
	for i := range payload {
		payload[i] = byte(i * 31)
	}

	result := dispatchAsync(svc, convertJob("t1", payload))

	job := r.receiveJobs(1)["t1"]
	require.NotNil(t, job)
	require.Len(t, job.Chunks, 18)
	for i := 0; i < 17; i++ {
		assert.Equal(t, 200_000, job.Chunks[i])
	}
	assert.Equal(t, 100_000, job.Chunks[17])
	assert.Equal(t, 1, job.Finals)
	assert.True(t, bytes.Equal(payload, job.Files[job.Ref.FileIDs[0]]))

	r.reply(protocol.StatusCompletedTask, map[string]any{"task_id": "t1"})
	require.NoError(t, waitOutcome(t, result).err)
}

func TestDispatchConcurrentJobsOutOfOrder(t *testing.T) {
	reg := newRegistry(t)
	r := startRemote(t, reg, "w1")
	svc := newMemoryService(t, dispatch.ServiceConfig{Workers: reg, ChunkSize: 3})

	resA := dispatchAsync(svc, findCirclesJob("a", []byte("page of a")))
	resB := dispatchAsync(svc, convertJob("b", []byte("pdf of b")))

	jobs := r.receiveJobs(2)
	require.Contains(t, jobs, "a")
	require.Contains(t, jobs, "b")
	assert.Equal(t, 2, r.worker.ActiveJobs())

	// Interleaved replies, b completes first.
	r.reply(protocol.StatusSendingChunk, protocol.Chunk{TaskID: "a", FileID: "out", Chunk: []byte("aa")})
	r.reply(protocol.StatusSendingChunk, protocol.Chunk{TaskID: "b", FileID: "out", Chunk: []byte("bb")})
	r.reply(protocol.StatusFinalChunk, protocol.Chunk{TaskID: "b", FileID: "out", Chunk: []byte("BB")})
	r.reply(protocol.StatusCompletedTask, map[string]any{"task_id": "b", "owner": "b"})

	ob := waitOutcome(t, resB)
	require.NoError(t, ob.err)
	assert.Equal(t, "b", ob.res.TaskID)
	assert.Equal(t, map[string][]byte{"out": []byte("bbBB")}, ob.res.Files)
	assert.JSONEq(t, `{"task_id":"b","owner":"b"}`, string(ob.res.Data))

	r.reply(protocol.StatusFinalChunk, protocol.Chunk{TaskID: "a", FileID: "out", Chunk: []byte("AA")})
	r.reply(protocol.StatusCompletedTask, map[string]any{"task_id": "a", "owner": "a"})

	oa := waitOutcome(t, resA)
	require.NoError(t, oa.err)
	assert.Equal(t, "a", oa.res.TaskID)
	assert.Equal(t, map[string][]byte{"out": []byte("aaAA")}, oa.res.Files)
	assert.JSONEq(t, `{"task_id":"a","owner":"a"}`, string(oa.res.Data))

	assert.Equal(t, 0, r.worker.ActiveJobs())
	assert.Equal(t, int64(0), r.worker.DroppedMessages())
}

func TestDispatchDisconnectPropagation(t *testing.T) {
	reg := newRegistry(t)
	r := startRemote(t, reg, "w1")
	svc := newMemoryService(t, dispatch.ServiceConfig{Workers: reg})

	taskIDs := []string{"t1", "t2", "t3"}
	results := make([]<-chan outcome, 0, len(taskIDs))
	for _, id := range taskIDs {
		results = append(results, dispatchAsync(svc, convertJob(id, []byte("pdf"))))
	}
	r.receiveJobs(len(taskIDs))

	require.NoError(t, r.socket.Close())

	for _, c := range results {
		o := waitOutcome(t, c)
		assert.ErrorIs(t, o.err, model.ErrWorkerDisconnected)
		assert.Nil(t, o.res)
	}
	for _, c := range results {
		select {
		case o := <-c:
			t.Fatalf("duplicated resolution: %v", o)
		default:
		}
	}

	assert.Equal(t, 0, r.worker.ActiveJobs())
	for _, id := range taskIDs {
		assert.False(t, r.worker.HasTask(id))
	}
	assert.Equal(t, 0, reg.Len())
}

func TestDispatchDuplicateTask(t *testing.T) {
	reg := newRegistry(t)
	r := startRemote(t, reg, "w1")
	svc := newMemoryService(t, dispatch.ServiceConfig{Workers: reg})

	first := dispatchAsync(svc, convertJob("t1"))
	r.receiveJobs(1)

	_, err := svc.Dispatch(context.Background(), convertJob("t1"))
	assert.ErrorIs(t, err, model.ErrDuplicateTask)
	assert.Equal(t, 1, r.worker.ActiveJobs())

	r.reply(protocol.StatusCompletedTask, map[string]any{"task_id": "t1"})
	require.NoError(t, waitOutcome(t, first).err)
	assert.Equal(t, 0, r.worker.ActiveJobs())
}

func TestDispatchProgressForwarding(t *testing.T) {
	reg := newRegistry(t)
	r := startRemote(t, reg, "w1")
	notifier := &progressRecorder{}
	svc := newMemoryService(t, dispatch.ServiceConfig{Workers: reg, Notifier: notifier})

	result := dispatchAsync(svc, convertJob("t1", []byte("pdf")))
	r.receiveJobs(1)

	r.reply(protocol.StatusProgress, protocol.Progress{TaskID: "t1", Message: "Page 1 of 3"})
	r.reply(protocol.StatusProgress, protocol.Progress{TaskID: "other", Message: "not for us"})
	r.reply(protocol.StatusCompletedTask, map[string]any{"task_id": "t1"})

	o := waitOutcome(t, result)
	require.NoError(t, o.err)
	assert.Empty(t, o.res.Files)

	exp := []string{
		"s1|t1|" + dispatch.SendingJobMessage,
		"s1|t1|Page 1 of 3",
	}
	assert.Equal(t, exp, notifier.Messages())
}

func TestDispatchTimeout(t *testing.T) {
	reg := newRegistry(t)
	r := startRemote(t, reg, "w1")
	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(t, err)
	svc := newMemoryService(t, dispatch.ServiceConfig{Workers: reg, Repository: repo, Timeout: 50 * time.Millisecond})

	_, err = svc.Dispatch(context.Background(), convertJob("t1", []byte("pdf")))
	assert.ErrorIs(t, err, model.ErrDispatchTimeout)
	assert.Equal(t, 0, r.worker.ActiveJobs())
	assert.False(t, r.worker.HasTask("t1"))

	rec, err := repo.GetJob(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, rec.Status)

	// A late reply of the abandoned task is dropped.
	r.reply(protocol.StatusCompletedTask, map[string]any{"task_id": "t1"})
	require.Eventually(t, func() bool { return r.worker.DroppedMessages() == 1 }, waitTimeout, 5*time.Millisecond)
}

func TestDispatchContextCancel(t *testing.T) {
	reg := newRegistry(t)
	r := startRemote(t, reg, "w1")
	svc := newMemoryService(t, dispatch.ServiceConfig{Workers: reg})

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		_, err := svc.Dispatch(ctx, convertJob("t1", []byte("pdf")))
		result <- err
	}()
	r.receiveJobs(1)
	cancel()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitTimeout):
		t.Fatal("dispatch should end when the context is done")
	}
	assert.Equal(t, 0, r.worker.ActiveJobs())
}

func TestDispatchLeastLoadedSelection(t *testing.T) {
	reg := newRegistry(t)
	busy := startRemote(t, reg, "w1")
	idle := startRemote(t, reg, "w2")
	svc := newMemoryService(t, dispatch.ServiceConfig{Workers: reg, Selection: model.SelectionLeastLoaded})

	release := busy.worker.StartJob()
	defer release()

	for range 5 {
		result := dispatchAsync(svc, convertJob("t1"))
		jobs := idle.receiveJobs(1)
		require.Contains(t, jobs, "t1")
		idle.reply(protocol.StatusCompletedTask, map[string]any{"task_id": "t1"})

		o := waitOutcome(t, result)
		require.NoError(t, o.err)
		assert.Equal(t, "w2", o.res.WorkerID)
	}
	assert.Empty(t, busy.socket.Written())
}
