package omr_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	intomr "github.com/omrkit/omr/test/integration/omr"
)

// workerItem matches the JSON output of `omr workers --format json`.
type workerItem struct {
	ID         string `json:"id"`
	ActiveJobs int    `json:"active_jobs"`
}

// jobItem matches the JSON output of `omr tasks --format json`.
type jobItem struct {
	TaskID   string `json:"task_id"`
	Command  string `json:"command"`
	WorkerID string `json:"worker_id"`
	Status   string `json:"status"`
	Error    string `json:"error"`
}

func postConvert(t *testing.T, brokerURL, taskID string, file []byte) (int, []byte) {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("task_id", taskID))
	fw, err := mw.CreateFormFile("file", "exam.pdf")
	require.NoError(t, err)
	_, err = fw.Write(file)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(brokerURL+"/convert-to-images", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, raw
}

func waitForWorkers(t *testing.T, config intomr.Config, brokerURL string, n int) {
	t.Helper()

	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		stdout, _, err := intomr.RunWorkers(ctx, config, brokerURL)
		if err != nil {
			return false
		}
		var workers []workerItem
		if err := json.Unmarshal(stdout, &workers); err != nil {
			return false
		}
		return len(workers) == n
	}, 30*time.Second, 200*time.Millisecond)
}

func TestBrokerPipeline(t *testing.T) {
	config := intomr.NewConfig(t)

	addr := intomr.FreeAddr(t)
	brokerURL := "http://" + addr
	intomr.StartBroker(t, config, addr, filepath.Join(t.TempDir(), "omr.db"))
	intomr.StartAgent(t, config, brokerURL, "integration-worker")
	waitForWorkers(t, config, brokerURL, 1)

	// The echo executor returns the uploaded file, bigger than a chunk to exercise the transfer.
	file := bytes.Repeat([]byte("%PDF-"), 1000)
	code, raw := postConvert(t, brokerURL, "it-task-1", file)
	require.Equal(t, http.StatusOK, code, string(raw))

	var res struct {
		Status string `json:"status"`
		Data   struct {
			TaskID string            `json:"task_id"`
			Files  map[string]string `json:"files"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Equal(t, "COMPLETED_TASK", res.Status)
	assert.Equal(t, "it-task-1", res.Data.TaskID)
	require.Len(t, res.Data.Files, 1)
	for _, b64 := range res.Data.Files {
		got, err := base64.StdEncoding.DecodeString(b64)
		require.NoError(t, err)
		assert.Equal(t, file, got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stdout, stderr, err := intomr.RunTasksGet(ctx, config, brokerURL, "it-task-1")
	require.NoError(t, err, string(stderr))
	var job jobItem
	require.NoError(t, json.Unmarshal(stdout, &job))
	assert.Equal(t, jobItem{TaskID: "it-task-1", Command: "CONVERT_TO_IMAGES", WorkerID: "integration-worker", Status: "done"}, job)

	stdout, stderr, err = intomr.RunTasksList(ctx, config, brokerURL)
	require.NoError(t, err, string(stderr))
	var jobs []jobItem
	require.NoError(t, json.Unmarshal(stdout, &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, "it-task-1", jobs[0].TaskID)
}

func TestBrokerWithoutWorkers(t *testing.T) {
	config := intomr.NewConfig(t)

	addr := intomr.FreeAddr(t)
	brokerURL := "http://" + addr
	intomr.StartBroker(t, config, addr, filepath.Join(t.TempDir(), "omr.db"))

	require.Eventually(t, func() bool {
		resp, err := http.Get(brokerURL + "/status")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 30*time.Second, 100*time.Millisecond)

	code, raw := postConvert(t, brokerURL, "it-task-2", []byte("pdf"))
	assert.Equal(t, http.StatusNotFound, code)
	assert.JSONEq(t, `{"status":"ERROR","error":"no workers available"}`, string(raw))
}
