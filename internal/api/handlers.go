package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/omrkit/omr/internal/app/jobs"
	"github.com/omrkit/omr/internal/broker"
	"github.com/omrkit/omr/internal/log"
	"github.com/omrkit/omr/internal/model"
	"github.com/omrkit/omr/internal/protocol"
)

func (s *Server) registerRoutes() {
	s.engine.GET("/", s.handleSocket)
	s.engine.POST("/convert-to-images", s.handleConvertToImages)
	s.engine.POST("/find-circles", s.handleFindCircles)
	s.engine.GET("/status", s.handleStatus)
	s.engine.GET("/tasks", s.handleListTasks)
	s.engine.GET("/tasks/:id", s.handleGetTask)
}

func (s *Server) handleConvertToImages(c *gin.Context) {
	att, err := s.readAttachment(c)
	if err != nil {
		writeError(c, err)
		return
	}

	s.dispatch(c, model.Job{
		TaskID:      c.PostForm("task_id"),
		SessionID:   sessionID(c),
		Params:      model.ConvertToImagesParams{Filename: att.Filename},
		Attachments: []model.Attachment{*att},
	})
}

func (s *Server) handleFindCircles(c *gin.Context) {
	att, err := s.readAttachment(c)
	if err != nil {
		writeError(c, err)
		return
	}

	var params model.FindCirclesParams
	if err := json.Unmarshal([]byte(c.PostForm("data")), &params); err != nil {
		writeError(c, fmt.Errorf("invalid data field: %s: %w", err, model.ErrNotValid))
		return
	}
	params.Filename = att.Filename

	s.dispatch(c, model.Job{
		TaskID:      c.PostForm("task_id"),
		SessionID:   sessionID(c),
		Params:      params,
		Attachments: []model.Attachment{*att},
	})
}

func (s *Server) dispatch(c *gin.Context, job model.Job) {
	if err := job.Validate(); err != nil {
		writeError(c, err)
		return
	}

	res, err := s.dispatcher.Dispatch(c.Request.Context(), job)
	if err != nil {
		writeError(c, err)
		return
	}

	data, err := resultData(res)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, JobResultResponse{Status: string(protocol.StatusCompletedTask), Data: data})
}

// sessionID returns the frontend session of the request, older frontends
// send it as socket_id.
func sessionID(c *gin.Context) string {
	if id := c.PostForm("session_id"); id != "" {
		return id
	}
	return c.PostForm("socket_id")
}

func (s *Server) readAttachment(c *gin.Context) (*model.Attachment, error) {
	if s.maxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxUploadBytes)
	}

	fh, err := c.FormFile("file")
	if err != nil {
		var mbErr *http.MaxBytesError
		if errors.As(err, &mbErr) {
			return nil, fmt.Errorf("file too large: %w", err)
		}
		return nil, fmt.Errorf("file is required: %s: %w", err, model.ErrNotValid)
	}

	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("could not open file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("could not read file: %w", err)
	}

	return &model.Attachment{Filename: fh.Filename, Data: data}, nil
}

func (s *Server) handleStatus(c *gin.Context) {
	st, err := s.status.Run(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, mapStatusToResponse(*st))
}

func (s *Server) handleGetTask(c *gin.Context) {
	j, err := s.jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, mapJobToResponse(*j))
}

func (s *Server) handleListTasks(c *gin.Context) {
	req := jobs.ListRequest{}
	if l := c.Query("limit"); l != "" {
		limit, err := strconv.Atoi(l)
		if err != nil {
			writeError(c, fmt.Errorf("invalid limit %q: %w", l, model.ErrNotValid))
			return
		}
		req.Limit = limit
	}

	js, err := s.jobs.List(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := ListJobsResponse{Jobs: make([]JobResponse, 0, len(js))}
	for _, j := range js {
		resp.Jobs = append(resp.Jobs, mapJobToResponse(j))
	}
	c.JSON(http.StatusOK, resp)
}

// handleSocket upgrades the connection and serves it as a worker when it
// carries the worker handshake token, as a frontend session otherwise.
func (s *Server) handleSocket(c *gin.Context) {
	if !websocket.IsWebSocketUpgrade(c.Request) {
		c.JSON(http.StatusOK, gin.H{"message": "OMR broker"})
		return
	}

	token, version, workerID, isWorker := protocol.FindWorkerToken(websocket.Subprotocols(c.Request))

	upgrader := s.upgrader
	if isWorker {
		upgrader.Subprotocols = []string{token}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader already replied to the client.
		s.logger.Warningf("Could not upgrade connection from %s: %s", c.Request.RemoteAddr, err)
		return
	}

	if !isWorker {
		err := s.sessions.Serve(s.connCtx, conn, s.workers.Len)
		s.logger.Debugf("Frontend connection from %s closed: %v", c.Request.RemoteAddr, err)
		return
	}

	w, err := broker.NewWorker(broker.WorkerConfig{
		ID:         workerID,
		Version:    version,
		RemoteAddr: c.Request.RemoteAddr,
		Socket:     conn,
		Logger:     s.logger,
	})
	if err != nil {
		s.logger.Errorf("Could not create worker: %s", err)
		_ = conn.Close()
		return
	}

	err = s.workers.Serve(s.connCtx, w)
	s.logger.WithValues(log.Kv{"worker-id": workerID}).Infof("Worker connection from %s closed: %v", c.Request.RemoteAddr, err)
}
