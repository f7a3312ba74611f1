// Package api is the HTTP surface of the broker: job submission, monitoring
// and the socket endpoint shared by workers and frontend sessions.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/omrkit/omr/internal/app/jobs"
	"github.com/omrkit/omr/internal/broker"
	"github.com/omrkit/omr/internal/log"
	"github.com/omrkit/omr/internal/model"
)

// Dispatcher runs jobs on the workers.
type Dispatcher interface {
	Dispatch(ctx context.Context, job model.Job) (*model.JobResult, error)
}

// StatusGetter returns the broker status.
type StatusGetter interface {
	Run(ctx context.Context) (*model.BrokerStatus, error)
}

// JobGetter queries the jobs journal.
type JobGetter interface {
	Get(ctx context.Context, taskID string) (*model.JobRecord, error)
	List(ctx context.Context, req jobs.ListRequest) ([]model.JobRecord, error)
}

// WorkerServer serves worker connections.
type WorkerServer interface {
	Serve(ctx context.Context, w *broker.Worker) error
	Len() int
}

// SessionServer serves frontend connections.
type SessionServer interface {
	Serve(ctx context.Context, socket broker.Socket, workerCount func() int) error
}

// ServerConfig is the configuration of the HTTP server.
type ServerConfig struct {
	ListenAddr string
	Dispatcher Dispatcher
	Status     StatusGetter
	Jobs       JobGetter
	Workers    WorkerServer
	Sessions   SessionServer
	// MaxUploadBytes limits the size of the job files, 0 means no limit.
	MaxUploadBytes int64
	// OnShutdown is called after the HTTP server stops, before Run returns.
	OnShutdown func()
	Logger     log.Logger
}

func (c *ServerConfig) defaults() error {
	if c.ListenAddr == "" {
		c.ListenAddr = model.DefaultListenAddr
	}
	if c.Dispatcher == nil {
		return fmt.Errorf("dispatcher is required")
	}
	if c.Status == nil {
		return fmt.Errorf("status is required")
	}
	if c.Jobs == nil {
		return fmt.Errorf("jobs is required")
	}
	if c.Workers == nil {
		return fmt.Errorf("workers is required")
	}
	if c.Sessions == nil {
		return fmt.Errorf("sessions is required")
	}
	if c.MaxUploadBytes < 0 {
		return fmt.Errorf("max upload bytes can't be negative")
	}
	if c.OnShutdown == nil {
		c.OnShutdown = func() {}
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "api.Server"})

	return nil
}

// Server is the broker HTTP server.
type Server struct {
	server         *http.Server
	engine         *gin.Engine
	upgrader       websocket.Upgrader
	dispatcher     Dispatcher
	status         StatusGetter
	jobs           JobGetter
	workers        WorkerServer
	sessions       SessionServer
	maxUploadBytes int64
	onShutdown     func()
	logger         log.Logger

	// connCtx bounds the life of the hijacked socket connections, the HTTP
	// server shutdown doesn't wait for them.
	connCtx    context.Context
	closeConns context.CancelFunc
}

// NewServer creates a new HTTP server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)

	connCtx, closeConns := context.WithCancel(context.Background())
	s := &Server{
		engine: gin.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Frontends are served from other origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		dispatcher:     cfg.Dispatcher,
		status:         cfg.Status,
		jobs:           cfg.Jobs,
		workers:        cfg.Workers,
		sessions:       cfg.Sessions,
		maxUploadBytes: cfg.MaxUploadBytes,
		onShutdown:     cfg.OnShutdown,
		logger:         cfg.Logger,
		connCtx:        connCtx,
		closeConns:     closeConns,
	}

	s.engine.Use(gin.Recovery(), s.logRequests())
	s.registerRoutes()

	s.server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler { return s.engine }

// Run starts the server and blocks until ctx is cancelled, then it closes the
// socket connections and shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("HTTP server listening on %s", s.server.Addr)
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.closeConns()
		s.onShutdown()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Infof("Shutting down HTTP server")
	s.closeConns()
	defer s.onShutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown error: %w", err)
	}

	return nil
}

// Close closes every socket connection served by the handler.
func (s *Server) Close() { s.closeConns() }

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		if c.IsWebsocket() {
			return
		}
		s.logger.Debugf("%s %s %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Truncate(time.Millisecond))
	}
}
