package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/gitfix/gitfix/internal/common/config"
	"github.com/gitfix/gitfix/internal/common/httpmw"
	"github.com/gitfix/gitfix/internal/common/logger"
	"github.com/gitfix/gitfix/internal/events/bus"
	"github.com/gitfix/gitfix/internal/jobs"
	"github.com/gitfix/gitfix/internal/queue"
	"github.com/gitfix/gitfix/internal/state"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// In production, validate origin
		return true
	},
}

const (
	defaultActivityLimit = 50
	defaultRecentLimit   = 50
)

// Server is the HTTP and WebSocket surface.
type Server struct {
	cfg    *config.Config
	store  *state.Store
	queue  *queue.Queue
	hub    *Hub
	engine *gin.Engine
	http   *http.Server
	logger *logger.Logger

	mu     sync.RWMutex
	checks map[string]func(context.Context) error
}

// NewServer wires the routes and the stream hub. Call Start to begin
// serving; the hub's Run loop is started by Start.
func NewServer(cfg *config.Config, store *state.Store, q *queue.Queue, eventBus bus.EventBus, log *logger.Logger) *Server {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{
		cfg:    cfg,
		store:  store,
		queue:  q,
		hub:    NewHub(eventBus, log),
		engine: gin.New(),
		logger: log.WithFields(zap.String("component", "api")),
		checks: make(map[string]func(context.Context) error),
	}

	s.engine.Use(gin.Recovery())
	s.engine.Use(httpmw.RequestID())
	s.engine.Use(httpmw.RequestLogger(log, "gitfix"))
	s.engine.Use(httpmw.CORS())
	s.engine.Use(httpmw.OtelTracing("gitfix"))

	s.engine.GET("/health", s.health)
	s.engine.GET("/task/:taskId/state", s.getTaskState)
	s.engine.GET("/task/:taskId/history", s.getTaskHistory)
	s.engine.GET("/task/:taskId/stream", s.streamTask)
	s.engine.GET("/ws/tasks/:taskId", s.streamTask)
	s.engine.GET("/metrics/llm", s.getMetrics)
	s.engine.GET("/activity", s.listActivity)
	s.engine.POST("/import-tasks", s.importTasks)

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.engine,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start runs the hub loop and begins serving. It blocks until the
// listener fails or is shut down.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	s.logger.Info("HTTP server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// RegisterHealthCheck adds a named dependency probe reported by /health.
func (s *Server) RegisterHealthCheck(name string, check func(context.Context) error) {
	s.mu.Lock()
	s.checks[name] = check
	s.mu.Unlock()
}

func (s *Server) health(c *gin.Context) {
	s.mu.RLock()
	checks := make(map[string]func(context.Context) error, len(s.checks))
	for name, check := range s.checks {
		checks[name] = check
	}
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	components := gin.H{}
	for name, check := range checks {
		if err := check(ctx); err != nil {
			status = "degraded"
			components[name] = err.Error()
		} else {
			components[name] = "ok"
		}
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	resp := gin.H{"status": status}
	if len(components) > 0 {
		resp["components"] = components
	}
	c.JSON(code, resp)
}

// GET /task/:taskId/state
func (s *Server) getTaskState(c *gin.Context) {
	taskID := c.Param("taskId")
	task, err := s.store.GetTask(c.Request.Context(), taskID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			apiError(c, http.StatusNotFound, "TASK_NOT_FOUND", "task not found")
			return
		}
		s.logger.Error("failed to read task state", zap.String("task_id", taskID), zap.Error(err))
		apiError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to read task state")
		return
	}
	c.JSON(http.StatusOK, task)
}

// GET /task/:taskId/history
func (s *Server) getTaskHistory(c *gin.Context) {
	taskID := c.Param("taskId")
	history, err := s.store.GetTaskHistory(c.Request.Context(), taskID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			apiError(c, http.StatusNotFound, "TASK_NOT_FOUND", "task not found")
			return
		}
		s.logger.Error("failed to read task history", zap.String("task_id", taskID), zap.Error(err))
		apiError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to read task history")
		return
	}
	c.JSON(http.StatusOK, history)
}

// GET /task/:taskId/stream and GET /ws/tasks/:taskId
//
// Pushes live log, diff, and state frames for one task until the task
// reaches a terminal state or the client disconnects.
func (s *Server) streamTask(c *gin.Context) {
	taskID := c.Param("taskId")
	if taskID == "" {
		apiError(c, http.StatusBadRequest, "MISSING_TASK_ID", "task ID is required")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade connection",
			zap.String("task_id", taskID), zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	client := NewClient(clientID, conn, s.hub, s.logger)

	s.hub.Register(client)
	if err := client.Subscribe(taskID); err != nil {
		s.logger.Error("failed to subscribe to task stream",
			zap.String("task_id", taskID), zap.Error(err))
		s.hub.Unregister(client)
		conn.Close()
		return
	}

	s.logger.Info("stream connected",
		zap.String("client_id", clientID), zap.String("task_id", taskID))

	go client.WritePump()
	go client.ReadPump()
}

// GET /metrics/llm
func (s *Server) getMetrics(c *gin.Context) {
	summary, err := s.store.GetMetrics(c.Request.Context(), defaultRecentLimit)
	if err != nil {
		s.logger.Error("failed to read metrics", zap.Error(err))
		apiError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to read metrics")
		return
	}
	c.JSON(http.StatusOK, summary)
}

// GET /activity
func (s *Server) listActivity(c *gin.Context) {
	limit := defaultActivityLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			apiError(c, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries, err := s.store.ListActivity(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("failed to read activity feed", zap.Error(err))
		apiError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to read activity feed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"activity": entries})
}

// POST /import-tasks
//
// Accepts a batch of task descriptors and enqueues a single import job;
// the import worker drives the hosting CLI to create the issues.
func (s *Server) importTasks(c *gin.Context) {
	var payload jobs.ImportPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		apiError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "request body must be a task import batch")
		return
	}
	if len(payload.Tasks) == 0 {
		apiError(c, http.StatusBadRequest, "EMPTY_BATCH", "at least one task is required")
		return
	}
	for i, t := range payload.Tasks {
		if t.Owner == "" || t.Repo == "" {
			apiError(c, http.StatusBadRequest, "INVALID_TASK",
				fmt.Sprintf("task %d is missing owner or repo", i))
			return
		}
	}

	jobID := fmt.Sprintf("import-%d-%s", time.Now().UTC().Unix(), uuid.New().String()[:8])
	if err := s.queue.Add(c.Request.Context(), jobs.QueueImportTasks, payload, queue.AddOptions{
		JobID: jobID,
	}); err != nil {
		s.logger.Error("failed to enqueue import job", zap.Error(err))
		apiError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to enqueue import job")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"jobId": jobID})
}

func apiError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	})
}
