// Package server is the HTTP shell around the workflow orchestrator.
package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"framechain/internal/model"
	"framechain/internal/service"
	"framechain/internal/session"
	"framechain/internal/tools"
)

type Options struct {
	// UploadDir receives uploaded files before the orchestrator copies
	// them into the session directory.
	UploadDir string
	// ArtifactsDir is served under /artifacts when set.
	ArtifactsDir   string
	MaxUploadBytes int64
}

type Server struct {
	orch   *service.Orchestrator
	runner *service.Runner
	tools  *tools.Registry
	opts   Options
	log    logrus.FieldLogger
}

func New(orch *service.Orchestrator, runner *service.Runner, reg *tools.Registry, opts Options, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 200 << 20
	}
	return &Server{orch: orch, runner: runner, tools: reg, opts: opts, log: log.WithField("component", "http")}
}

// Router 注册所有路由
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.accessLog())
	router.MaxMultipartMemory = 32 << 20

	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	wf := router.Group("/workflows")
	wf.POST("", s.handleCreate)
	wf.GET("", s.handleList)
	wf.GET("/:id", s.handleGet)
	wf.POST("/:id/run", s.handleRun)
	wf.POST("/:id/cancel", s.handleCancel)
	wf.POST("/:id/retry", s.handleRetry)
	wf.POST("/:id/combine", s.handleCombine)
	wf.POST("/:id/clips/:index", s.handleUploadClip)
	wf.GET("/:id/image", s.handleImage)
	wf.GET("/:id/download", s.handleDownload)

	if s.tools != nil {
		router.GET("/tools", s.handleToolList)
		router.POST("/tools/:name", s.handleToolInvoke)
	}
	if s.opts.ArtifactsDir != "" {
		router.Static("/artifacts", s.opts.ArtifactsDir)
	}
	return router
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Debug("request")
	}
}

// fail maps pipeline errors onto HTTP responses. Messages of untyped
// errors are logged, never returned.
func (s *Server) fail(c *gin.Context, err error) {
	var se *service.StepError
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrInvalidID):
		c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
	case errors.Is(err, service.ErrPrecondition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &se):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": se.Kind.Describe(), "kind": se.Kind})
	default:
		s.log.WithError(err).WithField("path", c.FullPath()).Error("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (s *Server) respond(c *gin.Context, code int, st *model.WorkflowState) {
	c.JSON(code, s.view(st))
}
