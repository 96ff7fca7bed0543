// Package httpapi is the admin HTTP surface: scheduler status and control,
// execution logs and trigger management.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"triggerd/internal/domain"
	"triggerd/internal/metrics"
	"triggerd/internal/scheduler"
	"triggerd/internal/triggers"
	logx "triggerd/pkg/logx"
)

type Config struct {
	Enabled bool
	Addr    string
	// Token, when set, is required as "Authorization: Bearer <token>" on
	// /api/v1 and /debug/pprof.
	Token string
	// Pprof mounts net/http/pprof under /debug/pprof.
	Pprof bool
}

type Scheduler interface {
	Status() scheduler.Status
	Restart(ctx context.Context) error
	RunWorkflow(ctx context.Context, ownerID, workflowID int64) (scheduler.Outcome, error)
}

type Triggers interface {
	Create(ctx context.Context, ownerID int64, p triggers.CreateParams) (domain.Trigger, error)
	Update(ctx context.Context, ownerID, id int64, p triggers.UpdateParams) (domain.Trigger, error)
	Toggle(ctx context.Context, ownerID, id int64, active *bool) (domain.Trigger, error)
	Delete(ctx context.Context, ownerID, id int64) error
	Get(ctx context.Context, ownerID, id int64) (domain.Trigger, error)
	GetByWorkflow(ctx context.Context, ownerID, workflowID int64) (domain.Trigger, error)
	List(ctx context.Context, ownerID int64) ([]domain.Trigger, error)
	AvailableWorkflows(ctx context.Context, ownerID int64) ([]domain.Workflow, error)
}

// Store is the read side used for health, logs and stats.
type Store interface {
	Ping(ctx context.Context) error
	GetWorkflow(ctx context.Context, id int64) (domain.Workflow, error)
	ListExecutionLogs(ctx context.Context, workflowID int64, limit, offset int) ([]domain.ExecutionLogEntry, error)
	WorkflowStats(ctx context.Context, workflowID int64) (domain.WorkflowStats, error)
}

type Metrics interface {
	Snapshot(ctx context.Context) (metrics.Snapshot, error)
}

type Deps struct {
	Scheduler Scheduler
	Triggers  Triggers
	Store     Store
	// Metrics is optional.
	Metrics Metrics
	Log     logx.Logger
	Now     func() time.Time
}

type Server struct {
	cfg     Config
	h       *handler
	engine  *gin.Engine
	log     logx.Logger
	started time.Time
}

func New(cfg Config, deps Deps) *Server {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "httpapi"))
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	h := &handler{
		sched:   deps.Scheduler,
		trig:    deps.Triggers,
		store:   deps.Store,
		metrics: deps.Metrics,
		log:     log,
		now:     now,
		started: now(),
	}
	s := &Server{cfg: cfg, h: h, log: log, started: h.started}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.log))

	r.GET("/healthz", s.h.Healthz)
	r.GET("/readyz", s.h.Readyz)

	if s.cfg.Pprof {
		r.Group("/debug/pprof", bearerAuth(s.cfg.Token)).Any("/*name", pprofHandler)
	}

	api := r.Group("/api/v1", bearerAuth(s.cfg.Token))
	{
		sched := api.Group("/scheduler")
		sched.GET("/status", s.h.SchedulerStatus)
		sched.POST("/restart", s.h.RestartScheduler)
		sched.GET("/metrics", s.h.Metrics)

		owned := sched.Group("/workflows/:id", requireUser())
		owned.POST("/run", s.h.RunWorkflow)
		owned.GET("/logs", s.h.ExecutionLogs)
		owned.GET("/stats", s.h.WorkflowStats)

		tr := api.Group("/triggers", requireUser())
		tr.GET("", s.h.ListTriggers)
		tr.POST("", s.h.CreateTrigger)
		tr.GET("/available-workflows", s.h.AvailableWorkflows)
		tr.GET("/workflow/:id", s.h.GetTriggerByWorkflow)
		tr.GET("/:id", s.h.GetTrigger)
		tr.PUT("/:id", s.h.UpdateTrigger)
		tr.DELETE("/:id", s.h.DeleteTrigger)
		tr.POST("/:id/toggle", s.h.ToggleTrigger)
	}
	return r
}

func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is done, then shuts down with a bounded grace period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", logx.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		s.log.Warn("http shutdown", logx.Err(err))
		return err
	}
	s.log.Info("http server stopped")
	return nil
}
