package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"triggerd/internal/cronexpr"
	"triggerd/internal/domain"
	"triggerd/internal/scheduler"
	"triggerd/internal/storage"
	"triggerd/internal/triggers"
	logx "triggerd/pkg/logx"
)

const maxLogLimit = 200

type handler struct {
	sched   Scheduler
	trig    Triggers
	store   Store
	metrics Metrics
	log     logx.Logger
	now     func() time.Time
	started time.Time
}

// GET /healthz
func (h *handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GET /readyz
func (h *handler) Readyz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "error": "store unavailable"})
		return
	}
	st := h.sched.Status()
	c.JSON(http.StatusOK, gin.H{"ready": true, "scheduler": st.Initialized, "timestamp": h.now().UTC()})
}

type statusResponse struct {
	scheduler.Status
	Uptime    float64   `json:"uptime"`
	Timestamp time.Time `json:"timestamp"`
}

// GET /api/v1/scheduler/status
func (h *handler) SchedulerStatus(c *gin.Context) {
	now := h.now()
	c.JSON(http.StatusOK, statusResponse{
		Status:    h.sched.Status(),
		Uptime:    now.Sub(h.started).Seconds(),
		Timestamp: now.UTC(),
	})
}

// POST /api/v1/scheduler/restart
func (h *handler) RestartScheduler(c *gin.Context) {
	if err := h.sched.Restart(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "scheduler restarted", "status": h.sched.Status()})
}

// GET /api/v1/scheduler/metrics
func (h *handler) Metrics(c *gin.Context) {
	if h.metrics == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "metrics disabled"})
		return
	}
	snap, err := h.metrics.Snapshot(c.Request.Context())
	if err != nil {
		h.log.Warn("metrics snapshot failed", logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// POST /api/v1/scheduler/workflows/:id/run
func (h *handler) RunWorkflow(c *gin.Context) {
	wfID, ok := pathID(c)
	if !ok {
		return
	}
	out, err := h.sched.RunWorkflow(c.Request.Context(), userID(c), wfID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// GET /api/v1/scheduler/workflows/:id/logs?limit=&offset=
func (h *handler) ExecutionLogs(c *gin.Context) {
	wf, ok := h.ownedWorkflow(c)
	if !ok {
		return
	}
	limit, err := queryInt(c, "limit", storage.DefaultLogLimit)
	if err != nil || limit <= 0 || limit > maxLogLimit {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
		return
	}
	logs, err := h.store.ListExecutionLogs(c.Request.Context(), wf.ID, limit, offset)
	if err != nil {
		h.fail(c, err)
		return
	}
	if logs == nil {
		logs = []domain.ExecutionLogEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs, "total": len(logs)})
}

// GET /api/v1/scheduler/workflows/:id/stats
func (h *handler) WorkflowStats(c *gin.Context) {
	wf, ok := h.ownedWorkflow(c)
	if !ok {
		return
	}
	stats, err := h.store.WorkflowStats(c.Request.Context(), wf.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"workflow_name":  wf.Name,
		"executed_count": wf.ExecutedCount,
		"stats":          stats,
	})
}

// GET /api/v1/triggers
func (h *handler) ListTriggers(c *gin.Context) {
	list, err := h.trig.List(c.Request.Context(), userID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	if list == nil {
		list = []domain.Trigger{}
	}
	c.JSON(http.StatusOK, gin.H{"triggers": list})
}

// GET /api/v1/triggers/available-workflows
func (h *handler) AvailableWorkflows(c *gin.Context) {
	list, err := h.trig.AvailableWorkflows(c.Request.Context(), userID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	if list == nil {
		list = []domain.Workflow{}
	}
	c.JSON(http.StatusOK, gin.H{"workflows": list})
}

// GET /api/v1/triggers/:id
func (h *handler) GetTrigger(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	t, err := h.trig.Get(c.Request.Context(), userID(c), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// GET /api/v1/triggers/workflow/:id
func (h *handler) GetTriggerByWorkflow(c *gin.Context) {
	wfID, ok := pathID(c)
	if !ok {
		return
	}
	t, err := h.trig.GetByWorkflow(c.Request.Context(), userID(c), wfID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// POST /api/v1/triggers
func (h *handler) CreateTrigger(c *gin.Context) {
	var req triggers.CreateParams
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	t, err := h.trig.Create(c.Request.Context(), userID(c), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

// PUT /api/v1/triggers/:id
func (h *handler) UpdateTrigger(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req triggers.UpdateParams
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	t, err := h.trig.Update(c.Request.Context(), userID(c), id, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

type toggleRequest struct {
	Active *bool `json:"is_active"`
}

// POST /api/v1/triggers/:id/toggle
//
// An empty body flips the current state.
func (h *handler) ToggleTrigger(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	t, err := h.trig.Toggle(c.Request.Context(), userID(c), id, req.Active)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// DELETE /api/v1/triggers/:id
func (h *handler) DeleteTrigger(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.trig.Delete(c.Request.Context(), userID(c), id); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ownedWorkflow loads the :id workflow and hides workflows of other owners.
func (h *handler) ownedWorkflow(c *gin.Context) (domain.Workflow, bool) {
	id, ok := pathID(c)
	if !ok {
		return domain.Workflow{}, false
	}
	wf, err := h.store.GetWorkflow(c.Request.Context(), id)
	if err == nil && wf.OwnerID != userID(c) {
		err = storage.ErrNotFound
	}
	if err != nil {
		h.fail(c, err)
		return domain.Workflow{}, false
	}
	return wf, true
}

func (h *handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", logx.String("path", c.FullPath()), logx.Err(err))
		c.JSON(status, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, triggers.ErrInvalidInput),
		errors.Is(err, triggers.ErrNoUpdates),
		errors.Is(err, cronexpr.ErrInvalidSchedule):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrTriggerExists),
		errors.Is(err, scheduler.ErrInitializeInProgress):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
