// Package gateway wires the core's six operations to gin HTTP handlers.
// It is a thin demo surface, not an admin backend: no CRUD admin API, no
// login flow, just enough routing to drive the core.
package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/eduforge/timetable-core/internal/core/attendance"
	"github.com/eduforge/timetable-core/internal/core/feasibility"
	"github.com/eduforge/timetable-core/internal/core/materialiser"
	"github.com/eduforge/timetable-core/internal/core/model"
	"github.com/eduforge/timetable-core/internal/core/scheduler"
	"github.com/eduforge/timetable-core/pkg/identity"
	"github.com/eduforge/timetable-core/pkg/response"
)

// Handler groups the core services behind HTTP endpoints.
type Handler struct {
	feasibility     *feasibility.Service
	scheduler       *scheduler.Service
	materialiser    *materialiser.Service
	attendance      *attendance.Service
	metrics         *Metrics
	defaultDeadline time.Duration
}

func NewHandler(
	feasibilitySvc *feasibility.Service,
	schedulerSvc *scheduler.Service,
	materialiserSvc *materialiser.Service,
	attendanceSvc *attendance.Service,
	metrics *Metrics,
	defaultDeadline time.Duration,
) *Handler {
	return &Handler{
		feasibility:     feasibilitySvc,
		scheduler:       schedulerSvc,
		materialiser:    materialiserSvc,
		attendance:      attendanceSvc,
		metrics:         metrics,
		defaultDeadline: defaultDeadline,
	}
}

// Register mounts every route under the given gin router group.
func (h *Handler) Register(api *gin.RouterGroup, markers gin.HandlerFunc) {
	api.GET("/feasibility", h.checkFeasibility)

	protected := api.Group("")
	protected.Use(markers)
	protected.POST("/schedule/regenerate", h.regenerate)
	protected.GET("/instances", h.materialiseInstances)
	protected.POST("/attendance/tokens", h.issueToken)
	protected.POST("/attendance/scan", h.scan)
	protected.POST("/attendance/sweep", h.sweepAbsences)
}

func (h *Handler) checkFeasibility(c *gin.Context) {
	if err := h.feasibility.Check(c.Request.Context()); err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"feasible": true}, nil)
}

type regenerateRequest struct {
	GroupIDs   []string `json:"group_ids" binding:"required,min=1"`
	DeadlineMS int      `json:"deadline_ms"`
}

func (h *Handler) regenerate(c *gin.Context) {
	var req regenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, err)
		return
	}

	deadline := time.Duration(req.DeadlineMS) * time.Millisecond
	if deadline <= 0 {
		deadline = h.defaultDeadline
	}
	start := time.Now()
	result, err := h.scheduler.Regenerate(c.Request.Context(), req.GroupIDs, deadline)
	h.metrics.ObserveRegenerateSeconds(time.Since(start).Seconds())
	if err != nil {
		response.Error(c, err)
		return
	}
	h.metrics.ObserveRegenerateBacktracks(result.BacktrackCount)
	response.JSON(c, http.StatusOK, gin.H{"assignment_count": result.AssignmentCount}, nil)
}

func (h *Handler) materialiseInstances(c *gin.Context) {
	from, err := time.Parse("2006-01-02", c.Query("from"))
	if err != nil {
		response.Error(c, err)
		return
	}
	to, err := time.Parse("2006-01-02", c.Query("to"))
	if err != nil {
		response.Error(c, err)
		return
	}

	scope := model.InstanceScope{
		GroupID:   c.Query("group_id"),
		TeacherID: c.Query("teacher_id"),
		StudentID: c.Query("student_id"),
	}

	instances, err := h.materialiser.MaterialiseInstances(c.Request.Context(), from, to, scope)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, instances, nil)
}

type issueTokenRequest struct {
	StudentID string `json:"student_id" binding:"required"`
}

func (h *Handler) issueToken(c *gin.Context) {
	var req issueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, err)
		return
	}

	nonce, token, err := h.attendance.IssueToken(c.Request.Context(), req.StudentID, time.Now())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, gin.H{"nonce": nonce, "expires_at": token.ExpiresAt})
}

type scanRequest struct {
	Nonce           string `json:"nonce" binding:"required"`
	ClassInstanceID string `json:"class_instance_id" binding:"required"`
}

func (h *Handler) scan(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, err)
		return
	}

	markerID, _ := identity.MarkerID(c)
	outcome, err := h.attendance.Scan(c.Request.Context(), req.Nonce, req.ClassInstanceID, markerID, time.Now())
	if err != nil {
		h.metrics.ObserveScan("error")
		response.Error(c, err)
		return
	}
	h.metrics.ObserveScan(string(outcome.Status))
	response.JSON(c, http.StatusOK, gin.H{"status": outcome.Status, "minutes_late": outcome.MinutesLate}, nil)
}

type sweepRequest struct {
	ClassInstanceID string `json:"class_instance_id" binding:"required"`
}

func (h *Handler) sweepAbsences(c *gin.Context) {
	var req sweepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, err)
		return
	}

	created, err := h.attendance.SweepAbsences(c.Request.Context(), req.ClassInstanceID, time.Now())
	if err != nil {
		response.Error(c, err)
		return
	}
	h.metrics.ObserveSweep(created)
	response.JSON(c, http.StatusOK, gin.H{"records_created": created}, nil)
}
