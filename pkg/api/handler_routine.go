package api

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/CherryPod/sentinel-sub001/pkg/routines"
)

type createRoutineRequest struct {
	UserID       string `json:"user_id"`
	Name         string `json:"name" binding:"required"`
	Prompt       string `json:"prompt" binding:"required"`
	TriggerType  string `json:"trigger_type" binding:"required"`
	Schedule     string `json:"schedule"`
	EventPattern string `json:"event_pattern"`
	ApprovalMode string `json:"approval_mode"`
	CooldownS    int    `json:"cooldown_s"`
}

// createRoutine handles POST /api/routine.
func (s *Server) createRoutine(c *gin.Context) {
	var req createRoutineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		jsonError(c, http.StatusBadRequest, err.Error())
		return
	}

	prompt, err := validateTaskRequest(req.Prompt)
	if err != nil {
		jsonError(c, http.StatusBadRequest, err.Error())
		return
	}

	userID := req.UserID
	if userID == "" {
		userID = "default"
	}
	r := &routines.Routine{
		UserID:       userID,
		Name:         sanitizeText(req.Name),
		Prompt:       prompt,
		TriggerType:  req.TriggerType,
		Schedule:     req.Schedule,
		EventPattern: req.EventPattern,
		ApprovalMode: req.ApprovalMode,
		CooldownS:    req.CooldownS,
	}
	if err := s.deps.Routines.Create(r); err != nil {
		jsonError(c, http.StatusBadRequest, err.Error())
		return
	}
	c.JSON(http.StatusCreated, r)
}

// listRoutines handles GET /api/routine?user_id=....
func (s *Server) listRoutines(c *gin.Context) {
	userID := c.DefaultQuery("user_id", "default")
	list, err := s.deps.Routines.List(userID)
	if err != nil {
		jsonError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"routines": list})
}

// getRoutine handles GET /api/routine/:id.
func (s *Server) getRoutine(c *gin.Context) {
	r, err := s.deps.Routines.Get(c.Param("id"))
	if errors.Is(err, sql.ErrNoRows) {
		jsonError(c, http.StatusNotFound, "routine not found")
		return
	}
	if err != nil {
		jsonError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, r)
}

// updateRoutine handles PATCH /api/routine/:id with a sparse field map.
// Identity and run-state fields are rejected by the store.
func (s *Server) updateRoutine(c *gin.Context) {
	var fields map[string]any
	if err := c.ShouldBindJSON(&fields); err != nil {
		jsonError(c, http.StatusBadRequest, err.Error())
		return
	}

	r, err := s.deps.Routines.Update(c.Param("id"), fields)
	if errors.Is(err, sql.ErrNoRows) {
		jsonError(c, http.StatusNotFound, "routine not found")
		return
	}
	if err != nil {
		jsonError(c, http.StatusBadRequest, err.Error())
		return
	}
	c.JSON(http.StatusOK, r)
}

// deleteRoutine handles DELETE /api/routine/:id.
func (s *Server) deleteRoutine(c *gin.Context) {
	err := s.deps.Routines.Delete(c.Param("id"))
	if errors.Is(err, sql.ErrNoRows) {
		jsonError(c, http.StatusNotFound, "routine not found")
		return
	}
	if err != nil {
		jsonError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// runRoutine handles POST /api/routine/:id/run, triggering the routine
// immediately regardless of its schedule or cooldown.
func (s *Server) runRoutine(c *gin.Context) {
	if s.deps.Engine == nil {
		jsonError(c, http.StatusServiceUnavailable, "routine engine is not running")
		return
	}
	execID, err := s.deps.Engine.TriggerManual(c.Param("id"))
	if errors.Is(err, sql.ErrNoRows) {
		jsonError(c, http.StatusNotFound, "routine not found")
		return
	}
	if err != nil {
		jsonError(c, http.StatusConflict, err.Error())
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"execution_id": execID})
}

// listExecutions handles GET /api/routine/:id/executions?limit=N.
func (s *Server) listExecutions(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 200 {
			jsonError(c, http.StatusBadRequest, "limit must be between 1 and 200")
			return
		}
		limit = n
	}
	execs, err := s.deps.Routines.ListExecutions(c.Param("id"), limit)
	if err != nil {
		jsonError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": execs})
}
