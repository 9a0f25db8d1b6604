package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/CherryPod/sentinel-sub001/pkg/orchestrator"
)

type submitTaskRequest struct {
	Request      string `json:"request" binding:"required"`
	Source       string `json:"source"`
	ApprovalMode string `json:"approval_mode"`
}

// submitTask handles POST /api/task: one-shot task execution, blocking
// until the task reaches a terminal or parked state.
func (s *Server) submitTask(c *gin.Context) {
	var req submitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		jsonError(c, http.StatusBadRequest, err.Error())
		return
	}

	text, err := validateTaskRequest(req.Request)
	if err != nil {
		jsonError(c, http.StatusBadRequest, err.Error())
		return
	}

	source := req.Source
	if source == "" {
		source = "http"
	}

	result := s.deps.Orch.HandleTask(c.Request.Context(), orchestrator.TaskRequest{
		UserRequest:  text,
		Source:       source,
		SourceKey:    source + ":" + c.ClientIP(),
		ApprovalMode: req.ApprovalMode,
	})
	c.JSON(http.StatusOK, result)
}

// getApproval handles GET /api/approval/:id.
func (s *Server) getApproval(c *gin.Context) {
	pending := s.deps.Approvals.GetPending(c.Param("id"))
	if pending == nil {
		jsonError(c, http.StatusNotFound, "approval not found")
		return
	}

	resp := gin.H{
		"approval_id":  pending.ApprovalID,
		"status":       pending.Status,
		"user_request": pending.UserRequest,
		"created_at":   pending.CreatedAt,
		"expires_at":   pending.ExpiresAt,
	}
	if pending.Plan != nil {
		resp["plan_summary"] = pending.Plan.PlanSummary
		resp["step_count"] = len(pending.Plan.Steps)
	}
	c.JSON(http.StatusOK, resp)
}

type approveRequest struct {
	Granted bool   `json:"granted"`
	Reason  string `json:"reason"`
}

// approve handles POST /api/approve/:id. An accepted grant resumes the
// parked plan and returns its real execution result; anything else
// (unknown id, expired, already decided) is a terminal error body.
func (s *Server) approve(c *gin.Context) {
	var req approveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		jsonError(c, http.StatusBadRequest, err.Error())
		return
	}
	reason, err := validateReason(req.Reason)
	if err != nil {
		jsonError(c, http.StatusBadRequest, err.Error())
		return
	}

	approvalID := c.Param("id")
	if !s.deps.Approvals.Submit(approvalID, req.Granted, reason) {
		c.JSON(http.StatusOK, gin.H{
			"status": "error",
			"reason": "Invalid, expired, or duplicate approval",
		})
		return
	}

	result := s.deps.Orch.ExecuteApprovedPlan(c.Request.Context(), approvalID)
	c.JSON(http.StatusOK, result)
}

// getSession handles GET /api/session/:id, a debug view keyed by
// source_key.
func (s *Server) getSession(c *gin.Context) {
	sess := s.deps.Sessions.Get(c.Param("id"))
	if sess == nil {
		jsonError(c, http.StatusNotFound, "session not found")
		return
	}
	c.JSON(http.StatusOK, sess.Clone())
}
