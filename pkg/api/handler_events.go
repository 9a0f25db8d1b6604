package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// streamEvents handles GET /api/events?task_id=..., streaming the task's
// bus events as SSE until it completes or the client disconnects.
func (s *Server) streamEvents(c *gin.Context) {
	if s.deps.SSE == nil {
		jsonError(c, http.StatusServiceUnavailable, "event streaming is not enabled")
		return
	}
	taskID := c.Query("task_id")
	if taskID == "" {
		jsonError(c, http.StatusBadRequest, "query parameter task_id is required")
		return
	}

	if err := s.deps.SSE.Stream(c.Request.Context(), c.Writer, taskID); err != nil {
		s.logger.Warn("sse stream ended with error", "task_id", taskID, "error", err)
	}
}
