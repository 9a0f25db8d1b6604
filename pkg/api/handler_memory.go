package api

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

type storeMemoryRequest struct {
	Content  string            `json:"content" binding:"required"`
	Metadata map[string]string `json:"metadata"`
}

// storeMemory handles POST /api/memory.
func (s *Server) storeMemory(c *gin.Context) {
	var req storeMemoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		jsonError(c, http.StatusBadRequest, err.Error())
		return
	}

	content := sanitizeText(req.Content)
	if content == "" {
		jsonError(c, http.StatusBadRequest, "content must not be empty")
		return
	}
	if len(content) > maxFieldChars {
		jsonError(c, http.StatusBadRequest, "content too long")
		return
	}

	id, err := s.deps.Memory.Store(c.Request.Context(), content, req.Metadata)
	if err != nil {
		jsonError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusCreated, gin.H{"chunk_id": id})
}

// searchMemory handles GET /api/memory/search?q=...&limit=N.
func (s *Server) searchMemory(c *gin.Context) {
	query := sanitizeText(c.Query("q"))
	if query == "" {
		jsonError(c, http.StatusBadRequest, "query parameter q is required")
		return
	}
	limit := 5
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 50 {
			jsonError(c, http.StatusBadRequest, "limit must be between 1 and 50")
			return
		}
		limit = n
	}

	results, err := s.deps.Memory.Search(c.Request.Context(), query, limit)
	if err != nil {
		jsonError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// getMemory handles GET /api/memory/:id.
func (s *Server) getMemory(c *gin.Context) {
	chunk, err := s.deps.Memory.Get(c.Param("id"))
	if errors.Is(err, sql.ErrNoRows) {
		jsonError(c, http.StatusNotFound, "memory not found")
		return
	}
	if err != nil {
		jsonError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, chunk)
}

// deleteMemory handles DELETE /api/memory/:id.
func (s *Server) deleteMemory(c *gin.Context) {
	if err := s.deps.Memory.Delete(c.Request.Context(), c.Param("id")); err != nil {
		jsonError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}
