package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gtmgraph/gtmgraph/pkg/models"
	"github.com/gtmgraph/gtmgraph/pkg/store"
)

// CreateProject handles POST /api/v1/projects.
func (s *Server) CreateProject(c *gin.Context) {
	var req CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortBadRequest(c, err)
		return
	}
	rec := &store.ProjectRecord{
		ID:        models.NewProjectID(),
		Name:      req.Name,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateProject(c.Request.Context(), rec); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// GetProject handles GET /api/v1/projects/:id.
func (s *Server) GetProject(c *gin.Context) {
	rec, err := s.store.GetProject(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// ListProjects handles GET /api/v1/projects.
func (s *Server) ListProjects(c *gin.Context) {
	recs, err := s.store.ListProjects(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": recs})
}
