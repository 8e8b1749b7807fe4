// Package api is the HTTP/SSE surface: project and scenario management, run
// lifecycle, decision overrides, and the per-run event stream.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gtmgraph/gtmgraph/pkg/config"
	"github.com/gtmgraph/gtmgraph/pkg/events"
	"github.com/gtmgraph/gtmgraph/pkg/store"
	"github.com/gtmgraph/gtmgraph/pkg/version"
)

// RunCanceller aborts in-flight work for a run on this pod. Implemented by
// the runtime worker pool; nil disables the local fast path.
type RunCanceller interface {
	CancelRun(runID string) bool
}

// Server holds the HTTP handlers and their dependencies.
type Server struct {
	cfg       *config.RuntimeConfig
	store     store.Store
	bus       *events.Bus
	canceller RunCanceller
}

// NewServer wires the API over the given store and event bus.
func NewServer(cfg *config.RuntimeConfig, st store.Store, bus *events.Bus, canceller RunCanceller) *Server {
	return &Server{cfg: cfg, store: st, bus: bus, canceller: canceller}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.Health)

	apiGroup := r.Group("/api/v1")
	{
		apiGroup.POST("/projects", s.CreateProject)
		apiGroup.GET("/projects", s.ListProjects)
		apiGroup.GET("/projects/:id", s.GetProject)
		apiGroup.POST("/projects/:id/scenarios", s.CreateScenario)
		apiGroup.GET("/projects/:id/scenarios", s.ListScenarios)

		apiGroup.GET("/scenarios/:id", s.GetScenario)
		apiGroup.GET("/scenarios/:id/state", s.GetScenarioState)
		apiGroup.GET("/scenarios/:id/diff", s.DiffScenarios)
		apiGroup.POST("/scenarios/:id/runs", s.CreateRun)
		apiGroup.GET("/scenarios/:id/runs", s.ListRuns)
		apiGroup.POST("/scenarios/:id/decisions/:key/select", s.SelectDecision)
		apiGroup.POST("/scenarios/:id/complete", s.CompleteScenario)

		apiGroup.GET("/runs/:id", s.GetRun)
		apiGroup.POST("/runs/:id/resume", s.ResumeRun)
		apiGroup.POST("/runs/:id/cancel", s.CancelRun)
		apiGroup.GET("/runs/:id/stream", s.StreamRun)
	}
	return r
}

// Health reports API and store liveness.
func (s *Server) Health(c *gin.Context) {
	ctx, cancel := contextWithTimeout(c, 5*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "version": version.Full()})
}
