package api

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gtmgraph/gtmgraph/pkg/depgraph"
	"github.com/gtmgraph/gtmgraph/pkg/merge"
	"github.com/gtmgraph/gtmgraph/pkg/models"
	"github.com/gtmgraph/gtmgraph/pkg/state"
	"github.com/gtmgraph/gtmgraph/pkg/store"
	"github.com/gtmgraph/gtmgraph/pkg/validator"
)

// CreateScenario handles POST /api/v1/projects/:id/scenarios. The request's
// idea, constraints, and intake answers become the scenario's version-1 state.
func (s *Server) CreateScenario(c *gin.Context) {
	ctx := c.Request.Context()
	projectID := c.Param("id")

	var req CreateScenarioRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortBadRequest(c, err)
		return
	}
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		abortWithError(c, err)
		return
	}

	scenarioID := models.NewScenarioID()
	st := state.New(projectID, scenarioID, req.Idea, req.Constraints)
	for _, answer := range req.IntakeAnswers {
		if err := st.AppendAt("/inputs/intake_answers", map[string]any{
			"question_id": answer.QuestionID,
			"answer":      answer.Answer,
		}); err != nil {
			abortWithError(c, err)
			return
		}
	}
	if err := st.Validate(); err != nil {
		abortBadRequest(c, err)
		return
	}

	rec := &store.ScenarioRecord{
		ID:        scenarioID,
		ProjectID: projectID,
		Name:      req.Name,
		Status:    "draft",
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateScenario(ctx, rec); err != nil {
		abortWithError(c, err)
		return
	}
	snap := &store.Snapshot{
		ID:         models.NewSnapshotID(),
		ScenarioID: scenarioID,
		AgentIndex: -1,
		State:      st.Doc(),
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.AppendSnapshot(ctx, snap); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"scenario": rec, "state_version": snap.Version})
}

// ListScenarios handles GET /api/v1/projects/:id/scenarios.
func (s *Server) ListScenarios(c *gin.Context) {
	recs, err := s.store.ListScenarios(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scenarios": recs})
}

// GetScenario handles GET /api/v1/scenarios/:id.
func (s *Server) GetScenario(c *gin.Context) {
	ctx := c.Request.Context()
	rec, err := s.store.GetScenario(ctx, c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	version := 0
	if snap, err := s.store.LatestSnapshot(ctx, rec.ID); err == nil {
		version = snap.Version
	}
	c.JSON(http.StatusOK, gin.H{"scenario": rec, "state_version": version})
}

// GetScenarioState handles GET /api/v1/scenarios/:id/state. An optional
// version query selects an older checkpoint.
func (s *Server) GetScenarioState(c *gin.Context) {
	ctx := c.Request.Context()
	scenarioID := c.Param("id")

	var snap *store.Snapshot
	var err error
	if v := c.Query("version"); v != "" {
		var version int
		if _, convErr := fmt.Sscanf(v, "%d", &version); convErr != nil {
			abortBadRequest(c, fmt.Errorf("invalid version %q", v))
			return
		}
		snap, err = s.store.GetSnapshot(ctx, scenarioID, version)
	} else {
		snap, err = s.store.LatestSnapshot(ctx, scenarioID)
	}
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"version": snap.Version, "state": snap.State})
}

// DiffScenarios handles GET /api/v1/scenarios/:id/diff?against=<scenario>.
// The response is the patch list that transforms this scenario's latest
// state into the other's.
func (s *Server) DiffScenarios(c *gin.Context) {
	ctx := c.Request.Context()
	otherID := c.Query("against")
	if otherID == "" {
		abortBadRequest(c, fmt.Errorf("missing required query parameter 'against'"))
		return
	}

	base, err := s.loadLatestState(ctx, c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	other, err := s.loadLatestState(ctx, otherID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"patches": state.Diff(base, other)})
}

// SelectDecision handles POST /api/v1/scenarios/:id/decisions/:key/select.
// It pins the decision as a user override, checkpoints, and queues a partial
// rerun of the downstream cascade.
func (s *Server) SelectDecision(c *gin.Context) {
	ctx := c.Request.Context()
	scenarioID := c.Param("id")
	key := c.Param("key")

	var req SelectDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortBadRequest(c, err)
		return
	}
	if depgraph.DecisionOwner(key) == "" {
		abortBadRequest(c, fmt.Errorf("unknown decision %q", key))
		return
	}

	st, err := s.loadLatestState(ctx, scenarioID)
	if err != nil {
		abortWithError(c, err)
		return
	}

	base := "/decisions/" + key
	writes := []struct {
		path  string
		value any
	}{
		{base + "/selected_option_id", req.SelectedOptionID},
		{base + "/selection_mode", "user_override"},
		{base + "/override", map[string]any{
			"is_custom":     req.IsCustom,
			"justification": req.Justification,
		}},
	}
	for _, w := range writes {
		if err := st.Apply(models.OpReplace, w.path, w.value); err != nil {
			abortWithError(c, err)
			return
		}
	}
	decayDependentConfidence(st, key)
	st.Touch(merge.RuntimeActor)

	snap := &store.Snapshot{
		ID:         models.NewSnapshotID(),
		ScenarioID: scenarioID,
		AgentIndex: -1,
		Agent:      merge.RuntimeActor,
		State:      st.Doc(),
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.AppendSnapshot(ctx, snap); err != nil {
		abortWithError(c, err)
		return
	}

	run, err := s.queueRun(ctx, scenarioID, key, "")
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"run_id":        run.ID,
		"stream_url":    streamURL(run.ID),
		"state_version": snap.Version,
	})
}

// decayDependentConfidence lowers confidence on graph nodes that depend on
// the overridden decision or anything downstream of it. The queued partial
// rerun restores confidence when those nodes are rebuilt.
func decayDependentConfidence(st *state.State, changedDecision string) {
	impacted := map[string]struct{}{changedDecision: {}}
	for _, d := range depgraph.ImpactedDecisions(changedDecision) {
		impacted[d] = struct{}{}
	}
	for _, raw := range st.GraphNodes() {
		node, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		deps, _ := node["dependencies"].([]any)
		hit := false
		for _, dep := range deps {
			if name, ok := dep.(string); ok {
				if _, found := impacted[name]; found {
					hit = true
					break
				}
			}
		}
		if !hit {
			continue
		}
		confidence := 0.5
		if c, ok := node["confidence"].(float64); ok {
			confidence = c
		}
		node["confidence"] = math.Max(confidence-0.1, 0.1)
	}
}

// CompleteScenario handles POST /api/v1/scenarios/:id/complete. Completion
// requires no unresolved critical or high contradictions under the full
// gate set; otherwise 409 with the blocking findings.
func (s *Server) CompleteScenario(c *gin.Context) {
	ctx := c.Request.Context()
	scenarioID := c.Param("id")

	st, err := s.loadLatestState(ctx, scenarioID)
	if err != nil {
		abortWithError(c, err)
		return
	}

	report := validator.Evaluate(st, validator.Gates{Finalize: true, MarkComplete: true})
	if report.Blocking {
		blocking := make([]map[string]any, 0, len(report.Contradictions))
		for _, contradiction := range report.Contradictions {
			if contradiction.Severity.Blocking() {
				blocking = append(blocking, contradiction.AsMap())
			}
		}
		c.JSON(http.StatusConflict, gin.H{
			"error":          "scenario has unresolved contradictions",
			"contradictions": blocking,
		})
		return
	}

	if err := s.store.UpdateScenarioStatus(ctx, scenarioID, "completed"); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed"})
}

func (s *Server) loadLatestState(ctx context.Context, scenarioID string) (*state.State, error) {
	snap, err := s.store.LatestSnapshot(ctx, scenarioID)
	if err != nil {
		return nil, err
	}
	return state.FromDoc(snap.State)
}
