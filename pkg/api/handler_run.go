package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gtmgraph/gtmgraph/pkg/depgraph"
	"github.com/gtmgraph/gtmgraph/pkg/merge"
	"github.com/gtmgraph/gtmgraph/pkg/models"
	"github.com/gtmgraph/gtmgraph/pkg/state"
	"github.com/gtmgraph/gtmgraph/pkg/store"
)

func streamURL(runID string) string {
	return "/api/v1/runs/" + runID + "/stream"
}

// CreateRun handles POST /api/v1/scenarios/:id/runs. An Idempotency-Key
// header makes re-submission return the original run without side effects.
func (s *Server) CreateRun(c *gin.Context) {
	ctx := c.Request.Context()
	scenarioID := c.Param("id")

	var req CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		abortBadRequest(c, err)
		return
	}
	if req.ChangedDecision != "" && depgraph.DecisionOwner(req.ChangedDecision) == "" {
		abortBadRequest(c, fmt.Errorf("unknown decision %q", req.ChangedDecision))
		return
	}
	if _, err := s.store.GetScenario(ctx, scenarioID); err != nil {
		abortWithError(c, err)
		return
	}

	idemKey := c.GetHeader("Idempotency-Key")
	if idemKey != "" {
		if runID, err := s.store.GetIdempotencyKey(ctx, idemKey); err == nil {
			run, err := s.store.GetRun(ctx, runID)
			if err != nil {
				abortWithError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{
				"run_id":     run.ID,
				"status":     string(run.Status),
				"stream_url": streamURL(run.ID),
			})
			return
		}
	}

	// Full sweeps need the required intake answers before any agent runs.
	// Partial reruns keep whatever intake the pinned decision was built on.
	if req.ChangedDecision == "" {
		st, err := s.loadLatestState(ctx, scenarioID)
		if err != nil {
			abortWithError(c, err)
			return
		}
		if missing := st.MissingIntakeFields(); len(missing) > 0 {
			if err := s.recordOpenQuestions(ctx, scenarioID, st, missing); err != nil {
				abortWithError(c, err)
				return
			}
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":           "run blocked by intake validation",
				"required_inputs": missing,
			})
			return
		}
	}

	run, err := s.queueRun(ctx, scenarioID, req.ChangedDecision, idemKey)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"run_id":     run.ID,
		"status":     string(run.Status),
		"stream_url": streamURL(run.ID),
	})
}

// recordOpenQuestions checkpoints the blocking intake questions so clients
// can render them from the scenario state.
func (s *Server) recordOpenQuestions(ctx context.Context, scenarioID string, st *state.State, missing []string) error {
	questions := make([]any, 0, len(missing))
	for _, field := range missing {
		questions = append(questions, map[string]any{
			"field":    field,
			"question": "Please provide " + strings.ReplaceAll(field, "_", " "),
			"blocking": true,
		})
	}
	if err := st.Apply(models.OpReplace, "/inputs/open_questions", questions); err != nil {
		return err
	}
	st.Touch(merge.RuntimeActor)
	return s.store.AppendSnapshot(ctx, &store.Snapshot{
		ID:         models.NewSnapshotID(),
		ScenarioID: scenarioID,
		AgentIndex: -1,
		Agent:      merge.RuntimeActor,
		State:      st.Doc(),
		CreatedAt:  time.Now().UTC(),
	})
}

func (s *Server) queueRun(ctx context.Context, scenarioID, changedDecision, idemKey string) (*store.RunRecord, error) {
	scenario, err := s.store.GetScenario(ctx, scenarioID)
	if err != nil {
		return nil, err
	}
	run := &store.RunRecord{
		ID:              models.NewRunID(),
		ScenarioID:      scenarioID,
		ProjectID:       scenario.ProjectID,
		Status:          models.RunStatusPending,
		ChangedDecision: changedDecision,
		LastAgentIndex:  -1,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	if idemKey != "" {
		if err := s.store.PutIdempotencyKey(ctx, idemKey, run.ID); err != nil {
			return nil, err
		}
	}
	return run, nil
}

// ListRuns handles GET /api/v1/scenarios/:id/runs.
func (s *Server) ListRuns(c *gin.Context) {
	recs, err := s.store.ListRuns(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": recs})
}

// GetRun handles GET /api/v1/runs/:id.
func (s *Server) GetRun(c *gin.Context) {
	ctx := c.Request.Context()
	run, err := s.store.GetRun(ctx, c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	checkpoint := 0
	if snap, err := s.store.LatestSnapshot(ctx, run.ScenarioID); err == nil {
		checkpoint = snap.Version
	}
	c.JSON(http.StatusOK, gin.H{
		"run_id":           run.ID,
		"scenario_id":      run.ScenarioID,
		"status":           string(run.Status),
		"checkpoint_index": checkpoint,
		"last_agent":       run.LastAgent,
		"last_agent_index": run.LastAgentIndex,
		"changed_decision": run.ChangedDecision,
		"failure_cause":    string(run.FailureCause),
		"error":            run.ErrorMessage,
	})
}

// ResumeRun handles POST /api/v1/runs/:id/resume. The run is requeued and a
// worker restores it from the latest checkpoint.
func (s *Server) ResumeRun(c *gin.Context) {
	runID := c.Param("id")
	if err := s.store.RequeueRun(c.Request.Context(), runID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": "run is not in a resumable state"})
			return
		}
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"run_id":     runID,
		"status":     string(models.RunStatusPending),
		"stream_url": streamURL(runID),
	})
}

// CancelRun handles POST /api/v1/runs/:id/cancel. Pending runs cancel
// immediately; running ones observe the request at the next checkpoint
// fence. In-flight provider calls on this pod are abandoned right away.
func (s *Server) CancelRun(c *gin.Context) {
	ctx := c.Request.Context()
	runID := c.Param("id")

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if run.Status.Terminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "run already finished"})
		return
	}

	wasPending, err := s.store.RequestRunCancel(ctx, runID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if s.canceller != nil {
		s.canceller.CancelRun(runID)
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": runID, "was_pending": wasPending})
}
