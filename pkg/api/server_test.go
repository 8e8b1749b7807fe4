package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gtmgraph/gtmgraph/pkg/agent"
	"github.com/gtmgraph/gtmgraph/pkg/config"
	"github.com/gtmgraph/gtmgraph/pkg/events"
	"github.com/gtmgraph/gtmgraph/pkg/models"
	"github.com/gtmgraph/gtmgraph/pkg/runtime"
	"github.com/gtmgraph/gtmgraph/pkg/store"
)

type apiHarness struct {
	router    *gin.Engine
	store     *store.Memory
	bus       *events.Bus
	scheduler *runtime.Scheduler
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	cfg := config.Default()
	st := store.NewMemory()
	bus := events.NewBus(st)
	reg := agent.NewRegistry(&agent.FixtureProvider{})
	require.NoError(t, reg.Validate())
	sched := runtime.NewScheduler(cfg, st, bus, reg)
	srv := NewServer(cfg, st, bus, nil)
	return &apiHarness{router: srv.Router(), store: st, bus: bus, scheduler: sched}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

// executePending claims and runs every pending run synchronously, the way a
// worker would.
func (h *apiHarness) executePending(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for {
		run, err := h.store.ClaimNextPendingRun(ctx, "pod-test")
		if err == store.ErrNoPendingRun {
			return
		}
		require.NoError(t, err)
		_, err = h.scheduler.Execute(ctx, run)
		require.NoError(t, err)
	}
}

func (h *apiHarness) createProject(t *testing.T) string {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/api/v1/projects", gin.H{"name": "AI meeting notes"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	return decodeBody(t, rec)["id"].(string)
}

func (h *apiHarness) createScenario(t *testing.T, projectID string) string {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/api/v1/projects/"+projectID+"/scenarios", gin.H{
		"name": "baseline",
		"idea": models.Idea{
			Name:         "NoteTaker",
			OneLiner:     "AI meeting notes for sales teams",
			Problem:      "reps lose deal context between calls",
			TargetRegion: "us",
			Category:     "b2b_saas",
		},
		"constraints": models.Constraints{
			TeamSize:         2,
			TimelineWeeks:    8,
			BudgetUSDMonthly: 3000,
			ComplianceLevel:  "medium",
		},
		"intake_answers": []models.IntakeAnswer{
			{QuestionID: "buyer_role", Answer: "head_of_sales"},
			{QuestionID: "company_type", Answer: "smb"},
			{QuestionID: "trigger_event", Answer: "new sales hire ramp"},
			{QuestionID: "current_workaround", Answer: "manual CRM notes"},
			{QuestionID: "measurable_outcome", Answer: "faster deal cycles"},
		},
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["state_version"])
	return body["scenario"].(map[string]any)["id"].(string)
}

func TestProjectAndScenarioEndpoints(t *testing.T) {
	h := newAPIHarness(t)

	projectID := h.createProject(t)
	assert.True(t, strings.HasPrefix(projectID, "proj_"))

	rec := h.do(t, http.MethodGet, "/api/v1/projects/"+projectID, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/projects/proj_missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/projects", gin.H{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	scenarioID := h.createScenario(t, projectID)
	assert.True(t, strings.HasPrefix(scenarioID, "scn_"))

	rec = h.do(t, http.MethodGet, "/api/v1/projects/"+projectID+"/scenarios", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["scenarios"], 1)

	rec = h.do(t, http.MethodGet, "/api/v1/scenarios/"+scenarioID+"/state", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["version"])
	st := body["state"].(map[string]any)
	meta := st["meta"].(map[string]any)
	assert.Equal(t, scenarioID, meta["scenario_id"])
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	h := newAPIHarness(t)
	projectID := h.createProject(t)
	scenarioID := h.createScenario(t, projectID)

	rec := h.do(t, http.MethodPost, "/api/v1/scenarios/"+scenarioID+"/runs", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	runID := body["run_id"].(string)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "/api/v1/runs/"+runID+"/stream", body["stream_url"])

	h.executePending(t)

	rec = h.do(t, http.MethodGet, "/api/v1/runs/"+runID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, "completed", body["status"])
	assert.Greater(t, body["checkpoint_index"], float64(1))
	assert.Empty(t, body["failure_cause"])

	rec = h.do(t, http.MethodGet, "/api/v1/scenarios/"+scenarioID+"/runs", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["runs"], 1)
}

func TestCreateRunIdempotency(t *testing.T) {
	h := newAPIHarness(t)
	projectID := h.createProject(t)
	scenarioID := h.createScenario(t, projectID)

	headers := map[string]string{"Idempotency-Key": "retry-123"}
	first := h.do(t, http.MethodPost, "/api/v1/scenarios/"+scenarioID+"/runs", nil, headers)
	require.Equal(t, http.StatusAccepted, first.Code)
	second := h.do(t, http.MethodPost, "/api/v1/scenarios/"+scenarioID+"/runs", nil, headers)
	require.Equal(t, http.StatusOK, second.Code)

	assert.Equal(t, decodeBody(t, first)["run_id"], decodeBody(t, second)["run_id"])

	runs, err := h.store.ListRuns(context.Background(), scenarioID)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestCreateRunRejectsUnknownDecision(t *testing.T) {
	h := newAPIHarness(t)
	projectID := h.createProject(t)
	scenarioID := h.createScenario(t, projectID)

	rec := h.do(t, http.MethodPost, "/api/v1/scenarios/"+scenarioID+"/runs",
		gin.H{"changed_decision": "nonexistent"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateRunRequiresIntakeAnswers(t *testing.T) {
	h := newAPIHarness(t)
	projectID := h.createProject(t)

	rec := h.do(t, http.MethodPost, "/api/v1/projects/"+projectID+"/scenarios", gin.H{
		"name": "no-intake",
		"idea": models.Idea{
			Name:         "NoteTaker",
			OneLiner:     "AI meeting notes for sales teams",
			Problem:      "reps lose deal context between calls",
			TargetRegion: "us",
			Category:     "b2b_saas",
		},
		"constraints": models.Constraints{
			TeamSize:         2,
			TimelineWeeks:    8,
			BudgetUSDMonthly: 3000,
			ComplianceLevel:  "medium",
		},
		"intake_answers": []models.IntakeAnswer{
			{QuestionID: "buyer_role", Answer: "head_of_sales"},
		},
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	scenarioID := decodeBody(t, rec)["scenario"].(map[string]any)["id"].(string)

	rec = h.do(t, http.MethodPost, "/api/v1/scenarios/"+scenarioID+"/runs", nil, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, []any{
		"company_type", "trigger_event", "current_workaround", "measurable_outcome",
	}, body["required_inputs"])

	// No run record was created.
	runs, err := h.store.ListRuns(context.Background(), scenarioID)
	require.NoError(t, err)
	assert.Empty(t, runs)

	// The blocking questions are checkpointed for the client to render.
	snap, err := h.store.LatestSnapshot(context.Background(), scenarioID)
	require.NoError(t, err)
	inputs := snap.State["inputs"].(map[string]any)
	questions := inputs["open_questions"].([]any)
	require.Len(t, questions, 4)
	first := questions[0].(map[string]any)
	assert.Equal(t, "company_type", first["field"])
	assert.Equal(t, true, first["blocking"])

	// A rerun pinned to a decision bypasses the gate.
	rec = h.do(t, http.MethodPost, "/api/v1/scenarios/"+scenarioID+"/runs",
		gin.H{"changed_decision": "pricing"}, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestSelectDecisionQueuesPartialRerun(t *testing.T) {
	h := newAPIHarness(t)
	projectID := h.createProject(t)
	scenarioID := h.createScenario(t, projectID)

	h.do(t, http.MethodPost, "/api/v1/scenarios/"+scenarioID+"/runs", nil, nil)
	h.executePending(t)

	rec := h.do(t, http.MethodPost, "/api/v1/scenarios/"+scenarioID+"/decisions/icp/select", gin.H{
		"selected_option_id": "icp_smb_sales_leader",
		"justification":      "we already have smb design partners",
	}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	runID := body["run_id"].(string)

	run, err := h.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, "icp", run.ChangedDecision)
	assert.Equal(t, models.RunStatusPending, run.Status)

	snap, err := h.store.LatestSnapshot(context.Background(), scenarioID)
	require.NoError(t, err)
	decisions := snap.State["decisions"].(map[string]any)
	icp := decisions["icp"].(map[string]any)
	assert.Equal(t, "icp_smb_sales_leader", icp["selected_option_id"])
	assert.Equal(t, "user_override", icp["selection_mode"])

	// Nodes downstream of the override lose confidence until the rerun
	// rebuilds them; unrelated nodes keep theirs.
	confidences := map[string]float64{}
	for _, raw := range snap.State["graph"].(map[string]any)["nodes"].([]any) {
		node := raw.(map[string]any)
		confidences[node["id"].(string)] = node["confidence"].(float64)
	}
	assert.Less(t, confidences["market.icp.summary"], 0.7)
	assert.GreaterOrEqual(t, confidences["product.security_plan"], 0.7)

	h.executePending(t)
	run, err = h.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
}

func TestSelectDecisionRejectsUnknownKey(t *testing.T) {
	h := newAPIHarness(t)
	projectID := h.createProject(t)
	scenarioID := h.createScenario(t, projectID)

	rec := h.do(t, http.MethodPost, "/api/v1/scenarios/"+scenarioID+"/decisions/bogus/select",
		gin.H{"selected_option_id": "opt_1"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCompleteScenarioGating(t *testing.T) {
	h := newAPIHarness(t)
	projectID := h.createProject(t)
	scenarioID := h.createScenario(t, projectID)

	// A draft scenario has no pricing metric yet, so completion is blocked.
	rec := h.do(t, http.MethodPost, "/api/v1/scenarios/"+scenarioID+"/complete", nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody(t, rec)
	require.NotEmpty(t, body["contradictions"])

	h.do(t, http.MethodPost, "/api/v1/scenarios/"+scenarioID+"/runs", nil, nil)
	h.executePending(t)

	rec = h.do(t, http.MethodPost, "/api/v1/scenarios/"+scenarioID+"/complete", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	scenario, err := h.store.GetScenario(context.Background(), scenarioID)
	require.NoError(t, err)
	assert.Equal(t, "completed", scenario.Status)
}

func TestResumeRun(t *testing.T) {
	h := newAPIHarness(t)
	projectID := h.createProject(t)
	scenarioID := h.createScenario(t, projectID)

	rec := h.do(t, http.MethodPost, "/api/v1/scenarios/"+scenarioID+"/runs", nil, nil)
	runID := decodeBody(t, rec)["run_id"].(string)
	h.executePending(t)

	// Completed runs do not resume.
	rec = h.do(t, http.MethodPost, "/api/v1/runs/"+runID+"/resume", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Force the run into a failed state, then resume requeues it.
	ctx := context.Background()
	require.NoError(t, h.store.CompleteRun(ctx, runID, models.RunStatusFailed, models.CauseError, "provider exploded"))
	rec = h.do(t, http.MethodPost, "/api/v1/runs/"+runID+"/resume", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	run, err := h.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPending, run.Status)
	assert.Empty(t, run.FailureCause)
}

type fakeCanceller struct{ cancelled []string }

func (f *fakeCanceller) CancelRun(runID string) bool {
	f.cancelled = append(f.cancelled, runID)
	return true
}

func TestCancelRun(t *testing.T) {
	h := newAPIHarness(t)
	canceller := &fakeCanceller{}
	srv := NewServer(config.Default(), h.store, h.bus, canceller)
	h.router = srv.Router()

	projectID := h.createProject(t)
	scenarioID := h.createScenario(t, projectID)

	rec := h.do(t, http.MethodPost, "/api/v1/scenarios/"+scenarioID+"/runs", nil, nil)
	runID := decodeBody(t, rec)["run_id"].(string)

	rec = h.do(t, http.MethodPost, "/api/v1/runs/"+runID+"/cancel", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["was_pending"])
	assert.Contains(t, canceller.cancelled, runID)

	run, err := h.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, run.Status)

	// Cancelling a terminal run conflicts.
	rec = h.do(t, http.MethodPost, "/api/v1/runs/"+runID+"/cancel", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStreamReplaysPersistedEvents(t *testing.T) {
	h := newAPIHarness(t)
	projectID := h.createProject(t)
	scenarioID := h.createScenario(t, projectID)

	rec := h.do(t, http.MethodPost, "/api/v1/scenarios/"+scenarioID+"/runs", nil, nil)
	runID := decodeBody(t, rec)["run_id"].(string)
	h.executePending(t)

	// The run already finished, so the stream replays history and closes at
	// the terminal event.
	rec = h.do(t, http.MethodGet, "/api/v1/runs/"+runID+"/stream", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	frames := rec.Body.String()
	assert.Contains(t, frames, "event: run_started\n")
	assert.Contains(t, frames, "event: agent_completed\n")
	assert.Contains(t, frames, "event: run_completed\n")
	assert.Contains(t, frames, "id: 1\n")

	// Reconnecting with Last-Event-ID skips already-seen frames.
	rec = h.do(t, http.MethodGet, "/api/v1/runs/"+runID+"/stream", nil,
		map[string]string{"Last-Event-ID": "5"})
	require.Equal(t, http.StatusOK, rec.Code)
	replay := rec.Body.String()
	assert.NotContains(t, replay, "id: 5\n")
	assert.Contains(t, replay, "id: 6\n")
	assert.Contains(t, replay, "event: run_completed\n")

	rec = h.do(t, http.MethodGet, "/api/v1/runs/"+runID+"/stream", nil,
		map[string]string{"Last-Event-ID": "garbage"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDiffScenarios(t *testing.T) {
	h := newAPIHarness(t)
	projectID := h.createProject(t)
	baseID := h.createScenario(t, projectID)
	otherID := h.createScenario(t, projectID)

	rec := h.do(t, http.MethodGet, "/api/v1/scenarios/"+baseID+"/diff?against="+otherID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	// Scenario IDs differ even when everything else matches.
	assert.NotEmpty(t, body["patches"])

	rec = h.do(t, http.MethodGet, "/api/v1/scenarios/"+baseID+"/diff", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decodeBody(t, rec)["status"])
}
