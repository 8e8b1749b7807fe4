package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gtmgraph/gtmgraph/pkg/agent"
	"github.com/gtmgraph/gtmgraph/pkg/config"
	"github.com/gtmgraph/gtmgraph/pkg/depgraph"
	"github.com/gtmgraph/gtmgraph/pkg/events"
	"github.com/gtmgraph/gtmgraph/pkg/models"
	"github.com/gtmgraph/gtmgraph/pkg/state"
	"github.com/gtmgraph/gtmgraph/pkg/store"
)

type harness struct {
	cfg       *config.RuntimeConfig
	store     *store.Memory
	bus       *events.Bus
	registry  *agent.Registry
	scheduler *Scheduler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Default()
	st := store.NewMemory()
	bus := events.NewBus(st)
	reg := agent.NewRegistry(&agent.FixtureProvider{})
	require.NoError(t, reg.Validate())
	return &harness{
		cfg:       cfg,
		store:     st,
		bus:       bus,
		registry:  reg,
		scheduler: NewScheduler(cfg, st, bus, reg),
	}
}

// rewire rebuilds the scheduler after the test mutated cfg or the registry.
func (h *harness) rewire() {
	h.scheduler = NewScheduler(h.cfg, h.store, h.bus, h.registry)
}

func (h *harness) seedScenario(t *testing.T) (projectID, scenarioID string) {
	t.Helper()
	return h.seedScenarioWithIntake(t, state.RequiredIntakeFields...)
}

func (h *harness) seedScenarioWithIntake(t *testing.T, answered ...string) (projectID, scenarioID string) {
	t.Helper()
	ctx := context.Background()
	projectID = models.NewProjectID()
	scenarioID = models.NewScenarioID()

	require.NoError(t, h.store.CreateProject(ctx, &store.ProjectRecord{
		ID: projectID, Name: "AI meeting notes", CreatedAt: time.Now(),
	}))
	require.NoError(t, h.store.CreateScenario(ctx, &store.ScenarioRecord{
		ID: scenarioID, ProjectID: projectID, Name: "baseline", Status: "draft", CreatedAt: time.Now(),
	}))

	st := state.New(projectID, scenarioID,
		models.Idea{
			Name:         "NoteTaker",
			OneLiner:     "AI meeting notes for sales teams",
			Problem:      "reps lose deal context between calls",
			TargetRegion: "us",
			Category:     "b2b_saas",
		},
		models.Constraints{
			TeamSize:         2,
			TimelineWeeks:    8,
			BudgetUSDMonthly: 3000,
			ComplianceLevel:  "medium",
		})
	answers := map[string]string{
		"buyer_role":         "head_of_sales",
		"company_type":       "smb",
		"trigger_event":      "new sales hire ramp",
		"current_workaround": "manual CRM notes",
		"measurable_outcome": "faster deal cycles",
	}
	for _, field := range answered {
		require.NoError(t, st.AppendAt("/inputs/intake_answers", map[string]any{
			"question_id": field, "answer": answers[field],
		}))
	}
	require.NoError(t, h.store.AppendSnapshot(ctx, &store.Snapshot{
		ID:         models.NewSnapshotID(),
		ScenarioID: scenarioID,
		AgentIndex: -1,
		State:      st.Doc(),
		CreatedAt:  time.Now(),
	}))
	return projectID, scenarioID
}

func (h *harness) createRun(t *testing.T, projectID, scenarioID, changedDecision string) *store.RunRecord {
	t.Helper()
	run := &store.RunRecord{
		ID:              models.NewRunID(),
		ScenarioID:      scenarioID,
		ProjectID:       projectID,
		Status:          models.RunStatusPending,
		ChangedDecision: changedDecision,
		LastAgentIndex:  -1,
		CreatedAt:       time.Now(),
	}
	require.NoError(t, h.store.CreateRun(context.Background(), run))
	return run
}

func (h *harness) eventTypes(t *testing.T, runID string) []string {
	t.Helper()
	recs, err := h.store.EventsSince(context.Background(), runID, 0)
	require.NoError(t, err)
	types := make([]string, len(recs))
	for i, rec := range recs {
		types[i] = rec.Type
	}
	return types
}

func (h *harness) latestState(t *testing.T, scenarioID string) *state.State {
	t.Helper()
	snap, err := h.store.LatestSnapshot(context.Background(), scenarioID)
	require.NoError(t, err)
	st, err := state.FromDoc(snap.State)
	require.NoError(t, err)
	return st
}

func countOf(types []string, want string) int {
	n := 0
	for _, tp := range types {
		if tp == want {
			n++
		}
	}
	return n
}

type stubAgent struct {
	name string
	fn   func(ctx context.Context, inv *agent.Invocation) (*models.AgentOutput, error)
}

func (a *stubAgent) Name() string { return a.name }

func (a *stubAgent) Execute(ctx context.Context, inv *agent.Invocation) (*models.AgentOutput, error) {
	return a.fn(ctx, inv)
}

func minimalOutput(agentName, runID string) *models.AgentOutput {
	return &models.AgentOutput{
		Agent:          agentName,
		RunID:          runID,
		ProducedAt:     state.UTCNow(),
		Patches:        []models.Patch{},
		Proposals:      []models.Proposal{},
		Facts:          []models.Fact{},
		Assumptions:    []models.Assumption{},
		Risks:          []models.Contradiction{},
		RequiredInputs: []string{},
		NodeUpdates:    []models.NodeUpdate{},
		TokenUsage:     &models.TokenUsage{Model: "stub"},
	}
}

func TestFullSweepCompletes(t *testing.T) {
	h := newHarness(t)
	projectID, scenarioID := h.seedScenario(t)
	run := h.createRun(t, projectID, scenarioID, "")

	status, err := h.scheduler.Execute(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, status)

	rec, err := h.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, rec.Status)
	require.NotNil(t, rec.CompletedAt)

	types := h.eventTypes(t, run.ID)
	require.NotEmpty(t, types)
	assert.Equal(t, events.EventTypeRunStarted, types[0])
	assert.Equal(t, events.EventTypeRunCompleted, types[len(types)-1])
	assert.Equal(t, len(depgraph.AgentSequence), countOf(types, events.EventTypeAgentStarted))
	assert.Equal(t, len(depgraph.AgentSequence), countOf(types, events.EventTypeAgentCompleted))
	assert.Zero(t, countOf(types, events.EventTypeAgentFailed))
	assert.Zero(t, countOf(types, events.EventTypeRunBlocked))

	st := h.latestState(t, scenarioID)
	for _, decision := range []string{"icp", "positioning", "pricing", "channels", "sales_motion"} {
		assert.NotEmpty(t, st.StringAt("/decisions/"+decision+"/selected_option_id"),
			"decision %s should be auto-selected", decision)
		assert.Equal(t, "auto_recommended", st.StringAt("/decisions/"+decision+"/selection_mode"))
	}
	assert.GreaterOrEqual(t, len(st.GraphNodes()), 20)
	assert.Len(t, st.SliceAt("/telemetry/agent_timings"), len(depgraph.AgentSequence))
	assert.Empty(t, st.SliceAt("/risks/unresolved_contradictions"))
	assert.Equal(t, run.ID, st.RunID())
}

func TestMissingIntakeBlocksBeforeAgents(t *testing.T) {
	h := newHarness(t)
	projectID, scenarioID := h.seedScenarioWithIntake(t, "buyer_role", "company_type")
	run := h.createRun(t, projectID, scenarioID, "")

	status, err := h.scheduler.Execute(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusBlocked, status)

	types := h.eventTypes(t, run.ID)
	assert.Zero(t, countOf(types, events.EventTypeAgentStarted))
	require.Equal(t, 1, countOf(types, events.EventTypeRunBlocked))

	recs, err := h.store.EventsSince(context.Background(), run.ID, 0)
	require.NoError(t, err)
	var blocked *store.EventRecord
	for _, rec := range recs {
		if rec.Type == events.EventTypeRunBlocked {
			blocked = rec
		}
	}
	require.NotNil(t, blocked)
	assert.Equal(t, []any{"trigger_event", "current_workaround", "measurable_outcome"},
		blocked.Payload["required_inputs"])

	// A rerun pinned to a decision is exempt from the intake gate.
	rerun := h.createRun(t, projectID, scenarioID, "pricing")
	_, err = h.scheduler.Execute(context.Background(), rerun)
	require.NoError(t, err)
	assert.Positive(t, countOf(h.eventTypes(t, rerun.ID), events.EventTypeAgentStarted))
}

func TestPartialRerunOnICPOverride(t *testing.T) {
	h := newHarness(t)
	projectID, scenarioID := h.seedScenario(t)
	run := h.createRun(t, projectID, scenarioID, "icp")

	status, err := h.scheduler.Execute(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, status)

	recs, err := h.store.EventsSince(context.Background(), run.ID, 0)
	require.NoError(t, err)

	started := map[string]bool{}
	skipped := map[string]bool{}
	for _, rec := range recs {
		agentName, _ := rec.Payload["agent"].(string)
		switch rec.Type {
		case events.EventTypeAgentStarted:
			started[agentName] = true
		case events.EventTypeAgentSkipped:
			skipped[agentName] = true
		}
	}

	for _, name := range []string{
		"positioning_agent", "pricing_agent", "channel_agent",
		"sales_motion_agent", "graph_builder", "validator_agent",
	} {
		assert.True(t, started[name], "%s should rerun after icp override", name)
	}
	for _, name := range []string{
		"evidence_collector", "competitive_teardown_agent", "icp_agent",
		"product_strategy_agent", "tech_feasibility_agent",
		"people_cash_agent", "execution_agent",
	} {
		assert.True(t, skipped[name], "%s should be skipped after icp override", name)
		assert.False(t, started[name], "%s should not start after icp override", name)
	}
}

func TestResumeContinuesFromCheckpoint(t *testing.T) {
	h := newHarness(t)
	projectID, scenarioID := h.seedScenario(t)

	run := h.createRun(t, projectID, scenarioID, "")
	run.LastAgentIndex = depgraph.AgentIndex("pricing_agent")
	require.NoError(t, h.store.UpdateRunProgress(context.Background(), run.ID, run.LastAgentIndex, "pricing_agent"))

	status, err := h.scheduler.Execute(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, status)

	recs, err := h.store.EventsSince(context.Background(), run.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, recs)

	assert.Equal(t, events.EventTypeRunResumed, recs[0].Type)
	assert.EqualValues(t, depgraph.AgentIndex("channel_agent"), recs[0].Payload["start_index"])

	var firstStarted string
	for _, rec := range recs {
		if rec.Type == events.EventTypeAgentStarted {
			firstStarted, _ = rec.Payload["agent"].(string)
			break
		}
	}
	assert.Equal(t, "channel_agent", firstStarted, "resume must not re-execute pricing")
}

func TestCancellationObservedAtFence(t *testing.T) {
	h := newHarness(t)
	projectID, scenarioID := h.seedScenario(t)
	run := h.createRun(t, projectID, scenarioID, "")

	claimed, err := h.store.ClaimNextPendingRun(context.Background(), "pod-test")
	require.NoError(t, err)
	require.Equal(t, run.ID, claimed.ID)

	wasPending, err := h.store.RequestRunCancel(context.Background(), run.ID)
	require.NoError(t, err)
	require.False(t, wasPending)

	status, err := h.scheduler.Execute(context.Background(), claimed)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, status)

	rec, err := h.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, rec.Status)
	assert.Equal(t, models.CauseCancelled, rec.FailureCause)

	types := h.eventTypes(t, run.ID)
	assert.Equal(t, events.EventTypeRunFailed, types[len(types)-1])
	assert.Zero(t, countOf(types, events.EventTypeAgentCompleted))
}

func TestRunDeadlineFailsRun(t *testing.T) {
	h := newHarness(t)
	h.cfg.RunDeadline = time.Nanosecond
	h.rewire()
	projectID, scenarioID := h.seedScenario(t)
	run := h.createRun(t, projectID, scenarioID, "")

	status, err := h.scheduler.Execute(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, status)

	rec, err := h.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CauseDeadline, rec.FailureCause)
	assert.Contains(t, h.eventTypes(t, run.ID), events.EventTypeRunFailed)
}

func TestAgentTimeoutSkipsHardDependents(t *testing.T) {
	h := newHarness(t)
	h.cfg.AgentTimeout = 20 * time.Millisecond
	h.registry.Register(&stubAgent{
		name: "evidence_collector",
		fn: func(ctx context.Context, inv *agent.Invocation) (*models.AgentOutput, error) {
			select {
			case <-time.After(time.Second):
				return minimalOutput("evidence_collector", inv.RunID), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})
	h.rewire()
	projectID, scenarioID := h.seedScenario(t)
	run := h.createRun(t, projectID, scenarioID, "")

	status, err := h.scheduler.Execute(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, status)

	recs, err := h.store.EventsSince(context.Background(), run.ID, 0)
	require.NoError(t, err)

	var failed, skipped, completed []string
	for _, rec := range recs {
		agentName, _ := rec.Payload["agent"].(string)
		switch rec.Type {
		case events.EventTypeAgentFailed:
			failed = append(failed, agentName)
		case events.EventTypeAgentSkipped:
			skipped = append(skipped, agentName)
		case events.EventTypeAgentCompleted:
			completed = append(completed, agentName)
		}
	}
	assert.Equal(t, []string{"evidence_collector"}, failed)
	assert.Len(t, skipped, len(hardDependency))
	assert.Contains(t, completed, "competitive_teardown_agent")
	assert.Contains(t, completed, "graph_builder")
	assert.Contains(t, completed, "validator_agent")
}

func TestTokenBudgetFailsRun(t *testing.T) {
	h := newHarness(t)
	h.cfg.TokenBudget = 1000
	h.registry.Register(&stubAgent{
		name: "evidence_collector",
		fn: func(_ context.Context, inv *agent.Invocation) (*models.AgentOutput, error) {
			out := minimalOutput("evidence_collector", inv.RunID)
			out.TokenUsage = &models.TokenUsage{InputTokens: 900, OutputTokens: 200, Model: "sonar-pro"}
			return out, nil
		},
	})
	h.rewire()
	projectID, scenarioID := h.seedScenario(t)
	run := h.createRun(t, projectID, scenarioID, "")

	status, err := h.scheduler.Execute(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, status)

	rec, err := h.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CauseBudget, rec.FailureCause)
	assert.Contains(t, rec.ErrorMessage, "budget")
}

func TestBlockedRunAfterStableContradictions(t *testing.T) {
	h := newHarness(t)
	// A channel plan that keeps violating channel focus for b2b_saas no
	// matter how many times the agent reruns.
	h.registry.Register(&stubAgent{
		name: "channel_agent",
		fn: func(_ context.Context, inv *agent.Invocation) (*models.AgentOutput, error) {
			out := minimalOutput("channel_agent", inv.RunID)
			out.Patches = []models.Patch{{
				Op:    models.OpReplace,
				Path:  "/decisions/channels/primary_channels",
				Value: []any{"linkedin_outbound", "seo_content", "paid_ads"},
				Meta:  models.MetaRef{SourceType: models.SourceInference, Confidence: 0.7, Sources: []string{}},
			}}
			return out, nil
		},
	})
	h.rewire()
	projectID, scenarioID := h.seedScenario(t)
	run := h.createRun(t, projectID, scenarioID, "")

	status, err := h.scheduler.Execute(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusBlocked, status)

	types := h.eventTypes(t, run.ID)
	assert.Contains(t, types, events.EventTypeRunBlocked)
	assert.NotContains(t, types, events.EventTypeRunCompleted)

	st := h.latestState(t, scenarioID)
	unresolved := st.SliceAt("/risks/unresolved_contradictions")
	require.NotEmpty(t, unresolved)
	found := false
	for _, item := range unresolved {
		if m, ok := item.(map[string]any); ok && m["rule_id"] == "V-CHAN-01" {
			found = true
		}
	}
	assert.True(t, found, "unresolved contradictions should retain V-CHAN-01")

	rec, err := h.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusBlocked, rec.Status)
}

func TestSourcelessEvidenceEmitsWarning(t *testing.T) {
	h := newHarness(t)
	h.registry.Register(&stubAgent{
		name: "competitive_teardown_agent",
		fn: func(_ context.Context, inv *agent.Invocation) (*models.AgentOutput, error) {
			out := minimalOutput("competitive_teardown_agent", inv.RunID)
			out.Patches = []models.Patch{{
				Op:    models.OpReplace,
				Path:  "/pillars/market_intelligence/summary",
				Value: "market is consolidating fast",
				Meta:  models.MetaRef{SourceType: models.SourceEvidence, Confidence: 0.9, Sources: []string{}},
			}}
			return out, nil
		},
	})
	h.rewire()
	projectID, scenarioID := h.seedScenario(t)
	run := h.createRun(t, projectID, scenarioID, "")

	status, err := h.scheduler.Execute(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, status)

	recs, err := h.store.EventsSince(context.Background(), run.ID, 0)
	require.NoError(t, err)
	var sawDowngrade bool
	for _, rec := range recs {
		if rec.Type != events.EventTypeValidatorWarning {
			continue
		}
		warnings, _ := rec.Payload["warnings"].([]any)
		for _, w := range warnings {
			if wm, ok := w.(map[string]any); ok && wm["code"] == "evidence_without_sources" {
				sawDowngrade = true
			}
		}
	}
	assert.True(t, sawDowngrade, "expected a validator_warning for the source-less evidence downgrade")

	st := h.latestState(t, scenarioID)
	assert.NotEmpty(t, st.SliceAt("/telemetry/errors"))
}

func TestCheckpointVersionsAreMonotonic(t *testing.T) {
	h := newHarness(t)
	projectID, scenarioID := h.seedScenario(t)
	run := h.createRun(t, projectID, scenarioID, "")

	_, err := h.scheduler.Execute(context.Background(), run)
	require.NoError(t, err)

	snaps, err := h.store.ListSnapshots(context.Background(), scenarioID)
	require.NoError(t, err)
	// Initial seed + one per completed agent + the final fence.
	require.Len(t, snaps, len(depgraph.AgentSequence)+2)
	for i, snap := range snaps {
		assert.Equal(t, i+1, snap.Version)
	}
}
