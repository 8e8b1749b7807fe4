package agent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gtmgraph/gtmgraph/pkg/depgraph"
	"github.com/gtmgraph/gtmgraph/pkg/models"
	"github.com/gtmgraph/gtmgraph/pkg/state"
)

func testState(t *testing.T) *state.State {
	t.Helper()
	return state.New("proj_1", "scn_1",
		models.Idea{Name: "NoteTaker", OneLiner: "AI notes", Problem: "lost context", TargetRegion: "us", Category: "b2b_saas"},
		models.Constraints{TeamSize: 2, TimelineWeeks: 8, BudgetUSDMonthly: 3000, ComplianceLevel: "medium"})
}

func invocation(t *testing.T, changedDecision string) *Invocation {
	t.Helper()
	return &Invocation{RunID: "run_test", State: testState(t), ChangedDecision: changedDecision}
}

func TestRegistryCoversFullSequence(t *testing.T) {
	r := NewRegistry(&FixtureProvider{})
	require.NoError(t, r.Validate())

	for _, name := range depgraph.AgentSequence {
		a, err := r.Get(name)
		require.NoError(t, err)
		assert.Equal(t, name, a.Name())
	}

	_, err := r.Get("marketing_agent")
	assert.Error(t, err)
}

func TestRegistryRegisterReplaces(t *testing.T) {
	r := NewRegistry(&FixtureProvider{})
	stub := &funcAgent{name: "icp_agent", build: func(_ context.Context, inv *Invocation) (*models.AgentOutput, error) {
		return emptyOutput("icp_agent", inv.RunID), nil
	}}
	r.Register(stub)

	got, err := r.Get("icp_agent")
	require.NoError(t, err)
	assert.Same(t, Agent(stub), got)
	assert.NoError(t, r.Validate())
}

func TestEvidenceCollectorOutput(t *testing.T) {
	r := NewRegistry(&FixtureProvider{})
	a, err := r.Get("evidence_collector")
	require.NoError(t, err)

	out, err := a.Execute(context.Background(), invocation(t, ""))
	require.NoError(t, err)
	assert.Equal(t, "evidence_collector", out.Agent)
	assert.Equal(t, "run_test", out.RunID)

	paths := map[string]models.Patch{}
	for _, p := range out.Patches {
		paths[p.Path] = p
	}
	require.Contains(t, paths, "/evidence/sources")
	require.Contains(t, paths, "/evidence/pricing_anchors")
	assert.Len(t, paths["/evidence/sources"].Value, 3)
	assert.Equal(t, models.SourceEvidence, paths["/evidence/sources"].Meta.SourceType)
	assert.NotEmpty(t, paths["/evidence/sources"].Meta.Sources)

	// Synthesis contributes facts and assumptions.
	require.NotEmpty(t, out.Facts)
	assert.NotEmpty(t, out.Facts[0].Sources)
	require.NotEmpty(t, out.Assumptions)
	assert.NotEmpty(t, out.Assumptions[0].HowToValidate)
	assert.Positive(t, out.TokenUsage.Total())
}

func TestDecisionAgentsProposeNeverSelect(t *testing.T) {
	r := NewRegistry(&FixtureProvider{})
	for decision, agentName := range map[string]string{
		"icp":          "icp_agent",
		"positioning":  "positioning_agent",
		"pricing":      "pricing_agent",
		"channels":     "channel_agent",
		"sales_motion": "sales_motion_agent",
	} {
		a, err := r.Get(agentName)
		require.NoError(t, err)
		out, err := a.Execute(context.Background(), invocation(t, ""))
		require.NoError(t, err, agentName)

		require.Len(t, out.Proposals, 1, agentName)
		proposal := out.Proposals[0]
		assert.Equal(t, decision, proposal.DecisionKey)
		assert.NotEmpty(t, proposal.Options)
		assert.NotEmpty(t, proposal.RecommendedOptionID)

		for _, p := range out.Patches {
			assert.NotContains(t, p.Path, "selected_option_id", agentName)
		}
	}
}

func TestTechFeasibilityScalesWithCompliance(t *testing.T) {
	r := NewRegistry(&FixtureProvider{})
	a, err := r.Get("tech_feasibility_agent")
	require.NoError(t, err)

	out, err := a.Execute(context.Background(), invocation(t, ""))
	require.NoError(t, err)
	require.Len(t, out.Patches, 1)
	assert.Contains(t, out.Patches[0].Value, "encrypted")

	low := invocation(t, "")
	require.NoError(t, low.State.Apply(models.OpReplace, "/constraints/compliance_level", "none"))
	out, err = a.Execute(context.Background(), low)
	require.NoError(t, err)
	assert.NotContains(t, out.Patches[0].Value, "encrypted")
}

func TestExecutionAgentPrependsRevalidationOnRerun(t *testing.T) {
	r := NewRegistry(&FixtureProvider{})
	a, err := r.Get("execution_agent")
	require.NoError(t, err)

	out, err := a.Execute(context.Background(), invocation(t, "icp"))
	require.NoError(t, err)

	var actions []any
	for _, p := range out.Patches {
		if p.Path == "/execution/next_actions" {
			actions = p.Value.([]any)
		}
	}
	require.NotEmpty(t, actions)
	first := actions[0].(map[string]any)
	assert.Contains(t, first["title"], "icp")
}

func TestGraphBuilderFullSweepEmitsAllNodes(t *testing.T) {
	r := NewRegistry(&FixtureProvider{})
	a, err := r.Get("graph_builder")
	require.NoError(t, err)

	out, err := a.Execute(context.Background(), invocation(t, ""))
	require.NoError(t, err)

	var nodes, groups []any
	for _, p := range out.Patches {
		switch p.Path {
		case "/graph/nodes":
			nodes = p.Value.([]any)
		case "/graph/groups":
			groups = p.Value.([]any)
		}
	}
	require.GreaterOrEqual(t, len(nodes), 20)
	require.Len(t, groups, 6)

	ids := map[string]bool{}
	for _, raw := range nodes {
		node := raw.(map[string]any)
		id := node["id"].(string)
		ids[id] = true
		assert.Contains(t, node, "confidence")
		assert.Contains(t, node, "status")
	}
	for _, want := range []string{
		"pillar.customer", "market.icp.summary", "positioning.wedge",
		"pricing.metric", "channel.primary", "sales.motion",
		"product.security_plan", "people.runway",
	} {
		assert.True(t, ids[want], want)
	}

	// Groups index every non-orphan node.
	total := 0
	for _, raw := range groups {
		total += len(raw.(map[string]any)["node_ids"].([]any))
	}
	assert.Equal(t, len(nodes), total)
}

func TestGraphBuilderPartialRerunScopesNodes(t *testing.T) {
	r := NewRegistry(&FixtureProvider{})
	a, err := r.Get("graph_builder")
	require.NoError(t, err)

	out, err := a.Execute(context.Background(), invocation(t, "pricing"))
	require.NoError(t, err)

	var nodes []any
	for _, p := range out.Patches {
		if p.Path == "/graph/nodes" {
			nodes = p.Value.([]any)
		}
	}
	ids := map[string]bool{}
	for _, raw := range nodes {
		ids[raw.(map[string]any)["id"].(string)] = true
	}

	// Pillar anchors always re-emit; pricing and its downstream nodes do too.
	assert.True(t, ids["pillar.execution"])
	assert.True(t, ids["pricing.metric"])
	assert.True(t, ids["sales.motion"])
	assert.True(t, ids["people.runway"])
	// Nodes outside the pricing cascade stay untouched.
	assert.False(t, ids["market.icp.summary"])
	assert.False(t, ids["channel.primary"])
}

func TestFixtureProviderDirectoryOverride(t *testing.T) {
	dir := t.TempDir()
	synthesis := map[string]any{
		"summary":     "override",
		"facts":       []any{map[string]any{"claim": "custom fact", "confidence": 0.9, "sources": []any{"https://example.com"}}},
		"assumptions": []any{},
	}
	raw, err := json.Marshal(synthesis)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "evidence_synthesis.json"), raw, 0o644))

	p := &FixtureProvider{FixtureDir: dir}
	got, err := p.SynthesizeEvidence(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "override", got["summary"])

	// Files absent from the directory fall back to the built-ins.
	bundle, err := p.FetchEvidenceBundle(context.Background(), testState(t))
	require.NoError(t, err)
	assert.NotEmpty(t, bundle["sources"])
}

func TestFixtureProviderFingerprintedBundle(t *testing.T) {
	dir := t.TempDir()
	s := testState(t)
	custom := map[string]any{"sources": []any{}, "competitors": []any{}, "pricing_anchors": []any{},
		"messaging_patterns": []any{}, "channel_signals": []any{}, "marker": "fingerprinted"}
	raw, err := json.Marshal(custom)
	require.NoError(t, err)
	name := "evidence_bundle_" + state.Fingerprint(s) + ".json"
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), raw, 0o644))

	p := &FixtureProvider{FixtureDir: dir}
	got, err := p.FetchEvidenceBundle(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, "fingerprinted", got["marker"])
}

func TestDecisionTemplateUnknownKeyIsEmpty(t *testing.T) {
	p := &FixtureProvider{}
	got, err := p.DecisionTemplate(context.Background(), "brand")
	require.NoError(t, err)
	assert.Empty(t, got)
}
