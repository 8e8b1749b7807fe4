package depgraph

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentSequenceShape(t *testing.T) {
	require.Len(t, AgentSequence, 13)
	assert.Equal(t, "evidence_collector", AgentSequence[0])
	assert.Equal(t, "graph_builder", AgentSequence[len(AgentSequence)-2])
	assert.Equal(t, "validator_agent", AgentSequence[len(AgentSequence)-1])

	// Every decision owner appears in the sequence.
	for _, decision := range []string{"icp", "positioning", "pricing", "channels", "sales_motion"} {
		owner := DecisionOwner(decision)
		require.NotEmpty(t, owner, decision)
		assert.GreaterOrEqual(t, AgentIndex(owner), 0, owner)
	}
}

func TestAgentIndexUnknown(t *testing.T) {
	assert.Equal(t, -1, AgentIndex("marketing_agent"))
}

func TestDecisionOwnerUnknown(t *testing.T) {
	assert.Empty(t, DecisionOwner("brand"))
}

func TestImpactedDecisionsTransitiveClosure(t *testing.T) {
	assert.Equal(t, []string{"channels", "positioning", "pricing", "sales_motion"}, ImpactedDecisions("icp"))
	assert.Equal(t, []string{"channels", "pricing", "sales_motion"}, ImpactedDecisions("positioning"))
	assert.Equal(t, []string{"sales_motion"}, ImpactedDecisions("pricing"))
	assert.Equal(t, []string{"sales_motion"}, ImpactedDecisions("channels"))
	assert.Empty(t, ImpactedDecisions("sales_motion"))
	assert.Empty(t, ImpactedDecisions(""))
}

func TestImpactedAgentsExcludesPinnedDecisionOwner(t *testing.T) {
	set := ImpactedAgents("icp")
	var agents []string
	for a := range set {
		agents = append(agents, a)
	}
	sort.Strings(agents)
	assert.Equal(t, []string{
		"channel_agent", "graph_builder", "positioning_agent",
		"pricing_agent", "sales_motion_agent", "validator_agent",
	}, agents)
	assert.NotContains(t, set, "icp_agent")
}

func TestImpactedAgentsLeafDecisionStillClosesOut(t *testing.T) {
	set := ImpactedAgents("sales_motion")
	assert.Len(t, set, 2)
	assert.Contains(t, set, "graph_builder")
	assert.Contains(t, set, "validator_agent")
}

func TestImpactedAgentsEmptyMeansFullSweep(t *testing.T) {
	set := ImpactedAgents("")
	require.Len(t, set, len(AgentSequence))
	for _, agent := range AgentSequence {
		assert.Contains(t, set, agent)
	}
}
