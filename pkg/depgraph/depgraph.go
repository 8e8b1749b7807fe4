// Package depgraph holds the static agent sequence and the decision
// dependency graph that drives cascading partial reruns.
package depgraph

import "sort"

// AgentSequence is the topologically sorted execution order for a full sweep.
var AgentSequence = []string{
	"evidence_collector",
	"competitive_teardown_agent",
	"icp_agent",
	"positioning_agent",
	"pricing_agent",
	"channel_agent",
	"sales_motion_agent",
	"product_strategy_agent",
	"tech_feasibility_agent",
	"people_cash_agent",
	"execution_agent",
	"graph_builder",
	"validator_agent",
}

// DecisionDependencyGraph maps a decision to the decisions that consume it.
// Overriding a decision invalidates its transitive closure here.
var DecisionDependencyGraph = map[string][]string{
	"icp":         {"positioning", "pricing", "channels", "sales_motion"},
	"positioning": {"pricing", "channels"},
	"pricing":     {"sales_motion"},
	"channels":    {"sales_motion"},
}

// decisionOwner maps each decision slot to the agent that produces it.
var decisionOwner = map[string]string{
	"icp":          "icp_agent",
	"positioning":  "positioning_agent",
	"pricing":      "pricing_agent",
	"channels":     "channel_agent",
	"sales_motion": "sales_motion_agent",
}

// AlwaysRunAgents close out every pass regardless of what changed: the graph
// must reflect the new state and the validator must re-observe it.
var AlwaysRunAgents = []string{"graph_builder", "validator_agent"}

// AgentIndex returns the position of agent in AgentSequence, or -1.
func AgentIndex(agent string) int {
	for i, name := range AgentSequence {
		if name == agent {
			return i
		}
	}
	return -1
}

// DecisionOwner returns the agent that produces the given decision, or "".
func DecisionOwner(decision string) string { return decisionOwner[decision] }

// ImpactedDecisions returns the transitive closure of decisions downstream of
// the changed one, excluding the changed decision itself.
func ImpactedDecisions(changed string) []string {
	if changed == "" {
		return nil
	}
	impacted := map[string]struct{}{}
	frontier := []string{changed}
	for len(frontier) > 0 {
		current := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		for _, dep := range DecisionDependencyGraph[current] {
			if _, seen := impacted[dep]; seen {
				continue
			}
			impacted[dep] = struct{}{}
			frontier = append(frontier, dep)
		}
	}
	out := make([]string, 0, len(impacted))
	for d := range impacted {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// ImpactedAgents returns the agents a partial rerun must execute after the
// given decision changed. The changed decision's own agent is excluded: the
// user just pinned that decision. An empty changed decision means a full
// sweep.
func ImpactedAgents(changed string) map[string]struct{} {
	set := map[string]struct{}{}
	if changed == "" {
		for _, agent := range AgentSequence {
			set[agent] = struct{}{}
		}
		return set
	}
	for _, decision := range ImpactedDecisions(changed) {
		if owner := decisionOwner[decision]; owner != "" {
			set[owner] = struct{}{}
		}
	}
	for _, agent := range AlwaysRunAgents {
		set[agent] = struct{}{}
	}
	return set
}
