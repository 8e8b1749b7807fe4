package validator

import (
	"sort"
	"strings"

	"github.com/gtmgraph/gtmgraph/pkg/models"
)

// pathToAgent maps state path prefixes to the agent responsible for that
// region. The runtime uses it to turn contradiction paths into rerun sets.
var pathToAgent = map[string]string{
	"/evidence":                    "evidence_collector",
	"/decisions/icp":               "icp_agent",
	"/decisions/positioning":       "positioning_agent",
	"/decisions/pricing":           "pricing_agent",
	"/decisions/channels":          "channel_agent",
	"/decisions/sales_motion":      "sales_motion_agent",
	"/pillars/market_intelligence": "evidence_collector",
	"/pillars/customer":            "icp_agent",
	"/pillars/positioning_pricing": "positioning_agent",
	"/pillars/go_to_market":        "channel_agent",
	"/pillars/product_tech":        "product_strategy_agent",
	"/pillars/execution":           "execution_agent",
}

// ResponsibleAgent maps one contradiction path to its owning agent, longest
// prefix first. Empty when no agent owns the path.
func ResponsibleAgent(path string) string {
	best, bestLen := "", 0
	for prefix, agent := range pathToAgent {
		if strings.HasPrefix(path, prefix) && len(prefix) > bestLen {
			best, bestLen = agent, len(prefix)
		}
	}
	return best
}

// ResponsibleAgents collects the sorted set of agents implicated by the
// contradictions' paths.
func ResponsibleAgents(cs []models.Contradiction) []string {
	set := map[string]struct{}{}
	for _, c := range cs {
		for _, path := range c.Paths {
			if agent := ResponsibleAgent(path); agent != "" {
				set[agent] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(set))
	for agent := range set {
		out = append(out, agent)
	}
	sort.Strings(out)
	return out
}
