package agent

import (
	"fmt"

	"github.com/gtmgraph/gtmgraph/pkg/depgraph"
)

// Registry holds the agent fleet for a deployment. Construction wires every
// agent in the static sequence; lookups are read-only afterwards.
type Registry struct {
	agents map[string]Agent
}

// NewRegistry builds the full built-in fleet over the given provider.
func NewRegistry(p Provider) *Registry {
	r := &Registry{agents: map[string]Agent{}}
	for _, a := range []Agent{
		evidenceCollector(p),
		competitiveTeardownAgent(),
		icpAgent(p),
		positioningAgent(p),
		pricingAgent(p),
		channelAgent(p),
		salesMotionAgent(p),
		productStrategyAgent(),
		techFeasibilityAgent(),
		peopleCashAgent(),
		executionAgent(),
		graphBuilder(),
		validatorAgent(),
	} {
		r.agents[a.Name()] = a
	}
	return r
}

// Register adds or replaces an agent. Tests use this to inject failing or
// slow agents.
func (r *Registry) Register(a Agent) { r.agents[a.Name()] = a }

// Get returns the named agent.
func (r *Registry) Get(name string) (Agent, error) {
	a, ok := r.agents[name]
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", name)
	}
	return a, nil
}

// Validate checks that every agent in the execution sequence is registered.
func (r *Registry) Validate() error {
	for _, name := range depgraph.AgentSequence {
		if _, ok := r.agents[name]; !ok {
			return fmt.Errorf("agent sequence references unregistered agent %q", name)
		}
	}
	return nil
}
