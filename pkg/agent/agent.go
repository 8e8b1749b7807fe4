// Package agent defines the agent contract and the built-in agent fleet.
// Agents read a snapshot of the canonical state and return a structured
// AgentOutput; they never mutate state directly.
package agent

import (
	"context"

	"github.com/gtmgraph/gtmgraph/pkg/models"
	"github.com/gtmgraph/gtmgraph/pkg/state"
)

// Invocation is one agent execution request. State is a private clone; the
// agent may read it freely.
type Invocation struct {
	RunID           string
	State           *state.State
	ChangedDecision string
}

// Agent produces a structured diff against the canonical state.
type Agent interface {
	Name() string
	Execute(ctx context.Context, inv *Invocation) (*models.AgentOutput, error)
}

func emptyOutput(agent, runID string) *models.AgentOutput {
	return &models.AgentOutput{
		Agent:          agent,
		RunID:          runID,
		ProducedAt:     state.UTCNow(),
		Patches:        []models.Patch{},
		Proposals:      []models.Proposal{},
		Facts:          []models.Fact{},
		Assumptions:    []models.Assumption{},
		Risks:          []models.Contradiction{},
		RequiredInputs: []string{},
		NodeUpdates:    []models.NodeUpdate{},
		TokenUsage:     &models.TokenUsage{Model: "fixture"},
	}
}

func meta(sourceType models.SourceType, confidence float64, sources ...string) models.MetaRef {
	if sources == nil {
		sources = []string{}
	}
	return models.MetaRef{SourceType: sourceType, Confidence: confidence, Sources: sources}
}
