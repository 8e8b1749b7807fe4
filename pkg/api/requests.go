package api

import "github.com/gtmgraph/gtmgraph/pkg/models"

// CreateProjectRequest is the body of POST /projects.
type CreateProjectRequest struct {
	Name string `json:"name" binding:"required"`
}

// CreateScenarioRequest is the body of POST /projects/:id/scenarios. The
// idea, constraints, and intake answers seed the scenario's initial state.
type CreateScenarioRequest struct {
	Name          string                `json:"name" binding:"required"`
	Idea          models.Idea           `json:"idea" binding:"required"`
	Constraints   models.Constraints    `json:"constraints"`
	IntakeAnswers []models.IntakeAnswer `json:"intake_answers"`
}

// CreateRunRequest is the body of POST /scenarios/:id/runs. ChangedDecision
// triggers a partial rerun instead of a full sweep.
type CreateRunRequest struct {
	ChangedDecision string `json:"changed_decision,omitempty"`
}

// SelectDecisionRequest is the body of POST
// /scenarios/:id/decisions/:key/select. Selecting pins the decision and
// triggers a partial rerun of the downstream cascade.
type SelectDecisionRequest struct {
	SelectedOptionID string `json:"selected_option_id" binding:"required"`
	IsCustom         bool   `json:"is_custom"`
	Justification    string `json:"justification,omitempty"`
}
