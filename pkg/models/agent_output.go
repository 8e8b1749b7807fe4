package models

// MetaRef is the provenance envelope every leaf claim carries.
type MetaRef struct {
	SourceType SourceType `json:"source_type"`
	Confidence float64    `json:"confidence"`
	Sources    []string   `json:"sources"`
	UpdatedBy  string     `json:"updated_by,omitempty"`
	UpdatedAt  string     `json:"updated_at,omitempty"`
}

// Patch is a single JSON Pointer mutation proposed by an agent.
type Patch struct {
	Op    PatchOp `json:"op"`
	Path  string  `json:"path"`
	Value any     `json:"value,omitempty"`
	Meta  MetaRef `json:"meta"`
}

// Proposal contributes options to a decision slot. Agents never write
// selected_option_id directly; the runtime selects.
type Proposal struct {
	DecisionKey         string           `json:"decision_key"`
	Options             []map[string]any `json:"options"`
	RecommendedOptionID string           `json:"recommended_option_id"`
	Rationale           string           `json:"rationale,omitempty"`
	Meta                MetaRef          `json:"meta"`
}

// Fact is an evidence-backed claim. A fact without supporting sources is
// downgraded to an assumption by the merge engine.
type Fact struct {
	Claim      string   `json:"claim"`
	Confidence float64  `json:"confidence"`
	Sources    []string `json:"sources"`
}

// Assumption is an unverified claim with a proposed validation path. The merge
// engine turns assumptions into execution experiments.
type Assumption struct {
	Statement     string  `json:"statement"`
	HowToValidate string  `json:"how_to_validate"`
	Confidence    float64 `json:"confidence"`
}

// NodeUpdate upserts a graph node by its stable semantic ID.
type NodeUpdate struct {
	NodeID  string         `json:"node_id"`
	Action  NodeAction     `json:"action"`
	Payload map[string]any `json:"payload"`
}

// TokenUsage is the provider spend reported by one agent invocation.
type TokenUsage struct {
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	Model        string `json:"model"`
}

// Total returns input plus output tokens.
func (u TokenUsage) Total() int { return u.InputTokens + u.OutputTokens }

// AgentOutput is the structured diff an agent returns from one invocation.
// It is the only way agents influence state: the merge engine applies it.
type AgentOutput struct {
	Agent           string          `json:"agent"`
	RunID           string          `json:"run_id"`
	ProducedAt      string          `json:"produced_at"`
	Patches         []Patch         `json:"patches"`
	Proposals       []Proposal      `json:"proposals"`
	Facts           []Fact          `json:"facts"`
	Assumptions     []Assumption    `json:"assumptions"`
	Risks           []Contradiction `json:"risks"`
	RequiredInputs  []string        `json:"required_inputs"`
	NodeUpdates     []NodeUpdate    `json:"node_updates"`
	TokenUsage      *TokenUsage     `json:"token_usage,omitempty"`
	ExecutionTimeMS int             `json:"execution_time_ms,omitempty"`
}

// Contradiction is a validator (or merge) finding. Critical/high findings
// drive reconciliation reruns and gate completion.
type Contradiction struct {
	RuleID         string   `json:"rule_id"`
	Severity       Severity `json:"severity"`
	Message        string   `json:"message"`
	Paths          []string `json:"paths"`
	RecommendedFix string   `json:"recommended_fix,omitempty"`
}

// AsMap renders the contradiction in its canonical state shape.
func (c Contradiction) AsMap() map[string]any {
	m := map[string]any{
		"rule_id":  c.RuleID,
		"severity": string(c.Severity),
		"message":  c.Message,
		"paths":    toAnySlice(c.Paths),
	}
	if c.RecommendedFix != "" {
		m["recommended_fix"] = c.RecommendedFix
	}
	return m
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// Idea is the immutable product idea a scenario is created around.
type Idea struct {
	Name         string `json:"name"`
	OneLiner     string `json:"one_liner"`
	Problem      string `json:"problem"`
	TargetRegion string `json:"target_region"`
	Category     string `json:"category"`
}

// Constraints are the scenario's fixed operating constraints, read-only to agents.
type Constraints struct {
	TeamSize         int     `json:"team_size"`
	TimelineWeeks    int     `json:"timeline_weeks"`
	BudgetUSDMonthly float64 `json:"budget_usd_monthly"`
	ComplianceLevel  string  `json:"compliance_level"`
}

// IntakeAnswer is one ordered answer keyed by question ID, written by the
// intake module before any run starts.
type IntakeAnswer struct {
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer"`
}
