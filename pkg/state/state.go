// Package state implements the canonical state document: construction,
// deep copy, JSON Pointer resolution and mutation, schema validation at the
// wire boundary, and structural diff between checkpoints.
package state

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gtmgraph/gtmgraph/pkg/models"
)

// SchemaVersion is bumped when the canonical state shape changes.
const SchemaVersion = "2.0.0"

// State is one scenario's canonical state at one checkpoint. The in-memory
// shape is a JSON document tree behind typed accessors; it is validated
// against canonical_state.schema.json on every ingress write.
type State struct {
	doc map[string]any
}

// UTCNow returns the canonical timestamp format used throughout the state.
func UTCNow() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func emptyDecision() map[string]any {
	return map[string]any{
		"selected_option_id":    "",
		"options":               []any{},
		"recommended_option_id": "",
		"override":              map[string]any{"is_custom": false, "justification": ""},
		"meta":                  map[string]any{},
	}
}

func baseDoc() map[string]any {
	now := UTCNow()
	pricing := emptyDecision()
	pricing["metric"] = ""
	pricing["tiers"] = []any{}
	channels := emptyDecision()
	channels["primary"] = ""
	channels["secondary"] = ""
	channels["primary_channels"] = []any{}
	salesMotion := emptyDecision()
	salesMotion["motion"] = "unset"

	return map[string]any{
		"meta": map[string]any{
			"project_id":     "",
			"scenario_id":    "",
			"run_id":         "unset",
			"schema_version": SchemaVersion,
			"created_at":     now,
			"updated_at":     now,
			"updated_by":     "system",
		},
		"idea": map[string]any{
			"name":          "",
			"one_liner":     "",
			"problem":       "",
			"target_region": "",
			"category":      "b2b_saas",
		},
		"constraints": map[string]any{
			"team_size":          float64(1),
			"timeline_weeks":     float64(1),
			"budget_usd_monthly": float64(0),
			"compliance_level":   "none",
		},
		"inputs": map[string]any{
			"intake_answers": []any{},
			"open_questions": []any{},
		},
		"evidence": map[string]any{
			"sources":            []any{},
			"competitors":        []any{},
			"pricing_anchors":    []any{},
			"messaging_patterns": []any{},
			"channel_signals":    []any{},
			"positioning_map":    []any{},
		},
		"decisions": map[string]any{
			"icp":          emptyDecision(),
			"positioning":  emptyDecision(),
			"pricing":      pricing,
			"channels":     channels,
			"sales_motion": salesMotion,
		},
		"pillars": map[string]any{
			"market_intelligence": map[string]any{"summary": "", "nodes": []any{}},
			"customer":            map[string]any{"summary": "", "nodes": []any{}},
			"positioning_pricing": map[string]any{"summary": "", "nodes": []any{}},
			"go_to_market":        map[string]any{"summary": "", "nodes": []any{}},
			"product_tech":        map[string]any{"summary": "", "nodes": []any{}},
			"execution":           map[string]any{"summary": "", "nodes": []any{}, "team_plan": map[string]any{}},
		},
		"graph": map[string]any{
			"nodes": []any{},
			"edges": []any{},
			"groups": []any{
				map[string]any{"id": "group.market_intelligence", "title": "Market Intelligence", "node_ids": []any{}},
				map[string]any{"id": "group.customer", "title": "Customer", "node_ids": []any{}},
				map[string]any{"id": "group.positioning_pricing", "title": "Positioning & Pricing", "node_ids": []any{}},
				map[string]any{"id": "group.go_to_market", "title": "Go-to-Market", "node_ids": []any{}},
				map[string]any{"id": "group.product_tech", "title": "Product & Tech", "node_ids": []any{}},
				map[string]any{"id": "group.execution", "title": "Execution", "node_ids": []any{}},
			},
		},
		"risks": map[string]any{
			"contradictions":            []any{},
			"missing_proof":             []any{},
			"high_risk_flags":           []any{},
			"unresolved_contradictions": []any{},
		},
		"execution": map[string]any{
			"chosen_track": "unset",
			"next_actions": []any{},
			"experiments":  []any{},
			"assets":       []any{},
		},
		"telemetry": map[string]any{
			"agent_timings": []any{},
			"token_spend":   map[string]any{"total": float64(0), "by_agent": []any{}},
			"errors":        []any{},
		},
	}
}

// New creates a canonical state for a fresh scenario.
func New(projectID, scenarioID string, idea models.Idea, constraints models.Constraints) *State {
	s := &State{doc: baseDoc()}
	now := UTCNow()
	meta := s.doc["meta"].(map[string]any)
	meta["project_id"] = projectID
	meta["scenario_id"] = scenarioID
	meta["created_at"] = now
	meta["updated_at"] = now

	ideaDoc := s.doc["idea"].(map[string]any)
	ideaDoc["name"] = idea.Name
	ideaDoc["one_liner"] = idea.OneLiner
	ideaDoc["problem"] = idea.Problem
	ideaDoc["target_region"] = idea.TargetRegion
	if idea.Category != "" {
		ideaDoc["category"] = idea.Category
	}

	cons := s.doc["constraints"].(map[string]any)
	cons["team_size"] = float64(constraints.TeamSize)
	cons["timeline_weeks"] = float64(constraints.TimelineWeeks)
	cons["budget_usd_monthly"] = constraints.BudgetUSDMonthly
	if constraints.ComplianceLevel != "" {
		cons["compliance_level"] = constraints.ComplianceLevel
	}
	return s
}

// FromJSON parses and schema-validates a canonical state document.
// Unknown top-level keys are rejected with the offending key named.
func FromJSON(data []byte) (*State, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing canonical state: %w", err)
	}
	if err := ValidateDoc(doc); err != nil {
		return nil, err
	}
	return &State{doc: doc}, nil
}

// FromDoc wraps an already-decoded document after schema validation.
func FromDoc(doc map[string]any) (*State, error) {
	if err := ValidateDoc(doc); err != nil {
		return nil, err
	}
	return &State{doc: doc}, nil
}

// ToJSON renders the state document.
func (s *State) ToJSON() ([]byte, error) { return json.Marshal(s.doc) }

// Doc exposes the underlying document. Callers must not retain or mutate it;
// use Clone for a private copy.
func (s *State) Doc() map[string]any { return s.doc }

// Clone returns a deep copy. Agents always receive clones, never the
// scheduler's working state.
func (s *State) Clone() *State {
	return &State{doc: deepCopyMap(s.doc)}
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return t
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

// Validate checks the state against the canonical schema.
func (s *State) Validate() error { return ValidateDoc(s.doc) }

// Touch stamps meta.updated_at / meta.updated_by.
func (s *State) Touch(updatedBy string) {
	meta := s.doc["meta"].(map[string]any)
	meta["updated_at"] = UTCNow()
	meta["updated_by"] = updatedBy
}

// RunID returns meta.run_id.
func (s *State) RunID() string { return s.StringAt("/meta/run_id") }

// ScenarioID returns meta.scenario_id.
func (s *State) ScenarioID() string { return s.StringAt("/meta/scenario_id") }

// SetRunID stamps meta.run_id for the active run.
func (s *State) SetRunID(runID string) {
	s.doc["meta"].(map[string]any)["run_id"] = runID
}

// Decision returns the decision slot for key, or nil.
func (s *State) Decision(key string) map[string]any {
	decisions, ok := s.doc["decisions"].(map[string]any)
	if !ok {
		return nil
	}
	d, _ := decisions[key].(map[string]any)
	return d
}

// GraphNodes returns the graph node list.
func (s *State) GraphNodes() []any { return s.SliceAt("/graph/nodes") }

// IntakeAnswers returns inputs.intake_answers.
func (s *State) IntakeAnswers() []any { return s.SliceAt("/inputs/intake_answers") }

// RequiredIntakeFields are the intake question IDs a full pipeline run needs
// answered before any agent executes. Partial reruns pinned to a decision
// skip the check.
var RequiredIntakeFields = []string{
	"buyer_role",
	"company_type",
	"trigger_event",
	"current_workaround",
	"measurable_outcome",
}

// MissingIntakeFields returns the required intake question IDs with no
// recorded answer, in RequiredIntakeFields order.
func (s *State) MissingIntakeFields() []string {
	provided := map[string]struct{}{}
	for _, raw := range s.IntakeAnswers() {
		answer, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if id, ok := answer["question_id"].(string); ok {
			provided[id] = struct{}{}
		}
	}
	missing := []string{}
	for _, field := range RequiredIntakeFields {
		if _, ok := provided[field]; !ok {
			missing = append(missing, field)
		}
	}
	return missing
}

// StringAt resolves a JSON Pointer to a string, or "".
func (s *State) StringAt(ptr string) string {
	v, ok := s.Resolve(ptr)
	if !ok {
		return ""
	}
	str, _ := v.(string)
	return str
}

// FloatAt resolves a JSON Pointer to a float64, or 0.
func (s *State) FloatAt(ptr string) float64 {
	v, ok := s.Resolve(ptr)
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case json.Number:
		f, _ := t.Float64()
		return f
	}
	return 0
}

// SliceAt resolves a JSON Pointer to a list, or nil.
func (s *State) SliceAt(ptr string) []any {
	v, ok := s.Resolve(ptr)
	if !ok {
		return nil
	}
	list, _ := v.([]any)
	return list
}

// MapAt resolves a JSON Pointer to an object, or nil.
func (s *State) MapAt(ptr string) map[string]any {
	v, ok := s.Resolve(ptr)
	if !ok {
		return nil
	}
	m, _ := v.(map[string]any)
	return m
}

// AppendAt appends value to the list at ptr, creating the list if absent.
func (s *State) AppendAt(ptr string, value any) error {
	list := s.SliceAt(ptr)
	return s.Apply(models.OpReplace, ptr, append(list, value))
}
