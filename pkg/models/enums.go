package models

import "fmt"

// SourceType classifies where a claim came from. Every leaf claim in the
// canonical state carries one inside its MetaRef.
type SourceType string

const (
	SourceEvidence   SourceType = "evidence"
	SourceInference  SourceType = "inference"
	SourceAssumption SourceType = "assumption"
)

// SourceTypeValidator validates a SourceType value.
func SourceTypeValidator(s SourceType) error {
	switch s {
	case SourceEvidence, SourceInference, SourceAssumption:
		return nil
	}
	return fmt.Errorf("invalid source_type: %q", s)
}

// Severity grades a validator contradiction. Severity governs gate behavior:
// critical blocks completion and export, high requires remediation or an
// explicit override, medium lowers confidence, low is informational.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Blocking reports whether a contradiction of this severity gates completion.
func (s Severity) Blocking() bool {
	return s == SeverityCritical || s == SeverityHigh
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusBlocked   RunStatus = "blocked"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run can no longer make progress on its own.
// Blocked is not terminal: the run is awaiting user input.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// FailureCause explains a run_failed event.
type FailureCause string

const (
	CauseDeadline  FailureCause = "deadline"
	CauseBudget    FailureCause = "budget"
	CauseCancelled FailureCause = "cancelled"
	CauseStore     FailureCause = "store"
	CauseError     FailureCause = "error"
)

// SelectionMode records how a decision's selected_option_id was chosen.
type SelectionMode string

const (
	SelectionAutoRecommended SelectionMode = "auto_recommended"
	SelectionUserOverride    SelectionMode = "user_override"
)

// PatchOp is a JSON-Patch style operation on the canonical state.
type PatchOp string

const (
	OpAdd     PatchOp = "add"
	OpReplace PatchOp = "replace"
	OpRemove  PatchOp = "remove"
)

// PatchOpValidator validates a PatchOp value.
func PatchOpValidator(op PatchOp) error {
	switch op {
	case OpAdd, OpReplace, OpRemove:
		return nil
	}
	return fmt.Errorf("invalid patch op: %q", op)
}

// NodeAction is the action of a node_update entry. Create is equivalent to
// update when the node already exists; finalize freezes the node against
// non-override writes for the rest of the run.
type NodeAction string

const (
	NodeActionCreate   NodeAction = "create"
	NodeActionUpdate   NodeAction = "update"
	NodeActionFinalize NodeAction = "finalize"
)

// DecisionKeys are the five decision slots of the canonical state.
var DecisionKeys = []string{"icp", "positioning", "pricing", "channels", "sales_motion"}

// IsDecisionKey reports whether key names one of the five decision slots.
func IsDecisionKey(key string) bool {
	for _, k := range DecisionKeys {
		if k == key {
			return true
		}
	}
	return false
}
