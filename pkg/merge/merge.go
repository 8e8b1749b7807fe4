// Package merge applies AgentOutput payloads into the canonical state under
// the deterministic merge rules: section precedence ordering, evidence dedup,
// decision ownership, source-less evidence downgrade, conflict resolution by
// provenance, and graph node upserts. The engine is run-scoped: it carries
// the finalized-node freeze set and the per-path write history used for
// conflict detection across agent outputs within one run.
package merge

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/gtmgraph/gtmgraph/pkg/models"
	"github.com/gtmgraph/gtmgraph/pkg/state"
)

// RuntimeActor is the reserved agent name the scheduler merges under when it
// writes runtime-owned paths (decision selections, telemetry).
const RuntimeActor = "orchestrator"

// patchOrder is the fixed section precedence. Later sections consume earlier
// ones, so evidence lands before decisions, decisions before pillars, and so
// on. Paths outside these sections sort last in input order.
var patchOrder = []string{"/evidence", "/decisions", "/pillars", "/graph", "/execution", "/telemetry"}

// Warning is a non-fatal merge finding, surfaced as a validator_warning event
// and recorded under telemetry.errors.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Path    string `json:"path"`
	Agent   string `json:"agent"`
}

// Result reports what one Apply changed, for event emission by the runtime.
type Result struct {
	Warnings       []Warning
	Contradictions []models.Contradiction
	NodesCreated   []string
	NodesUpdated   []string
}

// Error aborts an entire AgentOutput: a malformed patch means no partial
// application, and the agent is marked failed for this pass.
type Error struct {
	Agent string
	Path  string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("merge rejected output from %s at %q: %v", e.Agent, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type writeRecord struct {
	value any
	meta  models.MetaRef
	agent string
}

// Engine merges agent outputs for a single run. Not safe for concurrent use;
// a run is executed by one worker.
type Engine struct {
	frozen map[string]struct{}
	seen   map[string]writeRecord
}

// NewEngine creates a merge engine for one run.
func NewEngine() *Engine {
	return &Engine{
		frozen: map[string]struct{}{},
		seen:   map[string]writeRecord{},
	}
}

func (e *Engine) freeze(nodeID string) { e.frozen[nodeID] = struct{}{} }

func (e *Engine) isFrozen(nodeID string) bool {
	_, ok := e.frozen[nodeID]
	return ok
}

// Apply merges one AgentOutput into the state and returns the new state. The
// input state is never mutated; on error the returned state is nil and
// nothing was applied.
func (e *Engine) Apply(s *state.State, out *models.AgentOutput) (*state.State, *Result, error) {
	merged := s.Clone()
	res := &Result{}

	e.ingestFacts(merged, out, res)
	e.ingestAssumptions(merged, out)
	e.applyProposals(merged, out)

	patches := make([]models.Patch, len(out.Patches))
	copy(patches, out.Patches)
	sort.SliceStable(patches, func(i, j int) bool {
		return patchRank(patches[i].Path) < patchRank(patches[j].Path)
	})

	// Conflict history for rollback: Apply is all-or-nothing, so path history
	// must not retain writes from an aborted output.
	staged := map[string]writeRecord{}

	for _, patch := range patches {
		if err := e.applyPatch(merged, out.Agent, patch, staged, res); err != nil {
			return nil, nil, &Error{Agent: out.Agent, Path: patch.Path, Err: err}
		}
	}

	for _, upd := range out.NodeUpdates {
		createdID, updatedID, err := e.applyNodeUpdate(merged, upd)
		if err != nil {
			return nil, nil, &Error{Agent: out.Agent, Path: "/graph/nodes/" + upd.NodeID, Err: err}
		}
		if createdID != "" {
			res.NodesCreated = append(res.NodesCreated, createdID)
		}
		if updatedID != "" {
			res.NodesUpdated = append(res.NodesUpdated, updatedID)
		}
	}

	for _, c := range out.Risks {
		if err := merged.AppendAt("/risks/contradictions", c.AsMap()); err != nil {
			return nil, nil, &Error{Agent: out.Agent, Path: "/risks/contradictions", Err: err}
		}
	}

	merged.Touch(RuntimeActor)
	if err := merged.Validate(); err != nil {
		return nil, nil, &Error{Agent: out.Agent, Path: "", Err: err}
	}

	for path, rec := range staged {
		e.seen[path] = rec
	}
	return merged, res, nil
}

func (e *Engine) applyPatch(merged *state.State, agent string, patch models.Patch, staged map[string]writeRecord, res *Result) error {
	path := patch.Path
	value := patch.Value
	meta := patch.Meta

	if code := ownershipViolation(path, agent); code != "" {
		w := Warning{
			Code:    code,
			Message: ownershipMessage(code),
			Path:    path,
			Agent:   agent,
		}
		res.Warnings = append(res.Warnings, w)
		recordTelemetryError(merged, map[string]any{
			"component": "merge",
			"code":      w.Code,
			"path":      path,
			"agent":     agent,
			"message":   w.Message,
		})
		return nil
	}

	if meta.SourceType == models.SourceEvidence && len(meta.Sources) == 0 {
		meta.SourceType = models.SourceAssumption
		if meta.Confidence > 0.6 {
			meta.Confidence = 0.6
		}
		recordTelemetryError(merged, map[string]any{
			"component":   "merge",
			"code":        "evidence_without_sources",
			"path":        path,
			"agent":       agent,
			"source_type": string(models.SourceAssumption),
			"confidence":  meta.Confidence,
			"message":     "evidence claim without sources converted to assumption",
		})
		res.Warnings = append(res.Warnings, Warning{
			Code:    "evidence_without_sources",
			Message: "evidence claim without sources converted to assumption",
			Path:    path,
			Agent:   agent,
		})
		if isCriticalDecisionPath(path) {
			appendListEntry(merged, "/risks/missing_proof", map[string]any{
				"rule_id":  "V-EVID-FACT-01",
				"severity": "high",
				"message":  "critical decision updated without evidence sources",
				"paths":    []any{path},
			})
		}
	}

	// Sections with identity-bearing lists merge structurally instead of
	// replacing wholesale.
	switch {
	case strings.HasPrefix(path, "/evidence/sources"):
		deduped := dedupeSources(append(asSlice(resolveSlice(merged, "/evidence/sources")), asSlice(value)...))
		if err := merged.Apply(models.OpReplace, "/evidence/sources", deduped); err != nil {
			return err
		}
		staged[path] = writeRecord{value: deduped, meta: meta, agent: agent}
		return nil
	case strings.HasPrefix(path, "/graph/nodes"):
		nodes, created, updated := e.upsertNodes(merged.GraphNodes(), asSlice(value))
		if err := merged.Apply(models.OpReplace, "/graph/nodes", nodes); err != nil {
			return err
		}
		res.NodesCreated = append(res.NodesCreated, created...)
		res.NodesUpdated = append(res.NodesUpdated, updated...)
		staged[path] = writeRecord{value: nodes, meta: meta, agent: agent}
		return nil
	case strings.HasPrefix(path, "/graph/groups"):
		groups := mergeGroups(merged.SliceAt("/graph/groups"), asSlice(value))
		if err := merged.Apply(models.OpReplace, "/graph/groups", groups); err != nil {
			return err
		}
		staged[path] = writeRecord{value: groups, meta: meta, agent: agent}
		return nil
	}

	previous, conflicted := e.previousWrite(path, staged)
	if conflicted && !reflect.DeepEqual(previous.value, value) {
		resolved, applied, err := e.resolveConflict(merged, path, previous, writeRecord{value: value, meta: meta, agent: agent}, res)
		if err != nil {
			return err
		}
		if !applied {
			// Existing value stands; history keeps the prior record.
			return nil
		}
		value = resolved.value
		meta = resolved.meta
	}

	if err := merged.Apply(patch.Op, path, value); err != nil {
		return err
	}
	if patch.Op == models.OpRemove {
		delete(staged, path)
		delete(e.seen, path)
		return nil
	}
	staged[path] = writeRecord{value: value, meta: meta, agent: agent}
	return nil
}

func (e *Engine) previousWrite(path string, staged map[string]writeRecord) (writeRecord, bool) {
	if rec, ok := staged[path]; ok {
		return rec, true
	}
	rec, ok := e.seen[path]
	return rec, ok
}

// resolveConflict applies the provenance rules for two writes to the same
// path. Returns the record to apply and whether to apply at all.
func (e *Engine) resolveConflict(merged *state.State, path string, first, second writeRecord, res *Result) (writeRecord, bool, error) {
	firstEvid := first.meta.SourceType == models.SourceEvidence
	secondEvid := second.meta.SourceType == models.SourceEvidence

	switch {
	case firstEvid && !secondEvid:
		return first, false, nil
	case secondEvid && !firstEvid:
		return second, true, nil
	case firstEvid && secondEvid:
		// Two evidence-backed writes disagree: no winner. Both go to the
		// sibling candidates list and a high contradiction asks the user to
		// resolve.
		if err := appendSibling(merged, path, "candidates", []any{
			candidateEntry(path, first), candidateEntry(path, second),
		}); err != nil {
			return writeRecord{}, false, err
		}
		c := models.Contradiction{
			RuleID:         "V-EVID-CONFLICT",
			Severity:       models.SeverityHigh,
			Message:        fmt.Sprintf("conflicting evidence updates at %s require user resolution", path),
			Paths:          []string{path},
			RecommendedFix: "review candidates and select one value",
		}
		res.Contradictions = append(res.Contradictions, c)
		if err := merged.AppendAt("/risks/contradictions", c.AsMap()); err != nil {
			return writeRecord{}, false, err
		}
		return writeRecord{}, false, nil
	}

	// Neither write has evidence: higher confidence wins, the loser is
	// archived, and the effective claim is an assumption capped at 0.6.
	winner, loser := first, second
	apply := false
	if second.meta.Confidence > first.meta.Confidence {
		winner, loser = second, first
		apply = true
	}
	winner.meta.SourceType = models.SourceAssumption
	if winner.meta.Confidence > 0.6 {
		winner.meta.Confidence = 0.6
	}
	if err := appendSibling(merged, path, "candidates_archive", []any{candidateEntry(path, loser)}); err != nil {
		return writeRecord{}, false, err
	}
	return winner, apply, nil
}

func candidateEntry(path string, rec writeRecord) map[string]any {
	return map[string]any{
		"path":  path,
		"value": rec.value,
		"agent": rec.agent,
		"meta": map[string]any{
			"source_type": string(rec.meta.SourceType),
			"confidence":  rec.meta.Confidence,
			"sources":     toAnyStrings(rec.meta.Sources),
		},
	}
}

// appendSibling appends entries to the list named key in the parent object of
// path, creating the list if absent.
func appendSibling(s *state.State, path, key string, entries []any) error {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return &state.PointerError{Path: path, Reason: "no parent for sibling list"}
	}
	sibling := path[:idx] + "/" + key
	list := append(s.SliceAt(sibling), entries...)
	return s.Apply(models.OpReplace, sibling, list)
}

func (e *Engine) ingestFacts(merged *state.State, out *models.AgentOutput, res *Result) {
	for _, fact := range out.Facts {
		if len(fact.Sources) > 0 {
			continue
		}
		confidence := fact.Confidence
		if confidence > 0.6 {
			confidence = 0.6
		}
		recordTelemetryError(merged, map[string]any{
			"component":   "merge",
			"code":        "fact_without_source",
			"agent":       out.Agent,
			"claim":       fact.Claim,
			"source_type": string(models.SourceAssumption),
			"confidence":  confidence,
		})
		appendListEntry(merged, "/risks/missing_proof", map[string]any{
			"rule_id":  "V-EVID-FACT-01",
			"severity": "high",
			"message":  "fact claim without source was downgraded to assumption",
			"paths":    []any{"/facts"},
			"claim":    fact.Claim,
		})
		res.Warnings = append(res.Warnings, Warning{
			Code:    "fact_without_source",
			Message: "fact claim without source was downgraded to assumption",
			Path:    "/facts",
			Agent:   out.Agent,
		})
	}
}

// ingestAssumptions turns each assumption into an execution experiment,
// deduplicated by content.
func (e *Engine) ingestAssumptions(merged *state.State, out *models.AgentOutput) {
	experiments := merged.SliceAt("/execution/experiments")
	for _, a := range out.Assumptions {
		experiment := map[string]any{
			"hypothesis": a.Statement,
			"validation": a.HowToValidate,
			"confidence": a.Confidence,
		}
		dup := false
		for _, existing := range experiments {
			if reflect.DeepEqual(existing, experiment) {
				dup = true
				break
			}
		}
		if !dup {
			experiments = append(experiments, experiment)
		}
	}
	_ = merged.Apply(models.OpReplace, "/execution/experiments", experiments)
}

// applyProposals contributes options to decision slots. Selection stays with
// the runtime.
func (e *Engine) applyProposals(merged *state.State, out *models.AgentOutput) {
	for _, p := range out.Proposals {
		decision := merged.Decision(p.DecisionKey)
		if decision == nil {
			continue
		}
		options := make([]any, 0, len(p.Options))
		for _, opt := range p.Options {
			options = append(options, copyMap(opt))
		}
		decision["options"] = options
		decision["recommended_option_id"] = p.RecommendedOptionID
		if p.Rationale != "" {
			decision["rationale"] = p.Rationale
		}
	}
}

func patchRank(path string) int {
	for i, prefix := range patchOrder {
		if strings.HasPrefix(path, prefix) {
			return i
		}
	}
	return len(patchOrder)
}

// ownershipViolation reports the violation code if agent may not write path.
// The runtime actor bypasses all ownership checks.
func ownershipViolation(path, agent string) string {
	if agent == RuntimeActor {
		return ""
	}
	if strings.HasPrefix(path, "/decisions/") && strings.HasSuffix(path, "/selected_option_id") {
		return "decision_ownership_violation"
	}
	if strings.HasPrefix(path, "/risks/contradictions") ||
		strings.HasPrefix(path, "/telemetry") ||
		strings.HasPrefix(path, "/meta") {
		return "section_ownership_violation"
	}
	return ""
}

func ownershipMessage(code string) string {
	if code == "decision_ownership_violation" {
		return "only the runtime can write decisions.*.selected_option_id"
	}
	return "path is runtime-owned and cannot be patched by agents"
}

var criticalDecisionPrefixes = []string{
	"/decisions/icp",
	"/decisions/pricing",
	"/decisions/channels",
	"/decisions/sales_motion",
}

func isCriticalDecisionPath(path string) bool {
	for _, prefix := range criticalDecisionPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func recordTelemetryError(s *state.State, entry map[string]any) {
	appendListEntry(s, "/telemetry/errors", entry)
}

func appendListEntry(s *state.State, ptr string, entry map[string]any) {
	// The target lists exist in every well-formed state; errors here would
	// also fail final validation.
	_ = s.AppendAt(ptr, entry)
}

func resolveSlice(s *state.State, ptr string) []any { return s.SliceAt(ptr) }

func asSlice(v any) []any {
	if v == nil {
		return nil
	}
	if list, ok := v.([]any); ok {
		return list
	}
	return []any{v}
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case map[string]any:
			out[k] = copyMap(t)
		case []any:
			list := make([]any, len(t))
			for i, item := range t {
				if im, ok := item.(map[string]any); ok {
					list[i] = copyMap(im)
				} else {
					list[i] = item
				}
			}
			out[k] = list
		default:
			out[k] = v
		}
	}
	return out
}

func floatOf(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	}
	return 0
}

func boolOf(v any) bool {
	b, _ := v.(bool)
	return b
}

func toAnyStrings(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
