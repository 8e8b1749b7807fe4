// Package runtime drives the two-pass agent pipeline: the initial sweep over
// the static agent sequence, the validator-driven reconciliation rounds, and
// the partial reruns triggered by decision overrides. A run is executed by a
// single logical worker; agents within a run are strictly sequential.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gtmgraph/gtmgraph/pkg/agent"
	"github.com/gtmgraph/gtmgraph/pkg/config"
	"github.com/gtmgraph/gtmgraph/pkg/depgraph"
	"github.com/gtmgraph/gtmgraph/pkg/events"
	"github.com/gtmgraph/gtmgraph/pkg/merge"
	"github.com/gtmgraph/gtmgraph/pkg/models"
	"github.com/gtmgraph/gtmgraph/pkg/state"
	"github.com/gtmgraph/gtmgraph/pkg/store"
	"github.com/gtmgraph/gtmgraph/pkg/validator"
)

// hardDependency maps an agent to the upstream agent it cannot run without.
// When the upstream agent failed this pass, the dependent is skipped instead
// of producing output against a state with no evidence base.
var hardDependency = map[string]string{
	"icp_agent":              "evidence_collector",
	"positioning_agent":      "evidence_collector",
	"pricing_agent":          "evidence_collector",
	"channel_agent":          "evidence_collector",
	"sales_motion_agent":     "evidence_collector",
	"product_strategy_agent": "evidence_collector",
	"tech_feasibility_agent": "evidence_collector",
	"people_cash_agent":      "evidence_collector",
	"execution_agent":        "evidence_collector",
}

// Scheduler executes runs end to end: load state, sweep the agent sequence,
// reconcile, persist the terminal status. Safe for concurrent use; per-run
// mutable state lives in the pipeline struct.
type Scheduler struct {
	cfg      *config.RuntimeConfig
	store    store.Store
	bus      *events.Bus
	registry *agent.Registry
}

// NewScheduler wires a scheduler over the given store, bus, and agent fleet.
func NewScheduler(cfg *config.RuntimeConfig, st store.Store, bus *events.Bus, reg *agent.Registry) *Scheduler {
	return &Scheduler{cfg: cfg, store: st, bus: bus, registry: reg}
}

// pipeline is the mutable execution context of one run.
type pipeline struct {
	run    *store.RunRecord
	state  *state.State
	engine *merge.Engine
	logger *slog.Logger

	completed   map[string]struct{}
	failed      map[string]struct{}
	tokensSpent int
}

// Execute runs the pipeline for a claimed run and persists its terminal
// status. The returned status is what was persisted; the error is non-nil
// only for infrastructure failures (store writes), never for agent-level
// degradation.
func (s *Scheduler) Execute(ctx context.Context, run *store.RunRecord) (models.RunStatus, error) {
	logger := slog.With("run_id", run.ID, "scenario_id", run.ScenarioID)

	snap, err := s.store.LatestSnapshot(ctx, run.ScenarioID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = ErrNoSnapshot
		}
		return s.fail(run, models.CauseStore, err.Error())
	}
	st, err := state.FromDoc(snap.State)
	if err != nil {
		return s.fail(run, models.CauseStore, fmt.Sprintf("corrupt snapshot %d: %v", snap.Version, err))
	}
	st.SetRunID(run.ID)

	p := &pipeline{
		run:       run,
		state:     st,
		engine:    merge.NewEngine(),
		logger:    logger,
		completed: map[string]struct{}{},
		failed:    map[string]struct{}{},
	}

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunDeadline)
	defer cancel()

	resumed := run.LastAgentIndex >= 0

	// Runs queued against incomplete intake never reach an agent, even when
	// a stale or hand-crafted record slips past the API gate.
	if !resumed && run.ChangedDecision == "" {
		if missing := st.MissingIntakeFields(); len(missing) > 0 {
			required := make([]any, len(missing))
			for i, field := range missing {
				required[i] = field
			}
			s.publish(runCtx, p, events.EventTypeRunBlocked, map[string]any{
				"required_inputs": required,
			})
			logger.Info("Run blocked by intake validation", "missing", len(missing))
			return s.finalize(p, models.RunStatusBlocked, "", "intake incomplete")
		}
	}

	startIndex := 0
	if resumed {
		startIndex = run.LastAgentIndex + 1
		s.publish(runCtx, p, events.EventTypeRunResumed, map[string]any{
			"start_index":      startIndex,
			"checkpoint_index": snap.Version,
		})
		logger.Info("Run resumed", "start_index", startIndex, "checkpoint", snap.Version)
	} else {
		s.publish(runCtx, p, events.EventTypeRunStarted, map[string]any{"status": "running"})
		logger.Info("Run started", "changed_decision", run.ChangedDecision)
	}

	status, cause, msg := s.sweep(runCtx, p, startIndex)
	if status == "" && run.ChangedDecision == "" {
		status, cause, msg = s.reconcile(runCtx, p)
	}
	if status == "" {
		status, cause, msg = s.finish(runCtx, p)
	}

	return s.finalize(p, status, cause, msg)
}

// sweep is pass 1: execute the agent sequence from startIndex. Returns a
// terminal status when the run must end early, or "" to continue.
func (s *Scheduler) sweep(ctx context.Context, p *pipeline, startIndex int) (models.RunStatus, models.FailureCause, string) {
	runAgents := depgraph.ImpactedAgents(p.run.ChangedDecision)

	for i := startIndex; i < len(depgraph.AgentSequence); i++ {
		name := depgraph.AgentSequence[i]

		if status, cause, msg := s.checkFences(ctx, p); status != "" {
			return status, cause, msg
		}

		if _, ok := runAgents[name]; !ok {
			s.skipAgent(ctx, p, name, i, "not impacted by changed decision")
			continue
		}
		if dep, ok := hardDependency[name]; ok {
			if _, depFailed := p.failed[dep]; depFailed {
				s.skipAgent(ctx, p, name, i, fmt.Sprintf("hard dependency %s failed", dep))
				continue
			}
		}

		if status, cause, msg := s.executeAgent(ctx, p, name, i, 1); status != "" {
			return status, cause, msg
		}
	}
	return "", "", ""
}

// reconcile is pass 2: map critical/high contradictions to responsible
// agents and re-execute them until stable or the round cap is reached.
func (s *Scheduler) reconcile(ctx context.Context, p *pipeline) (models.RunStatus, models.FailureCause, string) {
	var prevRules map[string]struct{}

	for round := 1; round <= s.cfg.ReconcileRounds; round++ {
		report := validator.Evaluate(p.state, validator.Gates{})
		actionable := blockingContradictions(report.Contradictions)
		if len(actionable) == 0 {
			return "", "", ""
		}

		rules := ruleIDSet(actionable)
		if prevRules != nil && sameSet(rules, prevRules) {
			p.logger.Info("Contradictions stable across rounds, stopping reconciliation",
				"round", round, "rules", len(rules))
			return "", "", ""
		}
		prevRules = rules

		rerun := s.rerunSet(p, actionable)
		if len(rerun) == 0 {
			return "", "", ""
		}
		p.logger.Info("Reconciliation round", "round", round, "agents", len(rerun))

		for i, name := range depgraph.AgentSequence {
			if _, ok := rerun[name]; !ok {
				continue
			}
			if status, cause, msg := s.checkFences(ctx, p); status != "" {
				return status, cause, msg
			}
			if status, cause, msg := s.executeAgent(ctx, p, name, i, round+1); status != "" {
				return status, cause, msg
			}
		}
	}
	return "", "", ""
}

// rerunSet maps actionable contradictions to agents that already completed
// this run, plus the always-run closers.
func (s *Scheduler) rerunSet(p *pipeline, actionable []models.Contradiction) map[string]struct{} {
	set := map[string]struct{}{}
	for _, name := range validator.ResponsibleAgents(actionable) {
		if _, done := p.completed[name]; done {
			set[name] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	for _, name := range depgraph.AlwaysRunAgents {
		set[name] = struct{}{}
	}
	return set
}

// finish runs the final validation, records unresolved contradictions, and
// decides between completed and blocked.
func (s *Scheduler) finish(ctx context.Context, p *pipeline) (models.RunStatus, models.FailureCause, string) {
	report := validator.Evaluate(p.state, validator.Gates{})
	if err := validator.WriteRisks(p.state, report); err != nil {
		return models.RunStatusFailed, models.CauseError, err.Error()
	}

	unresolved := blockingContradictions(report.Contradictions)
	if err := p.state.Apply(models.OpReplace, "/risks/unresolved_contradictions", contradictionList(unresolved)); err != nil {
		return models.RunStatusFailed, models.CauseError, err.Error()
	}
	p.state.Touch(merge.RuntimeActor)

	version, err := s.checkpoint(ctx, p, len(depgraph.AgentSequence)-1, "validator_agent")
	if err != nil {
		return models.RunStatusFailed, models.CauseStore, err.Error()
	}

	if report.Blocking {
		s.publish(ctx, p, events.EventTypeRunBlocked, map[string]any{
			"reasons":          contradictionList(unresolved),
			"checkpoint_index": version,
		})
		return models.RunStatusBlocked, "", ""
	}

	s.publish(ctx, p, events.EventTypeNodeUpdated, map[string]any{"node_ids": nodeIDs(p.state)})
	s.publish(ctx, p, events.EventTypeRunCompleted, map[string]any{
		"status":           string(models.RunStatusCompleted),
		"checkpoint_index": version,
	})
	return models.RunStatusCompleted, "", ""
}

// executeAgent runs one agent turn: invoke, merge, account tokens,
// auto-select, checkpoint, emit events. Returns a terminal status only when
// the whole run must end (deadline, budget, store failure).
func (s *Scheduler) executeAgent(ctx context.Context, p *pipeline, name string, index, pass int) (models.RunStatus, models.FailureCause, string) {
	a, err := s.registry.Get(name)
	if err != nil {
		return models.RunStatusFailed, models.CauseError, err.Error()
	}

	s.publish(ctx, p, events.EventTypeAgentStarted, map[string]any{
		"agent": name, "index": index, "pass": pass,
	})
	startedAt := state.UTCNow()
	timer := time.Now()

	out, err := s.invoke(ctx, a, &agent.Invocation{
		RunID:           p.run.ID,
		State:           p.state.Clone(),
		ChangedDecision: p.run.ChangedDecision,
	})
	if err == nil {
		// A late reply from a previous claim of this run is discarded.
		if out.RunID != p.run.ID {
			err = fmt.Errorf("stale output for run %s", out.RunID)
		} else if merged, res, mergeErr := p.engine.Apply(p.state, out); mergeErr != nil {
			err = mergeErr
		} else {
			p.state = merged
			s.emitMergeEvents(ctx, p, name, res)
		}
	}

	durationMS := int(time.Since(timer).Milliseconds())
	if err != nil {
		if ctx.Err() != nil {
			// The run deadline expired, not the agent. Let the fence decide.
			return models.RunStatusFailed, models.CauseDeadline, ErrRunDeadline.Error()
		}
		p.failed[name] = struct{}{}
		s.appendTiming(p, name, startedAt, durationMS, "failed")
		s.publish(ctx, p, events.EventTypeAgentFailed, map[string]any{
			"agent": name, "index": index, "pass": pass, "error": err.Error(),
		})
		p.logger.Warn("Agent failed", "agent", name, "pass", pass, "error", err)
		return "", "", ""
	}

	s.accountTokens(p, name, out)
	if s.cfg.TokenBudget > 0 && p.tokensSpent > s.cfg.TokenBudget {
		return models.RunStatusFailed, models.CauseBudget,
			fmt.Sprintf("%s: %d tokens spent, budget %d", ErrTokenBudget, p.tokensSpent, s.cfg.TokenBudget)
	}

	s.autoSelect(p, out)
	s.appendTiming(p, name, startedAt, durationMS, "completed")
	delete(p.failed, name)
	p.completed[name] = struct{}{}

	s.publish(ctx, p, events.EventTypeAgentProgress, map[string]any{
		"agent":          name,
		"patch_count":    len(out.Patches),
		"proposal_count": len(out.Proposals),
	})

	version, err := s.checkpoint(ctx, p, index, name)
	if err != nil {
		return models.RunStatusFailed, models.CauseStore, err.Error()
	}
	payload := map[string]any{
		"agent": name, "index": index, "pass": pass,
		"patch_count":      len(out.Patches),
		"duration_ms":      durationMS,
		"checkpoint_index": version,
	}
	if out.TokenUsage != nil {
		payload["token_usage"] = map[string]any{
			"input_tokens":  out.TokenUsage.InputTokens,
			"output_tokens": out.TokenUsage.OutputTokens,
			"model":         out.TokenUsage.Model,
		}
	}
	s.publish(ctx, p, events.EventTypeAgentCompleted, payload)
	return "", "", ""
}

// invoke runs the agent with the per-agent timeout. Fixture agents return
// immediately; provider-backed agents block on network calls.
func (s *Scheduler) invoke(ctx context.Context, a agent.Agent, inv *agent.Invocation) (*models.AgentOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.AgentTimeout)
	defer cancel()

	type result struct {
		out *models.AgentOutput
		err error
	}
	ch := make(chan result, 1)
	go func() {
		out, err := a.Execute(ctx, inv)
		ch <- result{out, err}
	}()
	select {
	case r := <-ch:
		return r.out, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", a.Name(), ErrAgentTimeout)
	}
}

// checkFences observes cancellation, the run deadline, and lost heartbeats.
// Called before each agent turn and at checkpoint boundaries.
func (s *Scheduler) checkFences(ctx context.Context, p *pipeline) (models.RunStatus, models.FailureCause, string) {
	if ctx.Err() != nil {
		return models.RunStatusFailed, models.CauseDeadline, ErrRunDeadline.Error()
	}
	cancelled, err := s.store.IsRunCancelRequested(ctx, p.run.ID)
	if err != nil {
		return models.RunStatusFailed, models.CauseStore, err.Error()
	}
	if cancelled {
		return models.RunStatusCancelled, models.CauseCancelled, ErrCancelled.Error()
	}
	return "", "", ""
}

func (s *Scheduler) skipAgent(ctx context.Context, p *pipeline, name string, index int, reason string) {
	now := state.UTCNow()
	s.appendTiming(p, name, now, 0, "skipped")
	s.publish(ctx, p, events.EventTypeAgentSkipped, map[string]any{
		"agent": name, "index": index, "reason": reason,
	})
}

// checkpoint durably snapshots the state, then emits state_checkpointed and
// records progress. No event referencing a state version is published before
// that version is stored.
func (s *Scheduler) checkpoint(ctx context.Context, p *pipeline, index int, agentName string) (int, error) {
	snap := &store.Snapshot{
		ID:         models.NewSnapshotID(),
		ScenarioID: p.run.ScenarioID,
		RunID:      p.run.ID,
		AgentIndex: index,
		Agent:      agentName,
		State:      p.state.Doc(),
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.AppendSnapshot(ctx, snap); err != nil {
		return 0, fmt.Errorf("checkpoint after %s: %w", agentName, err)
	}
	if err := s.store.UpdateRunProgress(ctx, p.run.ID, index, agentName); err != nil {
		return 0, fmt.Errorf("recording progress after %s: %w", agentName, err)
	}
	s.publish(ctx, p, events.EventTypeStateCheckpointed, map[string]any{
		"agent":            agentName,
		"index":            index,
		"checkpoint_index": snap.Version,
		"updated_at":       p.state.StringAt("/meta/updated_at"),
	})
	return snap.Version, nil
}

func (s *Scheduler) emitMergeEvents(ctx context.Context, p *pipeline, name string, res *merge.Result) {
	if len(res.Warnings) > 0 {
		warnings := make([]any, len(res.Warnings))
		for i, w := range res.Warnings {
			warnings[i] = map[string]any{
				"code": w.Code, "message": w.Message, "path": w.Path, "agent": w.Agent,
			}
		}
		s.publish(ctx, p, events.EventTypeValidatorWarning, map[string]any{
			"agent": name, "count": len(warnings), "warnings": warnings,
		})
	}
	if len(res.NodesCreated) > 0 {
		s.publish(ctx, p, events.EventTypeNodeCreated, map[string]any{
			"agent": name, "node_ids": toAnySlice(res.NodesCreated),
		})
	}
	if len(res.NodesUpdated) > 0 {
		s.publish(ctx, p, events.EventTypeNodeUpdated, map[string]any{
			"agent": name, "node_ids": toAnySlice(res.NodesUpdated),
		})
	}
}

// autoSelect pins recommended options for decisions the user has not touched.
// The runtime is the orchestrator, so writing selected_option_id here does
// not violate decision ownership.
func (s *Scheduler) autoSelect(p *pipeline, out *models.AgentOutput) {
	for _, proposal := range out.Proposals {
		key, rec := proposal.DecisionKey, proposal.RecommendedOptionID
		if key == "" || rec == "" {
			continue
		}
		decision := p.state.Decision(key)
		if decision == nil {
			continue
		}
		if selected, _ := decision["selected_option_id"].(string); selected != "" {
			continue
		}
		base := "/decisions/" + key
		if err := p.state.Apply(models.OpReplace, base+"/selected_option_id", rec); err != nil {
			p.logger.Warn("Auto-select failed", "decision", key, "error", err)
			continue
		}
		_ = p.state.Apply(models.OpReplace, base+"/selection_mode", "auto_recommended")
	}
}

func (s *Scheduler) accountTokens(p *pipeline, name string, out *models.AgentOutput) {
	if out.TokenUsage == nil {
		return
	}
	total := out.TokenUsage.Total()
	p.tokensSpent += total

	spent := p.state.FloatAt("/telemetry/token_spend/total")
	_ = p.state.Apply(models.OpReplace, "/telemetry/token_spend/total", spent+float64(total))
	_ = p.state.AppendAt("/telemetry/token_spend/by_agent", map[string]any{
		"agent":             name,
		"input_tokens":      float64(out.TokenUsage.InputTokens),
		"output_tokens":     float64(out.TokenUsage.OutputTokens),
		"model":             out.TokenUsage.Model,
		"execution_time_ms": float64(out.ExecutionTimeMS),
	})
}

func (s *Scheduler) appendTiming(p *pipeline, name, startedAt string, durationMS int, status string) {
	_ = p.state.AppendAt("/telemetry/agent_timings", map[string]any{
		"agent":       name,
		"started_at":  startedAt,
		"ended_at":    state.UTCNow(),
		"duration_ms": float64(durationMS),
		"status":      status,
	})
}

func (s *Scheduler) publish(ctx context.Context, p *pipeline, eventType string, payload map[string]any) {
	if _, err := s.bus.Publish(ctx, p.run.ID, p.run.ScenarioID, eventType, payload); err != nil {
		p.logger.Error("Failed to publish event", "type", eventType, "error", err)
	}
}

// finalize persists the terminal run status. Uses a fresh context so a run
// that died to its own deadline can still record why.
func (s *Scheduler) finalize(p *pipeline, status models.RunStatus, cause models.FailureCause, msg string) (models.RunStatus, error) {
	ctx := context.Background()
	if status == models.RunStatusFailed || status == models.RunStatusCancelled {
		s.publish(ctx, p, events.EventTypeRunFailed, map[string]any{
			"cause": string(cause), "error": msg,
		})
	}
	if err := s.store.CompleteRun(ctx, p.run.ID, status, cause, msg); err != nil {
		return status, fmt.Errorf("persisting terminal status %s: %w", status, err)
	}
	p.logger.Info("Run finished", "status", string(status), "cause", string(cause))
	return status, nil
}

// fail records a terminal failure for a run that never got a pipeline.
func (s *Scheduler) fail(run *store.RunRecord, cause models.FailureCause, msg string) (models.RunStatus, error) {
	ctx := context.Background()
	if _, err := s.bus.Publish(ctx, run.ID, run.ScenarioID, events.EventTypeRunFailed, map[string]any{
		"cause": string(cause), "error": msg,
	}); err != nil {
		slog.Error("Failed to publish run_failed", "run_id", run.ID, "error", err)
	}
	if err := s.store.CompleteRun(ctx, run.ID, models.RunStatusFailed, cause, msg); err != nil {
		return models.RunStatusFailed, fmt.Errorf("persisting failure: %w", err)
	}
	return models.RunStatusFailed, nil
}

func blockingContradictions(cs []models.Contradiction) []models.Contradiction {
	var out []models.Contradiction
	for _, c := range cs {
		if c.Severity.Blocking() {
			out = append(out, c)
		}
	}
	return out
}

func contradictionList(cs []models.Contradiction) []any {
	out := make([]any, len(cs))
	for i, c := range cs {
		out[i] = c.AsMap()
	}
	return out
}

func ruleIDSet(cs []models.Contradiction) map[string]struct{} {
	set := make(map[string]struct{}, len(cs))
	for _, c := range cs {
		set[c.RuleID] = struct{}{}
	}
	return set
}

func sameSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func nodeIDs(st *state.State) []any {
	nodes := st.GraphNodes()
	ids := make([]any, 0, len(nodes))
	for _, n := range nodes {
		if node, ok := n.(map[string]any); ok {
			if id, ok := node["id"].(string); ok {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
