package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/gtmgraph/gtmgraph/pkg/depgraph"
	"github.com/gtmgraph/gtmgraph/pkg/models"
	"github.com/gtmgraph/gtmgraph/pkg/state"
)

// graphBuilder derives the full node graph from the decided state. Node IDs
// are stable semantic paths, so reruns mutate existing nodes instead of
// duplicating them. On a partial rerun only nodes depending on impacted
// decisions are re-emitted.
func graphBuilder() Agent {
	return &funcAgent{name: "graph_builder", build: func(_ context.Context, inv *Invocation) (*models.AgentOutput, error) {
		nodes := buildGraphNodes(inv.State, inv.ChangedDecision)
		out := emptyOutput("graph_builder", inv.RunID)
		out.Patches = []models.Patch{
			{Op: models.OpReplace, Path: "/graph/nodes", Value: nodes, Meta: meta(models.SourceInference, 0.7)},
			{Op: models.OpReplace, Path: "/graph/groups", Value: buildGraphGroups(nodes), Meta: meta(models.SourceInference, 0.7)},
		}
		out.TokenUsage = &models.TokenUsage{InputTokens: 1600, OutputTokens: 900, Model: "fixture"}
		return out, nil
	}}
}

type nodeSpec struct {
	id           string
	title        string
	pillar       string
	nodeType     string
	content      map[string]any
	dependencies []string
}

func buildGraphNodes(s *state.State, changedDecision string) []any {
	icpProfile := s.MapAt("/decisions/icp/profile")
	posFrame := s.MapAt("/decisions/positioning/frame")

	buyerRole := stringOr(icpProfile["buyer_role"], "")
	companySize := stringOr(icpProfile["company_size"], "")
	triggerEvent := stringOr(icpProfile["trigger_event"], "")
	valueProp := stringOr(posFrame["value_prop"], "")
	category := stringOr(posFrame["category"], "")
	wedge := stringOr(posFrame["wedge"], "")

	pricingMetric := s.StringAt("/decisions/pricing/metric")
	tiers := s.SliceAt("/decisions/pricing/tiers")
	priceToTest := s.FloatAt("/decisions/pricing/price_to_test")
	primaryChannel := s.StringAt("/decisions/channels/primary")
	secondaryChannel := s.StringAt("/decisions/channels/secondary")
	salesMotion := s.StringAt("/decisions/sales_motion/motion")

	competitors := s.SliceAt("/evidence/competitors")
	pricingAnchors := s.SliceAt("/evidence/pricing_anchors")
	channelSignals := s.SliceAt("/evidence/channel_signals")

	nextActions := s.SliceAt("/execution/next_actions")
	experiments := s.SliceAt("/execution/experiments")
	teamPlan := s.MapAt("/pillars/execution/team_plan")
	productSummary := s.StringAt("/pillars/product_tech/summary")
	posSummary := s.StringAt("/pillars/positioning_pricing/summary")
	gtmSummary := s.StringAt("/pillars/go_to_market/summary")
	securityPlan := s.StringAt("/pillars/product_tech/security_plan")
	complianceLevel := s.StringAt("/constraints/compliance_level")
	teamSize := s.FloatAt("/constraints/team_size")
	budget := s.FloatAt("/constraints/budget_usd_monthly")

	tierNames := []string{}
	for _, raw := range tiers {
		if tier, ok := raw.(map[string]any); ok {
			tierNames = append(tierNames, fmt.Sprintf("%v ($%v)", tier["name"], tier["price"]))
		}
	}
	tierSummary := "No tiers defined"
	if len(tierNames) > 0 {
		tierSummary = "Tiered pricing: " + strings.Join(tierNames, ", ")
	}

	icpRationale := ""
	icpRecID := s.StringAt("/decisions/icp/recommended_option_id")
	for _, raw := range s.SliceAt("/decisions/icp/options") {
		if opt, ok := raw.(map[string]any); ok && stringOr(opt["id"], "") == icpRecID {
			icpRationale = stringOr(opt["description"], "")
			break
		}
	}
	if icpRationale == "" {
		icpRationale = "Best evidence-backed fit from current source set."
	}

	specs := []nodeSpec{
		{"pillar.market_intelligence", "Market Intelligence", "market_intelligence", "pillar", map[string]any{}, nil},
		{"pillar.customer", "Customer", "customer", "pillar", map[string]any{}, nil},
		{"pillar.positioning_pricing", "Positioning & Pricing", "positioning_pricing", "pillar", map[string]any{}, nil},
		{"pillar.go_to_market", "Go-to-Market", "go_to_market", "pillar", map[string]any{}, nil},
		{"pillar.product_tech", "Product & Tech", "product_tech", "pillar", map[string]any{}, nil},
		{"pillar.execution", "Execution", "execution", "pillar", map[string]any{}, nil},
		{"market.icp.summary", "ICP Summary", "customer", "decision", map[string]any{
			"summary":       fallbackIf(buyerRole != "", fmt.Sprintf("Target buyer: %s at %s companies, triggered by %s.", buyerRole, companySize, triggerEvent), "ICP not yet defined."),
			"buyer_role":    buyerRole,
			"company_size":  companySize,
			"budget_owner":  stringOr(icpProfile["budget_owner"], ""),
			"trigger_event": triggerEvent,
			"rationale":     icpRationale,
		}, []string{"icp"}},
		{"market.trigger.event", "Trigger Event", "customer", "evidence", map[string]any{
			"summary":           fallbackIf(triggerEvent != "", fmt.Sprintf("Key trigger: %s. Signals buyer readiness and urgency to act.", triggerEvent), "No trigger event identified."),
			"trigger":           triggerEvent,
			"why_it_matters":    "Trigger events create urgency and budget allocation for new solutions.",
			"competitors_count": float64(len(competitors)),
		}, []string{"icp"}},
		{"positioning.wedge", "Positioning Wedge", "positioning_pricing", "decision", map[string]any{
			"summary":        fallbackIf(wedge != "", fmt.Sprintf("Position as '%s' leading with '%s': %s.", category, wedge, valueProp), "Positioning not yet defined."),
			"category":       category,
			"wedge":          wedge,
			"value_prop":     valueProp,
			"pillar_summary": posSummary,
			"rationale":      "Aligns with buyer pain from intake and evidence.",
		}, []string{"positioning", "icp"}},
		{"pricing.metric", "Pricing Metric", "positioning_pricing", "decision", map[string]any{
			"summary":       fallbackIf(pricingMetric != "", fmt.Sprintf("Recommended pricing model: %s at $%v/mo test point.", strings.ReplaceAll(pricingMetric, "_", " "), priceToTest), "Pricing metric not set."),
			"metric":        pricingMetric,
			"price_to_test": priceToTest,
			"rationale":     "Closest match to evidence anchors and competitor pricing.",
			"anchors":       headOf(pricingAnchors, 3),
		}, []string{"pricing", "icp"}},
		{"pricing.tiers", "Pricing Tiers", "positioning_pricing", "plan", map[string]any{
			"summary": tierSummary,
			"tiers":   tiers,
		}, []string{"pricing"}},
		{"channel.primary", "Primary Channel", "go_to_market", "decision", map[string]any{
			"summary":         fallbackIf(primaryChannel != "", fmt.Sprintf("Primary acquisition channel: %s.", strings.ReplaceAll(primaryChannel, "_", " ")), "Primary channel not selected."),
			"channel":         primaryChannel,
			"channel_signals": headOf(channelSignals, 3),
			"rationale":       "Strongest signal from channel evidence set.",
		}, []string{"channels"}},
		{"channel.secondary", "Secondary Channel", "go_to_market", "decision", map[string]any{
			"summary":   fallbackIf(secondaryChannel != "", fmt.Sprintf("Secondary channel: %s to diversify acquisition.", strings.ReplaceAll(secondaryChannel, "_", " ")), "No secondary channel."),
			"channel":   secondaryChannel,
			"rationale": "Complements primary channel for broader reach.",
		}, []string{"channels"}},
		{"sales.motion", "Sales Motion", "go_to_market", "decision", map[string]any{
			"summary":        fallbackIf(salesMotion != "unset" && salesMotion != "", fmt.Sprintf("Sales approach: %s.", strings.ReplaceAll(salesMotion, "_", " ")), "Sales motion not decided."),
			"motion":         salesMotion,
			"pillar_summary": gtmSummary,
			"rationale":      "Best fit for current ICP/channel combination.",
		}, []string{"sales_motion", "channels", "icp"}},
		{"product.core_offer", "Core Offer", "product_tech", "plan", map[string]any{
			"summary":        fallbackIf(productSummary != "", productSummary, "Core product offer pending strategy agent."),
			"mvp_features":   []any{"Call summarization", "Follow-up extraction", "CRM sync"},
			"roadmap_phases": []any{"MVP: core automation", "V2: integrations", "V3: analytics"},
		}, []string{"positioning"}},
		{"product.onboarding", "Onboarding Flow", "product_tech", "plan", map[string]any{
			"summary":             "Guided onboarding: import calls, connect CRM, configure automations.",
			"steps":               []any{"Import existing calls or connect live source", "Connect CRM (HubSpot/Salesforce)", "Configure follow-up automation rules", "Send first automated follow-up"},
			"integration_targets": []any{"HubSpot", "Salesforce"},
		}, []string{"product"}},
		{"product.integration", "Integration Plan", "product_tech", "plan", map[string]any{
			"summary":  "Priority integrations: HubSpot and Salesforce for CRM sync.",
			"targets":  []any{"HubSpot", "Salesforce"},
			"priority": "HubSpot first (larger SMB install base), then Salesforce.",
		}, []string{"product"}},
		{"product.security_plan", "Security Plan", "product_tech", "risk", map[string]any{
			"summary":          fallbackIf(securityPlan != "", fmt.Sprintf("Security posture: %s compliance. %s", complianceLevel, securityPlan), fmt.Sprintf("Compliance level: %s. Security plan pending.", complianceLevel)),
			"plan":             securityPlan,
			"compliance_level": complianceLevel,
		}, []string{"tech"}},
		{"execution.validation_sprint", "Validation Sprint", "execution", "checklist", map[string]any{
			"summary":        "2-week validation sprint: interview buyers, test messaging, validate willingness to pay.",
			"description":    actionTitle(nextActions, 0, "Interview 10 target buyers"),
			"owner":          actionOwner(nextActions, 0, "founder"),
			"timeline":       "Week 1-2",
			"success_metric": "10+ buyer interviews completed with pain confirmation",
		}, []string{"execution"}},
		{"execution.outbound_playbook", "Outbound Playbook", "execution", "asset", map[string]any{
			"summary":        "Send first 50 outbound messages to validate channel and messaging.",
			"description":    actionTitle(nextActions, 1, "Send first 50 outbound messages"),
			"owner":          actionOwner(nextActions, 1, "founder"),
			"timeline":       "Week 1",
			"success_metric": "5%+ reply rate on cold outbound",
		}, []string{"execution", "channels"}},
		{"execution.landing_page", "Landing Page Sprint", "execution", "asset", map[string]any{
			"summary":        "Launch landing page with waitlist CTA to capture early demand signal.",
			"description":    actionTitle(nextActions, 2, "Launch landing page with CTA"),
			"owner":          actionOwner(nextActions, 2, "marketing"),
			"timeline":       "Week 2",
			"success_metric": "100+ waitlist signups in first 2 weeks",
		}, []string{"execution"}},
		{"execution.pipeline", "Pipeline Review", "execution", "checklist", map[string]any{
			"summary":        "Track pipeline conversion from outbound to demo to trial to close.",
			"description":    experimentField(experiments, "hypothesis", "Validate buyer willingness to pay."),
			"owner":          "founder",
			"timeline":       "Ongoing",
			"success_metric": experimentField(experiments, "metric", "Demo-to-trial conversion"),
		}, []string{"execution", "pricing", "sales_motion"}},
		{"people.team_plan", "Team Plan", "execution", "plan", map[string]any{
			"summary":        stringOr(teamPlan["summary"], "Lean team: founder-led execution, hire after PMF signal."),
			"team_size":      teamSize,
			"budget":         budget,
			"hiring_trigger": "After first 10 paying customers or $10k MRR",
		}, []string{"execution"}},
		{"people.runway", "Runway Plan", "execution", "risk", map[string]any{
			"summary":   fmt.Sprintf("Monthly budget: $%.0f. Keep burn minimal until PMF.", budget),
			"budget":    budget,
			"rationale": "Conserve runway until product-market fit is confirmed by conversion metrics.",
		}, []string{"pricing", "execution"}},
		{"people.hiring", "Hiring Trigger", "execution", "checklist", map[string]any{
			"summary":   "Hire first SDR after 10 customers or when founder capacity is saturated.",
			"trigger":   "After first 10 customers",
			"rationale": "Premature hiring burns runway without validated demand.",
		}, []string{"execution"}},
		{"people.ops", "Ops Checklist", "execution", "checklist", map[string]any{
			"summary": "Weekly ops cadence: metrics review, risk assessment, pipeline check.",
			"items":   []any{"Weekly metrics review", "Risk register update", "Pipeline health check", "Customer feedback synthesis"},
		}, []string{"execution"}},
	}

	impacted := map[string]struct{}{}
	if changedDecision != "" {
		impacted[changedDecision] = struct{}{}
		for _, d := range depgraph.ImpactedDecisions(changedDecision) {
			impacted[d] = struct{}{}
		}
	}

	nodeAssumptions := map[string][]any{
		"pricing.tiers": {"Tier pricing assumes clear feature differentiation between plans"},
		"sales.motion":  {"Sales motion choice depends on ICP validation from buyer interviews"},
		"people.runway": {fmt.Sprintf("Budget of $%.0f/mo assumes no paid acquisition spend", budget)},
	}
	if priceToTest > 0 {
		nodeAssumptions["pricing.metric"] = []any{fmt.Sprintf("Assumes %s has budget authority for $%v/seat", fallbackIf(buyerRole != "", buyerRole, "buyer"), priceToTest)}
	}
	if primaryChannel != "" {
		nodeAssumptions["channel.primary"] = []any{fmt.Sprintf("Assumes %s reaches %s effectively", strings.ReplaceAll(primaryChannel, "_", " "), fallbackIf(buyerRole != "", buyerRole, "target buyer"))}
	}

	nodeEvidence := map[string][]any{}
	if len(competitors) > 0 {
		nodeEvidence["market.icp.summary"] = []any{"src_comp_1"}
		nodeEvidence["market.trigger.event"] = []any{"src_comp_1"}
		nodeEvidence["channel.primary"] = []any{"src_comp_1"}
		if len(competitors) >= 2 {
			nodeEvidence["positioning.wedge"] = []any{"src_comp_1", "src_comp_2"}
		} else {
			nodeEvidence["positioning.wedge"] = []any{"src_comp_1"}
		}
	}
	if len(pricingAnchors) > 0 {
		nodeEvidence["pricing.metric"] = anchorSourceIDs(pricingAnchors, 2)
		nodeEvidence["pricing.tiers"] = anchorSourceIDs(pricingAnchors, 1)
	}

	nodes := []any{}
	for _, spec := range specs {
		if spec.nodeType != "pillar" && changedDecision != "" && !dependsOnAny(spec.dependencies, impacted) {
			continue
		}
		confidence := 0.7
		if strings.Contains(spec.id, "pricing") || strings.Contains(spec.id, "sales") {
			confidence = 0.74
		}
		assumptions := nodeAssumptions[spec.id]
		if assumptions == nil {
			assumptions = []any{}
		}
		evidenceRefs := nodeEvidence[spec.id]
		if evidenceRefs == nil {
			evidenceRefs = []any{}
		}
		deps := make([]any, 0, len(spec.dependencies))
		for _, d := range spec.dependencies {
			deps = append(deps, d)
		}
		nodes = append(nodes, map[string]any{
			"id":            spec.id,
			"title":         spec.title,
			"pillar":        spec.pillar,
			"type":          spec.nodeType,
			"content":       spec.content,
			"assumptions":   assumptions,
			"confidence":    confidence,
			"evidence_refs": evidenceRefs,
			"dependencies":  deps,
			"status":        "draft",
			"actions":       []any{"edit", "rerun"},
			"updated_at":    state.UTCNow(),
		})
	}
	return nodes
}

func buildGraphGroups(nodes []any) []any {
	pillars := []string{"market_intelligence", "customer", "positioning_pricing", "go_to_market", "product_tech", "execution"}
	titles := map[string]string{
		"market_intelligence": "Market Intelligence",
		"customer":            "Customer",
		"positioning_pricing": "Positioning & Pricing",
		"go_to_market":        "Go-to-Market",
		"product_tech":        "Product & Tech",
		"execution":           "Execution",
	}
	grouped := map[string][]any{}
	for _, raw := range nodes {
		node, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		pillar := stringOr(node["pillar"], "")
		grouped[pillar] = append(grouped[pillar], node["id"])
	}
	groups := make([]any, 0, len(pillars))
	for _, pillar := range pillars {
		nodeIDs := grouped[pillar]
		if nodeIDs == nil {
			nodeIDs = []any{}
		}
		groups = append(groups, map[string]any{
			"id":       "group." + pillar,
			"title":    titles[pillar],
			"node_ids": nodeIDs,
		})
	}
	return groups
}

func dependsOnAny(deps []string, impacted map[string]struct{}) bool {
	for _, d := range deps {
		if _, ok := impacted[d]; ok {
			return true
		}
	}
	return false
}

func fallbackIf(cond bool, value, fallback string) string {
	if cond {
		return value
	}
	return fallback
}

func headOf(list []any, n int) []any {
	if len(list) <= n {
		return append([]any{}, list...)
	}
	return append([]any{}, list[:n]...)
}

func actionTitle(actions []any, idx int, fallback string) string {
	if idx < len(actions) {
		if action, ok := actions[idx].(map[string]any); ok {
			return stringOr(action["title"], fallback)
		}
	}
	return fallback
}

func actionOwner(actions []any, idx int, fallback string) string {
	if idx < len(actions) {
		if action, ok := actions[idx].(map[string]any); ok {
			return stringOr(action["owner"], fallback)
		}
	}
	return fallback
}

func experimentField(experiments []any, field, fallback string) string {
	if len(experiments) > 0 {
		if exp, ok := experiments[0].(map[string]any); ok {
			return stringOr(exp[field], fallback)
		}
	}
	return fallback
}

func anchorSourceIDs(anchors []any, n int) []any {
	out := []any{}
	for i, raw := range anchors {
		if i >= n {
			break
		}
		anchor, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, stringOr(anchor["source_id"], "src_pricing_1"))
	}
	return out
}
