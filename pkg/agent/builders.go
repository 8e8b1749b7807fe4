package agent

import (
	"context"
	"fmt"

	"github.com/gtmgraph/gtmgraph/pkg/models"
)

// funcAgent adapts a build function to the Agent interface. All built-in
// agents are funcAgents over a shared Provider.
type funcAgent struct {
	name  string
	build func(ctx context.Context, inv *Invocation) (*models.AgentOutput, error)
}

func (a *funcAgent) Name() string { return a.name }

func (a *funcAgent) Execute(ctx context.Context, inv *Invocation) (*models.AgentOutput, error) {
	return a.build(ctx, inv)
}

func evidenceCollector(p Provider) Agent {
	return &funcAgent{name: "evidence_collector", build: func(ctx context.Context, inv *Invocation) (*models.AgentOutput, error) {
		bundle, err := p.FetchEvidenceBundle(ctx, inv.State)
		if err != nil {
			return nil, fmt.Errorf("fetching evidence bundle: %w", err)
		}
		synthesis, err := p.SynthesizeEvidence(ctx, bundle)
		if err != nil {
			return nil, fmt.Errorf("synthesizing evidence: %w", err)
		}

		sources := []any{}
		for i, raw := range asList(bundle["sources"]) {
			src, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			entry := map[string]any{
				"id":            fmt.Sprintf("src_comp_%d", i+1),
				"url":           src["url"],
				"title":         stringOr(src["title"], ""),
				"snippets":      asList(src["snippets"]),
				"quality_score": floatOr(src["quality_score"], 0.6),
			}
			sources = append(sources, entry)
		}

		out := emptyOutput("evidence_collector", inv.RunID)
		out.Patches = []models.Patch{
			{Op: models.OpReplace, Path: "/evidence/sources", Value: sources, Meta: meta(models.SourceEvidence, 0.92, "https://example.com/pricing")},
			{Op: models.OpReplace, Path: "/evidence/competitors", Value: asList(bundle["competitors"]), Meta: meta(models.SourceEvidence, 0.81, "https://example.com/pricing")},
			{Op: models.OpReplace, Path: "/evidence/pricing_anchors", Value: asList(bundle["pricing_anchors"]), Meta: meta(models.SourceEvidence, 0.88, "https://example.com/pricing")},
			{Op: models.OpReplace, Path: "/evidence/messaging_patterns", Value: asList(bundle["messaging_patterns"]), Meta: meta(models.SourceEvidence, 0.73, "https://example.com/pricing")},
			{Op: models.OpReplace, Path: "/evidence/channel_signals", Value: asList(bundle["channel_signals"]), Meta: meta(models.SourceEvidence, 0.7, "https://example.com/pricing")},
		}
		out.Facts = factsFrom(synthesis["facts"])
		out.Assumptions = assumptionsFrom(synthesis["assumptions"])
		out.TokenUsage = &models.TokenUsage{InputTokens: 1400, OutputTokens: 620, Model: "fixture"}
		return out, nil
	}}
}

func competitiveTeardownAgent() Agent {
	return &funcAgent{name: "competitive_teardown_agent", build: func(_ context.Context, inv *Invocation) (*models.AgentOutput, error) {
		out := emptyOutput("competitive_teardown_agent", inv.RunID)
		out.Patches = []models.Patch{
			{
				Op:   models.OpReplace,
				Path: "/evidence/competitors",
				Value: []any{
					map[string]any{
						"name": "Competitor A", "url": "https://example.com/competitor-a",
						"positioning": "All-in-one platform", "pricing_model": "per_seat",
						"target_segment": "Mid-market",
						"strengths":      []any{"Brand recognition", "Feature breadth"},
						"weaknesses":     []any{"Complex onboarding", "High price"},
						"category":       "direct", "market_position": "leader", "threat_level": "high",
						"pricing_detail": map[string]any{"base_price": float64(50), "model": "per_seat", "source_id": "src_comp_1"},
						"weakness_evidence": []any{
							map[string]any{"claim": "Complex onboarding", "source": "G2 review", "relevance": "Speed-to-value wedge"},
							map[string]any{"claim": "High price excludes SMBs", "source": "Reddit thread", "relevance": "Price undercut opportunity"},
						},
						"channel_footprint": map[string]any{"channels_observed": []any{"linkedin_ads", "seo_blog", "webinars"}, "estimated_primary": "direct_sales"},
					},
					map[string]any{
						"name": "Competitor B", "url": "https://example.com/competitor-b",
						"positioning": "Simple and fast", "pricing_model": "flat_rate",
						"target_segment": "SMB",
						"strengths":      []any{"Easy setup", "Low cost"},
						"weaknesses":     []any{"Limited integrations", "No enterprise features"},
						"category":       "direct", "market_position": "niche", "threat_level": "medium",
						"pricing_detail": map[string]any{"base_price": float64(29), "model": "flat_rate", "source_id": "src_comp_2"},
						"weakness_evidence": []any{
							map[string]any{"claim": "Limited integrations", "source": "Capterra review", "relevance": "Integration gap for mid-market"},
						},
						"channel_footprint": map[string]any{"channels_observed": []any{"seo_blog", "product_hunt"}, "estimated_primary": "product_led"},
					},
				},
				Meta: meta(models.SourceEvidence, 0.78, "https://example.com/competitor-a", "https://example.com/competitor-b"),
			},
			{
				Op:   models.OpReplace,
				Path: "/evidence/positioning_map",
				Value: []any{
					map[string]any{
						"axes": map[string]any{"x": "price_point", "y": "feature_depth"},
						"placements": []any{
							map[string]any{"name": "Competitor A", "x": 0.7, "y": 0.85},
							map[string]any{"name": "Competitor B", "x": 0.3, "y": 0.4},
						},
						"identified_gap": map[string]any{
							"x_range":     []any{0.2, 0.5},
							"y_range":     []any{0.3, 0.6},
							"description": "Low-price, focused-feature zone is underserved",
							"confidence":  0.72,
						},
					},
				},
				Meta: meta(models.SourceInference, 0.72, "https://example.com/competitor-a"),
			},
		}
		out.Facts = []models.Fact{{
			Claim:      "Two direct competitors identified with distinct positioning strategies",
			Confidence: 0.78,
			Sources:    []string{"https://example.com/competitor-a", "https://example.com/competitor-b"},
		}}
		out.TokenUsage = &models.TokenUsage{InputTokens: 1100, OutputTokens: 540, Model: "fixture"}
		return out, nil
	}}
}

func decisionAgent(p Provider, agentName, decisionKey, fallbackRec, fallbackRationale string, patches func(inv *Invocation) []models.Patch) Agent {
	return &funcAgent{name: agentName, build: func(ctx context.Context, inv *Invocation) (*models.AgentOutput, error) {
		template, err := p.DecisionTemplate(ctx, decisionKey)
		if err != nil {
			return nil, fmt.Errorf("fetching %s decision template: %w", decisionKey, err)
		}
		options := []map[string]any{}
		for _, raw := range asList(template["options"]) {
			if opt, ok := raw.(map[string]any); ok {
				options = append(options, opt)
			}
		}
		out := emptyOutput(agentName, inv.RunID)
		out.Patches = patches(inv)
		out.Proposals = []models.Proposal{{
			DecisionKey:         decisionKey,
			Options:             options,
			RecommendedOptionID: stringOr(template["recommended_option_id"], fallbackRec),
			Rationale:           stringOr(template["rationale"], fallbackRationale),
			Meta:                meta(models.SourceInference, 0.74),
		}}
		out.TokenUsage = &models.TokenUsage{InputTokens: 900, OutputTokens: 430, Model: "fixture"}
		return out, nil
	}}
}

func icpAgent(p Provider) Agent {
	return decisionAgent(p, "icp_agent", "icp", "icp_opt_1",
		"Best evidence-backed fit from current source set.",
		func(*Invocation) []models.Patch {
			return []models.Patch{{
				Op:   models.OpReplace,
				Path: "/decisions/icp/profile",
				Value: map[string]any{
					"buyer_role":    "Head of Sales",
					"company_size":  "50-200",
					"budget_owner":  "sales_lead",
					"trigger_event": "Hiring new reps",
				},
				Meta: meta(models.SourceInference, 0.74),
			}}
		})
}

func positioningAgent(p Provider) Agent {
	return decisionAgent(p, "positioning_agent", "positioning", "pos_opt_1",
		"Aligns with buyer pain from intake and evidence.",
		func(*Invocation) []models.Patch {
			return []models.Patch{
				{
					Op:   models.OpReplace,
					Path: "/decisions/positioning/frame",
					Value: map[string]any{
						"category":   "Revenue operations assistant",
						"wedge":      "Call-to-follow-up automation",
						"value_prop": "Reduce lead leakage by 30%",
					},
					Meta: meta(models.SourceInference, 0.76),
				},
				{
					Op:    models.OpReplace,
					Path:  "/pillars/positioning_pricing/summary",
					Value: "Position around faster follow-up and measurable pipeline recovery.",
					Meta:  meta(models.SourceInference, 0.73),
				},
			}
		})
}

func pricingAgent(p Provider) Agent {
	return decisionAgent(p, "pricing_agent", "pricing", "price_opt_1",
		"Closest match to evidence anchors.",
		func(*Invocation) []models.Patch {
			return []models.Patch{
				{Op: models.OpReplace, Path: "/decisions/pricing/metric", Value: "per_seat", Meta: meta(models.SourceInference, 0.72)},
				{
					Op:   models.OpReplace,
					Path: "/decisions/pricing/tiers",
					Value: []any{
						map[string]any{"name": "Starter", "price": float64(49)},
						map[string]any{"name": "Growth", "price": float64(149)},
					},
					Meta: meta(models.SourceInference, 0.68),
				},
				{Op: models.OpReplace, Path: "/decisions/pricing/price_to_test", Value: float64(99), Meta: meta(models.SourceInference, 0.66)},
			}
		})
}

func channelAgent(p Provider) Agent {
	return decisionAgent(p, "channel_agent", "channels", "chan_opt_1",
		"Strongest signal from channel evidence set.",
		func(*Invocation) []models.Patch {
			return []models.Patch{
				{Op: models.OpReplace, Path: "/decisions/channels/primary", Value: "linkedin_outbound", Meta: meta(models.SourceInference, 0.72)},
				{Op: models.OpReplace, Path: "/decisions/channels/secondary", Value: "founder_network", Meta: meta(models.SourceInference, 0.61)},
				{Op: models.OpReplace, Path: "/decisions/channels/primary_channels", Value: []any{"linkedin_outbound"}, Meta: meta(models.SourceInference, 0.72)},
			}
		})
}

func salesMotionAgent(p Provider) Agent {
	return decisionAgent(p, "sales_motion_agent", "sales_motion", "sales_opt_1",
		"Best fit for current ICP/channel combination.",
		func(*Invocation) []models.Patch {
			return []models.Patch{
				{Op: models.OpReplace, Path: "/decisions/sales_motion/motion", Value: "outbound_led", Meta: meta(models.SourceInference, 0.7)},
			}
		})
}

func productStrategyAgent() Agent {
	return &funcAgent{name: "product_strategy_agent", build: func(_ context.Context, inv *Invocation) (*models.AgentOutput, error) {
		out := emptyOutput("product_strategy_agent", inv.RunID)
		out.Patches = []models.Patch{
			{
				Op:    models.OpReplace,
				Path:  "/pillars/product_tech/summary",
				Value: "Prioritize call summarization, follow-up extraction, and CRM sync.",
				Meta:  meta(models.SourceInference, 0.75),
			},
			{
				Op:    models.OpReplace,
				Path:  "/pillars/product_tech/nodes",
				Value: []any{"product.core_offer", "product.onboarding", "product.integration", "product.security_plan"},
				Meta:  meta(models.SourceInference, 0.7),
			},
		}
		out.TokenUsage = &models.TokenUsage{InputTokens: 820, OutputTokens: 380, Model: "fixture"}
		return out, nil
	}}
}

func techFeasibilityAgent() Agent {
	return &funcAgent{name: "tech_feasibility_agent", build: func(_ context.Context, inv *Invocation) (*models.AgentOutput, error) {
		compliance := inv.State.StringAt("/constraints/compliance_level")
		securityPlan := "Baseline logging and role-based access"
		if compliance == "medium" || compliance == "high" {
			securityPlan = "Data retention policy + encrypted transcript storage"
		}
		out := emptyOutput("tech_feasibility_agent", inv.RunID)
		out.Patches = []models.Patch{{
			Op:    models.OpReplace,
			Path:  "/pillars/product_tech/security_plan",
			Value: securityPlan,
			Meta:  meta(models.SourceInference, 0.64),
		}}
		out.TokenUsage = &models.TokenUsage{InputTokens: 640, OutputTokens: 260, Model: "fixture"}
		return out, nil
	}}
}

func peopleCashAgent() Agent {
	return &funcAgent{name: "people_cash_agent", build: func(_ context.Context, inv *Invocation) (*models.AgentOutput, error) {
		out := emptyOutput("people_cash_agent", inv.RunID)
		out.Patches = []models.Patch{
			{
				Op:    models.OpReplace,
				Path:  "/pillars/execution/team_plan",
				Value: map[string]any{"summary": "Keep burn below $10k and hire one SDR only after PMF signal."},
				Meta:  meta(models.SourceInference, 0.66),
			},
			{
				Op:    models.OpReplace,
				Path:  "/pillars/execution/nodes",
				Value: []any{"people.team_plan", "people.runway", "people.hiring", "people.ops"},
				Meta:  meta(models.SourceInference, 0.66),
			},
		}
		out.TokenUsage = &models.TokenUsage{InputTokens: 700, OutputTokens: 310, Model: "fixture"}
		return out, nil
	}}
}

func executionAgent() Agent {
	return &funcAgent{name: "execution_agent", build: func(_ context.Context, inv *Invocation) (*models.AgentOutput, error) {
		actions := []any{
			map[string]any{"title": "Interview 10 target buyers", "owner": "founder", "week": float64(1)},
			map[string]any{"title": "Send first 50 outbound messages", "owner": "founder", "week": float64(1)},
			map[string]any{"title": "Launch landing page with CTA", "owner": "marketing", "week": float64(2)},
		}
		if inv.ChangedDecision != "" {
			actions = append([]any{
				map[string]any{"title": "Revalidate after " + inv.ChangedDecision + " change", "owner": "founder", "week": float64(0)},
			}, actions...)
		}
		out := emptyOutput("execution_agent", inv.RunID)
		out.Patches = []models.Patch{
			{Op: models.OpReplace, Path: "/execution/next_actions", Value: actions, Meta: meta(models.SourceInference, 0.7)},
			{
				Op:   models.OpReplace,
				Path: "/execution/experiments",
				Value: []any{
					map[string]any{
						"hypothesis": "Head of Sales will pay for automated follow-up",
						"steps":      []any{"Run outreach", "Book demos", "Collect objections"},
						"metric":     "Demo-to-trial conversion",
					},
				},
				Meta: meta(models.SourceInference, 0.67),
			},
		}
		out.TokenUsage = &models.TokenUsage{InputTokens: 760, OutputTokens: 350, Model: "fixture"}
		return out, nil
	}}
}

func validatorAgent() Agent {
	return &funcAgent{name: "validator_agent", build: func(_ context.Context, inv *Invocation) (*models.AgentOutput, error) {
		// The rule table runs inside the scheduler after this turn; the agent
		// itself contributes nothing to state.
		return emptyOutput("validator_agent", inv.RunID), nil
	}}
}

func factsFrom(raw any) []models.Fact {
	facts := []models.Fact{}
	for _, item := range asList(raw) {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		facts = append(facts, models.Fact{
			Claim:      stringOr(m["claim"], ""),
			Confidence: floatOr(m["confidence"], 0.6),
			Sources:    stringsFrom(m["sources"]),
		})
	}
	return facts
}

func assumptionsFrom(raw any) []models.Assumption {
	assumptions := []models.Assumption{}
	for _, item := range asList(raw) {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		assumptions = append(assumptions, models.Assumption{
			Statement:     stringOr(m["statement"], ""),
			HowToValidate: stringOr(m["how_to_validate"], ""),
			Confidence:    floatOr(m["confidence"], 0.5),
		})
	}
	return assumptions
}

func asList(v any) []any {
	list, _ := v.([]any)
	return list
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}

func floatOr(v any, fallback float64) float64 {
	if f, ok := v.(float64); ok {
		return f
	}
	return fallback
}

func stringsFrom(v any) []string {
	out := []string{}
	for _, item := range asList(v) {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
