package agent

// Built-in provider fixtures. These keep the full pipeline runnable and
// deterministic without network access; a fixture directory can override any
// of them per deployment.

func builtinEvidenceBundle() map[string]any {
	return map[string]any{
		"sources": []any{
			map[string]any{
				"url":           "https://example.com/competitor-a/pricing",
				"title":         "Competitor A pricing page",
				"snippets":      []any{"Plans start at $50/seat for teams"},
				"quality_score": 0.82,
			},
			map[string]any{
				"url":           "https://example.com/competitor-b",
				"title":         "Competitor B product overview",
				"snippets":      []any{"Flat $29/month, setup in minutes"},
				"quality_score": 0.74,
			},
			map[string]any{
				"url":           "https://reviews.example.com/category-roundup",
				"title":         "Category review roundup",
				"snippets":      []any{"Buyers complain about complex onboarding in incumbent tools"},
				"quality_score": 0.66,
			},
		},
		"competitors": []any{
			map[string]any{"name": "Competitor A", "url": "https://example.com/competitor-a", "pricing_model": "per_seat"},
			map[string]any{"name": "Competitor B", "url": "https://example.com/competitor-b", "pricing_model": "flat_rate"},
		},
		"pricing_anchors": []any{
			map[string]any{"competitor": "Competitor A", "amount": float64(50), "model": "per_seat", "source_id": "src_comp_1"},
			map[string]any{"competitor": "Competitor B", "amount": float64(29), "model": "flat_rate", "source_id": "src_comp_2"},
		},
		"messaging_patterns": []any{
			map[string]any{"pattern": "speed_to_value", "example": "Set up in minutes, value on day one"},
			map[string]any{"pattern": "roi_claim", "example": "Recover 30% of leaking pipeline"},
		},
		"channel_signals": []any{
			map[string]any{"channel": "linkedin_outbound", "strength": 0.8},
			map[string]any{"channel": "seo_blog", "strength": 0.55},
		},
	}
}

func builtinEvidenceSynthesis() map[string]any {
	return map[string]any{
		"summary": "Two direct competitors with per-seat and flat pricing; onboarding complexity is the recurring complaint.",
		"facts": []any{
			map[string]any{
				"claim":      "Incumbent pricing clusters between $29 and $50 per month",
				"confidence": 0.8,
				"sources":    []any{"https://example.com/competitor-a/pricing", "https://example.com/competitor-b"},
			},
		},
		"assumptions": []any{
			map[string]any{
				"statement":       "Buyers will switch tools for materially faster onboarding",
				"how_to_validate": "Run 10 switching interviews with current incumbent users",
				"confidence":      0.55,
			},
		},
	}
}

func builtinDecisionTemplates() map[string]any {
	return map[string]any{
		"icp": map[string]any{
			"options": []any{
				map[string]any{"id": "icp_opt_1", "title": "Head of Sales at 50-200 B2B SaaS", "description": "Evidence-backed fit: active trigger events and clear budget owner."},
				map[string]any{"id": "icp_opt_2", "title": "Founder-led sales at <20", "description": "Cheaper to reach but weaker willingness to pay."},
			},
			"recommended_option_id": "icp_opt_1",
			"rationale":             "Best evidence-backed fit from current source set.",
		},
		"positioning": map[string]any{
			"options": []any{
				map[string]any{"id": "pos_opt_1", "title": "Speed-to-value wedge", "description": "Lead with onboarding speed against complex incumbents."},
				map[string]any{"id": "pos_opt_2", "title": "Price undercut", "description": "Compete on price below incumbent floor."},
			},
			"recommended_option_id": "pos_opt_1",
			"rationale":             "Aligns with buyer pain from intake and evidence.",
		},
		"pricing": map[string]any{
			"options": []any{
				map[string]any{"id": "price_opt_1", "title": "Per-seat $49/$149", "description": "Matches dominant competitor metric with an undercut entry tier."},
				map[string]any{"id": "price_opt_2", "title": "Flat $99", "description": "Simple, but leaves expansion revenue on the table."},
			},
			"recommended_option_id": "price_opt_1",
			"rationale":             "Closest match to evidence anchors.",
		},
		"channels": map[string]any{
			"options": []any{
				map[string]any{"id": "chan_opt_1", "title": "LinkedIn outbound", "description": "Strongest observed signal for this buyer."},
				map[string]any{"id": "chan_opt_2", "title": "SEO content", "description": "Compounding but slow for the timeline."},
			},
			"recommended_option_id": "chan_opt_1",
			"rationale":             "Strongest signal from channel evidence set.",
		},
		"sales_motion": map[string]any{
			"options": []any{
				map[string]any{"id": "sales_opt_1", "title": "Outbound-led", "description": "Direct path to the identified budget owner."},
				map[string]any{"id": "sales_opt_2", "title": "PLG with sales assist", "description": "Requires self-serve onboarding investment first."},
			},
			"recommended_option_id": "sales_opt_1",
			"rationale":             "Best fit for current ICP/channel combination.",
		},
	}
}
