// Package validator evaluates the fixed contradiction rule table against a
// canonical state. Evaluation is pure: the caller decides what to write back
// into risks and which gates to enforce.
package validator

import (
	"fmt"
	"strings"

	"github.com/gtmgraph/gtmgraph/pkg/models"
	"github.com/gtmgraph/gtmgraph/pkg/state"
)

// Gates are the lifecycle checks the caller is asking about. The sweep-time
// validator runs with no gates; completion and export set them.
type Gates struct {
	Finalize     bool
	MarkComplete bool
	ExportFinal  bool
}

// Report is one validator evaluation. Contradictions gate the run (critical
// blocks, high requires remediation or override); missing proof and risk
// flags inform without blocking.
type Report struct {
	Contradictions []models.Contradiction
	MissingProof   []models.Contradiction
	HighRiskFlags  []models.Contradiction
	Blocking       bool
}

// Evaluate runs the rule table over the state. It never mutates the state.
func Evaluate(s *state.State, gates Gates) Report {
	var r Report
	add := func(c models.Contradiction) {
		r.Contradictions = append(r.Contradictions, c)
		if c.Severity.Blocking() {
			r.Blocking = true
		}
	}

	icpSelected := s.StringAt("/decisions/icp/selected_option_id")
	if gates.Finalize && icpSelected == "" {
		add(models.Contradiction{
			RuleID:   "V-ICP-01",
			Severity: models.SeverityCritical,
			Message:  "ICP selection is required before finalization",
			Paths:    []string{"/decisions/icp/selected_option_id"},
		})
	}

	if gates.Finalize && s.StringAt("/decisions/positioning/frame/value_prop") == "" {
		add(models.Contradiction{
			RuleID:   "V-PROD-01",
			Severity: models.SeverityCritical,
			Message:  "value proposition is missing",
			Paths:    []string{"/decisions/positioning/frame/value_prop"},
		})
	}

	pricingMetric := s.StringAt("/decisions/pricing/metric")
	pricingTiers := s.SliceAt("/decisions/pricing/tiers")
	if pricingMetric == "" && (len(pricingTiers) > 0 || gates.Finalize || gates.MarkComplete) {
		add(models.Contradiction{
			RuleID:   "V-PRICE-01",
			Severity: models.SeverityCritical,
			Message:  "pricing metric is required before completion or export",
			Paths:    []string{"/decisions/pricing/metric", "/decisions/pricing/tiers"},
		})
	}

	category := s.StringAt("/idea/category")
	primaryChannels := s.SliceAt("/decisions/channels/primary_channels")
	if (category == "b2b_saas" || category == "b2b_services") && len(primaryChannels) > 2 {
		add(models.Contradiction{
			RuleID:         "V-CHAN-01",
			Severity:       models.SeverityHigh,
			Message:        "focus failure: keep at most one primary plus one secondary channel",
			Paths:          []string{"/decisions/channels/primary_channels"},
			RecommendedFix: "reduce to one primary and one backup channel",
		})
	}

	motion := s.StringAt("/decisions/sales_motion/motion")
	companySize := s.StringAt("/decisions/icp/profile/company_size")
	budgetOwner := s.StringAt("/decisions/icp/profile/budget_owner")
	if motion == "plg" && (companySize == "enterprise" || companySize == "500+" || strings.Contains(budgetOwner, "procurement")) {
		add(models.Contradiction{
			RuleID:   "V-SALES-01",
			Severity: models.SeverityHigh,
			Message:  "PLG-only motion conflicts with enterprise/procurement ICP",
			Paths: []string{
				"/decisions/sales_motion/motion",
				"/decisions/icp/profile/company_size",
				"/decisions/icp/profile/budget_owner",
			},
			RecommendedFix: "switch motion or add enterprise sales support plan",
		})
	}

	priceToTest := s.FloatAt("/decisions/pricing/price_to_test")
	if motion == "outbound_led" && (companySize == "1-10" || companySize == "1-20") && priceToTest > 0 && priceToTest <= 99 {
		r.Contradictions = append(r.Contradictions, models.Contradiction{
			RuleID:   "V-SALES-02",
			Severity: models.SeverityMedium,
			Message:  "outbound motion with low price on very small ICP may have poor unit economics",
			Paths:    []string{"/decisions/sales_motion/motion", "/decisions/pricing/price_to_test"},
		})
	}

	anchors := s.SliceAt("/evidence/pricing_anchors")
	if flag, ok := priceAboveAnchors(priceToTest, anchors, s.SliceAt("/execution/experiments")); ok {
		r.MissingProof = append(r.MissingProof, flag)
	}

	if s.StringAt("/constraints/compliance_level") == "high" && gates.Finalize {
		if !hasSecurityPlan(s) {
			add(models.Contradiction{
				RuleID:   "V-TECH-01",
				Severity: models.SeverityCritical,
				Message:  "high compliance requires a security and data handling plan",
				Paths:    []string{"/constraints/compliance_level", "/pillars/execution/security_plan"},
			})
		}
	}

	if category != "b2c" && len(s.SliceAt("/evidence/competitors")) == 0 {
		r.MissingProof = append(r.MissingProof, models.Contradiction{
			RuleID:         "V-EVID-01",
			Severity:       models.SeverityHigh,
			Message:        "competitor evidence is missing for non-novel category",
			Paths:          []string{"/evidence/competitors"},
			RecommendedFix: "rerun evidence collection or confirm greenfield market",
		})
	}

	if pricingMetric != "" && len(anchors) == 0 {
		r.MissingProof = append(r.MissingProof, models.Contradiction{
			RuleID:         "V-EVID-02",
			Severity:       models.SeverityHigh,
			Message:        "pricing is decided without pricing anchors evidence",
			Paths:          []string{"/evidence/pricing_anchors", "/decisions/pricing/metric"},
			RecommendedFix: "collect competitor pricing anchors or run a WTP experiment",
		})
	}

	if gates.ExportFinal && s.StringAt("/execution/chosen_track") == "unset" {
		add(models.Contradiction{
			RuleID:         "V-EXEC-01",
			Severity:       models.SeverityHigh,
			Message:        "execution track must be selected before final export",
			Paths:          []string{"/execution/chosen_track"},
			RecommendedFix: "select a track or use draft export",
		})
	}

	if gates.MarkComplete && len(s.SliceAt("/execution/next_actions")) == 0 {
		add(models.Contradiction{
			RuleID:   "V-OPS-01",
			Severity: models.SeverityHigh,
			Message:  "execution pillar is empty; scenario cannot be marked complete",
			Paths:    []string{"/execution/next_actions", "/pillars/execution"},
		})
	}

	if pricingMetric != "" && len(s.MapAt("/pillars/execution/team_plan")) == 0 {
		r.Contradictions = append(r.Contradictions, models.Contradiction{
			RuleID:   "V-PEOPLE-01",
			Severity: models.SeverityMedium,
			Message:  "people and cash plan is under-defined relative to pricing decision",
			Paths:    []string{"/pillars/execution/team_plan", "/decisions/pricing"},
		})
	}

	for _, key := range models.DecisionKeys {
		override := s.MapAt("/decisions/" + key + "/override")
		isCustom, _ := override["is_custom"].(bool)
		justification, _ := override["justification"].(string)
		if isCustom && len(strings.TrimSpace(justification)) < 20 {
			add(models.Contradiction{
				RuleID:   "V-CONT-01",
				Severity: models.SeverityHigh,
				Message:  fmt.Sprintf("custom override on %s requires a substantive justification", key),
				Paths:    []string{"/decisions/" + key + "/override/justification"},
			})
		}
	}

	r.HighRiskFlags = retainedOverrideFlags(s)
	return r
}

// priceAboveAnchors flags a first price-to-test far above every observed
// anchor with no validation experiment planned.
func priceAboveAnchors(priceToTest float64, anchors, experiments []any) (models.Contradiction, bool) {
	flag := models.Contradiction{
		RuleID:         "V-PRICE-02",
		Severity:       models.SeverityHigh,
		Message:        "price-to-test is high without willingness-to-pay proof",
		Paths:          []string{"/decisions/pricing/price_to_test", "/evidence/pricing_anchors"},
		RecommendedFix: "run WTP interviews or collect paid pilot signals",
	}
	if priceToTest <= 0 {
		return models.Contradiction{}, false
	}
	if len(anchors) == 0 {
		return flag, priceToTest >= 500
	}
	maxAnchor := 0.0
	for _, raw := range anchors {
		anchor, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if amount, ok := anchor["amount"].(float64); ok && amount > maxAnchor {
			maxAnchor = amount
		}
	}
	if maxAnchor == 0 || priceToTest <= 2*maxAnchor {
		return models.Contradiction{}, false
	}
	for _, raw := range experiments {
		exp, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		hypothesis, _ := exp["hypothesis"].(string)
		if strings.Contains(strings.ToLower(hypothesis), "pric") || strings.Contains(strings.ToLower(hypothesis), "willing") {
			return models.Contradiction{}, false
		}
	}
	return flag, true
}

func hasSecurityPlan(s *state.State) bool {
	for _, raw := range s.GraphNodes() {
		node, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if id, _ := node["id"].(string); id == "product.security_plan" {
			return true
		}
	}
	return s.StringAt("/pillars/execution/security_plan") != ""
}

// retainedOverrideFlags keeps user-acknowledged override flags across
// validator passes; everything else in high_risk_flags is recomputed.
func retainedOverrideFlags(s *state.State) []models.Contradiction {
	var kept []models.Contradiction
	for _, raw := range s.SliceAt("/risks/high_risk_flags") {
		flag, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		ruleID, _ := flag["rule_id"].(string)
		if !strings.HasPrefix(ruleID, "OVERRIDE-") {
			continue
		}
		message, _ := flag["message"].(string)
		severity, _ := flag["severity"].(string)
		kept = append(kept, models.Contradiction{
			RuleID:   ruleID,
			Severity: models.Severity(severity),
			Message:  message,
		})
	}
	return kept
}

// WriteRisks replaces the risks lists with the report's findings. Only the
// runtime calls this; the merge engine rejects agent writes to these paths.
func WriteRisks(s *state.State, r Report) error {
	if err := s.Apply(models.OpReplace, "/risks/contradictions", contradictionsAsList(r.Contradictions)); err != nil {
		return err
	}
	if err := s.Apply(models.OpReplace, "/risks/missing_proof", contradictionsAsList(r.MissingProof)); err != nil {
		return err
	}
	return s.Apply(models.OpReplace, "/risks/high_risk_flags", contradictionsAsList(r.HighRiskFlags))
}

func contradictionsAsList(cs []models.Contradiction) []any {
	out := make([]any, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.AsMap())
	}
	return out
}
