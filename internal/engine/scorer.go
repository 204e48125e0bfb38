package engine

import (
	"strings"

	"github.com/riskgate/riskgate/internal/policy"
)

// Score is the pure scoring stage: deterministic, side-effect-free, and
// reproducible from its inputs. rule is the already-matched action rule, or
// nil. Each component is clamped to [0, 1].
func Score(rule *policy.Rule, target string, md Metadata) (impact, breadth, probability float64) {
	return scoreImpact(rule, md), scoreBreadth(target, md), scoreProbability(md)
}

func scoreImpact(rule *policy.Rule, md Metadata) float64 {
	impact := 0.3

	if rule != nil {
		if rule.ImpactFloor > impact {
			impact = rule.ImpactFloor
		}
		for key, boost := range rule.MetadataBoosts {
			if Truthy(md[key]) {
				impact = clamp(impact + boost)
			}
		}
	}

	if Truthy(md["contains_pii"]) {
		impact = clamp(impact + 0.2)
	}
	if Truthy(md["financial"]) {
		impact = clamp(impact + 0.3)
	}
	if Truthy(md["irreversible"]) {
		impact = clamp(impact + 0.2)
	}
	if amount, ok := Numeric(md["amount"]); ok {
		// Both boosts stack for large amounts.
		if amount > 1000 {
			impact = clamp(impact + 0.2)
		}
		if amount > 10000 {
			impact = clamp(impact + 0.3)
		}
	}
	return clamp(impact)
}

var (
	wideTargetWords  = []string{"all", "everyone", "public", "broadcast"}
	groupTargetWords = []string{"group", "team", "list"}
)

func scoreBreadth(target string, md Metadata) float64 {
	breadth := 0.3

	if target != "" {
		lower := strings.ToLower(target)
		if containsAny(lower, wideTargetWords) {
			breadth = 0.9
		} else if containsAny(lower, groupTargetWords) {
			breadth = 0.6
		}
	}

	// Metadata signals only ever widen the estimate.
	if count, ok := recipientCount(md["recipients"]); ok {
		switch {
		case count > 100:
			breadth = max(breadth, 0.9)
		case count > 10:
			breadth = max(breadth, 0.6)
		case count > 1:
			breadth = max(breadth, 0.4)
		}
	}
	switch md["scope"] {
	case "global":
		breadth = 1.0
	case "organization":
		breadth = max(breadth, 0.8)
	}
	if Truthy(md["broadcast"]) || Truthy(md["public"]) {
		breadth = clamp(breadth + 0.3)
	}
	return clamp(breadth)
}

func scoreProbability(md Metadata) float64 {
	probability := 0.3

	// user_confirmed must be the literal false; a missing key is neutral.
	if v, ok := md["user_confirmed"]; ok {
		if b, isBool := v.(bool); isBool && !b {
			probability = clamp(probability + 0.3)
		}
	}
	if Truthy(md["automated"]) {
		probability = clamp(probability + 0.2)
	}
	if Truthy(md["time_sensitive"]) {
		probability = clamp(probability + 0.1)
	}
	if Truthy(md["off_hours"]) {
		probability = clamp(probability + 0.2)
	}
	return clamp(probability)
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
