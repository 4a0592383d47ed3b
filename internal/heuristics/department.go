package heuristics

import (
	"regexp"
	"sort"
	"strings"
)

// GeneralDepartment is returned as the primary department when no department
// reaches the confidence floor.
const GeneralDepartment = "general"

// primaryFloor is the minimum normalized probability a department must reach
// to become the primary.
const primaryFloor = 0.2

// DepartmentSignals maps a department slug to the terms that indicate it.
type DepartmentSignals map[string][]string

// DefaultDepartmentSignals covers the stock department set. Tenants with a
// custom department list provide their own signal map; unknown departments
// simply never score.
func DefaultDepartmentSignals() DepartmentSignals {
	return DepartmentSignals{
		"it": {
			"password", "login", "vpn", "laptop", "software", "email", "wifi",
			"printer", "computer", "access", "install", "network", "server",
			"account", "reset", "2fa", "mfa",
		},
		"hr": {
			"vacation", "leave", "pto", "benefits", "payroll", "salary",
			"onboarding", "offboarding", "holiday", "sick", "maternity",
			"performance", "review", "hiring",
		},
		"finance": {
			"invoice", "expense", "reimbursement", "budget", "payment",
			"purchase", "procurement", "tax", "receipt", "cost", "billing",
		},
		"sales": {
			"customer", "deal", "quote", "crm", "pipeline", "lead", "contract",
			"discount", "pricing", "proposal",
		},
		"legal": {
			"contract", "nda", "compliance", "gdpr", "legal", "liability",
			"agreement", "terms", "privacy", "regulation",
		},
		"operations": {
			"logistics", "shipping", "warehouse", "inventory", "supplier",
			"facility", "maintenance", "scheduling", "delivery",
		},
		"support": {
			"ticket", "customer", "complaint", "refund", "escalation",
			"response", "sla", "helpdesk",
		},
	}
}

// InferDepartment scores text (plus any pre-extracted keywords) against the
// signal map and returns a probability distribution over departments together
// with the primary department.
//
// Each department's raw score is the fraction of its signal terms found in
// the text; raw scores are normalized to sum to 1. When the best normalized
// score is under the confidence floor the primary is [GeneralDepartment],
// but the distribution is still returned for analytics.
func InferDepartment(text string, keywords []string, signals DepartmentSignals) (primary string, dist map[string]float64) {
	haystack := strings.ToLower(text)
	for _, k := range keywords {
		haystack += " " + strings.ToLower(k)
	}
	tokens := map[string]struct{}{}
	for _, tok := range nonWordRe.Split(haystack, -1) {
		tokens[tok] = struct{}{}
	}

	raw := map[string]float64{}
	var total float64
	for dept, terms := range signals {
		if len(terms) == 0 {
			continue
		}
		matched := 0
		for _, term := range terms {
			if _, ok := tokens[term]; ok {
				matched++
			}
		}
		score := float64(matched) / float64(len(terms))
		raw[dept] = score
		total += score
	}

	// Nothing matched: no evidence means no distribution, not a uniform one.
	if total == 0 {
		return GeneralDepartment, map[string]float64{}
	}

	dist = make(map[string]float64, len(raw))
	for dept, score := range raw {
		dist[dept] = score / total
	}

	best, bestScore := "", -1.0
	for _, dept := range sortedKeys(dist) {
		if dist[dept] > bestScore {
			best, bestScore = dept, dist[dept]
		}
	}
	if bestScore < primaryFloor {
		return GeneralDepartment, dist
	}
	return best, dist
}

var nonWordRe = regexp.MustCompile(`[^a-z0-9]+`)

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
