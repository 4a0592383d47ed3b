package heuristics

import (
	"regexp"
	"sort"
	"strings"
)

// Query categories produced by the cheap regex classifier.
const (
	CategoryProcedural      = "procedural"
	CategoryTroubleshooting = "troubleshooting"
	CategoryPolicy          = "policy"
	CategoryAccountAccess   = "account_access"
	CategoryInformation     = "information"
)

// Classification is the output of [Classify].
type Classification struct {
	Category string

	// Keywords are the salient lowercased terms of the query.
	Keywords []string

	// FrustrationSignals counts phrases indicating the user is stuck or
	// annoyed. Feeds the troubleshooting-escalation pattern.
	FrustrationSignals int
}

var (
	proceduralCatRe  = regexp.MustCompile(`(?i)\b(how (do|can|to)|steps? (to|for)|guide|walk ?through|procedure|process for)\b`)
	troubleshootRe   = regexp.MustCompile(`(?i)\b(error|fail(s|ed|ing)?|broken|not work(s|ing)?|doesn'?t work|crash(es|ed)?|issue|problem|bug)\b`)
	policyCatRe      = regexp.MustCompile(`(?i)\b(policy|allowed|permitted|compliance|regulation|rule(s)?|legal|gdpr)\b`)
	accountCatRe     = regexp.MustCompile(`(?i)\b(password|login|log ?in|sign ?in|account|locked out|access|permission|2fa|mfa)\b`)
	frustrationPhRe  = regexp.MustCompile(`(?i)(still (not|doesn'?t)|again|already (tried|asked)|nothing works|frustrat|ridiculous|come on|!{2,})`)
	keywordStopWords = map[string]struct{}{
		"the": {}, "and": {}, "for": {}, "how": {}, "what": {}, "where": {},
		"when": {}, "who": {}, "why": {}, "can": {}, "could": {}, "would": {},
		"should": {}, "this": {}, "that": {}, "with": {}, "from": {}, "into": {},
		"does": {}, "do": {}, "is": {}, "are": {}, "was": {}, "were": {},
		"have": {}, "has": {}, "had": {}, "not": {}, "you": {}, "your": {},
		"about": {}, "there": {}, "their": {}, "them": {}, "they": {},
	}
)

// Classify runs the cheap regex classifier over a query text.
//
// Category precedence: troubleshooting beats procedural (a failing "how do I"
// is a problem report first), then account access, policy, procedural, and
// the information fallback.
func Classify(text string) Classification {
	var category string
	switch {
	case troubleshootRe.MatchString(text):
		category = CategoryTroubleshooting
	case accountCatRe.MatchString(text):
		category = CategoryAccountAccess
	case policyCatRe.MatchString(text):
		category = CategoryPolicy
	case proceduralCatRe.MatchString(text):
		category = CategoryProcedural
	default:
		category = CategoryInformation
	}

	return Classification{
		Category:           category,
		Keywords:           extractKeywords(text, 8),
		FrustrationSignals: len(frustrationPhRe.FindAllString(text, -1)),
	}
}

// extractKeywords returns up to max distinct salient terms, most frequent
// first, ties alphabetical for determinism.
func extractKeywords(text string, max int) []string {
	counts := map[string]int{}
	for _, f := range strings.Fields(strings.ToLower(text)) {
		f = strings.Trim(f, `.,;:!?"'()[]{}`)
		if len(f) < 3 {
			continue
		}
		if _, stop := keywordStopWords[f]; stop {
			continue
		}
		counts[f]++
	}

	terms := make([]string, 0, len(counts))
	for term := range counts {
		terms = append(terms, term)
	}
	sort.Slice(terms, func(i, j int) bool {
		if counts[terms[i]] != counts[terms[j]] {
			return counts[terms[i]] > counts[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > max {
		terms = terms[:max]
	}
	return terms
}
