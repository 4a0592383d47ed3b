// Package heuristics contains the cheap, model-free query analyzers: the
// complexity/intent analyzer, the department context analyzer, the session
// pattern detector, and the trend aggregator.
//
// Everything here must stay fast enough to run inline on the query hot path;
// nothing calls out to a model or the network except the pattern detector's
// read of recent session records.
package heuristics

import (
	"regexp"
	"strings"
)

// Intent labels, in match precedence order (first match wins).
const (
	IntentVerify   = "VERIFY"
	IntentDecision = "DECISION"
	IntentAction   = "ACTION"
	IntentInfoSeek = "INFO_SEEK"
)

// Urgency labels, in match precedence order.
const (
	UrgencyUrgent = "URGENT"
	UrgencyHigh   = "HIGH"
	UrgencyMedium = "MEDIUM"
	UrgencyLow    = "LOW"
)

// Analysis is the output of [Analyze].
type Analysis struct {
	// Complexity in [0,1].
	Complexity float64

	// Intent is one of the Intent* labels.
	Intent string

	// Specificity in [0,1].
	Specificity float64

	// Urgency is one of the Urgency* labels.
	Urgency string

	// MultiPart marks questions asking for several things at once.
	MultiPart bool
}

var (
	sentenceSplit = regexp.MustCompile(`[.!?]+`)

	conditionalRe = regexp.MustCompile(`(?i)\b(if|unless|when|in case|depending on|assuming|provided that)\b`)
	multiCritRe   = regexp.MustCompile(`(?i)\b(compare|versus|vs\.?|both|either|tradeoffs?|pros and cons|differences?)\b`)

	verifyRe   = regexp.MustCompile(`(?i)\b(verify|confirm|is it true|correct that|double.?check|validate|am i right)\b`)
	decisionRe = regexp.MustCompile(`(?i)\b(should i|which (one|option)|better to|recommend|decide|choose|worth)\b`)
	actionRe   = regexp.MustCompile(`(?i)\b(how (do|can|to)|set ?up|configure|install|reset|create|submit|enable|disable|fix|update|change)\b`)

	urgentRe = regexp.MustCompile(`(?i)\b(urgent|asap|immediately|right now|emergency|critical)\b`)
	highRe   = regexp.MustCompile(`(?i)\b(soon|today|quickly|blocked|blocking|deadline)\b`)
	mediumRe = regexp.MustCompile(`(?i)\b(this week|when possible|at some point|eventually)\b`)

	codeRe       = regexp.MustCompile(`\b[A-Z]{2,}-?\d+\b`)
	numberRe     = regexp.MustCompile(`\b\d+(\.\d+)?\b`)
	properNounRe = regexp.MustCompile(`\b[A-Z][a-z]{2,}\b`)

	connectorRe = regexp.MustCompile(`(?i)\b(and also|additionally|as well as|on top of that|furthermore|secondly)\b`)
	listItemRe  = regexp.MustCompile(`(?m)^\s*(\d+[.)]|[-*•])\s+`)
)

// Analyze scores a raw query text. Pure; safe for concurrent use.
func Analyze(text string) Analysis {
	trimmed := strings.TrimSpace(text)
	words := strings.Fields(trimmed)

	return Analysis{
		Complexity:  complexityScore(trimmed, len(words)),
		Intent:      classifyIntent(trimmed),
		Specificity: specificityScore(trimmed, len(words)),
		Urgency:     classifyUrgency(trimmed),
		MultiPart:   isMultiPart(trimmed),
	}
}

// complexityScore combines sentence count, conditional phrases, multi-criteria
// markers, and word count into [0,1].
func complexityScore(text string, wordCount int) float64 {
	sentences := 0
	for _, s := range sentenceSplit.Split(text, -1) {
		if strings.TrimSpace(s) != "" {
			sentences++
		}
	}

	score := 0.0
	if sentences > 1 {
		score += min(float64(sentences-1)*0.15, 0.3)
	}
	score += min(float64(len(conditionalRe.FindAllString(text, -1)))*0.15, 0.3)
	score += min(float64(len(multiCritRe.FindAllString(text, -1)))*0.1, 0.2)
	score += min(float64(wordCount)/50, 0.25)
	return min(score, 1)
}

// classifyIntent applies the patterns in precedence order; first match wins.
func classifyIntent(text string) string {
	switch {
	case verifyRe.MatchString(text):
		return IntentVerify
	case decisionRe.MatchString(text):
		return IntentDecision
	case actionRe.MatchString(text):
		return IntentAction
	default:
		return IntentInfoSeek
	}
}

// specificityScore grows with codes, numbers, and proper nouns.
func specificityScore(text string, wordCount int) float64 {
	if wordCount == 0 {
		return 0
	}
	score := 0.0
	score += min(float64(len(codeRe.FindAllString(text, -1)))*0.25, 0.5)
	score += min(float64(len(numberRe.FindAllString(text, -1)))*0.1, 0.2)

	// Skip the leading word so sentence capitalisation does not count.
	rest := text
	if i := strings.IndexByte(text, ' '); i > 0 {
		rest = text[i:]
	}
	score += min(float64(len(properNounRe.FindAllString(rest, -1)))*0.1, 0.3)
	return min(score, 1)
}

func classifyUrgency(text string) string {
	switch {
	case urgentRe.MatchString(text):
		return UrgencyUrgent
	case highRe.MatchString(text):
		return UrgencyHigh
	case mediumRe.MatchString(text):
		return UrgencyMedium
	default:
		return UrgencyLow
	}
}

func isMultiPart(text string) bool {
	return strings.Count(text, "?") > 1 ||
		connectorRe.MatchString(text) ||
		listItemRe.MatchString(text)
}
