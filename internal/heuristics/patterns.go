package heuristics

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/helixdesk/cortex/internal/store"
)

// Session pattern labels.
const (
	PatternExploratory     = "EXPLORATORY"
	PatternFocused         = "FOCUSED"
	PatternEscalation      = "TROUBLESHOOTING_ESCALATION"
	PatternOnboarding      = "ONBOARDING"
	PatternMixed           = "MIXED"
	PatternSingleQuery     = "SINGLE_QUERY"
	patternHistoryDepth    = 10
	patternCacheTTL        = 60 * time.Second
	patternCacheMaxEntries = 1000
)

// SessionPattern is the detector's output for one (user, session) pair.
type SessionPattern struct {
	Pattern    string
	Confidence float64
	QueryCount int
	Detail     string
}

// SessionReader is the slice of the analytics surface the detector needs.
type SessionReader interface {
	RecentQueries(ctx context.Context, userEmail, sessionID string, limit int) ([]store.QueryRecord, error)
}

// PatternDetector classifies a session's querying behavior from its recent
// query records. Results are cached per (user, session) for a short TTL with
// a hard entry cap; on overflow the oldest tenth is evicted.
type PatternDetector struct {
	reader SessionReader
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]patternEntry
}

type patternEntry struct {
	pattern SessionPattern
	cached  time.Time
}

// NewPatternDetector creates a detector reading session history from reader.
func NewPatternDetector(reader SessionReader) *PatternDetector {
	return &PatternDetector{
		reader: reader,
		now:    time.Now,
		cache:  map[string]patternEntry{},
	}
}

// Detect returns the session pattern for (userEmail, sessionID).
func (d *PatternDetector) Detect(ctx context.Context, userEmail, sessionID string) (SessionPattern, error) {
	key := userEmail + "\x00" + sessionID

	d.mu.Lock()
	if entry, ok := d.cache[key]; ok && d.now().Sub(entry.cached) < patternCacheTTL {
		d.mu.Unlock()
		return entry.pattern, nil
	}
	d.mu.Unlock()

	records, err := d.reader.RecentQueries(ctx, userEmail, sessionID, patternHistoryDepth)
	if err != nil {
		return SessionPattern{}, fmt.Errorf("pattern detector: %w", err)
	}
	pattern := classifySession(records)

	d.mu.Lock()
	d.cache[key] = patternEntry{pattern: pattern, cached: d.now()}
	if len(d.cache) > patternCacheMaxEntries {
		d.evictOldestLocked(patternCacheMaxEntries / 10)
	}
	d.mu.Unlock()

	return pattern, nil
}

// evictOldestLocked removes the n oldest entries. Caller holds d.mu.
func (d *PatternDetector) evictOldestLocked(n int) {
	type aged struct {
		key    string
		cached time.Time
	}
	entries := make([]aged, 0, len(d.cache))
	for k, e := range d.cache {
		entries = append(entries, aged{k, e.cached})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].cached.Before(entries[j].cached) })
	for i := 0; i < n && i < len(entries); i++ {
		delete(d.cache, entries[i].key)
	}
}

// classifySession applies the pattern rules over the session's records.
// Escalation is checked first since a frustrated session should surface even
// when its queries are otherwise focused.
func classifySession(records []store.QueryRecord) SessionPattern {
	count := len(records)
	if count <= 1 {
		return SessionPattern{Pattern: PatternSingleQuery, Confidence: 1, QueryCount: count}
	}

	frustration, repeats, procedural := 0, 0, 0
	categories := map[string]int{}
	for _, rec := range records {
		frustration += rec.FrustrationSignals
		if rec.IsRepeat {
			repeats++
		}
		if rec.Category == CategoryProcedural {
			procedural++
		}
		categories[rec.Category]++
	}

	if frustration >= 2 || repeats >= 3 {
		return SessionPattern{
			Pattern:    PatternEscalation,
			Confidence: 0.9,
			QueryCount: count,
			Detail:     fmt.Sprintf("frustration=%d repeats=%d", frustration, repeats),
		}
	}

	diversity := float64(len(categories)) / float64(count)
	var topCategory string
	var topShare float64
	for cat, n := range categories {
		share := float64(n) / float64(count)
		if share > topShare || (share == topShare && cat < topCategory) {
			topCategory, topShare = cat, share
		}
	}

	switch {
	case float64(procedural)/float64(count) >= 0.6:
		return SessionPattern{
			Pattern:    PatternOnboarding,
			Confidence: float64(procedural) / float64(count),
			QueryCount: count,
			Detail:     fmt.Sprintf("procedural=%d/%d", procedural, count),
		}
	case topShare >= 0.7:
		return SessionPattern{
			Pattern:    PatternFocused,
			Confidence: topShare,
			QueryCount: count,
			Detail:     "category=" + topCategory,
		}
	case diversity >= 0.6:
		return SessionPattern{
			Pattern:    PatternExploratory,
			Confidence: diversity,
			QueryCount: count,
			Detail:     fmt.Sprintf("categories=%d", len(categories)),
		}
	default:
		return SessionPattern{Pattern: PatternMixed, Confidence: 0.5, QueryCount: count}
	}
}
