package heuristics

import (
	"context"
	"testing"
	"time"

	"github.com/helixdesk/cortex/internal/store"
)

// fakeReader serves canned session records and counts reads.
type fakeReader struct {
	records []store.QueryRecord
	calls   int
}

func (f *fakeReader) RecentQueries(ctx context.Context, userEmail, sessionID string, limit int) ([]store.QueryRecord, error) {
	f.calls++
	return f.records, nil
}

func recordsWithCategories(categories ...string) []store.QueryRecord {
	out := make([]store.QueryRecord, len(categories))
	for i, cat := range categories {
		out[i] = store.QueryRecord{Category: cat}
	}
	return out
}

func TestDetectPatterns(t *testing.T) {
	cases := []struct {
		name    string
		records []store.QueryRecord
		want    string
	}{
		{
			"single query",
			recordsWithCategories(CategoryInformation),
			PatternSingleQuery,
		},
		{
			"empty session",
			nil,
			PatternSingleQuery,
		},
		{
			"focused",
			recordsWithCategories(
				CategoryTroubleshooting, CategoryTroubleshooting,
				CategoryTroubleshooting, CategoryInformation),
			PatternFocused,
		},
		{
			"exploratory",
			recordsWithCategories(
				CategoryInformation, CategoryPolicy, CategoryProcedural,
				CategoryAccountAccess, CategoryTroubleshooting),
			PatternExploratory,
		},
		{
			"onboarding",
			recordsWithCategories(
				CategoryProcedural, CategoryProcedural, CategoryProcedural,
				CategoryProcedural, CategoryInformation),
			PatternOnboarding,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := NewPatternDetector(&fakeReader{records: tc.records})
			got, err := d.Detect(context.Background(), "u@x.test", "s1")
			if err != nil {
				t.Fatalf("Detect: %v", err)
			}
			if got.Pattern != tc.want {
				t.Errorf("pattern = %s, want %s (detail %q)", got.Pattern, tc.want, got.Detail)
			}
		})
	}
}

func TestDetectEscalationBeatsFocused(t *testing.T) {
	records := recordsWithCategories(
		CategoryTroubleshooting, CategoryTroubleshooting, CategoryTroubleshooting)
	records[1].FrustrationSignals = 1
	records[2].FrustrationSignals = 2

	d := NewPatternDetector(&fakeReader{records: records})
	got, err := d.Detect(context.Background(), "u@x.test", "s1")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if got.Pattern != PatternEscalation {
		t.Errorf("pattern = %s, want %s", got.Pattern, PatternEscalation)
	}
}

func TestDetectCachesPerSession(t *testing.T) {
	reader := &fakeReader{records: recordsWithCategories(CategoryInformation)}
	d := NewPatternDetector(reader)
	ctx := context.Background()

	if _, err := d.Detect(ctx, "u@x.test", "s1"); err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if _, err := d.Detect(ctx, "u@x.test", "s1"); err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if reader.calls != 1 {
		t.Errorf("reader called %d times, want 1 (cache hit)", reader.calls)
	}

	if _, err := d.Detect(ctx, "u@x.test", "s2"); err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if reader.calls != 2 {
		t.Errorf("reader called %d times, want 2 (different session)", reader.calls)
	}
}

func TestDetectCacheExpires(t *testing.T) {
	reader := &fakeReader{records: recordsWithCategories(CategoryInformation)}
	d := NewPatternDetector(reader)

	fake := time.Now()
	d.now = func() time.Time { return fake }

	ctx := context.Background()
	if _, err := d.Detect(ctx, "u@x.test", "s1"); err != nil {
		t.Fatalf("Detect: %v", err)
	}
	fake = fake.Add(2 * patternCacheTTL)
	if _, err := d.Detect(ctx, "u@x.test", "s1"); err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if reader.calls != 2 {
		t.Errorf("reader called %d times, want 2 after TTL expiry", reader.calls)
	}
}

func TestAnalyzeTrendsEmergingAndAnomaly(t *testing.T) {
	base := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	var records []store.QueryRecord
	// Baseline half: steady "vpn" chatter, no repeats.
	for i := 0; i < 10; i++ {
		records = append(records, store.QueryRecord{
			Keywords:     []string{"vpn"},
			InferredDept: "it",
			CreatedAt:    base.Add(time.Duration(i) * time.Minute),
		})
	}
	// Recent half: "outage" bursts, repeats spike.
	for i := 0; i < 10; i++ {
		rec := store.QueryRecord{
			Keywords:     []string{"vpn", "outage"},
			InferredDept: "it",
			CreatedAt:    base.Add(time.Duration(60+i) * time.Minute),
		}
		if i%2 == 0 {
			rec.IsRepeat = true
		}
		records = append(records, rec)
	}
	// One repeat in the baseline so the anomaly has a non-zero denominator.
	records[0].IsRepeat = true

	report := AnalyzeTrends(records)

	foundOutage := false
	for _, topic := range report.EmergingTopics {
		if topic.Keyword == "outage" {
			foundOutage = true
		}
	}
	if !foundOutage {
		t.Errorf("emerging topics %v missing 'outage'", report.EmergingTopics)
	}

	if report.RepeatAnomaly == nil {
		t.Fatal("repeat anomaly not flagged")
	}
	if report.RepeatAnomaly.RecentRate < anomalyFactor*report.RepeatAnomaly.BaselineRate {
		t.Errorf("anomaly rates inconsistent: %+v", report.RepeatAnomaly)
	}

	if hours := report.PeakHours["it"]; len(hours) == 0 {
		t.Error("no peak hours for it department")
	}
}
