package heuristics

import (
	"sort"

	"github.com/helixdesk/cortex/internal/store"
)

const (
	emergingFactor = 1.5
	anomalyFactor  = 2.0
)

// TrendReport is the pure aggregation over a window of query records. The
// window is split in half: the older half is the baseline, the newer half is
// "recent" for the emerging/anomaly comparisons.
type TrendReport struct {
	// PeakHours maps department slug to its busiest hours of day (0-23),
	// busiest first, at most three.
	PeakHours map[string][]int

	// EmergingTopics are keywords whose recent frequency is at least 1.5x
	// their baseline frequency.
	EmergingTopics []EmergingTopic

	// RepeatAnomaly is set when the recent repeat-question rate is at least
	// twice the baseline rate.
	RepeatAnomaly *RepeatAnomaly
}

// EmergingTopic is one keyword trending upwards.
type EmergingTopic struct {
	Keyword      string
	RecentCount  int
	BaselineRate float64
	RecentRate   float64
}

// RepeatAnomaly flags an abnormal repeat-question rate.
type RepeatAnomaly struct {
	BaselineRate float64
	RecentRate   float64
}

// AnalyzeTrends aggregates records (expected in chronological order, as
// QueriesSince returns them) into a trend report.
func AnalyzeTrends(records []store.QueryRecord) TrendReport {
	report := TrendReport{PeakHours: map[string][]int{}}
	if len(records) == 0 {
		return report
	}

	report.PeakHours = peakHours(records)

	mid := len(records) / 2
	baseline, recent := records[:mid], records[mid:]
	if len(baseline) == 0 || len(recent) == 0 {
		return report
	}

	report.EmergingTopics = emergingTopics(baseline, recent)
	report.RepeatAnomaly = repeatAnomaly(baseline, recent)
	return report
}

func peakHours(records []store.QueryRecord) map[string][]int {
	perDept := map[string]map[int]int{}
	for _, rec := range records {
		dept := rec.InferredDept
		if dept == "" {
			dept = GeneralDepartment
		}
		if perDept[dept] == nil {
			perDept[dept] = map[int]int{}
		}
		perDept[dept][rec.CreatedAt.Hour()]++
	}

	out := make(map[string][]int, len(perDept))
	for dept, byHour := range perDept {
		hours := make([]int, 0, len(byHour))
		for h := range byHour {
			hours = append(hours, h)
		}
		sort.Slice(hours, func(i, j int) bool {
			if byHour[hours[i]] != byHour[hours[j]] {
				return byHour[hours[i]] > byHour[hours[j]]
			}
			return hours[i] < hours[j]
		})
		if len(hours) > 3 {
			hours = hours[:3]
		}
		out[dept] = hours
	}
	return out
}

func emergingTopics(baseline, recent []store.QueryRecord) []EmergingTopic {
	baseCounts := keywordCounts(baseline)
	recentCounts := keywordCounts(recent)

	var topics []EmergingTopic
	for kw, n := range recentCounts {
		recentRate := float64(n) / float64(len(recent))
		baseRate := float64(baseCounts[kw]) / float64(len(baseline))
		if baseRate == 0 {
			// New topic; emerging once it shows up more than once.
			if n > 1 {
				topics = append(topics, EmergingTopic{Keyword: kw, RecentCount: n, RecentRate: recentRate})
			}
			continue
		}
		if recentRate >= emergingFactor*baseRate {
			topics = append(topics, EmergingTopic{
				Keyword: kw, RecentCount: n,
				BaselineRate: baseRate, RecentRate: recentRate,
			})
		}
	}
	sort.Slice(topics, func(i, j int) bool {
		if topics[i].RecentCount != topics[j].RecentCount {
			return topics[i].RecentCount > topics[j].RecentCount
		}
		return topics[i].Keyword < topics[j].Keyword
	})
	return topics
}

func keywordCounts(records []store.QueryRecord) map[string]int {
	counts := map[string]int{}
	for _, rec := range records {
		for _, kw := range rec.Keywords {
			counts[kw]++
		}
	}
	return counts
}

func repeatAnomaly(baseline, recent []store.QueryRecord) *RepeatAnomaly {
	baseRate := repeatRate(baseline)
	recentRate := repeatRate(recent)
	if baseRate == 0 || recentRate < anomalyFactor*baseRate {
		return nil
	}
	return &RepeatAnomaly{BaselineRate: baseRate, RecentRate: recentRate}
}

func repeatRate(records []store.QueryRecord) float64 {
	repeats := 0
	for _, rec := range records {
		if rec.IsRepeat {
			repeats++
		}
	}
	return float64(repeats) / float64(len(records))
}
